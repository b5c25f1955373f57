// Copyright 2024 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metastore narrows a durable ordered key-value store down to
// exactly the operations the buddy allocator needs: begin/commit/abort,
// get/put/delete, and a seek-forward cursor, all scoped to one transaction.
//
// The concrete engine is bbolt (go.etcd.io/bbolt), whose single writable
// transaction at a time and Cursor.Seek are a direct match for the access
// pattern the allocator requires.
package metastore

import (
	"bytes"
	"errors"
	"fmt"

	"go.etcd.io/bbolt"
)

// bucketName is the single bbolt bucket holding the hash table, free list,
// and temp list, distinguished only by key prefix (see §3 of the spec).
var bucketName = []byte("buddyblocks")

// ErrKVFailure wraps any error reported by the underlying store.
var ErrKVFailure = errors.New("kv failure")

// Store is a durable ordered key-value store opened on a single bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the metadata store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrKVFailure, path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %v", ErrKVFailure, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// Tx is a single metadata-store transaction. All cursor-borrowed bytes are
// copied into caller memory before any other call, per §4.B.
type Tx struct {
	tx *bbolt.Tx
	b  *bbolt.Bucket
}

// Begin opens a transaction. The caller must Commit or Rollback it.
func (s *Store) Begin(writable bool) (*Tx, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrKVFailure, err)
	}
	b := tx.Bucket(bucketName)
	if b == nil {
		tx.Rollback()
		return nil, fmt.Errorf("%w: missing bucket %q", ErrKVFailure, bucketName)
	}
	return &Tx{tx: tx, b: b}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrKVFailure, err)
	}
	return nil
}

// Rollback aborts the transaction. It is safe to call after a successful
// Commit (bbolt reports ErrTxClosed, which Rollback ignores).
func (t *Tx) Rollback() {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bbolt.ErrTxClosed) {
		// Nothing useful to do with a rollback failure on an already-doomed
		// transaction; the caller has already decided to abandon it.
		_ = err
	}
}

// Get fetches the value for key, or (nil, false) if key is absent. The
// returned slice is a copy safe to retain past the transaction.
func (t *Tx) Get(key string) ([]byte, bool) {
	v := t.b.Get([]byte(key))
	if v == nil {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Put writes key/value into the transaction.
func (t *Tx) Put(key string, value []byte) error {
	if err := t.b.Put([]byte(key), value); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrKVFailure, key, err)
	}
	return nil
}

// Delete removes key from the transaction. Deleting an absent key is not an
// error.
func (t *Tx) Delete(key string) error {
	if err := t.b.Delete([]byte(key)); err != nil {
		return fmt.Errorf("%w: delete %q: %v", ErrKVFailure, key, err)
	}
	return nil
}

// SeekGE returns the lexicographically smallest key >= prefix and its value,
// or ok=false if no such key exists. The caller must still check that the
// returned key starts with prefix, since SeekGE may return a key belonging
// to the next prefix in sort order.
func (t *Tx) SeekGE(prefix string) (key string, value []byte, ok bool) {
	c := t.b.Cursor()
	k, v := c.Seek([]byte(prefix))
	if k == nil {
		return "", nil, false
	}
	// Copy: cursor-borrowed bytes must not outlive this call.
	kc := make([]byte, len(k))
	copy(kc, k)
	vc := make([]byte, len(v))
	copy(vc, v)
	return string(kc), vc, true
}

// ScanPrefix visits every key with the given prefix, in ascending order, in
// a single cursor pass, stopping early if fn returns false. Keys are
// decimal-ASCII and not fixed-width (§3), so re-deriving a "next" seek
// prefix from the last key seen is not reliable (e.g. "t_4k_10" sorts
// before "t_4k_1\xff"); Cursor.Next walks the real key order instead.
func (t *Tx) ScanPrefix(prefix string, fn func(key string, value []byte) bool) {
	c := t.b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		kc := make([]byte, len(k))
		copy(kc, k)
		vc := make([]byte, len(v))
		copy(vc, v)
		if !fn(string(kc), vc) {
			return
		}
	}
}
