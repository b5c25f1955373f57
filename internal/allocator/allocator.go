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

// Package allocator implements the buddy allocator: split/merge over a
// persistent free list, temp-list reservation, and crash recovery, as
// described in SPEC_FULL.md component D.
//
// Every mutating method except RecoverTemp takes a caller-owned
// *metastore.Tx, so that a batch of operations from the controller commits
// atomically (§5 "single-writer metadata store"). RecoverTemp runs once at
// startup and opens and commits its own read-write transaction.
package allocator

import (
	"errors"
	"fmt"

	"github.com/creachadair/buddyblocks/internal/datafile"
	"github.com/creachadair/buddyblocks/internal/metastore"
	"github.com/creachadair/buddyblocks/internal/sizeclass"
)

// Digest is a raw SHA-256 content hash, used as the hash-table key.
type Digest = [32]byte

// Sentinel errors. These are the allocator's half of the failure-mode
// taxonomy in spec.md §4.D.5 / §7; the controller handler maps them to
// error_result codes.
var (
	ErrBlockNotFound    = errors.New("block not found")
	ErrBlockExists      = errors.New("block already exists")
	ErrAllocationFailed = errors.New("allocation failed")
	ErrInvalidSize      = sizeclass.ErrPayloadTooLarge
	ErrInvalidMetadata  = sizeclass.ErrInvalidMetadata
)

// maxExtensions bounds the extend-and-retry loop in AllocateToTemp. Under
// the documented workload (payloads <= 512 KiB, so callers never request the
// Macro class directly) a single extension always satisfies the request;
// this is purely a guard against a runaway loop, never expected to trigger
// in a healthy deployment (see spec.md §7, allocation-failed).
const maxExtensions = 64

// Option configures an Allocator.
type Option func(*Allocator)

// AllowIdempotentOccupy makes OccupyFromTemp tolerate a duplicate hash: it
// returns the existing record instead of ErrBlockExists, and recycles the
// caller's now-redundant temp reservation back to the free list. This is the
// alternative behavior noted in spec.md §9 Open Question 1; the default
// (and spec-mandated) behavior rejects duplicates.
func AllowIdempotentOccupy() Option {
	return func(a *Allocator) { a.idempotentOccupy = true }
}

// Allocator is the buddy allocator over a metadata store and a data file.
type Allocator struct {
	store            *metastore.Store
	file             *datafile.File
	idempotentOccupy bool
}

// New constructs an Allocator over store and file.
func New(store *metastore.Store, file *datafile.File, opts ...Option) *Allocator {
	a := &Allocator{store: store, file: file}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func hashKey(h Digest) string { return string(h[:]) }

// AllocateToTemp reserves a free block of the requested class, moves it to
// the temp list, and returns its metadata (data_size is 0 until Occupy).
// Implements §4.D.1.
func (a *Allocator) AllocateToTemp(tx *metastore.Tx, class sizeclass.Class) (sizeclass.Record, error) {
	if !class.Valid() {
		return sizeclass.Record{}, fmt.Errorf("%w: class %v", ErrInvalidSize, class)
	}
	for attempt := 0; attempt < maxExtensions; attempt++ {
		if rec, ok, err := a.tryAllocate(tx, class); err != nil {
			return sizeclass.Record{}, err
		} else if ok {
			return rec, nil
		}
		if err := a.extendAndSeed(tx); err != nil {
			return sizeclass.Record{}, err
		}
	}
	return sizeclass.Record{}, fmt.Errorf("%w: exhausted %d extensions", ErrAllocationFailed, maxExtensions)
}

// tryAllocate attempts steps 1-2 of §4.D.1 without extending the file.
func (a *Allocator) tryAllocate(tx *metastore.Tx, target sizeclass.Class) (sizeclass.Record, bool, error) {
	// Step 1: exact-class donor.
	if key, value, ok := tx.SeekGE(sizeclass.FreePrefix(target)); ok {
		if c, n, _, err := sizeclass.ParseKey(key); err == nil && c == target {
			if err := tx.Delete(key); err != nil {
				return sizeclass.Record{}, false, err
			}
			buddy, err := sizeclass.DecodeBuddyValue(value)
			if err != nil {
				return sizeclass.Record{}, false, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
			}
			if err := tx.Put(sizeclass.TempKey(target, n), sizeclass.EncodeBuddyValue(buddy)); err != nil {
				return sizeclass.Record{}, false, err
			}
			return sizeclass.Record{Class: target, BlockNum: n, BuddyNum: buddy}, true, nil
		}
	}

	// Step 2: walk upward for an oversized donor to split down.
	for c, ok := target.Merge(); ok; c, ok = c.Merge() {
		key, value, found := tx.SeekGE(sizeclass.FreePrefix(c))
		if !found {
			continue
		}
		pc, n, _, err := sizeclass.ParseKey(key)
		if err != nil || pc != c {
			continue
		}
		if err := tx.Delete(key); err != nil {
			return sizeclass.Record{}, false, err
		}
		_ = value // the parent's buddy value is irrelevant; it is being split.
		rec, err := a.splitDown(tx, c, n, target)
		if err != nil {
			return sizeclass.Record{}, false, err
		}
		return rec, true, nil
	}
	return sizeclass.Record{}, false, nil
}

// splitDown repeatedly halves the donor block (c, n) down to class target,
// inserting a new free entry for the sibling created at each step, and
// finally emits a temp entry for the target-class block. Implements the
// split-down procedure of §4.D.1.
func (a *Allocator) splitDown(tx *metastore.Tx, c sizeclass.Class, n uint64, target sizeclass.Class) (sizeclass.Record, error) {
	for c != target {
		child, ok := c.Split()
		if !ok {
			return sizeclass.Record{}, fmt.Errorf("%w: class %v has no split", ErrInvalidMetadata, c)
		}
		left, right := 2*n, 2*n+1
		if err := tx.Put(sizeclass.FreeKey(child, right), sizeclass.EncodeBuddyValue(left)); err != nil {
			return sizeclass.Record{}, err
		}
		c, n = child, left
	}
	buddy := sizeclass.Buddy(n)
	if err := tx.Put(sizeclass.TempKey(target, n), sizeclass.EncodeBuddyValue(buddy)); err != nil {
		return sizeclass.Record{}, err
	}
	return sizeclass.Record{Class: target, BlockNum: n, BuddyNum: buddy}, nil
}

// extendAndSeed grows the data file by one chunk and seeds new free entries
// at the 512 KiB class, per §4.D.3.
func (a *Allocator) extendAndSeed(tx *metastore.Tx) error {
	const seedClass = sizeclass.C512K
	oldSize := a.file.Size()
	newSize, err := a.file.Extend()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	baseNum := uint64(oldSize / seedClass.Bytes())
	count := (newSize - oldSize) / seedClass.Bytes()
	for i := int64(0); i < count; i++ {
		blockNum := baseNum + uint64(i)
		buddy := sizeclass.Buddy(blockNum)
		if err := tx.Put(sizeclass.FreeKey(seedClass, blockNum), sizeclass.EncodeBuddyValue(buddy)); err != nil {
			return err
		}
	}
	return nil
}

// OccupyFromTemp removes the temp entry matching rec and inserts a
// hash-table entry for hash. If hash already exists, the default behavior
// is to fail with ErrBlockExists (§9 Open Question 1); construct the
// Allocator with AllowIdempotentOccupy to instead return the pre-existing
// record and recycle rec's reservation to the free list.
func (a *Allocator) OccupyFromTemp(tx *metastore.Tx, hash Digest, rec sizeclass.Record) (sizeclass.Record, error) {
	key := hashKey(hash)
	if existing, ok := tx.Get(key); ok {
		prior, err := sizeclass.DecodeRecord(existing)
		if err != nil {
			return sizeclass.Record{}, err
		}
		if !a.idempotentOccupy {
			return sizeclass.Record{}, fmt.Errorf("%w", ErrBlockExists)
		}
		if err := a.releaseTempReservation(tx, rec.Class, rec.BlockNum); err != nil {
			return sizeclass.Record{}, err
		}
		return prior, nil
	}

	tempKey := sizeclass.TempKey(rec.Class, rec.BlockNum)
	if _, ok := tx.Get(tempKey); !ok {
		return sizeclass.Record{}, fmt.Errorf("%w: no temp reservation for %v/%d", ErrBlockNotFound, rec.Class, rec.BlockNum)
	}
	if err := tx.Delete(tempKey); err != nil {
		return sizeclass.Record{}, err
	}
	if err := tx.Put(key, rec.Encode(nil)); err != nil {
		return sizeclass.Record{}, err
	}
	return rec, nil
}

// releaseTempReservation moves a temp-list entry directly to the free list
// (merging with its buddy if possible), without requiring a hash-table
// entry to exist. Used only by the idempotent-occupy path, where a worker's
// freshly filled block turns out to be redundant.
func (a *Allocator) releaseTempReservation(tx *metastore.Tx, class sizeclass.Class, blockNum uint64) error {
	if err := tx.Delete(sizeclass.TempKey(class, blockNum)); err != nil {
		return err
	}
	return a.releaseBlock(tx, class, blockNum)
}

// Release removes the hash-table entry for hash and returns the freed block
// to the free list, merging upward with a free buddy as far as possible.
// Implements §4.D.2.
func (a *Allocator) Release(tx *metastore.Tx, hash Digest) error {
	key := hashKey(hash)
	value, ok := tx.Get(key)
	if !ok {
		return fmt.Errorf("%w", ErrBlockNotFound)
	}
	rec, err := sizeclass.DecodeRecord(value)
	if err != nil {
		return err
	}
	if err := tx.Delete(key); err != nil {
		return err
	}
	return a.releaseBlock(tx, rec.Class, rec.BlockNum)
}

// releaseBlock inserts a free entry for (class, blockNum), recursively
// merging with a free buddy into the parent class. Recursion stops when the
// buddy is not free or class is already Macro (no further merge possible).
func (a *Allocator) releaseBlock(tx *metastore.Tx, class sizeclass.Class, blockNum uint64) error {
	buddy := sizeclass.Buddy(blockNum)
	if class == sizeclass.Macro {
		return tx.Put(sizeclass.FreeKey(class, blockNum), sizeclass.EncodeBuddyValue(buddy))
	}
	if _, ok := tx.Get(sizeclass.FreeKey(class, buddy)); ok {
		if err := tx.Delete(sizeclass.FreeKey(class, blockNum)); err != nil {
			return err
		}
		if err := tx.Delete(sizeclass.FreeKey(class, buddy)); err != nil {
			return err
		}
		parent, _ := class.Merge()
		return a.releaseBlock(tx, parent, blockNum/2)
	}
	return tx.Put(sizeclass.FreeKey(class, blockNum), sizeclass.EncodeBuddyValue(buddy))
}

// Get performs a read-only lookup of hash's metadata.
func (a *Allocator) Get(tx *metastore.Tx, hash Digest) (sizeclass.Record, error) {
	value, ok := tx.Get(hashKey(hash))
	if !ok {
		return sizeclass.Record{}, fmt.Errorf("%w", ErrBlockNotFound)
	}
	return sizeclass.DecodeRecord(value)
}

// Has reports whether hash is present in the hash table.
func (a *Allocator) Has(tx *metastore.Tx, hash Digest) (bool, error) {
	_, ok := tx.Get(hashKey(hash))
	return ok, nil
}

// RecoverTemp scans the temp list and moves every entry back to the free
// list. It must run once at startup, in its own transaction, before any
// worker connection is accepted (§4.D.4).
func (a *Allocator) RecoverTemp() error {
	tx, err := a.store.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	type tempEntry struct {
		key   string
		value []byte
	}
	var entries []tempEntry
	tx.ScanPrefix("t_", func(key string, value []byte) bool {
		entries = append(entries, tempEntry{key: key, value: value})
		return true
	})

	for _, e := range entries {
		class, blockNum, isTemp, err := sizeclass.ParseKey(e.key)
		if err != nil || !isTemp {
			return fmt.Errorf("%w: recover_temp: %v", ErrInvalidMetadata, err)
		}
		buddy, err := sizeclass.DecodeBuddyValue(e.value)
		if err != nil {
			return err
		}
		if err := tx.Put(sizeclass.FreeKey(class, blockNum), sizeclass.EncodeBuddyValue(buddy)); err != nil {
			return err
		}
		if err := tx.Delete(e.key); err != nil {
			return err
		}
	}
	return tx.Commit()
}
