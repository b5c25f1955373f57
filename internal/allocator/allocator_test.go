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

package allocator_test

import (
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"

	"github.com/creachadair/buddyblocks/internal/allocator"
	"github.com/creachadair/buddyblocks/internal/datafile"
	"github.com/creachadair/buddyblocks/internal/metastore"
	"github.com/creachadair/buddyblocks/internal/sizeclass"
)

type fixture struct {
	store *metastore.Store
	file  *datafile.File
	alloc *allocator.Allocator
}

func newFixture(t *testing.T, opts ...allocator.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := metastore.Open(filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatalf("metastore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	file, err := datafile.Open(filepath.Join(dir, "data.bin"), 1)
	if err != nil {
		t.Fatalf("datafile.Open: %v", err)
	}
	t.Cleanup(func() { file.Close() })

	return &fixture{store: store, file: file, alloc: allocator.New(store, file, opts...)}
}

func digestOf(s string) allocator.Digest { return sha256.Sum256([]byte(s)) }

func TestAllocateOccupyGetRelease(t *testing.T) {
	fx := newFixture(t)

	tx, err := fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp: %v", err)
	}
	hash := digestOf("hello")
	rec.DataSize = 5
	occRec, err := fx.alloc.OccupyFromTemp(tx, hash, rec)
	if err != nil {
		t.Fatalf("OccupyFromTemp: %v", err)
	}
	if occRec.DataSize != 5 {
		t.Errorf("OccupyFromTemp DataSize = %d, want 5", occRec.DataSize)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	got, err := fx.alloc.Get(tx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.DataSize != 5 || got.Class != sizeclass.C4K {
		t.Errorf("Get = %+v, want DataSize=5 Class=C4K", got)
	}
	has, err := fx.alloc.Has(tx, hash)
	if err != nil || !has {
		t.Errorf("Has = (%v, %v), want (true, nil)", has, err)
	}

	if err := fx.alloc.Release(tx, hash); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx, err = fx.store.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := fx.alloc.Get(tx, hash); !errors.Is(err, allocator.ErrBlockNotFound) {
		t.Errorf("Get (after release) = %v, want ErrBlockNotFound", err)
	}
}

func TestOccupyDuplicateRejected(t *testing.T) {
	fx := newFixture(t)
	tx, err := fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	hash := digestOf("dup")
	rec, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp: %v", err)
	}
	if _, err := fx.alloc.OccupyFromTemp(tx, hash, rec); err != nil {
		t.Fatalf("OccupyFromTemp (first): %v", err)
	}

	rec2, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp (second): %v", err)
	}
	if _, err := fx.alloc.OccupyFromTemp(tx, hash, rec2); !errors.Is(err, allocator.ErrBlockExists) {
		t.Errorf("OccupyFromTemp (duplicate) = %v, want ErrBlockExists", err)
	}
}

func TestOccupyDuplicateIdempotentOption(t *testing.T) {
	fx := newFixture(t, allocator.AllowIdempotentOccupy())
	tx, err := fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	hash := digestOf("dup")
	rec, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp: %v", err)
	}
	rec.DataSize = 10
	first, err := fx.alloc.OccupyFromTemp(tx, hash, rec)
	if err != nil {
		t.Fatalf("OccupyFromTemp (first): %v", err)
	}

	rec2, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp (second): %v", err)
	}
	rec2.DataSize = 999
	second, err := fx.alloc.OccupyFromTemp(tx, hash, rec2)
	if err != nil {
		t.Fatalf("OccupyFromTemp (duplicate, idempotent): %v", err)
	}
	if second != first {
		t.Errorf("OccupyFromTemp (duplicate) = %+v, want existing record %+v", second, first)
	}
}

// TestSplitMergeScenario is spec.md §8 S5: two 4 KiB payloads land at buddy
// block numbers, and after both are deleted the free list holds a single
// merged entry covering the 8 KiB range.
func TestSplitMergeScenario(t *testing.T) {
	fx := newFixture(t)
	tx, err := fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	hashA, hashB := digestOf("A"), digestOf("B")
	recA, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp A: %v", err)
	}
	if _, err := fx.alloc.OccupyFromTemp(tx, hashA, recA); err != nil {
		t.Fatalf("OccupyFromTemp A: %v", err)
	}
	recB, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp B: %v", err)
	}
	if _, err := fx.alloc.OccupyFromTemp(tx, hashB, recB); err != nil {
		t.Fatalf("OccupyFromTemp B: %v", err)
	}

	seen := map[uint64]bool{recA.BlockNum: true, recB.BlockNum: true}
	if len(seen) != 2 || !seen[0] || !seen[1] {
		t.Fatalf("block nums = %v, want {0,1}", seen)
	}

	if err := fx.alloc.Release(tx, hashA); err != nil {
		t.Fatalf("Release A: %v", err)
	}
	if err := fx.alloc.Release(tx, hashB); err != nil {
		t.Fatalf("Release B: %v", err)
	}

	// No 4 KiB free entry should remain within the merged range.
	if key, _, ok := tx.SeekGE(sizeclass.FreePrefix(sizeclass.C4K)); ok {
		if c, n, _, _ := sizeclass.ParseKey(key); c == sizeclass.C4K && n < 2 {
			t.Errorf("found unmerged 4 KiB free entry %q", key)
		}
	}
	// A single higher-class entry should cover the range, at some
	// block_num*class_bytes == 0.
	found := false
	for _, c := range sizeclass.Classes {
		if c == sizeclass.C4K {
			continue
		}
		if key, _, ok := tx.SeekGE(sizeclass.FreePrefix(c)); ok {
			if pc, n, _, _ := sizeclass.ParseKey(key); pc == c && sizeclass.Offset(pc, n) == 0 {
				found = true
				break
			}
		}
	}
	if !found {
		t.Error("no merged free entry covering offset 0 found after releasing both buddies")
	}
}

// TestRecoverTemp is spec.md §8 S6: a crash between allocate and occupy is
// reclaimed by RecoverTemp, and the reclaimed block is reused.
func TestRecoverTemp(t *testing.T) {
	fx := newFixture(t)

	tx, err := fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Simulate a crash here: no occupy call happens.

	if err := fx.alloc.RecoverTemp(); err != nil {
		t.Fatalf("RecoverTemp: %v", err)
	}

	tx, err = fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	// RecoverTemp should leave no temp entry behind.
	if key, _, ok := tx.SeekGE("t_"); ok {
		if _, _, isTemp, _ := sizeclass.ParseKey(key); isTemp {
			t.Errorf("temp entry %q survived RecoverTemp", key)
		}
	}

	rec2, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
	if err != nil {
		t.Fatalf("AllocateToTemp (after recovery): %v", err)
	}
	if rec2.BlockNum != rec.BlockNum {
		t.Errorf("AllocateToTemp (after recovery) block_num = %d, want %d (reused)", rec2.BlockNum, rec.BlockNum)
	}
}

// TestRecoverTempDecimalBlockNumOrdering guards against a prefix-advance
// bug: temp keys are decimal-ASCII and not fixed-width (§3), so
// "t_4k_10" sorts before "t_4k_1\xff" and a recovery scan that reseeks
// from the last key plus a trailing 0xff byte would skip it. Allocate
// enough blocks that block_num 10 exists alongside block_num 1-9 and
// confirm every one of them is recovered.
func TestRecoverTempDecimalBlockNumOrdering(t *testing.T) {
	fx := newFixture(t)

	const n = 11
	recs := make([]sizeclass.Record, n)
	for i := 0; i < n; i++ {
		tx, err := fx.store.Begin(true)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		rec, err := fx.alloc.AllocateToTemp(tx, sizeclass.C4K)
		if err != nil {
			t.Fatalf("AllocateToTemp[%d]: %v", i, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit[%d]: %v", i, err)
		}
		recs[i] = rec
	}
	// Simulate a crash here: none of the n reservations are occupied.

	if err := fx.alloc.RecoverTemp(); err != nil {
		t.Fatalf("RecoverTemp: %v", err)
	}

	tx, err := fx.store.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()

	var leftover []string
	tx.ScanPrefix("t_", func(key string, _ []byte) bool {
		leftover = append(leftover, key)
		return true
	})
	if len(leftover) != 0 {
		t.Errorf("temp entries survived RecoverTemp: %v", leftover)
	}

	for _, rec := range recs {
		if _, ok := tx.Get(sizeclass.FreeKey(rec.Class, rec.BlockNum)); !ok {
			t.Errorf("block_num %d not present in free list after RecoverTemp", rec.BlockNum)
		}
	}
}

func TestGetNotFound(t *testing.T) {
	fx := newFixture(t)
	tx, err := fx.store.Begin(false)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := fx.alloc.Get(tx, digestOf("missing")); !errors.Is(err, allocator.ErrBlockNotFound) {
		t.Errorf("Get = %v, want ErrBlockNotFound", err)
	}
}

func TestAllocateExtendsFileWhenEmpty(t *testing.T) {
	fx := newFixture(t)
	if fx.file.Size() != 0 {
		t.Fatalf("Size (fresh) = %d, want 0", fx.file.Size())
	}
	tx, err := fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := fx.alloc.AllocateToTemp(tx, sizeclass.C512K); err != nil {
		t.Fatalf("AllocateToTemp: %v", err)
	}
	if fx.file.Size() == 0 {
		t.Error("Size: expected file to have been extended")
	}
}

func TestAllocateRejectsInvalidClass(t *testing.T) {
	fx := newFixture(t)
	tx, err := fx.store.Begin(true)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := fx.alloc.AllocateToTemp(tx, sizeclass.Class(250)); !errors.Is(err, allocator.ErrInvalidSize) {
		t.Errorf("AllocateToTemp(invalid class) = %v, want ErrInvalidSize", err)
	}
}
