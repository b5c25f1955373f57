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

// Package blockpool implements a per-worker, per-size-class cache of
// pre-reserved blocks, per SPEC_FULL.md component H. A Pool is owned by a
// single worker goroutine; it holds no lock because nothing but that
// goroutine ever touches it.
package blockpool

import "github.com/creachadair/buddyblocks/internal/sizeclass"

// Pool is a LIFO stack of reserved block metadata for one size class.
type Pool struct {
	class      sizeclass.Class
	targetFree int
	blocks     []sizeclass.Record
}

// New constructs an empty Pool for class, replenished toward targetFree
// reserved blocks.
func New(class sizeclass.Class, targetFree int) *Pool {
	return &Pool{class: class, targetFree: targetFree}
}

// Class reports the size class this pool serves.
func (p *Pool) Class() sizeclass.Class { return p.class }

// Acquire pops one reserved block, or reports ok=false if the pool is
// empty.
func (p *Pool) Acquire() (rec sizeclass.Record, ok bool) {
	n := len(p.blocks)
	if n == 0 {
		return sizeclass.Record{}, false
	}
	rec = p.blocks[n-1]
	p.blocks = p.blocks[:n-1]
	return rec, true
}

// Release pushes a reserved block back into the pool, for example when a
// request using it fails before the block is occupied or released through
// the controller.
func (p *Pool) Release(rec sizeclass.Record) {
	p.blocks = append(p.blocks, rec)
}

// NeedsRefill reports whether the pool's depth is below its target.
func (p *Pool) NeedsRefill() bool { return len(p.blocks) < p.targetFree }

// Len reports the number of reserved blocks currently cached.
func (p *Pool) Len() int { return len(p.blocks) }

// DefaultTargetFree is the per-class reservation depth used when a worker
// does not override it. Smaller classes see more traffic per block, so they
// carry a deeper pool; the Macro class never appears here since it is
// allocator-internal (§4.I).
var DefaultTargetFree = map[sizeclass.Class]int{
	sizeclass.C4K:   8,
	sizeclass.C8K:   8,
	sizeclass.C16K:  4,
	sizeclass.C32K:  4,
	sizeclass.C64K:  2,
	sizeclass.C128K: 2,
	sizeclass.C256K: 1,
	sizeclass.C512K: 1,
}

// NewSet constructs one Pool per class in DefaultTargetFree (every class a
// PUT body can select, i.e. all but Macro), keyed by class.
func NewSet() map[sizeclass.Class]*Pool {
	pools := make(map[sizeclass.Class]*Pool, len(DefaultTargetFree))
	for c, target := range DefaultTargetFree {
		pools[c] = New(c, target)
	}
	return pools
}
