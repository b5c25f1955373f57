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

// Package pending implements the per-worker correlation table described in
// SPEC_FULL.md component J: outstanding controller requests keyed by
// request_id, mapped back to the pending HTTP transaction that is waiting
// on a reply.
package pending

import (
	"sync/atomic"

	"github.com/creachadair/buddyblocks/internal/protocol"
)

// Entry records what an outstanding request_id is for.
type Entry struct {
	Kind     protocol.Kind
	Hash     [32]byte
	Reserved bool // true if a pool block was reserved for this request
	Done     chan protocol.Reply
}

// Table is a worker-local map from request_id to Entry. It is touched only
// by the worker's own completion loop (§4.I.4: "the worker holds no
// locks"), so it needs no synchronization of its own. NextID uses an atomic
// counter, matching the style used elsewhere for any counter shared across
// goroutine boundaries.
type Table struct {
	nextID atomic.Uint64
	byID   map[uint64]Entry
}

// New constructs an empty Table.
func New() *Table { return &Table{byID: make(map[uint64]Entry)} }

// NextID returns a fresh, monotonically increasing request_id.
func (t *Table) NextID() uint64 { return t.nextID.Add(1) }

// Put records e under id, to be resolved by a later call to Take.
func (t *Table) Put(id uint64, e Entry) { t.byID[id] = e }

// Take removes and returns the entry for id, if any. A reply whose
// request_id is unknown (for example, because the client already
// disconnected) returns ok=false and the caller should discard the reply
// with a log entry, per §4.J.
func (t *Table) Take(id uint64) (Entry, bool) {
	e, ok := t.byID[id]
	if ok {
		delete(t.byID, id)
	}
	return e, ok
}

// Len reports the number of outstanding requests.
func (t *Table) Len() int { return len(t.byID) }
