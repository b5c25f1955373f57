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

// Package mailbox implements a bounded, single-producer single-consumer
// ring buffer with release/acquire publication, per SPEC_FULL.md component
// G. It never blocks; callers implement their own wait or backoff policy
// around TryPush/TryPop.
package mailbox

import "sync/atomic"

// cacheLinePad is sized to keep the producer's and consumer's indices on
// separate cache lines, avoiding false sharing between the two goroutines
// that touch this ring concurrently.
type cacheLinePad [64 - 8]byte

// Ring is a bounded SPSC ring buffer of T, with capacity a power of two.
// Exactly one goroutine may call the Push side and exactly one (a
// different) goroutine may call the Pop side; Ring enforces neither, the
// single-producer/single-consumer discipline is a caller contract.
type Ring[T any] struct {
	mask uint64
	buf  []T

	head atomic.Uint64 // next slot to write; producer-owned
	_    cacheLinePad
	tail atomic.Uint64 // next slot to read; consumer-owned
	_    cacheLinePad
}

// New constructs a Ring with the given capacity, which must be a power of
// two. It panics if cap is not a power of two or is zero.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("mailbox: capacity must be a positive power of two")
	}
	return &Ring[T]{mask: uint64(capacity - 1), buf: make([]T, capacity)}
}

// Cap reports the ring's capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// TryPush writes v into the ring. It returns false iff the ring is full.
func (r *Ring[T]) TryPush(v T) bool {
	head := r.head.Load()
	tail := r.tail.Load() // acquire: synchronizes with the consumer's release in TryPop
	if head-tail >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head&r.mask] = v
	r.head.Store(head + 1) // release: publishes buf[head] to the consumer
	return true
}

// TryPop reads and removes the oldest value in the ring. It returns
// (zero, false) iff the ring is empty.
func (r *Ring[T]) TryPop() (T, bool) {
	tail := r.tail.Load()
	head := r.head.Load() // acquire: synchronizes with the producer's release in TryPush
	if tail == head {
		var zero T
		return zero, false
	}
	v := r.buf[tail&r.mask]
	r.tail.Store(tail + 1) // release: publishes the freed slot to the producer
	return v, true
}

// PushBatch pushes as many values from vs as fit, returning the number
// pushed. It stops at the first full slot rather than partially publishing
// past a gap.
func (r *Ring[T]) PushBatch(vs []T) int {
	n := 0
	for _, v := range vs {
		if !r.TryPush(v) {
			break
		}
		n++
	}
	return n
}

// PopBatch drains up to len(dst) values into dst, returning the number
// popped.
func (r *Ring[T]) PopBatch(dst []T) int {
	n := 0
	for n < len(dst) {
		v, ok := r.TryPop()
		if !ok {
			break
		}
		dst[n] = v
		n++
	}
	return n
}

// Len reports the number of values currently queued. Because head and tail
// are read non-atomically with respect to each other, this is only an
// approximation when called from neither the producer nor the consumer.
func (r *Ring[T]) Len() int {
	return int(r.head.Load() - r.tail.Load())
}
