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

// Package controller implements the batch controller cycle loop of
// SPEC_FULL.md component F: the single thread that owns the metadata
// store, one cycle at a time.
package controller

import (
	"bytes"
	"context"
	"log"
	"time"

	"github.com/creachadair/buddyblocks/internal/handler"
	"github.com/creachadair/buddyblocks/internal/mailbox"
	"github.com/creachadair/buddyblocks/internal/metastore"
	"github.com/creachadair/buddyblocks/internal/protocol"
	"github.com/creachadair/mds/stree"
	"github.com/creachadair/msync"
)

// Mailboxes is one worker's inbox/outbox pair, plus the shared wake signal
// returned by Controller.Wake. Wake may be nil, in which case a worker must
// rely on the controller's own adaptive pause to notice new requests.
type Mailboxes struct {
	Inbox  *mailbox.Ring[protocol.Request]
	Outbox *mailbox.Ring[protocol.Reply]
	Wake   *msync.Flag[any]
}

// writeOrder is the fixed dispatch order for every kind but get_address,
// which always runs first and replies immediately (§4.F, §5): release
// before allocate (so space freed this cycle can donate to an allocation in
// the same cycle), occupy after allocate, has_block last.
var writeOrder = []protocol.Kind{
	protocol.KindRelease,
	protocol.KindAllocate,
	protocol.KindOccupy,
	protocol.KindHasBlock,
}

// Config carries the cycle-loop tuning parameters of §4.F / §6.
type Config struct {
	// IdleInterval is the steady-state adaptive pause between cycles.
	IdleInterval time.Duration
	// MaxIdleInterval bounds how far the pause may dilate under low load.
	MaxIdleInterval time.Duration
	// OutboxBackoff is the pause between retries when an outbox is full.
	OutboxBackoff time.Duration
	// DrainBatchSize is the size of the buffer each inbox is popped into,
	// one chunk at a time; every inbox is still drained completely on each
	// cycle.
	DrainBatchSize int
}

// DefaultConfig matches the documented defaults of spec.md §6.
var DefaultConfig = Config{
	IdleInterval:    20 * time.Microsecond,
	MaxIdleInterval: time.Millisecond,
	OutboxBackoff:   time.Microsecond,
	DrainBatchSize:  256,
}

// Controller is the single writer against the metadata store.
type Controller struct {
	store     *metastore.Store
	handler   *handler.Handler
	mailboxes []Mailboxes
	cfg       Config

	idle        time.Duration // current adaptive pause, in [cfg.IdleInterval, cfg.MaxIdleInterval]
	emptyCycles int
	logger      *log.Logger

	wake *msync.Flag[any]
}

// New constructs a Controller over store and handler, dispatching to the
// given per-worker mailboxes (mailboxes[i] belongs to worker i).
func New(store *metastore.Store, h *handler.Handler, mailboxes []Mailboxes, cfg Config, logger *log.Logger) *Controller {
	if cfg.IdleInterval <= 0 {
		cfg = DefaultConfig
	}
	return &Controller{store: store, handler: h, mailboxes: mailboxes, cfg: cfg, idle: cfg.IdleInterval, logger: logger, wake: msync.NewFlag[any]()}
}

// Wake returns the signal a worker sets after pushing a request to its
// inbox, letting the controller cut its adaptive pause short instead of
// waiting out the rest of the current tick (§4.F "Adaptive pause").
func (c *Controller) Wake() *msync.Flag[any] { return c.wake }

// Run executes the cycle loop until ctx is done. It is meant to be driven by
// a single long-lived goroutine (e.g. via taskgroup.Go).
func (c *Controller) Run(ctx context.Context) error {
	beforeRun := time.Now()
	var batches [5][]protocol.Request // indexed by protocol.Kind

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		now := time.Now()
		if elapsed := now.Sub(beforeRun); elapsed < c.idle {
			select {
			case <-ctx.Done():
				return nil
			case <-c.wake.Ready():
			case <-time.After(c.idle - elapsed):
			}
		}
		beforeRun = time.Now()

		for i := range batches {
			batches[i] = batches[i][:0]
		}
		n := c.drain(&batches)
		if n == 0 {
			c.growIdle()
			continue
		}
		c.shrinkIdle()

		c.runCycle(&batches)
	}
}

// drain pops every currently queued request from each worker's inbox,
// grouping by kind without sorting within a kind (§4.F step 2).
func (c *Controller) drain(batches *[5][]protocol.Request) int {
	total := 0
	buf := make([]protocol.Request, c.cfg.DrainBatchSize)
	for i := range c.mailboxes {
		for {
			n := c.mailboxes[i].Inbox.PopBatch(buf)
			for _, req := range buf[:n] {
				batches[req.Kind] = append(batches[req.Kind], req)
			}
			total += n
			if n < len(buf) {
				break
			}
		}
	}
	return total
}

// runCycle executes one batch inside a single metadata transaction, then
// fans out replies. get_address replies are dispatched immediately as each
// is computed (read-only, low latency); the rest are collected and
// dispatched only after a successful commit (§4.F step 3-4).
func (c *Controller) runCycle(batches *[5][]protocol.Request) {
	tx, err := c.store.Begin(true)
	if err != nil {
		c.logger.Printf("controller: begin transaction: %v", err)
		c.abortCycle(batches)
		return
	}

	for _, req := range sortByHash(batches[protocol.KindGetAddress]) {
		c.dispatch(c.handler.Handle(tx, req))
	}

	var collected []protocol.Reply
	for _, kind := range writeOrder {
		reqs := batches[kind]
		if kind != protocol.KindAllocate {
			// Allocate requests carry no hash (they're keyed by size class),
			// so sorting by hash would be a no-op ordering by the zero value.
			reqs = sortByHash(reqs)
		}
		for _, req := range reqs {
			collected = append(collected, c.handler.Handle(tx, req))
		}
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		c.logger.Printf("controller: commit failed, aborting cycle: %v", err)
		c.abortWriteBatches(batches)
		return
	}

	for _, reply := range collected {
		c.dispatch(reply)
	}
}

// abortCycle reports an internal error for every message in the cycle,
// including get_address (used only when the transaction could not even be
// opened).
func (c *Controller) abortCycle(batches *[5][]protocol.Request) {
	for _, reqs := range batches {
		for _, req := range reqs {
			c.dispatch(protocol.Error(req, protocol.CodeInternal))
		}
	}
}

// abortWriteBatches reports an internal error for every write-kind message
// in the cycle; get_address replies were already dispatched before commit
// was attempted, so they are not repeated here.
func (c *Controller) abortWriteBatches(batches *[5][]protocol.Request) {
	for _, kind := range writeOrder {
		for _, req := range batches[kind] {
			c.dispatch(protocol.Error(req, protocol.CodeInternal))
		}
	}
}

// compareReqByHash orders requests by content hash first, so a cycle's
// batch touches the metadata store's B-tree pages in close to ascending key
// order rather than worker-arrival order. More than one request in a cycle
// can legitimately share a hash (e.g. two workers both calling get_address
// for the same block), so (WorkerID, RequestID) breaks ties and keeps every
// request distinct in the tree.
func compareReqByHash(a, b protocol.Request) int {
	if c := bytes.Compare(a.Hash[:], b.Hash[:]); c != 0 {
		return c
	}
	if a.WorkerID != b.WorkerID {
		if a.WorkerID < b.WorkerID {
			return -1
		}
		return 1
	}
	switch {
	case a.RequestID < b.RequestID:
		return -1
	case a.RequestID > b.RequestID:
		return 1
	default:
		return 0
	}
}

// sortByHash orders reqs by content hash using the same in-memory sorted
// tree storage/wbstore/wrapper.go's bufferKeys uses to merge buffered write
// keys before a flush: there, an stree.Tree[string] of pending keys; here,
// an stree.Tree[protocol.Request] of one cycle's requests, so the batch
// commits in closer-to-sorted key order.
func sortByHash(reqs []protocol.Request) []protocol.Request {
	if len(reqs) < 2 {
		return reqs
	}
	t := stree.New(300, compareReqByHash)
	for _, r := range reqs {
		t.Add(r)
	}
	out := make([]protocol.Request, 0, len(reqs))
	for r := range t.InorderAfter(protocol.Request{}) {
		out = append(out, r)
	}
	return out
}

// dispatch pushes reply to its worker's outbox, retrying with a bounded
// pause if the outbox is full rather than dropping the reply (§4.F).
func (c *Controller) dispatch(reply protocol.Reply) {
	ob := c.mailboxes[reply.WorkerID].Outbox
	for !ob.TryPush(reply) {
		time.Sleep(c.cfg.OutboxBackoff)
	}
}

// growIdle records an empty cycle and, from the fourth consecutive empty
// cycle on, doubles the adaptive pause, capped at MaxIdleInterval (§4.F
// "Adaptive pause").
func (c *Controller) growIdle() {
	c.emptyCycles++
	if c.emptyCycles < 4 {
		return
	}
	if next := c.idle * 2; next <= c.cfg.MaxIdleInterval {
		c.idle = next
	} else {
		c.idle = c.cfg.MaxIdleInterval
	}
}

// shrinkIdle resets the adaptive pause to the steady-state interval as soon
// as a cycle does real work.
func (c *Controller) shrinkIdle() {
	c.emptyCycles = 0
	c.idle = c.cfg.IdleInterval
}
