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

// Package worker implements the PUT/GET/DELETE request pipeline of
// SPEC_FULL.md component I: an HTTP front end over net/http, a local block
// pool per size class, a pending-request table correlating controller
// replies back to waiting HTTP goroutines, and a single dispatcher goroutine
// that owns all of that mutable state so nothing in the worker needs a
// mutex (§4.I.4, "the worker holds no locks").
package worker

import (
	"context"
	"log"
	"time"

	"github.com/creachadair/buddyblocks/internal/blockpool"
	"github.com/creachadair/buddyblocks/internal/controller"
	"github.com/creachadair/buddyblocks/internal/datafile"
	"github.com/creachadair/buddyblocks/internal/pending"
	"github.com/creachadair/buddyblocks/internal/protocol"
	"github.com/creachadair/buddyblocks/internal/sizeclass"
)

// Config carries the per-worker tuning parameters of §6.
type Config struct {
	// PollInterval is how often the dispatcher checks the controller outbox
	// and the pools' refill condition.
	PollInterval time.Duration
}

// DefaultConfig matches the "worker poll sleep" default of spec.md §6.
var DefaultConfig = Config{PollInterval: time.Microsecond}

// rpcCall is a request for a single controller round trip, issued by an
// HTTP handler goroutine and completed by the dispatcher.
type rpcCall struct {
	req  protocol.Request
	resp chan protocol.Reply
}

// acquireCall asks the dispatcher for one pool block of class, blocking
// (from the caller's perspective) until one becomes available via
// replenishment (§4.I.1 PUT step 2: "the request stalls until a block
// arrives from the controller").
type acquireCall struct {
	class sizeclass.Class
	resp  chan sizeclass.Record
}

// releaseCall returns a pool block to local circulation without telling the
// controller, for a PUT that fails before occupy (§4.I.1 PUT step 7): the
// block's temp reservation is still valid, so it can be handed to the next
// request for the same class without a new allocate_block round trip.
type releaseCall struct {
	rec sizeclass.Record
}

// Worker owns one HTTP listener's share of the server: its own block pools,
// its own pending-request table, and the inbox/outbox pair it uses to talk
// to the single batch controller.
type Worker struct {
	id        uint32
	mailboxes controller.Mailboxes
	file      *datafile.File
	cfg       Config
	logger    *log.Logger

	pools   map[sizeclass.Class]*blockpool.Pool
	pending *pending.Table
	waiters map[sizeclass.Class][]chan sizeclass.Record

	rpcCh     chan rpcCall
	acquireCh chan acquireCall
	releaseCh chan releaseCall
}

// New constructs a Worker with id, talking to the controller over
// mailboxes, reading and writing payload bytes through file.
func New(id uint32, mailboxes controller.Mailboxes, file *datafile.File, cfg Config, logger *log.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg = DefaultConfig
	}
	return &Worker{
		id:        id,
		mailboxes: mailboxes,
		file:      file,
		cfg:       cfg,
		logger:    logger,
		pools:     blockpool.NewSet(),
		pending:   pending.New(),
		waiters:   make(map[sizeclass.Class][]chan sizeclass.Record),
		rpcCh:     make(chan rpcCall),
		acquireCh: make(chan acquireCall),
		releaseCh: make(chan releaseCall, 64),
	}
}

// Run drives the dispatcher loop until ctx is done. It is the worker's
// single-threaded completion queue, analogous to the async I/O facility of
// §4.I: every mutation of pools, pending, and waiters happens here and only
// here.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	replyBuf := make([]protocol.Reply, 64)

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-w.rpcCh:
			w.submit(c)

		case c := <-w.acquireCh:
			if rec, ok := w.pools[c.class].Acquire(); ok {
				c.resp <- rec
			} else {
				w.waiters[c.class] = append(w.waiters[c.class], c.resp)
			}

		case c := <-w.releaseCh:
			w.pools[c.rec.Class].Release(c.rec)

		case <-poll.C:
			n := w.mailboxes.Outbox.PopBatch(replyBuf)
			for _, reply := range replyBuf[:n] {
				w.complete(reply)
			}
			w.refill()
		}
	}
}

// submit assigns a request_id, records the pending entry, and pushes the
// request to the controller inbox, backing off if it is momentarily full
// (§5, "a short back-off when waiting for a controller reply").
func (w *Worker) submit(c rpcCall) {
	id := w.pending.NextID()
	c.req.WorkerID = w.id
	c.req.RequestID = id
	w.pending.Put(id, pending.Entry{Kind: c.req.Kind, Hash: c.req.Hash, Done: c.resp})
	for !w.mailboxes.Inbox.TryPush(c.req) {
		time.Sleep(w.cfg.PollInterval)
	}
	if w.mailboxes.Wake != nil {
		w.mailboxes.Wake.Set(nil)
	}
}

// complete resolves a controller reply against the pending table. A reply
// with no matching entry is discarded with a log entry (§4.J): its client
// may already have disconnected, or (for allocate) it may have arrived
// after the worker gave up waiting, which does not happen in this
// implementation but is handled defensively all the same.
func (w *Worker) complete(reply protocol.Reply) {
	entry, ok := w.pending.Take(reply.RequestID)
	if !ok {
		w.logger.Printf("worker %d: discarding reply for unknown request_id %d", w.id, reply.RequestID)
		return
	}
	if entry.Done == nil {
		// Internal refill request: no HTTP goroutine is waiting on it.
		w.resolveRefill(reply)
		return
	}
	entry.Done <- reply
}

// resolveRefill feeds a successful replenishment allocate_result into its
// pool, handing it directly to a waiting acquire call if one is queued
// rather than round-tripping it through the pool first (§4.I.2).
func (w *Worker) resolveRefill(reply protocol.Reply) {
	if reply.Err != protocol.CodeNone {
		w.logger.Printf("worker %d: pool refill for class %v failed: %v", w.id, reply.Class, reply.Err)
		return
	}
	rec := sizeclass.Record{Class: reply.Class, BlockNum: reply.BlockNum, BuddyNum: sizeclass.Buddy(reply.BlockNum)}
	if waiters := w.waiters[reply.Class]; len(waiters) > 0 {
		waiters[0] <- rec
		w.waiters[reply.Class] = waiters[1:]
		return
	}
	w.pools[reply.Class].Release(rec)
}

// refill issues one allocate_block per size class whose pool is below
// target, per §4.I.2 ("At the top of every loop iteration the worker
// inspects each pool").
func (w *Worker) refill() {
	for class, pool := range w.pools {
		if !pool.NeedsRefill() {
			continue
		}
		id := w.pending.NextID()
		w.pending.Put(id, pending.Entry{Kind: protocol.KindAllocate})
		req := protocol.Request{Kind: protocol.KindAllocate, WorkerID: w.id, RequestID: id, Class: class}
		if !w.mailboxes.Inbox.TryPush(req) {
			// Drop this cycle's refill attempt for this class; the entry it
			// registered is now orphaned, so remove it rather than leak it.
			w.pending.Take(id)
			continue
		}
		if w.mailboxes.Wake != nil {
			w.mailboxes.Wake.Set(nil)
		}
	}
}

// acquire blocks the calling HTTP goroutine (via a buffered channel, not a
// lock) until a block of class is available from the worker's pool.
func (w *Worker) acquire(ctx context.Context, class sizeclass.Class) (sizeclass.Record, error) {
	resp := make(chan sizeclass.Record, 1)
	select {
	case w.acquireCh <- acquireCall{class: class, resp: resp}:
	case <-ctx.Done():
		return sizeclass.Record{}, ctx.Err()
	}
	select {
	case rec := <-resp:
		return rec, nil
	case <-ctx.Done():
		return sizeclass.Record{}, ctx.Err()
	}
}

// releaseLocal hands a reserved-but-unoccupied block back to the pool
// without a controller round trip.
func (w *Worker) releaseLocal(rec sizeclass.Record) {
	w.releaseCh <- releaseCall{rec: rec}
}

// call performs one synchronous controller round trip, blocking the caller
// until the dispatcher delivers a reply.
func (w *Worker) call(ctx context.Context, req protocol.Request) (protocol.Reply, error) {
	resp := make(chan protocol.Reply, 1)
	select {
	case w.rpcCh <- rpcCall{req: req, resp: resp}:
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
	select {
	case reply := <-resp:
		return reply, nil
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

func (w *Worker) occupy(ctx context.Context, hash [32]byte, rec sizeclass.Record, dataSize int64) (protocol.Reply, error) {
	return w.call(ctx, protocol.Request{
		Kind: protocol.KindOccupy, Hash: hash,
		Class: rec.Class, BlockNum: rec.BlockNum, BuddyNum: rec.BuddyNum, DataSize: uint64(dataSize),
	})
}

func (w *Worker) getAddress(ctx context.Context, hash [32]byte) (protocol.Reply, error) {
	return w.call(ctx, protocol.Request{Kind: protocol.KindGetAddress, Hash: hash})
}

func (w *Worker) release(ctx context.Context, hash [32]byte) (protocol.Reply, error) {
	return w.call(ctx, protocol.Request{Kind: protocol.KindRelease, Hash: hash})
}
