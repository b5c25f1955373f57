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

// Package handler is the pure translation from a protocol.Request to an
// allocator call and back to a protocol.Reply, per SPEC_FULL.md component
// E. It holds no state of its own beyond the allocator handle, does no I/O,
// and spawns no goroutines: every method is a single allocator call plus a
// Reply assembly.
package handler

import (
	"errors"

	"github.com/creachadair/buddyblocks/internal/allocator"
	"github.com/creachadair/buddyblocks/internal/metastore"
	"github.com/creachadair/buddyblocks/internal/protocol"
	"github.com/creachadair/buddyblocks/internal/sizeclass"
)

// Handler translates one Request at a time into an allocator call under a
// caller-supplied transaction, per spec.md §4.E.
type Handler struct {
	alloc *allocator.Allocator
}

// New constructs a Handler over alloc.
func New(alloc *allocator.Allocator) *Handler { return &Handler{alloc: alloc} }

// Handle executes req against tx and returns the Reply to send back to the
// requesting worker. It never returns a Go error: allocator failures are
// translated into an error_result Reply, matching §4.E / §7's propagation
// policy ("Errors inside the allocator surface as typed variants; the
// controller handler maps them to error_result.code").
func (h *Handler) Handle(tx *metastore.Tx, req protocol.Request) protocol.Reply {
	switch req.Kind {
	case protocol.KindAllocate:
		return h.allocate(tx, req)
	case protocol.KindOccupy:
		return h.occupy(tx, req)
	case protocol.KindRelease:
		return h.release(tx, req)
	case protocol.KindGetAddress:
		return h.getAddress(tx, req)
	case protocol.KindHasBlock:
		return h.hasBlock(tx, req)
	default:
		return protocol.Error(req, protocol.CodeInternal)
	}
}

func (h *Handler) allocate(tx *metastore.Tx, req protocol.Request) protocol.Reply {
	rec, err := h.alloc.AllocateToTemp(tx, req.Class)
	if err != nil {
		return protocol.Error(req, classify(err))
	}
	return protocol.Reply{
		Kind: req.Kind, WorkerID: req.WorkerID, RequestID: req.RequestID,
		Offset: rec.Offset(), Class: rec.Class, BlockNum: rec.BlockNum,
	}
}

func (h *Handler) occupy(tx *metastore.Tx, req protocol.Request) protocol.Reply {
	rec, err := h.alloc.OccupyFromTemp(tx, req.Hash, sizeclass.Record{
		Class:    req.Class,
		BlockNum: req.BlockNum,
		BuddyNum: req.BuddyNum,
		DataSize: req.DataSize,
	})
	if err != nil {
		return protocol.Error(req, classify(err))
	}
	return protocol.Reply{
		Kind: req.Kind, WorkerID: req.WorkerID, RequestID: req.RequestID,
		Offset: rec.Offset(), DataSize: rec.DataSize,
	}
}

func (h *Handler) release(tx *metastore.Tx, req protocol.Request) protocol.Reply {
	if err := h.alloc.Release(tx, req.Hash); err != nil {
		return protocol.Error(req, classify(err))
	}
	return protocol.Reply{Kind: req.Kind, WorkerID: req.WorkerID, RequestID: req.RequestID}
}

func (h *Handler) getAddress(tx *metastore.Tx, req protocol.Request) protocol.Reply {
	rec, err := h.alloc.Get(tx, req.Hash)
	if err != nil {
		return protocol.Error(req, classify(err))
	}
	return protocol.Reply{
		Kind: req.Kind, WorkerID: req.WorkerID, RequestID: req.RequestID,
		Offset: rec.Offset(), DataSize: rec.DataSize,
	}
}

func (h *Handler) hasBlock(tx *metastore.Tx, req protocol.Request) protocol.Reply {
	exists, err := h.alloc.Has(tx, req.Hash)
	if err != nil {
		return protocol.Error(req, classify(err))
	}
	return protocol.Reply{Kind: req.Kind, WorkerID: req.WorkerID, RequestID: req.RequestID, Exists: exists}
}

// classify maps an allocator error to the error_result code of §4.E / §7.
func classify(err error) protocol.Code {
	switch {
	case errors.Is(err, allocator.ErrBlockNotFound):
		return protocol.CodeBlockNotFound
	case errors.Is(err, allocator.ErrBlockExists):
		return protocol.CodeBlockExists
	case errors.Is(err, allocator.ErrInvalidSize):
		return protocol.CodeInvalidSize
	case errors.Is(err, allocator.ErrAllocationFailed):
		return protocol.CodeAllocationFailed
	default:
		return protocol.CodeInternal
	}
}
