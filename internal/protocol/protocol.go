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

// Package protocol defines the fixed-size, by-value messages exchanged
// between a worker and the batch controller over the SPSC mailboxes of
// SPEC_FULL.md component G. Nothing in this package allocates on the heap
// per message; Request and Reply are plain structs so the mailbox ring can
// hold them inline.
package protocol

import "github.com/creachadair/buddyblocks/internal/sizeclass"

// Kind identifies the operation a Request carries. The batch controller
// groups a cycle's requests by Kind and executes one kind's batch at a time
// (§4.F), so message order is only meaningful within a Kind.
type Kind uint8

// The five request kinds of the controller handler (§4.E).
const (
	KindAllocate Kind = iota
	KindOccupy
	KindRelease
	KindGetAddress
	KindHasBlock
)

func (k Kind) String() string {
	switch k {
	case KindAllocate:
		return "allocate"
	case KindOccupy:
		return "occupy"
	case KindRelease:
		return "release"
	case KindGetAddress:
		return "get_address"
	case KindHasBlock:
		return "has_block"
	default:
		return "unknown"
	}
}

// Code is the error taxonomy a Reply may carry, matching §4.E / §7.
type Code uint8

// The error codes an error_result may carry. CodeNone means the Reply is
// not an error.
const (
	CodeNone Code = iota
	CodeBlockNotFound
	CodeBlockExists
	CodeAllocationFailed
	CodeInvalidSize
	CodeInternal
)

// Request is a worker-to-controller message. Its fields are a superset of
// what any one Kind needs; unused fields are zero.
type Request struct {
	Kind      Kind
	WorkerID  uint32
	RequestID uint64
	Hash      [32]byte
	Class     sizeclass.Class
	BlockNum  uint64
	BuddyNum  uint64
	DataSize  uint64
}

// Reply is a controller-to-worker message, either a successful result for
// Kind or an error_result (Err != CodeNone).
type Reply struct {
	Kind      Kind
	WorkerID  uint32
	RequestID uint64
	Err       Code
	Offset    int64
	Class     sizeclass.Class
	BlockNum  uint64
	DataSize  uint64
	Exists    bool
}

// Error constructs an error_result Reply correlated to req.
func Error(req Request, code Code) Reply {
	return Reply{Kind: req.Kind, WorkerID: req.WorkerID, RequestID: req.RequestID, Err: code}
}
