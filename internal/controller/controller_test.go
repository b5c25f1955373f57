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

package controller_test

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/buddyblocks/internal/allocator"
	"github.com/creachadair/buddyblocks/internal/controller"
	"github.com/creachadair/buddyblocks/internal/datafile"
	"github.com/creachadair/buddyblocks/internal/handler"
	"github.com/creachadair/buddyblocks/internal/mailbox"
	"github.com/creachadair/buddyblocks/internal/metastore"
	"github.com/creachadair/buddyblocks/internal/protocol"
	"github.com/creachadair/buddyblocks/internal/sizeclass"
	"github.com/creachadair/taskgroup"
)

func newTestController(t *testing.T, numWorkers int) (*controller.Controller, []controller.Mailboxes) {
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

	h := handler.New(allocator.New(store, file))
	boxes := make([]controller.Mailboxes, numWorkers)
	for i := range boxes {
		boxes[i] = controller.Mailboxes{
			Inbox:  mailbox.New[protocol.Request](64),
			Outbox: mailbox.New[protocol.Reply](64),
		}
	}
	cfg := controller.DefaultConfig
	cfg.IdleInterval = time.Millisecond
	cfg.MaxIdleInterval = 4 * time.Millisecond
	cfg.OutboxBackoff = 100 * time.Microsecond
	c := controller.New(store, h, boxes, cfg, log.New(io.Discard, "", 0))
	for i := range boxes {
		boxes[i].Wake = c.Wake()
	}
	return c, boxes
}

func waitReply(t *testing.T, outbox *mailbox.Ring[protocol.Reply]) protocol.Reply {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, ok := outbox.TryPop(); ok {
			return r
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("waitReply: timed out waiting for controller reply")
	return protocol.Reply{}
}

func TestAllocateOccupyGetReleaseCycle(t *testing.T) {
	c, boxes := newTestController(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.Go(func() error { return c.Run(ctx) })
	defer func() {
		cancel()
		g.Wait()
	}()

	boxes[0].Inbox.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: 0, RequestID: 1, Class: sizeclass.C4K})
	allocReply := waitReply(t, boxes[0].Outbox)
	if allocReply.Err != protocol.CodeNone {
		t.Fatalf("allocate: Err = %v", allocReply.Err)
	}

	var hash [32]byte
	hash[0] = 7
	boxes[0].Inbox.TryPush(protocol.Request{
		Kind: protocol.KindOccupy, WorkerID: 0, RequestID: 2,
		Hash: hash, Class: allocReply.Class, BlockNum: allocReply.BlockNum, DataSize: 42,
	})
	occReply := waitReply(t, boxes[0].Outbox)
	if occReply.Err != protocol.CodeNone || occReply.DataSize != 42 {
		t.Fatalf("occupy = %+v, want Err=CodeNone DataSize=42", occReply)
	}

	boxes[0].Inbox.TryPush(protocol.Request{Kind: protocol.KindGetAddress, WorkerID: 0, RequestID: 3, Hash: hash})
	getReply := waitReply(t, boxes[0].Outbox)
	if getReply.Err != protocol.CodeNone || getReply.DataSize != 42 {
		t.Fatalf("get_address = %+v, want Err=CodeNone DataSize=42", getReply)
	}

	boxes[0].Inbox.TryPush(protocol.Request{Kind: protocol.KindRelease, WorkerID: 0, RequestID: 4, Hash: hash})
	relReply := waitReply(t, boxes[0].Outbox)
	if relReply.Err != protocol.CodeNone {
		t.Fatalf("release: Err = %v", relReply.Err)
	}

	boxes[0].Inbox.TryPush(protocol.Request{Kind: protocol.KindGetAddress, WorkerID: 0, RequestID: 5, Hash: hash})
	getReply = waitReply(t, boxes[0].Outbox)
	if getReply.Err != protocol.CodeBlockNotFound {
		t.Fatalf("get_address (after release): Err = %v, want CodeBlockNotFound", getReply.Err)
	}
}

func TestMultiWorkerRoutesRepliesToCorrectOutbox(t *testing.T) {
	c, boxes := newTestController(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.Go(func() error { return c.Run(ctx) })
	defer func() {
		cancel()
		g.Wait()
	}()

	for i, b := range boxes {
		b.Inbox.TryPush(protocol.Request{Kind: protocol.KindAllocate, WorkerID: uint32(i), RequestID: 1, Class: sizeclass.C4K})
	}
	for i, b := range boxes {
		reply := waitReply(t, b.Outbox)
		if reply.WorkerID != uint32(i) {
			t.Errorf("worker %d got reply for worker %d", i, reply.WorkerID)
		}
	}
}
