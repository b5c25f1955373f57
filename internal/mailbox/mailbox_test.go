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

package mailbox_test

import (
	"testing"

	"github.com/creachadair/buddyblocks/internal/mailbox"
	"github.com/creachadair/taskgroup"
)

func TestTryPushPopFIFO(t *testing.T) {
	r := mailbox.New[int](4)
	for i := 0; i < 4; i++ {
		if !r.TryPush(i) {
			t.Fatalf("TryPush(%d): ring reported full early", i)
		}
	}
	if r.TryPush(99) {
		t.Fatal("TryPush: ring should be full")
	}
	for i := 0; i < 4; i++ {
		v, ok := r.TryPop()
		if !ok || v != i {
			t.Fatalf("TryPop = (%d, %v), want (%d, true)", v, ok, i)
		}
	}
	if _, ok := r.TryPop(); ok {
		t.Fatal("TryPop: ring should be empty")
	}
}

func TestBatchPushPop(t *testing.T) {
	r := mailbox.New[int](8)
	in := []int{1, 2, 3, 4, 5}
	n := r.PushBatch(in)
	if n != len(in) {
		t.Fatalf("PushBatch = %d, want %d", n, len(in))
	}
	out := make([]int, 10)
	n = r.PopBatch(out)
	if n != len(in) {
		t.Fatalf("PopBatch = %d, want %d", n, len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("out[%d] = %d, want %d", i, out[i], in[i])
		}
	}
}

func TestConcurrentProducerConsumer(t *testing.T) {
	const n = 100000
	r := mailbox.New[int](256)

	g := taskgroup.Go(func() error {
		for i := 0; i < n; i++ {
			for !r.TryPush(i) {
				// spin: bounded capacity, consumer keeps pace in this test
			}
		}
		return nil
	})

	sum := 0
	want := 0
	for i := 0; i < n; i++ {
		want += i
		for {
			v, ok := r.TryPop()
			if ok {
				sum += v
				break
			}
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("producer: %v", err)
	}
	if sum != want {
		t.Errorf("sum = %d, want %d", sum, want)
	}
}

func TestPanicsOnNonPowerOfTwoCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("New(3): expected panic for non-power-of-two capacity")
		}
	}()
	mailbox.New[int](3)
}
