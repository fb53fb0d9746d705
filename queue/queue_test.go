// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/fluxlog/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloads(q *Queue) []string {
	msgs := q.DrainAll()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Payload))
	}
	return out
}

func TestDiscardPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  DiscardPolicy
		wantErr bool
	}{
		{"none", DiscardNone, false},
		{"oldest", DiscardOldest, false},
		{"newest", DiscardNewest, false},
		{"empty", DiscardPolicy(""), true},
		{"unknown", DiscardPolicy("latest"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestQueue_OldestKeepsMostRecent(t *testing.T) {
	q := New(5, DiscardOldest)

	for i := 1; i <= 8; i++ {
		q.Enqueue(core.NewMessageString(fmt.Sprintf("%d", i)))
	}

	assert.Equal(t, 5, q.Len())
	assert.Equal(t, uint64(3), q.Dropped())
	assert.Equal(t, []string{"4", "5", "6", "7", "8"}, payloads(q))
}

func TestQueue_OldestNeverExceedsCapacity(t *testing.T) {
	q := New(3, DiscardOldest)

	for i := 0; i < 50; i++ {
		q.Enqueue(core.NewMessageString(fmt.Sprintf("%d", i)))
		assert.LessOrEqual(t, q.Len(), 3)
	}
	assert.Equal(t, []string{"47", "48", "49"}, payloads(q))
}

func TestQueue_NewestRejectsWhenFull(t *testing.T) {
	q := New(3, DiscardNewest)

	for i := 1; i <= 3; i++ {
		q.Enqueue(core.NewMessageString(fmt.Sprintf("%d", i)))
	}
	require.Equal(t, 3, q.Len())
	require.Equal(t, uint64(0), q.Dropped())

	for i := 4; i <= 7; i++ {
		q.Enqueue(core.NewMessageString(fmt.Sprintf("%d", i)))
	}

	assert.Equal(t, 3, q.Len())
	assert.Equal(t, uint64(4), q.Dropped())
	assert.Equal(t, []string{"1", "2", "3"}, payloads(q))
}

func TestQueue_NoneGrowsUnbounded(t *testing.T) {
	q := New(2, DiscardNone)

	for i := 0; i < 100; i++ {
		q.Enqueue(core.NewMessageString("m"))
	}

	assert.Equal(t, 100, q.Len())
	assert.Equal(t, uint64(0), q.Dropped())

	drained := q.DrainAll()
	assert.Len(t, drained, 100)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_DrainAllPreservesOrder(t *testing.T) {
	q := New(10, DiscardOldest)

	for i := 0; i < 5; i++ {
		q.Enqueue(core.NewMessageString(fmt.Sprintf("%d", i)))
	}

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, payloads(q))
	assert.Empty(t, q.DrainAll())
}

func TestQueue_DrainAllConcurrent(t *testing.T) {
	const producers = 8
	const perProducer = 500

	q := New(producers*perProducer, DiscardNone)

	var wg sync.WaitGroup
	var mu sync.Mutex
	received := make(map[string]int)

	done := make(chan struct{})
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		for {
			for _, m := range q.DrainAll() {
				mu.Lock()
				received[m.ID]++
				mu.Unlock()
			}
			select {
			case <-done:
				// Final quiescent drain.
				for _, m := range q.DrainAll() {
					mu.Lock()
					received[m.ID]++
					mu.Unlock()
				}
				return
			default:
			}
		}
	}()

	sent := make([]map[string]bool, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		sent[p] = make(map[string]bool)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				msg := core.NewMessageString("payload")
				sent[p][msg.ID] = true
				q.Enqueue(msg)
			}
		}(p)
	}

	wg.Wait()
	close(done)
	drainWG.Wait()

	total := 0
	for _, ids := range sent {
		for id := range ids {
			assert.Equal(t, 1, received[id], "message %s drained wrong number of times", id)
			total++
		}
	}
	assert.Len(t, received, total)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_RequeueFrontOrder(t *testing.T) {
	q := New(10, DiscardOldest)

	q.Enqueue(core.NewMessageString("later-1"))
	q.Enqueue(core.NewMessageString("later-2"))

	q.Requeue([]*core.Message{
		core.NewMessageString("retry-1"),
		core.NewMessageString("retry-2"),
	})

	assert.Equal(t, []string{"retry-1", "retry-2", "later-1", "later-2"}, payloads(q))
}

func TestQueue_RequeueEmptyIsNoop(t *testing.T) {
	q := New(5, DiscardOldest)
	q.Enqueue(core.NewMessageString("a"))

	q.Requeue(nil)

	assert.Equal(t, 1, q.Len())
}

func TestQueue_RequeueOverCapacityOldest(t *testing.T) {
	q := New(3, DiscardOldest)
	q.Enqueue(core.NewMessageString("q1"))
	q.Enqueue(core.NewMessageString("q2"))

	q.Requeue([]*core.Message{
		core.NewMessageString("r1"),
		core.NewMessageString("r2"),
	})

	// r1 is the oldest of the combined sequence and gets evicted.
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, []string{"r2", "q1", "q2"}, payloads(q))
}

func TestQueue_RequeueOverCapacityNewest(t *testing.T) {
	q := New(3, DiscardNewest)
	q.Enqueue(core.NewMessageString("q1"))
	q.Enqueue(core.NewMessageString("q2"))

	q.Requeue([]*core.Message{
		core.NewMessageString("r1"),
		core.NewMessageString("r2"),
	})

	// Existing contents survive; the requeued block is trimmed from its tail.
	assert.Equal(t, uint64(1), q.Dropped())
	assert.Equal(t, []string{"r1", "q1", "q2"}, payloads(q))
}

func TestQueue_RequeueNewestAlreadyOverCapacity(t *testing.T) {
	q := New(5, DiscardNewest)
	q.Enqueue(core.NewMessageString("q1"))
	q.Enqueue(core.NewMessageString("q2"))
	q.Enqueue(core.NewMessageString("q3"))

	// Shrink below the current length, then requeue: the whole requeued
	// block overflows, but only those two messages are actually removed.
	q.SetCapacity(2)
	q.Requeue([]*core.Message{
		core.NewMessageString("r1"),
		core.NewMessageString("r2"),
	})

	assert.Equal(t, uint64(2), q.Dropped())
	assert.Equal(t, []string{"q1", "q2", "q3"}, payloads(q))
}

func TestQueue_SetCapacity(t *testing.T) {
	q := New(5, DiscardNewest)
	for i := 0; i < 5; i++ {
		q.Enqueue(core.NewMessageString("m"))
	}

	q.SetCapacity(8)
	q.Enqueue(core.NewMessageString("m"))
	assert.Equal(t, 6, q.Len())

	// Shrinking does not evict, but further enqueues are refused.
	q.SetCapacity(2)
	assert.Equal(t, 6, q.Len())
	q.Enqueue(core.NewMessageString("m"))
	assert.Equal(t, 6, q.Len())
	assert.Equal(t, uint64(1), q.Dropped())

	q.SetCapacity(0)
	assert.Equal(t, 2, q.Cap())
}

func TestQueue_SetPolicy(t *testing.T) {
	q := New(2, DiscardNewest)
	q.Enqueue(core.NewMessageString("1"))
	q.Enqueue(core.NewMessageString("2"))

	q.SetPolicy(DiscardOldest)
	q.Enqueue(core.NewMessageString("3"))

	assert.Equal(t, DiscardOldest, q.Policy())
	assert.Equal(t, []string{"2", "3"}, payloads(q))

	q.SetPolicy(DiscardPolicy("bogus"))
	assert.Equal(t, DiscardOldest, q.Policy())
}

func TestQueue_DefaultsOnBadArgs(t *testing.T) {
	q := New(0, DiscardPolicy("bogus"))
	assert.Equal(t, 10000, q.Cap())
	assert.Equal(t, DiscardOldest, q.Policy())
}
