// Copyright (c) 2024 The Proactor Authors. All rights reserved.
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

package wake

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	id   int
	next Waitable
}

func (n *node) WakeNext() Waitable     { return n.next }
func (n *node) SetWakeNext(w Waitable) { n.next = w }

// pushAndNotify mimics how a real caller uses Queue: compute under its own
// lock (already released by the time Push returns), then ring the
// doorbell only if Push says to.
func pushAndNotify(t *testing.T, q *Queue, w Waitable) {
	t.Helper()
	if q.Push(w) {
		require.NoError(t, q.Notify())
	}
}

func TestQueueFIFOOrder(t *testing.T) {
	efd, err := NewEventFD()
	require.NoError(t, err)
	defer efd.Close()

	q := New(efd)
	n1, n2, n3 := &node{id: 1}, &node{id: 2}, &node{id: 3}

	pushAndNotify(t, q, n1)
	pushAndNotify(t, q, n2)
	pushAndNotify(t, q, n3)

	var got []int
	for {
		w, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, w.(*node).id)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestQueueDrainsEventFDWhenEmptied(t *testing.T) {
	efd, err := NewEventFD()
	require.NoError(t, err)
	defer efd.Close()

	q := New(efd)
	n1 := &node{id: 1}
	pushAndNotify(t, q, n1)

	_, ok := q.Pop()
	require.True(t, ok)

	// The queue is now empty; the eventfd should have been drained inside
	// the same critical section, so a second drain sees nothing pending.
	val, err := efd.Drain()
	require.NoError(t, err)
	assert.Zero(t, val)
}

func TestQueueCoalescesNotifications(t *testing.T) {
	efd, err := NewEventFD()
	require.NoError(t, err)
	defer efd.Close()

	q := New(efd)
	n1, n2 := &node{id: 1}, &node{id: 2}

	// Only the first push should report needsNotify; the second finds the
	// queue already "in progress" and must not ring the doorbell again.
	assert.True(t, q.Push(n1))
	require.NoError(t, q.Notify())
	assert.False(t, q.Push(n2))

	val, err := efd.Drain()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), val)

	got := q.PopAll()
	assert.Len(t, got, 2)
}

func TestQueueConcurrentPushPop(t *testing.T) {
	efd, err := NewEventFD()
	require.NoError(t, err)
	defer efd.Close()

	q := New(efd)
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if q.Push(&node{id: id}) {
				_ = q.Notify()
			}
		}(i)
	}
	wg.Wait()

	count := 0
	for {
		_, ok := q.Pop()
		if !ok {
			break
		}
		count++
	}
	assert.Equal(t, n, count)
}
