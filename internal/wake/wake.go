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

// Package wake implements the single-eventfd wake-coalescing protocol shared
// by every context a proactor owns: at most one outstanding eventfd write
// per burst of wakes, and the eventfd-clearing read happens inside the same
// critical section that drains the pending list, so a writer can never
// observe "list empty, eventfd unset" and a reader can never observe "list
// non-empty, eventfd set" at the same time.
package wake

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Waitable is anything that can sit on a wake Queue's intrusive singly
// linked list. Implementations own their own next-pointer storage; the
// queue never allocates a node.
type Waitable interface {
	WakeNext() Waitable
	SetWakeNext(Waitable)
}

// EventFD wraps a Linux eventfd used purely as a doorbell: Notify writes a
// 1, Drain reads and discards whatever accumulated since the last Drain.
type EventFD struct {
	fd int
}

// NewEventFD creates a non-blocking, close-on-exec eventfd.
func NewEventFD() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// FD returns the underlying file descriptor, suitable for epoll
// registration.
func (e *EventFD) FD() int { return e.fd }

// Notify signals the eventfd. Must be called without holding any context
// mutex — this performs a syscall and may block on pathological kernel edge
// cases (EFD_NONBLOCK keeps the common case non-blocking).
func (e *EventFD) Notify() error {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	for {
		_, err := unix.Write(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Drain clears the eventfd's accumulated counter. Returns the accumulated
// value, mostly useful for diagnostics; callers normally ignore it.
func (e *EventFD) Drain() (uint64, error) {
	var buf [8]byte
	for {
		n, err := unix.Read(e.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		if n != 8 {
			return 0, nil
		}
		return hostOrderUint64(buf), nil
	}
}

func hostOrderUint64(b [8]byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Close releases the eventfd.
func (e *EventFD) Close() error {
	return unix.Close(e.fd)
}

// Queue is the wake subsystem: a FIFO of Waitables backed by a single
// eventfd doorbell, with at-most-one-enqueue-per-context semantics left to
// the caller (the caller is expected to gate Push with its own per-context
// "already queued" flag, the same way the original implementation gates on
// wake_ops — Queue itself only guarantees FIFO order and coalesced
// notification).
type Queue struct {
	mu         sync.Mutex
	first      Waitable
	last       Waitable
	inProgress bool
	efd        *EventFD
}

// New builds a Queue around efd. The Queue does not own efd's lifecycle;
// the caller closes it.
func New(efd *EventFD) *Queue {
	return &Queue{efd: efd}
}

// Push appends w to the tail of the queue and reports whether the caller
// must ring the eventfd doorbell. Push never performs the notify syscall
// itself — only the Queue's own lock is held here, so a caller that is
// also holding its own context mutex across this call is not thereby
// holding two locks across a blocking operation. Call Notify (after
// releasing any context mutex) iff Push returns true.
func (q *Queue) Push(w Waitable) (needsNotify bool) {
	q.mu.Lock()
	w.SetWakeNext(nil)
	if q.last == nil {
		q.first = w
	} else {
		q.last.SetWakeNext(w)
	}
	q.last = w

	needsNotify = !q.inProgress
	q.inProgress = true
	q.mu.Unlock()
	return needsNotify
}

// Notify rings the underlying eventfd doorbell. Callers must not hold any
// context mutex when calling this — it performs a syscall.
func (q *Queue) Notify() error {
	return q.efd.Notify()
}

// Pop removes and returns the queue's head; ok is false when the queue was
// already empty. The eventfd-clearing read happens inside the same lock
// critical section that empties the list: if this Pop drains the list to
// empty, it also drains the eventfd before releasing the lock, so a
// concurrent Push can never race a half-finished drain.
func (q *Queue) Pop() (w Waitable, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.first == nil {
		q.inProgress = false
		return nil, false
	}

	w = q.first
	q.first = w.WakeNext()
	if q.first == nil {
		q.last = nil
	}
	w.SetWakeNext(nil)

	if q.first == nil {
		q.inProgress = false
		if _, err := q.efd.Drain(); err != nil && err != unix.EAGAIN {
			// Draining failure here means the doorbell may still be set;
			// the next Wait wakeup will simply find an empty queue and
			// drain it then. Not fatal.
			_ = err
		}
	}
	return w, true
}

// PopAll drains the entire queue in FIFO order, clearing the eventfd once
// inside the same critical section as the final removal.
func (q *Queue) PopAll() []Waitable {
	var out []Waitable
	for {
		w, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, w)
	}
}
