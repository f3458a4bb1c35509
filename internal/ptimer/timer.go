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

// Package ptimer implements the per-connection one-shot monotonic timer
// used to drive idle/keepalive ticks, built on timerfd. Its job is to make
// races between a fresh Set and an already in-flight kernel expiry
// invisible to the caller: every expiry the kernel queues is accounted for
// exactly once, whether or not it is still wanted by the time it is
// observed.
package ptimer

import (
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Timer is a one-shot monotonic timerfd with pending/skip accounting.
//
// pending counts timerfd arm operations whose kernel expiry has not yet
// been drained via Callback; skip counts how many of those pending arms
// were superseded by a later Set after the kernel had already latched
// their expiry (Set saw a zero old value), and which Callback subtracts
// from the expiry count it reads.
type Timer struct {
	fd int

	mu      sync.Mutex
	pending int
	skip    int
	closed  bool
}

// New creates a disarmed monotonic timerfd.
func New() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Timer{fd: fd}, nil
}

// FD returns the underlying file descriptor, suitable for epoll
// registration.
func (t *Timer) FD() int { return t.fd }

// Set arms the timer to fire once after d, superseding any previously
// armed, not-yet-fired expiry. d<=0 disarms the timer: any previously
// armed expiry becomes skippable and no new expiry is scheduled.
//
// Must be called with the owning context's mutex held, mirroring the
// original implementation's requirement that ptimer_set run under
// pconnection_t's lock.
func (t *Timer) Set(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	if d <= 0 && t.pending == 0 {
		return nil
	}

	var newSpec, oldSpec unix.ItimerSpec
	if d > 0 {
		newSpec.Value.Sec = int64(d / time.Second)
		newSpec.Value.Nsec = int64(d % time.Second)
	}

	if err := unix.TimerfdSettime(t.fd, 0, &newSpec, &oldSpec); err != nil {
		return err
	}

	if oldSpec.Value.Sec != 0 || oldSpec.Value.Nsec != 0 {
		// The kernel still held the previous arm unexpired: it is cleanly
		// superseded, not fired, so the pending count it holds is retired
		// here rather than left for Callback to discover as skippable.
		t.pending--
	} else if t.pending > 0 {
		// The previous arm's expiry has already latched at the kernel
		// level (or this is a disarm of one), but Callback hasn't drained
		// it yet: that eventual read must be discarded.
		t.skip++
	}
	if d > 0 {
		t.pending++
	}
	return nil
}

// Callback must be called after the timerfd's fd reports readable. It
// drains the timerfd's expiry counter and reports how many of the expiries
// it accounts for are "real" (not superseded by a later Set) — this is
// always 0 or 1 for a one-shot timer used as intended, but the drain itself
// can observe a larger raw count if multiple Set calls raced the kernel.
//
// Must be called with the owning context's mutex held.
func (t *Timer) Callback() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf [8]byte
	if _, err := unix.Read(t.fd, buf[:]); err != nil {
		return 0
	}
	expCount := int(binary.LittleEndian.Uint64(buf[:]))

	expCount -= t.skip
	t.skip = 0
	t.pending -= expCount
	return expCount
}

// Pending reports whether any arm from a previous Set is still undrained —
// used by a context's final teardown predicate, which must not free the
// timerfd while the kernel still owes it a read.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending > 0
}

// Close releases the timerfd. The caller must first deregister it from any
// epoll instance.
func (t *Timer) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return unix.Close(t.fd)
}
