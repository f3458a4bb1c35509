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

package proactor

import (
	"sync"

	"github.com/go-proactor/proactor/internal/wake"
)

// ctxKind tags which concrete type a pcontext belongs to. There is no
// WAKEABLE kind — the original implementation declares one but never
// implements it, and this port omits it per the grounding in
// original_source/proton-c/src/proactor/epoll.c.
type ctxKind int

const (
	ctxProactor ctxKind = iota
	ctxConnection
	ctxListener
)

// pcontext is the serialization domain shared by Proactor, Connection, and
// Listener. Go has no offsetof, so instead of recovering the outer object
// from an embedded context pointer via pointer arithmetic, owner holds a
// typed back-reference directly (set once at construction, read-only
// thereafter) — this preserves the "identify the batch owner without an
// extra allocation" property the original's pointer-arithmetic trick gave,
// using an ordinary field instead.
type pcontext struct {
	mu sync.Mutex

	p     *Proactor
	kind  ctxKind
	owner interface{} // *Connection, *Listener, or nil for the proactor's own context

	working bool
	wakeOps int
	closing bool

	// Live-list linkage; proactor-mutex protected, not ctx.mu.
	prev, next *pcontext

	// Wake-queue linkage; implements wake.Waitable. Protected by the
	// wake.Queue's own internal lock, never by ctx.mu or the proactor
	// mutex.
	wakeNext wake.Waitable

	// Bulk-disconnect bookkeeping.
	disconnecting bool
	disconnectOps int
}

func newContext(p *Proactor, kind ctxKind, owner interface{}) *pcontext {
	return &pcontext{p: p, kind: kind, owner: owner}
}

// WakeNext and SetWakeNext implement wake.Waitable.
func (c *pcontext) WakeNext() wake.Waitable     { return c.wakeNext }
func (c *pcontext) SetWakeNext(w wake.Waitable) { c.wakeNext = w }

// wakeLocked enqueues c on the proactor's wake queue if it is not already
// queued and no thread is currently working it. Must be called with c.mu
// held; returns whether the caller must call p.wakeQueue.Notify() after
// releasing c.mu. This is the compute-under-lock half of the split
// wake/notify discipline spec'd for the wake subsystem — the eventfd write
// never happens while c.mu is held.
//
// The working check matters beyond avoiding a redundant queue entry: a
// thread already working this context will itself observe wakeOps at its
// own next lock acquisition (drain's per-iteration relock), so there is
// nothing for an extra wake-queue entry to accomplish — it would just cost
// another dispatch round-trip for no new information.
func (c *pcontext) wakeLocked() (needsNotify bool) {
	if c.wakeOps > 0 || c.working {
		return false
	}
	c.wakeOps++
	return c.p.wakeQueue.Push(c)
}

// wake is the unlocked convenience wrapper: lock, compute, unlock, notify.
// A failed doorbell write is escalated via fatalf, mirroring
// original_source/epoll.c's wake_notify — a write(2) to an eventfd the
// proactor itself created failing means something has gone wrong at a
// level no caller here can repair.
func (c *pcontext) wake() {
	c.mu.Lock()
	needsNotify := c.wakeLocked()
	c.mu.Unlock()
	if needsNotify {
		if err := c.p.wakeQueue.Notify(); err != nil {
			fatalf("wake doorbell notify", err)
		}
	}
}

// wakeDone decrements wakeOps; called once per wake-queue pop, from inside
// the context's own processor, under c.mu.
func (c *pcontext) wakeDone() {
	if c.wakeOps > 0 {
		c.wakeOps--
	}
}

// claimWorking attempts to become the sole worker for this context. Must
// be called with c.mu held. Returns false if another thread is already
// working it, in which case the caller must unlock and return immediately
// without touching any non-shared state — this is the serialized-dispatch
// invariant.
func (c *pcontext) claimWorking() bool {
	if c.working {
		return false
	}
	c.working = true
	return true
}

// finishWorking releases the working claim. Must be called with c.mu held.
func (c *pcontext) finishWorking() {
	c.working = false
}
