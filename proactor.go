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

// Package proactor implements a thread-safe, epoll-backed reactor
// loop modeled on original_source/proton-c/src/proactor/epoll.c: one shared
// epoll instance dispatches events to connections, listeners, and the
// proactor itself, every registration is EPOLLONESHOT so no two workers are
// ever woken for the same fd at once, and external wakeups coalesce through
// a single eventfd doorbell.
package proactor

import (
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sys/unix"

	"github.com/go-proactor/proactor/internal/netpoll"
	"github.com/go-proactor/proactor/internal/ptimer"
	"github.com/go-proactor/proactor/internal/wake"
	"github.com/go-proactor/proactor/pkg/logging"
)

// regKind tags which kind of component owns a registry entry, so doEpoll
// can dispatch a raw (fd, events) pair without needing unsafe.Pointer
// tricks in the epoll_event payload.
type regKind int

const (
	regWake regKind = iota
	regProactorTimer
	regConnectionIO
	regConnectionTimer
	regListenerIO
)

// registration is the value side of Proactor.reg, keyed by fd.
type registration struct {
	kind regKind
	conn *Connection
	ln   *Listener
}

// Proactor owns one epoll instance, one wake doorbell, and the live set of
// connections and listeners dispatched through it. Callers drive it by
// calling Wait (or Get) from one or more worker goroutines — see RunWorkers
// — and must call Done on every batch once they've consumed it.
type Proactor struct {
	opts *Options

	poller    *netpoll.Poller
	wakeEFD   *wake.EventFD
	wakeQueue *wake.Queue
	timer     *ptimer.Timer
	pool      *ants.Pool

	ctx *pcontext // this proactor's own wakeable context (ctxProactor)

	regMu sync.Mutex
	reg   map[int]registration

	mu                 sync.Mutex
	head, tail         *pcontext
	liveSize           int
	freshInterrupts    int
	deferredInterrupts int
	timeoutPending     bool
	disconnectsPending int
	inactivePosted     bool
	closed             bool
}

// New builds a Proactor and its epoll instance, ready to accept Connect and
// Listen calls once Wait/RunWorkers is driving it.
func New(options ...Option) (*Proactor, error) {
	opts := initOptions(options...)

	poller, err := netpoll.Open()
	if err != nil {
		return nil, err
	}
	wakeEFD, err := wake.NewEventFD()
	if err != nil {
		poller.Close()
		return nil, err
	}
	tm, err := ptimer.New()
	if err != nil {
		wakeEFD.Close()
		poller.Close()
		return nil, err
	}
	pool, err := ants.NewPool(opts.WorkerCount)
	if err != nil {
		tm.Close()
		wakeEFD.Close()
		poller.Close()
		return nil, err
	}

	p := &Proactor{
		opts:      opts,
		poller:    poller,
		wakeEFD:   wakeEFD,
		wakeQueue: wake.New(wakeEFD),
		timer:     tm,
		pool:      pool,
		reg:       make(map[int]registration),
	}
	p.ctx = newContext(p, ctxProactor, p)

	p.reg[wakeEFD.FD()] = registration{kind: regWake}
	p.reg[tm.FD()] = registration{kind: regProactorTimer}

	if err := poller.Add(wakeEFD.FD(), unix.EPOLLIN); err != nil {
		p.teardownResources()
		return nil, err
	}
	if err := poller.Add(tm.FD(), unix.EPOLLIN); err != nil {
		p.teardownResources()
		return nil, err
	}
	return p, nil
}

func (p *Proactor) log() logging.Logger { return p.opts.Logger }

// rearmOrFatal rearms fd for events, the way original_source/epoll.c's
// rearm() treats an EPOLL_CTL_MOD failure: the kernel's view of fd and the
// proactor's own bookkeeping have diverged, and there is nothing a caller
// can usefully retry. ENOENT means some other path already deregistered fd
// first, which is not a divergence.
func (p *Proactor) rearmOrFatal(fd int, events uint32, op string) {
	if err := p.poller.Rearm(fd, events); err != nil && !errors.Is(err, unix.ENOENT) {
		fatalf(op, err)
	}
}

func (p *Proactor) teardownResources() {
	p.poller.Close()
	p.wakeEFD.Close()
	p.timer.Close()
	p.pool.Release()
}

// Close shuts the proactor down: every live connection and listener is
// asked to close with ErrEngineShutdown, and once they have all torn
// themselves down the underlying epoll instance, doorbell, and worker pool
// are released. Close does not block for that teardown to finish; drive
// Wait/Get to completion (until ErrProactorClosed) to observe it.
func (p *Proactor) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	empty := p.liveSize == 0
	p.mu.Unlock()

	// removeContext only calls finalRelease on the empty transition it
	// itself causes; if the live set was already empty, that transition
	// never happens, so it must be handled here instead.
	if empty {
		p.finalRelease()
		return nil
	}

	p.Disconnect(ErrEngineShutdown)
	return nil
}

// finalRelease is called once liveSize reaches zero after Close — it frees
// the epoll instance, doorbell, timer, and worker pool. It does not guard
// against a second call: each call closes those file descriptors again.
func (p *Proactor) finalRelease() {
	p.teardownResources()
}

// addContext links c into the live set and clears any previously posted
// inactivity event, since the proactor is no longer idle.
func (p *Proactor) addContext(c *pcontext) {
	p.mu.Lock()
	c.prev = p.tail
	c.next = nil
	if p.tail != nil {
		p.tail.next = c
	} else {
		p.head = c
	}
	p.tail = c
	p.liveSize++
	p.inactivePosted = false
	p.mu.Unlock()
}

// removeContext unlinks c from the live set. If this empties the set, the
// proactor's own context is woken so the next Wait/Get notices the
// inactivity condition (or finishes tearing down, if Close is in
// progress).
func (p *Proactor) removeContext(c *pcontext) {
	p.mu.Lock()
	if c.prev != nil {
		c.prev.next = c.next
	} else {
		p.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	} else {
		p.tail = c.prev
	}
	c.prev, c.next = nil, nil
	p.liveSize--
	if c.disconnecting {
		p.disconnectsPending--
	}
	empty := p.liveSize == 0
	closing := p.closed
	p.mu.Unlock()

	if empty && closing {
		p.finalRelease()
		return
	}
	if empty {
		p.ctx.wake()
	}
}

// Interrupt posts one EventProactorInterrupt. Interrupts never coalesce:
// n calls before the batch drains produce n events, delivered one per
// Wait/Get call in the order they were issued.
func (p *Proactor) Interrupt() {
	p.mu.Lock()
	p.freshInterrupts++
	p.mu.Unlock()
	p.ctx.wake()
}

// SetTimeout arms (or, for d<=0, immediately fires) the proactor-wide
// timeout. A later SetTimeout or CancelTimeout supersedes any not-yet-
// delivered expiry, per ptimer's skip accounting.
func (p *Proactor) SetTimeout(d time.Duration) {
	p.ctx.mu.Lock()
	p.timer.Set(d)
	p.ctx.mu.Unlock()

	if d <= 0 {
		p.mu.Lock()
		p.timeoutPending = true
		p.mu.Unlock()
		p.ctx.wake()
	}
}

// CancelTimeout disarms the proactor-wide timeout. If an expiry is already
// in flight from the kernel's perspective, ptimer's skip accounting
// discards it when it is eventually drained — CancelTimeout is sticky.
func (p *Proactor) CancelTimeout() {
	p.ctx.mu.Lock()
	p.timer.Set(0)
	p.ctx.mu.Unlock()
	p.mu.Lock()
	p.timeoutPending = false
	p.mu.Unlock()
}

// Disconnect asks every live connection and listener to close with cond.
// Each target's own process loop performs the actual teardown on its next
// turn; this only stashes the condition and wakes it. This is a
// deliberate simplification of the original implementation's two-pass
// detach/reattach protocol — see DESIGN.md.
func (p *Proactor) Disconnect(cond error) {
	p.mu.Lock()
	targets := make([]*pcontext, 0, p.liveSize)
	for c := p.head; c != nil; c = c.next {
		c.mu.Lock()
		alreadyMarked := c.disconnecting
		c.disconnecting = true
		c.mu.Unlock()
		if !alreadyMarked {
			p.disconnectsPending++
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()

	for _, c := range targets {
		switch owner := c.owner.(type) {
		case *Connection:
			owner.requestDisconnect(cond)
		case *Listener:
			owner.requestDisconnect(cond)
		}
	}
}

// Wait blocks until a batch of events is available, or returns
// ErrProactorClosed once the proactor has fully shut down. Every batch
// returned by Wait must be passed to Done exactly once.
func (p *Proactor) Wait() (Batch, error) {
	return p.loop(-1)
}

// Get is Wait's non-blocking counterpart: it returns (nil, nil) immediately
// if no batch is currently available.
func (p *Proactor) Get() (Batch, error) {
	return p.loop(0)
}

func (p *Proactor) loop(timeoutMs int) (Batch, error) {
	for {
		if b := p.updateBatch(); b != nil {
			return b, nil
		}
		p.mu.Lock()
		closed := p.closed
		live := p.liveSize
		p.mu.Unlock()
		if closed && live == 0 {
			return nil, ErrProactorClosed
		}

		b, err := p.doEpoll(timeoutMs)
		if err != nil {
			return nil, err
		}
		if b != nil {
			return b, nil
		}
		if timeoutMs >= 0 {
			return nil, nil
		}
		// Blocking Wait with nothing yet to report: loop back to
		// updateBatch/doEpoll.
	}
}

// updateBatch returns the proactor's own next event, if one is due, in
// priority order: a deferred interrupt (left over from a prior burst) first,
// then an armed timeout, then a fresh interrupt (reserving any extra fresh
// interrupts into the deferred count), and finally — once the live set is
// empty with no disconnect still in flight — the one-time inactivity event.
func (p *Proactor) updateBatch() Batch {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deferredInterrupts > 0 {
		p.deferredInterrupts--
		return &eventBatch{owner: p, events: []Event{{Type: EventProactorInterrupt}}}
	}
	if p.timeoutPending {
		p.timeoutPending = false
		return &eventBatch{owner: p, events: []Event{{Type: EventProactorTimeout}}}
	}
	if p.freshInterrupts > 0 {
		n := p.freshInterrupts
		p.freshInterrupts = 0
		if n > 1 {
			p.deferredInterrupts += n - 1
		}
		return &eventBatch{owner: p, events: []Event{{Type: EventProactorInterrupt}}}
	}
	if p.liveSize == 0 && p.disconnectsPending == 0 && !p.inactivePosted && !p.closed {
		p.inactivePosted = true
		return &eventBatch{owner: p, events: []Event{{Type: EventProactorInactive}}}
	}
	return nil
}

// doEpoll waits for exactly one raw epoll-ready fd and dispatches it to the
// owning connection, listener, or the wake queue. It returns a non-nil
// batch only when that dispatch immediately produced one; most dispatches
// (a wake pop that found nothing, a timer fire with nothing to report)
// legitimately return (nil, nil) and the caller's loop tries again.
func (p *Proactor) doEpoll(timeoutMs int) (Batch, error) {
	fd, events, ok, err := p.poller.Wait(timeoutMs)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	p.regMu.Lock()
	reg, found := p.reg[fd]
	p.regMu.Unlock()
	if !found {
		return nil, nil
	}

	switch reg.kind {
	case regWake:
		return p.processInboundWake()
	case regProactorTimer:
		p.processTimeout()
		return nil, nil
	case regConnectionIO:
		return reg.conn.process(events, false, false)
	case regConnectionTimer:
		return reg.conn.process(0, true, false)
	case regListenerIO:
		return reg.ln.process(fd, events, false)
	default:
		return nil, nil
	}
}

// processInboundWake pops exactly one queued context off the wake queue and
// dispatches it, then rearms the doorbell fd. Rearming unconditionally is
// safe and necessary: the doorbell is level-triggered-once (EPOLLONESHOT),
// and if the queue was not actually drained to empty by this Pop, the
// eventfd counter is still nonzero and the very next epoll_wait will report
// it ready again immediately.
func (p *Proactor) processInboundWake() (Batch, error) {
	w, ok := p.wakeQueue.Pop()
	p.rearmOrFatal(p.wakeEFD.FD(), unix.EPOLLIN, "wake doorbell rearm")
	if !ok {
		return nil, nil
	}

	c, ok := w.(*pcontext)
	if !ok {
		return nil, nil
	}
	switch owner := c.owner.(type) {
	case *Proactor:
		c.mu.Lock()
		c.wakeDone()
		c.mu.Unlock()
		return nil, nil
	case *Connection:
		return owner.process(0, false, true)
	case *Listener:
		return owner.process(0, 0, true)
	default:
		return nil, nil
	}
}

// processTimeout drains the proactor-wide timerfd and, if it produced a
// real (non-superseded) expiry, marks a timeout as pending for the next
// updateBatch call.
func (p *Proactor) processTimeout() {
	p.ctx.mu.Lock()
	n := p.timer.Callback()
	p.ctx.mu.Unlock()

	if n > 0 {
		p.mu.Lock()
		p.timeoutPending = true
		p.mu.Unlock()
	}
	p.rearmOrFatal(p.timer.FD(), unix.EPOLLIN, "proactor timer rearm")
}

// Done must be called exactly once for every batch Wait or Get returns. It
// lets a listener rearm the sockets Accept has consumed, and lets the owning
// connection or listener wake itself if more work was queued after the
// batch's own top-up in Next.
func (p *Proactor) Done(b Batch) {
	if b == nil {
		return
	}
	switch owner := b.Owner().(type) {
	case *Connection:
		owner.done()
	case *Listener:
		owner.done()
	case *Proactor:
		// Proactor-level events (interrupt/timeout/inactive) need no
		// follow-up.
	}
}
