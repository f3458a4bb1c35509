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
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/go-proactor/proactor/internal/netaddr"
)

// Listener owns the sockets bound for one Listen call — typically two, one
// IPv4 and one IPv6 wildcard socket, when the address has no explicit host.
// Accept applies back-pressure: a fd that fired EPOLLIN is not rearmed
// until the accepted connection has been handed back and the batch that
// reported it has been passed to Proactor.Done.
type Listener struct {
	ctx *pcontext
	p   *Proactor

	fds   []int
	addrs []string

	openPending bool

	// pendingAccept holds fds that fired EPOLLIN since the last drain and
	// have not yet been turned into a LISTENER_ACCEPT event.
	pendingAccept []int
	// readyFds holds fds whose LISTENER_ACCEPT event has been delivered
	// but whose socket has not yet been consumed by Accept.
	readyFds []int
	// rearmFds holds fds Accept has drained (successfully or not) that are
	// due to be rearmed once the caller calls Done.
	rearmFds []int

	closing         bool
	closeDispatched bool
	cond            error

	userData interface{}
}

// Listen resolves addr (binding to all addresses when the host is empty,
// mirroring AI_PASSIVE) and binds every resolved address, continuing past
// individual bind failures. A LISTENER_OPEN event is always posted exactly
// once, even if every bind attempt failed — Condition reports why.
func (p *Proactor) Listen(addr string, backlog int) (*Listener, error) {
	if backlog <= 0 {
		backlog = p.opts.Backlog
	}
	host, port, err := netaddr.ParseHostPort(addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{p: p, openPending: true}
	l.ctx = newContext(p, ctxListener, l)

	resolveCtx, cancel := context.WithTimeout(context.Background(), idleResolveTimeout)
	addrs, rerr := netaddr.Resolve(resolveCtx, host, port)
	cancel()

	if rerr != nil {
		l.cond = rerr
	} else {
		for _, hostport := range addrs {
			if err := l.bindOne(hostport, backlog); err != nil {
				if l.cond == nil {
					l.cond = err
				}
			}
		}
	}
	if len(l.fds) == 0 && l.cond == nil {
		l.cond = ErrListenFailed
	}

	p.addContext(l.ctx)
	l.ctx.wake()
	return l, nil
}

func (l *Listener) bindOne(hostport string, backlog int) error {
	sa, family, err := netaddr.ToSockaddr(hostport)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return err
	}
	if family == unix.AF_INET6 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: bind %s: %w", hostport, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen: listen %s: %w", hostport, err)
	}

	l.p.regMu.Lock()
	l.p.reg[fd] = registration{kind: regListenerIO, ln: l}
	l.p.regMu.Unlock()
	if err := l.p.poller.Add(fd, unix.EPOLLIN); err != nil {
		l.p.regMu.Lock()
		delete(l.p.reg, fd)
		l.p.regMu.Unlock()
		unix.Close(fd)
		return err
	}

	// Report the address the kernel actually bound, not the nominal one —
	// this is how a caller that asked for an ephemeral port (":0") learns
	// which one it got, mirroring getsockname after bind+listen in
	// original_source/epoll.c's acceptor setup.
	addr := hostport
	if local, lerr := netaddr.LocalAddr(fd); lerr == nil {
		addr = local
	}

	l.fds = append(l.fds, fd)
	l.addrs = append(l.addrs, addr)
	return nil
}

// Addrs reports the addresses this listener actually bound.
func (l *Listener) Addrs() []string {
	l.ctx.mu.Lock()
	defer l.ctx.mu.Unlock()
	out := make([]string, len(l.addrs))
	copy(out, l.addrs)
	return out
}

// Condition reports the error recorded against this listener, if any —
// populated even on full bind failure, and again once the listener closes.
func (l *Listener) Condition() error {
	l.ctx.mu.Lock()
	defer l.ctx.mu.Unlock()
	return l.cond
}

// UserData returns the value most recently passed to SetUserData.
func (l *Listener) UserData() interface{} {
	l.ctx.mu.Lock()
	defer l.ctx.mu.Unlock()
	return l.userData
}

// SetUserData attaches an opaque value to the listener for the caller's own
// bookkeeping.
func (l *Listener) SetUserData(v interface{}) {
	l.ctx.mu.Lock()
	l.userData = v
	l.ctx.mu.Unlock()
}

// Close begins closing the listener; LISTENER_CLOSE is delivered once every
// already-queued accept has been surfaced.
func (l *Listener) Close() error {
	l.requestDisconnect(nil)
	return nil
}

// requestDisconnect is Proactor.Disconnect's per-listener half, and is also
// used by Close: it stashes the condition and wakes the listener so its own
// process loop performs the teardown.
func (l *Listener) requestDisconnect(cond error) {
	l.ctx.mu.Lock()
	l.closing = true
	if cond != nil && l.cond == nil {
		l.cond = cond
	}
	l.ctx.mu.Unlock()
	l.ctx.wake()
}

// Accept consumes one socket that has already been reported via a
// LISTENER_ACCEPT event. Its fd is not rearmed for further incoming
// connections until the caller calls Proactor.Done on the batch that
// carried the event — this is the back-pressure point: a slow acceptor
// naturally throttles inbound connection attempts on that address.
func (l *Listener) Accept() (*Connection, error) {
	l.ctx.mu.Lock()
	if len(l.readyFds) == 0 {
		closing := l.closing
		l.ctx.mu.Unlock()
		if closing {
			return nil, ErrListenerClosing
		}
		return nil, ErrAcceptNotReady
	}
	fd := l.readyFds[0]
	l.readyFds = l.readyFds[1:]
	l.ctx.mu.Unlock()

	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)

	l.ctx.mu.Lock()
	l.rearmFds = append(l.rearmFds, fd)
	l.ctx.mu.Unlock()

	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrAcceptNotReady
		}
		return nil, err
	}
	return newAcceptedConnection(l.p, nfd, netaddr.SockaddrString(sa))
}

// process is the registry dispatch entry point for one listener fd's epoll
// notification (fd==0 && isWake==true for a wake-only dispatch).
func (l *Listener) process(fd int, events uint32, isWake bool) (Batch, error) {
	l.ctx.mu.Lock()
	if events&unix.EPOLLIN != 0 {
		l.pendingAccept = append(l.pendingAccept, fd)
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		l.closing = true
		if l.cond == nil {
			l.cond = fmt.Errorf("listener: socket error on fd %d", fd)
		}
	}
	if isWake {
		l.ctx.wakeDone()
	}
	if !l.ctx.claimWorking() {
		l.ctx.mu.Unlock()
		return nil, nil
	}
	l.ctx.mu.Unlock()
	return l.drain()
}

// topupBatch re-enters drain to try to produce one more round of events. It
// is wired as the topup hook on every non-terminal batch drain produces and
// is invoked by eventBatch.Next() — not by Proactor.Done — so the caller
// already iterating this batch is the one who receives whatever it tops
// up, mirroring listener_batch_next/pconnection_batch_next's in-place
// top-up instead of draining into a batch nobody reads.
func (l *Listener) topupBatch() (Batch, error) {
	l.ctx.mu.Lock()
	more := len(l.pendingAccept) > 0 || l.closing
	claimed := false
	if more {
		claimed = l.ctx.claimWorking()
	}
	l.ctx.mu.Unlock()
	if !claimed {
		return nil, nil
	}
	return l.drain()
}

// done is invoked by Proactor.Done: it rearms every fd Accept has drained
// since the last batch, then self-wakes if something queued more work in
// the meantime, mirroring listener_done's own wake-self-if-has-event check.
func (l *Listener) done() {
	l.ctx.mu.Lock()
	fds := l.rearmFds
	l.rearmFds = nil
	closing := l.closing
	l.ctx.mu.Unlock()

	if !closing {
		for _, fd := range fds {
			l.p.rearmOrFatal(fd, unix.EPOLLIN, "listener rearm")
		}
	}

	l.ctx.mu.Lock()
	more := !l.closeDispatched && (len(l.pendingAccept) > 0 || l.closing)
	l.ctx.mu.Unlock()
	if more {
		l.ctx.wake()
	}
}

// drain builds the listener's next batch: the one-time LISTENER_OPEN event,
// any newly fired LISTENER_ACCEPT events, and — once every queued accept
// has been surfaced and the listener is closing — the final LISTENER_CLOSE
// event.
func (l *Listener) drain() (Batch, error) {
	l.ctx.mu.Lock()
	var events []Event
	if l.openPending {
		l.openPending = false
		events = append(events, Event{Type: EventListenerOpen, Listener: l, Err: l.cond})
	}

	newly := l.pendingAccept
	l.pendingAccept = nil
	l.readyFds = append(l.readyFds, newly...)
	for range newly {
		events = append(events, Event{Type: EventListenerAccept, Listener: l})
	}

	closing := l.closing
	cond := l.cond
	wakeOps := l.ctx.wakeOps
	l.ctx.mu.Unlock()

	// No readyCount term: the final predicate is closing && close_dispatched
	// && wake_ops==0, matching listener_begin_close, which closes the listen
	// fds unconditionally. An outstanding un-Accept()-ed LISTENER_ACCEPT
	// must not hold cleanup open, or a Close() racing a slow acceptor would
	// leak the bound fds forever.
	dispatchedClose := false
	if closing && !l.closeDispatched && wakeOps == 0 {
		l.ctx.mu.Lock()
		l.closeDispatched = true
		l.ctx.mu.Unlock()
		l.cleanup()
		dispatchedClose = true
		events = append(events, Event{Type: EventListenerClose, Listener: l, Err: cond})
	}

	l.ctx.mu.Lock()
	l.ctx.finishWorking()
	l.ctx.mu.Unlock()

	if len(events) == 0 {
		return nil, nil
	}
	b := &eventBatch{owner: l, events: events}
	if !dispatchedClose {
		b.topup = l.topupBatch
	}
	return b, nil
}

// cleanup removes every bound socket from the registry and poller, closes
// them, and frees the listener from the proactor's live-context list.
// Called exactly once, from drain's close branch.
func (l *Listener) cleanup() {
	l.p.regMu.Lock()
	for _, fd := range l.fds {
		delete(l.p.reg, fd)
	}
	l.p.regMu.Unlock()

	for _, fd := range l.fds {
		l.p.poller.Delete(fd)
		unix.Close(fd)
	}
	l.p.removeContext(l.ctx)
}
