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
	"time"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/go-proactor/proactor/internal/netaddr"
	"github.com/go-proactor/proactor/internal/ptimer"
)

// Connection is one TCP peer, dialed via Proactor.Connect or accepted by a
// Listener. Its state machine, the pump/rearm/hog-limited drain loop, is
// grounded on original_source/proton-c/src/proactor/epoll.c's
// pconnection_process.
type Connection struct {
	ctx *pcontext
	p   *Proactor

	driver Driver

	// Resolution/connect state. Only used on the dialing side.
	host    string
	port    string
	addrs   []string
	addrIdx int

	fd    int
	timer *ptimer.Timer

	// scratch is a bytebufferpool-pooled fallback read buffer, used when
	// the driver's own ReadBuffer is empty; returned to the pool in cleanup.
	scratch *bytebufferpool.ByteBuffer

	localAddr  string
	remoteAddr string
	server     bool

	connected    bool
	readBlocked  bool
	writeBlocked bool
	readClosed   bool
	writeClosed  bool

	currentArm uint32 // epoll events currently armed for fd, 0 if unregistered/unarmed
	timerArmed bool   // whether the timer fd's own EPOLLONESHOT registration is live
	hogCount   int

	// Edge-triggered inputs merged into the next process() call.
	newEvents   uint32
	haveEvents  bool
	wakeCount   int
	tickPending bool

	closeNotified  bool
	disconnectCond error

	userData interface{}
}

// Connect resolves addr asynchronously and dials the first address that
// accepts a connection, per §5.2's async-resolution redesign.
func (p *Proactor) Connect(addr string) (*Connection, error) {
	if p.opts.DriverFactory == nil {
		return nil, ErrNilDriverFactory
	}
	host, port, err := netaddr.ParseHostPort(addr)
	if err != nil {
		return nil, err
	}

	drv := p.opts.DriverFactory()
	c := &Connection{
		p:       p,
		driver:  drv,
		host:    host,
		port:    port,
		fd:      -1,
		scratch: newScratchBuffer(p.opts.ReadBufferSize),
	}
	c.ctx = newContext(p, ctxConnection, c)

	if err := drv.Init(c); err != nil {
		return nil, err
	}
	p.addContext(c.ctx)

	if err := p.pool.Submit(c.resolveAndConnect); err != nil {
		p.removeContext(c.ctx)
		return nil, err
	}
	return c, nil
}

// newScratchBuffer pulls a pooled buffer and grows it to size, reusing its
// backing array across pool checkouts instead of allocating a fresh slice
// per connection.
func newScratchBuffer(size int) *bytebufferpool.ByteBuffer {
	buf := bytebufferpool.Get()
	if cap(buf.B) < size {
		buf.B = make([]byte, size)
	} else {
		buf.B = buf.B[:size]
	}
	return buf
}

// newAcceptedConnection builds a Connection for a socket a Listener has
// already accept(2)-ed. server-side connections skip resolution entirely.
func newAcceptedConnection(p *Proactor, fd int, remoteAddr string) (*Connection, error) {
	if p.opts.DriverFactory == nil {
		return nil, ErrNilDriverFactory
	}
	drv := p.opts.DriverFactory()
	c := &Connection{
		p:          p,
		driver:     drv,
		fd:         fd,
		server:     true,
		connected:  true,
		remoteAddr: remoteAddr,
		scratch:    newScratchBuffer(p.opts.ReadBufferSize),
	}
	c.ctx = newContext(p, ctxConnection, c)
	drv.SetServer()
	if err := drv.Init(c); err != nil {
		return nil, err
	}
	if local, err := netaddr.LocalAddr(fd); err == nil {
		c.localAddr = local
	}
	p.addContext(c.ctx)
	if err := c.start(fd); err != nil {
		p.removeContext(c.ctx)
		return nil, err
	}
	return c, nil
}

// resolveAndConnect runs on a pool worker: it resolves c.host and then walks
// the resulting address list via tryNextAddr.
func (c *Connection) resolveAndConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), idleResolveTimeout)
	defer cancel()

	addrs, err := netaddr.Resolve(ctx, c.host, c.port)
	if err != nil {
		c.driver.Errorf("proactor", "resolve %s: %v", c.host, err)
		c.beginCloseAndWake(ErrNoAddrInfo)
		return
	}
	c.addrs = addrs
	c.tryNextAddr()
}

// tryNextAddr attempts a nonblocking connect(2) to the next resolved
// address, exhausting the list before reporting ErrConnectExhausted.
func (c *Connection) tryNextAddr() {
	for c.addrIdx < len(c.addrs) {
		hostport := c.addrs[c.addrIdx]
		c.addrIdx++

		sa, family, err := netaddr.ToSockaddr(hostport)
		if err != nil {
			continue
		}
		fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			continue
		}
		err = unix.Connect(fd, sa)
		if err != nil && err != unix.EINPROGRESS {
			unix.Close(fd)
			continue
		}
		c.remoteAddr = hostport
		if local, lerr := netaddr.LocalAddr(fd); lerr == nil {
			c.localAddr = local
		}
		if err := c.start(fd); err != nil {
			unix.Close(fd)
			continue
		}
		return
	}
	c.driver.Errorf("proactor", "connect %s:%s: all addresses exhausted", c.host, c.port)
	c.beginCloseAndWake(ErrConnectExhausted)
}

// start registers fd and a fresh one-shot timer with the proactor's poller.
// Each is added to the registry exactly once here, resolving open question
// (a): a connection's fd and timer fd are registered together, at the point
// the connection first has a live socket, never re-registered afterward.
func (c *Connection) start(fd int) error {
	tm, err := ptimer.New()
	if err != nil {
		return err
	}

	c.p.regMu.Lock()
	c.p.reg[fd] = registration{kind: regConnectionIO, conn: c}
	c.p.reg[tm.FD()] = registration{kind: regConnectionTimer, conn: c}
	c.p.regMu.Unlock()

	if err := c.p.poller.Add(fd, unix.EPOLLIN|unix.EPOLLOUT|unix.EPOLLRDHUP); err != nil {
		c.p.regMu.Lock()
		delete(c.p.reg, fd)
		delete(c.p.reg, tm.FD())
		c.p.regMu.Unlock()
		tm.Close()
		return err
	}
	if err := c.p.poller.Add(tm.FD(), unix.EPOLLIN); err != nil {
		c.p.poller.Delete(fd)
		c.p.regMu.Lock()
		delete(c.p.reg, fd)
		delete(c.p.reg, tm.FD())
		c.p.regMu.Unlock()
		tm.Close()
		return err
	}

	c.ctx.mu.Lock()
	c.fd = fd
	c.timer = tm
	c.currentArm = unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP
	c.timerArmed = true
	c.ctx.mu.Unlock()
	return nil
}

// beginCloseAndWake marks the context closing with the given condition and
// schedules a wake so the owning worker's next process() call tears it down
// through the ordinary cleanup path — there is exactly one teardown path,
// used both for ordinary errors and for Proactor.Disconnect.
func (c *Connection) beginCloseAndWake(cond error) {
	c.ctx.mu.Lock()
	c.ctx.closing = true
	if c.disconnectCond == nil {
		c.disconnectCond = cond
	}
	c.ctx.mu.Unlock()
	c.ctx.wake()
}

// Wake schedules a CONNECTION_WAKE event on this connection's next batch.
// Repeated calls before the batch drains coalesce into a single event.
func (c *Connection) Wake() error {
	c.ctx.mu.Lock()
	c.wakeCount++
	needsNotify := c.ctx.wakeLocked()
	c.ctx.mu.Unlock()
	if needsNotify {
		return c.p.wakeQueue.Notify()
	}
	return nil
}

// Release detaches the driver without running its normal close sequence,
// then tears the connection down.
func (c *Connection) Release() {
	c.ctx.mu.Lock()
	c.ctx.closing = true
	// Forced locally rather than routed through the driver: Release tears
	// the socket down immediately regardless of the driver's own protocol
	// state, so rearmCheck must stop wanting I/O without the driver's help.
	c.readClosed = true
	c.writeClosed = true
	// Release bypasses the ordinary Close notification: ReleaseConnection
	// is the driver's one callback for this path, not Close.
	c.closeNotified = true
	c.ctx.mu.Unlock()
	// Release bypasses drain's notifyClose branch entirely (closeNotified is
	// already true above), so the idle-timeout cancellation that branch would
	// otherwise perform has to happen here instead.
	if c.timer != nil {
		c.timer.Set(0)
	}
	c.driver.ReleaseConnection()
	c.ctx.wake()
}

// LocalAddr reports the connection's local endpoint, if known.
func (c *Connection) LocalAddr() string {
	c.ctx.mu.Lock()
	defer c.ctx.mu.Unlock()
	return c.localAddr
}

// RemoteAddr reports the connection's remote endpoint, if known.
func (c *Connection) RemoteAddr() string {
	c.ctx.mu.Lock()
	defer c.ctx.mu.Unlock()
	return c.remoteAddr
}

// UserData returns the value most recently passed to SetUserData.
func (c *Connection) UserData() interface{} {
	c.ctx.mu.Lock()
	defer c.ctx.mu.Unlock()
	return c.userData
}

// SetUserData attaches an opaque value to the connection for the caller's
// own bookkeeping.
func (c *Connection) SetUserData(v interface{}) {
	c.ctx.mu.Lock()
	c.userData = v
	c.ctx.mu.Unlock()
}

// requestDisconnect is Proactor.Disconnect's per-connection half: it stashes
// the condition and wakes, relying on this connection's own process() to
// perform the actual teardown on its next turn — see DESIGN.md for why this
// departs from the original's two-pass detach/reattach protocol.
func (c *Connection) requestDisconnect(cond error) {
	if cond != nil {
		c.driver.Errorf("proactor", "disconnect: %v", cond)
	}
	c.beginCloseAndWake(cond)
}

// isFinalLocked reports whether the connection has nothing left to wait for
// and may be freed: closing, unarmed, with no pending timer and no
// outstanding wake. Must be called with c.ctx.mu held.
func (c *Connection) isFinalLocked() bool {
	timerPending := c.timer != nil && c.timer.Pending()
	return c.ctx.closing && c.currentArm == 0 && !timerPending && c.ctx.wakeOps == 0
}

// rearmCheck computes the epoll mask this connection currently wants.
func (c *Connection) rearmCheck() uint32 {
	var mask uint32
	if !c.readClosed && !c.driver.ReadClosed() {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if !c.writeClosed && (c.writeBlocked || len(c.driver.WriteBuffer()) > 0) {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// rearmIfNeededLocked rearms fd's epoll registration if the wanted mask
// differs from currentArm, and never arms a zero mask. Must be called with
// c.ctx.mu held; unlocks and relocks around the syscall since Rearm must not
// run while holding application-visible state locks for longer than needed.
func (c *Connection) rearmIfNeededLocked() {
	if c.fd < 0 {
		return
	}
	wanted := c.rearmCheck()
	if wanted == c.currentArm {
		return
	}
	if wanted == 0 {
		c.currentArm = 0
		return
	}
	fd := c.fd
	c.ctx.mu.Unlock()
	c.p.rearmOrFatal(fd, wanted, "connection rearm")
	c.ctx.mu.Lock()
	c.currentArm = wanted
}

// process is the registry dispatch entry point: one raw epoll notification
// (on fd, on the timer fd, or a wake) feeds in here and process claims the
// working slot, drains, and returns a batch (or nil if another worker
// already owns this connection).
func (c *Connection) process(events uint32, isTimer bool, isWake bool) (Batch, error) {
	c.ctx.mu.Lock()
	if isTimer {
		c.timerArmed = false
		if c.timer.Callback() > 0 {
			c.tickPending = true
		}
	} else if isWake {
		// This dispatch is the delivery of the single queued wake slot;
		// release it now regardless of how many Wake() calls coalesced
		// into it — that count lives separately in wakeCount and only
		// governs how many CONNECTION_WAKE events drain() emits.
		c.ctx.wakeDone()
	} else {
		c.newEvents |= events
		c.haveEvents = true
	}
	if !c.ctx.claimWorking() {
		c.ctx.mu.Unlock()
		return nil, nil
	}
	c.ctx.mu.Unlock()
	return c.drain()
}

// drain runs the pump loop until it produces a non-empty batch, hits the hog
// limit, or finds nothing left to do. On a non-final return it releases the
// working claim itself via finishWorking.
func (c *Connection) drain() (Batch, error) {
	events := make([]Event, 0, 4)

	for {
		c.ctx.mu.Lock()

		wokeBy := c.wakeCount
		c.wakeCount = 0

		tick := c.tickPending
		c.tickPending = false

		ev := c.newEvents
		c.haveEvents = false
		c.newEvents = 0

		if !c.connected && ev&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			c.ctx.mu.Unlock()
			c.tryNextAddr()
			c.ctx.mu.Lock()
		} else if ev&unix.EPOLLIN != 0 {
			c.readBlocked = false
		} else if ev&unix.EPOLLRDHUP != 0 {
			c.readClosed = true
		}
		if ev&unix.EPOLLOUT != 0 {
			c.writeBlocked = false
		}
		if ev&(unix.EPOLLHUP|unix.EPOLLERR) != 0 && c.connected {
			c.readClosed = true
			c.writeClosed = true
		}
		if !c.connected && ev != 0 {
			c.connected = true
		}

		closing := c.ctx.closing
		notifyClose := closing && !c.closeNotified
		if notifyClose {
			c.closeNotified = true
		}

		c.currentArm = 0
		c.ctx.mu.Unlock()

		if notifyClose {
			c.driver.Close()
			// Mirrors pconnection_begin_close: a deadline outstanding at the
			// moment closing begins must be cancelled here, or isFinalLocked's
			// timerPending check could wait forever for a read that will
			// never happen again.
			if c.timer != nil {
				if err := c.timer.Set(0); err != nil {
					c.p.log().Warnf("timer cancel: %v", err)
				}
			}
		}

		if wokeBy > 0 {
			events = append(events, Event{Type: EventConnectionWake, Connection: c})
		}

		tickRequired := tick
		if c.pumpRead() {
			tickRequired = false
		}
		if tickRequired {
			c.tick()
		}
		c.pumpWrite()
		for c.driver.HasEvent() {
			payload, ok := c.driver.NextEvent()
			if !ok {
				break
			}
			events = append(events, Event{Type: EventTransport, Connection: c, Transport: payload})
		}

		c.ctx.mu.Lock()
		if cond := c.driver.Condition(); cond != nil && c.disconnectCond == nil {
			c.disconnectCond = cond
		}
		if c.driver.Finished() || (c.ctx.closing && c.readClosed && c.writeClosed) {
			c.ctx.closing = true
		}

		final := c.isFinalLocked()
		if final {
			cond := c.disconnectCond
			c.ctx.mu.Unlock()
			c.cleanup()
			if len(events) == 0 && cond != nil {
				events = append(events, Event{Type: EventTransport, Connection: c, Err: cond})
			}
			return &eventBatch{owner: c, events: events}, nil
		}

		c.rearmIfNeededLocked()
		c.rearmTimerIfNeededLocked()

		c.hogCount++
		more := c.haveEvents || c.tickPending || c.wakeCount > 0
		hogExceeded := c.hogCount > c.p.opts.HogMax
		c.ctx.mu.Unlock()

		if len(events) > 0 {
			c.ctx.mu.Lock()
			c.hogCount = 0
			c.ctx.finishWorking()
			c.ctx.mu.Unlock()
			return &eventBatch{owner: c, events: events, topup: c.topupBatch}, nil
		}
		if !more || hogExceeded {
			if hogExceeded {
				c.p.log().Warnw("connection hog limit reached, yielding to reactor loop",
					"remote", c.remoteAddr, "hogCount", c.hogCount, "hogMax", c.p.opts.HogMax)
			}
			c.ctx.mu.Lock()
			c.hogCount = 0
			c.ctx.finishWorking()
			c.ctx.mu.Unlock()
			return nil, nil
		}
		// Loop again: more work queued and still under the hog limit.
	}
}

// topupBatch re-enters drain to try to produce one more round of events,
// bounded by HogMax the same as any other drain call. It is wired as the
// topup hook on every non-terminal batch drain produces, and is invoked by
// eventBatch.Next() — not by Proactor.Done — so a batch's own caller is the
// one who receives whatever it tops up, mirroring pconnection_batch_next's
// in-place "top up once on exhaustion" behavior instead of draining
// work into a batch nobody is iterating.
func (c *Connection) topupBatch() (Batch, error) {
	c.ctx.mu.Lock()
	more := c.haveEvents || c.tickPending || c.wakeCount > 0
	claimed := false
	if more {
		claimed = c.ctx.claimWorking()
	}
	c.ctx.mu.Unlock()
	if !claimed {
		return nil, nil
	}
	return c.drain()
}

// done is invoked by Proactor.Done once the caller has finished consuming a
// batch this connection produced. By then any top-up this batch had to give
// already happened inside the caller's own Next() calls; done only has to
// self-wake if something else queued work in the narrow window after the
// last top-up attempt, mirroring pconnection_done's own "wake self if
// work_pending" check.
func (c *Connection) done() {
	c.ctx.mu.Lock()
	more := c.haveEvents || c.tickPending || c.wakeCount > 0
	c.ctx.mu.Unlock()
	if more {
		c.ctx.wake()
	}
}

// pumpRead performs at most one read(2) per drain iteration, per the
// non-greedy read policy. It reports whether a successful read happened, so
// drain can tick the idle-timeout deadline the way pconnection_process does
// unconditionally after pn_connection_driver_read_done.
func (c *Connection) pumpRead() bool {
	if c.fd < 0 || c.readClosed || c.readBlocked || c.driver.ReadClosed() {
		return false
	}
	buf := c.driver.ReadBuffer()
	if len(buf) == 0 {
		buf = c.scratch.B
	}
	if len(buf) == 0 {
		return false
	}
	n, err := unix.Read(c.fd, buf)
	switch {
	case n > 0:
		c.driver.ReadDone(n)
		c.tick()
		return true
	case n == 0:
		c.driver.ReadClose()
		c.ctx.mu.Lock()
		c.readClosed = true
		c.ctx.mu.Unlock()
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		c.ctx.mu.Lock()
		c.readBlocked = true
		c.ctx.mu.Unlock()
	case err == unix.EINTR:
		// Retried on the next drain iteration.
	default:
		c.driver.Errorf("proactor", "read: %v", err)
		c.driver.ReadClose()
		c.ctx.mu.Lock()
		c.readClosed = true
		c.writeClosed = true
		c.ctx.mu.Unlock()
	}
	return false
}

// pumpWrite drains as much of the driver's write buffer as the socket will
// accept in one go, shutting down the write half once the driver's own
// write side closes with nothing left queued.
func (c *Connection) pumpWrite() {
	for {
		if c.fd < 0 || c.writeClosed || c.writeBlocked {
			return
		}
		buf := c.driver.WriteBuffer()
		if len(buf) == 0 {
			if c.driver.WriteClosed() {
				unix.Shutdown(c.fd, unix.SHUT_WR)
				c.ctx.mu.Lock()
				c.writeClosed = true
				c.ctx.mu.Unlock()
			}
			return
		}
		n, err := unix.Write(c.fd, buf)
		switch {
		case n > 0:
			c.driver.WriteDone(n)
			if n < len(buf) {
				c.ctx.mu.Lock()
				c.writeBlocked = true
				c.ctx.mu.Unlock()
				return
			}
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			c.ctx.mu.Lock()
			c.writeBlocked = true
			c.ctx.mu.Unlock()
			return
		case err == unix.EINTR:
			continue
		default:
			c.driver.Errorf("proactor", "write: %v", err)
			c.ctx.mu.Lock()
			c.writeClosed = true
			c.readClosed = true
			c.ctx.mu.Unlock()
			return
		}
	}
}

// tick asks the driver for its next idle-timeout deadline and arms the
// per-connection timer accordingly, grounded on pconnection_tick. A driver
// with no idle timeout negotiated on either side is a no-op, so a
// connection that never negotiates one never touches the timerfd at all.
func (c *Connection) tick() {
	if c.timer == nil || (c.driver.IdleTimeout() == 0 && c.driver.RemoteIdleTimeout() == 0) {
		return
	}
	if err := c.timer.Set(0); err != nil {
		c.p.log().Warnf("timer reset: %v", err)
		return
	}
	next := c.driver.Tick(time.Now())
	if next.IsZero() {
		return
	}
	if d := time.Until(next); d > 0 {
		if err := c.timer.Set(d); err != nil {
			c.p.log().Warnf("timer arm: %v", err)
		}
	}
}

// rearmTimerIfNeededLocked rearms the timer fd's own EPOLLONESHOT
// registration if its last firing consumed it. Must be called with
// c.ctx.mu held; unlocks and relocks around the syscall, mirroring
// rearmIfNeededLocked.
func (c *Connection) rearmTimerIfNeededLocked() {
	if c.timer == nil || c.timerArmed {
		return
	}
	fd := c.timer.FD()
	c.ctx.mu.Unlock()
	c.p.rearmOrFatal(fd, unix.EPOLLIN, "connection timer rearm")
	c.ctx.mu.Lock()
	c.timerArmed = true
}

// cleanup removes the connection from the registry and poller, releases its
// fd and timer, and frees it from the proactor's live-context list. Called
// exactly once, from the drain loop's final-predicate branch — the single
// source of truth for freeing a connection.
func (c *Connection) cleanup() {
	c.p.regMu.Lock()
	delete(c.p.reg, c.fd)
	if c.timer != nil {
		delete(c.p.reg, c.timer.FD())
	}
	c.p.regMu.Unlock()

	if c.fd >= 0 {
		c.p.poller.Delete(c.fd)
		unix.Close(c.fd)
	}
	if c.timer != nil {
		c.p.poller.Delete(c.timer.FD())
		c.timer.Close()
	}
	c.driver.Destroy()
	bytebufferpool.Put(c.scratch)
	c.p.removeContext(c.ctx)
}
