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

// Package netpoll wraps the raw epoll syscalls the proactor needs. Unlike a
// traditional reactor poller that arms every fd persistently and dispatches
// a batch of events per wait, every registration here is EPOLLONESHOT: once
// an fd fires, the kernel disarms it and it delivers nothing further until
// explicitly rearmed. This lets many worker threads safely share one epoll
// instance without two of them ever being woken for the same fd at once.
package netpoll

import (
	"os"

	"golang.org/x/sys/unix"
)

// Poller wraps a single epoll instance used in EPOLLONESHOT, single-event
// wait mode: every fd registered through Add/Rearm fires at most once
// until explicitly rearmed, and Wait returns one ready fd at a time rather
// than a batch — this mirrors the underlying reactor polling a single
// event per epoll_wait call and handing exactly one unit of work to its
// caller.
type Poller struct {
	fd int
}

// Open creates a new epoll instance.
func Open() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{fd: fd}, nil
}

// Close releases the epoll instance.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

// FD returns the underlying epoll file descriptor.
func (p *Poller) FD() int { return p.fd }

// Add registers fd for the given event mask with EPOLLONESHOT. Adding for a
// zero event mask is a caller error — a fd with nothing wanted should
// simply not be registered, since arming for zero events yields a
// registration that can never fire and never gets cleaned up implicitly.
func (p *Poller) Add(fd int, events uint32) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: events | unix.EPOLLONESHOT}
	return os.NewSyscallError("epoll_ctl add", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev))
}

// Rearm re-arms an already-registered fd for the given event mask with
// EPOLLONESHOT. Failure here (other than ENOENT, meaning the fd was
// already removed elsewhere) on an fd the caller believes is live is a
// fatal condition — it means the kernel's and the proactor's bookkeeping
// have diverged, and callers should treat it as such rather than retry.
func (p *Poller) Rearm(fd int, events uint32) error {
	ev := unix.EpollEvent{Fd: int32(fd), Events: events | unix.EPOLLONESHOT}
	return os.NewSyscallError("epoll_ctl mod", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev))
}

// Delete deregisters fd. Safe to call even if the fd was never registered
// or already closed underneath the poller; ENOENT and EBADF are swallowed
// since the caller's goal — "this fd no longer generates events" — is
// already satisfied in both cases.
func (p *Poller) Delete(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// Wait blocks for at most timeoutMs (or forever, if negative) waiting for a
// single ready fd and returns it along with the events that fired. ok is
// false on timeout. EINTR is retried transparently.
func (p *Poller) Wait(timeoutMs int) (fd int, events uint32, ok bool, err error) {
	var ev [1]unix.EpollEvent
	for {
		n, werr := unix.EpollWait(p.fd, ev[:], timeoutMs)
		if werr == unix.EINTR {
			continue
		}
		if werr != nil {
			return 0, 0, false, os.NewSyscallError("epoll_wait", werr)
		}
		if n == 0 {
			return 0, 0, false, nil
		}
		return int(ev[0].Fd), ev[0].Events, true, nil
	}
}
