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

// Package drivertest is a conformance harness for exercising a
// proactor.Driver implementation end to end, without every Driver author
// having to hand-roll a listener,
// an accept loop, and a worker pool of their own. It drives a real
// *proactor.Proactor over loopback TCP — it does not stub epoll or the
// connection state machine — so a Driver that passes it has actually been
// pumped through the reactor, not just unit-tested in isolation.
package drivertest

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-proactor/proactor"
)

// workerCount is the fixed size of the worker pool every Harness drains its
// Proactor with — small enough to run inside a test, large enough to expose
// a Driver that assumes single-threaded dispatch.
const workerCount = 2

// Harness runs a Proactor bound to a loopback listener and drains its
// batches on a small worker pool, recording every accepted connection and
// listener-level error for the test to consume. Construct one with New; it
// registers its own teardown with t.Cleanup.
type Harness struct {
	t testing.TB

	P  *proactor.Proactor
	Ln *proactor.Listener

	Accepted chan *proactor.Connection
	Errs     chan error

	ready    chan struct{}
	readyErr error

	closeOnce sync.Once
	done      chan struct{}
}

// New starts a Proactor configured with factory and listening on loopback,
// and begins draining it on workerCount worker loops. Extra options are
// applied after WithDriverFactory, so a caller may still override HogMax,
// ReadBufferSize, and the rest for the case under test.
func New(t testing.TB, factory proactor.DriverFactory, opts ...proactor.Option) *Harness {
	t.Helper()

	allOpts := append([]proactor.Option{proactor.WithDriverFactory(factory)}, opts...)
	p, err := proactor.New(allOpts...)
	require.NoError(t, err)

	ln, err := p.Listen("127.0.0.1:0", 0)
	require.NoError(t, err)

	h := &Harness{
		t:        t,
		P:        p,
		Ln:       ln,
		Accepted: make(chan *proactor.Connection, 16),
		Errs:     make(chan error, 16),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		proactor.RunWorkers(p, workerCount, func(b proactor.Batch) {
			for {
				ev, ok := b.Next()
				if !ok {
					return
				}
				h.dispatch(ev)
			}
		})
	}()

	t.Cleanup(h.Close)
	return h
}

func (h *Harness) dispatch(ev proactor.Event) {
	switch ev.Type {
	case proactor.EventListenerOpen:
		h.readyErr = ev.Err
		close(h.ready)
	case proactor.EventListenerAccept:
		conn, err := h.Ln.Accept()
		if err != nil {
			h.Errs <- err
			return
		}
		h.Accepted <- conn
	}
}

// Addr blocks until the listener has finished binding and returns its first
// bound address, failing the test if binding failed.
func (h *Harness) Addr() string {
	<-h.ready
	require.NoError(h.t, h.readyErr)
	addrs := h.Ln.Addrs()
	require.NotEmpty(h.t, addrs)
	return addrs[0]
}

// Dial opens a plain net.Conn to the harness's listener, for driving a
// Driver under test with raw bytes the way a real peer would.
func (h *Harness) Dial() (net.Conn, error) {
	return net.Dial("tcp", h.Addr())
}

// AcceptWithin waits up to d for the listener to surface a connection
// accepted by the reactor side (the side running factory's Driver).
func (h *Harness) AcceptWithin(d time.Duration) (*proactor.Connection, error) {
	select {
	case c := <-h.Accepted:
		return c, nil
	case err := <-h.Errs:
		return nil, err
	case <-time.After(d):
		return nil, fmt.Errorf("drivertest: timed out waiting for accept")
	}
}

// Close shuts the Proactor down and waits for the worker loops to return.
// Safe to call more than once; New registers it with t.Cleanup already, so
// callers only need it to end a test early.
func (h *Harness) Close() {
	h.closeOnce.Do(func() {
		_ = h.P.Close()
		<-h.done
	})
}

// RandomPayload returns n cryptographically random bytes, the same source
// client_test.go's round-trip tests use to rule out a Driver that happens to
// work only on predictable input.
func RandomPayload(t testing.TB, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(crand.Reader, buf)
	require.NoError(t, err)
	return buf
}

// EchoRoundTrip is the conformance check for any echo-style Driver:
// whatever a peer writes comes back unmodified. It dials
// the harness, writes payload, and requires the full echo to arrive within
// timeout.
func EchoRoundTrip(t testing.TB, h *Harness, payload []byte, timeout time.Duration) {
	t.Helper()

	conn, err := h.Dial()
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(timeout)))

	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
