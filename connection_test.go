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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectWithoutDriverFactory(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Connect("127.0.0.1:5672")
	require.ErrorIs(t, err, ErrNilDriverFactory)
}

func TestConnectInvalidAddress(t *testing.T) {
	p := newTestProactor(t)

	_, err := p.Connect("")
	require.Error(t, err)
}

func TestConnectExhaustsUnreachableAddress(t *testing.T) {
	p := newTestProactor(t)

	// Port 1 on a literal loopback IP resolves to exactly one address and,
	// with no listener on that port, fails to connect, so this exercises
	// tryNextAddr's exhaustion path.
	_, err := p.Connect("127.0.0.1:1")

	// Connect itself only fails synchronously for setup errors (bad
	// address, no driver factory); a refused/unreachable dial surfaces
	// later as a TRANSPORT event carrying ErrConnectExhausted or a
	// connection-refused error once resolveAndConnect's pool goroutine
	// runs, which this test observes via the batch below.
	require.NoError(t, err)

	b := waitBatch(t, p, 5*time.Second)
	ev, ok := b.Next()
	require.True(t, ok)
	require.Equal(t, EventTransport, ev.Type)
	require.Error(t, ev.Err)
	p.Done(b)
}

func TestConnectAndEchoRoundTrip(t *testing.T) {
	p := newTestProactor(t)

	ln, err := p.Listen("127.0.0.1:0", 0)
	require.NoError(t, err)

	b := waitBatch(t, p, 2*time.Second)
	ev, _ := b.Next()
	require.Equal(t, EventListenerOpen, ev.Type)
	p.Done(b)

	addr := ln.Addrs()[0]

	client, err := p.Connect(addr)
	require.NoError(t, err)

	// Drain events until the listener reports the accept and the client
	// reports it can proceed; order between them is not guaranteed.
	var server *Connection
	deadline := time.Now().Add(5 * time.Second)
	for server == nil && time.Now().Before(deadline) {
		cb, err := p.Get()
		require.NoError(t, err)
		if cb == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if _, isListener := cb.Owner().(*Listener); isListener {
			for {
				e, ok := cb.Next()
				if !ok {
					break
				}
				if e.Type == EventListenerAccept {
					server, err = ln.Accept()
					require.NoError(t, err)
				}
			}
		}
		p.Done(cb)
	}
	require.NotNil(t, server, "server-side connection must have been accepted")

	clientDrv := client.driver.(*testDriver)
	clientDrv.mu.Lock()
	clientDrv.pending = append(clientDrv.pending, []byte("hello")...)
	clientDrv.mu.Unlock()
	require.NoError(t, client.Wake())

	serverDrv := server.driver.(*testDriver)
	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		serverDrv.mu.Lock()
		got := append([]byte(nil), serverDrv.received...)
		serverDrv.mu.Unlock()
		if string(got) == "hello" {
			return
		}
		cb, err := p.Get()
		require.NoError(t, err)
		if cb != nil {
			p.Done(cb)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("server driver never observed the bytes the client wrote")
}
