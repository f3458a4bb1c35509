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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitBatch polls Get until it returns a non-nil batch or the deadline
// passes; tests drive the proactor this way instead of a blocking Wait so a
// stuck assertion fails instead of hanging the test run.
func waitBatch(t *testing.T, p *Proactor, timeout time.Duration) Batch {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		b, err := p.Get()
		require.NoError(t, err)
		if b != nil {
			return b
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a batch")
	return nil
}

func TestListenReportsOpenWithBoundAddress(t *testing.T) {
	p := newTestProactor(t)

	ln, err := p.Listen("127.0.0.1:0", 0)
	require.NoError(t, err)

	b := waitBatch(t, p, 2*time.Second)
	ev, ok := b.Next()
	require.True(t, ok)
	require.Equal(t, EventListenerOpen, ev.Type)
	require.NoError(t, ev.Err)
	p.Done(b)

	addrs := ln.Addrs()
	require.Len(t, addrs, 1)
	_, port, err := net.SplitHostPort(addrs[0])
	require.NoError(t, err)
	require.NotEqual(t, "0", port)
}

func TestListenerAcceptBackpressure(t *testing.T) {
	p := newTestProactor(t)

	ln, err := p.Listen("127.0.0.1:0", 0)
	require.NoError(t, err)

	b := waitBatch(t, p, 2*time.Second)
	ev, _ := b.Next()
	require.Equal(t, EventListenerOpen, ev.Type)
	p.Done(b)

	addr := ln.Addrs()[0]

	dialer1, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer dialer1.Close()

	b = waitBatch(t, p, 2*time.Second)
	ev, ok := b.Next()
	require.True(t, ok)
	require.Equal(t, EventListenerAccept, ev.Type)
	_, ok = b.Next()
	require.False(t, ok, "exactly one accept event for one incoming connection")

	// A second incoming connection must not surface as a LISTENER_ACCEPT
	// yet: the first one hasn't been Accept()-ed, so the listening fd is
	// still unrearmed. Get is non-blocking, so this just has to see nothing
	// new for a little while — it can't prove a negative for all time, but
	// it does rule out the fd being rearmed before Accept.
	dialer2, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer dialer2.Close()

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		nb, err := p.Get()
		require.NoError(t, err)
		require.Nil(t, nb, "no further accept should surface before the first is consumed")
		time.Sleep(10 * time.Millisecond)
	}

	// Consuming the first accept and calling Done rearms the listening fd,
	// which should now surface the second, already-pending connection.
	conn1, err := ln.Accept()
	require.NoError(t, err)
	defer conn1.Release()
	p.Done(b)

	b = waitBatch(t, p, 2*time.Second)
	ev, ok = b.Next()
	require.True(t, ok)
	require.Equal(t, EventListenerAccept, ev.Type)
	p.Done(b)

	conn2, err := ln.Accept()
	require.NoError(t, err)
	defer conn2.Release()
}

func TestListenerCloseDeliversCloseEvent(t *testing.T) {
	p := newTestProactor(t)

	ln, err := p.Listen("127.0.0.1:0", 0)
	require.NoError(t, err)

	b := waitBatch(t, p, 2*time.Second)
	ev, _ := b.Next()
	require.Equal(t, EventListenerOpen, ev.Type)
	p.Done(b)

	require.NoError(t, ln.Close())

	b = waitBatch(t, p, 2*time.Second)
	ev, ok := b.Next()
	require.True(t, ok)
	require.Equal(t, EventListenerClose, ev.Type)
	p.Done(b)
}

func TestListenInvalidAddress(t *testing.T) {
	p := newTestProactor(t)

	_, err := p.Listen("", 0)
	require.Error(t, err)
}
