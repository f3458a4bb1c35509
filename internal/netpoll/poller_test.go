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

package netpoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerOneshotDoesNotRefireWithoutRearm(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	fds, err := socketPair(t)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], unix.EPOLLIN))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	fd, events, ok, err := p.Wait(1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fds[0], fd)
	assert.NotZero(t, events&unix.EPOLLIN)

	// Without a rearm, a second byte sitting in the socket must not
	// produce another wakeup.
	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)

	_, _, ok, err = p.Wait(100)
	require.NoError(t, err)
	assert.False(t, ok, "oneshot fd fired again before being rearmed")
}

func TestPollerRearmRefires(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	fds, err := socketPair(t)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], unix.EPOLLIN))
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	_, _, ok, err := p.Wait(1000)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, p.Rearm(fds[0], unix.EPOLLIN))
	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)

	_, _, ok, err = p.Wait(1000)
	require.NoError(t, err)
	assert.True(t, ok, "rearmed fd should fire again")
}

func TestPollerDeleteIsIdempotent(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	fds, err := socketPair(t)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], unix.EPOLLIN))
	require.NoError(t, p.Delete(fds[0]))
	assert.NoError(t, p.Delete(fds[0]))
}

func TestPollerWaitTimesOut(t *testing.T) {
	p, err := Open()
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	_, _, ok, err := p.Wait(50)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func socketPair(t *testing.T) ([2]int, error) {
	t.Helper()
	return unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
}
