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

package ptimer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func waitReadable(t *testing.T, fd int, timeout time.Duration) bool {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	require.NoError(t, err)
	return n > 0
}

func TestTimerFiresOnce(t *testing.T) {
	tm, err := New()
	require.NoError(t, err)
	defer tm.Close()

	require.NoError(t, tm.Set(20*time.Millisecond))
	require.True(t, waitReadable(t, tm.FD(), time.Second))
	assert.Equal(t, 1, tm.Callback())
	assert.False(t, tm.Pending())
}

func TestTimerSupersededSetIsSkipped(t *testing.T) {
	tm, err := New()
	require.NoError(t, err)
	defer tm.Close()

	require.NoError(t, tm.Set(5*time.Millisecond))
	// Give the first expiry a chance to actually land in the kernel queue.
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, tm.Set(20*time.Millisecond))

	require.True(t, waitReadable(t, tm.FD(), time.Second))
	// The stale expiry from the first Set must be discarded, not reported.
	assert.Equal(t, 0, tm.Callback())

	require.True(t, waitReadable(t, tm.FD(), time.Second))
	assert.Equal(t, 1, tm.Callback())
}

func TestTimerRearmBeforeFire(t *testing.T) {
	tm, err := New()
	require.NoError(t, err)
	defer tm.Close()

	require.NoError(t, tm.Set(200*time.Millisecond))
	// Supersede before the kernel ever gets a chance to latch the first
	// arm's expiry — the race Set's old/new-value bookkeeping must handle
	// without relying on the first arm having already fired.
	require.NoError(t, tm.Set(20*time.Millisecond))

	require.True(t, waitReadable(t, tm.FD(), time.Second))
	assert.Equal(t, 1, tm.Callback())
	assert.False(t, tm.Pending())

	// The superseded 200ms arm was cleanly cancelled by the kernel, not
	// merely masked by skip accounting, so nothing more ever fires.
	assert.False(t, waitReadable(t, tm.FD(), 300*time.Millisecond))
}

func TestTimerDisarm(t *testing.T) {
	tm, err := New()
	require.NoError(t, err)
	defer tm.Close()

	require.NoError(t, tm.Set(10*time.Millisecond))
	require.NoError(t, tm.Set(0))
	assert.False(t, tm.Pending())
}
