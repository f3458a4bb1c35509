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

	"github.com/stretchr/testify/require"
)

func newTestProactor(t *testing.T) *Proactor {
	t.Helper()
	p, err := New(WithDriverFactory(newTestDriver))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestContextWakeCoalescesOutstandingOps(t *testing.T) {
	p := newTestProactor(t)
	c := newContext(p, ctxConnection, nil)

	c.mu.Lock()
	notify1 := c.wakeLocked()
	notify2 := c.wakeLocked()
	opsAfterTwo := c.wakeOps
	c.mu.Unlock()

	require.True(t, notify1, "first wakeLocked call must request a doorbell notify")
	require.False(t, notify2, "second call while already queued must not request another notify")
	require.Equal(t, 1, opsAfterTwo, "wakeOps is a gate, not a counter of Push calls")

	c.mu.Lock()
	c.wakeDone()
	opsAfterDone := c.wakeOps
	c.mu.Unlock()
	require.Equal(t, 0, opsAfterDone)
}

func TestContextWakeDoneIsSaturating(t *testing.T) {
	p := newTestProactor(t)
	c := newContext(p, ctxConnection, nil)

	c.mu.Lock()
	c.wakeDone() // no outstanding op queued; must not underflow below zero
	ops := c.wakeOps
	c.mu.Unlock()
	require.Equal(t, 0, ops)
}

func TestContextClaimWorkingSerializesDispatch(t *testing.T) {
	p := newTestProactor(t)
	c := newContext(p, ctxConnection, nil)

	c.mu.Lock()
	first := c.claimWorking()
	second := c.claimWorking()
	c.mu.Unlock()

	require.True(t, first, "first claim must succeed")
	require.False(t, second, "a context already being worked must refuse a second claim")

	c.mu.Lock()
	c.finishWorking()
	third := c.claimWorking()
	c.mu.Unlock()
	require.True(t, third, "claim must succeed again once finishWorking releases it")
}
