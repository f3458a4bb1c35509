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
	"fmt"
	"sync"
	"time"
)

// testDriver is the minimal Driver used across this package's own tests: it
// mirrors whatever bytes it reads straight back to the write side, plus a
// few counters tests assert on.
type testDriver struct {
	mu sync.Mutex

	conn *Connection

	readBuf  []byte
	pending  []byte
	writeOff int
	// received accumulates every byte ReadDone delivered; unlike pending,
	// the echo write side never clears it.
	received []byte

	readClosed  bool
	writeClosed bool
	released    bool
	closed      bool
	cond        error

	initCount    int
	destroyCount int
	server       bool
}

func newTestDriver() Driver {
	return &testDriver{readBuf: make([]byte, 4096)}
}

func (d *testDriver) Init(conn *Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = conn
	d.initCount++
	return nil
}

func (d *testDriver) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyCount++
}

func (d *testDriver) ReleaseConnection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = nil
	d.released = true
}

func (d *testDriver) SetServer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.server = true
}

func (d *testDriver) ReadBuffer() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.readClosed {
		return nil
	}
	return d.readBuf
}

func (d *testDriver) ReadDone(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, d.readBuf[:n]...)
	d.received = append(d.received, d.readBuf[:n]...)
}

func (d *testDriver) ReadClose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readClosed = true
}

func (d *testDriver) ReadClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readClosed
}

func (d *testDriver) WriteBuffer() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeOff >= len(d.pending) {
		return nil
	}
	return d.pending[d.writeOff:]
}

func (d *testDriver) WriteDone(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeOff += n
	if d.writeOff >= len(d.pending) {
		d.pending = d.pending[:0]
		d.writeOff = 0
	}
}

func (d *testDriver) WriteClose() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeClosed = true
}

func (d *testDriver) WriteClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeClosed || (d.readClosed && d.writeOff >= len(d.pending))
}

func (d *testDriver) NextEvent() (interface{}, bool) { return nil, false }
func (d *testDriver) HasEvent() bool                 { return false }

func (d *testDriver) Finished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readClosed && d.writeOff >= len(d.pending)
}

func (d *testDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.readClosed = true
	d.writeClosed = true
}

func (d *testDriver) Errorf(name, format string, args ...interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cond = fmt.Errorf("%s: %s", name, fmt.Sprintf(format, args...))
}

func (d *testDriver) Condition() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cond
}

func (d *testDriver) Tick(now time.Time) time.Time     { return time.Time{} }
func (d *testDriver) IdleTimeout() time.Duration       { return 0 }
func (d *testDriver) RemoteIdleTimeout() time.Duration { return 0 }

func (d *testDriver) wasClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *testDriver) wasReleased() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}
