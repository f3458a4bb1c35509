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

import "time"

// Driver is the external collaborator that turns raw bytes into protocol
// events and back. The reactor never interprets connection bytes itself —
// it only pumps Driver's read/write buffers and forwards whatever events
// Driver produces. A Driver implementation lives entirely outside this
// package; this repository's own tests use small echo drivers defined in
// their test files.
type Driver interface {
	// Init is called once, immediately after the connection is registered
	// with the proactor (before any I/O is attempted).
	Init(conn *Connection) error
	// Destroy releases any resources the driver holds. Called exactly once,
	// during connection cleanup.
	Destroy()
	// ReleaseConnection detaches the driver from its connection without
	// closing the underlying socket — used by Connection.Release.
	ReleaseConnection()

	// ReadBuffer returns the buffer the next read(2) should fill.
	ReadBuffer() []byte
	// ReadDone reports that n bytes were read into the buffer most
	// recently returned by ReadBuffer.
	ReadDone(n int)
	// ReadClose marks the read side closed (clean EOF or error).
	ReadClose()
	// ReadClosed reports whether the read side is closed.
	ReadClosed() bool

	// WriteBuffer returns the next chunk of bytes pending write(2).
	WriteBuffer() []byte
	// WriteDone reports that n bytes of the buffer most recently returned
	// by WriteBuffer were written.
	WriteDone(n int)
	// WriteClose marks the write side closed.
	WriteClose()
	// WriteClosed reports whether the write side is closed.
	WriteClosed() bool

	// NextEvent pops the next pending driver-level event, if any.
	NextEvent() (interface{}, bool)
	// HasEvent reports whether NextEvent would return one.
	HasEvent() bool
	// Finished reports whether the driver considers the connection
	// permanently done (both sides closed, no more events to emit).
	Finished() bool

	// Close asks the driver to begin shutting down, e.g. in response to a
	// socket error.
	Close()
	// Errorf records a named error condition on the driver, surfaced later
	// via Condition.
	Errorf(name, format string, args ...interface{})
	// Condition reports the driver's most recently recorded error, if any.
	Condition() error

	// Tick advances the driver's idle-timeout state machine and returns the
	// next deadline at which Tick should be called again; a zero Time means
	// no tick is currently needed.
	Tick(now time.Time) time.Time
	// IdleTimeout reports the driver's configured idle timeout, or zero if
	// none.
	IdleTimeout() time.Duration
	// RemoteIdleTimeout reports the peer's advertised idle timeout, or zero
	// if unknown.
	RemoteIdleTimeout() time.Duration
	// SetServer marks the driver as the accepting (server) side of the
	// connection, as opposed to the connecting (client) side.
	SetServer()
}

// DriverFactory builds a fresh Driver for a new connection, whether it
// originated from Connect or from a Listener's Accept.
type DriverFactory func() Driver
