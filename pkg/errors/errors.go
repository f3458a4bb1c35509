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

// Package errors defines the sentinel errors shared across the proactor
// packages.
package errors

import "errors"

var (
	// ErrProactorClosed occurs when an operation is attempted on a proactor
	// that has already been freed.
	ErrProactorClosed = errors.New("proactor: proactor is closed")
	// ErrEngineShutdown is the condition Proactor.Close hands to every live
	// connection and listener; it surfaces as the Err of their closing
	// events and as a listener's Condition.
	ErrEngineShutdown = errors.New("proactor: shutting down")
	// ErrInvalidAddress occurs when an address string cannot be parsed into
	// host and port.
	ErrInvalidAddress = errors.New("proactor: invalid address")
	// ErrNoAddrInfo occurs when address resolution returns no usable records.
	ErrNoAddrInfo = errors.New("proactor: address resolution returned no records")
	// ErrConnectExhausted occurs when every resolved address has been tried
	// and none of the attempted connects succeeded.
	ErrConnectExhausted = errors.New("proactor: exhausted all resolved addresses")
	// ErrListenFailed occurs when none of the resolved addresses of a listen
	// request could be bound.
	ErrListenFailed = errors.New("proactor: failed to bind any resolved address")
	// ErrAcceptNotReady occurs when Accept is called on a listener with no
	// pending acceptable socket.
	ErrAcceptNotReady = errors.New("proactor: no connection ready to accept")
	// ErrListenerClosing occurs when Accept is called on a listener that is
	// in the process of closing.
	ErrListenerClosing = errors.New("proactor: listener is closing")
	// ErrNilDriverFactory occurs when Connect/Accept is invoked without a
	// configured driver factory.
	ErrNilDriverFactory = errors.New("proactor: no driver factory configured")
)
