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
	"runtime"

	perrors "github.com/go-proactor/proactor/pkg/errors"
)

// These re-export pkg/errors' sentinels under the package's own name, so
// callers can write proactor.ErrListenFailed instead of reaching into the
// errors subpackage directly.
var (
	ErrProactorClosed   = perrors.ErrProactorClosed
	ErrEngineShutdown   = perrors.ErrEngineShutdown
	ErrInvalidAddress   = perrors.ErrInvalidAddress
	ErrNoAddrInfo       = perrors.ErrNoAddrInfo
	ErrConnectExhausted = perrors.ErrConnectExhausted
	ErrListenFailed     = perrors.ErrListenFailed
	ErrAcceptNotReady   = perrors.ErrAcceptNotReady
	ErrListenerClosing  = perrors.ErrListenerClosing
	ErrNilDriverFactory = perrors.ErrNilDriverFactory
)

// FatalError is panicked for the handful of syscall failures
// original_source/epoll.c's EPOLL_FATAL macro treats as unrecoverable:
// an EPOLL_CTL_MOD on an fd the proactor itself registered, or a write to
// the wake doorbell's eventfd. Both mean the kernel's bookkeeping and the
// proactor's own have diverged — there is nothing a caller can retry.
type FatalError struct {
	File string
	Line int
	Op   string
	Err  error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %v", e.File, e.Line, e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// fatalf panics with a FatalError identifying the failing operation, its
// caller's file:line, and the underlying error.
func fatalf(op string, err error) {
	_, file, line, _ := runtime.Caller(1)
	panic(&FatalError{File: file, Line: line, Op: op, Err: err})
}
