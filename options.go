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
	"time"

	"github.com/go-proactor/proactor/pkg/logging"
)

// Option configures a Proactor at construction time.
type Option func(opts *Options)

func initOptions(options ...Option) *Options {
	opts := &Options{
		HogMax:         defaultHogMax,
		ReadBufferSize: defaultReadBufferSize,
		WorkerCount:    defaultWorkerCount,
		Backlog:        defaultBacklog,
		Logger:         logging.GetDefaultLogger(),
	}
	for _, option := range options {
		option(opts)
	}
	return opts
}

const (
	defaultHogMax         = 3
	defaultReadBufferSize = 64 * 1024
	defaultWorkerCount    = 4
	defaultBacklog        = 128
)

// Options holds every knob a Proactor accepts.
type Options struct {
	// Logger receives structured diagnostics. Defaults to the package's
	// default zap-backed logger.
	Logger logging.Logger

	// HogMax bounds how many times a worker may top up a single batch
	// before being forced back to the reactor loop, giving other contexts
	// a turn. Spec default: 3.
	HogMax int

	// ReadBufferSize sizes the scratch buffer new connections use to pull
	// bytes off the wire before handing them to the Driver.
	ReadBufferSize int

	// WorkerCount sizes the bounded goroutine pool used by RunWorkers and
	// by asynchronous address resolution.
	WorkerCount int

	// Backlog is the default listen(2) backlog used when Listen's caller
	// passes a backlog <= 0.
	Backlog int

	// DriverFactory builds a Driver for every new connection, whether
	// dialed via Connect or accepted via a Listener. Required.
	DriverFactory DriverFactory
}

// WithLogger overrides the default logger.
func WithLogger(l logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithHogMax overrides the topup hog limit.
func WithHogMax(n int) Option {
	return func(o *Options) { o.HogMax = n }
}

// WithReadBufferSize overrides the per-connection read scratch buffer size.
func WithReadBufferSize(n int) Option {
	return func(o *Options) { o.ReadBufferSize = n }
}

// WithWorkerCount overrides the bounded goroutine pool size used for
// RunWorkers and asynchronous resolution.
func WithWorkerCount(n int) Option {
	return func(o *Options) { o.WorkerCount = n }
}

// WithBacklog overrides the default listen backlog.
func WithBacklog(n int) Option {
	return func(o *Options) { o.Backlog = n }
}

// WithDriverFactory sets the factory used to build a Driver for every new
// connection. Required — Connect and a Listener's Accept both fail with
// ErrNilDriverFactory if this is unset.
func WithDriverFactory(f DriverFactory) Option {
	return func(o *Options) { o.DriverFactory = f }
}

// idleResolveTimeout bounds how long asynchronous DNS resolution (§5.2) may
// take before Connect reports a resolution error.
const idleResolveTimeout = 30 * time.Second
