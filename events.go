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

// EventType names an event emitted by a Batch.
type EventType int

const (
	// EventConnectionWake is posted at most once per drain cycle regardless
	// of how many external Wake calls accumulated in between.
	EventConnectionWake EventType = iota
	// EventListenerOpen is always posted once for every Listen call that returns a Listener,
	// even when every resolved bind address failed.
	EventListenerOpen
	// EventListenerAccept indicates a listener socket has a connection
	// ready for Accept.
	EventListenerAccept
	// EventListenerClose is the final event a listener's batch delivers.
	EventListenerClose
	// EventProactorInterrupt is posted once per Interrupt call; interrupts
	// never coalesce.
	EventProactorInterrupt
	// EventProactorTimeout is posted when the global deadline set by
	// SetTimeout elapses (or was set to zero, firing immediately).
	EventProactorTimeout
	// EventProactorInactive is posted exactly once, when the set of live
	// connections and listeners becomes empty with no disconnect pending.
	EventProactorInactive
	// EventTransport wraps an event produced by a connection's Driver.
	EventTransport
)

// String renders an EventType for logging.
func (t EventType) String() string {
	switch t {
	case EventConnectionWake:
		return "CONNECTION_WAKE"
	case EventListenerOpen:
		return "LISTENER_OPEN"
	case EventListenerAccept:
		return "LISTENER_ACCEPT"
	case EventListenerClose:
		return "LISTENER_CLOSE"
	case EventProactorInterrupt:
		return "PROACTOR_INTERRUPT"
	case EventProactorTimeout:
		return "PROACTOR_TIMEOUT"
	case EventProactorInactive:
		return "PROACTOR_INACTIVE"
	case EventTransport:
		return "TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// Event is one unit of a Batch.
type Event struct {
	Type       EventType
	Connection *Connection
	Listener   *Listener
	Err        error
	// Transport carries the driver-level payload when Type==EventTransport.
	Transport interface{}
}

// Batch is an owned handle returned by Wait/Get that yields events for one
// context until drained and returned via Done. The owner's identity tells
// the caller which kind of context produced it, replacing the original
// implementation's offsetof-recovered pointer: instead of reinterpreting a
// raw pointer, the batch simply carries a typed owner.
type Batch interface {
	// Next returns the next event in the batch, or ok==false when drained.
	Next() (Event, bool)
	// Owner returns the context that produced the batch: *Connection,
	// *Listener, or *Proactor.
	Owner() interface{}
}

// eventBatch is the concrete Batch implementation shared by every context
// kind; the events slice is populated by the owning context's process()
// before the batch is handed to a worker.
//
// topup, when set, is tried exactly once, the first time Next() finds
// events exhausted — mirroring pconnection_batch_next's single top-up
// attempt via pconnection_process(..., topup=true) before reporting the
// batch drained. A batch returned from a context's terminal cleanup path
// carries no topup: there is nothing left to top up.
type eventBatch struct {
	owner  interface{}
	events []Event
	pos    int

	topup    func() (Batch, error)
	toppedUp bool
}

func (b *eventBatch) Next() (Event, bool) {
	if b.pos < len(b.events) {
		ev := b.events[b.pos]
		b.pos++
		return ev, true
	}
	if b.toppedUp || b.topup == nil {
		return Event{}, false
	}
	b.toppedUp = true
	nb, err := b.topup()
	if err != nil || nb == nil {
		return Event{}, false
	}
	next, ok := nb.(*eventBatch)
	if !ok || len(next.events) == 0 {
		return Event{}, false
	}
	b.events = next.events
	b.pos = 0
	ev := b.events[b.pos]
	b.pos++
	return ev, true
}

func (b *eventBatch) Owner() interface{} { return b.owner }
