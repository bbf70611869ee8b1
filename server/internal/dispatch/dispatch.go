// Package dispatch implements the single-goroutine cooperative event loop
// that owns all session and plug-in state. Every other goroutine (stream
// readers, datagram readers, plug-in worker threads, timers) communicates
// into the loop only by sending on a channel; the loop is the one place
// state is ever mutated, with separate I/O-readiness, timer, and
// cross-thread-signal listener kinds.
package dispatch

import (
	"context"
	"sync"
	"time"
)

// Event is anything the loop selects on. A Ready event carries a Key
// identifying which listener posted it and an opaque Payload.
type Event struct {
	Key     string
	Payload any
}

// Handler processes one Event. Returning true tells the dispatcher to
// deregister the listener that produced it.
type Handler func(Event) bool

// Dispatcher is the single-threaded owner of a set of named listeners. Call
// Run from exactly one goroutine; every other goroutine interacts with it
// only via Post, Signal, or by registering through AddTimer/AddSource before
// Run starts (AddTimer/AddSource may also be called from inside a Handler,
// running on the loop goroutine itself — the "setFromCallback" case).
type Dispatcher struct {
	events  chan Event
	mu      sync.Mutex // guards handlers; Post/Signal may run off-loop
	handlers map[string]Handler
	timers   map[string]*time.Timer
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Dispatcher with the given inbound event queue depth.
func New(queueDepth int) *Dispatcher {
	return &Dispatcher{
		events:   make(chan Event, queueDepth),
		handlers: make(map[string]Handler),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
}

// AddSource registers a handler for events posted under key. Safe to call
// before Run, or from within a Handler running on the loop (registering a
// new listener from inside a callback).
func (d *Dispatcher) AddSource(key string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[key] = h
}

// RemoveSource deregisters the handler for key.
func (d *Dispatcher) RemoveSource(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, key)
}

// AddTimer schedules h to run after `first`, then every `repeat` thereafter
// (repeat == 0 means one-shot). The timer's key may later be cancelled via
// RemoveSource.
func (d *Dispatcher) AddTimer(key string, first, repeat time.Duration, h Handler) {
	d.AddSource(key, h)
	var t *time.Timer
	t = time.AfterFunc(first, func() {
		select {
		case d.events <- Event{Key: key}:
		case <-d.stopCh:
			return
		}
		if repeat > 0 {
			d.mu.Lock()
			_, stillRegistered := d.handlers[key]
			d.mu.Unlock()
			if stillRegistered {
				t.Reset(repeat)
			}
		}
	})
	d.mu.Lock()
	d.timers[key] = t
	d.mu.Unlock()
}

// Post delivers an event to the loop from any goroutine. This, together
// with Signal, is the ONLY sanctioned way a non-loop goroutine touches
// dispatcher state: it never reaches into handlers directly.
func (d *Dispatcher) Post(key string, payload any) {
	select {
	case d.events <- Event{Key: key, Payload: payload}:
	case <-d.stopCh:
	}
}

// QueueLen reports how many events are currently buffered waiting for the
// loop goroutine, for the operator console's metrics surface. Racy by
// nature (the loop drains concurrently) — a snapshot, not a guarantee.
func (d *Dispatcher) QueueLen() int {
	return len(d.events)
}

// Signal is an alias for Post, kept distinct in name to mark a separate
// "cross-thread signal" listener kind (a signal-key plus opaque payload,
// woken through a self-pipe) even though the mechanism — a buffered
// channel — is identical to a readiness Post in this implementation.
func (d *Dispatcher) Signal(key string, payload any) {
	d.Post(key, payload)
}

// Run processes events until the context is cancelled or Stop is called.
// No Handler may block; a Handler that needs to wait should schedule a
// timer (AddTimer) or store its own continuation and return promptly.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return
		case <-d.stopCh:
			return
		case ev := <-d.events:
			d.mu.Lock()
			h, ok := d.handlers[ev.Key]
			d.mu.Unlock()
			if !ok {
				continue
			}
			if remove := h(ev); remove {
				d.RemoveSource(ev.Key)
			}
		}
	}
}

// Stop ends the loop at its next iteration. Safe to call more than once and
// from any goroutine.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.mu.Lock()
		for _, t := range d.timers {
			t.Stop()
		}
		d.mu.Unlock()
	})
}
