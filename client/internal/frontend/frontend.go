// Package frontend implements the optional back-end/front-end split: the
// dispatcher goroutine ("back end") runs the network state machine and
// never blocks; an interactive goroutine ("front end") can register to
// receive selected messages without ever touching dispatcher state
// directly. The "pipe" is a buffered channel of *wire.MessageBuffer with
// ownership transferred on send: bytes are effectively pointers to message
// buffers, one pointer per enqueued message.
//
// client/internal/session handles each roster notification inline on the
// dispatcher goroutine and, when a front end is enabled, also forwards it
// by handing Pipe.Enqueue its own reference (Ref) to the same buffer. This
// package only implements the pipe and the front end's own dispatch-by-ID;
// client/internal/session decides which messages get forwarded here.
package frontend

import (
	"context"
	"log/slog"
	"sync"

	"vci/client/internal/proto"
	"vci/client/internal/wire"
)

// Handler processes one forwarded message's body on the front-end goroutine.
// r is positioned at the start of the body and byte-swaps multi-byte fields
// when the originating connection's byte order differs from this host's,
// using the swap flag the back end passed to Enqueue.
type Handler func(r *wire.Reader)

type envelope struct {
	buf  *wire.MessageBuffer
	swap bool
}

// Pipe is the front-end message queue for one client session. The zero
// value is not usable; construct with New.
type Pipe struct {
	ch chan envelope

	mu       sync.Mutex
	handlers map[proto.MessageID]Handler

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Pipe with the given queue depth. A depth of a few dozen is
// typically enough headroom for an interactive UI that wakes every frame;
// the back end never blocks on a full pipe regardless of depth (see
// Enqueue).
func New(queueDepth int) *Pipe {
	return &Pipe{
		ch:       make(chan envelope, queueDepth),
		handlers: make(map[proto.MessageID]Handler),
		stopCh:   make(chan struct{}),
	}
}

// RegisterHandler binds a front-end Handler to a message ID. Safe to call
// from any goroutine, including the front end's own Run loop (the
// front-end's equivalent of dispatch's "setFromCallback" case).
func (p *Pipe) RegisterHandler(id proto.MessageID, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[id] = h
}

// RemoveHandler unregisters a message ID.
func (p *Pipe) RemoveHandler(id proto.MessageID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

// Enqueue is the back end's write end of the pipe: it takes ownership of one
// reference to a message buffer (the caller must not Unref that reference
// afterward; ownership transfers) and posts it for the front end to pick up. The back end must
// never block, so a full pipe drops the message — the front end is assumed
// to be a UI that can tolerate a missed notification, unlike the reliable
// wire protocol itself.
func (p *Pipe) Enqueue(buf *wire.MessageBuffer, swap bool) {
	select {
	case p.ch <- envelope{buf: buf, swap: swap}:
	default:
		slog.Warn("frontend: pipe full, dropping forwarded message", "id", buf.ID())
		buf.Unref()
	}
}

// Run is the front end's read loop. It returns once ctx is cancelled or Stop
// is called. Call it from the single goroutine that owns the interactive
// surface (a TUI render loop, a Wails-bound event handler, etc.) — Run
// itself never touches back-end state, only whatever state the registered
// Handlers close over.
func (p *Pipe) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case env := <-p.ch:
			p.dispatch(env)
		}
	}
}

func (p *Pipe) dispatch(env envelope) {
	defer env.buf.Unref()
	p.mu.Lock()
	h, ok := p.handlers[env.buf.ID()]
	p.mu.Unlock()
	if !ok {
		slog.Warn("frontend: no handler registered for forwarded message", "id", env.buf.ID())
		return
	}
	h(wire.NewReader(env.buf, env.swap))
}

// Stop ends Run at its next iteration. Safe to call more than once and from
// any goroutine.
func (p *Pipe) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}
