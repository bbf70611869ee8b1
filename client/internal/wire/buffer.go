// Package wire implements the message-buffer and cursor primitives used to
// frame every message exchanged between client and server: a single
// allocation holding a mutable message ID header plus an immutable body,
// reference-counted across the send queue, the front-end pipe, and any
// short-lived reader/writer adapters.
package wire

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// ClientID identifies a connected client. 0 means "broadcast" in
// client-originated requests and "unassigned" in replies.
type ClientID uint16

// Broadcast is the reserved ClientID meaning "every other client".
const Broadcast ClientID = 0

// MessageID identifies a message's wire shape. The first NumCoreMessages
// values are reserved for the core protocol; every admitted plug-in owns a
// contiguous range above that.
type MessageID uint16

// headerSize is the on-wire size of a MessageBuffer's mutable ID header.
const headerSize = 2

// MessageBuffer is a reference-counted, fixed-size byte region: headerSize
// bytes of message ID followed by an immutable body. It is created once at
// its final size and never resized; the ID field may be rewritten in place
// (used by the server to re-stamp a forwarded message for a new recipient,
// or to fix up a header that was queued before its real ID was known).
//
// Reference counting is atomic (refs is an atomic.Int32). A buffer can be
// shared across goroutines: when the session forwards a message to the
// back-end -> front-end pipe (see client/internal/frontend) it hands over a
// second reference (Ref) to the same buffer, and the back end and the front
// end each Unref their own reference on their own goroutine.
type MessageBuffer struct {
	data []byte
	refs atomic.Int32
}

// NewMessageBuffer allocates a MessageBuffer with the given message ID and
// body capacity. The body is zero-filled; callers write into Body() via a
// Writer.
func NewMessageBuffer(id MessageID, bodyLen int) *MessageBuffer {
	if bodyLen < 0 {
		panic("wire: negative bodyLen")
	}
	b := &MessageBuffer{data: make([]byte, headerSize+bodyLen)}
	b.refs.Store(1)
	binary.LittleEndian.PutUint16(b.data[:headerSize], uint16(id))
	return b
}

// NewMessageBufferFromBody allocates a MessageBuffer whose body is a copy of
// body, prefixed with id.
func NewMessageBufferFromBody(id MessageID, body []byte) *MessageBuffer {
	b := NewMessageBuffer(id, len(body))
	copy(b.data[headerSize:], body)
	return b
}

// ID returns the message's current ID.
func (b *MessageBuffer) ID() MessageID {
	return MessageID(binary.LittleEndian.Uint16(b.data[:headerSize]))
}

// SetID rewrites the message ID in place. Used by the server to re-stamp a
// forwarded message, and by plug-ins whose message base was not yet known
// when the message was first queued.
func (b *MessageBuffer) SetID(id MessageID) {
	binary.LittleEndian.PutUint16(b.data[:headerSize], uint16(id))
}

// Body returns the mutable body region, excluding the ID header.
func (b *MessageBuffer) Body() []byte {
	return b.data[headerSize:]
}

// Len returns the body length (excluding the header).
func (b *MessageBuffer) Len() int {
	return len(b.data) - headerSize
}

// Raw returns the full on-wire representation (header + body), ready to
// write to a stream or datagram socket.
func (b *MessageBuffer) Raw() []byte {
	return b.data
}

// Ref increments the reference count and returns b, for chaining at the
// point a new holder (send queue, pipe, reader) takes ownership.
func (b *MessageBuffer) Ref() *MessageBuffer {
	b.refs.Add(1)
	return b
}

// Unref decrements the reference count. Once it reaches zero the backing
// array is released (by being unreferenced and left to the GC) and any
// further Unref panics, since that would indicate a double-free.
func (b *MessageBuffer) Unref() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("wire: MessageBuffer double-unref (id=%d)", b.ID()))
	}
	if n == 0 {
		b.data = nil
	}
}

// RefCount reports the current reference count, for tests.
func (b *MessageBuffer) RefCount() int32 {
	return b.refs.Load()
}
