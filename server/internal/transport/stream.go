// Package transport adapts a *webtransport.Session's reliable stream and
// unreliable datagram path onto the non-blocking contract expected of a raw
// TCP/UDP socket pair: readFromSocket draining
// into a ring, queueMessage/writeToSocket draining a send queue, all
// without the dispatcher goroutine ever blocking in a syscall. quic-go's
// stream and datagram calls are themselves blocking, so each direction runs
// on its own goroutine that only ever posts results onto channels the
// dispatcher selects on (internal/dispatch) — never touching session state
// directly.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"vci/server/internal/wire"
)

// ErrMessageTooLarge is returned when a peer's length prefix exceeds
// maxMessageLen, guarding against a malicious or corrupt length field
// causing an unbounded allocation.
var ErrMessageTooLarge = errors.New("transport: message exceeds maximum frame length")

// maxMessageLen bounds a single reliable-stream frame's body length.
// Generous enough for a Koinonia namespace snapshot; still small enough to
// reject a garbage length prefix before it causes a multi-gigabyte alloc.
const maxMessageLen = 16 << 20

// lengthPrefixSize is the on-wire size of the frame length field: a u32
// giving the MessageBuffer's total size (header + body) — a single
// fixed-width prefix instead of a per-message-type resumable parser.
const lengthPrefixSize = 4

// ReadMessage reads one length-prefixed frame from r and returns a
// MessageBuffer holding it. swapOnRead governs whether multi-byte header
// fields besides the length prefix (which is always big-endian, chosen
// once and never swapped, so framing survives even before the endianness
// handshake completes) are byte-swapped.
func ReadMessage(r io.Reader, swapOnRead bool) (*wire.MessageBuffer, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	total := binary.BigEndian.Uint32(lenBuf[:])
	if total < 2 || total > maxMessageLen {
		return nil, ErrMessageTooLarge
	}

	raw := make([]byte, total)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}

	id := wire.MessageID(decodeID(raw[:2], swapOnRead))
	return wire.NewMessageBufferFromBody(id, raw[2:]), nil
}

func decodeID(b []byte, swap bool) uint16 {
	if swap {
		return uint16(b[1])<<8 | uint16(b[0])
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

// WriteMessage writes m to w as one length-prefixed frame. It does not
// Unref m; callers retain their usual ownership discipline.
func WriteMessage(w io.Writer, m *wire.MessageBuffer) error {
	raw := m.Raw()
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write length prefix: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("transport: write body: %w", err)
	}
	return nil
}
