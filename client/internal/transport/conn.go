package transport

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/quic-go/webtransport-go"

	"vci/client/internal/dispatch"
	"vci/client/internal/wire"
)

// Conn wraps one *webtransport.Session's reliable stream and datagram
// datapath, posting every inbound message/datagram/error onto a dispatcher
// as a named event so the dispatcher goroutine — and nothing else — ever
// observes them.
type Conn struct {
	sess *webtransport.Session
	disp *dispatch.Dispatcher

	msgKey   string // event key for a decoded reliable-stream MessageBuffer
	dgramKey string // event key for a raw datagram payload
	closeKey string // event key for read-side termination (EOF or error)

	stream *webtransport.Stream

	// swapOnRead is toggled from the dispatcher goroutine once the
	// handshake decides the peer's endianness, and read from the
	// stream-reader goroutine — hence atomic.Bool rather than a plain bool.
	swapOnRead atomic.Bool

	sendMu    sync.Mutex
	sendQueue [][]byte // pending reliable-stream frames awaiting the write pump
	sendCh    chan struct{}
}

// NewConn wraps sess. msgKey/dgramKey/closeKey are the dispatcher event keys
// this Conn will Post to; the caller must AddSource all three before
// traffic can be processed. stream is the already-opened (or accepted)
// reliable control stream.
func NewConn(sess *webtransport.Session, stream *webtransport.Stream, disp *dispatch.Dispatcher, msgKey, dgramKey, closeKey string) *Conn {
	c := &Conn{
		sess:     sess,
		disp:     disp,
		stream:   stream,
		msgKey:   msgKey,
		dgramKey: dgramKey,
		closeKey: closeKey,
		sendCh:   make(chan struct{}, 1),
	}
	return c
}

// SetSwapOnRead updates the endianness-swap flag applied to subsequently
// read message ID headers. Safe to call from the dispatcher goroutine once
// the handshake has determined the peer's byte order.
func (c *Conn) SetSwapOnRead(swap bool) { c.swapOnRead.Store(swap) }

// SwapOnRead reports whether the server's byte order disagrees with this
// client's own, as decided during the handshake.
func (c *Conn) SwapOnRead() bool { return c.swapOnRead.Load() }

// Start launches the reader and writer pump goroutines. Call once, after
// registering the dispatcher sources this Conn posts to.
func (c *Conn) Start(ctx context.Context) {
	go c.readPump(ctx)
	go c.writePump(ctx)
	if c.sess != nil {
		go c.datagramPump(ctx)
	}
}

// readPump implements readFromSocket: it blocks on
// the stream (quic-go gives no non-blocking read), decodes one length-
// prefixed frame at a time, and posts each to the dispatcher. This is the
// ONLY goroutine that calls ReadMessage on c.stream.
func (c *Conn) readPump(ctx context.Context) {
	for {
		m, err := ReadMessage(c.stream, c.swapOnRead.Load())
		if err != nil {
			c.disp.Post(c.closeKey, err)
			return
		}
		select {
		case <-ctx.Done():
			m.Unref()
			return
		default:
		}
		c.disp.Post(c.msgKey, m)
	}
}

// QueueMessage implements queueMessage: appends m to
// the send queue and wakes the writer pump. m is consumed (Unref'd) by the
// writer once flushed; callers must not touch m afterward.
func (c *Conn) QueueMessage(m *wire.MessageBuffer) {
	raw := append([]byte(nil), m.Raw()...)
	m.Unref()

	c.sendMu.Lock()
	c.sendQueue = append(c.sendQueue, raw)
	c.sendMu.Unlock()

	select {
	case c.sendCh <- struct{}{}:
	default:
	}
}

// writePump implements writeToSocket: drains the send
// queue to the stream whenever woken, blocking only on the underlying
// (already-non-blocking-from-the-dispatcher's-perspective) write call.
func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.sendCh:
		}
		for {
			c.sendMu.Lock()
			if len(c.sendQueue) == 0 {
				c.sendMu.Unlock()
				break
			}
			next := c.sendQueue[0]
			c.sendQueue = c.sendQueue[1:]
			c.sendMu.Unlock()

			if _, err := c.stream.Write(prependLength(next)); err != nil {
				c.disp.Post(c.closeKey, err)
				return
			}
		}
	}
}

func prependLength(raw []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(raw))
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(raw)))
	copy(out[lengthPrefixSize:], raw)
	return out
}

// datagramPump implements the UDP socket contract:
// blocks on ReceiveDatagram and posts each payload to the dispatcher.
func (c *Conn) datagramPump(ctx context.Context) {
	for {
		data, err := c.sess.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		cp := append([]byte(nil), data...)
		c.disp.Post(c.dgramKey, cp)
	}
}

// SendDatagram queues an unreliable datagram. Errors are not fatal to the
// connection.
func (c *Conn) SendDatagram(payload []byte) error {
	if c.sess == nil {
		return nil
	}
	return c.sess.SendDatagram(payload)
}

// Close tears down the underlying session.
func (c *Conn) Close() {
	if c.sess != nil {
		c.sess.CloseWithError(0, "")
	}
}
