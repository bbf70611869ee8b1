// Package wsfallback serves the reliable-stream half of the core protocol
// over a plain gorilla/websocket connection, for clients or network paths
// that cannot establish a WebTransport/QUIC session.
// There is no datagram equivalent: a fallback client participates in Agora
// voice, if at all, entirely over this reliable channel, so the server
// treats it exactly like a client whose UDP ticket handshake never
// completes.
package wsfallback

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"vci/server/internal/wire"
)

const writeTimeout = 5 * time.Second

// MessageHandler is called once per decoded inbound frame. It runs on
// whatever goroutine Handler.serveConn is using for this connection —
// callers are expected to Post it onto a dispatcher rather than touch
// shared state directly.
type MessageHandler func(*wire.MessageBuffer)

// CloseHandler is called exactly once when the connection's read loop
// ends, whether from an orderly close, a read error, or Accept itself
// failing.
type CloseHandler func(err error)

// Session is handed to the accept callback so it can drive the send
// side (QueueMessage) against a specific websocket connection.
type Session struct {
	conn *websocket.Conn

	// swapOnRead mirrors internal/transport.Conn's flag of the same name:
	// toggled once the handshake decides the peer's byte order, and read
	// per-frame from serveConn's read loop, hence atomic.
	swapOnRead atomic.Bool
}

// SetSwapOnRead updates the endianness-swap flag applied to subsequently
// decoded frame ID headers. Safe to call from the dispatcher goroutine once
// the handshake has determined the peer's byte order.
func (s *Session) SetSwapOnRead(swap bool) { s.swapOnRead.Store(swap) }

// SwapOnRead reports whether this peer's byte order disagrees with the
// host's.
func (s *Session) SwapOnRead() bool { return s.swapOnRead.Load() }

// QueueMessage serializes and writes m as one binary websocket frame, then
// unrefs it. Safe to call from any goroutine; gorilla/websocket requires
// the caller to serialize writes itself, so Session relies on its owner
// (the session state machine, itself single-threaded per connection) to
// avoid concurrent QueueMessage calls on the same Session.
func (s *Session) QueueMessage(m *wire.MessageBuffer) error {
	defer m.Unref()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, m.Raw())
}

// Close closes the underlying websocket connection.
func (s *Session) Close() error { return s.conn.Close() }

// Handler upgrades HTTP requests to websocket connections and feeds
// decoded frames to the MessageHandler its accept function returns.
type Handler struct {
	upgrader websocket.Upgrader
	accept   func(*Session) (MessageHandler, CloseHandler)
}

// NewHandler creates a fallback handler. accept is called once per new
// connection, before any frame is read, and must return the callbacks that
// will process this connection's traffic.
func NewHandler(accept func(*Session) (MessageHandler, CloseHandler)) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		accept: accept,
	}
}

// Register binds the fallback route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/vci-fallback", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("wsfallback upgrade failed", "remote", remoteAddr, "err", err)
		return err
	}
	h.serveConn(conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()
	conn.SetReadLimit(maxFrameLen)

	sess := &Session{conn: conn}
	onMessage, onClose := h.accept(sess)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}
		if kind != websocket.BinaryMessage || len(data) < 2 {
			continue
		}
		id := wire.MessageID(decodeID(data[:2], sess.SwapOnRead()))
		m := wire.NewMessageBufferFromBody(id, data[2:])
		onMessage(m)
	}
}

// maxFrameLen bounds a single fallback frame, matching the reliable
// transport's frame ceiling (internal/transport.maxMessageLen).
const maxFrameLen = 16 << 20

func decodeID(b []byte, swap bool) uint16 {
	if swap {
		return uint16(b[1])<<8 | uint16(b[0])
	}
	return uint16(b[0]) | uint16(b[1])<<8
}
