package wsfallback

import (
	"context"

	"vci/server/internal/wire"
)

// Conn adapts a Session to the shape vci/server/internal/session.Conn
// expects, without this package importing session (or anything else about
// the core protocol) at all — the core depends on an interface, this
// package only has to satisfy it structurally.
//
// A fallback client has no datagram path: SendDatagram is a no-op, and
// Start does nothing, because by the time a Conn exists its Session's
// websocket read loop (wsfallback.Handler.serveConn) is already running
// and driving MessageHandler/CloseHandler directly — there are no pump
// goroutines for Accept to kick off.
type Conn struct {
	sess                       *Session
	msgKey, dgramKey, closeKey string
}

// NewConn wraps sess. msgKey/dgramKey/closeKey are the dispatcher event
// keys the caller will Post under as frames and the close event arrive;
// they must be unique across every connection sharing the dispatcher.
func NewConn(sess *Session, msgKey, dgramKey, closeKey string) *Conn {
	return &Conn{sess: sess, msgKey: msgKey, dgramKey: dgramKey, closeKey: closeKey}
}

func (c *Conn) QueueMessage(m *wire.MessageBuffer) { _ = c.sess.QueueMessage(m) }
func (c *Conn) SendDatagram([]byte) error          { return nil }
func (c *Conn) SetSwapOnRead(swap bool)            { c.sess.SetSwapOnRead(swap) }
func (c *Conn) SwapOnRead() bool                   { return c.sess.SwapOnRead() }
func (c *Conn) Close()                             { _ = c.sess.Close() }
func (c *Conn) Start(context.Context)               {}

func (c *Conn) MessageKey() string  { return c.msgKey }
func (c *Conn) DatagramKey() string { return c.dgramKey }
func (c *Conn) CloseKey() string    { return c.closeKey }
