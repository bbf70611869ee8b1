package session

import (
	"vci/client/internal/dispatch"
	"vci/client/internal/proto"
	"vci/client/internal/wire"
)

// Context is handed to a client-side plug-in once its protocol is admitted,
// replacing a global "the client" singleton with an explicit handle the
// plug-in is given instead of reaching out to package-level state. A
// plug-in that implements ContextReceiver gets one via SetContext, called
// after SetMessageBases and before Start.
type Context interface {
	// ClientID returns this session's own, server-assigned ID.
	ClientID() proto.ClientID
	// Dispatcher returns the single-goroutine event loop any of this
	// plug-in's own timers or cross-thread signals must be registered on —
	// a plug-in worker thread must never touch session state directly.
	Dispatcher() *dispatch.Dispatcher
	// SendMessage encodes and queues one reliable-stream message addressed
	// with a message ID local to this plug-in's own admitted range.
	SendMessage(localID proto.MessageID, capacity int, encode func(*wire.Writer) error)
	// SendDatagram encodes and sends one unreliable datagram, likewise
	// addressed with a plug-in-local ID. Errors are not reported: a lost
	// datagram is routine, not exceptional.
	SendDatagram(localID proto.MessageID, capacity int, encode func(*wire.Writer) error)
	// PeerName resolves a remote client ID to its current display name.
	PeerName(id proto.ClientID) (string, bool)
}

// ContextReceiver is implemented by plug-ins that want a Context instead of
// a package-level client singleton.
type ContextReceiver interface {
	SetContext(Context)
}

// pluginContext is the per-plug-in Context implementation: it closes over
// the owning Client and this plug-in's own admitted message-ID range, so
// SendMessage/SendDatagram never require the caller to know its own base.
type pluginContext struct {
	c  *Client
	bp *boundPlugin
}

func (pc *pluginContext) ClientID() proto.ClientID         { return pc.c.id }
func (pc *pluginContext) Dispatcher() *dispatch.Dispatcher { return pc.c.disp }

func (pc *pluginContext) PeerName(id proto.ClientID) (string, bool) {
	return pc.c.PeerName(id)
}

func (pc *pluginContext) SendMessage(localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	m, err := encodeMessage(pc.bp.clientBase+localID, capacity, encode)
	if err != nil {
		return
	}
	pc.c.send(m)
}

func (pc *pluginContext) SendDatagram(localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	m, err := encodeMessage(pc.bp.clientBase+localID, capacity, encode)
	if err != nil {
		return
	}
	defer m.Unref()
	_ = pc.c.conn.SendDatagram(append([]byte(nil), m.Raw()...))
}
