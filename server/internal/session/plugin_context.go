package session

import (
	"vci/server/internal/dispatch"
	"vci/server/internal/plugin"
	"vci/server/internal/proto"
	"vci/server/internal/wire"
)

// ServerContext is handed to a server-side plug-in once it is first loaded,
// replacing a global "the server" singleton with an explicit handle. A plug-in that implements ContextReceiver gets one
// via SetContext, called once per (name, major) the first time any client
// admits it — never again on subsequent connections reusing the same
// loaded module.
type ServerContext interface {
	// SendMessage encodes and queues one reliable-stream message to a
	// single client, addressed with a message ID local to this plug-in's
	// own admitted server-to-client range.
	SendMessage(to proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error)
	// SendDatagram is the unreliable-path counterpart of SendMessage.
	SendDatagram(to proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error)
	// Broadcast sends to every connected client.
	Broadcast(localID proto.MessageID, capacity int, encode func(*wire.Writer) error)
	// BroadcastExcept sends to every connected client other than except.
	BroadcastExcept(except proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error)
	// ClientName resolves a client ID to its current display name.
	ClientName(id proto.ClientID) (string, bool)
	// ClientByteOrderDiffers reports whether id's connection byte order
	// disagrees with the server's own, as decided during its handshake.
	// Used by a plug-in that re-stamps a forwarded message's header in
	// place instead of decoding and re-encoding it.
	ClientByteOrderDiffers(id proto.ClientID) bool
	// Disconnect tears a client's session down, as if it had sent
	// DisconnectRequest.
	Disconnect(id proto.ClientID, reason string)
	// Dispatcher returns the event loop any of this plug-in's own timers or
	// cross-thread signals must be registered on.
	Dispatcher() *dispatch.Dispatcher
	// ConnectedClients lists every currently connected client ID, for a
	// plug-in that must fan a datagram out itself (Broadcast/BroadcastExcept
	// only cover the reliable path).
	ConnectedClients() []proto.ClientID
	// ClientHasUDP reports whether id has completed its UDP ticket
	// handshake. A plug-in with a preferred-unreliable/fallback-reliable
	// send path (Agora's audio routing) uses this to pick the transport per
	// destination.
	ClientHasUDP(id proto.ClientID) bool
}

// ContextReceiver is implemented by plug-ins that want a ServerContext
// instead of a package-level server singleton.
type ContextReceiver interface {
	SetContext(ServerContext)
}

// serverContext is the per-plug-in ServerContext implementation: it closes
// over the owning Server and this plug-in's admitted message-ID range, so
// SendMessage/SendDatagram never require the caller to know its own base.
type serverContext struct {
	s      *Server
	loaded *plugin.Loaded
}

func (sc *serverContext) SendMessage(to proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	c, ok := sc.s.clients[to]
	if !ok {
		return
	}
	m, err := encodeMessage(sc.loaded.ServerMessageBase+localID, capacity, encode)
	if err != nil {
		return
	}
	c.send(m)
}

func (sc *serverContext) SendDatagram(to proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	c, ok := sc.s.clients[to]
	if !ok {
		return
	}
	m, err := encodeMessage(sc.loaded.ServerMessageBase+localID, capacity, encode)
	if err != nil {
		return
	}
	defer m.Unref()
	sc.s.datagramsOut.Add(1)
	_ = c.conn.SendDatagram(append([]byte(nil), m.Raw()...))
}

func (sc *serverContext) Broadcast(localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	sc.s.broadcastAll(sc.loaded.ServerMessageBase+localID, encode, capacity)
}

func (sc *serverContext) BroadcastExcept(except proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	sc.s.broadcastExcept(except, sc.loaded.ServerMessageBase+localID, encode, capacity)
}

func (sc *serverContext) ClientName(id proto.ClientID) (string, bool) {
	c, ok := sc.s.clients[id]
	if !ok {
		return "", false
	}
	return c.name, true
}

func (sc *serverContext) ClientByteOrderDiffers(id proto.ClientID) bool {
	c, ok := sc.s.clients[id]
	if !ok {
		return false
	}
	return c.conn.SwapOnRead()
}

func (sc *serverContext) Disconnect(id proto.ClientID, reason string) {
	if c, ok := sc.s.clients[id]; ok {
		sc.s.disconnectClient(c, reason)
	}
}

func (sc *serverContext) Dispatcher() *dispatch.Dispatcher { return sc.s.disp }

func (sc *serverContext) ClientHasUDP(id proto.ClientID) bool {
	c, ok := sc.s.clients[id]
	if !ok {
		return false
	}
	return c.udpConnected
}

func (sc *serverContext) ConnectedClients() []proto.ClientID {
	ids := make([]proto.ClientID, 0, len(sc.s.clients))
	for cid := range sc.s.clients {
		ids = append(ids, cid)
	}
	return ids
}
