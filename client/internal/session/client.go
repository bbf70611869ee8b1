// Package session implements the client-side half of the connection state
// machine: the password handshake, plug-in protocol negotiation, the UDP
// ticket handshake (resend every 100ms, up to 10 attempts), ping/pong, name
// changes, and peer roster tracking. It mirrors server/internal/session's
// state machine but drives the opposite side of the same wire protocol.
package session

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"time"

	"vci/client/internal/dispatch"
	"vci/client/internal/frontend"
	"vci/client/internal/plugin"
	"vci/client/internal/proto"
	"vci/client/internal/transport"
	"vci/client/internal/wire"
)

// phase enumerates this client's progress through the handshake.
type phase int

const (
	phaseAwaitingPassword phase = iota
	phaseAwaitingReply
	phaseAwaitingUDP
	phaseConnected
	phaseClosed
)

// udpRetryInterval/udpMaxAttempts bound the client's UDP ticket handshake:
// resend every interval, give up after the attempt count is exhausted.
const (
	udpRetryInterval = 100 * time.Millisecond
	udpMaxAttempts   = 10
)

// boundPlugin is one admitted plug-in protocol together with the message-ID
// range the server assigned it in ConnectReply.
type boundPlugin struct {
	name          string
	plugin        plugin.Client
	clientBase    proto.MessageID
	serverBase    proto.MessageID
	numServerMsgs uint16
}

// Client drives one connection's handshake and post-handshake message
// routing. All mutation happens on the dispatcher goroutine; the
// transport.Conn's reader/writer/datagram pumps only ever Post events
// referencing it.
type Client struct {
	disp     *dispatch.Dispatcher
	registry *plugin.Registry
	conn     *transport.Conn

	requestedName string
	password      string
	protocols     []proto.RequestedProtocol

	phase phase

	id          proto.ClientID
	name        string
	serverName  string
	udpTicket   uint32
	udpAttempts int

	bound []*boundPlugin

	// roster tracks every other connected client's current name, kept up to
	// date from ClientConnectNotification/ClientDisconnectNotification/
	// NameChangeNotification so plug-ins can resolve IDs without a round trip.
	roster map[proto.ClientID]string

	udpTimerKey string

	onDisconnect func(reason string)

	// front is the optional front-end pipe. Nil until
	// EnableFrontend is called; roster-notification handlers check it and
	// are no-ops with respect to forwarding when it's nil, so an embedder
	// with no interactive surface pays nothing beyond the nil check.
	front *frontend.Pipe
}

// NewClient creates a Client bound to disp and registry, ready for Connect.
// protocols lists every plug-in protocol this client wants to negotiate, in
// the order it should appear in ConnectRequest (and therefore the order the
// server's ConnectReply.Replies will answer in).
func NewClient(disp *dispatch.Dispatcher, registry *plugin.Registry, name, password string, protocols []proto.RequestedProtocol) *Client {
	return &Client{
		disp:          disp,
		registry:      registry,
		requestedName: name,
		password:      password,
		protocols:     protocols,
		roster:        make(map[proto.ClientID]string),
		udpTimerKey:   "session:client:udp-retry",
	}
}

// OnDisconnect registers a callback invoked once the session closes, for any
// reason: a server-sent ConnectReject/DisconnectRequest, a transport error,
// or a local Disconnect call. At most one callback is kept.
func (c *Client) OnDisconnect(f func(reason string)) { c.onDisconnect = f }

// EnableFrontend creates this client's front-end pipe with the given queue
// depth and returns it so an interactive surface can RegisterHandler and Run
// it on its own goroutine. Roster-change notifications (client connect,
// client disconnect, name change) are forwarded to it from then on, in
// addition to the back end's own inline roster bookkeeping — the back end
// stays the authoritative state (PeerName, etc. must work with no front end
// attached at all), the front end is purely a notified observer. Must be
// called before Connect; calling it twice replaces the previous pipe.
func (c *Client) EnableFrontend(queueDepth int) *frontend.Pipe {
	c.front = frontend.New(queueDepth)
	return c.front
}

// forwardToFrontend ships a copy of an already-consumed message to the
// front-end pipe, matching the forwarder pattern: the back end has
// already read the buffer (for its own roster bookkeeping above), and a
// Ref hands the front end an independent reference to the same immutable
// body rather than a fresh copy.
func (c *Client) forwardToFrontend(m *wire.MessageBuffer) {
	if c.front == nil {
		return
	}
	c.front.Enqueue(m.Ref(), c.conn.SwapOnRead())
}

// ID returns this client's server-assigned ID. Zero until the handshake
// completes.
func (c *Client) ID() proto.ClientID { return c.id }

// Name returns this client's current (possibly uniquified) name.
func (c *Client) Name() string { return c.name }

// ServerName returns the server's advertised name, from ConnectReply.
func (c *Client) ServerName() string { return c.serverName }

// Connected reports whether the full handshake, including the UDP ticket
// exchange, has completed.
func (c *Client) Connected() bool { return c.phase == phaseConnected }

// PeerName resolves a remote client ID against the locally tracked roster.
func (c *Client) PeerName(id proto.ClientID) (string, bool) {
	name, ok := c.roster[id]
	return name, ok
}

// Connect registers dispatcher sources for conn and begins the handshake by
// waiting for the server's PasswordRequest. conn must not have been
// Start()ed yet.
func (c *Client) Connect(ctx context.Context, conn *transport.Conn) {
	c.conn = conn
	c.phase = phaseAwaitingPassword

	const (
		msgKey   = "session:client:msg"
		dgramKey = "session:client:dgram"
		closeKey = "session:client:close"
	)

	c.disp.AddSource(msgKey, func(ev dispatch.Event) bool {
		c.handleMessage(ev.Payload.(*wire.MessageBuffer))
		return false
	})
	c.disp.AddSource(dgramKey, func(ev dispatch.Event) bool {
		c.handleDatagram(ev.Payload.([]byte))
		return false
	})
	c.disp.AddSource(closeKey, func(ev dispatch.Event) bool {
		c.teardown(fmt.Sprint(ev.Payload))
		c.disp.RemoveSource(msgKey)
		c.disp.RemoveSource(dgramKey)
		return true
	})

	conn.Start(ctx)
}

// Disconnect sends DisconnectRequest and tears the session down locally.
func (c *Client) Disconnect() {
	if c.phase == phaseClosed {
		return
	}
	req := proto.DisconnectRequest{}
	if m, err := encodeMessage(proto.MsgDisconnectRequest, 0, req.Encode); err == nil {
		c.send(m)
	}
	c.teardown("local disconnect")
}

// RequestNameChange asks the server to rename this client.
func (c *Client) RequestNameChange(newName string) {
	req := proto.NameChangeRequest{NewName: newName}
	m, err := encodeMessage(proto.MsgNameChangeRequest, 4+len(newName), req.Encode)
	if err != nil {
		return
	}
	c.send(m)
}

// SendPing sends PingRequest with the given sequence number; the server's
// PingReply arrives asynchronously and is currently a no-op on receipt (a
// future RTT estimator can hook into handleMessage's MsgPingReply case).
func (c *Client) SendPing(seq uint32) {
	now := time.Now()
	req := proto.PingRequest{Seq: seq, ServerSec: uint32(now.Unix()), ServerNsec: uint32(now.Nanosecond())}
	m, err := encodeMessage(proto.MsgPingRequest, 12, req.Encode)
	if err != nil {
		return
	}
	c.send(m)
}

// encodeMessage allocates a capacity-byte scratch body, runs encode against
// it, and wraps the written prefix in a MessageBuffer with the given id.
func encodeMessage(id proto.MessageID, capacity int, encode func(*wire.Writer) error) (*wire.MessageBuffer, error) {
	buf := make([]byte, capacity)
	w := wire.NewBodyWriter(buf, false)
	if err := encode(w); err != nil {
		return nil, err
	}
	written := buf[:capacity-w.Remaining()]
	return wire.NewMessageBufferFromBody(id, written), nil
}

func (c *Client) send(m *wire.MessageBuffer) {
	c.conn.QueueMessage(m)
}

func (c *Client) handleMessage(m *wire.MessageBuffer) {
	defer m.Unref()
	r := wire.NewReader(m, c.conn.SwapOnRead())

	switch c.phase {
	case phaseAwaitingPassword:
		if m.ID() != proto.MsgPasswordRequest {
			c.teardown("expected PasswordRequest")
			return
		}
		c.handlePasswordRequest(r)
	case phaseAwaitingReply:
		switch m.ID() {
		case proto.MsgConnectReply:
			c.handleConnectReply(r)
		case proto.MsgConnectReject:
			reject, _ := proto.DecodeConnectReject(r)
			c.teardown("rejected: " + reject.Reason)
		default:
			c.teardown("expected ConnectReply or ConnectReject")
		}
	case phaseAwaitingUDP, phaseConnected:
		switch m.ID() {
		case proto.MsgPingRequest:
			c.handlePingRequest(r)
		case proto.MsgPingReply:
			// Round-trip timing is a caller concern, not this state
			// machine's; nothing to do here yet.
		case proto.MsgClientConnectNotification:
			c.handleClientConnectNotification(r)
			c.forwardToFrontend(m)
		case proto.MsgClientDisconnectNotification:
			c.handleClientDisconnectNotification(r)
			c.forwardToFrontend(m)
		case proto.MsgNameChangeNotification:
			c.handleNameChangeNotification(r)
			c.forwardToFrontend(m)
		case proto.MsgDisconnectRequest:
			c.teardown("server requested disconnect")
		default:
			c.dispatchPluginMessage(m.ID(), r)
		}
	}
}

func (c *Client) handleDatagram(data []byte) {
	if len(data) < 2 {
		return
	}
	swap := c.conn.SwapOnRead()
	r := wire.NewBodyReader(data, swap)
	rawID, _ := r.U16() // consumes the id field, already byte-order corrected
	id := proto.MessageID(rawID)

	if c.phase == phaseAwaitingUDP && id == proto.MsgUDPConnectReply {
		c.handleUDPConnectReply(r)
		return
	}
	if c.phase == phaseConnected {
		c.dispatchPluginDatagram(id, r)
	}
}

func (c *Client) handlePasswordRequest(r *wire.Reader) {
	req, err := proto.DecodePasswordRequest(r)
	if err != nil {
		c.teardown("malformed PasswordRequest")
		return
	}
	if req.Marker != proto.HandshakeMarker && swapMarker(req.Marker) != proto.HandshakeMarker {
		c.teardown("bad handshake marker")
		return
	}
	c.conn.SetSwapOnRead(req.Marker != proto.HandshakeMarker)
	if req.Version != proto.ProtocolVersion {
		c.teardown("protocol version mismatch")
		return
	}

	creq := proto.ConnectRequest{
		Marker:    proto.HandshakeMarker,
		Version:   proto.ProtocolVersion,
		Hash:      hashPassword(req.Nonce, c.password),
		Name:      c.requestedName,
		Protocols: c.protocols,
	}
	m, err := encodeMessage(proto.MsgConnectRequest, creq.WireSize(), creq.Encode)
	if err != nil {
		slog.Error("session: encode ConnectRequest", "err", err)
		c.teardown("internal error encoding ConnectRequest")
		return
	}
	c.phase = phaseAwaitingReply
	c.send(m)
}

// swapMarker reverses HandshakeMarker's 4 bytes, letting the client detect a
// correctly-formed marker sent in the server's native (opposite) byte order
// even before any swap flag is known from elsewhere.
func swapMarker(v uint32) uint32 {
	return (v<<24)&0xff000000 | (v<<8)&0x00ff0000 | (v>>8)&0x0000ff00 | (v >> 24)
}

func hashPassword(nonce [proto.NonceLen]byte, password string) [proto.HashLen]byte {
	h := md5.New()
	h.Write(nonce[:])
	h.Write([]byte(password))
	var out [proto.HashLen]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (c *Client) handleConnectReply(r *wire.Reader) {
	reply, err := proto.DecodeConnectReply(r)
	if err != nil {
		c.teardown("malformed ConnectReply")
		return
	}
	c.id = reply.ClientID
	c.name = reply.AssignedName
	c.serverName = reply.ServerName
	c.udpTicket = reply.UDPTicket

	for i, rp := range reply.Replies {
		if i >= len(c.protocols) {
			break
		}
		if rp.Status != proto.StatusSuccess {
			slog.Warn("session: plug-in protocol not admitted", "name", c.protocols[i].Name, "status", rp.Status)
			continue
		}
		major, _ := proto.DecodeVersion(rp.Version)
		pc, err := c.registry.Load(c.protocols[i].Name, major)
		if err != nil {
			slog.Error("session: load admitted plug-in", "name", c.protocols[i].Name, "err", err)
			continue
		}

		bp := &boundPlugin{
			name:       c.protocols[i].Name,
			plugin:     pc,
			clientBase: proto.MessageID(rp.ClientMessageBase),
			serverBase: proto.MessageID(rp.ServerMessageBase),
		}
		pc.SetMessageBases(bp.clientBase, bp.serverBase)
		bp.numServerMsgs = pc.NumServerMessages()
		if cr, ok := pc.(ContextReceiver); ok {
			cr.SetContext(&pluginContext{c: c, bp: bp})
		}
		if err := pc.Start(); err != nil {
			slog.Error("session: start plug-in", "name", bp.name, "err", err)
			continue
		}
		c.bound = append(c.bound, bp)
	}

	c.phase = phaseAwaitingUDP
	c.udpAttempts = 1
	c.sendUDPConnectRequest()
	c.disp.AddTimer(c.udpTimerKey, udpRetryInterval, udpRetryInterval, func(dispatch.Event) bool {
		return c.retryUDPConnect()
	})
	slog.Info("session: handshake accepted", "id", c.id, "name", c.name, "server", c.serverName)
}

func (c *Client) sendUDPConnectRequest() {
	req := proto.UDPConnectRequest{ClientID: c.id, UDPTicket: c.udpTicket}
	m, err := encodeMessage(proto.MsgUDPConnectRequest, 6, req.Encode)
	if err != nil {
		return
	}
	defer m.Unref()
	// m.Raw() is already [2-byte ID][body] in our native byte order, exactly
	// the datagram wire format the server's handleDatagram expects.
	if err := c.conn.SendDatagram(append([]byte(nil), m.Raw()...)); err != nil {
		slog.Debug("session: UDPConnectRequest send failed, will retry", "err", err)
	}
}

// retryUDPConnect is the UDP-retry timer's Handler. It returns true (stop
// rescheduling) once the handshake has moved past phaseAwaitingUDP, either
// because UDPConnectReply arrived or because attempts were exhausted.
func (c *Client) retryUDPConnect() bool {
	if c.phase != phaseAwaitingUDP {
		return true
	}
	if c.udpAttempts >= udpMaxAttempts {
		c.teardown("UDP ticket handshake timed out")
		return true
	}
	c.udpAttempts++
	c.sendUDPConnectRequest()
	return false
}

func (c *Client) handleUDPConnectReply(r *wire.Reader) {
	reply, err := proto.DecodeUDPConnectReply(r)
	if err != nil || reply.UDPTicket != c.udpTicket || c.phase != phaseAwaitingUDP {
		return
	}
	c.phase = phaseConnected
	c.disp.RemoveSource(c.udpTimerKey)
	for _, bp := range c.bound {
		bp.plugin.ClientConnected(c.id)
	}
	slog.Info("session: UDP handshake complete", "id", c.id)
}

func (c *Client) handlePingRequest(r *wire.Reader) {
	req, err := proto.DecodePingRequest(r)
	if err != nil {
		return
	}
	now := time.Now()
	reply := proto.PingReply{Seq: req.Seq, ServerSec: uint32(now.Unix()), ServerNsec: uint32(now.Nanosecond())}
	m, err := encodeMessage(proto.MsgPingReply, 12, reply.Encode)
	if err != nil {
		return
	}
	c.send(m)
}

func (c *Client) handleClientConnectNotification(r *wire.Reader) {
	n, err := proto.DecodeClientConnectNotification(r)
	if err != nil {
		return
	}
	c.roster[n.ID] = n.Name
}

func (c *Client) handleClientDisconnectNotification(r *wire.Reader) {
	n, err := proto.DecodeClientDisconnectNotification(r)
	if err != nil {
		return
	}
	delete(c.roster, n.ID)
}

func (c *Client) handleNameChangeNotification(r *wire.Reader) {
	n, err := proto.DecodeNameChangeNotification(r)
	if err != nil {
		return
	}
	if n.ID == c.id {
		c.name = n.NewName
	}
	c.roster[n.ID] = n.NewName
}

// teardown moves the session to phaseClosed exactly once: it notifies every
// bound plug-in in reverse registration order (mirroring the server's
// disconnect fan-out), closes the transport, and invokes onDisconnect.
func (c *Client) teardown(reason string) {
	if c.phase == phaseClosed {
		return
	}
	wasConnected := c.phase == phaseConnected || c.phase == phaseAwaitingUDP
	c.phase = phaseClosed
	c.disp.RemoveSource(c.udpTimerKey)
	if c.conn != nil {
		c.conn.Close()
	}

	if wasConnected {
		for i := len(c.bound) - 1; i >= 0; i-- {
			c.bound[i].plugin.ClientDisconnected(c.id)
		}
	}

	if c.front != nil {
		c.front.Stop()
	}
	if c.onDisconnect != nil {
		c.onDisconnect(reason)
	}
	slog.Info("session: client session closed", "reason", reason)
}

func (c *Client) dispatchPluginMessage(id proto.MessageID, r *wire.Reader) {
	for _, bp := range c.bound {
		if id >= bp.serverBase && id < bp.serverBase+proto.MessageID(bp.numServerMsgs) {
			if receiver, ok := bp.plugin.(MessageReceiver); ok {
				receiver.HandleServerMessage(id-bp.serverBase, r)
			}
			return
		}
	}
}

func (c *Client) dispatchPluginDatagram(id proto.MessageID, r *wire.Reader) {
	for _, bp := range c.bound {
		if id >= bp.serverBase && id < bp.serverBase+proto.MessageID(bp.numServerMsgs) {
			if receiver, ok := bp.plugin.(DatagramReceiver); ok {
				receiver.HandleServerDatagram(id-bp.serverBase, r)
			}
			return
		}
	}
}

// MessageReceiver is implemented by plug-ins that want reliable-stream
// messages in their admitted server-to-client ID range delivered directly.
type MessageReceiver interface {
	HandleServerMessage(localID proto.MessageID, r *wire.Reader)
}

// DatagramReceiver is the unreliable-path counterpart of MessageReceiver.
type DatagramReceiver interface {
	HandleServerDatagram(localID proto.MessageID, r *wire.Reader)
}
