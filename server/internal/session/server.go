package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vci/server/internal/dispatch"
	"vci/server/internal/plugin"
	"vci/server/internal/proto"
	"vci/server/internal/wire"
)

// udpTicketLifetime is a 30-second lifetime for a client's UDP ticket; no
// code in this package reads it, so tickets do not expire.
const udpTicketLifetime = 30 * time.Second

// Server owns every connected client's session state and the process-wide
// plug-in registry. All mutation happens on the dispatcher goroutine;
// everything else communicates in by posting events.
type Server struct {
	disp     *dispatch.Dispatcher
	registry *plugin.Registry

	serverName string

	mu       sync.Mutex // guards password only; read from the handshake handler which runs on the loop, written from the console goroutine
	password string

	clients map[proto.ClientID]*client
	names   map[string]proto.ClientID // assigned (possibly uniquified) name -> id, for uniqueness checks

	nextID uint32 // proto.ClientID allocator; starts at 1, 0 is Broadcast

	startedAt time.Time

	// datagramsIn/datagramsOut count UDP datagrams at the session layer
	// (not TCP-reliable messages), for the operator console's netstat and
	// the HTTP status surface's /metrics. Atomic because datagram sends
	// happen from plug-in ServerContext calls that don't otherwise touch
	// loop-only state.
	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64

	// contextSet tracks which loaded plug-ins (by "name/major") have already
	// been handed a ServerContext, so a second client admitting the same
	// already-loaded plug-in doesn't re-invoke SetContext.
	contextSet map[string]struct{}
}

// NewServer creates a Server bound to disp and registry. password may be
// empty (no authentication required).
func NewServer(disp *dispatch.Dispatcher, registry *plugin.Registry, serverName, password string) *Server {
	s := &Server{
		disp:       disp,
		registry:   registry,
		serverName: serverName,
		password:   password,
		clients:    make(map[proto.ClientID]*client),
		names:      make(map[string]proto.ClientID),
		nextID:     1,
		contextSet: make(map[string]struct{}),
		startedAt:  time.Now(),
	}
	disp.AddSource(consoleExecKey, func(ev dispatch.Event) bool {
		if fn, ok := ev.Payload.(func()); ok {
			fn()
		}
		return false
	})
	return s
}

// SetPassword changes the session password future connections must hash
// against. Existing connections are unaffected.
func (s *Server) SetPassword(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = p
}

func (s *Server) currentPassword() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.password
}

// ServerName returns the name this server advertises in ConnectReply.
func (s *Server) ServerName() string { return s.serverName }

// Registry exposes the shared plug-in registry for the operator console's
// listPlugins/loadPlugin/unloadPlugin commands; Registry itself is safe for
// concurrent use from any goroutine.
func (s *Server) Registry() *plugin.Registry { return s.registry }

// consoleExecKey is the dispatcher source RunOnLoop posts to. Registered
// once, in NewServer, so it's available before the first console command
// can possibly arrive.
const consoleExecKey = "session:console-exec"

// RunOnLoop runs fn on the dispatcher goroutine and blocks until it
// returns. Operator console commands that touch client or session state
// must run on the dispatcher thread, since s.clients and s.names are
// unguarded outside it; this is the server's one sanctioned door in,
// mirroring the same off-loop-goroutine -> Post -> on-loop-handler pattern
// every other cross-goroutine path already uses. fn must not block — the
// console only has one dispatcher to share with every connection.
func (s *Server) RunOnLoop(fn func()) {
	done := make(chan struct{})
	s.disp.Post(consoleExecKey, func() {
		fn()
		close(done)
	})
	<-done
}

// ClientInfo is a read-only snapshot of one connected client, for the
// operator console's listClients/netstat commands.
type ClientInfo struct {
	ID          proto.ClientID
	Name        string
	ConnectedAt time.Time
}

// Clients snapshots every currently connected client. Call from within
// RunOnLoop.
func (s *Server) Clients() []ClientInfo {
	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, ClientInfo{ID: c.id, Name: c.name, ConnectedAt: c.connectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DisconnectClient force-closes one client's session (operator console's
// disconnectClient command). Reports whether id was connected. Call from
// within RunOnLoop.
func (s *Server) DisconnectClient(id proto.ClientID) bool {
	c, ok := s.clients[id]
	if !ok {
		return false
	}
	s.disconnectClient(c, "disconnected by operator")
	return true
}

// NetStat is a point-in-time summary of the session layer, for the
// operator console's netstat command and the HTTP status surface's
// /status and /metrics routes.
type NetStat struct {
	ServerName    string
	ClientCount   int
	Uptime        time.Duration
	DispatchQueue int
	DatagramsIn   uint64
	DatagramsOut  uint64
}

// Stat snapshots server-wide counters, for the operator console's netstat
// command and the HTTP status surface. Reads s.clients, so call from within
// RunOnLoop like Clients/DisconnectClient.
func (s *Server) Stat() NetStat {
	return NetStat{
		ServerName:    s.serverName,
		ClientCount:   len(s.clients),
		Uptime:        time.Since(s.startedAt),
		DispatchQueue: s.disp.QueueLen(),
		DatagramsIn:   s.datagramsIn.Load(),
		DatagramsOut:  s.datagramsOut.Load(),
	}
}

// Accept registers a newly-accepted WebTransport or fallback connection and
// begins the handshake by sending PasswordRequest. conn must not have been
// Start()ed yet; Accept starts it after wiring the dispatcher sources. ctx
// bounds the connection's reader/writer/datagram pump goroutines; callers
// typically derive it from the listener's accept-loop context.
func (s *Server) Accept(ctx context.Context, conn Conn) {
	msgKey := conn.MessageKey()
	dgramKey := conn.DatagramKey()
	closeKey := conn.CloseKey()

	c := &client{conn: conn, phase: phaseAwaitingConnect, connectedAt: time.Now()}

	if _, err := rand.Read(c.nonce[:]); err != nil {
		// crypto/rand failing is unrecoverable for this connection's
		// authentication; refuse it rather than handshake with a weak nonce.
		conn.Close()
		return
	}

	s.disp.AddSource(msgKey, func(ev dispatch.Event) bool {
		m := ev.Payload.(*wire.MessageBuffer)
		s.handleMessage(c, m)
		return false
	})
	s.disp.AddSource(dgramKey, func(ev dispatch.Event) bool {
		s.handleDatagram(c, ev.Payload.([]byte))
		return false
	})
	s.disp.AddSource(closeKey, func(ev dispatch.Event) bool {
		s.disconnectClient(c, fmt.Sprint(ev.Payload))
		s.disp.RemoveSource(msgKey)
		s.disp.RemoveSource(dgramKey)
		return true
	})

	conn.Start(ctx)
	s.sendPasswordRequest(c)
}

func (s *Server) sendPasswordRequest(c *client) {
	req := proto.PasswordRequest{Marker: proto.HandshakeMarker, Version: proto.ProtocolVersion, Nonce: c.nonce}
	m, err := encodeMessage(proto.MsgPasswordRequest, req.WireSize(), req.Encode)
	if err != nil {
		slog.Error("session: encode PasswordRequest", "err", err)
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

func (s *Server) handleMessage(c *client, m *wire.MessageBuffer) {
	defer m.Unref()
	r := wire.NewReader(m, c.conn.SwapOnRead())

	switch c.phase {
	case phaseAwaitingConnect:
		if m.ID() != proto.MsgConnectRequest {
			s.rejectAndClose(c, "expected ConnectRequest")
			return
		}
		s.handleConnectRequest(c, r)
	case phaseAwaitingUDP, phaseConnected:
		switch m.ID() {
		case proto.MsgUDPConnectRequest:
			s.handleUDPConnectRequest(c, r)
		case proto.MsgPingRequest:
			s.handlePingRequest(c, r)
		case proto.MsgNameChangeRequest:
			s.handleNameChangeRequest(c, r)
		case proto.MsgDisconnectRequest:
			s.disconnectClient(c, "peer requested disconnect")
		default:
			s.dispatchPluginMessage(c, m.ID(), r)
		}
	}
}

func (s *Server) handleDatagram(c *client, data []byte) {
	s.datagramsIn.Add(1)
	if len(data) < 2 {
		return
	}
	swap := c.conn.SwapOnRead()
	r := wire.NewBodyReader(data, swap)
	rawID, _ := r.U16() // consumes the id field, already byte-order corrected
	id := proto.MessageID(rawID)
	switch id {
	case proto.MsgUDPConnectRequest:
		s.handleUDPConnectRequest(c, r)
	default:
		s.dispatchPluginDatagram(c, id, r)
	}
}

func (s *Server) handleConnectRequest(c *client, r *wire.Reader) {
	req, err := proto.DecodeConnectRequest(r)
	if err != nil {
		s.rejectAndClose(c, "malformed ConnectRequest")
		return
	}
	if req.Marker != proto.HandshakeMarker && swapMarker(req.Marker) != proto.HandshakeMarker {
		s.rejectAndClose(c, "bad handshake marker")
		return
	}
	c.conn.SetSwapOnRead(req.Marker != proto.HandshakeMarker)
	if req.Version != proto.ProtocolVersion {
		s.rejectAndClose(c, "protocol version mismatch")
		return
	}
	want := hashPassword(c.nonce, s.currentPassword())
	if want != req.Hash {
		s.rejectAndClose(c, "wrong password")
		return
	}

	c.id = proto.ClientID(s.nextID)
	s.nextID++
	c.name = s.uniquifyName(req.Name)
	c.udpTicket = newUDPTicket()

	replies := make([]proto.ProtocolReply, len(req.Protocols))
	for i, rp := range req.Protocols {
		major, _ := proto.DecodeVersion(rp.Version)
		loaded, err := s.registry.Load(rp.Name, major)
		if err != nil {
			replies[i] = proto.ProtocolReply{Status: proto.StatusUnknownProtocol}
			continue
		}
		replies[i] = proto.ProtocolReply{
			Status:            proto.StatusSuccess,
			Version:            proto.EncodeVersion(loaded.Major, loaded.Minor),
			ServerIndex:        loaded.ServerIndex,
			ClientMessageBase:  uint16(loaded.ClientMessageBase),
			ServerMessageBase:  uint16(loaded.ServerMessageBase),
		}
		c.participating = append(c.participating, loaded)

		if cr, ok := loaded.Plugin.(ContextReceiver); ok {
			ck := fmt.Sprintf("%s/%d", rp.Name, major)
			if _, already := s.contextSet[ck]; !already {
				cr.SetContext(&serverContext{s: s, loaded: loaded})
				s.contextSet[ck] = struct{}{}
			}
		}
	}

	reply := proto.ConnectReply{
		ServerName:   s.serverName,
		ClientID:     c.id,
		AssignedName: c.name,
		UDPTicket:    c.udpTicket,
		Replies:      replies,
	}
	capacity := 4 + proto.NameFieldLen + 2 + proto.NameFieldLen + 4 + 2 + len(replies)*13
	m, err := encodeMessage(proto.MsgConnectReply, capacity, reply.Encode)
	if err != nil {
		slog.Error("session: encode ConnectReply", "err", err)
		return
	}

	s.clients[c.id] = c
	s.names[c.name] = c.id
	c.phase = phaseAwaitingUDP
	c.send(m)

	s.broadcastExcept(c.id, proto.MsgClientConnectNotification, proto.ClientConnectNotification{ID: c.id, Name: c.name}.Encode, 2+2+len(c.name))
	for _, l := range c.participating {
		l.Plugin.ClientConnected(c.id)
	}
	slog.Info("session: client connected", "id", c.id, "name", c.name)
}

// swapMarker reverses HandshakeMarker's 4 bytes, letting the server detect a
// correctly-formed marker sent in the peer's native (opposite) byte order
// even before the swap flag is known from anywhere else.
func swapMarker(v uint32) uint32 {
	return (v<<24)&0xff000000 | (v<<8)&0x00ff0000 | (v>>8)&0x0000ff00 | (v >> 24)
}

func (s *Server) rejectAndClose(c *client, reason string) {
	reject := proto.ConnectReject{Reason: reason}
	m, err := encodeMessage(proto.MsgConnectReject, 2+len(reason), reject.Encode)
	if err == nil {
		c.send(m)
	}
	c.phase = phaseClosed
	c.conn.Close()
}

func (s *Server) handleUDPConnectRequest(c *client, r *wire.Reader) {
	req, err := proto.DecodeUDPConnectRequest(r)
	if err != nil || req.ClientID != c.id || req.UDPTicket != c.udpTicket {
		return
	}
	c.udpConnected = true
	c.phase = phaseConnected
	reply := proto.UDPConnectReply{UDPTicket: c.udpTicket}
	m, err := encodeMessage(proto.MsgUDPConnectReply, 4, reply.Encode)
	if err != nil {
		return
	}
	// m.Raw() is already [2-byte ID][body] in the sender's native byte
	// order, exactly the datagram wire format handleDatagram expects.
	s.datagramsOut.Add(1)
	if err := c.conn.SendDatagram(append([]byte(nil), m.Raw()...)); err != nil {
		// A lost UDP datagram is never a fatal connection error; the
		// client will simply retry.
		slog.Debug("session: UDPConnectReply send failed, client will retry", "id", c.id, "err", err)
	}
	m.Unref()
}

func (s *Server) handlePingRequest(c *client, r *wire.Reader) {
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

func (s *Server) handleNameChangeRequest(c *client, r *wire.Reader) {
	req, err := proto.DecodeNameChangeRequest(r)
	if err != nil {
		return
	}
	newName := s.uniquifyName(req.NewName)
	delete(s.names, c.name)
	c.name = newName
	s.names[newName] = c.id

	s.broadcastAll(proto.MsgNameChangeNotification, proto.NameChangeNotification{ID: c.id, NewName: newName}.Encode, 2+2+len(newName))
}

// uniquifyName returns base unmodified if unused, otherwise base suffixed
// with the smallest unused 4-digit decimal suffix").
func (s *Server) uniquifyName(base string) string {
	if _, taken := s.names[base]; !taken {
		return base
	}
	for n := 0; n < 10000; n++ {
		candidate := fmt.Sprintf("%s%04d", base, n)
		if _, taken := s.names[candidate]; !taken {
			return candidate
		}
	}
	// Exhausted the entire 4-digit suffix space (10000 same-named
	// clients); fall back to a wider suffix rather than collide.
	return fmt.Sprintf("%s%d", base, len(s.names))
}

func newUDPTicket() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// disconnectClient tears down c: removes it from the roster, notifies every
// plug-in it participated in — in reverse registration order, exactly once
// each — then broadcasts ClientDisconnectNotification.
func (s *Server) disconnectClient(c *client, reason string) {
	if c.phase == phaseClosed {
		return
	}
	wasConnected := c.id != 0
	c.phase = phaseClosed
	c.conn.Close()

	if !wasConnected {
		return
	}

	delete(s.clients, c.id)
	delete(s.names, c.name)

	for i := len(c.participating) - 1; i >= 0; i-- {
		c.participating[i].Plugin.ClientDisconnected(c.id)
	}

	s.broadcastAll(proto.MsgClientDisconnectNotification, proto.ClientDisconnectNotification{ID: c.id}.Encode, 2)
	slog.Info("session: client disconnected", "id", c.id, "reason", reason)
}

func (s *Server) broadcastAll(id proto.MessageID, encode func(*wire.Writer) error, capacity int) {
	s.broadcastExcept(0, id, encode, capacity)
}

func (s *Server) broadcastExcept(except proto.ClientID, id proto.MessageID, encode func(*wire.Writer) error, capacity int) {
	ids := make([]proto.ClientID, 0, len(s.clients))
	for cid := range s.clients {
		if cid == except {
			continue
		}
		ids = append(ids, cid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, cid := range ids {
		m, err := encodeMessage(id, capacity, encode)
		if err != nil {
			continue
		}
		s.clients[cid].send(m)
	}
}

// dispatchPluginMessage routes a message whose ID falls outside the core
// range to the plug-in that owns it, via the reliable path.
func (s *Server) dispatchPluginMessage(c *client, id proto.MessageID, r *wire.Reader) {
	for _, l := range c.participating {
		if id >= l.ClientMessageBase && id < l.ClientMessageBase+proto.MessageID(l.Plugin.NumClientMessages()) {
			if receiver, ok := l.Plugin.(MessageReceiver); ok {
				receiver.HandleClientMessage(c.id, id-l.ClientMessageBase, r)
			}
			return
		}
	}
}

func (s *Server) dispatchPluginDatagram(c *client, id proto.MessageID, r *wire.Reader) {
	for _, l := range c.participating {
		if id >= l.ClientMessageBase && id < l.ClientMessageBase+proto.MessageID(l.Plugin.NumClientMessages()) {
			if receiver, ok := l.Plugin.(DatagramReceiver); ok {
				receiver.HandleClientDatagram(c.id, id-l.ClientMessageBase, r)
			}
			return
		}
	}
}

// MessageReceiver is implemented by plug-ins that want reliable-stream
// messages in their admitted ID range delivered directly, bypassing a
// generic envelope.
type MessageReceiver interface {
	HandleClientMessage(from proto.ClientID, localID proto.MessageID, r *wire.Reader)
}

// DatagramReceiver is the unreliable-path counterpart of MessageReceiver,
// used by Agora for voice frames.
type DatagramReceiver interface {
	HandleClientDatagram(from proto.ClientID, localID proto.MessageID, r *wire.Reader)
}
