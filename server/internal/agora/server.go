package agora

import (
	"log/slog"

	"vci/server/internal/proto"
	"vci/server/internal/session"
	"vci/server/internal/wire"
)

// Server is the server-side Agora plug-in. It never touches codec state —
// it only routes already-encoded Opus frames between clients, re-stamping
// each frame's header in place rather than decoding and re-encoding it
//, and falls back from the unreliable datagram path
// to the reliable stream for any destination without a working UDP ticket.
type Server struct {
	ctx session.ServerContext
}

func NewServer() *Server { return &Server{} }

func (s *Server) Name() string                      { return "Agora" }
func (s *Server) Version() (uint16, uint16)         { return 1, 0 }
func (s *Server) NumClientMessages() uint16         { return uint16(NumClientMessages) }
func (s *Server) NumServerMessages() uint16         { return uint16(NumServerMessages) }
func (s *Server) SetMessageBases(proto.MessageID, proto.MessageID) {}
func (s *Server) Start() error                      { return nil }
func (s *Server) ClientConnected(proto.ClientID)    {}
func (s *Server) ClientDisconnected(proto.ClientID) {}

// SetContext implements session.ContextReceiver.
func (s *Server) SetContext(ctx session.ServerContext) { s.ctx = ctx }

// HandleClientMessage implements session.MessageReceiver: the reliable
// fallback path for a sender without a working UDP ticket.
func (s *Server) HandleClientMessage(from proto.ClientID, localID proto.MessageID, r *wire.Reader) {
	s.route(from, localID, r)
}

// HandleClientDatagram implements session.DatagramReceiver: the preferred,
// unreliable path.
func (s *Server) HandleClientDatagram(from proto.ClientID, localID proto.MessageID, r *wire.Reader) {
	s.route(from, localID, r)
}

// route re-stamps an inbound AudioFrame's header in place and forwards the
// untouched Opus payload to every destination, choosing UDP when the
// recipient has one and the reliable stream otherwise.
func (s *Server) route(from proto.ClientID, localID proto.MessageID, r *wire.Reader) {
	if localID != MsgAudioFrame {
		return
	}
	body, err := r.Bytes(r.Remaining())
	if err != nil || len(body) < audioHeaderSize {
		slog.Warn("agora: malformed AudioFrame", "from", from, "err", err)
		return
	}

	buf := wire.NewMessageBufferFromBody(MsgAudioFrameForward, append([]byte(nil), body...))
	defer buf.Unref()

	ed := wire.NewEditor(buf, false)
	if s.ctx.ClientByteOrderDiffers(from) {
		ed.SwapU16At(headerOffset + 0)
		ed.SwapU16At(headerOffset + 2)
		ed.SwapU16At(headerOffset + 4)
	}
	dest := proto.ClientID(ed.U16At(headerOffset))
	ed.PutU16At(headerOffset, uint16(from)) // re-stamp: who sent it, not who it was addressed to
	length := ed.U16At(headerOffset + 4)

	if int(length) != len(body)-audioHeaderSize {
		slog.Warn("agora: AudioFrame length field mismatch", "from", from, "declared", length, "got", len(body)-audioHeaderSize)
		return
	}

	restamped := buf.Body()
	var recipients []proto.ClientID
	if dest == 0 {
		for _, cid := range s.ctx.ConnectedClients() {
			if cid != from {
				recipients = append(recipients, cid)
			}
		}
	} else {
		recipients = []proto.ClientID{dest}
	}

	for _, to := range recipients {
		send := s.ctx.SendMessage
		if s.ctx.ClientHasUDP(to) {
			send = s.ctx.SendDatagram
		}
		send(to, MsgAudioFrameForward, len(restamped), func(w *wire.Writer) error {
			return w.Bytes(restamped)
		})
	}
}
