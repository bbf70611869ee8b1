// Package proto implements the core protocol: fixed message IDs,
// handshake byte layouts, and per-plug-in protocol negotiation records.
// Both the server and client state machines build on these shapes; plug-ins
// are allocated message-ID ranges above NumCoreMessages.
package proto

import "vci/client/internal/wire"

// Core message IDs, fixed at 0..NumCoreMessages-1.
const (
	MsgPasswordRequest MessageID = iota
	MsgConnectRequest
	MsgConnectReply
	MsgConnectReject
	MsgUDPConnectRequest
	MsgUDPConnectReply
	MsgPingRequest
	MsgPingReply
	MsgClientConnectNotification
	MsgClientDisconnectNotification
	MsgNameChangeRequest
	MsgNameChangeNotification
	MsgDisconnectRequest

	NumCoreMessages
)

// MessageID is re-exported from wire so callers needn't import both
// packages for the common case.
type MessageID = wire.MessageID

// ClientID is re-exported from wire for the same reason.
type ClientID = wire.ClientID

// ProtocolVersion is the core protocol's wire version, exchanged during the
// handshake. Bumped on any incompatible change to the core message layouts.
const ProtocolVersion uint32 = 1

// HandshakeMarker is the magic value exchanged first, in each side's native
// byte order, so the peer can detect an endianness mismatch.
const HandshakeMarker uint32 = 0x12345678

// ProtocolStatus reports whether a requested plug-in protocol was admitted.
type ProtocolStatus uint8

const (
	StatusSuccess ProtocolStatus = iota
	StatusUnknownProtocol
	StatusWrongVersion
)

func (s ProtocolStatus) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusUnknownProtocol:
		return "UnknownProtocol"
	case StatusWrongVersion:
		return "WrongVersion"
	default:
		return "Unknown"
	}
}
