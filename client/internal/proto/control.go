package proto

import "vci/client/internal/wire"

// ConnectReject is sent (then the TCP half drained and closed) when the
// handshake fails: bad version, wrong password hash.
type ConnectReject struct {
	Reason string
}

func (m ConnectReject) Encode(w *wire.Writer) error { return w.String(m.Reason) }

func DecodeConnectReject(r *wire.Reader) (ConnectReject, error) {
	s, err := r.String()
	return ConnectReject{Reason: s}, err
}

// PingRequest may be sent by either side on either transport; the peer
// replies with PingReply echoing Seq and stamping its own wall clock.
type PingRequest struct {
	Seq        uint32
	ServerSec  uint32
	ServerNsec uint32
}

func (m PingRequest) Encode(w *wire.Writer) error {
	if err := w.U32(m.Seq); err != nil {
		return err
	}
	if err := w.U32(m.ServerSec); err != nil {
		return err
	}
	return w.U32(m.ServerNsec)
}

func DecodePingRequest(r *wire.Reader) (PingRequest, error) {
	var m PingRequest
	var err error
	if m.Seq, err = r.U32(); err != nil {
		return m, err
	}
	if m.ServerSec, err = r.U32(); err != nil {
		return m, err
	}
	m.ServerNsec, err = r.U32()
	return m, err
}

// PingReply echoes a PingRequest's sequence number with the responder's own
// wall-clock stamp, for round-trip estimation. No side effects.
type PingReply struct {
	Seq        uint32
	ServerSec  uint32
	ServerNsec uint32
}

func (m PingReply) Encode(w *wire.Writer) error {
	if err := w.U32(m.Seq); err != nil {
		return err
	}
	if err := w.U32(m.ServerSec); err != nil {
		return err
	}
	return w.U32(m.ServerNsec)
}

func DecodePingReply(r *wire.Reader) (PingReply, error) {
	var m PingReply
	var err error
	if m.Seq, err = r.U32(); err != nil {
		return m, err
	}
	if m.ServerSec, err = r.U32(); err != nil {
		return m, err
	}
	m.ServerNsec, err = r.U32()
	return m, err
}

// ClientConnectNotification tells every already-connected client, in both
// directions, that a new client has been admitted.
// It always precedes any plug-in message whose source is that client.
type ClientConnectNotification struct {
	ID   ClientID
	Name string
}

func (m ClientConnectNotification) Encode(w *wire.Writer) error {
	if err := w.U16(uint16(m.ID)); err != nil {
		return err
	}
	return w.String(m.Name)
}

func DecodeClientConnectNotification(r *wire.Reader) (ClientConnectNotification, error) {
	var m ClientConnectNotification
	id, err := r.U16()
	if err != nil {
		return m, err
	}
	m.ID = ClientID(id)
	m.Name, err = r.String()
	return m, err
}

// ClientDisconnectNotification tells every remaining client that ID has
// left; it always follows any plug-in message whose source was that client.
type ClientDisconnectNotification struct {
	ID ClientID
}

func (m ClientDisconnectNotification) Encode(w *wire.Writer) error {
	return w.U16(uint16(m.ID))
}

func DecodeClientDisconnectNotification(r *wire.Reader) (ClientDisconnectNotification, error) {
	id, err := r.U16()
	return ClientDisconnectNotification{ID: ClientID(id)}, err
}

// NameChangeRequest asks the server to rename the sending client.
type NameChangeRequest struct {
	NewName string
}

func (m NameChangeRequest) Encode(w *wire.Writer) error { return w.String(m.NewName) }

func DecodeNameChangeRequest(r *wire.Reader) (NameChangeRequest, error) {
	s, err := r.String()
	return NameChangeRequest{NewName: s}, err
}

// NameChangeNotification announces a client's (possibly uniquified) new
// name to every connected client, including the renamed one.
type NameChangeNotification struct {
	ID      ClientID
	NewName string
}

func (m NameChangeNotification) Encode(w *wire.Writer) error {
	if err := w.U16(uint16(m.ID)); err != nil {
		return err
	}
	return w.String(m.NewName)
}

func DecodeNameChangeNotification(r *wire.Reader) (NameChangeNotification, error) {
	var m NameChangeNotification
	id, err := r.U16()
	if err != nil {
		return m, err
	}
	m.ID = ClientID(id)
	m.NewName, err = r.String()
	return m, err
}

// DisconnectRequest is sent by either side to begin an orderly disconnect
//. It carries no payload.
type DisconnectRequest struct{}

func (m DisconnectRequest) Encode(w *wire.Writer) error { return nil }

func DecodeDisconnectRequest(r *wire.Reader) (DisconnectRequest, error) {
	return DisconnectRequest{}, nil
}
