package proto

import "vci/server/internal/wire"

// NonceLen is the length in bytes of the server's handshake nonce.
const NonceLen = 16

// HashLen is the length in bytes of md5(nonce || password).
const HashLen = 16

// NameFieldLen is the fixed, null-padded width of a name field in the
// handshake").
const NameFieldLen = 32

// PasswordRequest is the server's first message: marker, protocol version,
// and a freshly generated nonce.
type PasswordRequest struct {
	Marker  uint32
	Version uint32
	Nonce   [NonceLen]byte
}

func (m PasswordRequest) WireSize() int { return 4 + 4 + NonceLen }

func (m PasswordRequest) Encode(w *wire.Writer) error {
	if err := w.U32(m.Marker); err != nil {
		return err
	}
	if err := w.U32(m.Version); err != nil {
		return err
	}
	return w.Bytes(m.Nonce[:])
}

func DecodePasswordRequest(r *wire.Reader) (PasswordRequest, error) {
	var m PasswordRequest
	var err error
	if m.Marker, err = r.U32(); err != nil {
		return m, err
	}
	if m.Version, err = r.U32(); err != nil {
		return m, err
	}
	b, err := r.Bytes(NonceLen)
	if err != nil {
		return m, err
	}
	copy(m.Nonce[:], b)
	return m, nil
}

// RequestedProtocol is one (name, major.minor) pair a client asks the
// server to negotiate.
type RequestedProtocol struct {
	Name    string
	Version uint32 // major<<16 | minor
}

// ConnectRequest is the client's handshake reply, carrying its endianness
// marker, protocol version, password hash, requested name, and the list of
// plug-in protocols it wishes to load.
type ConnectRequest struct {
	Marker    uint32
	Version   uint32
	Hash      [HashLen]byte
	Name      string
	Protocols []RequestedProtocol
}

func (m ConnectRequest) WireSize() int {
	return 4 + 4 + HashLen + NameFieldLen + 2 + len(m.Protocols)*(NameFieldLen+4)
}

func (m ConnectRequest) Encode(w *wire.Writer) error {
	if err := w.U32(m.Marker); err != nil {
		return err
	}
	if err := w.U32(m.Version); err != nil {
		return err
	}
	if err := w.Bytes(m.Hash[:]); err != nil {
		return err
	}
	if err := w.FixedString(m.Name, NameFieldLen); err != nil {
		return err
	}
	if err := w.U16(uint16(len(m.Protocols))); err != nil {
		return err
	}
	for _, p := range m.Protocols {
		if err := w.FixedString(p.Name, NameFieldLen); err != nil {
			return err
		}
		if err := w.U32(p.Version); err != nil {
			return err
		}
	}
	return nil
}

func DecodeConnectRequest(r *wire.Reader) (ConnectRequest, error) {
	var m ConnectRequest
	var err error
	if m.Marker, err = r.U32(); err != nil {
		return m, err
	}
	if m.Version, err = r.U32(); err != nil {
		return m, err
	}
	b, err := r.Bytes(HashLen)
	if err != nil {
		return m, err
	}
	copy(m.Hash[:], b)
	if m.Name, err = r.FixedString(NameFieldLen); err != nil {
		return m, err
	}
	n, err := r.U16()
	if err != nil {
		return m, err
	}
	m.Protocols = make([]RequestedProtocol, n)
	for i := range m.Protocols {
		name, err := r.FixedString(NameFieldLen)
		if err != nil {
			return m, err
		}
		ver, err := r.U32()
		if err != nil {
			return m, err
		}
		m.Protocols[i] = RequestedProtocol{Name: name, Version: ver}
	}
	return m, nil
}

// ProtocolReply is one negotiated-plug-in sub-record inside ConnectReply.
type ProtocolReply struct {
	Status            ProtocolStatus
	Version            uint32
	ServerIndex        uint16
	ClientMessageBase  uint16
	ServerMessageBase  uint16
}

// ConnectReply completes a successful handshake: the assigned client ID and
// (possibly uniquified) name, a UDP ticket, and one reply per requested
// plug-in protocol.
type ConnectReply struct {
	ServerName   string
	ClientID     ClientID
	AssignedName string
	UDPTicket    uint32
	Replies      []ProtocolReply
}

func (m ConnectReply) Encode(w *wire.Writer) error {
	if err := w.FixedString(m.ServerName, NameFieldLen); err != nil {
		return err
	}
	if err := w.U16(uint16(m.ClientID)); err != nil {
		return err
	}
	if err := w.FixedString(m.AssignedName, NameFieldLen); err != nil {
		return err
	}
	if err := w.U32(m.UDPTicket); err != nil {
		return err
	}
	if err := w.U16(uint16(len(m.Replies))); err != nil {
		return err
	}
	for _, p := range m.Replies {
		if err := w.U8(uint8(p.Status)); err != nil {
			return err
		}
		if err := w.U32(p.Version); err != nil {
			return err
		}
		if err := w.U16(p.ServerIndex); err != nil {
			return err
		}
		if err := w.U16(p.ClientMessageBase); err != nil {
			return err
		}
		if err := w.U16(p.ServerMessageBase); err != nil {
			return err
		}
	}
	return nil
}

func DecodeConnectReply(r *wire.Reader) (ConnectReply, error) {
	var m ConnectReply
	var err error
	if m.ServerName, err = r.FixedString(NameFieldLen); err != nil {
		return m, err
	}
	id, err := r.U16()
	if err != nil {
		return m, err
	}
	m.ClientID = ClientID(id)
	if m.AssignedName, err = r.FixedString(NameFieldLen); err != nil {
		return m, err
	}
	if m.UDPTicket, err = r.U32(); err != nil {
		return m, err
	}
	n, err := r.U16()
	if err != nil {
		return m, err
	}
	m.Replies = make([]ProtocolReply, n)
	for i := range m.Replies {
		status, err := r.U8()
		if err != nil {
			return m, err
		}
		ver, err := r.U32()
		if err != nil {
			return m, err
		}
		sIdx, err := r.U16()
		if err != nil {
			return m, err
		}
		cBase, err := r.U16()
		if err != nil {
			return m, err
		}
		sBase, err := r.U16()
		if err != nil {
			return m, err
		}
		m.Replies[i] = ProtocolReply{
			Status:            ProtocolStatus(status),
			Version:            ver,
			ServerIndex:        sIdx,
			ClientMessageBase:  cBase,
			ServerMessageBase:  sBase,
		}
	}
	return m, nil
}

// UDPConnectRequest is sent by the client over UDP every 100ms (up to 10
// attempts) until UDPConnectReply arrives.
type UDPConnectRequest struct {
	ClientID  ClientID
	UDPTicket uint32
}

func (m UDPConnectRequest) Encode(w *wire.Writer) error {
	if err := w.U16(uint16(m.ClientID)); err != nil {
		return err
	}
	return w.U32(m.UDPTicket)
}

func DecodeUDPConnectRequest(r *wire.Reader) (UDPConnectRequest, error) {
	var m UDPConnectRequest
	id, err := r.U16()
	if err != nil {
		return m, err
	}
	m.ClientID = ClientID(id)
	if m.UDPTicket, err = r.U32(); err != nil {
		return m, err
	}
	return m, nil
}

// UDPConnectReply is the server's UDP handshake acknowledgement.
type UDPConnectReply struct {
	UDPTicket uint32
}

func (m UDPConnectReply) Encode(w *wire.Writer) error { return w.U32(m.UDPTicket) }

func DecodeUDPConnectReply(r *wire.Reader) (UDPConnectReply, error) {
	v, err := r.U32()
	return UDPConnectReply{UDPTicket: v}, err
}
