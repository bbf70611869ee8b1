package proto

import (
	"testing"

	"vci/client/internal/wire"
)

func roundtrip[T any](t *testing.T, size int, enc func(*wire.Writer) error, dec func(*wire.Reader) (T, error)) T {
	t.Helper()
	buf := wire.NewMessageBuffer(0, size)
	w := wire.NewWriter(buf, false)
	if err := enc(w); err != nil {
		t.Fatalf("encode: %v", err)
	}
	r := wire.NewReader(buf, false)
	v, err := dec(r)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestPasswordRequestRoundTrip(t *testing.T) {
	m := PasswordRequest{Marker: HandshakeMarker, Version: ProtocolVersion}
	copy(m.Nonce[:], []byte("0123456789abcdef"))
	got := roundtrip[PasswordRequest](t, m.WireSize(), m.Encode, DecodePasswordRequest)
	if got.Marker != m.Marker || got.Version != m.Version || got.Nonce != m.Nonce {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestConnectRequestRoundTrip(t *testing.T) {
	m := ConnectRequest{
		Marker:  HandshakeMarker,
		Version: ProtocolVersion,
		Name:    "alice",
		Protocols: []RequestedProtocol{
			{Name: "Agora", Version: EncodeVersion(1, 0)},
			{Name: "Koinonia", Version: EncodeVersion(2, 1)},
		},
	}
	copy(m.Hash[:], []byte("fedcba9876543210"))
	got := roundtrip[ConnectRequest](t, m.WireSize(), m.Encode, DecodeConnectRequest)
	if got.Name != m.Name || len(got.Protocols) != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Protocols[0].Name != "Agora" || got.Protocols[1].Name != "Koinonia" {
		t.Fatalf("protocols mismatch: %+v", got.Protocols)
	}
}

func TestConnectReplyRoundTrip(t *testing.T) {
	m := ConnectReply{
		ServerName:   "collab-server",
		ClientID:     7,
		AssignedName: "alice_0002",
		UDPTicket:    0xcafebabe,
		Replies: []ProtocolReply{
			{Status: StatusSuccess, Version: EncodeVersion(1, 0), ServerIndex: 0, ClientMessageBase: 13, ServerMessageBase: 13},
			{Status: StatusUnknownProtocol},
		},
	}
	size := NameFieldLen + 2 + NameFieldLen + 4 + 2 + len(m.Replies)*11
	got := roundtrip[ConnectReply](t, size, m.Encode, DecodeConnectReply)
	if got.ClientID != 7 || got.AssignedName != "alice_0002" || got.UDPTicket != 0xcafebabe {
		t.Fatalf("got %+v", got)
	}
	if len(got.Replies) != 2 || got.Replies[1].Status != StatusUnknownProtocol {
		t.Fatalf("replies mismatch: %+v", got.Replies)
	}
}

func TestUDPHandshakeRoundTrip(t *testing.T) {
	req := UDPConnectRequest{ClientID: 3, UDPTicket: 99}
	gotReq := roundtrip[UDPConnectRequest](t, 6, req.Encode, DecodeUDPConnectRequest)
	if gotReq != req {
		t.Fatalf("got %+v, want %+v", gotReq, req)
	}

	rep := UDPConnectReply{UDPTicket: 99}
	gotRep := roundtrip[UDPConnectReply](t, 4, rep.Encode, DecodeUDPConnectReply)
	if gotRep != rep {
		t.Fatalf("got %+v, want %+v", gotRep, rep)
	}
}

func TestPluginProtocolMatchIgnoresMinor(t *testing.T) {
	a := PluginProtocol{Name: "Agora", Major: 1, Minor: 0}
	b := PluginProtocol{Name: "Agora", Major: 1, Minor: 3}
	c := PluginProtocol{Name: "Agora", Major: 2, Minor: 0}
	if !a.Matches(b) {
		t.Fatal("expected match ignoring minor version")
	}
	if a.Matches(c) {
		t.Fatal("expected mismatch on differing major version")
	}
}
