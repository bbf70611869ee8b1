package session

import (
	"testing"

	"vci/server/internal/dispatch"
	"vci/server/internal/plugin"
	"vci/server/internal/proto"
	"vci/server/internal/transport"
	"vci/server/internal/wire"
)

func encodeToReader(t *testing.T, capacity int, encode func(*wire.Writer) error) *wire.Reader {
	t.Helper()
	buf := make([]byte, capacity)
	w := wire.NewBodyWriter(buf, false)
	if err := encode(w); err != nil {
		t.Fatal(err)
	}
	return wire.NewBodyReader(buf[:capacity-w.Remaining()], false)
}

func newTestClient(disp *dispatch.Dispatcher) *client {
	conn := transport.NewConn(nil, nil, disp, "msg", "dgram", "close")
	c := &client{conn: conn, phase: phaseAwaitingConnect}
	copy(c.nonce[:], []byte("0123456789abcdef"))
	return c
}

func connectRequestFor(c *client, password, name string) proto.ConnectRequest {
	return proto.ConnectRequest{
		Marker:  proto.HandshakeMarker,
		Version: proto.ProtocolVersion,
		Hash:    hashPassword(c.nonce, password),
		Name:    name,
	}
}

func TestHandleConnectRequestSuccess(t *testing.T) {
	disp := dispatch.New(8)
	s := NewServer(disp, plugin.NewRegistry(), "test-server", "secret")

	c := newTestClient(disp)
	req := connectRequestFor(c, "secret", "alice")
	r := encodeToReader(t, req.WireSize(), req.Encode)

	s.handleConnectRequest(c, r)

	if c.phase != phaseAwaitingUDP {
		t.Fatalf("phase = %v, want phaseAwaitingUDP", c.phase)
	}
	if c.name != "alice" {
		t.Fatalf("name = %q, want alice", c.name)
	}
	if _, ok := s.clients[c.id]; !ok {
		t.Fatal("client was not registered in s.clients")
	}
	if s.names["alice"] != c.id {
		t.Fatal("name index not populated for the assigned name")
	}
}

func TestHandleConnectRequestWrongPassword(t *testing.T) {
	disp := dispatch.New(8)
	s := NewServer(disp, plugin.NewRegistry(), "test-server", "secret")

	c := newTestClient(disp)
	req := connectRequestFor(c, "not-the-password", "alice")
	r := encodeToReader(t, req.WireSize(), req.Encode)

	s.handleConnectRequest(c, r)

	if c.phase != phaseClosed {
		t.Fatalf("phase = %v, want phaseClosed", c.phase)
	}
	if len(s.clients) != 0 {
		t.Fatal("a rejected client must not be registered")
	}
}

func TestHandleConnectRequestBadVersion(t *testing.T) {
	disp := dispatch.New(8)
	s := NewServer(disp, plugin.NewRegistry(), "test-server", "")

	c := newTestClient(disp)
	req := connectRequestFor(c, "", "alice")
	req.Version = proto.ProtocolVersion + 1
	r := encodeToReader(t, req.WireSize(), req.Encode)

	s.handleConnectRequest(c, r)

	if c.phase != phaseClosed {
		t.Fatalf("phase = %v, want phaseClosed", c.phase)
	}
}

func TestNameUniquificationSmallestUnusedSuffix(t *testing.T) {
	disp := dispatch.New(8)
	s := NewServer(disp, plugin.NewRegistry(), "test-server", "")

	first := newTestClient(disp)
	r1 := encodeToReader(t, proto.ConnectRequest{}.WireSize(), connectRequestFor(first, "", "bob").Encode)
	s.handleConnectRequest(first, r1)
	if first.name != "bob" {
		t.Fatalf("first client name = %q, want bob", first.name)
	}

	second := newTestClient(disp)
	r2 := encodeToReader(t, proto.ConnectRequest{}.WireSize(), connectRequestFor(second, "", "bob").Encode)
	s.handleConnectRequest(second, r2)
	if second.name != "bob0000" {
		t.Fatalf("second client name = %q, want bob0000", second.name)
	}

	third := newTestClient(disp)
	r3 := encodeToReader(t, proto.ConnectRequest{}.WireSize(), connectRequestFor(third, "", "bob").Encode)
	s.handleConnectRequest(third, r3)
	if third.name != "bob0001" {
		t.Fatalf("third client name = %q, want bob0001", third.name)
	}
}

// fakePlugin records the order ClientDisconnected is invoked across every
// loaded instance, so a test can assert the fan-out ran in reverse
// registration order.
type fakePlugin struct {
	name  string
	order *[]string
}

func (p *fakePlugin) Name() string             { return p.name }
func (p *fakePlugin) Version() (uint16, uint16) { return 1, 0 }
func (p *fakePlugin) NumClientMessages() uint16 { return 1 }
func (p *fakePlugin) NumServerMessages() uint16 { return 1 }
func (p *fakePlugin) SetMessageBases(c, s proto.MessageID) {}
func (p *fakePlugin) Start() error { return nil }
func (p *fakePlugin) ClientConnected(id proto.ClientID) {}
func (p *fakePlugin) ClientDisconnected(id proto.ClientID) {
	*p.order = append(*p.order, p.name)
}

func TestDisconnectFanOutReverseOrder(t *testing.T) {
	disp := dispatch.New(8)
	registry := plugin.NewRegistry()
	s := NewServer(disp, registry, "test-server", "")

	var order []string
	for _, name := range []string{"First", "Second", "Third"} {
		n := name
		registry.RegisterFactory(n, func() plugin.Server { return &fakePlugin{name: n, order: &order} })
	}

	c := newTestClient(disp)
	c.id = 1
	for _, name := range []string{"First", "Second", "Third"} {
		loaded, err := registry.Load(name, 1)
		if err != nil {
			t.Fatal(err)
		}
		c.participating = append(c.participating, loaded)
	}

	s.disconnectClient(c, "test teardown")

	want := []string{"Third", "Second", "First"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	disp := dispatch.New(8)
	s := NewServer(disp, plugin.NewRegistry(), "test-server", "")

	c := newTestClient(disp)
	c.id = 1
	s.disconnectClient(c, "first")
	s.disconnectClient(c, "second")

	if c.phase != phaseClosed {
		t.Fatalf("phase = %v, want phaseClosed", c.phase)
	}
}
