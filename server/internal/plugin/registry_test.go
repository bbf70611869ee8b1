package plugin

import (
	"testing"

	"vci/server/internal/proto"
)

type fakePlugin struct {
	major, minor     uint16
	numClient        uint16
	numServer        uint16
	clientBase       proto.MessageID
	serverBase       proto.MessageID
	started          int
	connected        []proto.ClientID
	disconnected     []proto.ClientID
}

func (p *fakePlugin) Name() string                  { return "Fake" }
func (p *fakePlugin) Version() (uint16, uint16)      { return p.major, p.minor }
func (p *fakePlugin) NumClientMessages() uint16      { return p.numClient }
func (p *fakePlugin) NumServerMessages() uint16      { return p.numServer }
func (p *fakePlugin) SetMessageBases(c, s proto.MessageID) {
	p.clientBase, p.serverBase = c, s
}
func (p *fakePlugin) Start() error                         { p.started++; return nil }
func (p *fakePlugin) ClientConnected(id proto.ClientID)     { p.connected = append(p.connected, id) }
func (p *fakePlugin) ClientDisconnected(id proto.ClientID)  { p.disconnected = append(p.disconnected, id) }

func TestRegistryLoadAllocatesContiguousRanges(t *testing.T) {
	r := NewRegistry()
	fp1 := &fakePlugin{major: 1, numClient: 3, numServer: 2}
	r.RegisterFactory("Fake", func() Server { return fp1 })

	l, err := r.Load("Fake", 1)
	if err != nil {
		t.Fatal(err)
	}
	if l.ClientMessageBase != proto.NumCoreMessages || l.ServerMessageBase != proto.NumCoreMessages {
		t.Fatalf("expected bases at NumCoreMessages, got %+v", l)
	}
	if fp1.started != 1 {
		t.Fatalf("Start called %d times, want 1", fp1.started)
	}

	fp2 := &fakePlugin{major: 1, numClient: 5, numServer: 4}
	r.RegisterFactory("Fake2", func() Server { return fp2 })
	l2, err := r.Load("Fake2", 1)
	if err != nil {
		t.Fatal(err)
	}
	if l2.ClientMessageBase != l.ClientMessageBase+proto.MessageID(fp1.numClient) {
		t.Fatalf("second plugin's client base not contiguous: %+v vs %+v", l, l2)
	}
}

func TestRegistryLoadIsIdempotent(t *testing.T) {
	r := NewRegistry()
	fp := &fakePlugin{major: 1, numClient: 1, numServer: 1}
	r.RegisterFactory("Fake", func() Server { return fp })

	l1, _ := r.Load("Fake", 1)
	l2, _ := r.Load("Fake", 1)
	if l1 != l2 {
		t.Fatal("Load should return the same singleton on repeat calls")
	}
	if fp.started != 1 {
		t.Fatalf("Start called %d times, want 1 (singleton reuse)", fp.started)
	}
}

func TestRegistryLoadUnknownProtocol(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Load("NoSuch", 1); err == nil {
		t.Fatal("expected error loading unknown protocol")
	}
}

func TestRegistryLoadVersionMismatch(t *testing.T) {
	r := NewRegistry()
	fp := &fakePlugin{major: 2, numClient: 1, numServer: 1}
	r.RegisterFactory("Fake", func() Server { return fp })
	if _, err := r.Load("Fake", 1); err == nil {
		t.Fatal("expected version mismatch error")
	}
}
