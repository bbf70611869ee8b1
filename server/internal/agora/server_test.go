package agora

import (
	"testing"

	"vci/server/internal/dispatch"
	"vci/server/internal/proto"
	"vci/server/internal/wire"
)

type sentFrame struct {
	to       proto.ClientID
	viaUDP   bool
	localID  proto.MessageID
	body     []byte
}

type fakeCtx struct {
	sent       []sentFrame
	swapped    map[proto.ClientID]bool
	hasUDP     map[proto.ClientID]bool
	connected  []proto.ClientID
}

func newFakeCtx(connected []proto.ClientID) *fakeCtx {
	return &fakeCtx{
		swapped:   make(map[proto.ClientID]bool),
		hasUDP:    make(map[proto.ClientID]bool),
		connected: connected,
	}
}

func (f *fakeCtx) SendMessage(to proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	f.record(to, false, localID, capacity, encode)
}

func (f *fakeCtx) SendDatagram(to proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	f.record(to, true, localID, capacity, encode)
}

func (f *fakeCtx) record(to proto.ClientID, viaUDP bool, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	buf := make([]byte, capacity)
	w := wire.NewBodyWriter(buf, false)
	if err := encode(w); err != nil {
		panic(err)
	}
	f.sent = append(f.sent, sentFrame{to: to, viaUDP: viaUDP, localID: localID, body: buf[:capacity-w.Remaining()]})
}

func (f *fakeCtx) Broadcast(proto.MessageID, int, func(*wire.Writer) error)                    {}
func (f *fakeCtx) BroadcastExcept(proto.ClientID, proto.MessageID, int, func(*wire.Writer) error) {}
func (f *fakeCtx) ClientName(proto.ClientID) (string, bool)                                     { return "", false }
func (f *fakeCtx) Disconnect(proto.ClientID, string)                                           {}
func (f *fakeCtx) Dispatcher() *dispatch.Dispatcher                                             { return nil }
func (f *fakeCtx) ClientByteOrderDiffers(id proto.ClientID) bool                                { return f.swapped[id] }
func (f *fakeCtx) ClientHasUDP(id proto.ClientID) bool                                          { return f.hasUDP[id] }
func (f *fakeCtx) ConnectedClients() []proto.ClientID                                           { return f.connected }

func newServerForTest(connected []proto.ClientID) (*Server, *fakeCtx) {
	s := NewServer()
	ctx := newFakeCtx(connected)
	s.SetContext(ctx)
	return s, ctx
}

func encodeAudioFrame(t *testing.T, swap bool, frame AudioFrame) *wire.Reader {
	t.Helper()
	buf := make([]byte, frame.WireSize())
	w := wire.NewBodyWriter(buf, swap)
	if err := frame.Encode(w); err != nil {
		t.Fatal(err)
	}
	return wire.NewBodyReader(buf[:frame.WireSize()-w.Remaining()], false)
}

func TestRouteBroadcastReachesEveryOtherClient(t *testing.T) {
	s, ctx := newServerForTest([]proto.ClientID{1, 2, 3})
	ctx.hasUDP[2] = true
	ctx.hasUDP[3] = true

	opus := []byte{1, 2, 3, 4}
	r := encodeAudioFrame(t, false, AudioFrame{ClientID: 0, Seq: 7, Opus: opus})
	s.HandleClientDatagram(1, MsgAudioFrame, r)

	if len(ctx.sent) != 2 {
		t.Fatalf("expected 2 forwards, got %d", len(ctx.sent))
	}
	seen := map[proto.ClientID]bool{}
	for _, f := range ctx.sent {
		if f.localID != MsgAudioFrameForward {
			t.Fatalf("unexpected localID %d", f.localID)
		}
		frame, err := DecodeAudioFrame(wire.NewBodyReader(f.body, false))
		if err != nil {
			t.Fatal(err)
		}
		if frame.ClientID != 1 {
			t.Fatalf("forwarded ClientID = %d, want 1 (the source)", frame.ClientID)
		}
		if frame.Seq != 7 || string(frame.Opus) != string(opus) {
			t.Fatalf("forwarded frame mismatch: %+v", frame)
		}
		seen[f.to] = true
	}
	if !seen[2] || !seen[3] {
		t.Fatal("both other clients should have received the broadcast")
	}
	if seen[1] {
		t.Fatal("the sender must not receive its own broadcast")
	}
}

func TestRouteTargetedReachesOnlyDestination(t *testing.T) {
	s, ctx := newServerForTest([]proto.ClientID{1, 2, 3})
	ctx.hasUDP[2] = true

	r := encodeAudioFrame(t, false, AudioFrame{ClientID: 2, Seq: 1, Opus: []byte{9}})
	s.HandleClientDatagram(1, MsgAudioFrame, r)

	if len(ctx.sent) != 1 {
		t.Fatalf("expected exactly 1 forward, got %d", len(ctx.sent))
	}
	if ctx.sent[0].to != 2 {
		t.Fatalf("forwarded to %d, want 2", ctx.sent[0].to)
	}
	if !ctx.sent[0].viaUDP {
		t.Fatal("destination has UDP; forward should have preferred the datagram path")
	}
}

func TestRouteFallsBackToReliableWithoutUDP(t *testing.T) {
	s, ctx := newServerForTest([]proto.ClientID{1, 2})
	// ctx.hasUDP[2] left false: no working UDP ticket.

	r := encodeAudioFrame(t, false, AudioFrame{ClientID: 2, Seq: 1, Opus: []byte{9}})
	s.HandleClientDatagram(1, MsgAudioFrame, r)

	if len(ctx.sent) != 1 || ctx.sent[0].viaUDP {
		t.Fatal("destination lacks UDP; forward should have used the reliable stream")
	}
}

func TestRouteNormalizesSwappedSourceByteOrder(t *testing.T) {
	s, ctx := newServerForTest([]proto.ClientID{1, 2})
	ctx.swapped[1] = true // client 1's handshake disagreed with the server's byte order
	ctx.hasUDP[2] = true

	// Client 1 writes its own header fields in its native (here: swapped)
	// byte order, exactly as its own Writer would.
	r := encodeAudioFrame(t, true, AudioFrame{ClientID: 2, Seq: 42, Opus: []byte{5, 6, 7}})
	s.HandleClientDatagram(1, MsgAudioFrame, r)

	if len(ctx.sent) != 1 {
		t.Fatalf("expected 1 forward, got %d", len(ctx.sent))
	}
	frame, err := DecodeAudioFrame(wire.NewBodyReader(ctx.sent[0].body, false))
	if err != nil {
		t.Fatal(err)
	}
	if frame.ClientID != 1 || frame.Seq != 42 || string(frame.Opus) != "\x05\x06\x07" {
		t.Fatalf("normalized frame mismatch: %+v", frame)
	}
}

func TestRouteRejectsLengthMismatch(t *testing.T) {
	s, ctx := newServerForTest([]proto.ClientID{1, 2})
	buf := make([]byte, audioHeaderSize+2)
	w := wire.NewBodyWriter(buf, false)
	_ = w.U16(0)
	_ = w.U16(1)
	_ = w.U16(99) // declares a length the payload doesn't have
	_ = w.Bytes([]byte{1, 2})
	r := wire.NewBodyReader(buf[:audioHeaderSize+2-w.Remaining()], false)

	s.HandleClientDatagram(1, MsgAudioFrame, r)

	if len(ctx.sent) != 0 {
		t.Fatal("a frame with a mismatched length field should not be forwarded")
	}
}
