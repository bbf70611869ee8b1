package koinonia

import (
	"testing"

	"vci/server/internal/datatype"
	"vci/server/internal/dispatch"
	"vci/server/internal/proto"
	"vci/server/internal/wire"
)

type sentMessage struct {
	to      proto.ClientID
	localID proto.MessageID
	body    []byte
}

type fakeCtx struct {
	sent  []sentMessage
	names map[proto.ClientID]string
}

func newFakeCtx() *fakeCtx { return &fakeCtx{names: make(map[proto.ClientID]string)} }

func (f *fakeCtx) SendMessage(to proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
	buf := make([]byte, capacity)
	w := wire.NewBodyWriter(buf, false)
	if err := encode(w); err != nil {
		panic(err)
	}
	f.sent = append(f.sent, sentMessage{to: to, localID: localID, body: buf[:capacity-w.Remaining()]})
}

func (f *fakeCtx) SendDatagram(proto.ClientID, proto.MessageID, int, func(*wire.Writer) error) {}
func (f *fakeCtx) Broadcast(localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
}
func (f *fakeCtx) BroadcastExcept(except proto.ClientID, localID proto.MessageID, capacity int, encode func(*wire.Writer) error) {
}
func (f *fakeCtx) ClientName(id proto.ClientID) (string, bool) {
	name, ok := f.names[id]
	return name, ok
}
func (f *fakeCtx) ClientByteOrderDiffers(proto.ClientID) bool { return false }
func (f *fakeCtx) ClientHasUDP(proto.ClientID) bool           { return true }
func (f *fakeCtx) ConnectedClients() []proto.ClientID {
	ids := make([]proto.ClientID, 0, len(f.names))
	for cid := range f.names {
		ids = append(ids, cid)
	}
	return ids
}
func (f *fakeCtx) Disconnect(proto.ClientID, string)  {}
func (f *fakeCtx) Dispatcher() *dispatch.Dispatcher   { return nil }

func (f *fakeCtx) only(localID proto.MessageID) *sentMessage {
	for i := range f.sent {
		if f.sent[i].localID == localID {
			return &f.sent[i]
		}
	}
	return nil
}

func newServerForTest() (*Server, *fakeCtx) {
	s := NewServer(nil, "")
	ctx := newFakeCtx()
	s.SetContext(ctx)
	return s, ctx
}

func sendCreateObject(t *testing.T, s *Server, from proto.ClientID, localID uint16, name string, value string) {
	t.Helper()
	req := CreateObjectRequest{ClientLocalID: localID, Name: name, Dict: datatype.NewDictionary(), TypeID: datatype.String, Value: value}
	capacity, err := req.WireSize()
	if err != nil {
		t.Fatal(err)
	}
	r := encodeReq(t, capacity, req.Encode)
	s.handleCreateObject(from, r)
}

func encodeReq(t *testing.T, capacity int, encode func(*wire.Writer) error) *wire.Reader {
	t.Helper()
	buf := make([]byte, capacity)
	w := wire.NewBodyWriter(buf, false)
	if err := encode(w); err != nil {
		t.Fatal(err)
	}
	return wire.NewBodyReader(buf[:capacity-w.Remaining()], false)
}

func TestCreateObjectFirstJoinerCreates(t *testing.T) {
	s, ctx := newServerForTest()
	sendCreateObject(t, s, 1, 5, "room-title", "hello")

	msg := ctx.only(MsgCreateObjectReply)
	if msg == nil {
		t.Fatal("expected a CreateObjectReply")
	}
	reply, err := DecodeCreateObjectReply(wire.NewBodyReader(msg.body, false))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Created {
		t.Fatal("first joiner should see Created = true")
	}
	if reply.ClientLocalID != 5 {
		t.Fatalf("ClientLocalID = %d, want 5", reply.ClientLocalID)
	}
	if reply.Value != "hello" {
		t.Fatalf("Value = %v, want hello", reply.Value)
	}
}

func TestCreateObjectSecondJoinerJoinsExisting(t *testing.T) {
	s, ctx := newServerForTest()
	sendCreateObject(t, s, 1, 1, "room-title", "hello")
	sendCreateObject(t, s, 2, 1, "room-title", "ignored-initial-value")

	var replies []CreateObjectReply
	for _, m := range ctx.sent {
		if m.localID == MsgCreateObjectReply {
			reply, err := DecodeCreateObjectReply(wire.NewBodyReader(m.body, false))
			if err != nil {
				t.Fatal(err)
			}
			replies = append(replies, reply)
		}
	}
	if len(replies) != 2 {
		t.Fatalf("expected 2 replies, got %d", len(replies))
	}
	if replies[1].Created {
		t.Fatal("second joiner should see Created = false")
	}
	if replies[1].Value != "hello" {
		t.Fatalf("second joiner should see the existing value, got %v", replies[1].Value)
	}
	if replies[0].ServerID != replies[1].ServerID {
		t.Fatal("both joiners should resolve to the same server ID")
	}
}

func TestReplaceObjectNotifiesOtherSharersNotSelf(t *testing.T) {
	s, ctx := newServerForTest()
	sendCreateObject(t, s, 1, 1, "counter", "0")
	sendCreateObject(t, s, 2, 1, "counter", "0")

	var serverID uint32
	for _, m := range ctx.sent {
		if m.localID == MsgCreateObjectReply {
			reply, _ := DecodeCreateObjectReply(wire.NewBodyReader(m.body, false))
			serverID = reply.ServerID
		}
	}
	ctx.sent = nil

	r := encodeReq(t, 64, func(w *wire.Writer) error {
		if err := w.U32(serverID); err != nil {
			return err
		}
		if err := w.U32(0); err != nil { // clientVersion == current version (0)
			return err
		}
		return datatype.Write(w, datatype.NewDictionary(), datatype.String, "1")
	})
	s.handleReplaceObject(1, r)

	notif := ctx.only(MsgReplaceObjectNotification)
	if notif == nil {
		t.Fatal("expected client 2 to receive a ReplaceObjectNotification")
	}
	if notif.to != 2 {
		t.Fatalf("notification sent to %d, want 2", notif.to)
	}
	for _, m := range ctx.sent {
		if m.localID == MsgReplaceObjectNotification && m.to == 1 {
			t.Fatal("the replacing client must not get its own notification")
		}
	}
}

func TestReplaceObjectVersionConflict(t *testing.T) {
	s, ctx := newServerForTest()
	sendCreateObject(t, s, 1, 1, "counter", "0")
	var serverID uint32
	for _, m := range ctx.sent {
		if m.localID == MsgCreateObjectReply {
			reply, _ := DecodeCreateObjectReply(wire.NewBodyReader(m.body, false))
			serverID = reply.ServerID
		}
	}
	ctx.sent = nil

	r := encodeReq(t, 64, func(w *wire.Writer) error {
		if err := w.U32(serverID); err != nil {
			return err
		}
		if err := w.U32(99); err != nil { // stale version
			return err
		}
		return datatype.Write(w, datatype.NewDictionary(), datatype.String, "1")
	})
	s.handleReplaceObject(1, r)

	conflict := ctx.only(MsgReplaceObjectConflict)
	if conflict == nil {
		t.Fatal("expected a ReplaceObjectConflict for the stale version")
	}
	if conflict.to != 1 {
		t.Fatalf("conflict sent to %d, want 1 (the requester)", conflict.to)
	}
}

func TestNamespaceCreateObjectFanOut(t *testing.T) {
	s, ctx := newServerForTest()

	nsReq := CreateNamespaceRequest{ClientLocalNsID: 1, Name: "lobby"}
	r := encodeReq(t, nsReq.WireSize(), nsReq.Encode)
	s.handleCreateNamespace(1, r)
	r = encodeReq(t, nsReq.WireSize(), nsReq.Encode)
	s.handleCreateNamespace(2, r)

	var nsID uint32
	for _, m := range ctx.sent {
		if m.localID == MsgCreateNamespaceReply {
			reply, _ := DecodeCreateNamespaceReply(wire.NewBodyReader(m.body, false))
			nsID = reply.NsServerID
		}
	}
	ctx.sent = nil

	objReq := CreateNsObjectRequest{NsServerID: nsID, ObjClientID: 7, Dict: datatype.NewDictionary(), TypeID: datatype.String, Value: "hi"}
	capacity, err := objReq.WireSize()
	if err != nil {
		t.Fatal(err)
	}
	r = encodeReq(t, capacity, objReq.Encode)
	s.handleCreateNsObject(1, r)

	var sawCreator, sawOther bool
	for _, m := range ctx.sent {
		if m.localID != MsgCreateNsObjectNotification {
			continue
		}
		notif, err := DecodeCreateNsObjectNotification(wire.NewBodyReader(m.body, false))
		if err != nil {
			t.Fatal(err)
		}
		switch m.to {
		case 1:
			if notif.ObjClientID != 7 {
				t.Fatalf("creator's ObjClientID = %d, want 7", notif.ObjClientID)
			}
			sawCreator = true
		case 2:
			if notif.ObjClientID != 0 {
				t.Fatalf("other sharer's ObjClientID = %d, want 0", notif.ObjClientID)
			}
			sawOther = true
		}
	}
	if !sawCreator {
		t.Fatal("expected the creator to receive its own notification")
	}
	if !sawOther {
		t.Fatal("expected the other namespace sharer to receive a notification")
	}
}

func TestDestroyNsObjectRemovesFromStore(t *testing.T) {
	s, ctx := newServerForTest()

	nsReq := CreateNamespaceRequest{ClientLocalNsID: 1, Name: "lobby"}
	r := encodeReq(t, nsReq.WireSize(), nsReq.Encode)
	s.handleCreateNamespace(1, r)
	reply, _ := DecodeCreateNamespaceReply(wire.NewBodyReader(ctx.only(MsgCreateNamespaceReply).body, false))
	ctx.sent = nil

	objReq := CreateNsObjectRequest{NsServerID: reply.NsServerID, Dict: datatype.NewDictionary(), TypeID: datatype.String, Value: "hi"}
	capacity, err := objReq.WireSize()
	if err != nil {
		t.Fatal(err)
	}
	r = encodeReq(t, capacity, objReq.Encode)
	s.handleCreateNsObject(1, r)
	notif, _ := DecodeCreateNsObjectNotification(wire.NewBodyReader(ctx.only(MsgCreateNsObjectNotification).body, false))
	ctx.sent = nil

	destroyReq := DestroyNsObjectRequest{NsServerID: reply.NsServerID, ObjServerID: notif.ObjServerID}
	r = encodeReq(t, destroyNsObjectSize, destroyReq.Encode)
	s.handleDestroyNsObject(1, r)

	ns := s.namespacesByID[reply.NsServerID]
	if _, ok := ns.objects[notif.ObjServerID]; ok {
		t.Fatal("object should have been removed from the namespace")
	}
	if ctx.only(MsgDestroyNsObjectNotification) == nil {
		t.Fatal("expected a DestroyNsObjectNotification")
	}
}
