package koinonia

import (
	"log/slog"
	"sync"

	"vci/server/internal/datatype"
	"vci/server/internal/proto"
	"vci/server/internal/session"
	"vci/server/internal/store"
	"vci/server/internal/wire"
)

// object is one globally named, replace-wins-versioned shared value.
type object struct {
	id      uint32
	name    string
	dict    *datatype.Dictionary
	typeID  datatype.TypeID
	value   any
	version uint32
	sharers map[proto.ClientID]struct{}
}

// nsObject is one dynamically-created object living inside a namespace. It
// has no name of its own — only the server-assigned ID within its
// namespace.
type nsObject struct {
	id      uint32
	dict    *datatype.Dictionary
	typeID  datatype.TypeID
	value   any
	version uint32
}

// namespace is a named container of nsObjects sharing one client roster.
type namespace struct {
	id        uint32
	name      string
	sharers   map[proto.ClientID]struct{}
	objects   map[uint32]*nsObject
	nextObjID uint32
}

// Server is the server-side Koinonia plug-in: it implements plugin.Server,
// session.ContextReceiver (to reach clients without a package-level
// singleton), and session.MessageReceiver (to receive client-origin
// messages in its admitted ID range).
type Server struct {
	mu sync.Mutex

	ctx session.ServerContext

	objectsByName map[string]*object
	objectsByID   map[uint32]*object
	nextObjectID  uint32

	namespacesByName map[string]*namespace
	namespacesByID   map[uint32]*namespace
	nextNamespaceID  uint32

	db          *store.Store
	snapshotDir string
}

// NewServer creates a Koinonia server plug-in. db and snapshotDir back the
// console's saveObject/loadObject/saveNamespace/loadNamespace commands
//; db may be nil if snapshotting is not
// wanted.
func NewServer(db *store.Store, snapshotDir string) *Server {
	return &Server{
		objectsByName:    make(map[string]*object),
		objectsByID:      make(map[uint32]*object),
		namespacesByName: make(map[string]*namespace),
		namespacesByID:   make(map[uint32]*namespace),
		db:               db,
		snapshotDir:      snapshotDir,
	}
}

func (s *Server) Name() string                  { return "Koinonia" }
func (s *Server) Version() (uint16, uint16)     { return 1, 0 }
func (s *Server) NumClientMessages() uint16     { return uint16(NumClientMessages) }
func (s *Server) NumServerMessages() uint16     { return uint16(NumServerMessages) }
func (s *Server) SetMessageBases(proto.MessageID, proto.MessageID) {}
func (s *Server) Start() error                  { return nil }
func (s *Server) ClientConnected(proto.ClientID) {}

// SetContext implements session.ContextReceiver.
func (s *Server) SetContext(ctx session.ServerContext) { s.ctx = ctx }

// ClientDisconnected removes id from every object's and namespace's sharer
// set. Objects and namespaces themselves outlive their last sharer (they
// are only destroyed by an explicit DestroyNsObjectRequest, or never, for
// globally named objects — nothing destroys a globally named object, only
// namespace objects have a destroy operation).
func (s *Server) ClientDisconnected(id proto.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objectsByID {
		delete(o.sharers, id)
	}
	for _, ns := range s.namespacesByID {
		delete(ns.sharers, id)
	}
}

// HandleClientMessage implements session.MessageReceiver.
func (s *Server) HandleClientMessage(from proto.ClientID, localID proto.MessageID, r *wire.Reader) {
	switch localID {
	case MsgCreateObjectRequest:
		s.handleCreateObject(from, r)
	case MsgReplaceObjectRequest:
		s.handleReplaceObject(from, r)
	case MsgCreateNamespaceRequest:
		s.handleCreateNamespace(from, r)
	case MsgCreateNsObjectRequest:
		s.handleCreateNsObject(from, r)
	case MsgReplaceNsObjectRequest:
		s.handleReplaceNsObject(from, r)
	case MsgDestroyNsObjectRequest:
		s.handleDestroyNsObject(from, r)
	}
}

func (s *Server) handleCreateObject(from proto.ClientID, r *wire.Reader) {
	req, err := DecodeCreateObjectRequest(r)
	if err != nil {
		slog.Warn("koinonia: malformed CreateObjectRequest", "from", from, "err", err)
		return
	}

	s.mu.Lock()
	obj, existed := s.objectsByName[req.Name]
	if existed {
		if obj.typeID != req.TypeID || !obj.dict.Equal(req.Dict) {
			s.mu.Unlock()
			slog.Warn("koinonia: type mismatch joining object", "name", req.Name, "from", from)
			return
		}
		obj.sharers[from] = struct{}{}
	} else {
		s.nextObjectID++
		obj = &object{
			id:      s.nextObjectID,
			name:    req.Name,
			dict:    req.Dict,
			typeID:  req.TypeID,
			value:   req.Value,
			sharers: map[proto.ClientID]struct{}{from: {}},
		}
		s.objectsByName[req.Name] = obj
		s.objectsByID[obj.id] = obj
	}
	reply := CreateObjectReply{
		ClientLocalID: req.ClientLocalID,
		ServerID:      obj.id,
		Created:       !existed,
		Dict:          obj.dict,
		TypeID:        obj.typeID,
		Value:         obj.value,
	}
	s.mu.Unlock()

	capacity, err := reply.WireSize()
	if err != nil {
		slog.Error("koinonia: size CreateObjectReply", "err", err)
		return
	}
	s.ctx.SendMessage(from, MsgCreateObjectReply, capacity, reply.Encode)
}

func (s *Server) handleReplaceObject(from proto.ClientID, r *wire.Reader) {
	serverID, err := r.U32()
	if err != nil {
		return
	}
	clientVersion, err := r.U32()
	if err != nil {
		return
	}

	s.mu.Lock()
	obj, ok := s.objectsByID[serverID]
	if !ok {
		s.mu.Unlock()
		return
	}
	newValue, err := datatype.Read(r, obj.dict, obj.typeID)
	if err != nil {
		s.mu.Unlock()
		slog.Warn("koinonia: malformed ReplaceObjectRequest value", "serverID", serverID, "err", err)
		return
	}

	if clientVersion != obj.version {
		dict, typeID, currentValue, currentVersion := obj.dict, obj.typeID, obj.value, obj.version
		s.mu.Unlock()
		s.sendValueUpdate(from, MsgReplaceObjectConflict, serverID, currentVersion, dict, typeID, currentValue)
		return
	}

	obj.version++
	obj.value = newValue
	newVersion := obj.version
	dict, typeID := obj.dict, obj.typeID
	others := otherSharers(obj.sharers, from)
	s.mu.Unlock()

	for _, cid := range others {
		s.sendValueUpdate(cid, MsgReplaceObjectNotification, serverID, newVersion, dict, typeID, newValue)
	}
}

func (s *Server) handleCreateNamespace(from proto.ClientID, r *wire.Reader) {
	req, err := DecodeCreateNamespaceRequest(r)
	if err != nil {
		return
	}

	s.mu.Lock()
	ns, existed := s.namespacesByName[req.Name]
	if !existed {
		s.nextNamespaceID++
		ns = &namespace{
			id:      s.nextNamespaceID,
			name:    req.Name,
			sharers: make(map[proto.ClientID]struct{}),
			objects: make(map[uint32]*nsObject),
		}
		s.namespacesByName[req.Name] = ns
		s.namespacesByID[ns.id] = ns
	}
	ns.sharers[from] = struct{}{}
	reply := CreateNamespaceReply{ClientLocalNsID: req.ClientLocalNsID, NsServerID: ns.id, Created: !existed}
	s.mu.Unlock()

	s.ctx.SendMessage(from, MsgCreateNamespaceReply, createNamespaceReplySize, reply.Encode)
}

func (s *Server) handleCreateNsObject(from proto.ClientID, r *wire.Reader) {
	req, err := DecodeCreateNsObjectRequest(r)
	if err != nil {
		return
	}

	s.mu.Lock()
	ns, ok := s.namespacesByID[req.NsServerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	ns.nextObjID++
	objID := ns.nextObjID
	ns.objects[objID] = &nsObject{id: objID, dict: req.Dict, typeID: req.TypeID, value: req.Value}
	others := otherSharers(ns.sharers, from)
	s.mu.Unlock()

	// The creator gets its own ObjClientID echoed back so it can resolve
	// its pending create; everyone else receives the same notification
	// with ObjClientID zeroed, since that field is meaningless to them.
	ownNotif := CreateNsObjectNotification{NsServerID: req.NsServerID, ObjServerID: objID, ObjClientID: req.ObjClientID, Dict: req.Dict, TypeID: req.TypeID, Value: req.Value}
	capacity, err := ownNotif.WireSize()
	if err != nil {
		slog.Error("koinonia: size CreateNsObjectNotification", "err", err)
		return
	}
	s.ctx.SendMessage(from, MsgCreateNsObjectNotification, capacity, ownNotif.Encode)

	otherNotif := ownNotif
	otherNotif.ObjClientID = 0
	for _, cid := range others {
		s.ctx.SendMessage(cid, MsgCreateNsObjectNotification, capacity, otherNotif.Encode)
	}
}

func (s *Server) handleReplaceNsObject(from proto.ClientID, r *wire.Reader) {
	nsServerID, err := r.U32()
	if err != nil {
		return
	}
	objServerID, err := r.U32()
	if err != nil {
		return
	}
	clientVersion, err := r.U32()
	if err != nil {
		return
	}

	s.mu.Lock()
	ns, ok := s.namespacesByID[nsServerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	obj, ok := ns.objects[objServerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	newValue, err := datatype.Read(r, obj.dict, obj.typeID)
	if err != nil {
		s.mu.Unlock()
		return
	}

	if clientVersion != obj.version {
		dict, typeID, currentValue, currentVersion := obj.dict, obj.typeID, obj.value, obj.version
		s.mu.Unlock()
		s.sendNsValueUpdate(from, MsgReplaceNsObjectConflict, nsServerID, objServerID, currentVersion, dict, typeID, currentValue)
		return
	}

	obj.version++
	obj.value = newValue
	newVersion := obj.version
	dict, typeID := obj.dict, obj.typeID
	others := otherSharers(ns.sharers, from)
	s.mu.Unlock()

	for _, cid := range others {
		s.sendNsValueUpdate(cid, MsgReplaceNsObjectNotification, nsServerID, objServerID, newVersion, dict, typeID, newValue)
	}
}

func (s *Server) handleDestroyNsObject(from proto.ClientID, r *wire.Reader) {
	req, err := DecodeDestroyNsObjectRequest(r)
	if err != nil {
		return
	}

	s.mu.Lock()
	ns, ok := s.namespacesByID[req.NsServerID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := ns.objects[req.ObjServerID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(ns.objects, req.ObjServerID)
	all := otherSharers(ns.sharers, 0) // broadcast destroy to every sharer, including the requester
	s.mu.Unlock()

	for _, cid := range all {
		s.ctx.SendMessage(cid, MsgDestroyNsObjectNotification, destroyNsObjectSize, req.Encode)
	}
}

func (s *Server) sendValueUpdate(to proto.ClientID, localID proto.MessageID, serverID, version uint32, dict *datatype.Dictionary, typeID datatype.TypeID, value any) {
	capacity, err := valueUpdateSize(dict, typeID, value)
	if err != nil {
		slog.Error("koinonia: size value update", "err", err)
		return
	}
	s.ctx.SendMessage(to, localID, capacity, func(w *wire.Writer) error {
		return encodeValueUpdate(w, serverID, version, dict, typeID, value)
	})
}

func (s *Server) sendNsValueUpdate(to proto.ClientID, localID proto.MessageID, nsServerID, objServerID, version uint32, dict *datatype.Dictionary, typeID datatype.TypeID, value any) {
	capacity, err := valueUpdateSize(dict, typeID, value)
	if err != nil {
		slog.Error("koinonia: size namespace value update", "err", err)
		return
	}
	capacity += 4 // leading nsServerID field, beyond valueUpdateSize's (objServerID, version) pair
	s.ctx.SendMessage(to, localID, capacity, func(w *wire.Writer) error {
		if err := w.U32(nsServerID); err != nil {
			return err
		}
		return encodeValueUpdate(w, objServerID, version, dict, typeID, value)
	})
}

func otherSharers(sharers map[proto.ClientID]struct{}, except proto.ClientID) []proto.ClientID {
	out := make([]proto.ClientID, 0, len(sharers))
	for cid := range sharers {
		if cid != except {
			out = append(out, cid)
		}
	}
	return out
}
