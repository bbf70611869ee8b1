package koinonia

import (
	"fmt"
	"sync"

	"vci/client/internal/datatype"
	"vci/client/internal/proto"
	"vci/client/internal/session"
	"vci/client/internal/wire"
)

// localObject mirrors one globally named object's locally known state.
type localObject struct {
	serverID uint32
	dict     *datatype.Dictionary
	typeID   datatype.TypeID
	value    any
	version  uint32
}

// localNamespace mirrors one joined namespace.
type localNamespace struct {
	serverID uint32
	objects  map[uint32]*localObject
}

// Client is the client-side Koinonia plug-in. An application obtains it
// from the plug-in registry after connecting and drives it through
// CreateObject/ReplaceObject/CreateNamespace/etc; it learns about changes
// other clients make through the On* callbacks.
type Client struct {
	mu sync.Mutex

	ctx session.Context

	nextLocalID uint16
	pendingObj  map[uint16]pendingObjectCreate
	pendingNs   map[uint16]func(CreateNamespaceReply)

	objectsByServerID map[uint32]*localObject
	objectsByName     map[string]*localObject
	namespaces        map[uint32]*localNamespace

	onObjectChanged     func(serverID uint32, value any, version uint32)
	onObjectConflict    func(serverID uint32, currentValue any, currentVersion uint32)
	onNsObjectCreated   func(nsID, objID uint32, value any)
	onNsObjectChanged   func(nsID, objID uint32, value any, version uint32)
	onNsObjectConflict  func(nsID, objID uint32, currentValue any, currentVersion uint32)
	onNsObjectDestroyed func(nsID, objID uint32)
}

// pendingObjectCreate tracks a CreateObjectRequest awaiting its reply, so
// the reply handler can both invoke the caller's callback and index the
// object by name once the server has assigned it an ID.
type pendingObjectCreate struct {
	name string
	cb   func(CreateObjectReply)
}

// NewClient creates an unbound Koinonia client plug-in. Register it with
// the plug-in registry's RegisterFactory before connecting.
func NewClient() *Client {
	return &Client{
		pendingObj:        make(map[uint16]pendingObjectCreate),
		pendingNs:         make(map[uint16]func(CreateNamespaceReply)),
		objectsByServerID: make(map[uint32]*localObject),
		objectsByName:     make(map[string]*localObject),
		namespaces:        make(map[uint32]*localNamespace),
	}
}

func (c *Client) Name() string              { return "Koinonia" }
func (c *Client) Version() (uint16, uint16) { return 1, 0 }
func (c *Client) NumServerMessages() uint16 { return uint16(NumServerMessages) }
func (c *Client) SetMessageBases(proto.MessageID, proto.MessageID) {}
func (c *Client) Start() error                  { return nil }
func (c *Client) ClientConnected(proto.ClientID) {}
func (c *Client) ClientDisconnected(proto.ClientID) {}

// SetContext implements session.ContextReceiver.
func (c *Client) SetContext(ctx session.Context) { c.ctx = ctx }

// OnObjectChanged registers a callback invoked whenever another client
// successfully replaces a globally named object's value.
func (c *Client) OnObjectChanged(f func(serverID uint32, value any, version uint32)) {
	c.onObjectChanged = f
}

// OnObjectConflict registers a callback invoked when this client's own
// ReplaceObject lost a version race; currentValue/currentVersion are the
// object's authoritative state so the caller can retry.
func (c *Client) OnObjectConflict(f func(serverID uint32, currentValue any, currentVersion uint32)) {
	c.onObjectConflict = f
}

// OnNsObjectCreated registers a callback invoked when any object (including
// this client's own) appears in a joined namespace.
func (c *Client) OnNsObjectCreated(f func(nsID, objID uint32, value any)) {
	c.onNsObjectCreated = f
}

// OnNsObjectChanged registers a callback invoked when a namespace object's
// value changes.
func (c *Client) OnNsObjectChanged(f func(nsID, objID uint32, value any, version uint32)) {
	c.onNsObjectChanged = f
}

// OnNsObjectConflict mirrors OnObjectConflict for namespace objects.
func (c *Client) OnNsObjectConflict(f func(nsID, objID uint32, currentValue any, currentVersion uint32)) {
	c.onNsObjectConflict = f
}

// OnNsObjectDestroyed registers a callback invoked when a namespace object
// is destroyed.
func (c *Client) OnNsObjectDestroyed(f func(nsID, objID uint32)) {
	c.onNsObjectDestroyed = f
}

// CreateObject joins (or creates) a globally named object. onReply is
// invoked once the server answers, never from this goroutine — always
// dispatched on the session's event loop.
func (c *Client) CreateObject(name string, dict *datatype.Dictionary, typeID datatype.TypeID, value any, onReply func(CreateObjectReply)) error {
	c.mu.Lock()
	c.nextLocalID++
	localID := c.nextLocalID
	c.pendingObj[localID] = pendingObjectCreate{name: name, cb: onReply}
	c.mu.Unlock()

	req := CreateObjectRequest{ClientLocalID: localID, Name: name, Dict: dict, TypeID: typeID, Value: value}
	capacity, err := req.WireSize()
	if err != nil {
		return fmt.Errorf("koinonia: size CreateObjectRequest: %w", err)
	}
	c.ctx.SendMessage(MsgCreateObjectRequest, capacity, req.Encode)
	return nil
}

// ReplaceObject proposes a new value for an already-known object, subject
// to replace-wins version checking on the server.
func (c *Client) ReplaceObject(serverID uint32, value any) error {
	c.mu.Lock()
	obj, ok := c.objectsByServerID[serverID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("koinonia: unknown object %d", serverID)
	}

	capacity, err := valueUpdateSize(obj.dict, obj.typeID, value)
	if err != nil {
		return fmt.Errorf("koinonia: size replace value: %w", err)
	}
	c.ctx.SendMessage(MsgReplaceObjectRequest, capacity, func(w *wire.Writer) error {
		if err := w.U32(serverID); err != nil {
			return err
		}
		if err := w.U32(obj.version); err != nil {
			return err
		}
		return datatype.Write(w, obj.dict, obj.typeID, value)
	})
	return nil
}

// CreateNamespace joins (or creates) a named namespace.
func (c *Client) CreateNamespace(name string, onReply func(CreateNamespaceReply)) {
	c.mu.Lock()
	c.nextLocalID++
	localID := c.nextLocalID
	c.pendingNs[localID] = onReply
	c.mu.Unlock()

	req := CreateNamespaceRequest{ClientLocalNsID: localID, Name: name}
	c.ctx.SendMessage(MsgCreateNamespaceRequest, req.WireSize(), req.Encode)
}

// CreateNsObject creates a new object inside an already-joined namespace.
// objClientID is an application-chosen tag echoed back in the resulting
// CreateNsObjectNotification so the caller can tell its own creation apart
// from ones made elsewhere.
func (c *Client) CreateNsObject(nsServerID uint32, objClientID uint16, dict *datatype.Dictionary, typeID datatype.TypeID, value any) error {
	req := CreateNsObjectRequest{NsServerID: nsServerID, ObjClientID: objClientID, Dict: dict, TypeID: typeID, Value: value}
	capacity, err := req.WireSize()
	if err != nil {
		return fmt.Errorf("koinonia: size CreateNsObjectRequest: %w", err)
	}
	c.ctx.SendMessage(MsgCreateNsObjectRequest, capacity, req.Encode)
	return nil
}

// ReplaceNsObject proposes a new value for a namespace object.
func (c *Client) ReplaceNsObject(nsServerID, objServerID uint32, value any) error {
	c.mu.Lock()
	ns, ok := c.namespaces[nsServerID]
	var obj *localObject
	if ok {
		obj, ok = ns.objects[objServerID]
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("koinonia: unknown namespace object %d/%d", nsServerID, objServerID)
	}

	n, err := valueUpdateSize(obj.dict, obj.typeID, value)
	if err != nil {
		return fmt.Errorf("koinonia: size replace namespace value: %w", err)
	}
	capacity := n + 4 // leading nsServerID field
	c.ctx.SendMessage(MsgReplaceNsObjectRequest, capacity, func(w *wire.Writer) error {
		if err := w.U32(nsServerID); err != nil {
			return err
		}
		if err := w.U32(objServerID); err != nil {
			return err
		}
		if err := w.U32(obj.version); err != nil {
			return err
		}
		return datatype.Write(w, obj.dict, obj.typeID, value)
	})
	return nil
}

// DestroyNsObject removes an object from a namespace.
func (c *Client) DestroyNsObject(nsServerID, objServerID uint32) {
	req := DestroyNsObjectRequest{NsServerID: nsServerID, ObjServerID: objServerID}
	c.ctx.SendMessage(MsgDestroyNsObjectRequest, destroyNsObjectSize, req.Encode)
}

// HandleServerMessage implements session.MessageReceiver.
func (c *Client) HandleServerMessage(localID proto.MessageID, r *wire.Reader) {
	switch localID {
	case MsgCreateObjectReply:
		c.handleCreateObjectReply(r)
	case MsgReplaceObjectNotification:
		c.handleValueUpdate(r, c.onObjectChanged)
	case MsgReplaceObjectConflict:
		c.handleValueUpdate(r, c.onObjectConflict)
	case MsgCreateNamespaceReply:
		c.handleCreateNamespaceReply(r)
	case MsgCreateNsObjectNotification:
		c.handleCreateNsObjectNotification(r)
	case MsgReplaceNsObjectNotification:
		c.handleNsValueUpdate(r, c.onNsObjectChanged)
	case MsgReplaceNsObjectConflict:
		c.handleNsValueUpdate(r, c.onNsObjectConflict)
	case MsgDestroyNsObjectNotification:
		c.handleDestroyNsObject(r)
	}
}

func (c *Client) handleCreateObjectReply(r *wire.Reader) {
	reply, err := DecodeCreateObjectReply(r)
	if err != nil {
		return
	}

	c.mu.Lock()
	pending, ok := c.pendingObj[reply.ClientLocalID]
	delete(c.pendingObj, reply.ClientLocalID)
	obj := &localObject{
		serverID: reply.ServerID,
		dict:     reply.Dict,
		typeID:   reply.TypeID,
		value:    reply.Value,
	}
	c.objectsByServerID[reply.ServerID] = obj
	if ok {
		c.objectsByName[pending.name] = obj
	}
	c.mu.Unlock()

	if ok && pending.cb != nil {
		pending.cb(reply)
	}
}

// handleValueUpdate decodes a (serverID, version, value) triple against the
// dictionary already recorded for that object, then invokes cb.
func (c *Client) handleValueUpdate(r *wire.Reader, cb func(uint32, any, uint32)) {
	serverID, err := r.U32()
	if err != nil {
		return
	}
	version, err := r.U32()
	if err != nil {
		return
	}

	c.mu.Lock()
	obj, ok := c.objectsByServerID[serverID]
	c.mu.Unlock()
	if !ok {
		return
	}
	value, err := datatype.Read(r, obj.dict, obj.typeID)
	if err != nil {
		return
	}

	c.mu.Lock()
	obj.value, obj.version = value, version
	c.mu.Unlock()

	if cb != nil {
		cb(serverID, value, version)
	}
}

func (c *Client) handleCreateNamespaceReply(r *wire.Reader) {
	reply, err := DecodeCreateNamespaceReply(r)
	if err != nil {
		return
	}

	c.mu.Lock()
	onReply, ok := c.pendingNs[reply.ClientLocalNsID]
	delete(c.pendingNs, reply.ClientLocalNsID)
	if _, exists := c.namespaces[reply.NsServerID]; !exists {
		c.namespaces[reply.NsServerID] = &localNamespace{serverID: reply.NsServerID, objects: make(map[uint32]*localObject)}
	}
	c.mu.Unlock()

	if ok && onReply != nil {
		onReply(reply)
	}
}

func (c *Client) handleCreateNsObjectNotification(r *wire.Reader) {
	notif, err := DecodeCreateNsObjectNotification(r)
	if err != nil {
		return
	}

	c.mu.Lock()
	ns, ok := c.namespaces[notif.NsServerID]
	if ok {
		ns.objects[notif.ObjServerID] = &localObject{serverID: notif.ObjServerID, dict: notif.Dict, typeID: notif.TypeID, value: notif.Value}
	}
	c.mu.Unlock()

	if ok && c.onNsObjectCreated != nil {
		c.onNsObjectCreated(notif.NsServerID, notif.ObjServerID, notif.Value)
	}
}

func (c *Client) handleNsValueUpdate(r *wire.Reader, cb func(uint32, uint32, any, uint32)) {
	nsServerID, err := r.U32()
	if err != nil {
		return
	}
	objServerID, err := r.U32()
	if err != nil {
		return
	}
	version, err := r.U32()
	if err != nil {
		return
	}

	c.mu.Lock()
	ns, ok := c.namespaces[nsServerID]
	var obj *localObject
	if ok {
		obj, ok = ns.objects[objServerID]
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	value, err := datatype.Read(r, obj.dict, obj.typeID)
	if err != nil {
		return
	}

	c.mu.Lock()
	obj.value, obj.version = value, version
	c.mu.Unlock()

	if cb != nil {
		cb(nsServerID, objServerID, value, version)
	}
}

func (c *Client) handleDestroyNsObject(r *wire.Reader) {
	notif, err := DecodeDestroyNsObjectNotification(r)
	if err != nil {
		return
	}

	c.mu.Lock()
	if ns, ok := c.namespaces[notif.NsServerID]; ok {
		delete(ns.objects, notif.ObjServerID)
	}
	c.mu.Unlock()

	if c.onNsObjectDestroyed != nil {
		c.onNsObjectDestroyed(notif.NsServerID, notif.ObjServerID)
	}
}
