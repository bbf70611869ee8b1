// Package koinonia implements the server-side half of the data-sharing
// plug-in: globally named objects with replace-wins
// versioning, and namespaces — named containers of dynamically-created
// shared objects. It is loaded through the core plug-in registry like any
// other plug-in and dispatches by the message-ID range it is admitted into.
package koinonia

import (
	"vci/server/internal/datatype"
	"vci/server/internal/proto"
	"vci/server/internal/wire"
)

// Client-origin message IDs, relative to this plug-in's admitted
// ClientMessageBase.
const (
	MsgCreateObjectRequest proto.MessageID = iota
	MsgReplaceObjectRequest
	MsgCreateNamespaceRequest
	MsgCreateNsObjectRequest
	MsgReplaceNsObjectRequest
	MsgDestroyNsObjectRequest

	NumClientMessages
)

// Server-origin message IDs, relative to this plug-in's admitted
// ServerMessageBase.
const (
	MsgCreateObjectReply proto.MessageID = iota
	MsgReplaceObjectNotification
	MsgReplaceObjectConflict
	MsgCreateNamespaceReply
	MsgCreateNsObjectNotification
	MsgReplaceNsObjectNotification
	MsgReplaceNsObjectConflict
	MsgDestroyNsObjectNotification

	NumServerMessages
)

// dictionaryWireSize returns the exact byte count datatype.EncodeDictionary
// would write for d, mirroring its tag/parameter layout without allocating
// a scratch buffer.
func dictionaryWireSize(d *datatype.Dictionary) int {
	size := 1
	for _, c := range d.Compounds {
		switch c.Kind {
		case datatype.KindPointer:
			size += 1 + 2
		case datatype.KindFixedArray:
			size += 1 + 2 + 2
		case datatype.KindVector:
			size += 1 + 2
		case datatype.KindStructure:
			size += 1 + 1 + 2*len(c.Fields)
		}
	}
	return size
}

// typedValueSize returns the wire size of a dictionary, followed by a type
// ID, followed by a value of that type — the shape every self-contained
// Koinonia request/reply embeds a value with.
func typedValueSize(dict *datatype.Dictionary, typeID datatype.TypeID, value any) (int, error) {
	n, err := datatype.CalcWireSize(dict, typeID, value)
	if err != nil {
		return 0, err
	}
	return dictionaryWireSize(dict) + 2 + n, nil
}

func encodeTypedValue(w *wire.Writer, dict *datatype.Dictionary, typeID datatype.TypeID, value any) error {
	if err := datatype.EncodeDictionary(w, dict); err != nil {
		return err
	}
	if err := w.U16(uint16(typeID)); err != nil {
		return err
	}
	return datatype.Write(w, dict, typeID, value)
}

func decodeTypedValue(r *wire.Reader) (*datatype.Dictionary, datatype.TypeID, any, error) {
	dict, err := datatype.DecodeDictionary(r)
	if err != nil {
		return nil, 0, nil, err
	}
	rawID, err := r.U16()
	if err != nil {
		return nil, 0, nil, err
	}
	typeID := datatype.TypeID(rawID)
	value, err := datatype.Read(r, dict, typeID)
	if err != nil {
		return nil, 0, nil, err
	}
	return dict, typeID, value, nil
}

// encodeValueUpdate writes a (serverID, version, value) triple against an
// already-known dictionary — used by Replace*Notification/Conflict, which
// never resend the dictionary a CreateObjectReply already established.
func encodeValueUpdate(w *wire.Writer, serverID, version uint32, dict *datatype.Dictionary, typeID datatype.TypeID, value any) error {
	if err := w.U32(serverID); err != nil {
		return err
	}
	if err := w.U32(version); err != nil {
		return err
	}
	return datatype.Write(w, dict, typeID, value)
}

func valueUpdateSize(dict *datatype.Dictionary, typeID datatype.TypeID, value any) (int, error) {
	n, err := datatype.CalcWireSize(dict, typeID, value)
	if err != nil {
		return 0, err
	}
	return 8 + n, nil
}

// CreateObjectRequest is the client-origin request to join or create a
// globally named object.
type CreateObjectRequest struct {
	ClientLocalID uint16
	Name          string
	Dict          *datatype.Dictionary
	TypeID        datatype.TypeID
	Value         any
}

func (m CreateObjectRequest) Encode(w *wire.Writer) error {
	if err := w.U16(m.ClientLocalID); err != nil {
		return err
	}
	if err := w.String(m.Name); err != nil {
		return err
	}
	return encodeTypedValue(w, m.Dict, m.TypeID, m.Value)
}

func (m CreateObjectRequest) WireSize() (int, error) {
	n, err := typedValueSize(m.Dict, m.TypeID, m.Value)
	if err != nil {
		return 0, err
	}
	return 2 + wire.VarIntLen(uint32(len(m.Name))) + len(m.Name) + n, nil
}

func DecodeCreateObjectRequest(r *wire.Reader) (CreateObjectRequest, error) {
	var m CreateObjectRequest
	var err error
	if m.ClientLocalID, err = r.U16(); err != nil {
		return m, err
	}
	if m.Name, err = r.String(); err != nil {
		return m, err
	}
	m.Dict, m.TypeID, m.Value, err = decodeTypedValue(r)
	return m, err
}

// CreateObjectReply answers a CreateObjectRequest: Created distinguishes a
// freshly made object from one the requester joined, and Dict/TypeID/Value
// are always the object's authoritative current state.
type CreateObjectReply struct {
	ClientLocalID uint16
	ServerID      uint32
	Created       bool
	Dict          *datatype.Dictionary
	TypeID        datatype.TypeID
	Value         any
}

func (m CreateObjectReply) Encode(w *wire.Writer) error {
	if err := w.U16(m.ClientLocalID); err != nil {
		return err
	}
	if err := w.U32(m.ServerID); err != nil {
		return err
	}
	if err := w.Bool(m.Created); err != nil {
		return err
	}
	return encodeTypedValue(w, m.Dict, m.TypeID, m.Value)
}

func (m CreateObjectReply) WireSize() (int, error) {
	n, err := typedValueSize(m.Dict, m.TypeID, m.Value)
	if err != nil {
		return 0, err
	}
	return 2 + 4 + 1 + n, nil
}

func DecodeCreateObjectReply(r *wire.Reader) (CreateObjectReply, error) {
	var m CreateObjectReply
	var err error
	if m.ClientLocalID, err = r.U16(); err != nil {
		return m, err
	}
	if m.ServerID, err = r.U32(); err != nil {
		return m, err
	}
	if m.Created, err = r.Bool(); err != nil {
		return m, err
	}
	m.Dict, m.TypeID, m.Value, err = decodeTypedValue(r)
	return m, err
}

// CreateNamespaceRequest joins or creates a namespace by name.
type CreateNamespaceRequest struct {
	ClientLocalNsID uint16
	Name            string
}

func (m CreateNamespaceRequest) Encode(w *wire.Writer) error {
	if err := w.U16(m.ClientLocalNsID); err != nil {
		return err
	}
	return w.String(m.Name)
}

func (m CreateNamespaceRequest) WireSize() int {
	return 2 + wire.VarIntLen(uint32(len(m.Name))) + len(m.Name)
}

func DecodeCreateNamespaceRequest(r *wire.Reader) (CreateNamespaceRequest, error) {
	var m CreateNamespaceRequest
	var err error
	if m.ClientLocalNsID, err = r.U16(); err != nil {
		return m, err
	}
	m.Name, err = r.String()
	return m, err
}

// CreateNamespaceReply answers a CreateNamespaceRequest with the
// server-assigned namespace ID.
type CreateNamespaceReply struct {
	ClientLocalNsID uint16
	NsServerID      uint32
	Created         bool
}

func (m CreateNamespaceReply) Encode(w *wire.Writer) error {
	if err := w.U16(m.ClientLocalNsID); err != nil {
		return err
	}
	if err := w.U32(m.NsServerID); err != nil {
		return err
	}
	return w.Bool(m.Created)
}

const createNamespaceReplySize = 2 + 4 + 1

func DecodeCreateNamespaceReply(r *wire.Reader) (CreateNamespaceReply, error) {
	var m CreateNamespaceReply
	var err error
	if m.ClientLocalNsID, err = r.U16(); err != nil {
		return m, err
	}
	if m.NsServerID, err = r.U32(); err != nil {
		return m, err
	}
	m.Created, err = r.Bool()
	return m, err
}

// CreateNsObjectRequest creates a new object inside an already-joined
// namespace.
type CreateNsObjectRequest struct {
	NsServerID  uint32
	ObjClientID uint16
	Dict        *datatype.Dictionary
	TypeID      datatype.TypeID
	Value       any
}

func (m CreateNsObjectRequest) Encode(w *wire.Writer) error {
	if err := w.U32(m.NsServerID); err != nil {
		return err
	}
	if err := w.U16(m.ObjClientID); err != nil {
		return err
	}
	return encodeTypedValue(w, m.Dict, m.TypeID, m.Value)
}

func (m CreateNsObjectRequest) WireSize() (int, error) {
	n, err := typedValueSize(m.Dict, m.TypeID, m.Value)
	if err != nil {
		return 0, err
	}
	return 4 + 2 + n, nil
}

func DecodeCreateNsObjectRequest(r *wire.Reader) (CreateNsObjectRequest, error) {
	var m CreateNsObjectRequest
	var err error
	if m.NsServerID, err = r.U32(); err != nil {
		return m, err
	}
	if m.ObjClientID, err = r.U16(); err != nil {
		return m, err
	}
	m.Dict, m.TypeID, m.Value, err = decodeTypedValue(r)
	return m, err
}

// CreateNsObjectNotification is fanned out to every client sharing a
// namespace when a new object appears in it. ObjClientID is only
// meaningful to the object's own creator (it matches one of that client's
// own pending-create IDs); every other recipient ignores it.
type CreateNsObjectNotification struct {
	NsServerID  uint32
	ObjServerID uint32
	ObjClientID uint16
	Dict        *datatype.Dictionary
	TypeID      datatype.TypeID
	Value       any
}

func (m CreateNsObjectNotification) Encode(w *wire.Writer) error {
	if err := w.U32(m.NsServerID); err != nil {
		return err
	}
	if err := w.U32(m.ObjServerID); err != nil {
		return err
	}
	if err := w.U16(m.ObjClientID); err != nil {
		return err
	}
	return encodeTypedValue(w, m.Dict, m.TypeID, m.Value)
}

func (m CreateNsObjectNotification) WireSize() (int, error) {
	n, err := typedValueSize(m.Dict, m.TypeID, m.Value)
	if err != nil {
		return 0, err
	}
	return 4 + 4 + 2 + n, nil
}

func DecodeCreateNsObjectNotification(r *wire.Reader) (CreateNsObjectNotification, error) {
	var m CreateNsObjectNotification
	var err error
	if m.NsServerID, err = r.U32(); err != nil {
		return m, err
	}
	if m.ObjServerID, err = r.U32(); err != nil {
		return m, err
	}
	if m.ObjClientID, err = r.U16(); err != nil {
		return m, err
	}
	m.Dict, m.TypeID, m.Value, err = decodeTypedValue(r)
	return m, err
}

// DestroyNsObjectRequest/Notification carry no value, just identity.
type DestroyNsObjectRequest struct {
	NsServerID  uint32
	ObjServerID uint32
}

func (m DestroyNsObjectRequest) Encode(w *wire.Writer) error {
	if err := w.U32(m.NsServerID); err != nil {
		return err
	}
	return w.U32(m.ObjServerID)
}

const destroyNsObjectSize = 4 + 4

func DecodeDestroyNsObjectRequest(r *wire.Reader) (DestroyNsObjectRequest, error) {
	var m DestroyNsObjectRequest
	var err error
	if m.NsServerID, err = r.U32(); err != nil {
		return m, err
	}
	m.ObjServerID, err = r.U32()
	return m, err
}

type DestroyNsObjectNotification = DestroyNsObjectRequest

func DecodeDestroyNsObjectNotification(r *wire.Reader) (DestroyNsObjectNotification, error) {
	return DecodeDestroyNsObjectRequest(r)
}
