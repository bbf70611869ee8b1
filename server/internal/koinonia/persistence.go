package koinonia

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"vci/server/internal/datatype"
	"vci/server/internal/proto"
	"vci/server/internal/store"
	"vci/server/internal/wire"
)

// Flat-file snapshot format: a
// 32-byte, zero-padded magic header identifying the file kind and version,
// followed by the payload in the same wire encoding used on the network.
const (
	objectMagic    = "Koinonia Object v1.0"
	namespaceMagic = "Koinonia Namespace v1.0"
	magicLen       = 32
)

func writeMagic(w *wire.Writer, magic string) error {
	var buf [magicLen]byte
	copy(buf[:], magic)
	return w.Bytes(buf[:])
}

func readMagic(r *wire.Reader) (string, error) {
	buf, err := r.Bytes(magicLen)
	if err != nil {
		return "", err
	}
	i := 0
	for i < len(buf) && buf[i] != 0 {
		i++
	}
	return string(buf[:i]), nil
}

// SaveObject writes the named globally-shared object to a flat file under
// s.snapshotDir and indexes it in s.db, for the console's saveObject
// command.
func (s *Server) SaveObject(ctx context.Context, name string) error {
	s.mu.Lock()
	obj, ok := s.objectsByName[name]
	var dict *datatype.Dictionary
	var typeID datatype.TypeID
	var value any
	var version uint32
	if ok {
		dict, typeID, value, version = obj.dict, obj.typeID, obj.value, obj.version
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("koinonia: object %q not found", name)
	}

	n, err := typedValueSize(dict, typeID, value)
	if err != nil {
		return fmt.Errorf("size object %q: %w", name, err)
	}
	size := magicLen + wire.VarIntLen(uint32(len(name))) + len(name) + 4 + n
	buf := make([]byte, size)
	w := wire.NewBodyWriter(buf, false)
	if err := writeMagic(w, objectMagic); err != nil {
		return err
	}
	if err := w.String(name); err != nil {
		return err
	}
	if err := w.U32(version); err != nil {
		return err
	}
	if err := encodeTypedValue(w, dict, typeID, value); err != nil {
		return fmt.Errorf("encode object %q: %w", name, err)
	}

	return s.writeSnapshot(ctx, "object", name, buf[:size-w.Remaining()])
}

// LoadObject reads a previously saved object snapshot back into memory,
// replacing any in-memory object of the same name. A client that later
// joins sees the restored state and version.
func (s *Server) LoadObject(ctx context.Context, name string) error {
	buf, err := s.readSnapshot(ctx, "object", name)
	if err != nil {
		return err
	}
	r := wire.NewBodyReader(buf, false)
	magic, err := readMagic(r)
	if err != nil {
		return err
	}
	if magic != objectMagic {
		return fmt.Errorf("koinonia: %q is not an object snapshot (magic %q)", name, magic)
	}
	storedName, err := r.String()
	if err != nil {
		return err
	}
	version, err := r.U32()
	if err != nil {
		return err
	}
	dict, typeID, value, err := decodeTypedValue(r)
	if err != nil {
		return fmt.Errorf("decode object %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	obj, existed := s.objectsByName[storedName]
	if !existed {
		s.nextObjectID++
		obj = &object{id: s.nextObjectID, name: storedName, sharers: make(map[proto.ClientID]struct{})}
		s.objectsByName[storedName] = obj
		s.objectsByID[obj.id] = obj
	}
	obj.dict, obj.typeID, obj.value, obj.version = dict, typeID, value, version
	return nil
}

// SaveNamespace writes every object currently living in a namespace to one
// flat file.
func (s *Server) SaveNamespace(ctx context.Context, name string) error {
	s.mu.Lock()
	ns, ok := s.namespacesByName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("koinonia: namespace %q not found", name)
	}

	s.mu.Lock()
	objs := make([]*nsObject, 0, len(ns.objects))
	for _, o := range ns.objects {
		objs = append(objs, o)
	}
	s.mu.Unlock()

	size := magicLen + wire.VarIntLen(uint32(len(name))) + len(name) + wire.VarIntLen(uint32(len(objs)))
	for _, o := range objs {
		n, err := typedValueSize(o.dict, o.typeID, o.value)
		if err != nil {
			return fmt.Errorf("size namespace object %d: %w", o.id, err)
		}
		size += 4 + 4 + n
	}

	buf := make([]byte, size)
	w := wire.NewBodyWriter(buf, false)
	if err := writeMagic(w, namespaceMagic); err != nil {
		return err
	}
	if err := w.String(name); err != nil {
		return err
	}
	if err := w.VarInt(uint32(len(objs))); err != nil {
		return err
	}
	for _, o := range objs {
		if err := w.U32(o.id); err != nil {
			return err
		}
		if err := w.U32(o.version); err != nil {
			return err
		}
		if err := encodeTypedValue(w, o.dict, o.typeID, o.value); err != nil {
			return fmt.Errorf("encode namespace object %d: %w", o.id, err)
		}
	}

	return s.writeSnapshot(ctx, "namespace", name, buf[:size-w.Remaining()])
}

// LoadNamespace restores a namespace's objects from a flat file, replacing
// any in-memory namespace of the same name. Client-joinable but keeps its
// existing server ID if already present, so sharers reconnecting mid-load
// aren't orphaned.
func (s *Server) LoadNamespace(ctx context.Context, name string) error {
	buf, err := s.readSnapshot(ctx, "namespace", name)
	if err != nil {
		return err
	}
	r := wire.NewBodyReader(buf, false)
	magic, err := readMagic(r)
	if err != nil {
		return err
	}
	if magic != namespaceMagic {
		return fmt.Errorf("koinonia: %q is not a namespace snapshot (magic %q)", name, magic)
	}
	storedName, err := r.String()
	if err != nil {
		return err
	}
	count, err := r.VarInt()
	if err != nil {
		return err
	}

	objects := make(map[uint32]*nsObject, count)
	var maxID uint32
	for i := uint32(0); i < count; i++ {
		id, err := r.U32()
		if err != nil {
			return err
		}
		version, err := r.U32()
		if err != nil {
			return err
		}
		dict, typeID, value, err := decodeTypedValue(r)
		if err != nil {
			return fmt.Errorf("decode namespace object %d: %w", id, err)
		}
		objects[id] = &nsObject{id: id, dict: dict, typeID: typeID, value: value, version: version}
		if id > maxID {
			maxID = id
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	target, existed := s.namespacesByName[storedName]
	if !existed {
		s.nextNamespaceID++
		target = &namespace{id: s.nextNamespaceID, name: storedName, sharers: make(map[proto.ClientID]struct{}), objects: make(map[uint32]*nsObject)}
		s.namespacesByName[storedName] = target
		s.namespacesByID[target.id] = target
	}
	target.objects = objects
	if maxID > target.nextObjID {
		target.nextObjID = maxID
	}
	return nil
}

func (s *Server) writeSnapshot(ctx context.Context, kind, name string, payload []byte) error {
	if s.snapshotDir == "" {
		return fmt.Errorf("koinonia: no snapshot directory configured")
	}
	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	path := filepath.Join(s.snapshotDir, fmt.Sprintf("%s-%s.kbin", kind, sanitizeFileName(name)))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("write snapshot %q: %w", path, err)
	}
	if s.db != nil {
		rec := store.PluginSnapshotRecord{Kind: kind, Name: name, Path: path, SavedAt: time.Now().UTC()}
		if err := s.db.IndexSnapshot(ctx, rec); err != nil {
			return fmt.Errorf("index snapshot %q: %w", name, err)
		}
	}
	return nil
}

func (s *Server) readSnapshot(ctx context.Context, kind, name string) ([]byte, error) {
	if s.db == nil {
		return nil, fmt.Errorf("koinonia: no snapshot index configured")
	}
	rec, err := s.db.SnapshotByName(ctx, kind, name)
	if err != nil {
		return nil, fmt.Errorf("find snapshot %q: %w", name, err)
	}
	buf, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %q: %w", rec.Path, err)
	}
	return buf, nil
}

func sanitizeFileName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
