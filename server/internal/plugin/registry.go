// Package plugin implements the process-wide plug-in registry: it loads
// plug-ins by (name, major) protocol identity, allocates each admitted
// plug-in a contiguous range of client-originated and server-originated
// message IDs. It does not track which clients participate in a plug-in.
package plugin

import (
	"fmt"
	"sync"

	"vci/server/internal/proto"
)

// Server is the capability interface every server-side plug-in implements.
// The core never reaches into a plug-in's state directly; it only calls
// through this interface.
type Server interface {
	Name() string
	Version() (major, minor uint16)
	NumClientMessages() uint16
	NumServerMessages() uint16
	SetMessageBases(clientBase, serverBase proto.MessageID)
	Start() error
	ClientConnected(id proto.ClientID)
	ClientDisconnected(id proto.ClientID)
}

// Factory constructs a fresh plug-in instance when first requested.
type Factory func() Server

// Loaded describes a plug-in after it has been admitted: its negotiated
// message-ID ranges and assigned server index.
type Loaded struct {
	Plugin            Server
	Major             uint16
	Minor             uint16
	ServerIndex       uint16
	ClientMessageBase proto.MessageID
	ServerMessageBase proto.MessageID
}

// Registry is a process-wide, (name, major)-keyed store of singleton
// plug-in instances plus the message-ID range allocator. One Registry is
// shared by the whole server process; clients reuse an already-loaded
// module across subsequent connections rather than constructing it again.
type Registry struct {
	mu          sync.Mutex
	factories   map[string]Factory // keyed by name only; Load checks the instance's major version
	loaded      map[string]*Loaded // keyed by "name/major"
	nextClient  proto.MessageID
	nextServer  proto.MessageID
	nextIndex   uint16
}

// NewRegistry creates an empty registry. Message IDs for plug-ins are
// allocated starting just above the core protocol's reserved range.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		loaded:     make(map[string]*Loaded),
		nextClient: proto.NumCoreMessages,
		nextServer: proto.NumCoreMessages,
	}
}

// RegisterFactory makes a plug-in available for loading under name. Call
// during process startup, before any client connects.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func key(name string, major uint16) string {
	return fmt.Sprintf("%s/%d", name, major)
}

// Load returns the singleton plug-in for (name, major), constructing and
// admitting it on first use. Subsequent calls for the same (name, major)
// return the same *Loaded without re-invoking Start.
func (r *Registry) Load(name string, major uint16) (*Loaded, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(name, major)
	if l, ok := r.loaded[k]; ok {
		return l, nil
	}

	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("plugin: unknown protocol %q", name)
	}
	p := f()
	gotMajor, _ := p.Version()
	if gotMajor != major {
		return nil, fmt.Errorf("plugin: %q version mismatch: have %d, want %d", name, gotMajor, major)
	}

	clientBase := r.nextClient
	serverBase := r.nextServer
	r.nextClient += proto.MessageID(p.NumClientMessages())
	r.nextServer += proto.MessageID(p.NumServerMessages())

	p.SetMessageBases(clientBase, serverBase)
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("plugin: starting %q: %w", name, err)
	}

	_, minor := p.Version()
	l := &Loaded{
		Plugin:            p,
		Major:             major,
		Minor:             minor,
		ServerIndex:       r.nextIndex,
		ClientMessageBase: clientBase,
		ServerMessageBase: serverBase,
	}
	r.nextIndex++
	r.loaded[k] = l
	return l, nil
}

// Get returns the already-loaded plug-in for (name, major), or false.
func (r *Registry) Get(name string, major uint16) (*Loaded, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.loaded[key(name, major)]
	return l, ok
}

// All returns every currently loaded plug-in, for the operator console's
// listPlugins command.
func (r *Registry) All() []*Loaded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Loaded, 0, len(r.loaded))
	for _, l := range r.loaded {
		out = append(out, l)
	}
	return out
}

// Unload removes a plug-in from the registry (operator console's
// unloadPlugin); it does not renumber message-ID ranges already handed to
// connected clients, so unloading is only safe once no client participates.
func (r *Registry) Unload(name string, major uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(name, major)
	if _, ok := r.loaded[k]; !ok {
		return false
	}
	delete(r.loaded, k)
	return true
}
