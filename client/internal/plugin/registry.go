// Package plugin implements the client-side half of plug-in registration:
// a process-wide (name, major) keyed singleton store, mirroring the
// server's registry but without message-ID allocation (the server assigns
// ranges; the client only records what it was handed back in ConnectReply).
package plugin

import (
	"fmt"
	"sync"

	"vci/client/internal/proto"
)

// Client is the capability interface every client-side plug-in implements.
type Client interface {
	Name() string
	Version() (major, minor uint16)
	// NumServerMessages reports how many message IDs, starting at the
	// ServerMessageBase this plug-in is handed in SetMessageBases, the
	// server may address to it. The session uses this to route inbound
	// messages/datagrams to the right plug-in without a central ID table.
	NumServerMessages() uint16
	SetMessageBases(clientBase, serverBase proto.MessageID)
	Start() error
	ClientConnected(id proto.ClientID)
	ClientDisconnected(id proto.ClientID)
}

// Factory constructs a fresh plug-in instance when first requested.
type Factory func() Client

// Registry is a process-wide, (name, major)-keyed store of singleton
// client-side plug-in instances.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		loaded:    make(map[string]Client),
	}
}

// RegisterFactory makes a plug-in available for loading under name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func key(name string, major uint16) string { return fmt.Sprintf("%s/%d", name, major) }

// Load constructs (or returns the cached) singleton for (name, major).
func (r *Registry) Load(name string, major uint16) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(name, major)
	if c, ok := r.loaded[k]; ok {
		return c, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("plugin: unknown protocol %q", name)
	}
	c := f()
	gotMajor, _ := c.Version()
	if gotMajor != major {
		return nil, fmt.Errorf("plugin: %q version mismatch: have %d, want %d", name, gotMajor, major)
	}
	r.loaded[k] = c
	return c, nil
}

// All returns every currently loaded plug-in.
func (r *Registry) All() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Client, 0, len(r.loaded))
	for _, c := range r.loaded {
		out = append(out, c)
	}
	return out
}
