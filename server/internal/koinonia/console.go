package koinonia

import (
	"fmt"
	"sort"
)

// ListObjects returns every globally named object's name, sorted, for the
// operator console's listObjects command.
func (s *Server) ListObjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objectsByName))
	for name := range s.objectsByName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PrintObject renders one globally named object's current value for the
// operator console's printObject command. Reports whether name exists.
func (s *Server) PrintObject(name string) (string, bool) {
	s.mu.Lock()
	obj, ok := s.objectsByName[name]
	if !ok {
		s.mu.Unlock()
		return "", false
	}
	id, version, value := obj.id, obj.version, obj.value
	sharers := len(obj.sharers)
	s.mu.Unlock()
	return fmt.Sprintf("object %q (id=%d version=%d sharers=%d): %#v", name, id, version, sharers, value), true
}

// DeleteObject removes a globally named object outright. Not reachable from
// the wire protocol; it exists only as an operator
// console escape hatch, e.g. to clear a stale object before reloading a
// snapshot under the same name.
func (s *Server) DeleteObject(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objectsByName[name]
	if !ok {
		return false
	}
	delete(s.objectsByName, name)
	delete(s.objectsByID, obj.id)
	return true
}

// ListNamespaces returns every namespace's name, sorted, for the operator
// console's namespace-scoped listObjects equivalent.
func (s *Server) ListNamespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.namespacesByName))
	for name := range s.namespacesByName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PrintNamespace renders every object currently living in a namespace, for
// the operator console's namespace-scoped printObject equivalent.
func (s *Server) PrintNamespace(name string) (string, bool) {
	s.mu.Lock()
	ns, ok := s.namespacesByName[name]
	if !ok {
		s.mu.Unlock()
		return "", false
	}
	ids := make([]uint32, 0, len(ns.objects))
	for id := range ns.objects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	lines := fmt.Sprintf("namespace %q (id=%d sharers=%d, %d objects):", name, ns.id, len(ns.sharers), len(ns.objects))
	for _, id := range ids {
		o := ns.objects[id]
		lines += fmt.Sprintf("\n  [%d] version=%d: %#v", id, o.version, o.value)
	}
	s.mu.Unlock()
	return lines, true
}

// DeleteNamespace removes a namespace and every object it contains. Like
// DeleteObject, this is an operator-only escape hatch with no client-facing
// equivalent.
func (s *Server) DeleteNamespace(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.namespacesByName[name]
	if !ok {
		return false
	}
	delete(s.namespacesByName, name)
	delete(s.namespacesByID, ns.id)
	return true
}
