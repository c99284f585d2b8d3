// Package registry implements the server's thread-safe agent-id-to-address
// mapping, a small mutex-guarded map.
package registry

import (
	"net/netip"
	"sync"
)

// Registry maps AgentId to the peer address it registered from. Entries are
// created on successful registration and live for the server's process
// lifetime; registration never overwrites an existing entry.
type Registry struct {
	mu   sync.Mutex
	addr map[string]netip.AddrPort
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{addr: make(map[string]netip.AddrPort)}
}

// Register records addr for id if id is not already registered. It reports
// true if id was freshly inserted, false if id was already present (the
// caller should respond AlreadyRegistered).
func (r *Registry) Register(id string, addr netip.AddrPort) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.addr[id]; ok {
		return false
	}
	r.addr[id] = addr
	return true
}

// Address returns the peer address registered for id, if any.
func (r *Registry) Address(id string) (netip.AddrPort, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.addr[id]
	return a, ok
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.addr)
}

// IDs returns a snapshot of the currently registered agent ids.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.addr))
	for id := range r.addr {
		ids = append(ids, id)
	}
	return ids
}
