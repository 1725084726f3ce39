// Package registry tracks which mock-serving backends are alive and which one
// is the primary event source.
//
// The Registry is pure data: it performs no I/O. The discovery poller is its
// only writer; every other component reads snapshots.
package registry

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Address is the host:port identifier of one mock-serving backend.
// Equality is string identity.
type Address string

// String returns the address as a plain string.
func (a Address) String() string { return string(a) }

// IsZero reports whether the address is empty.
func (a Address) IsZero() bool { return a == "" }

// Service is the status of one backend as seen by the registry.
type Service struct {
	Address  Address `json:"address"`
	Protocol string  `json:"protocol,omitempty"`
	Online   bool    `json:"online"`
	Primary  bool    `json:"primary"`
}

// Snapshot is an immutable copy of the registry state.
type Snapshot struct {
	Services  []Service `json:"services"`
	Primary   Address   `json:"primary,omitempty"`
	Degraded  bool      `json:"degraded"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Online returns the addresses of services present in the latest discovery result.
func (s Snapshot) Online() []Address {
	out := make([]Address, 0, len(s.Services))
	for _, svc := range s.Services {
		if svc.Online {
			out = append(out, svc.Address)
		}
	}
	return out
}

// Registry holds the known backend set and the current primary.
type Registry struct {
	mu        sync.RWMutex
	known     []Address
	offline   []Address
	primary   Address
	degraded  bool
	protocols map[Address]string
	updatedAt time.Time
	now       func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{now: time.Now, protocols: make(map[Address]string)}
}

// SetProtocol records the protocol a backend announced for itself. The last
// announced value is kept while the backend is offline.
func (r *Registry) SetProtocol(addr Address, protocol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protocols[addr] = protocol
}

// Protocol returns the announced protocol of addr, or "" if none is known.
func (r *Registry) Protocol(addr Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocols[addr]
}

// Reconcile replaces the known service set with services and, when candidate
// is non-empty, makes it the primary. An empty candidate keeps the previous
// primary. A non-empty candidate missing from services is added to the known
// set so the primary is always a known service.
//
// Returns true when the primary changed by value.
func (r *Registry) Reconcile(services []Address, candidate Address) bool {
	next := normalize(services)
	candidate = Address(strings.TrimSpace(string(candidate)))
	if !candidate.IsZero() && !slices.Contains(next, candidate) {
		next = append(next, candidate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.offline = departed(r.known, r.offline, next)
	r.known = next
	r.degraded = false
	r.updatedAt = r.now()

	if candidate.IsZero() {
		return false
	}
	changed := r.primary != candidate
	r.primary = candidate
	return changed
}

// Fallback installs the degraded state: the bootstrap host becomes the only
// known service and the primary. The poller only calls it while the registry
// is empty.
//
// Returns true when the primary changed by value.
func (r *Registry) Fallback(bootstrap Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.offline = departed(r.known, r.offline, []Address{bootstrap})
	r.known = []Address{bootstrap}
	r.degraded = true
	r.updatedAt = r.now()

	changed := r.primary != bootstrap
	r.primary = bootstrap
	return changed
}

// Primary returns the current primary, or the zero Address if none is known.
func (r *Registry) Primary() Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// IsEmpty reports whether no service has been recorded yet.
func (r *Registry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.known) == 0
}

// Contains reports whether addr is in the known service set.
func (r *Registry) Contains(addr Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.known, addr)
}

// Snapshot returns a copy of the current state. Services that were known
// before but are missing from the latest result are listed as offline.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]Service, 0, len(r.known)+len(r.offline))
	for _, addr := range r.known {
		services = append(services, Service{Address: addr, Protocol: r.protocols[addr], Online: true, Primary: addr == r.primary})
	}
	for _, addr := range r.offline {
		services = append(services, Service{Address: addr, Protocol: r.protocols[addr]})
	}
	return Snapshot{
		Services:  services,
		Primary:   r.primary,
		Degraded:  r.degraded,
		UpdatedAt: r.updatedAt,
	}
}

// normalize trims, drops empty entries and removes duplicates, keeping order.
func normalize(in []Address) []Address {
	out := make([]Address, 0, len(in))
	for _, a := range in {
		a = Address(strings.TrimSpace(string(a)))
		if a.IsZero() || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// departed returns the offline list after moving from prev to next: anything
// in prev or the old offline list that is not in next.
func departed(prev, offline, next []Address) []Address {
	out := make([]Address, 0, len(offline)+len(prev))
	for _, a := range append(slices.Clone(offline), prev...) {
		if slices.Contains(next, a) || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	return out
}
