package model

import (
	"fmt"
	"sync"
)

// Zone is a named group of endpoints arranged in a tree (spec.md §3).
// Endpoints are referred to by name ("weakly", per the ownership note)
// so that a zone can be torn down without reaching into endpoint
// lifetime; a Registry resolves names to live *Endpoint values.
type Zone struct {
	mu sync.RWMutex

	name      string
	parent    string // parent zone name, "" for a root zone
	global    bool
	endpoints []string // endpoint names
}

func NewZone(name, parent string, global bool) *Zone {
	return &Zone{name: name, parent: parent, global: global}
}

func (z *Zone) Name() string   { return z.name }
func (z *Zone) Global() bool   { return z.global }

func (z *Zone) Parent() string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	return z.parent
}

func (z *Zone) AddEndpoint(name string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for _, e := range z.endpoints {
		if e == name {
			return
		}
	}
	z.endpoints = append(z.endpoints, name)
}

func (z *Zone) EndpointNames() []string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]string, len(z.endpoints))
	copy(out, z.endpoints)
	return out
}

// Registry is the process-global table of zones and endpoints built at
// config load (spec.md §4.E: "Lookup: by name via a process-global
// table built at config load").
type Registry struct {
	mu        sync.RWMutex
	zones     map[string]*Zone
	endpoints map[string]*Endpoint
	localName string // local endpoint name
}

func NewRegistry(localEndpointName string) *Registry {
	return &Registry{
		zones:     make(map[string]*Zone),
		endpoints: make(map[string]*Endpoint),
		localName: localEndpointName,
	}
}

func (r *Registry) AddZone(z *Zone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones[z.name] = z
}

func (r *Registry) AddEndpoint(e *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoints[e.Name()] = e
}

func (r *Registry) Zone(name string) (*Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	z, ok := r.zones[name]
	return z, ok
}

func (r *Registry) Endpoint(name string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[name]
	return e, ok
}

func (r *Registry) LocalEndpointName() string { return r.localName }

// LocalZone returns the zone containing the local endpoint.
func (r *Registry) LocalZone() (*Zone, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, z := range r.zones {
		for _, en := range z.EndpointNames() {
			if en == r.localName {
				return z, true
			}
		}
	}
	return nil, false
}

// Validate checks the load-time invariants from spec.md §3: the parent
// relation forms a DAG with depth <= 32 and no cycles, and a global
// zone may not be a child of anything.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, z := range r.zones {
		if z.global && z.parent != "" {
			return fmt.Errorf("zone %s: global zone cannot have a parent", name)
		}
		seen := map[string]bool{name: true}
		cur := z.parent
		depth := 0
		for cur != "" {
			depth++
			if depth > 32 {
				return fmt.Errorf("zone %s: parent chain exceeds depth 32", name)
			}
			if seen[cur] {
				return fmt.Errorf("zone %s: cycle detected via %s", name, cur)
			}
			seen[cur] = true
			p, ok := r.zones[cur]
			if !ok {
				return fmt.Errorf("zone %s: unresolved parent %s", name, cur)
			}
			cur = p.parent
		}
	}
	return nil
}

// Ancestors returns z's parent, grandparent, ... up to the root, in
// that order.
func (r *Registry) Ancestors(z *Zone) []*Zone {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Zone
	cur := z.parent
	for cur != "" {
		p, ok := r.zones[cur]
		if !ok {
			break
		}
		out = append(out, p)
		cur = p.parent
	}
	return out
}

// IsParentOf reports whether child's parent field names z.
func (r *Registry) IsParentOf(z, child *Zone) bool {
	return child.Parent() == z.name
}

// CanAccessObject reports whether z may see an object homed in
// objZone: true iff objZone is global, equal to z, or one of z's
// ancestors (spec.md §4.E).
func (r *Registry) CanAccessObject(z *Zone, objZoneName string) bool {
	if objZoneName == "" || objZoneName == z.name {
		return true
	}
	objZone, ok := r.Zone(objZoneName)
	if ok && objZone.Global() {
		return true
	}
	for _, a := range r.Ancestors(z) {
		if a.Name() == objZoneName {
			return true
		}
	}
	return false
}

// connectedOrSelf returns the subset of names that are either the
// local endpoint or currently connected, used by authority election.
func (r *Registry) connectedOrSelf(names []string) []string {
	var out []string
	for _, n := range names {
		if n == r.localName {
			out = append(out, n)
			continue
		}
		if e, ok := r.Endpoint(n); ok && e.Connected() {
			out = append(out, n)
		}
	}
	return out
}

// ConnectedOrSelfEndpoints exposes connectedOrSelf for a zone's
// endpoint set, used by internal/cluster's authority election.
func (r *Registry) ConnectedOrSelfEndpoints(z *Zone) []string {
	return r.connectedOrSelf(z.EndpointNames())
}

// RoutingTargets computes the destination endpoint set for a message
// addressed at zone Z, per the routing rule in spec.md §4.E: Z's own
// endpoints, plus the endpoints of each immediate child of Z when that
// child is the local zone or Z itself is the local zone. Z's parent
// zone is not included.
func (r *Registry) RoutingTargets(z *Zone) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	add(z.EndpointNames())

	localZone, _ := r.localZoneLocked()
	for _, c := range r.zones {
		if c.parent != z.name {
			continue
		}
		if localZone != nil && (c.name == localZone.name || z.name == localZone.name) {
			add(c.EndpointNames())
		}
	}
	return out
}

func (r *Registry) localZoneLocked() (*Zone, bool) {
	for _, z := range r.zones {
		for _, en := range z.endpoints {
			if en == r.localName {
				return z, true
			}
		}
	}
	return nil, false
}
