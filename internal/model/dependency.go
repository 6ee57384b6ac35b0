package model

import (
	"sync"
	"time"
)

// Dependency backs the "dependencies, if modelled" predicate spec.md
// §4.G's canRunNow explicitly defers. A Checkable is reachable if every
// Dependency attached to it currently resolves true.
type Dependency struct {
	ParentHost    string
	ParentService string // "" means the dependency is on the host check itself
	StateFilter   []State
	Period        *TimePeriod
}

// Resolver looks up a checkable's current state; internal/schedule
// supplies the live implementation backed by its object store.
type Resolver interface {
	StateOf(host, service string) (State, bool)
}

// Reachable reports whether dep currently permits checks to run,
// i.e. the parent is in one of the filter's allowed states (or, with no
// filter configured, is OK/Up) and, if a period is attached, now falls inside
// it. Checked with a caller-supplied "now" via Period.IsInside
// elsewhere; Reachable only evaluates the parent-state half.
func (dep *Dependency) Reachable(r Resolver) bool {
	state, ok := r.StateOf(dep.ParentHost, dep.ParentService)
	if !ok {
		// Unknown parent: fail open, matching "no dependency modelled"
		// behaviour for objects whose parent hasn't reported yet.
		return true
	}
	if len(dep.StateFilter) == 0 {
		return stateIsOK(state)
	}
	for _, allowed := range dep.StateFilter {
		if state == allowed {
			return true
		}
	}
	return false
}

// CheckableIndex resolves a host/service pair to its live Checkable's
// current state, the Resolver a Dependency needs; internal/config
// populates it once at startup from every Host/Service it builds.
type CheckableIndex struct {
	mu       sync.RWMutex
	hosts    map[string]*Host
	services map[string]*Service // keyed by "host!service"
}

func NewCheckableIndex() *CheckableIndex {
	return &CheckableIndex{hosts: make(map[string]*Host), services: make(map[string]*Service)}
}

func (idx *CheckableIndex) AddHost(h *Host) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.hosts[h.Name()] = h
}

func (idx *CheckableIndex) AddService(s *Service) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.services[s.Name()] = s // Service names are already "host!service"
}

func (idx *CheckableIndex) StateOf(host, service string) (State, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if service == "" {
		h, ok := idx.hosts[host]
		if !ok {
			return 0, false
		}
		state, _, _ := h.State()
		return state, true
	}
	s, ok := idx.services[host+"!"+service]
	if !ok {
		return 0, false
	}
	state, _, _ := s.State()
	return state, true
}

var _ Resolver = (*CheckableIndex)(nil)

// DependencyChecker adapts the Dependency objects attached at config
// load time, keyed by the dependent checkable's FullName, to
// internal/schedule's DependencyChecker interface
// (Reachable(fullName string) bool). It is the production
// implementation of canRunNow's step 4; a checkable with nothing
// registered here is always reachable.
type DependencyChecker struct {
	mu    sync.RWMutex
	index *CheckableIndex
	deps  map[string][]*Dependency
	now   func() time.Time
}

func NewDependencyChecker(index *CheckableIndex) *DependencyChecker {
	return &DependencyChecker{index: index, deps: make(map[string][]*Dependency), now: time.Now}
}

// Add attaches dep to the checkable named childFullName.
func (dc *DependencyChecker) Add(childFullName string, dep *Dependency) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.deps[childFullName] = append(dc.deps[childFullName], dep)
}

// Reachable reports whether every Dependency attached to fullName
// currently permits its checks to run. A dependency whose period is
// attached but doesn't currently hold simply doesn't apply right now,
// matching how a dependency period scopes when the rule is evaluated
// rather than gating checks outright.
func (dc *DependencyChecker) Reachable(fullName string) bool {
	dc.mu.RLock()
	deps := dc.deps[fullName]
	dc.mu.RUnlock()
	if len(deps) == 0 {
		return true
	}
	now := dc.now()
	for _, dep := range deps {
		if dep.Period != nil && !dep.Period.IsInside(now) {
			continue
		}
		if !dep.Reachable(dc.index) {
			return false
		}
	}
	return true
}
