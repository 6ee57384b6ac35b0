// Package cluster implements the object authority election described
// in spec.md §4.F: a 30s timer (plus on-membership-change recompute)
// that assigns each HARunOnce object to exactly one connected endpoint
// via a stable hash, with a cold-start guard against a split-brain
// window at startup.
//
// The election loop's shape — periodic recompute, membership-driven
// reactivity, a guarded cold-start window before trusting a small
// quorum — is grounded on the teacher's internal/ha/cluster.go Manager,
// generalized from a two-node active/standby failover decision to a
// per-object owner computed over an arbitrary-size endpoint set.
package cluster

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"wardend/internal/model"
)

// AuthorityOwner computes, for an object name and an endpoint set,
// the owning endpoint's name via a stable string hash. This is
// the deterministic computation spec.md §8 requires to be identical
// across nodes for identical inputs.
func AuthorityOwner(objectName string, sortedEndpoints []string) string {
	if len(sortedEndpoints) == 0 {
		return ""
	}
	h := sdbmHash(objectName)
	return sortedEndpoints[h%uint32(len(sortedEndpoints))]
}

// sdbmHash is the SDBM string hash spec.md §4.F names explicitly.
func sdbmHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = uint32(s[i]) + (h << 6) + (h << 16) - h
	}
	return h
}

// Authoritative is the subset of model.ConfigObject the election loop
// needs: a name to hash and a setter for the resulting bit. Host,
// Service and any other HARunOnce object satisfy this via their
// embedded *model.ConfigObject.
type Authoritative interface {
	Name() string
	HAMode() model.HAMode
	SetAuthority(bool)
}

const (
	recomputeInterval = 30 * time.Second
	coldStartWindow   = 45 * time.Second
)

// AuthorityStore persists the election's last-computed owner so a
// restarting node has an answer before its first 30s recompute;
// internal/store.Store is the production implementation.
type AuthorityStore interface {
	SetAuthority(object, endpoint string, at time.Time) error
	Authority(object string) (endpoint string, ok bool, err error)
}

// Elector runs the authority election for one zone's HARunOnce
// objects. One Elector exists per local zone (there is exactly one —
// the local zone — in the common single-zone deployment, but the type
// doesn't assume that).
type Elector struct {
	log      *zap.Logger
	registry *model.Registry
	zone     *model.Zone
	store    AuthorityStore

	mu        sync.Mutex
	objects   map[string]Authoritative
	startedAt time.Time
	lastSeen  int // endpoint count observed on the previous recompute

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewElector(log *zap.Logger, registry *model.Registry, zone *model.Zone) *Elector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Elector{
		log:       log,
		registry:  registry,
		zone:      zone,
		objects:   make(map[string]Authoritative),
		startedAt: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// SetStore attaches the local state store so Recompute persists every
// owner assignment and Register can serve a last-known answer before
// the first recompute runs.
func (e *Elector) SetStore(s AuthorityStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.store = s
}

// Register adds an object to the election pool. Only HARunOnce objects
// are actually elected; runOnAll objects are granted authority
// unconditionally. A HARunOnce object whose last-known owner (per the
// attached store) is the local endpoint is granted authority
// provisionally, overwritten by the next real Recompute.
func (e *Elector) Register(obj Authoritative) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.objects[obj.Name()] = obj
	if obj.HAMode() == model.HARunOnAll {
		obj.SetAuthority(true)
		return
	}
	if e.store == nil {
		return
	}
	if owner, ok, err := e.store.Authority(obj.Name()); err == nil && ok && owner == e.registry.LocalEndpointName() {
		obj.SetAuthority(true)
	}
}

func (e *Elector) Unregister(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.objects, name)
}

// Start launches the 30s recompute timer; membership-change recompute
// is triggered explicitly via Recompute from the connection lifecycle.
func (e *Elector) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(recomputeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.Recompute()
			}
		}
	}()
}

func (e *Elector) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Recompute re-derives ownership for every registered HARunOnce
// object. It is safe to call concurrently with Start's ticker (e.g.
// from a membership-change callback) — the cold-start guard is keyed
// off wall-clock time so repeated calls within the guard window are
// idempotent no-ops.
func (e *Elector) Recompute() {
	e.mu.Lock()
	defer e.mu.Unlock()

	endpoints := e.registry.ConnectedOrSelfEndpoints(e.zone)
	total := len(e.zone.EndpointNames())

	if len(endpoints) == 1 && total > 1 && time.Since(e.startedAt) < coldStartWindow {
		e.log.Debug("authority recompute skipped: cold-start guard",
			zap.Int("connected", len(endpoints)), zap.Int("total", total))
		return
	}

	sorted := append([]string(nil), endpoints...)
	sort.Strings(sorted)

	local := e.registry.LocalEndpointName()
	for name, obj := range e.objects {
		if obj.HAMode() != model.HARunOnOnce {
			continue
		}
		owner := AuthorityOwner(name, sorted)
		obj.SetAuthority(owner == local)
		if e.store != nil {
			if err := e.store.SetAuthority(name, owner, time.Now()); err != nil {
				e.log.Warn("persisting authority assignment failed", zap.String("object", name), zap.Error(err))
			}
		}
	}
	e.lastSeen = len(endpoints)
}
