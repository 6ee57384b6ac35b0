package model

import (
	"fmt"
	"sync"
	"time"
)

// HAMode controls whether a ConfigObject runs on every zone member
// (runOnAll) or is elected to exactly one owner (runOnOnce, see
// internal/cluster's authority election).
type HAMode int

const (
	HARunOnAll HAMode = iota
	HARunOnOnce
)

// ConfigObject is the common supertype of every managed entity: a
// globally unique type!name pair, a home zone, an HA mode, and the
// active/authority bits that gate scheduling and alerting. This
// replaces the deep ConfigObject/DynamicObject virtual hierarchy with a
// single tagged-union-friendly struct (see DESIGN.md Open Question 1):
// Host and Service embed it rather than subclass it.
type ConfigObject struct {
	mu sync.Mutex

	objType string
	name    string
	zone    string // home zone name; "" means local zone
	haMode  HAMode

	active    bool
	authority bool
	paused    bool
}

// NewConfigObject constructs an inactive object. Activate must be called
// once the config loader attaches it to the live object store.
func NewConfigObject(objType, name, zone string, ha HAMode) *ConfigObject {
	return &ConfigObject{objType: objType, name: name, zone: zone, haMode: ha}
}

// FullName is the globally unique "type!name" identifier.
func (o *ConfigObject) FullName() string {
	return fmt.Sprintf("%s!%s", o.objType, o.name)
}

func (o *ConfigObject) Type() string { return o.objType }
func (o *ConfigObject) Name() string { return o.name }

// Zone returns the object's home zone name, or "" for the local zone.
func (o *ConfigObject) Zone() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.zone
}

func (o *ConfigObject) HAMode() HAMode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.haMode
}

// Activate attaches the object to the live store.
func (o *ConfigObject) Activate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = true
}

// Deactivate detaches the object; schedulers and relays must stop
// touching it once this returns.
func (o *ConfigObject) Deactivate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = false
}

func (o *ConfigObject) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// SetAuthority is called exclusively by the authority election
// component (internal/cluster). paused is always the logical negation
// of authority — ∀ object: paused == !authority.
func (o *ConfigObject) SetAuthority(have bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.authority = have
	o.paused = !have
}

func (o *ConfigObject) Authority() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.authority
}

func (o *ConfigObject) Paused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

// Lock/Unlock expose the object-scoped mutex directly to callers (the
// scheduler, relay, and authority election) that must serialise a
// read-modify-write sequence spanning multiple of the accessors above.
// Holding two objects' locks at once is forbidden (see concurrency
// model); callers that touch more than one object must release the
// first lock before acquiring the second.
func (o *ConfigObject) Lock()   { o.mu.Lock() }
func (o *ConfigObject) Unlock() { o.mu.Unlock() }

// clampZoneAware is a helper shared by SetNextCheck handlers: any
// externally supplied next_check earlier than startTime+60s is ignored,
// per the icinga::event::SetNextCheck wire contract.
func clampZoneAware(startTime time.Time, want time.Time) (time.Time, bool) {
	floor := startTime.Add(60 * time.Second)
	if want.Before(floor) {
		return time.Time{}, false
	}
	return want, true
}
