// Package model defines the configuration object graph shared by the
// scheduler, cluster transport, and replay log: Host, Service, CheckResult,
// Endpoint, Zone, Comment, Downtime, Notification, Dependency, TimePeriod,
// and the generic Attr container they're all built from.
package model

import "time"

// Attr pairs a value with the time it last changed. Every externally
// observable field on a ConfigObject is an Attr so that peers replaying
// the event log can tell whether an incoming update is newer than the
// state they already hold, without needing a full vector clock.
type Attr[T any] struct {
	Value   T
	Changed time.Time
}

// NewAttr returns an Attr set to value, changed now.
func NewAttr[T any](value T) Attr[T] {
	return Attr[T]{Value: value, Changed: time.Now()}
}

// Set replaces the value unconditionally and stamps Changed with the
// current time — callers applying a remote update should use
// ApplyIfNewer instead of Set directly.
func (a *Attr[T]) Set(value T) {
	a.Value = value
	a.Changed = time.Now()
}

// ApplyIfNewer updates the attribute from a remote value only if at is
// after the currently recorded Changed time. Returns true if applied.
// This is the operation the relay/replay paths use to merge incoming
// state without clobbering a more recent local write.
func (a *Attr[T]) ApplyIfNewer(value T, at time.Time) bool {
	if !at.After(a.Changed) {
		return false
	}
	a.Value = value
	a.Changed = at
	return true
}
