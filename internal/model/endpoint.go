package model

import (
	"sync"
	"time"
)

// Connection is the minimal surface internal/model needs from a live
// JSON-RPC connection; internal/rpc.Conn satisfies it. Keeping the
// interface here (rather than importing internal/rpc) avoids a cycle:
// rpc needs to know about Endpoint, not the reverse.
type Connection interface {
	ID() string
	LastActivity() time.Time
	Close() error
}

// Endpoint is the identity of a cluster peer: its certificate CN, the
// address to dial it at, replay-log retention, and the log-position
// cursors used for replay catch-up (spec.md §3/§4.I).
type Endpoint struct {
	mu sync.RWMutex

	name string
	host string
	port int

	zoneName string

	logDuration time.Duration

	// remoteLogPosition is the max event timestamp this peer has told
	// us it has seen; it must only move forward.
	remoteLogPosition time.Time
	// localLogPosition is the max event timestamp we have recorded for
	// this peer (advanced as we relay or replay to it).
	localLogPosition time.Time

	clients map[string]Connection
	syncing bool
}

func NewEndpoint(name, host string, port int, logDuration time.Duration) *Endpoint {
	return &Endpoint{
		name:        name,
		host:        host,
		port:        port,
		logDuration: logDuration,
		clients:     make(map[string]Connection),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Host() string { return e.host }
func (e *Endpoint) Port() int    { return e.port }

func (e *Endpoint) LogDuration() time.Duration { return e.logDuration }

func (e *Endpoint) Zone() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.zoneName
}

func (e *Endpoint) SetZone(z string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zoneName = z
}

// AddClient registers an accepted/dialled connection under the mutex
// guarding the live set; Connected() is derived from len(clients) > 0.
func (e *Endpoint) AddClient(c Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[c.ID()] = c
}

func (e *Endpoint) RemoveClient(c Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, c.ID())
}

// Connected reports whether the live set is non-empty. spec.md §3
// invariant: live set non-empty ⇒ connected == true.
func (e *Endpoint) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.clients) > 0
}

// Clients returns the snapshot of currently live connections.
func (e *Endpoint) Clients() []Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Connection, 0, len(e.clients))
	for _, c := range e.clients {
		out = append(out, c)
	}
	return out
}

// NewestClient returns the connection with the most recent activity
// timestamp among the live set, used to resolve a transient
// multi-connection race on reconnect (spec.md §4.I: "only the one with
// the newest last-activity timestamp wins; others are closed").
func (e *Endpoint) NewestClient() Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var newest Connection
	for _, c := range e.clients {
		if newest == nil || c.LastActivity().After(newest.LastActivity()) {
			newest = c
		}
	}
	return newest
}

// AdvanceRemoteLogPosition moves remoteLogPosition forward; it is
// monotone by construction (a no-op if ts is not newer).
func (e *Endpoint) AdvanceRemoteLogPosition(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts.After(e.remoteLogPosition) {
		e.remoteLogPosition = ts
	}
}

func (e *Endpoint) RemoteLogPosition() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remoteLogPosition
}

func (e *Endpoint) AdvanceLocalLogPosition(ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts.After(e.localLogPosition) {
		e.localLogPosition = ts
	}
}

func (e *Endpoint) LocalLogPosition() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.localLogPosition
}

func (e *Endpoint) SetSyncing(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncing = v
}

func (e *Endpoint) Syncing() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.syncing
}
