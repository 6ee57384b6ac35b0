package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wardend/internal/model"
	"wardend/internal/transport"
)

const (
	heartbeatInterval   = 10 * time.Second
	defaultHeartbeatTTL = 120 * time.Second
	idleTimeout         = 60 * time.Second
)

// Conn is one JSON-RPC connection over a transport.Stream. It
// implements model.Connection so internal/model.Endpoint can hold it
// directly in its live set.
type Conn struct {
	id         string
	peerName   string // the resolved Endpoint name, once known
	stream     *transport.Stream
	log        *zap.Logger

	mu                 sync.Mutex
	heartbeatDeadline  time.Time
	syncing            bool

	closeOnce sync.Once
}

// NewConn wraps an accepted or dialled stream. id should be unique per
// process (e.g. a counter or the remote address); it is what gets
// hashed to select a dispatch worker.
func NewConn(id string, stream *transport.Stream, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{id: id, stream: stream, log: log}
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) LastActivity() time.Time     { return c.stream.LastActivity() }
func (c *Conn) Close() error                { var err error; c.closeOnce.Do(func() { err = c.stream.Close() }); return err }
func (c *Conn) PeerName() string            { return c.peerName }
func (c *Conn) SetPeerName(name string)     { c.peerName = name }
func (c *Conn) Stream() *transport.Stream   { return c.stream }

func (c *Conn) SetSyncing(v bool) {
	c.mu.Lock()
	c.syncing = v
	c.mu.Unlock()
}

func (c *Conn) Syncing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing
}

// Send marshals and writes one envelope.
func (c *Conn) Send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("rpc: marshal envelope: %w", err)
	}
	return c.stream.WriteFrame(data)
}

// SendHeartbeat sends the periodic event::Heartbeat notification
// spec.md §4.D requires every 10s on every outbound connection.
func (c *Conn) SendHeartbeat(originZone string) error {
	env, err := NewNotification("event::Heartbeat", map[string]float64{"timeout": defaultHeartbeatTTL.Seconds()}, originZone)
	if err != nil {
		return err
	}
	return c.Send(env)
}

// armHeartbeatDeadline records that we expect another message by
// now+timeout; IdleExpired reports whether that deadline, or the
// independent 60s no-traffic timeout, has passed.
func (c *Conn) armHeartbeatDeadline(timeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeatDeadline = time.Now().Add(timeout)
}

// IdleExpired reports whether the connection should be closed for
// inactivity: either the armed heartbeat deadline passed, or,
// independently of any deadline, the 60s idle-without-initial-sync
// timeout has elapsed while the connection is not syncing.
func (c *Conn) IdleExpired(now time.Time) bool {
	c.mu.Lock()
	deadline := c.heartbeatDeadline
	syncing := c.syncing
	c.mu.Unlock()

	if !deadline.IsZero() && now.After(deadline) {
		return true
	}
	if syncing {
		return false
	}
	return now.Sub(c.stream.LastActivity()) > idleTimeout
}

// ReadEnvelope blocks on the stream's TLS read (spec.md §5: "JSON-RPC
// receive: blocks on TLS read") and decodes one envelope.
func (c *Conn) ReadEnvelope() (Envelope, error) {
	frame, err := c.stream.ReadFrame()
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("rpc: protocol error decoding envelope: %w", err)
	}
	return env, nil
}

var _ model.Connection = (*Conn)(nil)
