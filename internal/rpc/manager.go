package rpc

import (
	"encoding/json"
	"hash/fnv"
	"time"

	"go.uber.org/zap"

	"wardend/internal/model"
	"wardend/internal/queue"
)

// Manager owns the N bounded dispatch queues that receive workers are
// pinned to (spec.md §4.D: "chosen by hashing the connection id modulo
// N workers"), the method registry, and the endpoint registry needed
// to resolve ts/remote_log_position bookkeeping on receive.
type Manager struct {
	log      *zap.Logger
	registry *Registry
	objects  *model.Registry

	dispatch []*queue.Queue
}

// NewManager creates a Manager with workers dispatch queues, each
// single-threaded so that messages hashed to the same worker process
// strictly in arrival order.
func NewManager(workers int, reg *Registry, objects *model.Registry, log *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{log: log, registry: reg, objects: objects}
	for i := 0; i < workers; i++ {
		m.dispatch = append(m.dispatch, queue.New("rpc-dispatch", 0, 1, log))
	}
	return m
}

func (m *Manager) workerFor(connID string) *queue.Queue {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connID))
	return m.dispatch[int(h.Sum32())%len(m.dispatch)]
}

// Serve runs c's receive loop until the stream closes or a fatal
// protocol condition occurs; it resolves endpoint for ts/remote log
// position bookkeeping. Callers run Serve in its own goroutine per
// connection — only the *processing* of each message is bounded to a
// dispatch worker, matching the per-connection-blocks-on-read /
// bounded-dispatch split described in spec.md §4.D/§5.
func (m *Manager) Serve(c *Conn, endpoint *model.Endpoint) {
	defer func() {
		if endpoint != nil {
			endpoint.RemoveClient(c)
		}
		c.Close()
	}()

	for {
		env, err := c.ReadEnvelope()
		if err != nil {
			m.log.Debug("rpc connection closed", zap.String("conn", c.id), zap.Error(err))
			return
		}

		ts := time.Unix(0, int64(env.Ts*1e9))
		if endpoint != nil {
			if !ts.After(endpoint.RemoteLogPosition()) && env.Method != "icinga::Hello" {
				continue // replayed-old, discard per spec.md §4.D
			}
			endpoint.AdvanceRemoteLogPosition(ts)
		}

		if env.Method == "event::Heartbeat" {
			var params struct {
				Timeout float64 `json:"timeout"`
			}
			_ = unmarshalParams(env.Params, &params)
			timeout := defaultHeartbeatTTL
			if params.Timeout > 0 {
				timeout = time.Duration(params.Timeout * float64(time.Second))
			}
			c.armHeartbeatDeadline(timeout)
			continue
		}

		q := m.workerFor(c.id)
		origin := c.PeerName()
		method, params := env.Method, env.Params
		q.Enqueue(func() {
			m.dispatchOne(origin, method, params)
		}, queue.Normal)
	}
}

func (m *Manager) dispatchOne(origin, method string, params []byte) {
	h, ok := m.registry.Lookup(method)
	if !ok {
		m.log.Warn("unknown rpc method", zap.String("method", method), zap.String("origin", origin))
		return
	}
	if _, err := h(origin, params); err != nil {
		m.log.Warn("rpc handler error", zap.String("method", method), zap.Error(err))
	}
}

func unmarshalParams(raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// MonitorIdleConnections should be called periodically (e.g. from the
// authority timer) to close connections that have exceeded either the
// heartbeat deadline or the 60s idle timeout.
func (m *Manager) MonitorIdleConnections(conns []*Conn) {
	now := time.Now()
	for _, c := range conns {
		if c.IdleExpired(now) {
			m.log.Info("closing idle rpc connection", zap.String("conn", c.id))
			c.Close()
		}
	}
}

// Stop stops every dispatch worker; tasks still queued are not run.
func (m *Manager) Stop() {
	for _, q := range m.dispatch {
		q.Stop()
	}
}
