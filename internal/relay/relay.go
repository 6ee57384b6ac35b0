// Package relay implements the event relay queue from spec.md §4.H: it
// consumes locally produced cluster events, computes destination
// endpoints via the zone routing rule, hands connected peers their
// message directly, and leaves disconnected peers to the replay log.
package relay

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"wardend/internal/model"
	"wardend/internal/queue"
	"wardend/internal/rpc"
)

// Event is a locally produced cluster event awaiting relay.
type Event struct {
	Method     string
	Params     interface{}
	ObjectZone     string // home zone of the event's object, or the event's own zone
	OriginZone     string // "" for locally originated events
	OriginEndpoint string // the endpoint this event was received from, "" if local
	SecObj         *SecObj
	IsResponse     bool // pure responses are not appended to the replay log
}

// SecObj identifies the object a replayed message should be filtered
// against via Zone.CanAccessObject, per spec.md §3/§4.I.
type SecObj struct {
	Type string
	Name string
}

// Sender delivers one envelope to a connected endpoint; internal/rpc's
// connection set is the production implementation.
type Sender interface {
	SendTo(endpointName string, env rpc.Envelope) error
}

// ReplayAppender is the subset of internal/replay.Log the relay needs.
type ReplayAppender interface {
	Append(ts time.Time, rawMessage []byte, secobj *SecObj) error
}

// Relay is the dedicated work queue described in spec.md §4.H.
type Relay struct {
	log      *zap.Logger
	registry *model.Registry
	sender   Sender
	replay   ReplayAppender
	q        *queue.Queue
}

func New(log *zap.Logger, registry *model.Registry, sender Sender, replay ReplayAppender, workers int) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Relay{log: log, registry: registry, sender: sender, replay: replay}
	r.q = queue.New("relay", 0, workers, log)
	return r
}

// Publish enqueues ev for relay; the calling goroutine does not block
// on delivery.
func (r *Relay) Publish(ev Event) {
	r.q.Enqueue(func() { r.process(ev) }, queue.Normal)
}

func (r *Relay) process(ev Event) {
	zone, ok := r.registry.Zone(ev.ObjectZone)
	if !ok {
		r.log.Warn("relay: unknown zone for event", zap.String("zone", ev.ObjectZone), zap.String("method", ev.Method))
		return
	}

	env, err := rpc.NewNotification(ev.Method, ev.Params, r.localZoneName())
	if err != nil {
		r.log.Error("relay: failed to build envelope", zap.Error(err))
		return
	}

	if ev.OriginZone != "" && ev.OriginZone == zone.Name() {
		// refuse to re-relay an event back into the zone it came from
		return
	}

	targets := r.registry.RoutingTargets(zone)

	for _, name := range targets {
		if name == ev.OriginEndpoint {
			continue // loop prevention: never relay back to the sender
		}
		endpoint, ok := r.registry.Endpoint(name)
		if !ok {
			continue
		}
		if endpoint.Connected() {
			if err := r.sender.SendTo(name, env); err != nil {
				r.log.Warn("relay: send failed, will rely on replay log", zap.String("endpoint", name), zap.Error(err))
			}
		} else {
			endpoint.AdvanceLocalLogPosition(time.Unix(0, int64(env.Ts*1e9)))
		}
	}

	for _, ancestor := range r.registry.Ancestors(zone) {
		if !r.registry.CanAccessObject(ancestor, ev.ObjectZone) {
			continue
		}
		for _, name := range r.registry.RoutingTargets(ancestor) {
			if name == ev.OriginEndpoint {
				continue
			}
			if endpoint, ok := r.registry.Endpoint(name); ok && endpoint.Connected() {
				_ = r.sender.SendTo(name, env)
			}
		}
	}

	if !ev.IsResponse && r.replay != nil {
		raw, err := marshalEnvelope(env)
		if err == nil {
			ts := time.Unix(0, int64(env.Ts*1e9))
			if err := r.replay.Append(ts, raw, ev.SecObj); err != nil {
				r.log.Warn("relay: replay log append failed", zap.Error(err))
			}
		}
	}
}

func (r *Relay) localZoneName() string {
	if z, ok := r.registry.LocalZone(); ok {
		return z.Name()
	}
	return ""
}

func marshalEnvelope(env rpc.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (r *Relay) Stop() { r.q.Stop() }
