package main

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wardend/internal/model"
	"wardend/internal/relay"
	"wardend/internal/replay"
	"wardend/internal/rpc"
	"wardend/internal/store"
)

// connReplaySink adapts a live rpc.Conn and the local state store to
// replay.Sink: each replayed record is written straight to the peer's
// connection, and replay progress is checkpointed to the store so a
// restart resumes close to where it left off (internal/store's own
// doc comment on SetLogPosition).
type connReplaySink struct {
	conn     *rpc.Conn
	store    *store.Store
	endpoint string
}

func (s *connReplaySink) SendRaw(raw []byte) error {
	var env rpc.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("replay sink: decode envelope: %w", err)
	}
	return s.conn.Send(env)
}

func (s *connReplaySink) SetLogPosition(ts time.Time) error {
	return s.store.SetLogPosition(s.endpoint, float64(ts.UnixNano())/1e9)
}

// checkableAccessChecker adapts the checkable-by-name table and the
// registry's zone-reachability rule to replay.AccessChecker: a
// replayed record is only sent to a peer whose zone can see the
// record's object's home zone.
type checkableAccessChecker struct {
	registry   *model.Registry
	zone       *model.Zone
	checkables map[string]*model.Checkable
}

func (a *checkableAccessChecker) CanAccessObject(secobj *relay.SecObj) bool {
	if secobj == nil {
		return true
	}
	// SecObj.Name already carries the checkable's FullName (see
	// daemonSink's &relay.SecObj{Type: obj.Type(), Name: obj.FullName()}).
	c, ok := a.checkables[secobj.Name]
	if !ok {
		return true
	}
	return a.registry.CanAccessObject(a.zone, c.Zone())
}

// replaySince determines where a catch-up scan to ep should resume
// from: the later of our persisted replay cursor and whatever
// in-memory position we've already advanced to for this endpoint.
func replaySince(st *store.Store, ep *model.Endpoint, log *zap.Logger) time.Time {
	pos, err := st.LogPosition(ep.Name())
	if err != nil {
		log.Warn("reading persisted replay cursor failed", zap.String("endpoint", ep.Name()), zap.Error(err))
	}
	since := time.Unix(0, int64(pos*1e9))
	if rlp := ep.RemoteLogPosition(); rlp.After(since) {
		since = rlp
	}
	return since
}

// triggerReplayCatchup replays everything ep has missed since its last
// known log position over conn, run in its own goroutine so neither
// acceptLoop nor an icinga::Hello handler blocks on a potentially large
// scan. The connection is marked syncing for the duration so the idle
// timeout doesn't cut a slow catch-up short.
func triggerReplayCatchup(replayLog *replay.Log, st *store.Store, registry *model.Registry, checkables map[string]*model.Checkable, ep *model.Endpoint, conn *rpc.Conn, log *zap.Logger) {
	zoneName := ep.Zone()
	zone, ok := registry.Zone(zoneName)
	if !ok {
		log.Debug("replay catch-up skipped: endpoint has no resolvable zone yet", zap.String("endpoint", ep.Name()))
		return
	}
	since := replaySince(st, ep, log)
	access := &checkableAccessChecker{registry: registry, zone: zone, checkables: checkables}
	sink := &connReplaySink{conn: conn, store: st, endpoint: ep.Name()}

	conn.SetSyncing(true)
	go func() {
		defer conn.SetSyncing(false)
		if err := replayLog.Replay(since, access, sink); err != nil {
			log.Warn("replay catch-up failed", zap.String("endpoint", ep.Name()), zap.Error(err))
		}
	}()
}
