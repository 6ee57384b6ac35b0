package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"wardend/internal/command"
	"wardend/internal/metrics"
	"wardend/internal/model"
	"wardend/internal/notify"
	"wardend/internal/relay"
	"wardend/internal/replay"
	"wardend/internal/rpc"
	"wardend/internal/schedule"
	"wardend/internal/security"
	"wardend/internal/store"
)

// rpcDeps bundles everything registerRPCHandlers' closures need to
// route a wire method to the right model/schedule/store call. One
// struct instead of a long positional argument list, since the set of
// handlers (and their shared dependencies) only grows as more of
// spec.md §6 gets wired in.
type rpcDeps struct {
	ca            *security.CertAuthority
	replayLog     *replay.Log
	registry      *model.Registry
	checkables    map[string]*model.Checkable
	sched         *schedule.Scheduler
	store         *store.Store
	rel           *relay.Relay
	notifier      *notify.Dispatcher
	notifications map[string]*model.Notification
	metrics       *metrics.Metrics
	log           *zap.Logger
}

func (d rpcDeps) checkable(name string) (*model.Checkable, bool) {
	c, ok := d.checkables[name]
	return c, ok
}

// registerRPCHandlers wires every cluster wire method spec.md §6 names:
// the anonymous certificate bootstrap call, the catch-up handshake, and
// the event:: methods that let a remote node drive this node's model
// objects and scheduler the same way a local operator action would.
func registerRPCHandlers(reg *rpc.Registry, d rpcDeps) {
	reg.Register("pki::RequestCertificate", handlePKIRequestCertificate(d))
	reg.Register("icinga::Hello", handleIcingaHello(d))
	reg.Register("event::CheckResult", handleCheckResult(d))
	reg.Register("event::ExecuteCommand", handleExecuteCommand(d))
	reg.Register("event::SetNextCheck", handleSetNextCheck(d))
	reg.Register("event::SetForceNextCheck", handleSetForceNextCheck(d))
	reg.Register("event::SetAcknowledgement", handleSetAcknowledgement(d))
	reg.Register("event::ClearAcknowledgement", handleClearAcknowledgement(d))
	reg.Register("event::SendNotifications", handleSendNotifications(d))
	reg.Register("event::SetComment", handleSetComment(d))
	reg.Register("event::RemoveComment", handleRemoveComment(d))
	reg.Register("event::SetDowntime", handleSetDowntime(d))
	reg.Register("event::RemoveDowntime", handleRemoveDowntime(d))
	reg.Register("log::SetLogPosition", handleSetLogPosition(d))
}

func handlePKIRequestCertificate(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var req struct {
			CommonName string `json:"common_name"`
			CSR        string `json:"csr"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		certPEM, err := d.ca.SignCSR(ctx, req.CommonName, []byte(req.CSR), 0)
		if err != nil {
			return nil, err
		}
		bundle, err := d.ca.CABundle()
		if err != nil {
			return nil, err
		}
		return map[string]string{"cert": string(certPEM), "ca": string(bundle)}, nil
	}
}

// handleIcingaHello re-triggers replay catch-up on demand: a peer that
// just reconnected (or that wants to explicitly resync) sends its own
// last-known position, and this node replays whatever it's missed
// since, over whichever connection the peer is currently using
// (manager.Serve already special-cases this method past the
// replayed-old discard check, spec.md §4.D).
func handleIcingaHello(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var req struct {
			RemoteLogPosition float64 `json:"remote_log_position"`
		}
		_ = json.Unmarshal(params, &req)

		ep, ok := d.registry.Endpoint(origin)
		if !ok {
			return nil, nil
		}
		if req.RemoteLogPosition > 0 {
			ep.AdvanceRemoteLogPosition(time.Unix(0, int64(req.RemoteLogPosition*1e9)))
		}
		if conn, ok := ep.NewestClient().(*rpc.Conn); ok {
			triggerReplayCatchup(d.replayLog, d.store, d.registry, d.checkables, ep, conn, d.log)
		}
		return nil, nil
	}
}

func handleCheckResult(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		d.metrics.RPCMessagesIn.WithLabelValues("event::CheckResult").Inc()
		var p rpc.CheckResultParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		d.sched.HandleRemoteResult(p.Object, p.Result)
		return nil, nil
	}
}

// handleExecuteCommand is the receive side of the command_endpoint
// delegation whose send side lives in daemon.go's ExecuteCommand: the
// node that owns the object asked us, its configured command_endpoint,
// to run the check locally, so we execute it here and relay the result
// back as an ordinary event::CheckResult addressed to the origin.
func handleExecuteCommand(d rpcDeps) rpc.Handler {
	runner := command.NewExecRunner()
	return func(origin string, params json.RawMessage) (interface{}, error) {
		d.metrics.RPCMessagesIn.WithLabelValues("event::ExecuteCommand").Inc()
		var p rpc.ExecuteCommandParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}

		ep, ok := d.registry.Endpoint(origin)
		if !ok {
			d.log.Warn("execute command: unknown origin endpoint", zap.String("origin", origin))
			return nil, nil
		}

		timeout := p.Spec.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		cr := runner.Execute(ctx, p.Spec)

		objType := ""
		if c, ok := d.checkable(p.Object); ok {
			objType = c.Type()
		}
		d.rel.Publish(relay.Event{
			Method:     "event::CheckResult",
			Params:     rpc.CheckResultParams{Object: p.Object, Result: cr},
			ObjectZone: ep.Zone(),
			SecObj:     &relay.SecObj{Type: objType, Name: p.Object},
			IsResponse: true,
		})
		return nil, nil
	}
}

func handleSetNextCheck(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object string  `json:"object"`
			Want   float64 `json:"want"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		c, ok := d.checkable(p.Object)
		if !ok {
			return nil, nil
		}
		c.SetNextCheck(d.sched.StartTime(), time.Unix(0, int64(p.Want*1e9)))
		return nil, nil
	}
}

func handleSetForceNextCheck(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object string `json:"object"`
			Forced bool   `json:"forced"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		c, ok := d.checkable(p.Object)
		if !ok {
			return nil, nil
		}
		c.SetForceNextCheck(p.Forced)
		return nil, nil
	}
}

func handleSetAcknowledgement(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object  string    `json:"object"`
			Kind    int       `json:"kind"`
			Author  string    `json:"author"`
			Comment string    `json:"comment"`
			Expiry  time.Time `json:"expiry"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		c, ok := d.checkable(p.Object)
		if !ok {
			return nil, nil
		}
		c.SetAcknowledgement(model.AckType(p.Kind), p.Author, p.Comment, p.Expiry)
		return nil, nil
	}
}

func handleClearAcknowledgement(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		c, ok := d.checkable(p.Object)
		if !ok {
			return nil, nil
		}
		c.ClearAcknowledgement()
		return nil, nil
	}
}

func handleSendNotifications(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object string             `json:"object"`
			Type   model.NotificationType `json:"type"`
			Result model.CheckResult  `json:"result"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		n, ok := d.notifications[p.Object]
		if !ok {
			return nil, nil
		}
		d.notifier.Send(n, p.Type, p.Object, p.Result, time.Now())
		d.metrics.NotificationsSent.WithLabelValues(p.Type.String()).Inc()
		return nil, nil
	}
}

func handleSetComment(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object   string    `json:"object"`
			Name     string    `json:"name"`
			LegacyID int       `json:"legacy_id"`
			Author   string    `json:"author"`
			Text     string    `json:"text"`
			Entry    time.Time `json:"entry"`
			Expires  time.Time `json:"expires"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		c, ok := d.checkable(p.Object)
		if !ok {
			return nil, nil
		}
		cm := &model.Comment{LegacyID: p.LegacyID, Name: p.Name, Author: p.Author, Text: p.Text, Entry: p.Entry, Expires: p.Expires}
		c.AddComment(cm)
		if err := d.store.PutComment(store.CommentRow{
			Name: p.Name, LegacyID: p.LegacyID, Object: p.Object, Author: p.Author,
			Text: p.Text, Entry: p.Entry, Expires: p.Expires,
		}); err != nil {
			d.log.Warn("persisting comment failed", zap.String("object", p.Object), zap.Error(err))
		}
		return nil, nil
	}
}

func handleRemoveComment(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object string `json:"object"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if c, ok := d.checkable(p.Object); ok {
			c.RemoveComment(p.Name)
		}
		if err := d.store.DeleteComment(p.Name); err != nil {
			d.log.Warn("deleting persisted comment failed", zap.String("name", p.Name), zap.Error(err))
		}
		return nil, nil
	}
}

func handleSetDowntime(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object      string        `json:"object"`
			Name        string        `json:"name"`
			LegacyID    int           `json:"legacy_id"`
			Author      string        `json:"author"`
			Comment     string        `json:"comment"`
			Start       time.Time     `json:"start"`
			End         time.Time     `json:"end"`
			Duration    time.Duration `json:"duration"`
			Fixed       bool          `json:"fixed"`
			TriggeredBy string        `json:"triggered_by"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		c, ok := d.checkable(p.Object)
		if !ok {
			return nil, nil
		}
		dt := &model.Downtime{
			LegacyID: p.LegacyID, Name: p.Name, Author: p.Author, Comment: p.Comment,
			Start: p.Start, End: p.End, Duration: p.Duration, Fixed: p.Fixed, TriggeredBy: p.TriggeredBy,
		}
		c.AddDowntime(dt)
		if err := d.store.PutDowntime(store.DowntimeRow{
			Name: p.Name, LegacyID: p.LegacyID, Object: p.Object, Author: p.Author, Comment: p.Comment,
			Start: p.Start, End: p.End, Duration: p.Duration, Fixed: p.Fixed, TriggeredBy: p.TriggeredBy,
		}); err != nil {
			d.log.Warn("persisting downtime failed", zap.String("object", p.Object), zap.Error(err))
		}
		return nil, nil
	}
}

func handleRemoveDowntime(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Object string `json:"object"`
			Name   string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if c, ok := d.checkable(p.Object); ok {
			c.RemoveDowntime(p.Name)
		}
		if err := d.store.DeleteDowntime(p.Name); err != nil {
			d.log.Warn("deleting persisted downtime failed", zap.String("name", p.Name), zap.Error(err))
		}
		return nil, nil
	}
}

// handleSetLogPosition backs log::SetLogPosition: a peer periodically
// tells us how far it has durably recorded our event stream, which we
// persist so a restart doesn't re-replay what the peer has already
// acknowledged (spec.md §4.I).
func handleSetLogPosition(d rpcDeps) rpc.Handler {
	return func(origin string, params json.RawMessage) (interface{}, error) {
		var p struct {
			Position float64 `json:"position"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		if err := d.store.SetLogPosition(origin, p.Position); err != nil {
			d.log.Warn("persisting log position failed", zap.String("origin", origin), zap.Error(err))
		}
		return nil, nil
	}
}
