package main

import (
	"time"

	"go.uber.org/zap"

	"wardend/internal/command"
	"wardend/internal/metrics"
	"wardend/internal/model"
	"wardend/internal/notify"
	"wardend/internal/relay"
	"wardend/internal/rpc"
	"wardend/internal/schedule"
	"wardend/internal/ws"
)

// sender is the subset of rpc.Conn the relay needs to deliver an
// envelope to a connected peer.
type sender interface {
	Send(env rpc.Envelope) error
}

// endpointSender implements relay.Sender over the live model.Registry:
// it looks up the endpoint's newest connection and writes the envelope
// to it, leaving disconnected peers for the replay log to catch up.
type endpointSender struct {
	registry *model.Registry
	metrics  *metrics.Metrics
}

func (s *endpointSender) SendTo(endpointName string, env rpc.Envelope) error {
	ep, ok := s.registry.Endpoint(endpointName)
	if !ok {
		return nil
	}
	conn := ep.NewestClient()
	if conn == nil {
		return nil
	}
	sc, ok := conn.(sender)
	if !ok {
		return nil
	}
	if err := sc.Send(env); err != nil {
		return err
	}
	s.metrics.RPCMessagesOut.WithLabelValues(env.Method).Inc()
	return nil
}

// daemonSink wires the scheduler's EventSink to the relay, the
// notification dispatcher, and the dashboard push feed in one place —
// the production fan-out that cmd/dplaned's handler layer played for
// the teacher's HTTP API, collapsed here into the scheduler's own
// terminal consumer.
type daemonSink struct {
	log      *zap.Logger
	registry *model.Registry
	relay    *relay.Relay
	notifier *notify.Dispatcher
	hub      *ws.Hub
	metrics  *metrics.Metrics

	notifications map[string]*model.Notification // by checkable full name
}

// zoned is satisfied by every model.Host/model.Service through their
// embedded *model.ConfigObject, but isn't part of schedule.Checkable
// itself (the scheduler has no need of an object's zone).
type zoned interface {
	Zone() string
}

func objectZone(obj schedule.Checkable) string {
	if z, ok := obj.(zoned); ok {
		return z.Zone()
	}
	return ""
}

func (d *daemonSink) CheckResult(obj schedule.Checkable, ev model.StateChangeEvent) {
	d.metrics.ChecksExecuted.WithLabelValues(obj.Type(), ev.Result.State.String()).Inc()
	d.hub.Publish("check_result", map[string]interface{}{
		"object": obj.FullName(),
		"type":   obj.Type(),
		"state":  ev.Result.State.String(),
		"output": ev.Result.Output,
	})
	d.relay.Publish(relay.Event{
		Method:     "event::CheckResult",
		Params:     rpc.CheckResultParams{Object: obj.FullName(), Result: ev.Result},
		ObjectZone: objectZone(obj),
		SecObj:     &relay.SecObj{Type: obj.Type(), Name: obj.FullName()},
	})
}

func (d *daemonSink) SendNotifications(obj schedule.Checkable, evType model.NotificationType, cr model.CheckResult) {
	n, ok := d.notifications[obj.FullName()]
	if !ok {
		d.log.Debug("no notification configured for checkable", zap.String("object", obj.FullName()))
		return
	}
	d.notifier.Send(n, evType, obj.FullName(), cr, time.Now())
	d.metrics.NotificationsSent.WithLabelValues(evType.String()).Inc()
	d.hub.Publish("notification", map[string]interface{}{
		"object": obj.FullName(),
		"type":   evType.String(),
	})
}

func (d *daemonSink) ExecuteCommand(obj schedule.Checkable, endpoint string, spec command.Spec) {
	// Command execution against a remote command_endpoint is routed
	// over the cluster the same way a locally produced check result is:
	// as a relay event addressed to the endpoint's zone, so the owning
	// node's rpc.Manager can invoke it and reply over event::CheckResult
	// on its own.
	ep, ok := d.registry.Endpoint(endpoint)
	if !ok {
		d.log.Warn("execute command: unknown command_endpoint", zap.String("endpoint", endpoint))
		return
	}
	d.relay.Publish(relay.Event{
		Method:     "event::ExecuteCommand",
		Params:     rpc.ExecuteCommandParams{Object: obj.FullName(), Spec: spec},
		ObjectZone: ep.Zone(),
		SecObj:     &relay.SecObj{Type: obj.Type(), Name: obj.FullName()},
	})
}
