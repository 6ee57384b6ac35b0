// Package metrics exposes the daemon's Prometheus counters and gauges,
// mounted at /metrics by cmd/wardend's admin HTTP server the way
// vjache-cie's cmd/cie mounts promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Metrics bundles every counter/gauge the daemon updates. It is built
// once at startup and passed by reference to the components that feed
// it, rather than referenced through package-level globals.
type Metrics struct {
	reg *prometheus.Registry

	ChecksExecuted   *prometheus.CounterVec // labels: type (host/service), state
	ChecksInFlight   prometheus.Gauge
	SchedulerLag     prometheus.Histogram

	RPCMessagesIn  *prometheus.CounterVec // labels: method
	RPCMessagesOut *prometheus.CounterVec
	RPCConnections prometheus.Gauge

	RelayEventsPublished prometheus.Counter
	RelayEventsDropped   prometheus.Counter

	ReplayAppends  prometheus.Counter
	ReplaySegments prometheus.Gauge

	AuthorityOwned prometheus.Gauge // number of objects this endpoint currently owns authority for

	NotificationsSent   *prometheus.CounterVec // labels: type
	NotificationsFailed prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		ChecksExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardend", Name: "checks_executed_total", Help: "Checks executed, by object type and resulting state.",
		}, []string{"type", "state"}),
		ChecksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardend", Name: "checks_in_flight", Help: "Checks currently dispatched and awaiting a result.",
		}),
		SchedulerLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wardend", Name: "scheduler_dispatch_lag_seconds",
			Help:    "Delay between a check's scheduled time and its actual dispatch.",
			Buckets: prometheus.DefBuckets,
		}),
		RPCMessagesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardend", Name: "rpc_messages_in_total", Help: "JSON-RPC messages received, by method.",
		}, []string{"method"}),
		RPCMessagesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardend", Name: "rpc_messages_out_total", Help: "JSON-RPC messages sent, by method.",
		}, []string{"method"}),
		RPCConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardend", Name: "rpc_connections", Help: "Currently connected cluster peers.",
		}),
		RelayEventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wardend", Name: "relay_events_published_total", Help: "Events handed to the relay queue.",
		}),
		RelayEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wardend", Name: "relay_events_dropped_total", Help: "Events the relay could not route to any target.",
		}),
		ReplayAppends: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wardend", Name: "replay_appends_total", Help: "Records written to the replay log.",
		}),
		ReplaySegments: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardend", Name: "replay_segments", Help: "Replay log segment files currently on disk.",
		}),
		AuthorityOwned: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wardend", Name: "authority_objects_owned", Help: "HARunOnce objects this endpoint currently has authority over.",
		}),
		NotificationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wardend", Name: "notifications_sent_total", Help: "Notifications delivered, by type.",
		}, []string{"type"}),
		NotificationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wardend", Name: "notifications_failed_total", Help: "Notification deliveries that returned an error.",
		}),
	}
	return m
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
