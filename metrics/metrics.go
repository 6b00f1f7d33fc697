// Package metrics exposes Prometheus collectors for the tracking engine.
// The host application owns the registry and the scrape endpoint; the
// engine only increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Set holds every engine collector. Construct once per engine instance.
type Set struct {
	CapturesUploaded prometheus.Counter
	CapturesQueued   prometheus.Counter
	CaptureFailures  prometheus.Counter
	CapturesDropped  prometheus.Counter
	QueueFailures    prometheus.Counter

	Heartbeats      prometheus.Counter
	ActivityFlushes prometheus.Counter
	TimeSyncs       prometheus.Counter
	QueueReplayed   prometheus.Counter

	BackendHealthy prometheus.Gauge
	BreakerOpen    prometheus.Gauge
	ActiveItems    prometheus.Gauge
}

// New registers the engine collectors with reg. A nil reg registers with
// the default registerer.
func New(reg prometheus.Registerer) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Set{
		CapturesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_captures_uploaded_total",
			Help: "Evidence captures uploaded to the remote service.",
		}),
		CapturesQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_captures_queued_total",
			Help: "Evidence captures routed to the offline queue.",
		}),
		CaptureFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_capture_failures_total",
			Help: "Captures skipped because the host capture capability failed.",
		}),
		CapturesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_captures_dropped_total",
			Help: "Capture batches dropped because a previous batch was still in flight.",
		}),
		QueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_queue_failures_total",
			Help: "Evidence records lost because the offline queue write failed.",
		}),
		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_heartbeats_total",
			Help: "Heartbeats sent to the remote service.",
		}),
		ActivityFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_activity_flushes_total",
			Help: "Activity counter flushes sent to the remote service.",
		}),
		TimeSyncs: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_time_syncs_total",
			Help: "Per-item tracked-time syncs sent to the remote service.",
		}),
		QueueReplayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "trackengine_queue_replayed_total",
			Help: "Queued evidence records replayed after recovery.",
		}),
		BackendHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trackengine_backend_healthy",
			Help: "1 while the backend is considered healthy.",
		}),
		BreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trackengine_breaker_open",
			Help: "1 while the evidence-upload circuit breaker cooldown is active.",
		}),
		ActiveItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "trackengine_active_items",
			Help: "Number of item timers currently running.",
		}),
	}
}
