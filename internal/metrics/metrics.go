// Package metrics holds the Prometheus collectors for the tracking core.
// Collectors are package-level so ingest, registry, writer, and hub can
// increment them without plumbing a registry through every constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PointsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_points_ingested_total",
			Help: "Location points accepted into the registry, by transport",
		},
		[]string{"transport"},
	)

	PointsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_points_rejected_total",
			Help: "Location points rejected before acceptance",
		},
		[]string{"reason"}, // "malformed", "invalid", "stale", "session_not_active", "session_not_found"
	)

	PointsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_points_dropped_total",
			Help: "Accepted points lost after acceptance",
		},
		[]string{"stage"}, // "writer_buffer", "writer_retry", "writer_breaker"
	)

	GeofenceEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_geofence_events_total",
			Help: "Geofence containment transitions emitted",
		},
		[]string{"transition"}, // "entered", "exited"
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_active_sessions",
			Help: "Sessions currently in the active state",
		},
	)

	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracking_subscribers",
			Help: "Live WebSocket subscribers across all sessions",
		},
	)

	SubscriberEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_subscriber_evictions_total",
			Help: "Subscribers removed by the fan-out publisher",
		},
		[]string{"reason"}, // "timeout", "disconnect", "session_end"
	)

	WriterBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_writer_batches_total",
			Help: "Time-series write batches by outcome",
		},
		[]string{"status"}, // "ok", "failed"
	)

	WriterRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracking_writer_retries_total",
			Help: "Retried time-series write batches",
		},
	)
)
