// Package prometheus provides Prometheus-backed implementations of the
// metrics interfaces. All collectors register against the registry passed
// at construction; callers own the registry's lifecycle and expose it on
// /metrics themselves.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// replicationMetrics is the Prometheus implementation of
// metrics.ReplicationMetrics.
type replicationMetrics struct {
	handshakes   *prometheus.CounterVec
	pullDuration *prometheus.HistogramVec
	pullEntries  *prometheus.CounterVec
	pushDuration *prometheus.HistogramVec
	pushOps      *prometheus.CounterVec
	serverCursor *prometheus.GaugeVec
}

// NewReplicationMetrics creates replication service collectors registered
// against reg.
func NewReplicationMetrics(reg prometheus.Registerer) *replicationMetrics {
	return &replicationMetrics{
		handshakes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_handshakes_total",
				Help: "Total handshake attempts by database and outcome",
			},
			[]string{"db_id", "outcome"}, // "accepted", "rejected"
		),
		pullDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftsync_pull_duration_seconds",
				Help:    "Pull request duration by database",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"db_id"},
		),
		pullEntries: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_pull_entries_total",
				Help: "Total oplog entries served by pulls",
			},
			[]string{"db_id"},
		),
		pushDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftsync_push_duration_seconds",
				Help:    "Push request duration by database",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"db_id"},
		),
		pushOps: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_push_operations_total",
				Help: "Pushed operations by database and outcome",
			},
			[]string{"db_id", "outcome"}, // "accepted", "conflict", "deduped"
		),
		serverCursor: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "driftsync_server_cursor",
				Help: "Current oplog cursor by database",
			},
			[]string{"db_id"},
		),
	}
}

func (m *replicationMetrics) RecordHandshake(dbID string, accepted bool) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.handshakes.WithLabelValues(dbID, outcome).Inc()
}

func (m *replicationMetrics) RecordPull(dbID string, entries int, duration time.Duration) {
	if m == nil {
		return
	}
	m.pullDuration.WithLabelValues(dbID).Observe(duration.Seconds())
	m.pullEntries.WithLabelValues(dbID).Add(float64(entries))
}

func (m *replicationMetrics) RecordPush(dbID string, accepted, conflicts, deduped int, duration time.Duration) {
	if m == nil {
		return
	}
	m.pushDuration.WithLabelValues(dbID).Observe(duration.Seconds())
	m.pushOps.WithLabelValues(dbID, "accepted").Add(float64(accepted))
	m.pushOps.WithLabelValues(dbID, "conflict").Add(float64(conflicts))
	m.pushOps.WithLabelValues(dbID, "deduped").Add(float64(deduped))
}

func (m *replicationMetrics) SetServerCursor(dbID string, cursor int64) {
	if m == nil {
		return
	}
	m.serverCursor.WithLabelValues(dbID).Set(float64(cursor))
}

// broadcastMetrics is the Prometheus implementation of
// metrics.BroadcastMetrics.
type broadcastMetrics struct {
	subscriptions prometheus.Gauge
	events        *prometheus.CounterVec
	dropped       prometheus.Counter
	evictions     prometheus.Counter
}

// NewBroadcastMetrics creates broadcaster collectors registered against reg.
func NewBroadcastMetrics(reg prometheus.Registerer) *broadcastMetrics {
	return &broadcastMetrics{
		subscriptions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "driftsync_broadcast_subscriptions",
				Help: "Currently active event subscriptions",
			},
		),
		events: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_broadcast_events_total",
				Help: "Delivered broadcast events by type",
			},
			[]string{"type"}, // "connected", "operations", "ping", "error"
		),
		dropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "driftsync_broadcast_events_dropped_total",
				Help: "Events discarded by full subscriber buffers",
			},
		),
		evictions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "driftsync_broadcast_evictions_total",
				Help: "Subscriptions evicted by the per-device cap",
			},
		),
	}
}

func (m *broadcastMetrics) SetActiveSubscriptions(count int) {
	if m == nil {
		return
	}
	m.subscriptions.Set(float64(count))
}

func (m *broadcastMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

func (m *broadcastMetrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *broadcastMetrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

// engineMetrics is the Prometheus implementation of metrics.EngineMetrics.
type engineMetrics struct {
	transitions *prometheus.CounterVec
	cycles      *prometheus.HistogramVec
	operations  *prometheus.CounterVec
}

// NewEngineMetrics creates sync engine collectors registered against reg.
func NewEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_engine_state_transitions_total",
				Help: "Engine state transitions by target state",
			},
			[]string{"state"},
		),
		cycles: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "driftsync_engine_cycle_duration_seconds",
				Help:    "Sync cycle duration by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"}, // "synced", "error"
		),
		operations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "driftsync_engine_operations_total",
				Help: "Operations moved by sync cycles by direction",
			},
			[]string{"direction"}, // "pulled", "pushed"
		),
	}
}

func (m *engineMetrics) RecordStateTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *engineMetrics) RecordCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *engineMetrics) RecordOperations(direction string, count int) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(direction).Add(float64(count))
}
