// Package metrics defines the observability interfaces for the replication
// server and the client sync engine.
//
// Implementations are optional: every consumer treats a nil interface as
// metrics-disabled with zero overhead. The Prometheus implementations in the
// prometheus subpackage register against an explicitly provided registry;
// there is no process-global registry.
package metrics

import (
	"time"
)

// ReplicationMetrics observes the server replication service.
//
// This interface is optional - pass nil to disable metrics collection with
// zero overhead.
type ReplicationMetrics interface {
	// RecordHandshake records a handshake attempt and whether it was
	// accepted.
	RecordHandshake(dbID string, accepted bool)

	// RecordPull records a served pull: how many entries were returned and
	// how long the request took.
	RecordPull(dbID string, entries int, duration time.Duration)

	// RecordPush records a processed push batch: accepted, conflicting and
	// dedup-skipped operation counts plus the request duration.
	RecordPush(dbID string, accepted, conflicts, deduped int, duration time.Duration)

	// SetServerCursor publishes the current cursor for a database.
	SetServerCursor(dbID string, cursor int64)
}

// BroadcastMetrics observes the event broadcaster.
type BroadcastMetrics interface {
	// SetActiveSubscriptions publishes the live subscriber count.
	SetActiveSubscriptions(count int)

	// RecordEvent records a delivered event by type.
	RecordEvent(eventType string)

	// RecordEventDropped records an event discarded by a full subscriber
	// buffer.
	RecordEventDropped()

	// RecordEviction records a subscription evicted by the per-device cap.
	RecordEviction()
}

// EngineMetrics observes the client sync engine.
type EngineMetrics interface {
	// RecordStateTransition records the engine entering a state.
	RecordStateTransition(state string)

	// RecordCycle records a completed sync cycle with its outcome
	// ("synced", "error") and duration.
	RecordCycle(outcome string, duration time.Duration)

	// RecordOperations records operations moved during a cycle by direction
	// ("pulled", "pushed").
	RecordOperations(direction string, count int)
}
