package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs from the
// coordinator, the sync engine, and the offline queue can be aggregated and
// queried together.
const (
	// ========================================================================
	// Request correlation
	// ========================================================================
	KeyTraceID   = "trace_id"   // Request correlation ID
	KeyRequestID = "request_id" // HTTP request ID (chi middleware)

	// ========================================================================
	// Replication identity
	// ========================================================================
	KeyDatabase   = "db_id"      // Logical database identifier
	KeyDevice     = "device_id"  // Origin device identifier
	KeyCollection = "collection" // Logical table name
	KeyEntity     = "entity_id"  // Primary key within a collection
	KeySession    = "session_id" // Handshake session identifier

	// ========================================================================
	// Oplog positions
	// ========================================================================
	KeyCursor  = "cursor"  // Server cursor position
	KeyOpID    = "op_id"   // Per-device operation identifier
	KeyVersion = "version" // Entity version counter
	KeyLSN     = "lsn"     // Storage-engine log sequence number

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyProcedure  = "procedure"   // Operation name: handshake, pull, push, ...
	KeyBatch      = "batch"       // Number of operations in a batch
	KeyConflicts  = "conflicts"   // Number of conflicts in a push response
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyState      = "state"       // Sync engine state

	// ========================================================================
	// Broadcast
	// ========================================================================
	KeySubscription = "subscription_id" // Streaming subscriber identifier
	KeyEventID      = "event_id"        // Broadcast event identifier

	// ========================================================================
	// Client identification
	// ========================================================================
	KeyClientIP = "client_ip" // Client IP address
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for a request correlation ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// Database returns a slog.Attr for a logical database identifier
func Database(id string) slog.Attr {
	return slog.String(KeyDatabase, id)
}

// Device returns a slog.Attr for a device identifier
func Device(id string) slog.Attr {
	return slog.String(KeyDevice, id)
}

// Collection returns a slog.Attr for a collection name
func Collection(name string) slog.Attr {
	return slog.String(KeyCollection, name)
}

// Entity returns a slog.Attr for an entity primary key
func Entity(id string) slog.Attr {
	return slog.String(KeyEntity, id)
}

// Session returns a slog.Attr for a session identifier
func Session(id string) slog.Attr {
	return slog.String(KeySession, id)
}

// Cursor returns a slog.Attr for a server cursor position
func Cursor(c int64) slog.Attr {
	return slog.Int64(KeyCursor, c)
}

// OpID returns a slog.Attr for a per-device operation identifier
func OpID(id int64) slog.Attr {
	return slog.Int64(KeyOpID, id)
}

// Version returns a slog.Attr for an entity version counter
func Version(v int64) slog.Attr {
	return slog.Int64(KeyVersion, v)
}

// LSN returns a slog.Attr for a storage-engine log sequence number
func LSN(lsn int64) slog.Attr {
	return slog.Int64(KeyLSN, lsn)
}

// Procedure returns a slog.Attr for an operation name
func Procedure(name string) slog.Attr {
	return slog.String(KeyProcedure, name)
}

// Batch returns a slog.Attr for a batch size
func Batch(n int) slog.Attr {
	return slog.Int(KeyBatch, n)
}

// Conflicts returns a slog.Attr for a conflict count
func Conflicts(n int) slog.Attr {
	return slog.Int(KeyConflicts, n)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// State returns a slog.Attr for a sync engine state
func State(s string) slog.Attr {
	return slog.String(KeyState, s)
}

// Subscription returns a slog.Attr for a subscriber identifier
func Subscription(id string) slog.Attr {
	return slog.String(KeySubscription, id)
}

// EventID returns a slog.Attr for a broadcast event identifier
func EventID(id string) slog.Attr {
	return slog.String(KeyEventID, id)
}

// ClientIP returns a slog.Attr for a client IP address
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}
