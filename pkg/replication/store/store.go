// Package store defines the server-side oplog storage contract and its
// backends: an in-memory store for tests and embedding, and a Badger-backed
// store for production.
package store

import (
	"context"
	"errors"

	"github.com/driftsync/driftsync/pkg/protocol"
)

// Store errors.
var (
	// ErrEntryNotFound is returned when a cursor has no oplog entry.
	ErrEntryNotFound = errors.New("store: oplog entry not found")

	// ErrStateLost is returned by Scan when sinceCursor precedes the oldest
	// retained entry. Neither built-in backend truncates, but any backend
	// that does must return it instead of silently serving an empty page,
	// so clients rebase rather than miss history.
	ErrStateLost = errors.New("store: requested cursor precedes retained history")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// EntityHead is the per-entity conflict-detection index entry: the version,
// origin and position of the operation that last wrote the entity.
type EntityHead struct {
	EntityVersion int64  `json:"entityVersion"`
	Cursor        int64  `json:"cursor"`
	DeviceID      string `json:"deviceId"`
	OpID          int64  `json:"opId"`
	ModifiedMs    int64  `json:"modifiedMs"`
}

// Store holds per-database replication state: the append-only oplog, the
// per-entity head index, the push dedup index and the cursor counter.
//
// Append assigns the next cursor and updates all four atomically. Callers
// serialize Appends per database; reads may run concurrently.
type Store interface {
	// CurrentCursor returns the database's cursor counter (0 when empty).
	CurrentCursor(ctx context.Context, dbID string) (int64, error)

	// Append accepts an operation: assigns the next cursor, writes the oplog
	// entry, updates the entity head and the dedup index. The stored entry
	// carries finalCBOR as its post-image, which differs from op.EntityCBOR
	// when a resolver produced a merge.
	Append(ctx context.Context, dbID string, op protocol.SyncOperation, finalCBOR []byte) (protocol.ServerOplogEntry, error)

	// Entry returns the oplog entry at cursor, or ErrEntryNotFound.
	Entry(ctx context.Context, dbID string, cursor int64) (protocol.ServerOplogEntry, error)

	// Head returns the entity head for (collection, entityID), reporting
	// whether one exists.
	Head(ctx context.Context, dbID, collection, entityID string) (EntityHead, bool, error)

	// DedupCursor returns the cursor assigned to (deviceID, opID) by an
	// earlier Append, reporting whether one exists.
	DedupCursor(ctx context.Context, dbID, deviceID string, opID int64) (int64, bool, error)

	// Scan streams oplog entries with cursor > sinceCursor in cursor order.
	// fn returns false to stop early.
	Scan(ctx context.Context, dbID string, sinceCursor int64, fn func(protocol.ServerOplogEntry) (bool, error)) error

	// OplogSize returns the number of oplog entries for dbID.
	OplogSize(ctx context.Context, dbID string) (int64, error)

	Close() error
}
