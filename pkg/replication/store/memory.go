package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftsync/driftsync/pkg/protocol"
)

// MemoryStore keeps all replication state in process memory. It backs tests
// and single-process embedding; nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	dbs    map[string]*memoryDatabase
	closed bool
}

type memoryDatabase struct {
	cursor int64
	oplog  []protocol.ServerOplogEntry
	heads  map[string]EntityHead
	dedup  map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{dbs: make(map[string]*memoryDatabase)}
}

func headKey(collection, entityID string) string {
	return collection + "\x00" + entityID
}

func dedupKey(deviceID string, opID int64) string {
	return fmt.Sprintf("%s\x00%d", deviceID, opID)
}

func (s *MemoryStore) database(dbID string) *memoryDatabase {
	db, ok := s.dbs[dbID]
	if !ok {
		db = &memoryDatabase{
			heads: make(map[string]EntityHead),
			dedup: make(map[string]int64),
		}
		s.dbs[dbID] = db
	}
	return db
}

// CurrentCursor implements Store.
func (s *MemoryStore) CurrentCursor(ctx context.Context, dbID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if db, ok := s.dbs[dbID]; ok {
		return db.cursor, nil
	}
	return 0, nil
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, dbID string, op protocol.SyncOperation, finalCBOR []byte) (protocol.ServerOplogEntry, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ServerOplogEntry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return protocol.ServerOplogEntry{}, ErrClosed
	}

	db := s.database(dbID)
	db.cursor++

	stored := op
	if op.OpType == protocol.OpUpsert {
		stored.EntityCBOR = finalCBOR
	}
	entry := protocol.ServerOplogEntry{Op: stored, ServerCursor: db.cursor}

	db.oplog = append(db.oplog, entry)
	db.heads[headKey(op.Collection, op.EntityID)] = EntityHead{
		EntityVersion: op.EntityVersion,
		Cursor:        db.cursor,
		DeviceID:      op.DeviceID,
		OpID:          op.OpID,
		ModifiedMs:    op.TimestampMs,
	}
	db.dedup[dedupKey(op.DeviceID, op.OpID)] = db.cursor
	return entry, nil
}

// Entry implements Store.
func (s *MemoryStore) Entry(ctx context.Context, dbID string, cursor int64) (protocol.ServerOplogEntry, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ServerOplogEntry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return protocol.ServerOplogEntry{}, ErrClosed
	}

	db, ok := s.dbs[dbID]
	if !ok || cursor < 1 || cursor > int64(len(db.oplog)) {
		return protocol.ServerOplogEntry{}, ErrEntryNotFound
	}
	return db.oplog[cursor-1], nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context, dbID, collection, entityID string) (EntityHead, bool, error) {
	if err := ctx.Err(); err != nil {
		return EntityHead{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return EntityHead{}, false, ErrClosed
	}

	db, ok := s.dbs[dbID]
	if !ok {
		return EntityHead{}, false, nil
	}
	head, ok := db.heads[headKey(collection, entityID)]
	return head, ok, nil
}

// DedupCursor implements Store.
func (s *MemoryStore) DedupCursor(ctx context.Context, dbID, deviceID string, opID int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, false, ErrClosed
	}

	db, ok := s.dbs[dbID]
	if !ok {
		return 0, false, nil
	}
	cursor, ok := db.dedup[dedupKey(deviceID, opID)]
	return cursor, ok, nil
}

// Scan implements Store.
func (s *MemoryStore) Scan(ctx context.Context, dbID string, sinceCursor int64, fn func(protocol.ServerOplogEntry) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Snapshot the suffix under the read lock, then iterate without it so
	// fn may be arbitrarily slow without stalling appends.
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	var suffix []protocol.ServerOplogEntry
	if db, ok := s.dbs[dbID]; ok && sinceCursor < int64(len(db.oplog)) {
		start := sinceCursor
		if start < 0 {
			start = 0
		}
		suffix = db.oplog[start:]
	}
	s.mu.RUnlock()

	for _, entry := range suffix {
		cont, err := fn(entry)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// OplogSize implements Store.
func (s *MemoryStore) OplogSize(ctx context.Context, dbID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if db, ok := s.dbs[dbID]; ok {
		return int64(len(db.oplog)), nil
	}
	return 0, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
