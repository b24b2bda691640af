package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/driftsync/driftsync/pkg/protocol"
)

// ============================================================================
// Database Key Namespace Design
// ============================================================================
//
// BadgerDB is a key-value store, so prefixed keys organize the replication
// state into logical namespaces. Cursors and opIds are big-endian fixed
// width so lexicographic key order matches numeric order and oplog scans
// are a single range iteration.
//
// Data Type        Prefix   Key Format                             Value
// ==========================================================================
// Oplog entries    "o:"     o:<dbId>:<cursor be64>                 entry (wire map)
// Entity heads     "h:"     h:<dbId>:<collection>\x00<entityId>    EntityHead (JSON)
// Dedup index      "d:"     d:<dbId>:<deviceId>\x00<opId be64>     cursor (be64)
// Cursor counter   "m:"     m:<dbId>:cursor                        cursor (be64)

func keyOplog(dbID string, cursor int64) []byte {
	key := make([]byte, 0, 2+len(dbID)+1+8)
	key = append(key, "o:"...)
	key = append(key, dbID...)
	key = append(key, ':')
	return binary.BigEndian.AppendUint64(key, uint64(cursor))
}

func prefixOplog(dbID string) []byte {
	return []byte("o:" + dbID + ":")
}

func keyHead(dbID, collection, entityID string) []byte {
	return []byte("h:" + dbID + ":" + collection + "\x00" + entityID)
}

func keyDedup(dbID, deviceID string, opID int64) []byte {
	key := []byte("d:" + dbID + ":" + deviceID + "\x00")
	return binary.BigEndian.AppendUint64(key, uint64(opID))
}

func keyCursor(dbID string) []byte {
	return []byte("m:" + dbID + ":cursor")
}

// BadgerStore persists replication state in BadgerDB. Appends run in a
// single transaction, so an acknowledged push is durable before the
// response leaves the server.
type BadgerStore struct {
	db *badgerdb.DB
}

// OpenBadgerStore opens (or creates) a store at path.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// CurrentCursor implements Store.
func (s *BadgerStore) CurrentCursor(ctx context.Context, dbID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var cursor int64
	err := s.db.View(func(txn *badgerdb.Txn) error {
		var err error
		cursor, err = readCursor(txn, dbID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: read cursor: %w", err)
	}
	return cursor, nil
}

func readCursor(txn *badgerdb.Txn, dbID string) (int64, error) {
	item, err := txn.Get(keyCursor(dbID))
	if err == badgerdb.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var cursor int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("cursor value has %d bytes, expected 8", len(val))
		}
		cursor = int64(binary.BigEndian.Uint64(val))
		return nil
	})
	return cursor, err
}

// Append implements Store.
func (s *BadgerStore) Append(ctx context.Context, dbID string, op protocol.SyncOperation, finalCBOR []byte) (protocol.ServerOplogEntry, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ServerOplogEntry{}, err
	}

	var entry protocol.ServerOplogEntry
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		cursor, err := readCursor(txn, dbID)
		if err != nil {
			return err
		}
		cursor++

		stored := op
		if op.OpType == protocol.OpUpsert {
			stored.EntityCBOR = finalCBOR
		}
		entry = protocol.ServerOplogEntry{Op: stored, ServerCursor: cursor}

		encoded, err := entry.Encode()
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if err := txn.Set(keyOplog(dbID, cursor), encoded); err != nil {
			return err
		}

		head, err := json.Marshal(EntityHead{
			EntityVersion: op.EntityVersion,
			Cursor:        cursor,
			DeviceID:      op.DeviceID,
			OpID:          op.OpID,
			ModifiedMs:    op.TimestampMs,
		})
		if err != nil {
			return fmt.Errorf("encode head: %w", err)
		}
		if err := txn.Set(keyHead(dbID, op.Collection, op.EntityID), head); err != nil {
			return err
		}

		cursorBytes := binary.BigEndian.AppendUint64(nil, uint64(cursor))
		if err := txn.Set(keyDedup(dbID, op.DeviceID, op.OpID), cursorBytes); err != nil {
			return err
		}
		return txn.Set(keyCursor(dbID), cursorBytes)
	})
	if err != nil {
		return protocol.ServerOplogEntry{}, fmt.Errorf("store: append: %w", err)
	}
	return entry, nil
}

// Entry implements Store.
func (s *BadgerStore) Entry(ctx context.Context, dbID string, cursor int64) (protocol.ServerOplogEntry, error) {
	if err := ctx.Err(); err != nil {
		return protocol.ServerOplogEntry{}, err
	}

	var entry protocol.ServerOplogEntry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyOplog(dbID, cursor))
		if err == badgerdb.ErrKeyNotFound {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry, err = protocol.DecodeServerOplogEntry(val)
			return err
		})
	})
	if err != nil {
		return protocol.ServerOplogEntry{}, err
	}
	return entry, nil
}

// Head implements Store.
func (s *BadgerStore) Head(ctx context.Context, dbID, collection, entityID string) (EntityHead, bool, error) {
	if err := ctx.Err(); err != nil {
		return EntityHead{}, false, err
	}

	var head EntityHead
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyHead(dbID, collection, entityID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &head)
		})
	})
	if err != nil {
		return EntityHead{}, false, fmt.Errorf("store: read head: %w", err)
	}
	return head, found, nil
}

// DedupCursor implements Store.
func (s *BadgerStore) DedupCursor(ctx context.Context, dbID, deviceID string, opID int64) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	var cursor int64
	found := false
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyDedup(dbID, deviceID, opID))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("dedup value has %d bytes, expected 8", len(val))
			}
			cursor = int64(binary.BigEndian.Uint64(val))
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("store: read dedup: %w", err)
	}
	return cursor, found, nil
}

// Scan implements Store.
func (s *BadgerStore) Scan(ctx context.Context, dbID string, sinceCursor int64, fn func(protocol.ServerOplogEntry) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefixOplog(dbID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(keyOplog(dbID, sinceCursor+1)); it.Valid(); it.Next() {
			var entry protocol.ServerOplogEntry
			err := it.Item().Value(func(val []byte) error {
				var err error
				entry, err = protocol.DecodeServerOplogEntry(val)
				return err
			})
			if err != nil {
				return err
			}
			cont, err := fn(entry)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// OplogSize implements Store. The oplog is dense from cursor 1 and never
// truncated, so the counter is the size.
func (s *BadgerStore) OplogSize(ctx context.Context, dbID string) (int64, error) {
	return s.CurrentCursor(ctx, dbID)
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

var _ Store = (*BadgerStore)(nil)
