// Package changelog tails the local storage engine's write-ahead log and
// translates committed low-level records into logical sync operations for
// the offline queue.
//
// The storage engine offers no file notification, so the reader polls on a
// fixed cadence. Delivery to the queue is at-least-once: the opId counter is
// persisted together with the last seen LSN, so a replay after a crash
// reassigns the same opIds and the queue deduplicates.
package changelog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/wire"
)

// RecordKind discriminates WAL record types.
type RecordKind uint8

const (
	// KindData is a single entity mutation inside a transaction.
	KindData RecordKind = iota
	// KindCommit marks a transaction as committed. Transactions without a
	// commit marker are never emitted.
	KindCommit
)

// Record is one low-level write-ahead-log record.
type Record struct {
	LSN   uint64
	TxnID uint64
	Kind  RecordKind

	// Data record fields. AfterImage is nil for a delete.
	Collection string
	EntityID   string
	AfterImage map[string]any
}

// Source reads WAL records with LSN greater than afterLSN, in LSN order.
type Source interface {
	ReadFrom(ctx context.Context, afterLSN uint64) ([]Record, error)
}

// Sink receives the emitted operations. *queue.Queue satisfies this.
type Sink interface {
	EnqueueAll(ops []protocol.SyncOperation) (int, error)
}

// Config controls the reader.
type Config struct {
	DBID     string
	DeviceID string

	// Dir holds the reader state file (last seen LSN, opId counter).
	Dir string

	// Interval is the poll cadence. Default: 100ms.
	Interval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
}

// Reader polls a Source and emits operations into a Sink. Not safe for
// concurrent use; run a single Reader per database.
type Reader struct {
	config Config
	source Source
	sink   Sink
	state  *readerState
}

// NewReader creates a reader and loads its persisted position.
func NewReader(config Config, source Source, sink Sink) (*Reader, error) {
	config.applyDefaults()
	state, err := loadReaderState(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("changelog: load state: %w", err)
	}
	return &Reader{
		config: config,
		source: source,
		sink:   sink,
		state:  state,
	}, nil
}

// LastSeenLSN returns the persisted log position.
func (r *Reader) LastSeenLSN() uint64 {
	return r.state.LastSeenLSN
}

// Run polls until the context is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	logger.Info("change-log reader started",
		logger.Database(r.config.DBID), logger.Device(r.config.DeviceID),
		logger.LSN(int64(r.state.LastSeenLSN)))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error("change-log poll failed", logger.Err(err))
			}
		}
	}
}

// RunOnce performs a single poll: read, analyze, emit, advance. Returns the
// number of operations emitted.
func (r *Reader) RunOnce(ctx context.Context) (int, error) {
	records, err := r.source.ReadFrom(ctx, r.state.LastSeenLSN)
	if err != nil {
		return 0, fmt.Errorf("changelog: read: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}

	// Analyze pass: which transactions have a commit marker.
	committed := make(map[uint64]bool)
	for _, rec := range records {
		if rec.Kind == KindCommit {
			committed[rec.TxnID] = true
		}
	}

	// Only the prefix of records belonging to committed transactions may be
	// consumed: advancing past an open transaction's records would drop them
	// once it commits.
	safe := len(records)
	for i, rec := range records {
		if !committed[rec.TxnID] {
			safe = i
			break
		}
	}
	if safe == 0 {
		return 0, nil
	}

	// Emit pass: committed data records, in log order.
	var ops []protocol.SyncOperation
	for _, rec := range records[:safe] {
		if rec.Kind != KindData {
			continue
		}
		if strings.HasPrefix(rec.Collection, protocol.InternalCollectionPrefix) {
			continue
		}
		op, err := r.toOperation(rec)
		if err != nil {
			return 0, err
		}
		ops = append(ops, op)
	}

	if len(ops) > 0 {
		added, err := r.sink.EnqueueAll(ops)
		if err != nil {
			return 0, fmt.Errorf("changelog: enqueue: %w", err)
		}
		logger.Debug("change-log emitted operations",
			logger.Database(r.config.DBID), "emitted", len(ops), "enqueued", added,
			logger.LSN(int64(records[safe-1].LSN)))
	}

	r.state.LastSeenLSN = records[safe-1].LSN
	if err := r.state.save(r.config.Dir); err != nil {
		return 0, fmt.Errorf("changelog: save state: %w", err)
	}
	return len(ops), nil
}

func (r *Reader) toOperation(rec Record) (protocol.SyncOperation, error) {
	op := protocol.SyncOperation{
		OpID:          r.state.nextOpID(),
		DBID:          r.config.DBID,
		DeviceID:      r.config.DeviceID,
		Collection:    rec.Collection,
		EntityID:      rec.EntityID,
		EntityVersion: r.state.nextEntityVersion(time.Now().UnixMilli()),
		TimestampMs:   time.Now().UnixMilli(),
	}
	if rec.AfterImage == nil {
		op.OpType = protocol.OpDelete
	} else {
		op.OpType = protocol.OpUpsert
		encoded, err := wire.EncodeMap(rec.AfterImage)
		if err != nil {
			return op, fmt.Errorf("changelog: encode post-image for %s/%s: %w",
				rec.Collection, rec.EntityID, err)
		}
		op.EntityCBOR = encoded
	}
	return op, nil
}
