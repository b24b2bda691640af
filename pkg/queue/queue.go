// Package queue implements the client-side offline queue: a durable FIFO of
// locally originated operations waiting for server acknowledgement.
//
// The queue is backed by a single file rewritten atomically on every
// mutation (write to temp, fsync, rename), so a crash can lose at most the
// mutation in flight and never corrupts previously persisted state. Entries
// are deduplicated by opId because the change-log reader delivers
// at-least-once.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/protocol"
)

// Queue state errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed queue.
	ErrClosed = errors.New("queue: closed")

	// ErrAlreadyOpen is returned when Open is called twice.
	ErrAlreadyOpen = errors.New("queue: already open")
)

// Status tracks an entry through its retry lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRetrying Status = "retrying"
	StatusFailed   Status = "failed"
)

// QueuedOperation is one queue entry: the operation plus retry accounting.
type QueuedOperation struct {
	Operation     protocol.SyncOperation `json:"operation"`
	EnqueuedAt    time.Time              `json:"enqueuedAt"`
	RetryCount    int                    `json:"retryCount"`
	Status        Status                 `json:"status"`
	LastError     string                 `json:"lastError,omitempty"`
	LastAttemptAt *time.Time             `json:"lastAttemptAt,omitempty"`
}

// Stats reports entry counts by status.
type Stats struct {
	Pending  int
	Retrying int
	Failed   int
}

// Total returns the queue length.
func (s Stats) Total() int {
	return s.Pending + s.Retrying + s.Failed
}

// Config controls queue behavior.
type Config struct {
	// Dir is the directory holding the queue file. Created if absent.
	Dir string

	// MaxRetries is the retry ceiling: once an entry's RetryCount reaches
	// it, the entry transitions to failed and is skipped by getPending.
	// Default: 5.
	MaxRetries int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
}

// Queue is a durable FIFO of pending operations. All methods are safe for
// concurrent use; the change-log reader enqueues while the sync engine
// drains.
type Queue struct {
	mu     sync.Mutex
	config Config
	open   bool

	// items is FIFO order; index maps opId to its position in items and is
	// rebuilt after every removal.
	items []QueuedOperation
	index map[int64]int
}

// New creates a queue. Call Open before use.
func New(config Config) *Queue {
	config.applyDefaults()
	return &Queue{config: config}
}

// Open creates the storage directory if needed and loads the persisted
// state. A file that fails to parse is treated as an empty queue and logged;
// replaying the change log will repopulate it.
func (q *Queue) Open() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.open {
		return ErrAlreadyOpen
	}

	items, err := loadFile(q.queuePath())
	if err != nil {
		if errors.Is(err, errCorruptFile) {
			logger.Warn("queue file unreadable, starting empty",
				"path", q.queuePath(), "error", err)
			items = nil
		} else {
			return fmt.Errorf("queue: open: %w", err)
		}
	}

	q.items = items
	q.rebuildIndex()
	q.open = true

	logger.Debug("offline queue opened", "path", q.queuePath(), "entries", len(q.items))
	return nil
}

// Close persists the current state and marks the queue closed. Further
// mutations fail with ErrClosed.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return ErrClosed
	}
	err := q.persistLocked()
	q.open = false
	return err
}

// Enqueue appends an operation as pending. Returns false without error when
// the opId is already queued.
func (q *Queue) Enqueue(op protocol.SyncOperation) (bool, error) {
	added, err := q.EnqueueAll([]protocol.SyncOperation{op})
	return added == 1, err
}

// EnqueueAll appends every operation not already queued and persists once.
// Returns the number of operations added.
func (q *Queue) EnqueueAll(ops []protocol.SyncOperation) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return 0, ErrClosed
	}

	added := 0
	for _, op := range ops {
		if _, dup := q.index[op.OpID]; dup {
			continue
		}
		q.index[op.OpID] = len(q.items)
		q.items = append(q.items, QueuedOperation{
			Operation:  op,
			EnqueuedAt: time.Now().UTC(),
			Status:     StatusPending,
		})
		added++
	}

	if added == 0 {
		return 0, nil
	}
	if err := q.persistLocked(); err != nil {
		// Roll the in-memory state back so memory and disk agree.
		q.items = q.items[:len(q.items)-added]
		q.rebuildIndex()
		return 0, err
	}
	return added, nil
}

// GetPending returns up to limit entries with opId > sinceOpId in FIFO
// order, skipping failed entries, and retrying entries unless
// includeRetrying is set. The queue is not mutated.
func (q *Queue) GetPending(sinceOpID int64, limit int, includeRetrying bool) ([]QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return nil, ErrClosed
	}

	var out []QueuedOperation
	for _, item := range q.items {
		if limit > 0 && len(out) >= limit {
			break
		}
		if item.Operation.OpID <= sinceOpID {
			continue
		}
		switch item.Status {
		case StatusPending:
		case StatusRetrying:
			if !includeRetrying {
				continue
			}
		default:
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

// Acknowledge removes every entry with opId <= upToOpId and persists.
// Returns the number of entries removed.
func (q *Queue) Acknowledge(upToOpID int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return 0, ErrClosed
	}

	kept := q.items[:0:0]
	removed := 0
	for _, item := range q.items {
		if item.Operation.OpID <= upToOpID {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	if removed == 0 {
		return 0, nil
	}

	previous := q.items
	q.items = kept
	q.rebuildIndex()
	if err := q.persistLocked(); err != nil {
		q.items = previous
		q.rebuildIndex()
		return 0, err
	}
	return removed, nil
}

// MarkFailed records a failed push attempt for opId. The entry moves to
// retrying, or to failed once RetryCount reaches the configured ceiling.
// Unknown opIds are ignored (the entry may have been acknowledged by a
// concurrent response).
func (q *Queue) MarkFailed(opID int64, attemptErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return ErrClosed
	}

	idx, ok := q.index[opID]
	if !ok {
		return nil
	}

	item := &q.items[idx]
	item.RetryCount++
	now := time.Now().UTC()
	item.LastAttemptAt = &now
	if attemptErr != nil {
		item.LastError = attemptErr.Error()
	}
	if item.RetryCount >= q.config.MaxRetries {
		item.Status = StatusFailed
		logger.Warn("queued operation exhausted retries",
			logger.OpID(opID), logger.MaxRetries(q.config.MaxRetries), "error", item.LastError)
	} else {
		item.Status = StatusRetrying
	}

	return q.persistLocked()
}

// ResetFailed returns failed entries to pending with a fresh retry budget.
// Returns the number of entries reset.
func (q *Queue) ResetFailed() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return 0, ErrClosed
	}

	reset := 0
	for i := range q.items {
		if q.items[i].Status != StatusFailed {
			continue
		}
		q.items[i].Status = StatusPending
		q.items[i].RetryCount = 0
		q.items[i].LastError = ""
		q.items[i].LastAttemptAt = nil
		reset++
	}
	if reset == 0 {
		return 0, nil
	}
	return reset, q.persistLocked()
}

// GetStats returns entry counts by status.
func (q *Queue) GetStats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return Stats{}, ErrClosed
	}

	var s Stats
	for _, item := range q.items {
		switch item.Status {
		case StatusPending:
			s.Pending++
		case StatusRetrying:
			s.Retrying++
		case StatusFailed:
			s.Failed++
		}
	}
	return s, nil
}

// Clear discards every entry. Operator recovery only: anything not yet
// acknowledged by the server is lost.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.open {
		return ErrClosed
	}

	q.items = nil
	q.rebuildIndex()
	return q.persistLocked()
}

func (q *Queue) rebuildIndex() {
	q.index = make(map[int64]int, len(q.items))
	for i, item := range q.items {
		q.index[item.Operation.OpID] = i
	}
}
