// Package engine drives the client's sync cycle: a single-flight state
// machine that connects, pulls remote operations into local storage, and
// pushes the offline queue, with exponential backoff on recoverable
// failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/metrics"
	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/queue"
	"github.com/driftsync/driftsync/pkg/resolver"
)

// State names an engine phase.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StatePulling    State = "pulling"
	StatePushing    State = "pushing"
	StateSynced     State = "synced"
	StateError      State = "error"
)

// StateEvent is one transition on the state stream.
type StateEvent struct {
	State State
	Err   error
	Fatal bool
	At    time.Time
}

// Transport performs the protocol calls. *client.Client satisfies it.
type Transport interface {
	Handshake(ctx context.Context, req protocol.HandshakeRequest) (protocol.HandshakeResponse, error)
	Pull(ctx context.Context, req protocol.PullRequest) (protocol.PullResponse, error)
	Push(ctx context.Context, req protocol.PushRequest) (protocol.PushResponse, error)
}

// Applier writes pulled operations into local storage.
type Applier interface {
	Apply(ctx context.Context, entries []protocol.ServerOplogEntry) error
}

// CursorStore persists the last applied server cursor.
type CursorStore interface {
	LoadCursor(ctx context.Context) (int64, error)
	SaveCursor(ctx context.Context, cursor int64) error
}

// OfflineQueue is the engine's view of the durable queue. *queue.Queue
// satisfies it.
type OfflineQueue interface {
	GetPending(sinceOpID int64, limit int, includeRetrying bool) ([]queue.QueuedOperation, error)
	EnqueueAll(ops []protocol.SyncOperation) (int, error)
	Acknowledge(upToOpID int64) (int, error)
	MarkFailed(opID int64, attemptErr error) error
}

// Config controls the engine.
type Config struct {
	DBID     string
	DeviceID string

	// SyncInterval schedules periodic cycles. Default: 30s.
	SyncInterval time.Duration

	// PullLimit is the page size for pulls. Default: 500.
	PullLimit int

	// MaxPullBatches caps pull pages per cycle so a huge backlog cannot
	// starve pushing. Default: 20.
	MaxPullBatches int

	// PushBatchSize caps operations per push. Default: 100.
	PushBatchSize int

	// Backoff tunes error retry pacing.
	Backoff BackoffConfig
}

func (c *Config) applyDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.PullLimit <= 0 {
		c.PullLimit = 500
	}
	if c.MaxPullBatches <= 0 {
		c.MaxPullBatches = 20
	}
	if c.PushBatchSize <= 0 {
		c.PushBatchSize = 100
	}
	c.Backoff.applyDefaults()
}

// Engine is the client sync state machine. At most one cycle runs at a
// time; triggers arriving mid-cycle are coalesced.
type Engine struct {
	config    Config
	transport Transport
	applier   Applier
	cursors   CursorStore
	queue     OfflineQueue
	resolver  resolver.Strategy
	metrics   metrics.EngineMetrics

	trigger chan struct{}
	states  chan StateEvent
	state   State
}

// New creates an engine. strategy nil means server-wins; m may be nil.
func New(config Config, transport Transport, applier Applier, cursors CursorStore, q OfflineQueue, strategy resolver.Strategy, m metrics.EngineMetrics) *Engine {
	config.applyDefaults()
	if strategy == nil {
		strategy = resolver.Default()
	}
	return &Engine{
		config:    config,
		transport: transport,
		applier:   applier,
		cursors:   cursors,
		queue:     q,
		resolver:  strategy,
		metrics:   m,
		trigger:   make(chan struct{}, 1),
		states:    make(chan StateEvent, 32),
		state:     StateIdle,
	}
}

// StateStream emits every transition. Slow consumers lose the oldest
// events rather than stalling the engine.
func (e *Engine) StateStream() <-chan StateEvent {
	return e.states
}

// State returns the current phase. Safe only from the goroutine running
// the engine plus tests that know the engine is parked.
func (e *Engine) State() State {
	return e.state
}

// RequestSync triggers a cycle when idle; during a cycle it is a no-op
// because the cycle already in flight will cover it.
func (e *Engine) RequestSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes cycles on triggers and the periodic timer until the context
// is cancelled. After a fatal error the engine parks and ignores timers;
// only cancellation ends it.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTicker(e.config.SyncInterval)
	defer timer.Stop()

	backoff := newBackoff(e.config.Backoff)
	fatal := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if fatal {
				continue
			}
		case <-e.trigger:
			if fatal {
				continue
			}
		}

		// Retry recoverable failures with backoff until the cycle succeeds
		// or turns fatal.
		for {
			err := e.SyncOnce(ctx)
			if err == nil {
				backoff.reset()
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isFatal(err) {
				fatal = true
				logger.Error("sync disabled by fatal error", logger.Err(err))
				break
			}

			delay := backoff.next()
			logger.Warn("sync cycle failed, backing off",
				logger.Err(err), "delay", delay.String(),
				logger.Attempt(backoff.attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// SyncOnce runs one full cycle: connect, pull, push. The returned error is
// nil on a completed cycle; otherwise the engine has already emitted the
// error state.
func (e *Engine) SyncOnce(ctx context.Context) error {
	start := time.Now()

	session, err := e.connect(ctx)
	if err != nil {
		return e.fail(start, err)
	}
	pulled, err := e.pullAll(ctx)
	if err != nil {
		return e.fail(start, err)
	}
	pushed, err := e.pushAll(ctx)
	if err != nil {
		return e.fail(start, err)
	}

	e.transition(StateSynced, nil, false)
	if e.metrics != nil {
		e.metrics.RecordCycle("synced", time.Since(start))
		e.metrics.RecordOperations("pulled", pulled)
		e.metrics.RecordOperations("pushed", pushed)
	}
	logger.Debug("sync cycle complete",
		logger.Database(e.config.DBID), logger.Session(session),
		"pulled", pulled, "pushed", pushed,
		logger.DurationMs(float64(time.Since(start).Milliseconds())))

	e.transition(StateIdle, nil, false)
	return nil
}

func (e *Engine) fail(start time.Time, err error) error {
	fatal := isFatal(err)
	e.transition(StateError, err, fatal)
	if e.metrics != nil {
		e.metrics.RecordCycle("error", time.Since(start))
	}
	return err
}

// connect performs the handshake and returns the session id.
func (e *Engine) connect(ctx context.Context) (string, error) {
	e.transition(StateConnecting, nil, false)

	cursor, err := e.cursors.LoadCursor(ctx)
	if err != nil {
		return "", fmt.Errorf("engine: load cursor: %w", err)
	}
	resp, err := e.transport.Handshake(ctx, protocol.HandshakeRequest{
		ClientProtocolVersion: protocol.CurrentVersion,
		DeviceID:              e.config.DeviceID,
		DBID:                  e.config.DBID,
		LastCursor:            cursor,
	})
	if err != nil {
		return "", err
	}
	if !resp.Accepted {
		code := resp.RejectReason
		if code == "" {
			code = protocol.CodeInternal
		}
		return "", protocol.NewSyncError(code, "handshake rejected")
	}
	return resp.SessionID, nil
}

// pullAll pages through the oplog, applying and persisting after each
// batch so cancellation never loses applied progress.
func (e *Engine) pullAll(ctx context.Context) (int, error) {
	e.transition(StatePulling, nil, false)

	total := 0
	for batch := 0; batch < e.config.MaxPullBatches; batch++ {
		cursor, err := e.cursors.LoadCursor(ctx)
		if err != nil {
			return total, fmt.Errorf("engine: load cursor: %w", err)
		}

		resp, err := e.transport.Pull(ctx, protocol.PullRequest{
			DBID:            e.config.DBID,
			SinceCursor:     cursor,
			Limit:           e.config.PullLimit,
			ExcludeDeviceID: e.config.DeviceID,
		})
		if err != nil {
			return total, err
		}

		if len(resp.Ops) > 0 {
			if err := e.applier.Apply(ctx, resp.Ops); err != nil {
				return total, fmt.Errorf("engine: apply pulled operations: %w", err)
			}
			total += len(resp.Ops)
		}
		if resp.NextCursor > cursor {
			if err := e.cursors.SaveCursor(ctx, resp.NextCursor); err != nil {
				return total, fmt.Errorf("engine: save cursor: %w", err)
			}
		}
		if !resp.HasMore {
			break
		}
	}
	return total, nil
}

// pushAll drains the offline queue in batches.
func (e *Engine) pushAll(ctx context.Context) (int, error) {
	e.transition(StatePushing, nil, false)

	// A round bound keeps a pathological conflict storm from pinning the
	// cycle; leftovers wait for the next trigger.
	const maxPushRounds = 50

	total := 0
	for round := 0; round < maxPushRounds; round++ {
		pending, err := e.queue.GetPending(0, e.config.PushBatchSize, true)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return total, protocol.NewSyncError(protocol.CodeInternal, "offline queue closed")
			}
			return total, fmt.Errorf("engine: read queue: %w", err)
		}
		if len(pending) == 0 {
			return total, nil
		}

		ops := make([]protocol.SyncOperation, 0, len(pending))
		for _, item := range pending {
			ops = append(ops, item.Operation)
		}

		resp, err := e.transport.Push(ctx, protocol.PushRequest{
			DBID:     e.config.DBID,
			DeviceID: e.config.DeviceID,
			Ops:      ops,
		})
		if err != nil {
			// The whole batch failed; record the attempts before
			// surfacing the error for backoff.
			for _, op := range ops {
				if markErr := e.queue.MarkFailed(op.OpID, err); markErr != nil {
					logger.Warn("failed to record push failure", logger.OpID(op.OpID), logger.Err(markErr))
				}
			}
			return total, err
		}

		conflicted := make(map[int64]bool, len(resp.Conflicts))
		for _, c := range resp.Conflicts {
			conflicted[c.ClientOp.OpID] = true
		}

		progress := 0
		if resp.AcceptedUpToOpID > 0 {
			removed, err := e.queue.Acknowledge(resp.AcceptedUpToOpID)
			if err != nil {
				return total, fmt.Errorf("engine: acknowledge: %w", err)
			}
			progress += removed
		}
		for _, op := range ops {
			if op.OpID <= resp.AcceptedUpToOpID && !conflicted[op.OpID] {
				total++
			}
		}

		resolved, err := e.resolveConflicts(ctx, resp.Conflicts)
		if err != nil {
			return total, err
		}
		progress += resolved

		if progress == 0 {
			// Nothing moved; retrying the same batch would spin.
			return total, nil
		}
	}
	return total, nil
}

// resolveConflicts applies the local strategy to each reported conflict.
// takeServer discards the local operation; takeClient and merged rewrite it
// above the server's version and requeue it for the next cycle.
func (e *Engine) resolveConflicts(ctx context.Context, conflicts []protocol.Conflict) (int, error) {
	if len(conflicts) == 0 {
		return 0, nil
	}

	progress := 0
	var requeue []protocol.SyncOperation
	for _, conflict := range conflicts {
		if err := ctx.Err(); err != nil {
			return progress, err
		}

		// The server kept its state, so the queued operation is settled
		// either way.
		if _, err := e.queue.Acknowledge(conflict.ClientOp.OpID); err != nil {
			return progress, fmt.Errorf("engine: settle conflict: %w", err)
		}
		progress++

		res := e.resolver.Resolve(conflict)
		switch res.Decision {
		case resolver.TakeServer:
			logger.Debug("conflict resolved for server state",
				logger.Collection(conflict.Collection), logger.Entity(conflict.EntityID))
		case resolver.TakeClient, resolver.Merged:
			op := conflict.ClientOp
			op.EntityVersion = conflict.ServerState.EntityVersion + 1
			op.TimestampMs = time.Now().UnixMilli()
			if res.Decision == resolver.Merged {
				op.EntityCBOR = res.MergedCBOR
			}
			requeue = append(requeue, op)
		}
	}

	if len(requeue) > 0 {
		if _, err := e.queue.EnqueueAll(requeue); err != nil {
			return progress, fmt.Errorf("engine: requeue resolved conflicts: %w", err)
		}
		logger.Debug("requeued resolved conflicts", logger.Conflicts(len(requeue)))
	}
	return progress, nil
}

func (e *Engine) transition(state State, err error, fatal bool) {
	e.state = state
	if e.metrics != nil {
		e.metrics.RecordStateTransition(string(state))
	}

	ev := StateEvent{State: state, Err: err, Fatal: fatal, At: time.Now()}
	for {
		select {
		case e.states <- ev:
			return
		default:
		}
		select {
		case <-e.states:
		default:
		}
	}
}

// isFatal classifies an error: typed fatal sync errors stop the engine,
// everything else is retried with backoff.
func isFatal(err error) bool {
	var syncErr *protocol.SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Code.Fatal()
	}
	return false
}
