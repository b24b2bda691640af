package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/queue"
	"github.com/driftsync/driftsync/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts the three protocol calls.
type fakeTransport struct {
	handshake func(protocol.HandshakeRequest) (protocol.HandshakeResponse, error)
	pull      func(protocol.PullRequest) (protocol.PullResponse, error)
	push      func(protocol.PushRequest) (protocol.PushResponse, error)
}

func (f *fakeTransport) Handshake(_ context.Context, req protocol.HandshakeRequest) (protocol.HandshakeResponse, error) {
	if f.handshake == nil {
		return protocol.HandshakeResponse{
			ServerProtocolVersion: protocol.CurrentVersion,
			SessionID:             "s1",
			Accepted:              true,
		}, nil
	}
	return f.handshake(req)
}

func (f *fakeTransport) Pull(_ context.Context, req protocol.PullRequest) (protocol.PullResponse, error) {
	if f.pull == nil {
		return protocol.PullResponse{NextCursor: req.SinceCursor}, nil
	}
	return f.pull(req)
}

func (f *fakeTransport) Push(_ context.Context, req protocol.PushRequest) (protocol.PushResponse, error) {
	if f.push == nil {
		last := int64(0)
		if len(req.Ops) > 0 {
			last = req.Ops[len(req.Ops)-1].OpID
		}
		return protocol.PushResponse{AcceptedUpToOpID: last}, nil
	}
	return f.push(req)
}

type memApplier struct {
	mu      sync.Mutex
	applied []protocol.ServerOplogEntry
}

func (a *memApplier) Apply(_ context.Context, entries []protocol.ServerOplogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, entries...)
	return nil
}

type memCursors struct {
	mu     sync.Mutex
	cursor int64
}

func (c *memCursors) LoadCursor(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor, nil
}

func (c *memCursors) SaveCursor(_ context.Context, cursor int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = cursor
	return nil
}

func engineOp(opID int64) protocol.SyncOperation {
	return protocol.SyncOperation{
		OpID:          opID,
		DBID:          "notes-db",
		DeviceID:      "device-a",
		Collection:    "notes",
		EntityID:      "n1",
		OpType:        protocol.OpUpsert,
		EntityVersion: 1,
		EntityCBOR:    []byte{0xA0},
		TimestampMs:   1700000000000,
	}
}

type fixture struct {
	engine  *Engine
	queue   *queue.Queue
	applier *memApplier
	cursors *memCursors
}

func newFixture(t *testing.T, transport Transport, strategy resolver.Strategy) *fixture {
	t.Helper()

	q := queue.New(queue.Config{Dir: t.TempDir()})
	require.NoError(t, q.Open())
	t.Cleanup(func() { _ = q.Close() })

	applier := &memApplier{}
	cursors := &memCursors{}
	e := New(Config{DBID: "notes-db", DeviceID: "device-a"},
		transport, applier, cursors, q, strategy, nil)
	return &fixture{engine: e, queue: q, applier: applier, cursors: cursors}
}

// drainStates consumes every buffered state event.
func drainStates(e *Engine) []StateEvent {
	var out []StateEvent
	for {
		select {
		case ev := <-e.StateStream():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func statesOf(events []StateEvent) []State {
	out := make([]State, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.State)
	}
	return out
}

// ============================================================================
// Cycle Tests
// ============================================================================

func TestSyncOnce_FullCycle(t *testing.T) {
	t.Parallel()

	entry := protocol.ServerOplogEntry{Op: engineOp(99), ServerCursor: 5}
	transport := &fakeTransport{
		pull: func(req protocol.PullRequest) (protocol.PullResponse, error) {
			if req.SinceCursor >= 5 {
				return protocol.PullResponse{NextCursor: req.SinceCursor}, nil
			}
			return protocol.PullResponse{
				Ops:        []protocol.ServerOplogEntry{entry},
				NextCursor: 5,
			}, nil
		},
	}

	f := newFixture(t, transport, nil)
	_, err := f.queue.Enqueue(engineOp(1))
	require.NoError(t, err)

	require.NoError(t, f.engine.SyncOnce(context.Background()))

	assert.Equal(t,
		[]State{StateConnecting, StatePulling, StatePushing, StateSynced, StateIdle},
		statesOf(drainStates(f.engine)))

	// Pulled entries applied and the cursor persisted.
	require.Len(t, f.applier.applied, 1)
	assert.Equal(t, int64(5), f.applier.applied[0].ServerCursor)
	cursor, _ := f.cursors.LoadCursor(context.Background())
	assert.Equal(t, int64(5), cursor)

	// The queued op was acknowledged.
	stats, err := f.queue.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestSyncOnce_PullsUntilHasMoreClears(t *testing.T) {
	t.Parallel()

	pulls := 0
	transport := &fakeTransport{
		pull: func(req protocol.PullRequest) (protocol.PullResponse, error) {
			pulls++
			entry := protocol.ServerOplogEntry{Op: engineOp(int64(pulls)), ServerCursor: req.SinceCursor + 1}
			return protocol.PullResponse{
				Ops:        []protocol.ServerOplogEntry{entry},
				NextCursor: req.SinceCursor + 1,
				HasMore:    pulls < 3,
			}, nil
		},
	}

	f := newFixture(t, transport, nil)
	require.NoError(t, f.engine.SyncOnce(context.Background()))

	assert.Equal(t, 3, pulls)
	assert.Len(t, f.applier.applied, 3)
	cursor, _ := f.cursors.LoadCursor(context.Background())
	assert.Equal(t, int64(3), cursor)
}

// ============================================================================
// Failure Classification Tests
// ============================================================================

func TestSyncOnce_FatalHandshakeRejection(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		handshake: func(protocol.HandshakeRequest) (protocol.HandshakeResponse, error) {
			return protocol.HandshakeResponse{
				ServerProtocolVersion: protocol.CurrentVersion,
				Accepted:              false,
				RejectReason:          protocol.CodeVersionMismatch,
			}, nil
		},
	}

	f := newFixture(t, transport, nil)
	err := f.engine.SyncOnce(context.Background())
	require.Error(t, err)
	assert.True(t, isFatal(err))

	events := drainStates(f.engine)
	last := events[len(events)-1]
	assert.Equal(t, StateError, last.State)
	assert.True(t, last.Fatal)
}

func TestSyncOnce_RecoverableTransportFailure(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		pull: func(protocol.PullRequest) (protocol.PullResponse, error) {
			return protocol.PullResponse{}, protocol.NewSyncError(protocol.CodeNetworkError, "connection refused")
		},
	}

	f := newFixture(t, transport, nil)
	err := f.engine.SyncOnce(context.Background())
	require.Error(t, err)
	assert.False(t, isFatal(err))

	events := drainStates(f.engine)
	last := events[len(events)-1]
	assert.Equal(t, StateError, last.State)
	assert.False(t, last.Fatal)
}

func TestSyncOnce_PushFailureMarksBatch(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		push: func(protocol.PushRequest) (protocol.PushResponse, error) {
			return protocol.PushResponse{}, protocol.NewSyncError(protocol.CodeTimeout, "deadline exceeded")
		},
	}

	f := newFixture(t, transport, nil)
	_, err := f.queue.Enqueue(engineOp(1))
	require.NoError(t, err)

	require.Error(t, f.engine.SyncOnce(context.Background()))

	stats, err := f.queue.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retrying)
}

// ============================================================================
// Conflict Handling Tests
// ============================================================================

func conflictResponse(op protocol.SyncOperation) protocol.PushResponse {
	return protocol.PushResponse{
		AcceptedUpToOpID: 0,
		Conflicts: []protocol.Conflict{{
			Collection: op.Collection,
			EntityID:   op.EntityID,
			ClientOp:   op,
			ServerState: protocol.ServerEntityState{
				EntityVersion:  4,
				EntityCBOR:     []byte{0xB0},
				LastModifiedMs: 1700000005000,
			},
		}},
	}
}

func TestSyncOnce_ConflictServerWinsDiscards(t *testing.T) {
	t.Parallel()

	transport := &fakeTransport{
		push: func(req protocol.PushRequest) (protocol.PushResponse, error) {
			return conflictResponse(req.Ops[0]), nil
		},
	}

	f := newFixture(t, transport, resolver.ServerWins())
	_, err := f.queue.Enqueue(engineOp(1))
	require.NoError(t, err)

	require.NoError(t, f.engine.SyncOnce(context.Background()))

	stats, err := f.queue.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestSyncOnce_ConflictClientWinsRequeuesAboveServerVersion(t *testing.T) {
	t.Parallel()

	var pushedVersions []int64
	transport := &fakeTransport{
		push: func(req protocol.PushRequest) (protocol.PushResponse, error) {
			pushedVersions = append(pushedVersions, req.Ops[0].EntityVersion)
			if len(pushedVersions) == 1 {
				return conflictResponse(req.Ops[0]), nil
			}
			return protocol.PushResponse{AcceptedUpToOpID: req.Ops[0].OpID}, nil
		},
	}

	f := newFixture(t, transport, resolver.ClientWins())
	_, err := f.queue.Enqueue(engineOp(1))
	require.NoError(t, err)

	require.NoError(t, f.engine.SyncOnce(context.Background()))

	// First push conflicted at v1; the rewrite advanced past the server's
	// v4 and was accepted within the same cycle.
	require.Equal(t, []int64{1, 5}, pushedVersions)
	stats, err := f.queue.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

// ============================================================================
// Run Loop Tests
// ============================================================================

func TestRun_RequestSyncTriggersCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeTransport{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.engine.Run(ctx)
	}()

	f.engine.RequestSync()

	deadline := time.After(5 * time.Second)
	sawSynced := false
	for !sawSynced {
		select {
		case ev := <-f.engine.StateStream():
			if ev.State == StateSynced {
				sawSynced = true
			}
		case <-deadline:
			t.Fatal("engine never reached synced")
		}
	}

	cancel()
	<-done
}

// ============================================================================
// Backoff Tests
// ============================================================================

func TestBackoff_DoublesWithJitterAndCap(t *testing.T) {
	t.Parallel()

	b := newBackoff(BackoffConfig{})

	expected := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	for i, base := range expected {
		delay := b.next()
		lo := time.Duration(float64(base) * 0.8)
		hi := time.Duration(float64(base) * 1.2)
		assert.GreaterOrEqual(t, delay, lo, "attempt %d", i)
		assert.LessOrEqual(t, delay, hi, "attempt %d", i)
	}

	b.reset()
	delay := b.next()
	assert.LessOrEqual(t, delay, time.Duration(float64(time.Second)*1.2))
}
