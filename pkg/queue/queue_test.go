package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOp(opID int64) protocol.SyncOperation {
	return protocol.SyncOperation{
		OpID:          opID,
		DBID:          "notes-db",
		DeviceID:      "device-a",
		Collection:    "notes",
		EntityID:      "n1",
		OpType:        protocol.OpUpsert,
		EntityVersion: 1,
		EntityCBOR:    []byte{0xA0},
		TimestampMs:   1700000000000 + opID,
	}
}

func openQueue(t *testing.T, dir string) *Queue {
	t.Helper()
	q := New(Config{Dir: dir})
	require.NoError(t, q.Open())
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestQueue_OpenTwiceFails(t *testing.T) {
	t.Parallel()

	q := openQueue(t, t.TempDir())
	assert.ErrorIs(t, q.Open(), ErrAlreadyOpen)
}

func TestQueue_ClosedRejectsMutations(t *testing.T) {
	t.Parallel()

	q := New(Config{Dir: t.TempDir()})
	require.NoError(t, q.Open())
	require.NoError(t, q.Close())

	_, err := q.Enqueue(testOp(1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.Acknowledge(1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.GetPending(0, 0, false)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.MarkFailed(1, nil), ErrClosed)
	_, err = q.ResetFailed()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = q.GetStats()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Clear(), ErrClosed)
	assert.ErrorIs(t, q.Close(), ErrClosed)
}

// ============================================================================
// Enqueue / Pending Tests
// ============================================================================

func TestQueue_EnqueueFIFO(t *testing.T) {
	t.Parallel()

	q := openQueue(t, t.TempDir())
	for _, id := range []int64{3, 1, 7} {
		added, err := q.Enqueue(testOp(id))
		require.NoError(t, err)
		assert.True(t, added)
	}

	pending, err := q.GetPending(0, 0, false)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	// Arrival order, not opId order.
	assert.Equal(t, int64(3), pending[0].Operation.OpID)
	assert.Equal(t, int64(1), pending[1].Operation.OpID)
	assert.Equal(t, int64(7), pending[2].Operation.OpID)
}

func TestQueue_EnqueueDeduplicatesByOpID(t *testing.T) {
	t.Parallel()

	q := openQueue(t, t.TempDir())
	added, err := q.Enqueue(testOp(1))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(testOp(1))
	require.NoError(t, err)
	assert.False(t, added)

	n, err := q.EnqueueAll([]protocol.SyncOperation{testOp(1), testOp(2), testOp(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total())
}

func TestQueue_GetPendingFilters(t *testing.T) {
	t.Parallel()

	q := openQueue(t, t.TempDir())
	_, err := q.EnqueueAll([]protocol.SyncOperation{testOp(1), testOp(2), testOp(3)})
	require.NoError(t, err)

	t.Run("SinceOpID", func(t *testing.T) {
		pending, err := q.GetPending(1, 0, false)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, int64(2), pending[0].Operation.OpID)
	})

	t.Run("Limit", func(t *testing.T) {
		pending, err := q.GetPending(0, 2, false)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
	})

	t.Run("RetryingExcludedByDefault", func(t *testing.T) {
		require.NoError(t, q.MarkFailed(2, errors.New("push failed")))

		pending, err := q.GetPending(0, 0, false)
		require.NoError(t, err)
		require.Len(t, pending, 2)

		pending, err = q.GetPending(0, 0, true)
		require.NoError(t, err)
		assert.Len(t, pending, 3)
	})
}

// ============================================================================
// Acknowledge Tests
// ============================================================================

func TestQueue_AcknowledgeRemovesPrefix(t *testing.T) {
	t.Parallel()

	q := openQueue(t, t.TempDir())
	_, err := q.EnqueueAll([]protocol.SyncOperation{testOp(1), testOp(2), testOp(3)})
	require.NoError(t, err)

	removed, err := q.Acknowledge(2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	pending, err := q.GetPending(0, 0, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, int64(3), pending[0].Operation.OpID)

	// Re-acknowledging is a no-op.
	removed, err = q.Acknowledge(2)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

// ============================================================================
// Retry Lifecycle Tests
// ============================================================================

func TestQueue_MarkFailedRetryCeiling(t *testing.T) {
	t.Parallel()

	q := New(Config{Dir: t.TempDir(), MaxRetries: 2})
	require.NoError(t, q.Open())
	defer q.Close()

	_, err := q.Enqueue(testOp(1))
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(1, errors.New("timeout")))
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Retrying: 1}, stats)

	require.NoError(t, q.MarkFailed(1, errors.New("timeout")))
	stats, err = q.GetStats()
	require.NoError(t, err)
	assert.Equal(t, Stats{Failed: 1}, stats)

	// Failed entries never surface through getPending.
	pending, err := q.GetPending(0, 0, true)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestQueue_MarkFailedUnknownOpIsNoop(t *testing.T) {
	t.Parallel()

	q := openQueue(t, t.TempDir())
	assert.NoError(t, q.MarkFailed(99, errors.New("gone")))
}

func TestQueue_ResetFailed(t *testing.T) {
	t.Parallel()

	q := New(Config{Dir: t.TempDir(), MaxRetries: 1})
	require.NoError(t, q.Open())
	defer q.Close()

	_, err := q.EnqueueAll([]protocol.SyncOperation{testOp(1), testOp(2)})
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(1, errors.New("boom")))

	reset, err := q.ResetFailed()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	pending, err := q.GetPending(0, 0, false)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, StatusPending, pending[0].Status)
	assert.Zero(t, pending[0].RetryCount)
	assert.Empty(t, pending[0].LastError)
}

// ============================================================================
// Durability Tests
// ============================================================================

func TestQueue_SurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	q := New(Config{Dir: dir})
	require.NoError(t, q.Open())
	_, err := q.EnqueueAll([]protocol.SyncOperation{testOp(10), testOp(11), testOp(12)})
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(11, errors.New("flaky network")))
	require.NoError(t, q.Close())

	reopened := openQueue(t, dir)
	pending, err := reopened.GetPending(0, 0, true)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, int64(10), pending[0].Operation.OpID)
	assert.Equal(t, int64(11), pending[1].Operation.OpID)
	assert.Equal(t, int64(12), pending[2].Operation.OpID)

	assert.Equal(t, StatusRetrying, pending[1].Status)
	assert.Equal(t, 1, pending[1].RetryCount)
	assert.Equal(t, "flaky network", pending[1].LastError)
	assert.Equal(t, []byte{0xA0}, pending[0].Operation.EntityCBOR)
}

func TestQueue_CorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, queueFileName), []byte("{not json"), 0o644))

	q := openQueue(t, dir)
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestQueue_UnsupportedVersionStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, queueFileName),
		[]byte(`{"version":99,"items":[]}`), 0o644))

	q := openQueue(t, dir)
	stats, err := q.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestQueue_Clear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	q := New(Config{Dir: dir})
	require.NoError(t, q.Open())
	_, err := q.EnqueueAll([]protocol.SyncOperation{testOp(1), testOp(2)})
	require.NoError(t, err)
	require.NoError(t, q.Clear())
	require.NoError(t, q.Close())

	// Clear persists: nothing comes back after reopen.
	reopened := openQueue(t, dir)
	stats, err := reopened.GetStats()
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}
