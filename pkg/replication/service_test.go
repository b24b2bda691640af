package replication

import (
	"context"
	"testing"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/replication/store"
	"github.com/driftsync/driftsync/pkg/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	entries []protocol.ServerOplogEntry
}

func (n *recordingNotifier) Publish(_ string, entry protocol.ServerOplogEntry) {
	n.entries = append(n.entries, entry)
}

func newTestService(strategy resolver.Strategy) (*Service, *recordingNotifier) {
	notifier := &recordingNotifier{}
	svc := New(Config{}, store.NewMemoryStore(), strategy, notifier, nil)
	return svc, notifier
}

func pushOp(opID int64, deviceID, entityID string, version int64, cbor []byte) protocol.SyncOperation {
	return protocol.SyncOperation{
		OpID:          opID,
		DBID:          "notes-db",
		DeviceID:      deviceID,
		Collection:    "notes",
		EntityID:      entityID,
		OpType:        protocol.OpUpsert,
		EntityVersion: version,
		EntityCBOR:    cbor,
		TimestampMs:   1700000000000 + opID,
	}
}

func mustPush(t *testing.T, svc *Service, deviceID string, ops ...protocol.SyncOperation) protocol.PushResponse {
	t.Helper()
	resp, err := svc.Push(context.Background(), protocol.PushRequest{
		DBID:     "notes-db",
		DeviceID: deviceID,
		Ops:      ops,
	})
	require.NoError(t, err)
	return resp
}

// ============================================================================
// Handshake Tests
// ============================================================================

func TestHandshake_AcceptsCompatibleClient(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(nil)
	mustPush(t, svc, "device-a", pushOp(1, "device-a", "n1", 1, []byte{0xA0}))

	resp, err := svc.Handshake(context.Background(), protocol.HandshakeRequest{
		ClientProtocolVersion: protocol.CurrentVersion,
		DeviceID:              "device-b",
		DBID:                  "notes-db",
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, protocol.CurrentVersion, resp.ServerProtocolVersion)
	assert.Equal(t, int64(1), resp.ServerCursor)
	assert.NotEmpty(t, resp.SessionID)

	// Session ids are freshly minted per handshake.
	again, err := svc.Handshake(context.Background(), protocol.HandshakeRequest{
		ClientProtocolVersion: protocol.CurrentVersion,
		DeviceID:              "device-b",
		DBID:                  "notes-db",
	})
	require.NoError(t, err)
	assert.NotEqual(t, resp.SessionID, again.SessionID)
}

func TestHandshake_RejectsIncompatibleVersion(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(nil)
	resp, err := svc.Handshake(context.Background(), protocol.HandshakeRequest{
		ClientProtocolVersion: protocol.CurrentVersion + 1,
		DeviceID:              "device-a",
		DBID:                  "notes-db",
	})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, protocol.CodeVersionMismatch, resp.RejectReason)
}

func TestHandshake_RejectsUnknownDatabase(t *testing.T) {
	t.Parallel()

	svc := New(Config{AllowedDatabases: []string{"notes-db"}}, store.NewMemoryStore(), nil, nil, nil)
	resp, err := svc.Handshake(context.Background(), protocol.HandshakeRequest{
		ClientProtocolVersion: protocol.CurrentVersion,
		DeviceID:              "device-a",
		DBID:                  "other-db",
	})
	require.NoError(t, err)
	assert.False(t, resp.Accepted)
	assert.Equal(t, protocol.CodeUnknownDatabase, resp.RejectReason)
}

// ============================================================================
// Round-trip Tests
// ============================================================================

func TestPushPull_SimpleRoundTrip(t *testing.T) {
	t.Parallel()

	svc, notifier := newTestService(nil)

	resp := mustPush(t, svc, "device-a", pushOp(1, "device-a", "n1", 1, []byte{0xA0}))
	assert.Equal(t, int64(1), resp.AcceptedUpToOpID)
	assert.Empty(t, resp.Conflicts)
	assert.Equal(t, int64(1), resp.NewServerCursor)
	require.Len(t, notifier.entries, 1)

	pull, err := svc.Pull(context.Background(), protocol.PullRequest{
		DBID:        "notes-db",
		SinceCursor: 0,
		Limit:       10,
	})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 1)
	assert.Equal(t, int64(1), pull.Ops[0].ServerCursor)
	assert.Equal(t, "n1", pull.Ops[0].Op.EntityID)
	assert.Equal(t, int64(1), pull.NextCursor)
	assert.False(t, pull.HasMore)
}

// ============================================================================
// Conflict Tests
// ============================================================================

func TestPush_ConflictServerWins(t *testing.T) {
	t.Parallel()

	svc, notifier := newTestService(resolver.ServerWins())
	mustPush(t, svc, "device-a", pushOp(1, "device-a", "n1", 2, []byte{0xB0}))

	// A stale write from another device at the same version.
	resp := mustPush(t, svc, "device-b", pushOp(1, "device-b", "n1", 2, []byte{0xC0}))
	assert.Zero(t, resp.AcceptedUpToOpID)
	require.Len(t, resp.Conflicts, 1)

	conflict := resp.Conflicts[0]
	assert.Equal(t, "n1", conflict.EntityID)
	assert.Equal(t, int64(2), conflict.ServerState.EntityVersion)
	assert.Equal(t, []byte{0xB0}, conflict.ServerState.EntityCBOR)

	// Head unchanged: nothing appended, nothing broadcast.
	assert.Equal(t, int64(1), resp.NewServerCursor)
	assert.Len(t, notifier.entries, 1)
}

func TestPush_ConflictClientWins(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(resolver.ClientWins())
	mustPush(t, svc, "device-a", pushOp(1, "device-a", "n1", 2, []byte{0xB0}))

	resp := mustPush(t, svc, "device-b", pushOp(1, "device-b", "n1", 2, []byte{0xC0}))
	assert.Equal(t, int64(1), resp.AcceptedUpToOpID)
	assert.Empty(t, resp.Conflicts)
	assert.Equal(t, int64(2), resp.NewServerCursor)

	pull, err := svc.Pull(context.Background(), protocol.PullRequest{DBID: "notes-db", SinceCursor: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 1)
	assert.Equal(t, []byte{0xC0}, pull.Ops[0].Op.EntityCBOR)
}

func TestPush_ConflictMergedBytesStored(t *testing.T) {
	t.Parallel()

	merged := []byte{0xDE, 0xAD}
	svc, _ := newTestService(resolver.Func(func(protocol.Conflict) resolver.Resolution {
		return resolver.Resolution{Decision: resolver.Merged, MergedCBOR: merged}
	}))
	mustPush(t, svc, "device-a", pushOp(1, "device-a", "n1", 2, []byte{0xB0}))

	resp := mustPush(t, svc, "device-b", pushOp(1, "device-b", "n1", 2, []byte{0xC0}))
	assert.Equal(t, int64(1), resp.AcceptedUpToOpID)

	pull, err := svc.Pull(context.Background(), protocol.PullRequest{DBID: "notes-db", SinceCursor: 1, Limit: 10})
	require.NoError(t, err)
	require.Len(t, pull.Ops, 1)
	assert.Equal(t, merged, pull.Ops[0].Op.EntityCBOR)
}

func TestPush_HigherVersionAdvancesHead(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(resolver.ServerWins())
	mustPush(t, svc, "device-a", pushOp(1, "device-a", "n1", 1, []byte{0xA0}))

	resp := mustPush(t, svc, "device-b", pushOp(1, "device-b", "n1", 2, []byte{0xB0}))
	assert.Equal(t, int64(1), resp.AcceptedUpToOpID)
	assert.Empty(t, resp.Conflicts)
}

// ============================================================================
// Idempotency Tests
// ============================================================================

func TestPush_RetryIsIdempotent(t *testing.T) {
	t.Parallel()

	svc, notifier := newTestService(nil)
	batch := []protocol.SyncOperation{
		pushOp(5, "device-a", "n1", 1, []byte{0xA0}),
		pushOp(6, "device-a", "n2", 1, []byte{0xA1}),
	}

	first := mustPush(t, svc, "device-a", batch...)
	assert.Equal(t, int64(6), first.AcceptedUpToOpID)
	assert.Equal(t, int64(2), first.NewServerCursor)

	// The response was lost; the client retries the identical batch.
	second := mustPush(t, svc, "device-a", batch...)
	assert.Equal(t, int64(6), second.AcceptedUpToOpID)
	assert.Empty(t, second.Conflicts)
	assert.Equal(t, int64(2), second.NewServerCursor)

	// Oplog length and broadcasts unchanged from the first push.
	stats, err := svc.Stats(context.Background(), "notes-db")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.OplogSize)
	assert.Len(t, notifier.entries, 2)
}

// ============================================================================
// Pull Paging & Filter Tests
// ============================================================================

func TestPull_PagingAndFilters(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(nil)
	mustPush(t, svc, "device-a",
		pushOp(1, "device-a", "n1", 1, []byte{0xA0}),
		pushOp(2, "device-a", "n2", 1, []byte{0xA1}),
	)
	userOp := pushOp(3, "device-b", "u1", 1, []byte{0xA2})
	userOp.Collection = "users"
	mustPush(t, svc, "device-b", userOp)

	t.Run("Paging", func(t *testing.T) {
		page, err := svc.Pull(context.Background(), protocol.PullRequest{DBID: "notes-db", SinceCursor: 0, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page.Ops, 2)
		assert.Equal(t, int64(2), page.NextCursor)
		assert.True(t, page.HasMore)

		rest, err := svc.Pull(context.Background(), protocol.PullRequest{DBID: "notes-db", SinceCursor: page.NextCursor, Limit: 2})
		require.NoError(t, err)
		require.Len(t, rest.Ops, 1)
		assert.Equal(t, int64(3), rest.NextCursor)
		assert.False(t, rest.HasMore)
	})

	t.Run("CollectionFilter", func(t *testing.T) {
		resp, err := svc.Pull(context.Background(), protocol.PullRequest{
			DBID: "notes-db", SinceCursor: 0, Limit: 10, Collections: []string{"users"},
		})
		require.NoError(t, err)
		require.Len(t, resp.Ops, 1)
		assert.Equal(t, "u1", resp.Ops[0].Op.EntityID)
		assert.False(t, resp.HasMore)
	})

	t.Run("ExcludeDevice", func(t *testing.T) {
		resp, err := svc.Pull(context.Background(), protocol.PullRequest{
			DBID: "notes-db", SinceCursor: 0, Limit: 10, ExcludeDeviceID: "device-a",
		})
		require.NoError(t, err)
		require.Len(t, resp.Ops, 1)
		assert.Equal(t, "device-b", resp.Ops[0].Op.DeviceID)
	})

	t.Run("EmptyPageKeepsCursor", func(t *testing.T) {
		resp, err := svc.Pull(context.Background(), protocol.PullRequest{DBID: "notes-db", SinceCursor: 3, Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, resp.Ops)
		assert.Equal(t, int64(3), resp.NextCursor)
		assert.False(t, resp.HasMore)
	})
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestPush_RejectsOversizedBatch(t *testing.T) {
	t.Parallel()

	svc := New(Config{MaxPushBatchSize: 2}, store.NewMemoryStore(), nil, nil, nil)
	_, err := svc.Push(context.Background(), protocol.PushRequest{
		DBID:     "notes-db",
		DeviceID: "device-a",
		Ops: []protocol.SyncOperation{
			pushOp(1, "device-a", "n1", 1, []byte{0xA0}),
			pushOp(2, "device-a", "n2", 1, []byte{0xA0}),
			pushOp(3, "device-a", "n3", 1, []byte{0xA0}),
		},
	})
	var syncErr *protocol.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, protocol.CodeInvalidRequest, syncErr.Code)
}

func TestRequests_RejectReservedIdentifierBytes(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(nil)
	requireInvalid := func(t *testing.T, err error) {
		t.Helper()
		var syncErr *protocol.SyncError
		require.ErrorAs(t, err, &syncErr)
		assert.Equal(t, protocol.CodeInvalidRequest, syncErr.Code)
	}

	// Store keys join identifiers with ':' and NUL; ids carrying either
	// byte could collide across namespaces and must never reach the store.
	_, err := svc.Handshake(context.Background(), protocol.HandshakeRequest{
		ClientProtocolVersion: protocol.CurrentVersion,
		DeviceID:              "device-a",
		DBID:                  "notes:db",
	})
	requireInvalid(t, err)

	_, err = svc.Pull(context.Background(), protocol.PullRequest{DBID: "notes\x00db"})
	requireInvalid(t, err)

	_, err = svc.Push(context.Background(), protocol.PushRequest{
		DBID:     "notes-db",
		DeviceID: "device\x00a",
		Ops:      []protocol.SyncOperation{pushOp(1, "device\x00a", "n1", 1, []byte{0xA0})},
	})
	requireInvalid(t, err)
}

func TestPush_RejectsMismatchedIdentity(t *testing.T) {
	t.Parallel()

	svc, _ := newTestService(nil)
	_, err := svc.Push(context.Background(), protocol.PushRequest{
		DBID:     "notes-db",
		DeviceID: "device-a",
		Ops:      []protocol.SyncOperation{pushOp(1, "device-b", "n1", 1, []byte{0xA0})},
	})
	var syncErr *protocol.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, protocol.CodeInvalidRequest, syncErr.Code)
}
