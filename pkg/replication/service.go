// Package replication implements the server-side sync service: handshake,
// pull, push with idempotent dedup and conflict resolution, and fan-out of
// accepted operations to the event broadcaster.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/metrics"
	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/replication/store"
	"github.com/driftsync/driftsync/pkg/resolver"
	"github.com/google/uuid"
)

// Notifier receives accepted oplog entries. The broadcaster implements it;
// the service never blocks on delivery because implementations enqueue with
// bounded buffers.
type Notifier interface {
	Publish(dbID string, entry protocol.ServerOplogEntry)
}

// Config controls the service.
type Config struct {
	// MaxPullLimit is the hard ceiling on entries per pull. Requests asking
	// for more (or for nothing) are clamped. Default: 1000.
	MaxPullLimit int

	// MaxPushBatchSize is the ceiling on operations per push; larger
	// batches are rejected as invalid. Default: 100.
	MaxPushBatchSize int

	// AllowedDatabases restricts served dbIds. Empty means any database is
	// created on first use.
	AllowedDatabases []string
}

func (c *Config) applyDefaults() {
	if c.MaxPullLimit <= 0 {
		c.MaxPullLimit = 1000
	}
	if c.MaxPushBatchSize <= 0 {
		c.MaxPushBatchSize = 100
	}
}

// Service is the replication coordinator for all databases in one store.
type Service struct {
	config   Config
	store    store.Store
	resolver resolver.Strategy
	notifier Notifier
	metrics  metrics.ReplicationMetrics
	allowed  map[string]bool

	// pushLocks serializes pushes per database. Pulls read a snapshot of
	// the cursor and never take these.
	mu        sync.Mutex
	pushLocks map[string]*sync.Mutex
}

// New creates a service. notifier and m may be nil; strategy nil means
// server-wins.
func New(config Config, st store.Store, strategy resolver.Strategy, notifier Notifier, m metrics.ReplicationMetrics) *Service {
	config.applyDefaults()
	if strategy == nil {
		strategy = resolver.Default()
	}
	s := &Service{
		config:    config,
		store:     st,
		resolver:  strategy,
		notifier:  notifier,
		metrics:   m,
		pushLocks: make(map[string]*sync.Mutex),
	}
	if len(config.AllowedDatabases) > 0 {
		s.allowed = make(map[string]bool, len(config.AllowedDatabases))
		for _, db := range config.AllowedDatabases {
			s.allowed[db] = true
		}
	}
	return s
}

// Version returns the advertised protocol window.
func (s *Service) Version() protocol.VersionInfo {
	return protocol.VersionInfo{
		Current:      protocol.CurrentVersion,
		MinSupported: protocol.MinSupportedVersion,
	}
}

// CurrentCursor returns the database's cursor; it backs the broadcaster's
// accessor and connected events.
func (s *Service) CurrentCursor(ctx context.Context, dbID string) (int64, error) {
	return s.store.CurrentCursor(ctx, dbID)
}

func (s *Service) knownDatabase(dbID string) bool {
	return s.allowed == nil || s.allowed[dbID]
}

// validateIdentity rejects request identifiers carrying reserved bytes
// before they can reach a store key. deviceID may be empty on pulls.
func validateIdentity(dbID, deviceID string) error {
	if err := protocol.ValidateID("dbId", dbID); err != nil {
		return protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error())
	}
	if deviceID != "" {
		if err := protocol.ValidateID("deviceId", deviceID); err != nil {
			return protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error())
		}
	}
	return nil
}

func (s *Service) pushLock(dbID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.pushLocks[dbID]
	if !ok {
		lock = &sync.Mutex{}
		s.pushLocks[dbID] = lock
	}
	return lock
}

// ----------------------------------------------------------------------------
// Handshake
// ----------------------------------------------------------------------------

// Handshake negotiates a session. Version and database rejections are data,
// not errors; only storage failures return an error.
func (s *Service) Handshake(ctx context.Context, req protocol.HandshakeRequest) (protocol.HandshakeResponse, error) {
	resp := protocol.HandshakeResponse{ServerProtocolVersion: protocol.CurrentVersion}

	if err := validateIdentity(req.DBID, req.DeviceID); err != nil {
		return resp, err
	}
	if !s.Version().Compatible(req.ClientProtocolVersion) {
		resp.RejectReason = protocol.CodeVersionMismatch
		if s.metrics != nil {
			s.metrics.RecordHandshake(req.DBID, false)
		}
		logger.Warn("handshake rejected: incompatible protocol",
			logger.Device(req.DeviceID), logger.Database(req.DBID),
			logger.Version(int64(req.ClientProtocolVersion)))
		return resp, nil
	}
	if !s.knownDatabase(req.DBID) {
		resp.RejectReason = protocol.CodeUnknownDatabase
		if s.metrics != nil {
			s.metrics.RecordHandshake(req.DBID, false)
		}
		logger.Warn("handshake rejected: unknown database",
			logger.Device(req.DeviceID), logger.Database(req.DBID))
		return resp, nil
	}

	cursor, err := s.store.CurrentCursor(ctx, req.DBID)
	if err != nil {
		return resp, protocol.NewSyncError(protocol.CodeStorageError, err.Error())
	}

	resp.Accepted = true
	resp.ServerCursor = cursor
	resp.SessionID = uuid.NewString()
	if s.metrics != nil {
		s.metrics.RecordHandshake(req.DBID, true)
	}
	logger.Debug("handshake accepted",
		logger.Device(req.DeviceID), logger.Database(req.DBID),
		logger.Session(resp.SessionID), logger.Cursor(cursor))
	return resp, nil
}

// ----------------------------------------------------------------------------
// Pull
// ----------------------------------------------------------------------------

// Pull serves a page of the oplog after req.SinceCursor, honoring collection
// and device filters.
func (s *Service) Pull(ctx context.Context, req protocol.PullRequest) (protocol.PullResponse, error) {
	start := time.Now()
	resp := protocol.PullResponse{NextCursor: req.SinceCursor}

	if err := validateIdentity(req.DBID, req.ExcludeDeviceID); err != nil {
		return resp, err
	}
	if !s.knownDatabase(req.DBID) {
		return resp, protocol.NewSyncError(protocol.CodeUnknownDatabase,
			fmt.Sprintf("unknown database %q", req.DBID))
	}

	limit := req.Limit
	if limit <= 0 || limit > s.config.MaxPullLimit {
		limit = s.config.MaxPullLimit
	}

	var collections map[string]bool
	if len(req.Collections) > 0 {
		collections = make(map[string]bool, len(req.Collections))
		for _, c := range req.Collections {
			collections[c] = true
		}
	}
	matches := func(e protocol.ServerOplogEntry) bool {
		if collections != nil && !collections[e.Op.Collection] {
			return false
		}
		if req.ExcludeDeviceID != "" && e.Op.DeviceID == req.ExcludeDeviceID {
			return false
		}
		return true
	}

	err := s.store.Scan(ctx, req.DBID, req.SinceCursor, func(e protocol.ServerOplogEntry) (bool, error) {
		if !matches(e) {
			return true, nil
		}
		if len(resp.Ops) >= limit {
			// One further matching entry proves hasMore.
			resp.HasMore = true
			return false, nil
		}
		resp.Ops = append(resp.Ops, e)
		resp.NextCursor = e.ServerCursor
		return true, nil
	})
	if err != nil {
		if errors.Is(err, store.ErrStateLost) {
			return resp, protocol.NewSyncError(protocol.CodeStateLost,
				"requested cursor precedes retained history")
		}
		return resp, protocol.NewSyncError(protocol.CodeStorageError, err.Error())
	}

	if s.metrics != nil {
		s.metrics.RecordPull(req.DBID, len(resp.Ops), time.Since(start))
	}
	return resp, nil
}

// ----------------------------------------------------------------------------
// Push
// ----------------------------------------------------------------------------

// Push processes a batch of client operations under the database's push
// lock. Conflicts are data in the response; the returned error is reserved
// for invalid requests and storage failures.
func (s *Service) Push(ctx context.Context, req protocol.PushRequest) (protocol.PushResponse, error) {
	start := time.Now()
	var resp protocol.PushResponse

	if err := validateIdentity(req.DBID, req.DeviceID); err != nil {
		return resp, err
	}
	if !s.knownDatabase(req.DBID) {
		return resp, protocol.NewSyncError(protocol.CodeUnknownDatabase,
			fmt.Sprintf("unknown database %q", req.DBID))
	}
	if len(req.Ops) > s.config.MaxPushBatchSize {
		return resp, protocol.NewSyncError(protocol.CodeInvalidRequest,
			fmt.Sprintf("batch of %d exceeds limit %d", len(req.Ops), s.config.MaxPushBatchSize))
	}
	for _, op := range req.Ops {
		if err := op.Validate(); err != nil {
			return resp, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error())
		}
		if op.DBID != req.DBID || op.DeviceID != req.DeviceID {
			return resp, protocol.NewSyncError(protocol.CodeInvalidRequest,
				fmt.Sprintf("operation %d does not match request identity", op.OpID))
		}
	}

	ops := make([]protocol.SyncOperation, len(req.Ops))
	copy(ops, req.Ops)
	sort.Slice(ops, func(i, j int) bool { return ops[i].OpID < ops[j].OpID })

	lock := s.pushLock(req.DBID)
	lock.Lock()
	defer lock.Unlock()

	deduped := 0
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return resp, err
		}

		// Idempotency: a retried operation is accepted without re-applying.
		if _, seen, err := s.store.DedupCursor(ctx, req.DBID, op.DeviceID, op.OpID); err != nil {
			return resp, protocol.NewSyncError(protocol.CodeStorageError, err.Error())
		} else if seen {
			deduped++
			resp.AcceptedUpToOpID = op.OpID
			continue
		}

		head, exists, err := s.store.Head(ctx, req.DBID, op.Collection, op.EntityID)
		if err != nil {
			return resp, protocol.NewSyncError(protocol.CodeStorageError, err.Error())
		}

		finalCBOR := op.EntityCBOR
		if exists && head.EntityVersion >= op.EntityVersion &&
			!(head.DeviceID == op.DeviceID && head.OpID == op.OpID) {
			conflict, err := s.buildConflict(ctx, req.DBID, op, head)
			if err != nil {
				return resp, protocol.NewSyncError(protocol.CodeStorageError, err.Error())
			}

			resolution := s.resolver.Resolve(conflict)
			switch resolution.Decision {
			case resolver.TakeServer:
				resp.Conflicts = append(resp.Conflicts, conflict)
				continue
			case resolver.Merged:
				finalCBOR = resolution.MergedCBOR
			}
		}

		entry, err := s.store.Append(ctx, req.DBID, op, finalCBOR)
		if err != nil {
			return resp, protocol.NewSyncError(protocol.CodeStorageError, err.Error())
		}
		resp.AcceptedUpToOpID = op.OpID
		resp.NewServerCursor = entry.ServerCursor
		if s.notifier != nil {
			s.notifier.Publish(req.DBID, entry)
		}
	}

	// The final counter also reflects entries appended by dedup hits or
	// other devices since our last append.
	cursor, err := s.store.CurrentCursor(ctx, req.DBID)
	if err != nil {
		return resp, protocol.NewSyncError(protocol.CodeStorageError, err.Error())
	}
	resp.NewServerCursor = cursor

	accepted := len(ops) - len(resp.Conflicts) - deduped
	if s.metrics != nil {
		s.metrics.RecordPush(req.DBID, accepted, len(resp.Conflicts), deduped, time.Since(start))
		s.metrics.SetServerCursor(req.DBID, cursor)
	}
	logger.Debug("push processed",
		logger.Database(req.DBID), logger.Device(req.DeviceID),
		logger.Batch(len(ops)), "accepted", accepted,
		logger.Conflicts(len(resp.Conflicts)), "deduped", deduped,
		logger.Cursor(cursor))
	return resp, nil
}

func (s *Service) buildConflict(ctx context.Context, dbID string, op protocol.SyncOperation, head store.EntityHead) (protocol.Conflict, error) {
	state := protocol.ServerEntityState{
		EntityVersion:  head.EntityVersion,
		LastModifiedMs: head.ModifiedMs,
	}
	entry, err := s.store.Entry(ctx, dbID, head.Cursor)
	if err != nil {
		return protocol.Conflict{}, fmt.Errorf("load head entry at cursor %d: %w", head.Cursor, err)
	}
	state.EntityCBOR = entry.Op.EntityCBOR

	return protocol.Conflict{
		Collection:  op.Collection,
		EntityID:    op.EntityID,
		ClientOp:    op,
		ServerState: state,
	}, nil
}

// ----------------------------------------------------------------------------
// Stats
// ----------------------------------------------------------------------------

// DatabaseStats is the per-database portion of /v1/stats.
type DatabaseStats struct {
	Cursor    int64 `json:"cursor"`
	OplogSize int64 `json:"oplogSize"`
}

// Stats reports a database's cursor and oplog size.
func (s *Service) Stats(ctx context.Context, dbID string) (DatabaseStats, error) {
	cursor, err := s.store.CurrentCursor(ctx, dbID)
	if err != nil {
		return DatabaseStats{}, err
	}
	size, err := s.store.OplogSize(ctx, dbID)
	if err != nil {
		return DatabaseStats{}, err
	}
	return DatabaseStats{Cursor: cursor, OplogSize: size}, nil
}
