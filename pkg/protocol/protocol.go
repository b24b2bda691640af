// Package protocol defines the replication protocol: the operation model,
// the request/response message schemas, the error taxonomy, and version
// negotiation. Every message round-trips byte-exactly through pkg/wire.
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Protocol versions advertised by the coordinator. A client is compatible iff
// MinSupportedVersion <= clientProtocolVersion <= CurrentVersion.
const (
	CurrentVersion      = 1
	MinSupportedVersion = 1
)

// InternalCollectionPrefix marks collections that never replicate. The
// change-log reader skips records whose collection carries this prefix.
const InternalCollectionPrefix = "_"

// ErrInvalidMessage is wrapped by every message decode failure above the wire
// layer (a structurally valid frame whose fields do not form a valid message).
var ErrInvalidMessage = errors.New("protocol: invalid message")

// OpType distinguishes the two kinds of replicated change.
type OpType string

const (
	OpUpsert OpType = "upsert"
	OpDelete OpType = "delete"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	return t == OpUpsert || t == OpDelete
}

// ValidateID checks a protocol identifier (dbId, deviceId, collection,
// entityId). Identifiers become segments of storage keys, so the separator
// bytes ':' and NUL are reserved.
func ValidateID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidMessage, field)
	}
	if strings.ContainsAny(value, ":\x00") {
		return fmt.Errorf("%w: %s contains a reserved byte", ErrInvalidMessage, field)
	}
	return nil
}

// VersionInfo is the version window the coordinator advertises.
type VersionInfo struct {
	Current      int `json:"current"`
	MinSupported int `json:"minSupported"`
}

// Compatible reports whether a client protocol version falls inside the
// supported window.
func (v VersionInfo) Compatible(clientVersion int) bool {
	return clientVersion >= v.MinSupported && clientVersion <= v.Current
}

// SyncOperation is the atomic replication unit: one logical data change,
// carrying a full post-image (no partial deltas).
//
// OpID is monotonic and gap-free per (DBID, DeviceID). EntityVersion is
// monotonic per (Collection, EntityID) in the order the server accepts
// writes. EntityCBOR is opaque at this layer; nil implies a delete.
type SyncOperation struct {
	OpID          int64
	DBID          string
	DeviceID      string
	Collection    string
	EntityID      string
	OpType        OpType
	EntityVersion int64
	EntityCBOR    []byte
	TimestampMs   int64
}

// IsDelete reports whether the operation removes its entity.
func (op SyncOperation) IsDelete() bool {
	return op.OpType == OpDelete
}

// Validate checks the structural invariants a single operation must satisfy
// before it may enter a queue or an oplog.
func (op SyncOperation) Validate() error {
	if op.OpID <= 0 {
		return fmt.Errorf("%w: opId must be positive, got %d", ErrInvalidMessage, op.OpID)
	}
	for field, value := range map[string]string{
		"dbId":       op.DBID,
		"deviceId":   op.DeviceID,
		"collection": op.Collection,
		"entityId":   op.EntityID,
	} {
		if err := ValidateID(field, value); err != nil {
			return err
		}
	}
	switch {
	case !op.OpType.Valid():
		return fmt.Errorf("%w: unknown opType %q", ErrInvalidMessage, op.OpType)
	case op.EntityVersion <= 0:
		return fmt.Errorf("%w: entityVersion must be positive, got %d", ErrInvalidMessage, op.EntityVersion)
	case op.OpType == OpUpsert && op.EntityCBOR == nil:
		return fmt.Errorf("%w: upsert requires a post-image", ErrInvalidMessage)
	}
	return nil
}

// ServerOplogEntry is a SyncOperation after acceptance, stamped with the
// server cursor assigned at append time (dense from 1 per database).
type ServerOplogEntry struct {
	Op           SyncOperation
	ServerCursor int64
}

// Cursor is a client's replication position in one database's oplog.
type Cursor struct {
	DBID     string
	LastSeen int64
}

// InitialCursor is the position of a client that has never pulled.
func InitialCursor(dbID string) Cursor {
	return Cursor{DBID: dbID}
}

// ServerEntityState is the server-side head of an entity, reported back to
// the client when a push collides with it.
type ServerEntityState struct {
	EntityVersion  int64
	EntityCBOR     []byte
	LastModifiedMs int64
}

// Conflict pairs a rejected client operation with the server state it lost
// against. Conflicts are data, not errors: the push response carries them.
type Conflict struct {
	Collection  string
	EntityID    string
	ClientOp    SyncOperation
	ServerState ServerEntityState
}
