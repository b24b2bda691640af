package protocol

import (
	"fmt"

	"github.com/driftsync/driftsync/pkg/wire"
)

// Field accessors over decoded wire maps. Every mismatch wraps
// ErrInvalidMessage so upper layers can translate uniformly to
// invalidRequest.

func requireString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("%w: missing field %q", ErrInvalidMessage, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is %T, expected string", ErrInvalidMessage, key, v)
	}
	return s, nil
}

func optString(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %q is %T, expected string", ErrInvalidMessage, key, v)
	}
	return s, nil
}

func requireInt(m map[string]any, key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, key)
	}
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: field %q is %T, expected integer", ErrInvalidMessage, key, v)
	}
	return n, nil
}

func requireBool(m map[string]any, key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, key)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: field %q is %T, expected bool", ErrInvalidMessage, key, v)
	}
	return b, nil
}

func optBytes(m map[string]any, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is %T, expected bytes", ErrInvalidMessage, key, v)
	}
	return b, nil
}

func optStringSlice(m map[string]any, key string) ([]string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: field %q is %T, expected array", ErrInvalidMessage, key, v)
	}
	out := make([]string, 0, len(arr))
	for i, elem := range arr {
		s, ok := elem.(string)
		if !ok {
			return nil, fmt.Errorf("%w: field %q[%d] is %T, expected string", ErrInvalidMessage, key, i, elem)
		}
		out = append(out, s)
	}
	return out, nil
}

func requireMap(v any, what string) (map[string]any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, expected map", ErrInvalidMessage, what, v)
	}
	return m, nil
}

// ----------------------------------------------------------------------------
// SyncOperation / ServerOplogEntry lowering
// ----------------------------------------------------------------------------

func (op SyncOperation) toMap() map[string]any {
	m := map[string]any{
		"opId":          op.OpID,
		"dbId":          op.DBID,
		"deviceId":      op.DeviceID,
		"collection":    op.Collection,
		"entityId":      op.EntityID,
		"opType":        string(op.OpType),
		"entityVersion": op.EntityVersion,
		"timestampMs":   op.TimestampMs,
	}
	if op.EntityCBOR != nil {
		m["entityCbor"] = op.EntityCBOR
	}
	return m
}

func operationFromMap(m map[string]any) (SyncOperation, error) {
	var op SyncOperation
	var err error

	if op.OpID, err = requireInt(m, "opId"); err != nil {
		return op, err
	}
	if op.DBID, err = requireString(m, "dbId"); err != nil {
		return op, err
	}
	if op.DeviceID, err = requireString(m, "deviceId"); err != nil {
		return op, err
	}
	if op.Collection, err = requireString(m, "collection"); err != nil {
		return op, err
	}
	if op.EntityID, err = requireString(m, "entityId"); err != nil {
		return op, err
	}
	opType, err := requireString(m, "opType")
	if err != nil {
		return op, err
	}
	op.OpType = OpType(opType)
	if !op.OpType.Valid() {
		return op, fmt.Errorf("%w: unknown opType %q", ErrInvalidMessage, opType)
	}
	if op.EntityVersion, err = requireInt(m, "entityVersion"); err != nil {
		return op, err
	}
	if op.EntityCBOR, err = optBytes(m, "entityCbor"); err != nil {
		return op, err
	}
	if op.TimestampMs, err = requireInt(m, "timestampMs"); err != nil {
		return op, err
	}
	return op, nil
}

func (e ServerOplogEntry) toMap() map[string]any {
	m := e.Op.toMap()
	m["serverCursor"] = e.ServerCursor
	return m
}

func entryFromMap(m map[string]any) (ServerOplogEntry, error) {
	op, err := operationFromMap(m)
	if err != nil {
		return ServerOplogEntry{}, err
	}
	cursor, err := requireInt(m, "serverCursor")
	if err != nil {
		return ServerOplogEntry{}, err
	}
	return ServerOplogEntry{Op: op, ServerCursor: cursor}, nil
}

// Encode serializes the entry as a standalone wire map, the stored form in
// oplog backends.
func (e ServerOplogEntry) Encode() ([]byte, error) {
	return wire.EncodeMap(e.toMap())
}

// DecodeServerOplogEntry parses a stored oplog entry.
func DecodeServerOplogEntry(data []byte) (ServerOplogEntry, error) {
	m, err := wire.DecodeMap(data)
	if err != nil {
		return ServerOplogEntry{}, err
	}
	return entryFromMap(m)
}

func entriesToArray(entries []ServerOplogEntry) []any {
	arr := make([]any, 0, len(entries))
	for _, e := range entries {
		arr = append(arr, e.toMap())
	}
	return arr
}

func entriesFromValue(v any, what string) ([]ServerOplogEntry, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, expected array", ErrInvalidMessage, what, v)
	}
	out := make([]ServerOplogEntry, 0, len(arr))
	for i, elem := range arr {
		m, err := requireMap(elem, fmt.Sprintf("%s[%d]", what, i))
		if err != nil {
			return nil, err
		}
		e, err := entryFromMap(m)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Conflict lowering
// ----------------------------------------------------------------------------

func (c Conflict) toMap() map[string]any {
	state := map[string]any{
		"entityVersion": c.ServerState.EntityVersion,
		"lastModified":  c.ServerState.LastModifiedMs,
	}
	if c.ServerState.EntityCBOR != nil {
		state["entityCbor"] = c.ServerState.EntityCBOR
	}
	return map[string]any{
		"collection":  c.Collection,
		"entityId":    c.EntityID,
		"clientOp":    c.ClientOp.toMap(),
		"serverState": state,
	}
}

func conflictFromMap(m map[string]any) (Conflict, error) {
	var c Conflict
	var err error

	if c.Collection, err = requireString(m, "collection"); err != nil {
		return c, err
	}
	if c.EntityID, err = requireString(m, "entityId"); err != nil {
		return c, err
	}

	opVal, ok := m["clientOp"]
	if !ok {
		return c, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, "clientOp")
	}
	opMap, err := requireMap(opVal, "clientOp")
	if err != nil {
		return c, err
	}
	if c.ClientOp, err = operationFromMap(opMap); err != nil {
		return c, err
	}

	stateVal, ok := m["serverState"]
	if !ok {
		return c, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, "serverState")
	}
	stateMap, err := requireMap(stateVal, "serverState")
	if err != nil {
		return c, err
	}
	if c.ServerState.EntityVersion, err = requireInt(stateMap, "entityVersion"); err != nil {
		return c, err
	}
	if c.ServerState.EntityCBOR, err = optBytes(stateMap, "entityCbor"); err != nil {
		return c, err
	}
	if c.ServerState.LastModifiedMs, err = requireInt(stateMap, "lastModified"); err != nil {
		return c, err
	}
	return c, nil
}
