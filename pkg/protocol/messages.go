package protocol

import (
	"fmt"

	"github.com/driftsync/driftsync/pkg/wire"
)

// HandshakeRequest opens a sync session and negotiates protocol versions.
type HandshakeRequest struct {
	ClientProtocolVersion int
	DeviceID              string
	DBID                  string
	LastCursor            int64
}

// HandshakeResponse reports the negotiated session, or a typed rejection.
type HandshakeResponse struct {
	ServerProtocolVersion int
	ServerCursor          int64
	SessionID             string
	Accepted              bool
	RejectReason          ErrorCode
}

// PullRequest asks for oplog entries after SinceCursor, optionally filtered
// by collection and excluding the caller's own device.
type PullRequest struct {
	DBID            string
	SinceCursor     int64
	Limit           int
	Collections     []string
	ExcludeDeviceID string
}

// PullResponse carries a page of oplog entries. NextCursor is the greatest
// cursor returned (SinceCursor when the page is empty); HasMore signals at
// least one further matching entry.
type PullResponse struct {
	Ops        []ServerOplogEntry
	NextCursor int64
	HasMore    bool
}

// PushRequest submits a batch of locally originated operations in ascending
// opId order.
type PushRequest struct {
	DBID     string
	DeviceID string
	Ops      []SyncOperation
}

// PushResponse acknowledges a push. AcceptedUpToOpID is the greatest accepted
// opId (0 when nothing was accepted); Conflicts lists the operations the
// server kept its own state for.
type PushResponse struct {
	AcceptedUpToOpID int64
	Conflicts        []Conflict
	NewServerCursor  int64
}

// ErrorResponse is the typed failure frame for any request.
type ErrorResponse struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

// ----------------------------------------------------------------------------
// HandshakeRequest
// ----------------------------------------------------------------------------

// Encode serializes the request as a wire map.
func (r HandshakeRequest) Encode() ([]byte, error) {
	return wire.EncodeMap(map[string]any{
		"clientProtocolVersion": int64(r.ClientProtocolVersion),
		"deviceId":              r.DeviceID,
		"dbId":                  r.DBID,
		"lastCursor":            r.LastCursor,
	})
}

// DecodeHandshakeRequest parses a HandshakeRequest frame.
func DecodeHandshakeRequest(data []byte) (HandshakeRequest, error) {
	var r HandshakeRequest
	m, err := wire.DecodeMap(data)
	if err != nil {
		return r, err
	}
	version, err := requireInt(m, "clientProtocolVersion")
	if err != nil {
		return r, err
	}
	r.ClientProtocolVersion = int(version)
	if r.DeviceID, err = requireString(m, "deviceId"); err != nil {
		return r, err
	}
	if r.DBID, err = requireString(m, "dbId"); err != nil {
		return r, err
	}
	if r.LastCursor, err = requireInt(m, "lastCursor"); err != nil {
		return r, err
	}
	return r, nil
}

// ----------------------------------------------------------------------------
// HandshakeResponse
// ----------------------------------------------------------------------------

// Encode serializes the response as a wire map.
func (r HandshakeResponse) Encode() ([]byte, error) {
	m := map[string]any{
		"serverProtocolVersion": int64(r.ServerProtocolVersion),
		"serverCursor":          r.ServerCursor,
		"sessionId":             r.SessionID,
		"accepted":              r.Accepted,
	}
	if r.RejectReason != "" {
		m["rejectReason"] = string(r.RejectReason)
	}
	return wire.EncodeMap(m)
}

// DecodeHandshakeResponse parses a HandshakeResponse frame.
func DecodeHandshakeResponse(data []byte) (HandshakeResponse, error) {
	var r HandshakeResponse
	m, err := wire.DecodeMap(data)
	if err != nil {
		return r, err
	}
	version, err := requireInt(m, "serverProtocolVersion")
	if err != nil {
		return r, err
	}
	r.ServerProtocolVersion = int(version)
	if r.ServerCursor, err = requireInt(m, "serverCursor"); err != nil {
		return r, err
	}
	if r.SessionID, err = requireString(m, "sessionId"); err != nil {
		return r, err
	}
	if r.Accepted, err = requireBool(m, "accepted"); err != nil {
		return r, err
	}
	reason, err := optString(m, "rejectReason")
	if err != nil {
		return r, err
	}
	r.RejectReason = ErrorCode(reason)
	return r, nil
}

// ----------------------------------------------------------------------------
// PullRequest
// ----------------------------------------------------------------------------

// Encode serializes the request as a wire map.
func (r PullRequest) Encode() ([]byte, error) {
	m := map[string]any{
		"dbId":        r.DBID,
		"sinceCursor": r.SinceCursor,
		"limit":       int64(r.Limit),
	}
	if r.Collections != nil {
		arr := make([]any, 0, len(r.Collections))
		for _, c := range r.Collections {
			arr = append(arr, c)
		}
		m["collections"] = arr
	}
	if r.ExcludeDeviceID != "" {
		m["excludeDeviceId"] = r.ExcludeDeviceID
	}
	return wire.EncodeMap(m)
}

// DecodePullRequest parses a PullRequest frame.
func DecodePullRequest(data []byte) (PullRequest, error) {
	var r PullRequest
	m, err := wire.DecodeMap(data)
	if err != nil {
		return r, err
	}
	if r.DBID, err = requireString(m, "dbId"); err != nil {
		return r, err
	}
	if r.SinceCursor, err = requireInt(m, "sinceCursor"); err != nil {
		return r, err
	}
	limit, err := requireInt(m, "limit")
	if err != nil {
		return r, err
	}
	r.Limit = int(limit)
	if r.Collections, err = optStringSlice(m, "collections"); err != nil {
		return r, err
	}
	if r.ExcludeDeviceID, err = optString(m, "excludeDeviceId"); err != nil {
		return r, err
	}
	return r, nil
}

// ----------------------------------------------------------------------------
// PullResponse
// ----------------------------------------------------------------------------

// Encode serializes the response as a wire map.
func (r PullResponse) Encode() ([]byte, error) {
	return wire.EncodeMap(map[string]any{
		"ops":        entriesToArray(r.Ops),
		"nextCursor": r.NextCursor,
		"hasMore":    r.HasMore,
	})
}

// DecodePullResponse parses a PullResponse frame.
func DecodePullResponse(data []byte) (PullResponse, error) {
	var r PullResponse
	m, err := wire.DecodeMap(data)
	if err != nil {
		return r, err
	}
	opsVal, ok := m["ops"]
	if !ok {
		return r, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, "ops")
	}
	if r.Ops, err = entriesFromValue(opsVal, "ops"); err != nil {
		return r, err
	}
	if r.NextCursor, err = requireInt(m, "nextCursor"); err != nil {
		return r, err
	}
	if r.HasMore, err = requireBool(m, "hasMore"); err != nil {
		return r, err
	}
	return r, nil
}

// ----------------------------------------------------------------------------
// PushRequest
// ----------------------------------------------------------------------------

// Encode serializes the request as a wire map.
func (r PushRequest) Encode() ([]byte, error) {
	arr := make([]any, 0, len(r.Ops))
	for _, op := range r.Ops {
		arr = append(arr, op.toMap())
	}
	return wire.EncodeMap(map[string]any{
		"dbId":     r.DBID,
		"deviceId": r.DeviceID,
		"ops":      arr,
	})
}

// DecodePushRequest parses a PushRequest frame.
func DecodePushRequest(data []byte) (PushRequest, error) {
	var r PushRequest
	m, err := wire.DecodeMap(data)
	if err != nil {
		return r, err
	}
	if r.DBID, err = requireString(m, "dbId"); err != nil {
		return r, err
	}
	if r.DeviceID, err = requireString(m, "deviceId"); err != nil {
		return r, err
	}
	opsVal, ok := m["ops"]
	if !ok {
		return r, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, "ops")
	}
	arr, ok := opsVal.([]any)
	if !ok {
		return r, fmt.Errorf("%w: field %q is %T, expected array", ErrInvalidMessage, "ops", opsVal)
	}
	r.Ops = make([]SyncOperation, 0, len(arr))
	for i, elem := range arr {
		opMap, err := requireMap(elem, fmt.Sprintf("ops[%d]", i))
		if err != nil {
			return r, err
		}
		op, err := operationFromMap(opMap)
		if err != nil {
			return r, err
		}
		r.Ops = append(r.Ops, op)
	}
	return r, nil
}

// ----------------------------------------------------------------------------
// PushResponse
// ----------------------------------------------------------------------------

// Encode serializes the response as a wire map.
func (r PushResponse) Encode() ([]byte, error) {
	conflicts := make([]any, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		conflicts = append(conflicts, c.toMap())
	}
	return wire.EncodeMap(map[string]any{
		"acceptedUpToOpId": r.AcceptedUpToOpID,
		"conflicts":        conflicts,
		"newServerCursor":  r.NewServerCursor,
	})
}

// DecodePushResponse parses a PushResponse frame.
func DecodePushResponse(data []byte) (PushResponse, error) {
	var r PushResponse
	m, err := wire.DecodeMap(data)
	if err != nil {
		return r, err
	}
	if r.AcceptedUpToOpID, err = requireInt(m, "acceptedUpToOpId"); err != nil {
		return r, err
	}
	conflictsVal, ok := m["conflicts"]
	if !ok {
		return r, fmt.Errorf("%w: missing field %q", ErrInvalidMessage, "conflicts")
	}
	arr, ok := conflictsVal.([]any)
	if !ok {
		return r, fmt.Errorf("%w: field %q is %T, expected array", ErrInvalidMessage, "conflicts", conflictsVal)
	}
	r.Conflicts = make([]Conflict, 0, len(arr))
	for i, elem := range arr {
		cm, err := requireMap(elem, fmt.Sprintf("conflicts[%d]", i))
		if err != nil {
			return r, err
		}
		c, err := conflictFromMap(cm)
		if err != nil {
			return r, err
		}
		r.Conflicts = append(r.Conflicts, c)
	}
	if r.NewServerCursor, err = requireInt(m, "newServerCursor"); err != nil {
		return r, err
	}
	return r, nil
}

// ----------------------------------------------------------------------------
// ErrorResponse
// ----------------------------------------------------------------------------

// Encode serializes the error frame as a wire map.
func (r ErrorResponse) Encode() ([]byte, error) {
	m := map[string]any{
		"code":    string(r.Code),
		"message": r.Message,
	}
	if r.Details != nil {
		m["details"] = r.Details
	}
	return wire.EncodeMap(m)
}

// DecodeErrorResponse parses an ErrorResponse frame.
func DecodeErrorResponse(data []byte) (ErrorResponse, error) {
	var r ErrorResponse
	m, err := wire.DecodeMap(data)
	if err != nil {
		return r, err
	}
	code, err := requireString(m, "code")
	if err != nil {
		return r, err
	}
	r.Code = ErrorCode(code)
	if r.Message, err = requireString(m, "message"); err != nil {
		return r, err
	}
	if detailsVal, ok := m["details"]; ok {
		details, err := requireMap(detailsVal, "details")
		if err != nil {
			return r, err
		}
		r.Details = details
	}
	return r, nil
}

// Err converts the frame into a *SyncError for local propagation.
func (r ErrorResponse) Err() *SyncError {
	return NewSyncError(r.Code, r.Message)
}
