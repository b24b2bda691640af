package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/driftsync/driftsync/pkg/api/middleware"
	"github.com/driftsync/driftsync/pkg/broadcast"
	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/driftsync/driftsync/pkg/replication"
)

// SyncHandler serves the binary replication endpoints plus the plain text
// version and stats views.
type SyncHandler struct {
	service     *replication.Service
	broadcaster *broadcast.Broadcaster
}

// NewSyncHandler creates a sync handler. broadcaster may be nil, in which
// case stats omit the subscription counters.
func NewSyncHandler(service *replication.Service, broadcaster *broadcast.Broadcaster) *SyncHandler {
	return &SyncHandler{service: service, broadcaster: broadcaster}
}

// readFrame reads a capped request body.
func readFrame(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeWireError(w, protocol.NewSyncError(protocol.CodeInvalidRequest, "request body unreadable"))
		return nil, false
	}
	return body, true
}

// checkDevice rejects requests whose body names a device other than the one
// in the bearer token.
func checkDevice(w http.ResponseWriter, r *http.Request, deviceID string) bool {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims != nil && deviceID != "" && deviceID != claims.DeviceID {
		writeWireError(w, protocol.NewSyncError(
			protocol.CodeAuthenticationFailed, "token does not cover this device"))
		return false
	}
	return true
}

// Version handles GET /v1/version.
func (h *SyncHandler) Version(w http.ResponseWriter, r *http.Request) {
	v := h.service.Version()
	writeJSON(w, http.StatusOK, map[string]any{
		"current":      v.Current,
		"minSupported": v.MinSupported,
	})
}

// Handshake handles POST /v1/handshake.
func (h *SyncHandler) Handshake(w http.ResponseWriter, r *http.Request) {
	body, ok := readFrame(w, r)
	if !ok {
		return
	}
	req, err := protocol.DecodeHandshakeRequest(body)
	if err != nil {
		writeWireError(w, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error()))
		return
	}
	if !checkDevice(w, r, req.DeviceID) {
		return
	}

	resp, err := h.service.Handshake(r.Context(), req)
	if err != nil {
		writeWireError(w, err)
		return
	}
	writeWire(w, http.StatusOK, resp)
}

// Pull handles POST /v1/pull.
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	body, ok := readFrame(w, r)
	if !ok {
		return
	}
	req, err := protocol.DecodePullRequest(body)
	if err != nil {
		writeWireError(w, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error()))
		return
	}

	resp, err := h.service.Pull(r.Context(), req)
	if err != nil {
		writeWireError(w, err)
		return
	}
	writeWire(w, http.StatusOK, resp)
}

// Push handles POST /v1/push.
func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	body, ok := readFrame(w, r)
	if !ok {
		return
	}
	req, err := protocol.DecodePushRequest(body)
	if err != nil {
		writeWireError(w, protocol.NewSyncError(protocol.CodeInvalidRequest, err.Error()))
		return
	}
	if !checkDevice(w, r, req.DeviceID) {
		return
	}

	resp, err := h.service.Push(r.Context(), req)
	if err != nil {
		writeWireError(w, err)
		return
	}
	writeWire(w, http.StatusOK, resp)
}

// Stats handles GET /v1/stats?dbId=.
func (h *SyncHandler) Stats(w http.ResponseWriter, r *http.Request) {
	dbID := r.URL.Query().Get("dbId")
	if dbID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "dbId query parameter required"})
		return
	}

	stats, err := h.service.Stats(r.Context(), dbID)
	if err != nil {
		status := http.StatusInternalServerError
		var syncErr *protocol.SyncError
		if errors.As(err, &syncErr) {
			status = statusForCode(syncErr.Code)
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	payload := map[string]any{
		"dbId":      dbID,
		"cursor":    stats.Cursor,
		"oplogSize": stats.OplogSize,
	}
	if h.broadcaster != nil {
		payload["broadcaster"] = h.broadcaster.GetStats()
	}
	writeJSON(w, http.StatusOK, payload)
}
