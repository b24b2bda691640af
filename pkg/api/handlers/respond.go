package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/protocol"
)

const contentTypeWire = "application/cbor"

// maxRequestBytes caps request bodies so a broken client cannot exhaust
// server memory with a single frame.
const maxRequestBytes = 32 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("failed to encode JSON response", logger.Err(err))
	}
}

// wireFrame is any protocol message that knows its wire encoding.
type wireFrame interface {
	Encode() ([]byte, error)
}

// writeWire writes a binary protocol frame with the given status code.
func writeWire(w http.ResponseWriter, status int, frame wireFrame) {
	data, err := frame.Encode()
	if err != nil {
		logger.Error("failed to encode wire response", logger.Err(err))
		http.Error(w, "encoding failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeWire)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debug("failed to write wire response", logger.Err(err))
	}
}

// statusForCode maps the protocol error taxonomy onto HTTP statuses.
func statusForCode(code protocol.ErrorCode) int {
	switch code {
	case protocol.CodeInvalidRequest, protocol.CodeVersionMismatch:
		return http.StatusBadRequest
	case protocol.CodeAuthenticationFailed:
		return http.StatusUnauthorized
	case protocol.CodeUnknownDatabase:
		return http.StatusNotFound
	case protocol.CodeStateLost:
		return http.StatusGone
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeWireError converts a handler error into an ErrorResponse frame.
// Typed sync errors keep their code; everything else is internal.
func writeWireError(w http.ResponseWriter, err error) {
	var syncErr *protocol.SyncError
	if !errors.As(err, &syncErr) {
		logger.Error("request failed", logger.Err(err))
		syncErr = protocol.NewSyncError(protocol.CodeInternal, "internal error")
	}
	writeWire(w, statusForCode(syncErr.Code), protocol.ErrorResponse{
		Code:    syncErr.Code,
		Message: syncErr.Message,
	})
}
