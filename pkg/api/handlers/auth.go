package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/api/auth"
	"github.com/driftsync/driftsync/pkg/registry"
)

// AuthHandler exchanges device credentials for bearer tokens.
type AuthHandler struct {
	registry *registry.Registry
	jwt      *auth.JWTService
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(reg *registry.Registry, jwt *auth.JWTService) *AuthHandler {
	return &AuthHandler{registry: reg, jwt: jwt}
}

type tokenRequest struct {
	DeviceID string `json:"deviceId"`
	Secret   string `json:"secret"`
}

// Token handles POST /v1/auth/token.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.DeviceID == "" || req.Secret == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "deviceId and secret required"})
		return
	}

	device, err := h.registry.Authenticate(r.Context(), req.DeviceID, req.Secret)
	if err != nil {
		if errors.Is(err, registry.ErrBadCredentials) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
			return
		}
		logger.Error("device authentication failed", logger.Device(req.DeviceID), logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	token, err := h.jwt.GenerateToken(device)
	if err != nil {
		logger.Error("token generation failed", logger.Device(req.DeviceID), logger.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	logger.Info("device token issued", logger.Device(device.DeviceID))
	writeJSON(w, http.StatusOK, token)
}
