package handlers

import (
	"net/http"
)

// Health handles GET /health. Liveness only: if the process answers, it is
// alive. Readiness is covered by the store-backed endpoints themselves.
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
