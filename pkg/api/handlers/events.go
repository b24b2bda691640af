package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/api/middleware"
	"github.com/driftsync/driftsync/pkg/broadcast"
)

// EventsHandler serves the live event stream.
type EventsHandler struct {
	broadcaster *broadcast.Broadcaster
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(broadcaster *broadcast.Broadcaster) *EventsHandler {
	return &EventsHandler{broadcaster: broadcaster}
}

// Stream handles GET /v1/events?dbId=&deviceId=&collections=.
//
// The response is a text event stream: each frame is an "event:" line, an
// optional "id:" line, a "data:" line with a one-line JSON payload, and a
// blank separator. Reconnecting clients send Last-Event-ID and resume
// strictly after that id.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	dbID := r.URL.Query().Get("dbId")
	deviceID := r.URL.Query().Get("deviceId")
	if dbID == "" || deviceID == "" {
		http.Error(w, "dbId and deviceId query parameters required", http.StatusBadRequest)
		return
	}
	if claims := middleware.GetClaimsFromContext(r.Context()); claims != nil && deviceID != claims.DeviceID {
		http.Error(w, "Token does not cover this device", http.StatusForbidden)
		return
	}

	var collections []string
	if raw := r.URL.Query().Get("collections"); raw != "" {
		collections = strings.Split(raw, ",")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, err := h.broadcaster.Subscribe(dbID, deviceID, collections, r.Header.Get("Last-Event-ID"))
	if err != nil {
		if errors.Is(err, broadcast.ErrTooManyConnections) {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "subscription failed", http.StatusInternalServerError)
		return
	}
	defer h.broadcaster.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger.Debug("event stream opened",
		logger.Database(dbID), logger.Device(deviceID), logger.Subscription(sub.ID))

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				logger.Debug("event stream write failed, dropping client",
					logger.Subscription(sub.ID), logger.Err(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev broadcast.Event) error {
	payload, err := ev.EncodeData()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
		return err
	}
	if ev.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", ev.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
