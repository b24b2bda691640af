package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/driftsync/driftsync/internal/logger"
)

// StreamEvent is one frame from the server's live event channel.
type StreamEvent struct {
	Type string
	ID   string
	Data map[string]any
}

// ListenerConfig controls the event listener.
type ListenerConfig struct {
	BaseURL     string
	Token       string
	DBID        string
	DeviceID    string
	Collections []string

	// ReconnectDelay is the pause before re-dialing a dropped stream.
	// Default: 5s.
	ReconnectDelay time.Duration

	// HTTPClient overrides the streaming client; it must not carry a
	// client-wide timeout or the stream dies on it.
	HTTPClient *http.Client
}

// Listener consumes the server's event stream and redelivers frames on a
// channel. It reconnects on stream loss, resuming via Last-Event-ID.
type Listener struct {
	config      ListenerConfig
	http        *http.Client
	events      chan StreamEvent
	lastEventID string
}

// NewListener creates a listener.
func NewListener(config ListenerConfig) *Listener {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Listener{
		config: config,
		http:   httpClient,
		events: make(chan StreamEvent, 16),
	}
}

// Events returns the frame channel. It closes when Run returns.
func (l *Listener) Events() <-chan StreamEvent {
	return l.events
}

// Run consumes the stream until the context is cancelled, re-dialing after
// every disconnect.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.events)

	for {
		if err := l.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Debug("event stream disconnected, will reconnect",
				logger.Err(err), logger.EventID(l.lastEventID))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.ReconnectDelay):
		}
	}
}

func (l *Listener) streamURL() string {
	q := url.Values{}
	q.Set("dbId", l.config.DBID)
	q.Set("deviceId", l.config.DeviceID)
	if len(l.config.Collections) > 0 {
		q.Set("collections", strings.Join(l.config.Collections, ","))
	}
	return l.config.BaseURL + "/v1/events?" + q.Encode()
}

// consume dials the stream and delivers frames until it breaks.
func (l *Listener) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.streamURL(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if l.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+l.config.Token)
	}
	if l.lastEventID != "" {
		req.Header.Set("Last-Event-ID", l.lastEventID)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: event stream returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var ev StreamEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Type != "" {
				l.deliver(ctx, ev)
			}
			ev = StreamEvent{}
		case strings.HasPrefix(line, "event: "):
			ev.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(payload), &ev.Data); err != nil {
				logger.Warn("dropping malformed event payload", logger.Err(err))
				ev.Data = nil
			}
		}
	}
	return scanner.Err()
}

func (l *Listener) deliver(ctx context.Context, ev StreamEvent) {
	if ev.ID != "" {
		l.lastEventID = ev.ID
	}
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}
