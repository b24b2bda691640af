package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftsync/driftsync/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_HandshakeRoundTrip(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/handshake", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, contentTypeWire, r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req, err := protocol.DecodeHandshakeRequest(body)
		require.NoError(t, err)
		assert.Equal(t, "device-a", req.DeviceID)

		resp := protocol.HandshakeResponse{
			ServerProtocolVersion: protocol.CurrentVersion,
			ServerCursor:          7,
			SessionID:             "s1",
			Accepted:              true,
		}
		data, err := resp.Encode()
		require.NoError(t, err)
		w.Header().Set("Content-Type", contentTypeWire)
		w.Write(data)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Token: "secret"})
	resp, err := c.Handshake(context.Background(), protocol.HandshakeRequest{
		ClientProtocolVersion: protocol.CurrentVersion,
		DeviceID:              "device-a",
		DBID:                  "notes-db",
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, int64(7), resp.ServerCursor)
}

func TestClient_TypedErrorFramePreferred(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		frame := protocol.ErrorResponse{Code: protocol.CodeRateLimited, Message: "slow down"}
		data, err := frame.Encode()
		require.NoError(t, err)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write(data)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.Pull(context.Background(), protocol.PullRequest{DBID: "notes-db", Limit: 10})

	var syncErr *protocol.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, protocol.CodeRateLimited, syncErr.Code)
	assert.Equal(t, "slow down", syncErr.Message)
}

func TestClient_StatusClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		code   protocol.ErrorCode
	}{
		{http.StatusUnauthorized, protocol.CodeAuthenticationFailed},
		{http.StatusForbidden, protocol.CodeAuthenticationFailed},
		{http.StatusTooManyRequests, protocol.CodeRateLimited},
		{http.StatusGone, protocol.CodeStateLost},
		{http.StatusBadRequest, protocol.CodeInvalidRequest},
		{http.StatusInternalServerError, protocol.CodeInternal},
		{http.StatusBadGateway, protocol.CodeInternal},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("Status%d", tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			c := New(Config{BaseURL: server.URL})
			_, err := c.Push(context.Background(), protocol.PushRequest{DBID: "db", DeviceID: "d"})

			var syncErr *protocol.SyncError
			require.ErrorAs(t, err, &syncErr)
			assert.Equal(t, tc.code, syncErr.Code)
		})
	}
}

func TestClient_ConnectionRefusedIsNetworkError(t *testing.T) {
	t.Parallel()

	c := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	_, err := c.Pull(context.Background(), protocol.PullRequest{DBID: "db", Limit: 1})

	var syncErr *protocol.SyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, protocol.CodeNetworkError, syncErr.Code)
	assert.True(t, syncErr.Code.Retryable())
}

// ============================================================================
// Event Listener Tests
// ============================================================================

func TestListener_ParsesEventStream(t *testing.T) {
	t.Parallel()

	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connections.Add(1)
		assert.Equal(t, "notes-db", r.URL.Query().Get("dbId"))
		assert.Equal(t, "device-a", r.URL.Query().Get("deviceId"))

		w.Header().Set("Content-Type", "text/event-stream")
		if n == 1 {
			assert.Empty(t, r.Header.Get("Last-Event-ID"))
			fmt.Fprint(w, "event: connected\ndata: {\"serverCursor\":5}\n\n")
			fmt.Fprint(w, "event: operations\nid: 6-1\ndata: {\"serverCursor\":6,\"collection\":\"notes\"}\n\n")
			return // drop the stream to force a reconnect
		}
		// The reconnect resumes after the last delivered id.
		assert.Equal(t, "6-1", r.Header.Get("Last-Event-ID"))
		fmt.Fprint(w, "event: ping\ndata: {}\n\n")
	}))
	defer server.Close()

	l := NewListener(ListenerConfig{
		BaseURL:        server.URL,
		DBID:           "notes-db",
		DeviceID:       "device-a",
		ReconnectDelay: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()

	expect := func(wantType string) StreamEvent {
		select {
		case ev := <-l.Events():
			require.Equal(t, wantType, ev.Type)
			return ev
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %s event", wantType)
			return StreamEvent{}
		}
	}

	connected := expect("connected")
	assert.Equal(t, float64(5), connected.Data["serverCursor"])

	ops := expect("operations")
	assert.Equal(t, "6-1", ops.ID)
	assert.Equal(t, "notes", ops.Data["collection"])

	expect("ping")

	cancel()
	<-done
	_, open := <-l.Events()
	assert.False(t, open)
}
