package apiclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Health(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	status, err := New(server.URL).Health()
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)
}

func TestClient_Version(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"current":1,"minSupported":1}`))
	}))
	defer server.Close()

	info, err := New(server.URL).Version()
	require.NoError(t, err)
	assert.Equal(t, 1, info.Current)
	assert.Equal(t, 1, info.MinSupported)
}

func TestClient_StatsSendsBearerToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "notes-db", r.URL.Query().Get("dbId"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"dbId":"notes-db","cursor":42,"oplogSize":7,"broadcaster":{"activeSubscriptions":2}}`))
	}))
	defer server.Close()

	stats, err := New(server.URL).WithToken("tok-123").Stats("notes-db")
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.Cursor)
	assert.Equal(t, int64(7), stats.OplogSize)
	require.NotNil(t, stats.Broadcaster)
	assert.Equal(t, 2, stats.Broadcaster.ActiveSubscriptions)
}

func TestClient_TokenExchange(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/auth/token", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "device-a", body["deviceId"])
		assert.Equal(t, "hunter2hunter2", body["secret"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"accessToken":"tok","tokenType":"Bearer","expiresIn":3600}`))
	}))
	defer server.Close()

	token, err := New(server.URL).Token("device-a", "hunter2hunter2")
	require.NoError(t, err)
	assert.Equal(t, "tok", token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
}

func TestClient_ErrorDecoding(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid credentials"}`))
	}))
	defer server.Close()

	_, err := New(server.URL).Stats("notes-db")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Contains(t, err.Error(), "invalid credentials")
}
