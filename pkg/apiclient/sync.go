package apiclient

import (
	"fmt"
	"net/url"
	"time"
)

// HealthStatus is the GET /health response.
type HealthStatus struct {
	Status string `json:"status"`
}

// VersionInfo is the GET /v1/version response.
type VersionInfo struct {
	Current      int `json:"current"`
	MinSupported int `json:"minSupported"`
}

// BroadcasterStats mirrors the broadcaster counters in the stats response.
type BroadcasterStats struct {
	ActiveSubscriptions int   `json:"activeSubscriptions"`
	EventsSent          int64 `json:"eventsSent"`
	EventsDropped       int64 `json:"eventsDropped"`
	Evictions           int64 `json:"evictions"`
}

// DatabaseStats is the GET /v1/stats response.
type DatabaseStats struct {
	DBID        string            `json:"dbId"`
	Cursor      int64             `json:"cursor"`
	OplogSize   int64             `json:"oplogSize"`
	Broadcaster *BroadcasterStats `json:"broadcaster,omitempty"`
}

// TokenResponse is the POST /v1/auth/token response.
type TokenResponse struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresIn   int64     `json:"expiresIn"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Health checks coordinator liveness.
func (c *Client) Health() (*HealthStatus, error) {
	var status HealthStatus
	if err := c.get("/health", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Version fetches the coordinator's protocol version window.
func (c *Client) Version() (*VersionInfo, error) {
	var info VersionInfo
	if err := c.get("/v1/version", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats fetches replication stats for one database. Requires a token.
func (c *Client) Stats(dbID string) (*DatabaseStats, error) {
	var stats DatabaseStats
	path := fmt.Sprintf("/v1/stats?dbId=%s", url.QueryEscape(dbID))
	if err := c.get(path, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Token exchanges device credentials for a bearer token.
func (c *Client) Token(deviceID, secret string) (*TokenResponse, error) {
	body := map[string]string{
		"deviceId": deviceID,
		"secret":   secret,
	}
	var token TokenResponse
	if err := c.post("/v1/auth/token", body, &token); err != nil {
		return nil, err
	}
	return &token, nil
}
