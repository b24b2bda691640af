// Package credentials stores the driftsyncctl session on disk: which
// coordinator to talk to, which device identity was used, and the bearer
// token from the last login.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultConfigDir is the directory for driftsyncctl state under the
	// user's config home.
	DefaultConfigDir = "driftsyncctl"
	// CredentialsFileName is the name of the credentials file.
	CredentialsFileName = "credentials.json"
	// FilePermissions for the credentials file (owner only, it holds a
	// bearer token).
	FilePermissions = 0600
	// DirPermissions for the config directory.
	DirPermissions = 0700
)

// ErrNotLoggedIn indicates no valid credentials exist.
var ErrNotLoggedIn = errors.New("not logged in - run 'driftsyncctl login' first")

// Session is one saved login against a coordinator.
type Session struct {
	ServerURL   string    `json:"server_url"`
	DeviceID    string    `json:"device_id"`
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// IsExpired returns true if the access token has expired or is about to.
func (s *Session) IsExpired() bool {
	if s.ExpiresAt.IsZero() {
		return true
	}
	// A token within a minute of expiry is as good as expired.
	return time.Now().Add(60 * time.Second).After(s.ExpiresAt)
}

// Store manages credential storage and retrieval.
type Store struct {
	path    string
	session *Session
}

// NewStore creates a credential store backed by the default location.
func NewStore() (*Store, error) {
	path, err := credentialsPath()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(path)
}

// NewStoreAt creates a credential store backed by an explicit file path.
func NewStoreAt(path string) (*Store, error) {
	store := &Store{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}

	session := &Session{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("corrupt credentials file %s: %w", path, err)
	}
	store.session = session
	return store, nil
}

func credentialsPath() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, DefaultConfigDir, CredentialsFileName), nil
}

// Current returns the saved session, or ErrNotLoggedIn when none exists.
func (s *Store) Current() (*Session, error) {
	if s.session == nil || s.session.AccessToken == "" {
		return nil, ErrNotLoggedIn
	}
	return s.session, nil
}

// Save stores a session, replacing any previous one.
func (s *Store) Save(session *Session) error {
	if err := os.MkdirAll(filepath.Dir(s.path), DirPermissions); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, FilePermissions); err != nil {
		return err
	}
	s.session = session
	return nil
}

// Clear removes the saved session (logout).
func (s *Store) Clear() error {
	s.session = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the credentials file location.
func (s *Store) Path() string {
	return s.path
}
