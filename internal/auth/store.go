// Package auth manages the OAuth credential the proxy presents upstream: the
// on-disk token record, the OAuth endpoints (login and refresh), and the
// token authority that hands out access tokens and refreshes them lazily on
// upstream 401s.
package auth

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bridgekit-ai/claude-bridge/internal/config"
	"github.com/bridgekit-ai/claude-bridge/internal/misc"
)

// TokenRecord is the credential triple persisted in auth.json, created by the
// login flow and replaced wholesale on every refresh.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Expire       string `json:"expired"`
	Email        string `json:"email,omitempty"`
	LastRefresh  string `json:"last_refresh,omitempty"`
	Type         string `json:"type"`
}

// FileStore persists the token record as pretty-printed JSON in the per-user
// configuration directory. Only the token authority writes it; the external
// login and logout tools own creation and deletion.
type FileStore struct {
	path string
}

// NewFileStore returns a store bound to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the current record. A missing file returns (nil, nil): the
// caller decides whether absence is an error.
func (s *FileStore) Load() (*TokenRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("auth: read %s: %w", s.path, err)
	}
	var rec TokenRecord
	if err = json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", s.path, err)
	}
	if rec.AccessToken == "" && rec.RefreshToken == "" {
		return nil, nil
	}
	return &rec, nil
}

// Save replaces the record atomically. The new triple is on disk before any
// caller sees the new access token.
func (s *FileStore) Save(rec *TokenRecord) error {
	misc.LogSavingCredentials(s.path)
	rec.Type = "claude"
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: marshal token record: %w", err)
	}
	return config.WriteFileAtomic(s.path, append(data, '\n'), 0o600)
}
