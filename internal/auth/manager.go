package auth

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrNotAuthenticated means no credential record exists on disk; the user has
// to run the login flow.
var ErrNotAuthenticated = errors.New("not authenticated: run `claude-bridge login` first")

// ErrRefreshFailed wraps a rejected refresh; the caller surfaces the original
// upstream 401 to the client.
var ErrRefreshFailed = errors.New("oauth token refresh failed")

// Manager is the token authority. It hands out the stored access token
// without inspecting its expiry (the upstream is authoritative about token
// validity; local clocks drift) and refreshes only when the upstream says 401.
type Manager struct {
	store *FileStore
	oauth *OAuthClient
	group singleflight.Group
}

// NewManager binds a token store and an OAuth client.
func NewManager(store *FileStore, oauth *OAuthClient) *Manager {
	return &Manager{store: store, oauth: oauth}
}

// AccessToken returns the stored access token as-is.
func (m *Manager) AccessToken(context.Context) (string, error) {
	rec, err := m.store.Load()
	if err != nil {
		return "", err
	}
	if rec == nil || rec.AccessToken == "" {
		return "", ErrNotAuthenticated
	}
	return rec.AccessToken, nil
}

// ForceRefresh performs the OAuth refresh and persists the new triple before
// returning the new access token. Concurrent callers are coalesced onto one
// refresh POST; the upstream tolerates overlapping refreshes in any case, and
// every persisted triple is valid, so last-writer-wins on disk is fine.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	token, err, _ := m.group.Do("refresh", func() (any, error) {
		rec, errLoad := m.store.Load()
		if errLoad != nil {
			return "", errLoad
		}
		if rec == nil || rec.RefreshToken == "" {
			return "", ErrNotAuthenticated
		}

		newRec, errRefresh := m.oauth.Refresh(ctx, rec.RefreshToken)
		if errRefresh != nil {
			log.Warnf("token refresh rejected: %v", errRefresh)
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, errRefresh)
		}
		if errSave := m.store.Save(newRec); errSave != nil {
			// The new token is valid even if it could not be persisted; use it
			// for this request and let the next refresh try the disk again.
			log.Errorf("failed to persist refreshed credentials: %v", errSave)
		}
		log.Info("oauth credentials refreshed")
		return newRec.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}
