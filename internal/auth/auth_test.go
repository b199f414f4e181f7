package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "auth.json"))
	rec := &TokenRecord{AccessToken: "at-1", RefreshToken: "rt-1", Email: "a@b.c"}
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.AccessToken != "at-1" || loaded.RefreshToken != "rt-1" || loaded.Email != "a@b.c" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Type != "claude" {
		t.Errorf("type = %q", loaded.Type)
	}

	info, err := os.Stat(store.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %o", info.Mode().Perm())
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "auth.json"))
	rec, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Errorf("rec = %+v, want nil", rec)
	}
}

func TestGeneratePKCECodes(t *testing.T) {
	pkce, err := GeneratePKCECodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(pkce.CodeVerifier) != 128 {
		t.Errorf("verifier length = %d, want 128", len(pkce.CodeVerifier))
	}
	sum := sha256.Sum256([]byte(pkce.CodeVerifier))
	want := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sum[:])
	if pkce.CodeChallenge != want {
		t.Errorf("challenge does not match S256 of verifier")
	}

	other, err := GeneratePKCECodes()
	if err != nil {
		t.Fatal(err)
	}
	if other.CodeVerifier == pkce.CodeVerifier {
		t.Error("two verifiers identical")
	}
}

func TestAuthorizeURL(t *testing.T) {
	pkce := &PKCECodes{CodeVerifier: strings.Repeat("v", 43), CodeChallenge: "challenge-1"}
	client := NewOAuthClient("")
	raw, err := client.AuthorizeURL("state-1", pkce, false)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	query := parsed.Query()
	if query.Get("code_challenge") != "challenge-1" || query.Get("code_challenge_method") != "S256" {
		t.Errorf("challenge params = %v", query)
	}
	if query.Get("state") != "state-1" || query.Get("client_id") == "" {
		t.Errorf("query = %v", query)
	}
}

func TestManagerAccessTokenWithoutNetwork(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "auth.json"))
	if err := store.Save(&TokenRecord{AccessToken: "at-2", RefreshToken: "rt-2"}); err != nil {
		t.Fatal(err)
	}
	// Point at a dead endpoint: AccessToken must never dial out.
	manager := NewManager(store, NewOAuthClientWithEndpoint("http://127.0.0.1:0"))

	token, err := manager.AccessToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "at-2" {
		t.Errorf("token = %q", token)
	}
}

func TestManagerForceRefreshPersistsBeforeReturn(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "auth.json"))
	if err := store.Save(&TokenRecord{AccessToken: "old", RefreshToken: "rt-3"}); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["grant_type"] != "refresh_token" || req["refresh_token"] != "rt-3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"fresh","refresh_token":"rt-4","expires_in":3600}`))
	}))
	defer server.Close()

	manager := NewManager(store, NewOAuthClientWithEndpoint(server.URL))
	token, err := manager.ForceRefresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "fresh" {
		t.Errorf("token = %q", token)
	}

	rec, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "fresh" || rec.RefreshToken != "rt-4" {
		t.Errorf("persisted = %+v", rec)
	}
}

func TestManagerForceRefreshCoalesces(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "auth.json"))
	if err := store.Save(&TokenRecord{AccessToken: "old", RefreshToken: "rt-5"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	calls := 0
	received := make(chan struct{}, 4)
	gate := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		received <- struct{}{}
		<-gate
		_, _ = w.Write([]byte(`{"access_token":"fresh","refresh_token":"rt-6","expires_in":3600}`))
	}))
	defer server.Close()

	manager := NewManager(store, NewOAuthClientWithEndpoint(server.URL))

	var wg sync.WaitGroup
	tokens := make([]string, 4)
	refresh := func(i int) {
		defer wg.Done()
		token, err := manager.ForceRefresh(context.Background())
		if err != nil {
			t.Errorf("refresh %d: %v", i, err)
			return
		}
		tokens[i] = token
	}

	wg.Add(1)
	go refresh(0)
	<-received // the first refresh POST is in flight
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go refresh(i)
	}
	time.Sleep(50 * time.Millisecond) // let the joiners reach the singleflight
	close(gate)
	wg.Wait()

	for i, token := range tokens {
		if token != "fresh" {
			t.Errorf("token %d = %q", i, token)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("refresh POSTs = %d, want 1", calls)
	}
}

func TestManagerRefreshFailure(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "auth.json"))
	if err := store.Save(&TokenRecord{AccessToken: "old", RefreshToken: "rt-bad"}); err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	manager := NewManager(store, NewOAuthClientWithEndpoint(server.URL))
	if _, err := manager.ForceRefresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	// The old triple is untouched.
	rec, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if rec.AccessToken != "old" || rec.RefreshToken != "rt-bad" {
		t.Errorf("record changed on failed refresh: %+v", rec)
	}
}
