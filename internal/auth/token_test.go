package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/service"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

type tokenServer struct {
	*httptest.Server
	refreshes atomic.Int32
	exchanges atomic.Int32
	lastCode  atomic.Value
	// reject makes refresh_token grants fail with invalid_grant
	reject atomic.Bool
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			n := ts.exchanges.Add(1)
			ts.lastCode.Store(r.Form.Get("code"))
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  fmt.Sprintf("access-%d", n),
				"refresh_token": "refresh-initial",
				"token_type":    "bearer",
				"expires_in":    3600,
			})
		case "refresh_token":
			if ts.reject.Load() {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
				return
			}
			// slow enough that overlapping refreshes would be observable
			time.Sleep(20 * time.Millisecond)
			n := ts.refreshes.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": fmt.Sprintf("refreshed-%d", n),
				"token_type":   "bearer",
				"expires_in":   3600,
			})
		default:
			http.Error(w, "unsupported grant", http.StatusBadRequest)
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

type memoryStore struct {
	mu    sync.Mutex
	saved []config.TokenBundle
}

func (s *memoryStore) save(b config.TokenBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, b)
	return nil
}

func (s *memoryStore) last() config.TokenBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return config.TokenBundle{}
	}
	return s.saved[len(s.saved)-1]
}

func serviceConfig(ts *tokenServer, port int) config.ServiceConfig {
	return config.ServiceConfig{
		ClientID:             "client",
		ClientSecret:         "secret",
		Scope:                "a b",
		AuthorizationBaseURL: ts.URL + "/authorize",
		TokenURL:             ts.URL + "/token",
		RedirectURI:          fmt.Sprintf("http://127.0.0.1:%d/", port),
	}
}

// callbackOpener plays the browser: it follows the redirect with code.
func callbackOpener(t *testing.T, code string) Opener {
	return func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		cb, err := url.Parse(q.Get("redirect_uri"))
		if err != nil {
			return err
		}
		v := url.Values{}
		v.Set("code", code)
		v.Set("state", q.Get("state"))
		cb.RawQuery = v.Encode()

		resp, err := http.Get(cb.String())
		if err != nil {
			t.Errorf("callback request: %v", err)
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("callback status = %d", resp.StatusCode)
		}
		return nil
	}
}

func TestInteractiveAuthorization(t *testing.T) {
	ts := newTokenServer(t)
	store := &memoryStore{}
	port := freePort(t)

	m := NewTokenManager("Twitch", serviceConfig(ts, port),
		WithStore(store.save),
		WithOpener(callbackOpener(t, "code/with+special chars")),
		WithListenTimeout(2*time.Second),
	)
	if m.State() != StateUnauthorized {
		t.Fatalf("initial state = %s", m.State())
	}

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "access-1" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	if got := ts.lastCode.Load(); got != "code/with+special chars" {
		t.Fatalf("code not url-decoded, got %q", got)
	}
	if m.State() != StateAuthorized {
		t.Fatalf("state = %s, want authorized", m.State())
	}
	if saved := store.last(); saved.RefreshToken != "refresh-initial" || saved.AccessToken != "access-1" {
		t.Fatalf("token not persisted: %+v", saved)
	}

	// a valid token is served without touching the network again
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ts.exchanges.Load() != 1 || ts.refreshes.Load() != 0 {
		t.Fatalf("unexpected calls: exchanges=%d refreshes=%d", ts.exchanges.Load(), ts.refreshes.Load())
	}
}

func TestAuthorizationTimeoutThenRetry(t *testing.T) {
	ts := newTokenServer(t)
	port := freePort(t)

	var calls atomic.Int32
	succeed := callbackOpener(t, "second-try")
	opener := func(u string) error {
		if calls.Add(1) == 1 {
			return nil // user never completes the first attempt
		}
		return succeed(u)
	}

	m := NewTokenManager("Twitch", serviceConfig(ts, port),
		WithOpener(opener),
		WithListenTimeout(100*time.Millisecond),
	)

	_, err := m.Token(context.Background())
	if !errors.Is(err, service.ErrAuthorizationTimeout) {
		t.Fatalf("err = %v, want ErrAuthorizationTimeout", err)
	}
	if m.State() != StateError {
		t.Fatalf("state = %s, want error", m.State())
	}

	// the port must be free again
	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if tok.AccessToken == "" || m.State() != StateAuthorized {
		t.Fatalf("retry did not authorize: %+v %s", tok, m.State())
	}
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	ts := newTokenServer(t)
	store := &memoryStore{}
	cfg := serviceConfig(ts, freePort(t))
	cfg.Authorization = config.TokenBundle{
		AccessToken:  "stale",
		RefreshToken: "refresh-stored",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}

	m := NewTokenManager("Twitch", cfg, WithStore(store.save), WithOpener(func(string) error {
		t.Error("opener must not be used when a refresh token exists")
		return nil
	}))
	if m.State() != StateExpired {
		t.Fatalf("initial state = %s, want expired", m.State())
	}

	tok, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "refreshed-1" {
		t.Fatalf("access token = %q", tok.AccessToken)
	}
	saved := store.last()
	if saved.RefreshToken != "refresh-stored" {
		t.Fatalf("refresh token lost on refresh: %+v", saved)
	}
	if !saved.ExpiresAt.After(time.Now()) {
		t.Fatalf("expiry not updated: %v", saved.ExpiresAt)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	ts := newTokenServer(t)
	cfg := serviceConfig(ts, freePort(t))
	cfg.Authorization = config.TokenBundle{
		AccessToken:  "stale",
		RefreshToken: "refresh-stored",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}
	m := NewTokenManager("Twitch", cfg, WithOpener(nil))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Token(context.Background()); err != nil {
				t.Errorf("Token: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := ts.refreshes.Load(); got != 1 {
		t.Fatalf("refreshes = %d, want 1", got)
	}
}

func TestInvalidGrantYieldsUnauthorized(t *testing.T) {
	ts := newTokenServer(t)
	ts.reject.Store(true)
	store := &memoryStore{}
	cfg := serviceConfig(ts, freePort(t))
	cfg.Authorization = config.TokenBundle{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}

	m := NewTokenManager("Twitch", cfg, WithStore(store.save), WithOpener(nil))
	_, err := m.Token(context.Background())
	if !errors.Is(err, service.ErrInvalidGrant) {
		t.Fatalf("err = %v, want ErrInvalidGrant", err)
	}
	if m.State() != StateUnauthorized {
		t.Fatalf("state = %s, want unauthorized", m.State())
	}
	if !store.last().IsZero() {
		t.Fatalf("revoked token still persisted: %+v", store.last())
	}
}

func TestForceRefreshWithoutRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	cfg := serviceConfig(ts, freePort(t))
	cfg.Authorization = config.TokenBundle{AccessToken: "only-access"}

	m := NewTokenManager("Facebook", cfg, WithOpener(nil))
	if err := m.ForceRefresh(context.Background()); !errors.Is(err, service.ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
	if m.State() != StateUnauthorized {
		t.Fatalf("state = %s", m.State())
	}
}

func TestExpiryUsesClock(t *testing.T) {
	ts := newTokenServer(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg := serviceConfig(ts, freePort(t))
	cfg.Authorization = config.TokenBundle{
		AccessToken:  "valid",
		RefreshToken: "r",
		ExpiresAt:    now.Add(time.Hour),
	}

	m := NewTokenManager("Twitch", cfg, WithClock(func() time.Time { return now }), WithOpener(nil))
	tok, err := m.Token(context.Background())
	if err != nil || tok.AccessToken != "valid" {
		t.Fatalf("Token = %v, %v", tok, err)
	}

	now = now.Add(2 * time.Hour)
	tok, err = m.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "refreshed-1" {
		t.Fatalf("expired token not refreshed, got %q", tok.AccessToken)
	}
}

func TestReset(t *testing.T) {
	ts := newTokenServer(t)
	store := &memoryStore{}
	cfg := serviceConfig(ts, freePort(t))
	cfg.Authorization = config.TokenBundle{AccessToken: "a", RefreshToken: "r"}

	m := NewTokenManager("Twitch", cfg, WithStore(store.save), WithOpener(nil))
	if err := m.Reset(); err != nil {
		t.Fatal(err)
	}
	if m.State() != StateUnauthorized || !store.last().IsZero() {
		t.Fatalf("reset incomplete: %s %+v", m.State(), store.last())
	}
}
