// Package auth runs the OAuth2 token lifecycle of one backend: interactive
// authorization through a loopback listener, expiry checks and refresh.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// State is a token lifecycle state.
type State int

const (
	StateUnauthorized State = iota
	StateAuthorizing
	StateAuthorized
	StateExpired
	StateRefreshing
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnauthorized:
		return "unauthorized"
	case StateAuthorizing:
		return "authorizing"
	case StateAuthorized:
		return "authorized"
	case StateExpired:
		return "expired"
	case StateRefreshing:
		return "refreshing"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const (
	defaultListenTimeout = 10 * time.Second
	expiryLeeway         = 10 * time.Second
)

// Store persists the token bundle after every successful transition.
type Store func(config.TokenBundle) error

// Option customises TokenManager construction.
type Option func(*TokenManager)

// WithStore sets the persistence callback.
func WithStore(store Store) Option {
	return func(m *TokenManager) { m.store = store }
}

// WithOpener overrides how the authorization URL is shown to the user.
func WithOpener(opener Opener) Option {
	return func(m *TokenManager) { m.opener = opener }
}

// WithListenTimeout bounds the wait for the loopback callback.
func WithListenTimeout(d time.Duration) Option {
	return func(m *TokenManager) {
		if d > 0 {
			m.listenTimeout = d
		}
	}
}

// WithHTTPClient sets the client used against the token endpoint.
func WithHTTPClient(client *http.Client) Option {
	return func(m *TokenManager) { m.httpClient = client }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) { m.now = now }
}

// TokenManager serializes every lifecycle transition of one backend, so no
// two refreshes are ever in flight for it.
type TokenManager struct {
	name          string
	oauth         *oauth2.Config
	redirectURI   string
	store         Store
	opener        Opener
	listenTimeout time.Duration
	httpClient    *http.Client
	now           func() time.Time
	log           *zerolog.Logger

	mu    sync.Mutex
	token *oauth2.Token

	stateMu sync.RWMutex
	state   State
	lastErr error
}

// NewTokenManager builds a manager from a backend record. The stored bundle,
// if any, is the starting point.
func NewTokenManager(name string, cfg config.ServiceConfig, opts ...Option) *TokenManager {
	m := &TokenManager{
		name: name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizationBaseURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURI,
			Scopes:      strings.Fields(cfg.Scope),
		},
		redirectURI:   cfg.RedirectURI,
		opener:        OpenBrowser,
		listenTimeout: defaultListenTimeout,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		now:           time.Now,
		log:           logger.WithService("auth", name),
		state:         StateUnauthorized,
	}
	for _, opt := range opts {
		opt(m)
	}

	if bundle := cfg.Authorization; !bundle.IsZero() {
		m.token = &oauth2.Token{
			AccessToken:  bundle.AccessToken,
			RefreshToken: bundle.RefreshToken,
			TokenType:    bundle.TokenType,
			Expiry:       bundle.ExpiresAt,
		}
		m.state = StateAuthorized
		if m.expired(m.token) {
			m.state = StateExpired
		}
	}
	return m
}

// State returns the current lifecycle state.
func (m *TokenManager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// LastError returns the error that moved the manager to StateError, if any.
func (m *TokenManager) LastError() error {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.lastErr
}

func (m *TokenManager) setState(s State, err error) {
	m.stateMu.Lock()
	prev := m.state
	m.state = s
	m.lastErr = err
	m.stateMu.Unlock()

	if prev != s {
		ev := m.log.Debug()
		if s == StateError {
			ev = m.log.Warn().Err(err)
		}
		ev.Str("from", prev.String()).Str("to", s.String()).Msg("Token state changed")
	}
}

// Token returns a usable access token. It refreshes an expired token and
// runs interactive authorization when no refresh token is available.
func (m *TokenManager) Token(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != nil && m.token.AccessToken != "" && !m.expired(m.token) {
		if m.State() != StateAuthorized {
			m.setState(StateAuthorized, nil)
		}
		return copyToken(m.token), nil
	}

	if m.token != nil && m.token.RefreshToken != "" {
		m.setState(StateExpired, nil)
		if err := m.refreshLocked(ctx); err != nil {
			return nil, err
		}
		return copyToken(m.token), nil
	}

	if err := m.authorizeLocked(ctx); err != nil {
		return nil, err
	}
	return copyToken(m.token), nil
}

// ForceRefresh refreshes the token regardless of its expiry. Without a
// refresh token the manager drops to StateUnauthorized so the next Token
// call authorizes again.
func (m *TokenManager) ForceRefresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == nil || m.token.RefreshToken == "" {
		m.token = nil
		m.setState(StateUnauthorized, nil)
		return service.Wrap(service.ErrAuthRequired, m.name, "refresh", "no refresh token", nil)
	}
	return m.refreshLocked(ctx)
}

// Reset discards the stored token.
func (m *TokenManager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.token = nil
	m.setState(StateUnauthorized, nil)
	return m.persist()
}

func (m *TokenManager) expired(t *oauth2.Token) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return !m.now().Add(expiryLeeway).Before(t.Expiry)
}

func (m *TokenManager) oauthContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func (m *TokenManager) refreshLocked(ctx context.Context) error {
	m.setState(StateRefreshing, nil)

	refreshToken := m.token.RefreshToken
	// an empty access token forces the source to hit the token endpoint
	src := m.oauth.TokenSource(m.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			m.token = nil
			m.setState(StateUnauthorized, nil)
			if perr := m.persist(); perr != nil {
				m.log.Error().Err(perr).Msg("Failed to clear revoked token")
			}
			m.log.Warn().Msg("Refresh token rejected, authorization required on next use")
			return service.Wrap(service.ErrInvalidGrant, m.name, "refresh", "", err)
		}
		wrapped := service.Wrap(service.ErrBackendUnavailable, m.name, "refresh", "", err)
		m.setState(StateError, wrapped)
		return wrapped
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	m.token = tok
	m.setState(StateAuthorized, nil)
	if err := m.persist(); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist refreshed token")
	}
	m.log.Info().Time("expires_at", tok.Expiry).Msg("Token refreshed")
	return nil
}

func (m *TokenManager) authorizeLocked(ctx context.Context) error {
	m.setState(StateAuthorizing, nil)

	state := uuid.NewString()
	listener, err := Listen(m.redirectURI, state)
	if err != nil {
		wrapped := service.Wrap(nil, m.name, "authorize", "loopback listener", err)
		m.setState(StateError, wrapped)
		return wrapped
	}
	defer listener.Close()

	authURL := m.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	m.log.Info().Str("url", authURL).Msg("Waiting for authorization in browser")
	if m.opener != nil {
		if err := m.opener(authURL); err != nil {
			m.log.Warn().Err(err).Msg("Could not open browser, open the URL manually")
		}
	}

	code, err := listener.Wait(ctx, m.listenTimeout)
	if err != nil {
		var wrapped error
		if errors.Is(err, service.ErrAuthorizationTimeout) {
			wrapped = service.Wrap(service.ErrAuthorizationTimeout, m.name, "authorize", m.listenTimeout.String(), nil)
		} else {
			wrapped = service.Wrap(nil, m.name, "authorize", "", err)
		}
		m.setState(StateError, wrapped)
		return wrapped
	}

	tok, err := m.oauth.Exchange(m.oauthContext(ctx), code)
	if err != nil {
		wrapped := service.Wrap(nil, m.name, "authorize", "code exchange", err)
		m.setState(StateError, wrapped)
		return wrapped
	}

	m.token = tok
	m.setState(StateAuthorized, nil)
	if err := m.persist(); err != nil {
		m.log.Error().Err(err).Msg("Failed to persist new token")
	}
	m.log.Info().Msg("Authorization complete")
	return nil
}

func (m *TokenManager) persist() error {
	if m.store == nil {
		return nil
	}
	var bundle config.TokenBundle
	if m.token != nil {
		bundle = config.TokenBundle{
			AccessToken:  m.token.AccessToken,
			RefreshToken: m.token.RefreshToken,
			TokenType:    m.token.TokenType,
			ExpiresAt:    m.token.Expiry,
		}
	}
	return m.store(bundle)
}

// isInvalidGrant recognizes a refresh token the provider no longer accepts.
// Some providers answer a bare 400 without an OAuth error code.
func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode != "" {
		return re.ErrorCode == "invalid_grant"
	}
	if re.Response == nil {
		return false
	}
	return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
}

func copyToken(t *oauth2.Token) *oauth2.Token {
	c := *t
	return &c
}
