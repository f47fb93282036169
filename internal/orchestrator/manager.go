// Package orchestrator holds the active streaming backends and fans
// operations out to them.
package orchestrator

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/auth"
	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultCreateTimeout bounds how long CreateServices waits for factories.
const DefaultCreateTimeout = 5 * time.Second

// Credentials is the per-backend token holder kept across adapter rebuilds.
type Credentials interface {
	service.TokenSource
	Reset() error
	State() auth.State
}

// CredentialsFactory builds the token holder of one backend. store persists
// the bundle into the settings file.
type CredentialsFactory func(name string, cfg config.ServiceConfig, store auth.Store) Credentials

// Option configures a Manager.
type Option func(*Manager)

// WithCreateTimeout overrides DefaultCreateTimeout.
func WithCreateTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.createTimeout = d
		}
	}
}

// WithHTTPClient sets the client handed to adapters.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.httpClient = client }
}

// WithCredentials replaces the OAuth token manager factory.
func WithCredentials(factory CredentialsFactory) Option {
	return func(m *Manager) { m.newCredentials = factory }
}

// WithTokenOptions passes options to every auth.TokenManager created by the
// default credentials factory.
func WithTokenOptions(opts ...auth.Option) Option {
	return func(m *Manager) { m.tokenOptions = append(m.tokenOptions, opts...) }
}

// Manager is the orchestrator. All exported methods are safe for concurrent
// use.
type Manager struct {
	cfg      *config.Manager
	registry service.Registry

	createTimeout  time.Duration
	httpClient     *http.Client
	newCredentials CredentialsFactory
	tokenOptions   []auth.Option

	mu          sync.RWMutex
	services    map[string]service.Service
	credentials map[string]Credentials
	lastApp     string

	listenersMu sync.RWMutex
	listeners   []chan Event

	log *zerolog.Logger
}

// New builds a Manager over the settings store and the backend registry.
func New(cfg *config.Manager, registry service.Registry, opts ...Option) *Manager {
	m := &Manager{
		cfg:           cfg,
		registry:      registry,
		createTimeout: DefaultCreateTimeout,
		services:      map[string]service.Service{},
		credentials:   map[string]Credentials{},
		log:           logger.WithComponent("orchestrator"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = &http.Client{Timeout: cfg.Base().RequestTimeout()}
	}
	if m.newCredentials == nil {
		m.newCredentials = m.defaultCredentials
	}
	return m
}

func (m *Manager) defaultCredentials(name string, sc config.ServiceConfig, store auth.Store) Credentials {
	opts := append([]auth.Option{auth.WithStore(store), auth.WithHTTPClient(m.httpClient)}, m.tokenOptions...)
	return auth.NewTokenManager(name, sc, opts...)
}

// Config returns the settings store.
func (m *Manager) Config() *config.Manager {
	return m.cfg
}

// Registry returns the known backends.
func (m *Manager) Registry() service.Registry {
	return m.registry
}

func (m *Manager) credentialsFor(name string, sc config.ServiceConfig) Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.credentials[name]; ok {
		return c
	}
	c := m.newCredentials(name, sc, func(b config.TokenBundle) error {
		return m.cfg.SaveToken(name, b)
	})
	m.credentials[name] = c
	return c
}

// CreateServices instantiates an adapter for every enabled backend, or every
// backend when force is set. Already active adapters are kept unless force.
// Factories run concurrently; the call returns after all of them finished or
// the create timeout elapsed. Failed adapters are left out of the active set;
// late ones are reported as timed out and activated once their factory
// succeeds. The returned results carry one entry per failure.
func (m *Manager) CreateServices(ctx context.Context, force bool) []Result {
	if force {
		m.mu.Lock()
		m.services = map[string]service.Service{}
		m.mu.Unlock()
	}

	type pending struct {
		name   string
		plugin service.Plugin
		config config.ServiceConfig
	}
	var todo []pending
	for _, name := range m.registry.Names() {
		plugin := m.registry[name]
		if err := m.cfg.EnsureService(name, plugin.Defaults); err != nil {
			m.log.Error().Err(err).Str("service", name).Msg("Failed to write backend defaults")
		}
		sc, _ := m.cfg.Service(name)
		if !force && !sc.Enabled {
			continue
		}
		if _, active := m.Service(name); active {
			continue
		}
		todo = append(todo, pending{name: name, plugin: plugin, config: sc})
	}
	if len(todo) == 0 {
		return nil
	}

	var (
		mu      sync.Mutex
		closed  bool
		created = map[string]service.Service{}
		results []Result
	)

	g := new(errgroup.Group)
	g.SetLimit(len(m.registry))
	for _, p := range todo {
		g.Go(func() error {
			deps := service.Deps{
				Name:       p.name,
				Config:     p.config,
				Tokens:     m.credentialsFor(p.name, p.config),
				HTTPClient: m.httpClient,
				Persist: func(fn func(*config.ServiceConfig)) error {
					return m.cfg.UpdateService(p.name, fn)
				},
			}
			svc, err := p.plugin.New(ctx, deps)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case closed && err != nil:
				m.log.Warn().Str("service", p.name).Err(err).Msg("Backend failed after the create timeout")
			case closed:
				m.activateLate(p.name, svc)
			case err != nil:
				m.log.Error().Err(err).Str("service", p.name).Msg("Failed to create backend")
				results = append(results, newResult(p.name, err))
			default:
				created[p.name] = svc
				m.log.Info().Str("service", p.name).Msg("Created backend")
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.createTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.log.Warn().Dur("timeout", m.createTimeout).Msg("Backend creation timed out")
	case <-ctx.Done():
	}

	mu.Lock()
	closed = true
	for _, p := range todo {
		if _, ok := created[p.name]; ok {
			continue
		}
		if !hasResult(results, p.name) {
			results = append(results, newResult(p.name, service.Wrap(service.ErrBackendUnavailable, p.name, "create", "timed out", nil)))
		}
	}
	mu.Unlock()

	m.mu.Lock()
	for name, svc := range created {
		m.services[name] = svc
	}
	m.mu.Unlock()

	sortResults(results)
	m.publish(Event{Type: EventBackends, Results: results})
	return results
}

// activateLate adds an adapter whose factory outlived the create timeout,
// typically one waiting on a first browser authorization.
func (m *Manager) activateLate(name string, svc service.Service) {
	m.mu.Lock()
	if _, ok := m.services[name]; ok {
		m.mu.Unlock()
		m.log.Debug().Str("service", name).Msg("Late backend already active, dropped")
		return
	}
	m.services[name] = svc
	m.mu.Unlock()

	m.log.Info().Str("service", name).Msg("Created backend after the create timeout")
	m.publish(Event{Type: EventBackends, Results: []Result{{Backend: name}}})
}

// Service returns one active adapter.
func (m *Manager) Service(name string) (service.Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// Services returns the active adapters ordered by name.
func (m *Manager) Services() []service.Service {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]service.Service, 0, len(m.services))
	for _, svc := range m.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Deactivate removes a backend from the active set. Its settings, tokens
// included, are kept.
func (m *Manager) Deactivate(name string) {
	m.mu.Lock()
	_, ok := m.services[name]
	delete(m.services, name)
	m.mu.Unlock()
	if ok {
		m.log.Info().Str("service", name).Msg("Backend deactivated")
		m.publish(Event{Type: EventBackends})
	}
}

// ResetAuth deactivates a backend and forgets its token so the next
// creation authorizes interactively.
func (m *Manager) ResetAuth(name string) error {
	m.Deactivate(name)

	m.mu.Lock()
	creds, ok := m.credentials[name]
	delete(m.credentials, name)
	m.mu.Unlock()

	if ok {
		return creds.Reset()
	}
	return m.cfg.ClearToken(name)
}

// AuthState reports the token state of a backend, StateUnauthorized when no
// token manager exists yet.
func (m *Manager) AuthState(name string) auth.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.credentials[name]; ok {
		return c.State()
	}
	return auth.StateUnauthorized
}

// LastApp is the application key of the last dispatched update.
func (m *Manager) LastApp() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastApp
}

func hasResult(results []Result, name string) bool {
	for _, r := range results {
		if r.Backend == name {
			return true
		}
	}
	return false
}
