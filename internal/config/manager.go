package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/logger"
	"gopkg.in/yaml.v3"
)

var (
	// ErrConfigCorrupt marks a settings file that could not be parsed.
	ErrConfigCorrupt = errors.New("config corrupt")
	// ErrAppExists is returned when adding an application key twice.
	ErrAppExists = errors.New("application already exists")
	// ErrAppNotFound is returned for unknown application keys.
	ErrAppNotFound = errors.New("application not found")
	// ErrServiceNotFound is returned for unknown backend names.
	ErrServiceNotFound = errors.New("service not found")
)

// CorruptError describes a quarantined settings file.
type CorruptError struct {
	Path       string
	MovedTo    string
	ParseError error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("settings file %s could not be parsed (moved to %s): %v", e.Path, e.MovedTo, e.ParseError)
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrConfigCorrupt
}

func (e *CorruptError) Unwrap() error {
	return e.ParseError
}

// Manager owns the settings document. All mutation goes through it.
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex

	corruption error
	lastSaved  []byte

	matcher      *Matcher
	matcherDirty bool
}

// DefaultDir returns ~/.config/streammanager.
func DefaultDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "streammanager"), nil
}

// NewManager loads configFile, or the default settings path when empty.
// A missing file is created with defaults. A malformed file is renamed aside
// and defaults are loaded; Corruption reports it.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		actualConfigPath = filepath.Join(dir, "settings.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath:   actualConfigPath,
		matcherDirty: true,
	}

	log := logger.WithComponent("config")

	if err := m.load(); err != nil {
		switch {
		case os.IsNotExist(err):
			log.Info().Str("path", m.configPath).Msg("Config file not found, creating new config")
			m.config = defaultConfig()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		case errors.Is(err, ErrConfigCorrupt):
			m.corruption = err
			log.Error().Err(err).Msg("Settings file quarantined, loading defaults")
			m.config = defaultConfig()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to write default config: %w", err)
			}
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	log.Info().
		Str("path", m.configPath).
		Int("apps", len(m.config.AppData)).
		Int("services", len(m.config.StreamServices)).
		Msg("Config loaded")

	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg, err := m.decode(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.swapLocked(cfg, data)
	m.mu.Unlock()
	return nil
}

// decode parses data and quarantines the settings file when it is malformed.
func (m *Manager) decode(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		moved, qerr := m.quarantine()
		if qerr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupt config: %w", qerr)
		}
		return nil, &CorruptError{Path: m.configPath, MovedTo: moved, ParseError: err}
	}
	return cfg, nil
}

func (m *Manager) swapLocked(cfg *Config, data []byte) {
	m.config = cfg
	m.lastSaved = data
	m.matcherDirty = true
}

func parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func (m *Manager) quarantine() (string, error) {
	target := fmt.Sprintf("%s.corrupt-%d", m.configPath, time.Now().Unix())
	if err := os.Rename(m.configPath, target); err != nil {
		return "", err
	}
	return target, nil
}

// Corruption returns the *CorruptError recorded at load time, or nil.
func (m *Manager) Corruption() error {
	return m.corruption
}

// Reload re-reads the settings file. A malformed file is quarantined and the
// in-memory settings are kept. The mutex is held from the read to the swap so
// a concurrent save is never lost.
func (m *Manager) Reload() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return false, err
	}
	if bytes.Equal(data, m.lastSaved) {
		return false, nil
	}

	cfg, err := m.decode(data)
	if err != nil {
		if errors.Is(err, ErrConfigCorrupt) {
			// keep running on the last good settings and put them back on disk
			if serr := m.saveLocked(); serr != nil {
				return false, errors.Join(err, serr)
			}
		}
		return false, err
	}
	m.swapLocked(cfg, data)

	logger.WithComponent("config").Info().Str("path", m.configPath).Msg("Config reloaded")
	return true, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.clone()
}

// Save writes the configuration to disk.
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	cfg := m.config
	if cfg == nil {
		cfg = defaultConfig()
	}

	log := logger.WithComponent("config")

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		log.Error().Err(err).Str("config_dir", configDir).Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(configDir, filepath.Base(m.configPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config: %w", err)
	}
	// credentials live in this file
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := os.Rename(tmpName, m.configPath); err != nil {
		os.Remove(tmpName)
		log.Error().Err(err).Str("path", m.configPath).Msg("Failed to write config")
		return fmt.Errorf("failed to replace config: %w", err)
	}

	m.lastSaved = data
	log.Debug().Str("path", m.configPath).Msg("Config saved")
	return nil
}

// Update applies fn to the configuration and saves it.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.config)
	m.config.normalize()
	m.matcherDirty = true
	return m.saveLocked()
}

// GetConfigPath returns the settings file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the directory holding the settings file
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// SetPort sets the remote API port
func (m *Manager) SetPort(port int) error {
	return m.Update(func(c *Config) { c.Base.Port = port })
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	return m.Update(func(c *Config) { c.Base.LogLevel = strings.ToLower(level) })
}

// Base returns a copy of the base section.
func (m *Manager) Base() Base {
	return m.Get().Base
}

// Service returns the record for one backend.
func (m *Manager) Service(name string) (ServiceConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.config.StreamServices[name]
	return svc, ok
}

// EnsureService creates the backend record when missing and fills empty
// endpoint fields from defaults. Credentials and tokens are never overwritten.
func (m *Manager) EnsureService(name string, defaults ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.config.StreamServices[name]
	if !ok {
		svc = defaults
		svc.Authorization = TokenBundle{}
		svc.ChannelID = ""
		svc.Name = ""
	}
	before := svc
	fill := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	fill(&svc.Scope, defaults.Scope)
	fill(&svc.AuthorizationBaseURL, defaults.AuthorizationBaseURL)
	fill(&svc.TokenURL, defaults.TokenURL)
	fill(&svc.RedirectURI, defaults.RedirectURI)
	fill(&svc.ClientID, defaults.ClientID)
	fill(&svc.ClientSecret, defaults.ClientSecret)

	if ok && svc == before {
		return nil
	}
	m.config.StreamServices[name] = svc
	return m.saveLocked()
}

// UpdateService applies fn to one backend record and saves.
func (m *Manager) UpdateService(name string, fn func(*ServiceConfig)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.config.StreamServices[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	fn(&svc)
	m.config.StreamServices[name] = svc
	return m.saveLocked()
}

// SaveToken persists a backend token bundle.
func (m *Manager) SaveToken(name string, token TokenBundle) error {
	return m.UpdateService(name, func(s *ServiceConfig) { s.Authorization = token })
}

// ClearToken resets the stored authorization of one backend.
func (m *Manager) ClearToken(name string) error {
	return m.UpdateService(name, func(s *ServiceConfig) {
		s.Authorization = TokenBundle{}
	})
}

// SetEnabled toggles a backend.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	return m.UpdateService(name, func(s *ServiceConfig) { s.Enabled = enabled })
}

// App returns one application entry.
func (m *Manager) App(key string) (AppEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.config.AppData[key]
	if !ok {
		return AppEntry{}, false
	}
	return app.clone(), true
}

// AddApp registers a new application. Assignations seed the table for the
// entry's category without overwriting names already chosen.
func (m *Manager) AddApp(key string, entry AppEntry, assignations map[string]Assignation) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("application key is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.config.AppData[key]; exists {
		return fmt.Errorf("%w: %s", ErrAppExists, key)
	}

	base := NewAppEntry()
	for k, v := range entry.Path {
		base.Path[k] = v
	}
	base.Category = entry.Category
	base.Title = entry.Title
	base.Description = entry.Description
	base.Command = entry.Command
	if entry.Tags != nil {
		base.Tags = append([]string{}, entry.Tags...)
	}
	m.config.AppData[key] = base

	if base.Category != "" && len(assignations) > 0 {
		table := m.config.Assignations[base.Category]
		if table == nil {
			table = map[string]Assignation{}
			m.config.Assignations[base.Category] = table
		}
		for backend, a := range assignations {
			if _, ok := table[backend]; !ok {
				table[backend] = Assignation{Name: a.Name}
			}
		}
	}

	m.matcherDirty = true
	logger.WithComponent("config").Info().Str("process", key).Msg("Application added")
	return m.saveLocked()
}

// SetApp applies fn to an existing application entry.
func (m *Manager) SetApp(key string, fn func(*AppEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	app, ok := m.config.AppData[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAppNotFound, key)
	}
	fn(&app)
	if app.Path == nil {
		app.Path = map[string]string{}
	}
	if app.Tags == nil {
		app.Tags = []string{}
	}
	m.config.AppData[key] = app
	m.matcherDirty = true
	return m.saveLocked()
}

// RenameApp moves an entry to a new key. Renaming an unknown key registers
// the new key as an empty entry.
func (m *Manager) RenameApp(oldKey, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.config.AppData[newKey]; exists {
		return fmt.Errorf("%w: %s", ErrAppExists, newKey)
	}
	app, ok := m.config.AppData[oldKey]
	if !ok {
		app = NewAppEntry()
	}
	delete(m.config.AppData, oldKey)
	m.config.AppData[newKey] = app
	m.matcherDirty = true
	return m.saveLocked()
}

// RemoveApp deletes an entry. Removing an unknown key is not an error.
func (m *Manager) RemoveApp(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.config.AppData[key]; !ok {
		return nil
	}
	delete(m.config.AppData, key)
	m.matcherDirty = true
	logger.WithComponent("config").Info().Str("process", key).Msg("Application removed")
	return m.saveLocked()
}

// ProcessFromPath returns the application key whose path list for platform
// matches processPath, or "" when nothing matches. An empty platform means
// the running OS.
func (m *Manager) ProcessFromPath(processPath, platform string) string {
	if platform == "" {
		platform = CurrentPlatform()
	}

	m.mu.Lock()
	if m.matcherDirty || m.matcher == nil || m.matcher.platform != platform {
		m.matcher = NewMatcher(m.config.AppData, platform)
		m.matcherDirty = false
	}
	matcher := m.matcher
	m.mu.Unlock()

	return matcher.Match(processPath)
}

// Assignations returns a copy of the assignation table.
func (m *Manager) Assignations() Assignations {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Assignations.Clone()
}

// SetAssignation records the name chosen for category on backend. The
// validity becomes unknown until the pair is validated again.
func (m *Manager) SetAssignation(category, backend, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.config.Assignations[category]
	if table == nil {
		table = map[string]Assignation{}
		m.config.Assignations[category] = table
	}
	table[backend] = Assignation{Name: name}
	return m.saveLocked()
}

// RemoveCategory drops a category from the assignation table.
func (m *Manager) RemoveCategory(category string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.config.Assignations, category)
	return m.saveLocked()
}

// MergeAssignations writes validation results back. Entries whose name was
// edited since the results were computed are left untouched.
func (m *Manager) MergeAssignations(results Assignations) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for category, backends := range results {
		table := m.config.Assignations[category]
		if table == nil {
			table = map[string]Assignation{}
			m.config.Assignations[category] = table
		}
		for backend, result := range backends {
			current, ok := table[backend]
			if ok && current.Name != "" && result.Name != "" && current.Name != result.Name {
				continue
			}
			table[backend] = result
		}
	}
	return m.saveLocked()
}
