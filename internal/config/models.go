package config

import (
	"runtime"
	"time"
)

// Platform keys used in AppEntry path lists
const (
	PlatformLinux   = "linux"
	PlatformDarwin  = "darwin"
	PlatformWindows = "windows"
)

// CurrentPlatform returns the path list key for the running OS.
func CurrentPlatform() string {
	return runtime.GOOS
}

// Config is the persisted settings document.
type Config struct {
	Base           Base                     `json:"base" yaml:"base"`
	StreamServices map[string]ServiceConfig `json:"streamservices" yaml:"streamservices"`
	AppData        map[string]AppEntry      `json:"appdata" yaml:"appdata"`
	Assignations   Assignations             `json:"assignations" yaml:"assignations"`
}

// Base holds the fallback metadata, forced flags and global intervals.
type Base struct {
	Title             string   `json:"title" yaml:"title"`
	Description       string   `json:"description" yaml:"description"`
	Category          string   `json:"category" yaml:"category"`
	Tags              []string `json:"tags" yaml:"tags"`
	ForcedTitle       bool     `json:"forced_title" yaml:"forced_title"`
	ForcedDescription bool     `json:"forced_description" yaml:"forced_description"`
	ForcedCategory    bool     `json:"forced_category" yaml:"forced_category"`
	ForcedTags        bool     `json:"forced_tags" yaml:"forced_tags"`

	// Intervals, in seconds
	CheckTimer int `json:"checktimer" yaml:"checktimer"`
	Reload     int `json:"reload" yaml:"reload"`
	Timeout    int `json:"timeout" yaml:"timeout"`

	Port     int      `json:"port" yaml:"port"`
	LogLevel string   `json:"log_level" yaml:"log_level"`
	Services []string `json:"services" yaml:"services"`
	// Processes are suspended while a session is monitored
	Processes []string `json:"processes" yaml:"processes"`
}

// CheckInterval is the focus poll interval.
func (b Base) CheckInterval() time.Duration {
	return seconds(b.CheckTimer, 60)
}

// ReloadInterval is the debounce applied to external settings edits.
func (b Base) ReloadInterval() time.Duration {
	return seconds(b.Reload, 5)
}

// RequestTimeout bounds HTTP requests and dispatch batches.
func (b Base) RequestTimeout() time.Duration {
	return seconds(b.Timeout, 10)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}

// AppEntry is one monitored application.
type AppEntry struct {
	// Path maps a platform key to a comma separated list of path fragments
	Path        map[string]string `json:"path" yaml:"path"`
	Category    string            `json:"category" yaml:"category"`
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description" yaml:"description"`
	Tags        []string          `json:"tags" yaml:"tags"`
	Command     string            `json:"command,omitempty" yaml:"command,omitempty"`
}

// TokenBundle is the persisted OAuth2 state of one backend.
type TokenBundle struct {
	AccessToken  string    `json:"access_token" yaml:"access_token"`
	RefreshToken string    `json:"refresh_token" yaml:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty" yaml:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// IsZero reports whether no credentials are stored.
func (t TokenBundle) IsZero() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

// ServiceConfig is the per-backend record in streamservices.
type ServiceConfig struct {
	Enabled              bool        `json:"enabled" yaml:"enabled"`
	Delay                int         `json:"delay" yaml:"delay"`
	ClientID             string      `json:"client_id" yaml:"client_id"`
	ClientSecret         string      `json:"client_secret" yaml:"client_secret"`
	Scope                string      `json:"scope" yaml:"scope"`
	AuthorizationBaseURL string      `json:"authorization_base_url" yaml:"authorization_base_url"`
	TokenURL             string      `json:"token_url" yaml:"token_url"`
	RedirectURI          string      `json:"redirect_uri" yaml:"redirect_uri"`
	APIBase              string      `json:"api_base,omitempty" yaml:"api_base,omitempty"`
	Authorization        TokenBundle `json:"authorization" yaml:"authorization"`
	ChannelID            string      `json:"channel_id" yaml:"channel_id"`
	Name                 string      `json:"name" yaml:"name"`
}

// DelayDuration is the configured clip/marker delay.
func (s ServiceConfig) DelayDuration() time.Duration {
	if s.Delay <= 0 {
		return 0
	}
	return time.Duration(s.Delay) * time.Second
}

// Assignation is the backend specific name chosen for a category.
// Valid is nil until a validation pass has run since the last edit of Name.
type Assignation struct {
	Name  string `json:"name" yaml:"name"`
	Valid *bool  `json:"valid" yaml:"valid"`
}

// IsValid reports a positive validation result.
func (a Assignation) IsValid() bool {
	return a.Valid != nil && *a.Valid
}

// Known reports whether a validation result is recorded.
func (a Assignation) Known() bool {
	return a.Valid != nil
}

// Assignations maps category -> backend -> assignation.
type Assignations map[string]map[string]Assignation

// Clone returns a deep copy.
func (a Assignations) Clone() Assignations {
	out := make(Assignations, len(a))
	for category, backends := range a {
		inner := make(map[string]Assignation, len(backends))
		for name, entry := range backends {
			if entry.Valid != nil {
				v := *entry.Valid
				entry.Valid = &v
			}
			inner[name] = entry
		}
		out[category] = inner
	}
	return out
}

// Bool returns a pointer to v, for Assignation.Valid.
func Bool(v bool) *bool {
	return &v
}

func defaultConfig() *Config {
	return &Config{
		Base: Base{
			Tags:       []string{},
			CheckTimer: 60,
			Reload:     5,
			Timeout:    10,
			Port:       8080,
			LogLevel:   "info",
			Services:   []string{},
			Processes:  []string{},
		},
		StreamServices: map[string]ServiceConfig{},
		AppData:        map[string]AppEntry{},
		Assignations:   Assignations{},
	}
}

// NewAppEntry returns an empty entry with every platform key present.
func NewAppEntry() AppEntry {
	return AppEntry{
		Path: map[string]string{
			PlatformLinux:   "",
			PlatformDarwin:  "",
			PlatformWindows: "",
		},
		Tags: []string{},
	}
}

func (c *Config) normalize() {
	if c.StreamServices == nil {
		c.StreamServices = map[string]ServiceConfig{}
	}
	if c.AppData == nil {
		c.AppData = map[string]AppEntry{}
	}
	if c.Assignations == nil {
		c.Assignations = Assignations{}
	}
	if c.Base.Tags == nil {
		c.Base.Tags = []string{}
	}
	if c.Base.Services == nil {
		c.Base.Services = []string{}
	}
	if c.Base.Processes == nil {
		c.Base.Processes = []string{}
	}
	if c.Base.CheckTimer <= 0 {
		c.Base.CheckTimer = 60
	}
	if c.Base.Reload <= 0 {
		c.Base.Reload = 5
	}
	if c.Base.Timeout <= 0 {
		c.Base.Timeout = 10
	}
	if c.Base.Port <= 0 {
		c.Base.Port = 8080
	}
	for key, app := range c.AppData {
		if app.Path == nil {
			app.Path = map[string]string{}
		}
		if app.Tags == nil {
			app.Tags = []string{}
		}
		c.AppData[key] = app
	}
}

func (c *Config) clone() *Config {
	out := *c
	out.Base.Tags = append([]string{}, c.Base.Tags...)
	out.Base.Services = append([]string{}, c.Base.Services...)
	out.Base.Processes = append([]string{}, c.Base.Processes...)

	out.StreamServices = make(map[string]ServiceConfig, len(c.StreamServices))
	for name, svc := range c.StreamServices {
		out.StreamServices[name] = svc
	}

	out.AppData = make(map[string]AppEntry, len(c.AppData))
	for key, app := range c.AppData {
		out.AppData[key] = app.clone()
	}

	out.Assignations = c.Assignations.Clone()
	return &out
}

func (a AppEntry) clone() AppEntry {
	out := a
	out.Tags = append([]string{}, a.Tags...)
	out.Path = make(map[string]string, len(a.Path))
	for k, v := range a.Path {
		out.Path[k] = v
	}
	return out
}
