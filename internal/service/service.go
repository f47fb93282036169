// Package service defines the contract every streaming backend implements,
// the authenticated request primitive they share, and their error taxonomy.
package service

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Feature is one capability a backend may support.
type Feature string

const (
	FeatureTitle       Feature = "title"
	FeatureCategory    Feature = "category"
	FeatureDescription Feature = "description"
	FeatureTags        Feature = "tags"
	FeatureClips       Feature = "clips"
	FeatureMarkers     Feature = "markers"
)

// AllFeatures lists features in display order.
var AllFeatures = []Feature{FeatureTitle, FeatureCategory, FeatureDescription, FeatureTags, FeatureClips, FeatureMarkers}

// Features is the static capability set of a backend.
type Features struct {
	Title       bool `json:"title"`
	Category    bool `json:"category"`
	Description bool `json:"description"`
	Tags        bool `json:"tags"`
	Clips       bool `json:"clips"`
	Markers     bool `json:"markers"`
}

// Has reports whether f is supported.
func (f Features) Has(feature Feature) bool {
	switch feature {
	case FeatureTitle:
		return f.Title
	case FeatureCategory:
		return f.Category
	case FeatureDescription:
		return f.Description
	case FeatureTags:
		return f.Tags
	case FeatureClips:
		return f.Clips
	case FeatureMarkers:
		return f.Markers
	}
	return false
}

// String lists supported features, comma separated.
func (f Features) String() string {
	var names []string
	for _, feature := range AllFeatures {
		if f.Has(feature) {
			names = append(names, string(feature))
		}
	}
	return strings.Join(names, ",")
}

// Metadata is the resolved channel metadata for the focused application.
type Metadata struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	// CustomText replaces %CUSTOMTEXT% in the other fields
	CustomText string `json:"custom_text,omitempty"`
}

// ChannelInfo is the live state of a channel.
type ChannelInfo struct {
	Online      bool   `json:"online"`
	Title       string `json:"title"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	Viewers     int    `json:"viewers"`
}

// Service is a streaming backend adapter.
type Service interface {
	Name() string
	Features() Features

	ChannelInfo(ctx context.Context) (*ChannelInfo, error)
	// UpdateChannel pushes the supported, non-empty fields of md.
	UpdateChannel(ctx context.Context, md Metadata) error
	// QueryCategory returns candidate category names mapped to native ids.
	QueryCategory(ctx context.Context, text string) (map[string]string, error)
	// ValidateCategory reports an exact taxonomy match. A non-nil error means
	// the answer is unknown.
	ValidateCategory(ctx context.Context, name string) (bool, error)

	CreateClip(ctx context.Context) (string, error)
	CreateMarker(ctx context.Context) (string, error)
}

// TokenSource hands out access tokens and refreshes them on demand.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	ForceRefresh(ctx context.Context) error
}

// Deps is what a factory receives to build an adapter.
type Deps struct {
	Name       string
	Config     config.ServiceConfig
	Tokens     TokenSource
	HTTPClient *http.Client
	// Persist updates this backend's record in the settings file
	Persist func(func(*config.ServiceConfig)) error
	Log     *zerolog.Logger
}

// Factory builds an adapter. It may block on interactive authorization.
type Factory func(ctx context.Context, deps Deps) (Service, error)

// Plugin is one registry entry.
type Plugin struct {
	Defaults config.ServiceConfig
	New      Factory
}

// Registry maps backend names to plugins.
type Registry map[string]Plugin

// Names returns backend names in sorted order.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup finds a plugin by name, ignoring case and surrounding space.
func (r Registry) Lookup(name string) (string, Plugin, bool) {
	want := strings.ToLower(strings.TrimSpace(name))
	for key, plugin := range r {
		if strings.ToLower(key) == want {
			return key, plugin, true
		}
	}
	return "", Plugin{}, false
}

// CaptureWait blocks until delay has passed since start. It never sleeps a
// negative amount and returns early with ctx's error.
func CaptureWait(ctx context.Context, start time.Time, delay time.Duration, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	remaining := delay - now().Sub(start)
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
