// Package twitch is the Helix API backend. It supports every feature.
package twitch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/bryanchriswhite/streammanager/internal/category"
	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/rs/zerolog"
)

const (
	Name = "Twitch"

	defaultAPIBase    = "https://api.twitch.tv/helix"
	markerDescription = "Created automatically with StreamManager"
	clipSettle        = 15 * time.Second
	maxTags           = 10
	maxTagLength      = 25
)

// Defaults is the initial settings record for Twitch.
func Defaults() config.ServiceConfig {
	return config.ServiceConfig{
		Scope:                "user:edit:broadcast channel:manage:broadcast clips:edit",
		AuthorizationBaseURL: "https://id.twitch.tv/oauth2/authorize",
		TokenURL:             "https://id.twitch.tv/oauth2/token",
		RedirectURI:          "http://localhost:60779/",
	}
}

// Plugin registers Twitch.
func Plugin() service.Plugin {
	return service.Plugin{Defaults: Defaults(), New: New}
}

// Service talks to the Helix API for one broadcaster.
type Service struct {
	client    *service.Client
	resolver  *category.Resolver
	channelID string
	delay     time.Duration
	settle    time.Duration
	now       func() time.Time
	log       *zerolog.Logger
}

type page[T any] struct {
	Data []T `json:"data"`
}

type user struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

type channel struct {
	BroadcasterID   string   `json:"broadcaster_id"`
	BroadcasterName string   `json:"broadcaster_name"`
	GameID          string   `json:"game_id"`
	GameName        string   `json:"game_name"`
	Title           string   `json:"title"`
	Tags            []string `json:"tags"`
}

type stream struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	ViewerCount int    `json:"viewer_count"`
}

type game struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type clip struct {
	ID      string `json:"id"`
	EditURL string `json:"edit_url"`
	URL     string `json:"url"`
}

type marker struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

// New authorizes against Twitch and resolves the broadcaster id when it is
// not cached yet.
func New(ctx context.Context, deps service.Deps) (service.Service, error) {
	s := newService(deps)

	if _, err := deps.Tokens.Token(ctx); err != nil {
		return nil, err
	}

	if s.channelID == "" {
		var users page[user]
		if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/users"}, &users); err != nil {
			return nil, err
		}
		if len(users.Data) == 0 {
			return nil, service.Wrap(nil, Name, "users", "no user for token", nil)
		}
		s.channelID = users.Data[0].ID
		if deps.Persist != nil {
			display := users.Data[0].DisplayName
			if err := deps.Persist(func(c *config.ServiceConfig) {
				c.ChannelID = s.channelID
				c.Name = display
			}); err != nil {
				s.log.Warn().Err(err).Msg("Failed to cache channel id")
			}
		}
		s.log.Info().Str("channel_id", s.channelID).Msg("Broadcaster resolved")
	}
	return s, nil
}

func newService(deps service.Deps) *Service {
	log := deps.Log
	if log == nil {
		log = logger.WithService("twitch", Name)
	}
	base := deps.Config.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	clientID := deps.Config.ClientID

	s := &Service{
		channelID: deps.Config.ChannelID,
		delay:     deps.Config.DelayDuration(),
		settle:    clipSettle,
		now:       time.Now,
		log:       log,
	}
	s.client = service.NewClient(service.ClientOptions{
		Name:       Name,
		BaseURL:    base,
		Tokens:     deps.Tokens,
		HTTPClient: deps.HTTPClient,
		Decorate: func(h http.Header) {
			h.Set("Client-Id", clientID)
		},
		Log: log,
	})
	s.resolver = category.NewResolver(s.searchCategories, s.lookupGame, category.DefaultCacheSize, category.DefaultCacheTTL)
	return s
}

func (s *Service) Name() string { return Name }

func (s *Service) Features() service.Features {
	return service.Features{Title: true, Category: true, Tags: true, Clips: true, Markers: true}
}

func (s *Service) broadcaster() url.Values {
	return url.Values{"broadcaster_id": {s.channelID}}
}

func (s *Service) ChannelInfo(ctx context.Context) (*service.ChannelInfo, error) {
	var channels page[channel]
	if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/channels", Query: s.broadcaster()}, &channels); err != nil {
		return nil, err
	}
	if len(channels.Data) == 0 {
		return nil, service.Wrap(nil, Name, "channel info", "channel not found", nil)
	}
	ch := channels.Data[0]

	live, err := s.liveStream(ctx)
	if err != nil {
		return nil, err
	}

	info := &service.ChannelInfo{
		Title:    ch.Title,
		Name:     ch.BroadcasterName,
		Category: ch.GameName,
	}
	if live != nil {
		info.Online = true
		info.Viewers = live.ViewerCount
	}
	return info, nil
}

func (s *Service) liveStream(ctx context.Context) (*stream, error) {
	var streams page[stream]
	q := url.Values{"user_id": {s.channelID}}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/streams", Query: q}, &streams); err != nil {
		return nil, err
	}
	if len(streams.Data) == 0 {
		return nil, nil
	}
	return &streams.Data[0], nil
}

func (s *Service) UpdateChannel(ctx context.Context, md service.Metadata) error {
	body := map[string]any{}
	if md.Title != "" {
		body["title"] = md.Title
	}
	if md.Category != "" {
		id, found, err := s.resolver.Resolve(ctx, md.Category)
		if err != nil {
			return err
		}
		if found {
			body["game_id"] = id
		} else {
			s.log.Warn().Str("category", md.Category).Msg("Category unknown to Twitch, not changed")
		}
	}

	if len(body) > 0 {
		req := service.Request{Method: service.MethodPatch, Path: "/channels", Query: s.broadcaster(), Body: body}
		if err := s.client.Do(ctx, req, nil); err != nil {
			return err
		}
		s.log.Info().Interface("fields", body).Msg("Channel updated")
	}

	if tags := SanitizeTags(md.Tags); len(tags) > 0 {
		req := service.Request{Method: service.MethodPatch, Path: "/channels", Query: s.broadcaster(), Body: map[string]any{"tags": tags}}
		if err := s.client.Do(ctx, req, nil); err != nil {
			return err
		}
		s.log.Info().Strs("tags", tags).Msg("Tags updated")
	}
	return nil
}

func (s *Service) QueryCategory(ctx context.Context, text string) (map[string]string, error) {
	if strings.TrimSpace(text) == "" {
		return map[string]string{}, nil
	}
	return s.resolver.Query(ctx, text)
}

func (s *Service) ValidateCategory(ctx context.Context, name string) (bool, error) {
	return s.resolver.Validate(ctx, name)
}

func (s *Service) searchCategories(ctx context.Context, text string) (map[string]string, error) {
	var games page[game]
	q := url.Values{"query": {text}}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/search/categories", Query: q}, &games); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(games.Data))
	for _, g := range games.Data {
		out[g.Name] = g.ID
	}
	return out, nil
}

func (s *Service) lookupGame(ctx context.Context, name string) (string, bool, error) {
	var games page[game]
	q := url.Values{"name": {name}}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/games", Query: q}, &games); err != nil {
		return "", false, err
	}
	for _, g := range games.Data {
		if g.Name == name {
			return g.ID, true, nil
		}
	}
	return "", false, nil
}

// requireLive returns ErrNotStreaming when the broadcaster is offline.
func (s *Service) requireLive(ctx context.Context, op string) error {
	live, err := s.liveStream(ctx)
	if err != nil {
		return err
	}
	if live == nil {
		return service.Wrap(service.ErrNotStreaming, Name, op, "", nil)
	}
	return nil
}

func (s *Service) CreateClip(ctx context.Context) (string, error) {
	start := s.now()
	if err := s.requireLive(ctx, "create clip"); err != nil {
		return "", err
	}
	if err := service.CaptureWait(ctx, start, s.delay, s.now); err != nil {
		return "", err
	}

	var created page[clip]
	req := service.Request{Method: service.MethodPost, Path: "/clips", Query: s.broadcaster()}
	if err := s.client.Do(ctx, req, &created); err != nil {
		return "", err
	}
	if len(created.Data) == 0 {
		return "", service.Wrap(nil, Name, "create clip", "empty response", nil)
	}
	c := created.Data[0]

	// clips take a while to be processed before they are listed
	if err := service.CaptureWait(ctx, s.now(), s.settle, s.now); err != nil {
		return c.EditURL, err
	}
	var listed page[clip]
	q := url.Values{"id": {c.ID}}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/clips", Query: q}, &listed); err != nil {
		return c.EditURL, err
	}
	if len(listed.Data) == 0 || listed.Data[0].URL == "" {
		s.log.Warn().Str("clip", c.ID).Msg("Clip not published yet, returning edit URL")
		return c.EditURL, nil
	}
	s.log.Info().Str("url", listed.Data[0].URL).Msg("Clip created")
	return listed.Data[0].URL, nil
}

func (s *Service) CreateMarker(ctx context.Context) (string, error) {
	start := s.now()
	if err := s.requireLive(ctx, "create marker"); err != nil {
		return "", err
	}
	if err := service.CaptureWait(ctx, start, s.delay, s.now); err != nil {
		return "", err
	}

	var created page[marker]
	body := map[string]string{"user_id": s.channelID, "description": markerDescription}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodPost, Path: "/streams/markers", Body: body}, &created); err != nil {
		return "", err
	}
	if len(created.Data) == 0 {
		return "", service.Wrap(nil, Name, "create marker", "empty response", nil)
	}
	m := created.Data[0]
	s.log.Info().Str("marker", m.ID).Str("created_at", m.CreatedAt).Msg("Marker created")
	return m.ID, nil
}

// SanitizeTags keeps letters and digits only, trims each tag to Twitch's
// length limit, drops duplicates and caps the count.
func SanitizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, tag)
		if runes := []rune(cleaned); len(runes) > maxTagLength {
			cleaned = string(runes[:maxTagLength])
		}
		key := strings.ToLower(cleaned)
		if cleaned == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, cleaned)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

var _ service.Service = (*Service)(nil)

func (s *Service) String() string {
	return fmt.Sprintf("%s(%s)", Name, s.channelID)
}
