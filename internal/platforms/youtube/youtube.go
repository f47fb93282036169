// Package youtube drives the persistent live broadcast of a YouTube channel
// through the YouTube Data API.
package youtube

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/bryanchriswhite/streammanager/internal/category"
	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"
)

const (
	Name = "Youtube"

	regionCode = "US"
	// the whole taxonomy is cached under this key
	taxonomyKey = ""
)

var quotaReasons = map[string]bool{
	"quotaExceeded":      true,
	"dailyLimitExceeded": true,
	"rateLimitExceeded":  true,
}

// Defaults is the initial settings record for YouTube.
func Defaults() config.ServiceConfig {
	return config.ServiceConfig{
		Scope:                "https://www.googleapis.com/auth/youtube https://www.googleapis.com/auth/youtube.force-ssl",
		AuthorizationBaseURL: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:             "https://oauth2.googleapis.com/token",
		RedirectURI:          "http://localhost:60775/",
	}
}

// Plugin registers YouTube.
func Plugin() service.Plugin {
	return service.Plugin{Defaults: Defaults(), New: New}
}

type Service struct {
	api       *yt.Service
	resolver  *category.Resolver
	persist   func(func(*config.ServiceConfig)) error
	channelID string
	now       func() time.Time
	log       *zerolog.Logger
}

// New authorizes against Google and builds the API client on top of the
// shared authenticated transport.
func New(ctx context.Context, deps service.Deps) (service.Service, error) {
	log := deps.Log
	if log == nil {
		log = logger.WithService("youtube", Name)
	}
	if _, err := deps.Tokens.Token(ctx); err != nil {
		return nil, err
	}

	client := service.NewClient(service.ClientOptions{
		Name:       Name,
		Tokens:     deps.Tokens,
		HTTPClient: deps.HTTPClient,
		Log:        log,
	})
	opts := []option.ClientOption{option.WithHTTPClient(client.HTTPClient())}
	if deps.Config.APIBase != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimRight(deps.Config.APIBase, "/")+"/"))
	}
	api, err := yt.NewService(ctx, opts...)
	if err != nil {
		return nil, service.Wrap(nil, Name, "new client", "", err)
	}

	s := &Service{
		api:       api,
		persist:   deps.Persist,
		channelID: deps.Config.ChannelID,
		now:       time.Now,
		log:       log,
	}
	s.resolver = category.NewResolver(s.fetchCategories, s.lookupCategory, category.DefaultCacheSize, category.DefaultCacheTTL)
	return s, nil
}

func (s *Service) Name() string { return Name }

func (s *Service) Features() service.Features {
	return service.Features{Title: true, Category: true, Description: true}
}

// broadcast returns the persistent broadcast and remembers its id.
func (s *Service) broadcast(ctx context.Context) (*yt.LiveBroadcast, error) {
	resp, err := s.api.LiveBroadcasts.List([]string{"snippet"}).
		BroadcastType("persistent").
		Mine(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, s.classify("list broadcasts", err)
	}
	if len(resp.Items) == 0 {
		return nil, service.Wrap(nil, Name, "list broadcasts", "no persistent broadcast", nil)
	}
	b := resp.Items[0]
	if b.Id != s.channelID {
		s.channelID = b.Id
		if s.persist != nil {
			if err := s.persist(func(c *config.ServiceConfig) { c.ChannelID = b.Id }); err != nil {
				s.log.Warn().Err(err).Msg("Failed to cache broadcast id")
			}
		}
	}
	return b, nil
}

func (s *Service) video(ctx context.Context, id string) (*yt.Video, error) {
	resp, err := s.api.Videos.List([]string{"snippet", "liveStreamingDetails"}).
		Id(id).
		Context(ctx).
		Do()
	if err != nil {
		return nil, s.classify("get video", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].Snippet == nil {
		return nil, service.Wrap(nil, Name, "get video", "broadcast video not found", nil)
	}
	return resp.Items[0], nil
}

func (s *Service) ChannelInfo(ctx context.Context) (*service.ChannelInfo, error) {
	b, err := s.broadcast(ctx)
	if err != nil {
		return nil, err
	}
	v, err := s.video(ctx, b.Id)
	if err != nil {
		return nil, err
	}

	info := &service.ChannelInfo{
		Online:      v.Snippet.LiveBroadcastContent == "live",
		Title:       v.Snippet.Title,
		Name:        v.Snippet.ChannelTitle,
		Description: v.Snippet.Description,
	}
	if info.Online && v.LiveStreamingDetails != nil {
		info.Viewers = int(v.LiveStreamingDetails.ConcurrentViewers)
	}
	if name, err := s.categoryName(ctx, v.Snippet.CategoryId); err == nil {
		info.Category = name
	}
	return info, nil
}

func (s *Service) categoryName(ctx context.Context, id string) (string, error) {
	all, err := s.resolver.Query(ctx, taxonomyKey)
	if err != nil {
		return "", err
	}
	for name, cid := range all {
		if cid == id {
			return name, nil
		}
	}
	return "", nil
}

// UpdateChannel rewrites the broadcast snippet. The API requires both title
// and category, so missing values keep the current ones.
func (s *Service) UpdateChannel(ctx context.Context, md service.Metadata) error {
	b, err := s.broadcast(ctx)
	if err != nil {
		return err
	}
	current, err := s.video(ctx, b.Id)
	if err != nil {
		return err
	}

	snippet := &yt.VideoSnippet{
		Title:       current.Snippet.Title,
		Description: current.Snippet.Description,
		CategoryId:  current.Snippet.CategoryId,
	}
	if md.Title != "" {
		snippet.Title = md.Title
	}
	if md.Description != "" {
		snippet.Description = md.Description
	}
	if md.Category != "" {
		id, found, err := s.resolver.Resolve(ctx, md.Category)
		if err != nil {
			return err
		}
		if found {
			snippet.CategoryId = id
		} else {
			s.log.Warn().Str("category", md.Category).Msg("Category unknown to YouTube, not changed")
		}
	}

	_, err = s.api.Videos.Update([]string{"snippet"}, &yt.Video{Id: b.Id, Snippet: snippet}).
		Context(ctx).
		Do()
	if err != nil {
		return s.classify("update video", err)
	}
	s.log.Info().Str("title", snippet.Title).Str("category_id", snippet.CategoryId).Msg("Broadcast updated")
	return nil
}

// QueryCategory filters the fixed taxonomy by a case-insensitive substring.
func (s *Service) QueryCategory(ctx context.Context, text string) (map[string]string, error) {
	all, err := s.resolver.Query(ctx, taxonomyKey)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return all, nil
	}
	out := map[string]string{}
	for name, id := range all {
		if strings.Contains(strings.ToLower(name), needle) {
			out[name] = id
		}
	}
	return out, nil
}

func (s *Service) ValidateCategory(ctx context.Context, name string) (bool, error) {
	return s.resolver.Validate(ctx, name)
}

func (s *Service) fetchCategories(ctx context.Context, _ string) (map[string]string, error) {
	resp, err := s.api.VideoCategories.List([]string{"snippet"}).
		RegionCode(regionCode).
		Context(ctx).
		Do()
	if err != nil {
		return nil, s.classify("list categories", err)
	}
	out := make(map[string]string, len(resp.Items))
	for _, c := range resp.Items {
		if c.Snippet == nil || !c.Snippet.Assignable {
			continue
		}
		out[c.Snippet.Title] = c.Id
	}
	return out, nil
}

func (s *Service) lookupCategory(ctx context.Context, name string) (string, bool, error) {
	all, err := s.resolver.Query(ctx, taxonomyKey)
	if err != nil {
		return "", false, err
	}
	id, ok := all[name]
	return id, ok, nil
}

func (s *Service) CreateClip(context.Context) (string, error) {
	return "", service.Wrap(service.ErrNotSupported, Name, "create clip", "", nil)
}

func (s *Service) CreateMarker(context.Context) (string, error) {
	return "", service.Wrap(service.ErrNotSupported, Name, "create marker", "", nil)
}

func (s *Service) classify(op string, err error) error {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		if errors.Is(err, service.ErrAuthRequired) || errors.Is(err, service.ErrInvalidGrant) || errors.Is(err, service.ErrAuthorizationTimeout) {
			return service.Wrap(nil, Name, op, "token", err)
		}
		return service.Wrap(service.ErrBackendUnavailable, Name, op, "", err)
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return service.Wrap(service.ErrAuthRequired, Name, op, gerr.Message, nil)
	case gerr.Code == http.StatusForbidden && isQuota(gerr):
		s.log.Error().Msg("Daily API quota reached, YouTube is unusable until midnight Pacific time")
		return &service.RateLimitError{Backend: Name, Reset: NextQuotaReset(s.now())}
	case gerr.Code == http.StatusTooManyRequests:
		return &service.RateLimitError{Backend: Name, Reset: service.ParseRateLimitReset(gerr.Header, s.now())}
	case gerr.Code >= 500:
		return service.Wrap(service.ErrBackendUnavailable, Name, op, gerr.Message, nil)
	default:
		return &service.StatusError{Backend: Name, StatusCode: gerr.Code, Message: gerr.Message}
	}
}

func isQuota(err *googleapi.Error) bool {
	for _, item := range err.Errors {
		if quotaReasons[item.Reason] {
			return true
		}
	}
	return false
}

// NextQuotaReset is the next midnight in the Pacific time zone, when the
// daily YouTube quota is restored.
func NextQuotaReset(now time.Time) time.Time {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		loc = time.FixedZone("PST", -8*60*60)
	}
	local := now.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

var _ service.Service = (*Service)(nil)
