// Package facebook updates the current live video of a Facebook profile
// through the Graph API.
package facebook

import (
	"context"
	"net/url"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/rs/zerolog"
)

const (
	Name = "Facebook"

	defaultAPIBase = "https://graph.facebook.com/v5.0"
)

func Defaults() config.ServiceConfig {
	return config.ServiceConfig{
		Scope:                "user_videos publish_video",
		AuthorizationBaseURL: "https://www.facebook.com/dialog/oauth",
		TokenURL:             "https://graph.facebook.com/oauth/access_token",
		RedirectURI:          "http://localhost:60776/",
	}
}

func Plugin() service.Plugin {
	return service.Plugin{Defaults: Defaults(), New: New}
}

type Service struct {
	client    *service.Client
	channelID string
	log       *zerolog.Logger
}

type liveVideo struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Title       string `json:"title"`
	Description string `json:"description"`
	LiveViews   int    `json:"live_views"`
}

func New(ctx context.Context, deps service.Deps) (service.Service, error) {
	log := deps.Log
	if log == nil {
		log = logger.WithService("facebook", Name)
	}
	base := deps.Config.APIBase
	if base == "" {
		base = defaultAPIBase
	}

	s := &Service{
		client: service.NewClient(service.ClientOptions{
			Name:       Name,
			BaseURL:    base,
			Tokens:     deps.Tokens,
			HTTPClient: deps.HTTPClient,
			Log:        log,
		}),
		channelID: deps.Config.ChannelID,
		log:       log,
	}

	if _, err := deps.Tokens.Token(ctx); err != nil {
		return nil, err
	}
	if s.channelID != "" {
		return s, nil
	}

	var me struct {
		ID string `json:"id"`
	}
	q := url.Values{"fields": {"id"}}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/me", Query: q}, &me); err != nil {
		return nil, err
	}
	if me.ID == "" {
		return nil, service.Wrap(nil, Name, "me", "no profile id", nil)
	}
	s.channelID = me.ID
	if deps.Persist != nil {
		if err := deps.Persist(func(c *config.ServiceConfig) { c.ChannelID = me.ID }); err != nil {
			log.Warn().Err(err).Msg("Failed to cache profile id")
		}
	}
	return s, nil
}

func (s *Service) Name() string { return Name }

func (s *Service) Features() service.Features {
	return service.Features{Title: true, Description: true}
}

// currentVideo returns the most recent live video of the profile.
func (s *Service) currentVideo(ctx context.Context) (*liveVideo, error) {
	var page struct {
		Data []liveVideo `json:"data"`
	}
	q := url.Values{"fields": {"id,status,title,description,live_views"}}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodGet, Path: "/" + s.channelID + "/live_videos", Query: q}, &page); err != nil {
		return nil, err
	}
	if len(page.Data) == 0 {
		return nil, service.Wrap(service.ErrNotStreaming, Name, "live videos", "no live video", nil)
	}
	return &page.Data[0], nil
}

func (s *Service) ChannelInfo(ctx context.Context) (*service.ChannelInfo, error) {
	v, err := s.currentVideo(ctx)
	if err != nil {
		return nil, err
	}
	info := &service.ChannelInfo{
		Online:      v.Status == "LIVE",
		Title:       v.Title,
		Description: v.Description,
	}
	if info.Online {
		info.Viewers = v.LiveViews
	}
	return info, nil
}

func (s *Service) UpdateChannel(ctx context.Context, md service.Metadata) error {
	form := url.Values{}
	if md.Title != "" {
		form.Set("title", md.Title)
	}
	if md.Description != "" {
		form.Set("description", md.Description)
	}
	if len(form) == 0 {
		return nil
	}

	v, err := s.currentVideo(ctx)
	if err != nil {
		return err
	}
	if err := s.client.Do(ctx, service.Request{Method: service.MethodPost, Path: "/" + v.ID, Form: form}, nil); err != nil {
		return err
	}
	s.log.Info().Str("video", v.ID).Msg("Live video updated")
	return nil
}

func (s *Service) QueryCategory(context.Context, string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *Service) ValidateCategory(context.Context, string) (bool, error) {
	return false, service.Wrap(service.ErrNotSupported, Name, "validate category", "", nil)
}

func (s *Service) CreateClip(context.Context) (string, error) {
	return "", service.Wrap(service.ErrNotSupported, Name, "create clip", "", nil)
}

func (s *Service) CreateMarker(context.Context) (string, error) {
	return "", service.Wrap(service.ErrNotSupported, Name, "create marker", "", nil)
}
