package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"golang.org/x/oauth2"
)

type staticTokens struct{}

func (staticTokens) Token(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "test-token", TokenType: "Bearer"}, nil
}
func (staticTokens) ForceRefresh(context.Context) error { return nil }

type helix struct {
	*httptest.Server
	mu      sync.Mutex
	live    bool
	patches []map[string]any
	markers []map[string]string
	games   int
}

func newHelix(t *testing.T) *helix {
	t.Helper()
	h := &helix{}
	mux := http.NewServeMux()
	reply := func(w http.ResponseWriter, data any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token" || r.Header.Get("Client-Id") != "cid" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("/users", auth(func(w http.ResponseWriter, r *http.Request) {
		reply(w, []map[string]string{{"id": "42", "login": "caster", "display_name": "Caster"}})
	}))
	mux.HandleFunc("/channels", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("broadcaster_id") != "42" {
			reply(w, []any{})
			return
		}
		if r.Method == http.MethodPatch {
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			h.mu.Lock()
			h.patches = append(h.patches, body)
			h.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
			return
		}
		reply(w, []map[string]string{{"broadcaster_id": "42", "broadcaster_name": "Caster", "game_name": "Chess", "title": "hello"}})
	}))
	mux.HandleFunc("/streams", auth(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		live := h.live
		h.mu.Unlock()
		if !live {
			reply(w, []any{})
			return
		}
		reply(w, []map[string]any{{"id": "s1", "type": "live", "viewer_count": 17}})
	}))
	mux.HandleFunc("/games", auth(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.games++
		h.mu.Unlock()
		if r.URL.Query().Get("name") == "Chess" {
			reply(w, []map[string]string{{"id": "743", "name": "Chess"}})
			return
		}
		reply(w, []any{})
	}))
	mux.HandleFunc("/search/categories", auth(func(w http.ResponseWriter, r *http.Request) {
		reply(w, []map[string]string{{"id": "743", "name": "Chess"}, {"id": "744", "name": "Chess Ultra"}})
	}))
	mux.HandleFunc("/clips", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			reply(w, []map[string]string{{"id": "clip1", "edit_url": "https://clips.twitch.tv/clip1/edit"}})
			return
		}
		reply(w, []map[string]string{{"id": "clip1", "url": "https://clips.twitch.tv/clip1"}})
	}))
	mux.HandleFunc("/streams/markers", auth(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		h.mu.Lock()
		h.markers = append(h.markers, body)
		h.mu.Unlock()
		reply(w, []map[string]string{{"id": "m1", "created_at": "2026-01-01T00:00:00Z"}})
	}))

	h.Server = httptest.NewServer(mux)
	t.Cleanup(h.Close)
	return h
}

func (h *helix) setLive(live bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = live
}

func (h *helix) recorded() (patches []map[string]any, markers []map[string]string, games int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append(patches, h.patches...), append(markers, h.markers...), h.games
}

func newTestService(t *testing.T, h *helix, cfg config.ServiceConfig) (*Service, *config.ServiceConfig) {
	t.Helper()
	cfg.APIBase = h.URL
	cfg.ClientID = "cid"
	persisted := cfg
	svc, err := New(context.Background(), service.Deps{
		Name:       Name,
		Config:     cfg,
		Tokens:     staticTokens{},
		HTTPClient: h.Client(),
		Persist: func(fn func(*config.ServiceConfig)) error {
			fn(&persisted)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := svc.(*Service)
	s.settle = 0
	return s, &persisted
}

func TestNewResolvesAndPersistsChannel(t *testing.T) {
	h := newHelix(t)
	s, persisted := newTestService(t, h, config.ServiceConfig{})
	if s.channelID != "42" {
		t.Fatalf("channel id = %q", s.channelID)
	}
	if persisted.ChannelID != "42" || persisted.Name != "Caster" {
		t.Fatalf("not persisted: %+v", persisted)
	}
}

func TestChannelInfo(t *testing.T) {
	h := newHelix(t)
	s, _ := newTestService(t, h, config.ServiceConfig{ChannelID: "42"})

	info, err := s.ChannelInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Online || info.Title != "hello" || info.Category != "Chess" || info.Name != "Caster" {
		t.Fatalf("offline info = %+v", info)
	}

	h.setLive(true)
	info, err = s.ChannelInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !info.Online || info.Viewers != 17 {
		t.Fatalf("live info = %+v", info)
	}
}

func TestUpdateChannel(t *testing.T) {
	h := newHelix(t)
	s, _ := newTestService(t, h, config.ServiceConfig{ChannelID: "42"})

	err := s.UpdateChannel(context.Background(), service.Metadata{
		Title:    "Playing chess",
		Category: "Chess",
		Tags:     []string{"English", "no spaces!", "english"},
	})
	if err != nil {
		t.Fatal(err)
	}
	patches, _, _ := h.recorded()
	if len(patches) != 2 {
		t.Fatalf("patches = %v", patches)
	}
	if patches[0]["title"] != "Playing chess" || patches[0]["game_id"] != "743" {
		t.Fatalf("channel patch = %v", patches[0])
	}
	tags, _ := patches[1]["tags"].([]any)
	if len(tags) != 2 || tags[0] != "English" || tags[1] != "nospaces" {
		t.Fatalf("tags patch = %v", patches[1])
	}

	// the category id is memoized
	if err := s.UpdateChannel(context.Background(), service.Metadata{Category: "Chess"}); err != nil {
		t.Fatal(err)
	}
	if _, _, games := h.recorded(); games != 1 {
		t.Fatalf("games lookups = %d, want 1", games)
	}
}

func TestUnknownCategoryIsSkipped(t *testing.T) {
	h := newHelix(t)
	s, _ := newTestService(t, h, config.ServiceConfig{ChannelID: "42"})

	if err := s.UpdateChannel(context.Background(), service.Metadata{Title: "t", Category: "Nope"}); err != nil {
		t.Fatal(err)
	}
	patches, _, _ := h.recorded()
	if _, ok := patches[0]["game_id"]; ok {
		t.Fatalf("unknown category sent: %v", patches[0])
	}
}

func TestQueryAndValidateCategory(t *testing.T) {
	h := newHelix(t)
	s, _ := newTestService(t, h, config.ServiceConfig{ChannelID: "42"})
	ctx := context.Background()

	got, err := s.QueryCategory(ctx, "che")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, map[string]string{"Chess": "743", "Chess Ultra": "744"}) {
		t.Fatalf("query = %v", got)
	}
	if ok, err := s.ValidateCategory(ctx, "Chess"); err != nil || !ok {
		t.Fatalf("Chess = %v %v", ok, err)
	}
	if ok, _ := s.ValidateCategory(ctx, "Nope"); ok {
		t.Fatal("Nope should be invalid")
	}
}

func TestClipAndMarkerRequireLiveStream(t *testing.T) {
	h := newHelix(t)
	s, _ := newTestService(t, h, config.ServiceConfig{ChannelID: "42"})

	if _, err := s.CreateClip(context.Background()); !errors.Is(err, service.ErrNotStreaming) {
		t.Fatalf("clip err = %v", err)
	}
	if _, err := s.CreateMarker(context.Background()); !errors.Is(err, service.ErrNotStreaming) {
		t.Fatalf("marker err = %v", err)
	}
}

func TestCreateClipAndMarker(t *testing.T) {
	h := newHelix(t)
	h.setLive(true)
	s, _ := newTestService(t, h, config.ServiceConfig{ChannelID: "42"})

	clipURL, err := s.CreateClip(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if clipURL != "https://clips.twitch.tv/clip1" {
		t.Fatalf("clip url = %q", clipURL)
	}

	id, err := s.CreateMarker(context.Background())
	if err != nil || id != "m1" {
		t.Fatalf("marker = %q %v", id, err)
	}
	_, markers, _ := h.recorded()
	if markers[0]["user_id"] != "42" || markers[0]["description"] != markerDescription {
		t.Fatalf("marker body = %v", markers[0])
	}
}

func TestCaptureDelayIsHonored(t *testing.T) {
	h := newHelix(t)
	h.setLive(true)
	s, _ := newTestService(t, h, config.ServiceConfig{ChannelID: "42"})
	s.delay = 50 * time.Millisecond

	start := time.Now()
	if _, err := s.CreateMarker(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("marker created after %v, before the delay", elapsed)
	}
}

func TestSanitizeTags(t *testing.T) {
	many := make([]string, 0, 15)
	for i := 0; i < 15; i++ {
		many = append(many, string(rune('a'+i)))
	}
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"strips symbols", []string{"Let's Play"}, []string{"LetsPlay"}},
		{"dedupes case-insensitively", []string{"FPS", "fps"}, []string{"FPS"}},
		{"drops empty", []string{"!!", ""}, []string{}},
		{"truncates", []string{"abcdefghijklmnopqrstuvwxyz0123"}, []string{"abcdefghijklmnopqrstuvwxy"}},
		{"caps count", many, many[:10]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeTags(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("SanitizeTags(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
