package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"golang.org/x/oauth2"
)

type staticTokens struct{}

func (staticTokens) Token(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "yt-token", TokenType: "Bearer"}, nil
}
func (staticTokens) ForceRefresh(context.Context) error { return nil }

type fakeAPI struct {
	*httptest.Server
	mu         sync.Mutex
	live       bool
	quota      bool
	categories int
	updates    []map[string]any
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer yt-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.quota {
			w.WriteHeader(http.StatusForbidden)
			write(w, map[string]any{"error": map[string]any{
				"code":    403,
				"message": "quota exceeded",
				"errors":  []map[string]string{{"reason": "quotaExceeded", "domain": "youtube.quota", "message": "quota exceeded"}},
			}})
			return
		}

		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, "/liveBroadcasts"):
			write(w, map[string]any{"items": []map[string]any{
				{"id": "bc1", "snippet": map[string]string{"title": "old title"}},
			}})
		case strings.HasSuffix(path, "/videoCategories"):
			f.categories++
			write(w, map[string]any{"items": []map[string]any{
				{"id": "20", "snippet": map[string]any{"title": "Gaming", "assignable": true}},
				{"id": "28", "snippet": map[string]any{"title": "Science & Technology", "assignable": true}},
				{"id": "18", "snippet": map[string]any{"title": "Short Movies", "assignable": false}},
			}})
		case strings.HasSuffix(path, "/videos") && r.Method == http.MethodPut:
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			f.updates = append(f.updates, body)
			write(w, body)
		case strings.HasSuffix(path, "/videos"):
			content := "none"
			if f.live {
				content = "live"
			}
			write(w, map[string]any{"items": []map[string]any{{
				"id": "bc1",
				"snippet": map[string]string{
					"title":                "old title",
					"description":          "old description",
					"categoryId":           "20",
					"channelTitle":         "My Channel",
					"liveBroadcastContent": content,
				},
				"liveStreamingDetails": map[string]string{"concurrentViewers": "12"},
			}}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeAPI) set(fn func(*fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestService(t *testing.T, f *fakeAPI) (*Service, *config.ServiceConfig) {
	t.Helper()
	persisted := &config.ServiceConfig{}
	svc, err := New(context.Background(), service.Deps{
		Name:       Name,
		Config:     config.ServiceConfig{APIBase: f.URL},
		Tokens:     staticTokens{},
		HTTPClient: f.Client(),
		Persist: func(fn func(*config.ServiceConfig)) error {
			fn(persisted)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc.(*Service), persisted
}

func TestChannelInfo(t *testing.T) {
	f := newFakeAPI(t)
	s, persisted := newTestService(t, f)

	info, err := s.ChannelInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.Online || info.Title != "old title" || info.Category != "Gaming" || info.Name != "My Channel" {
		t.Fatalf("info = %+v", info)
	}
	if persisted.ChannelID != "bc1" {
		t.Fatalf("broadcast id not persisted: %+v", persisted)
	}

	f.set(func(f *fakeAPI) { f.live = true })
	info, err = s.ChannelInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !info.Online || info.Viewers != 12 {
		t.Fatalf("live info = %+v", info)
	}
}

func TestUpdateKeepsCurrentValues(t *testing.T) {
	f := newFakeAPI(t)
	s, _ := newTestService(t, f)

	if err := s.UpdateChannel(context.Background(), service.Metadata{Description: "new description"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateChannel(context.Background(), service.Metadata{Title: "new", Category: "Science & Technology"}); err != nil {
		t.Fatal(err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updates) != 2 {
		t.Fatalf("updates = %v", f.updates)
	}
	first := f.updates[0]["snippet"].(map[string]any)
	if first["title"] != "old title" || first["categoryId"] != "20" || first["description"] != "new description" {
		t.Fatalf("first update = %v", first)
	}
	second := f.updates[1]["snippet"].(map[string]any)
	if second["title"] != "new" || second["categoryId"] != "28" {
		t.Fatalf("second update = %v", second)
	}
	if f.updates[1]["id"] != "bc1" {
		t.Fatalf("update id = %v", f.updates[1]["id"])
	}
}

func TestCategories(t *testing.T) {
	f := newFakeAPI(t)
	s, _ := newTestService(t, f)
	ctx := context.Background()

	got, err := s.QueryCategory(ctx, "tech")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["Science & Technology"] != "28" {
		t.Fatalf("query = %v", got)
	}
	if ok, err := s.ValidateCategory(ctx, "Gaming"); err != nil || !ok {
		t.Fatalf("Gaming = %v %v", ok, err)
	}
	if ok, _ := s.ValidateCategory(ctx, "Short Movies"); ok {
		t.Fatal("non-assignable category must be invalid")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.categories != 1 {
		t.Fatalf("taxonomy fetched %d times, want 1", f.categories)
	}
}

func TestQuotaExceeded(t *testing.T) {
	f := newFakeAPI(t)
	s, _ := newTestService(t, f)
	f.set(func(f *fakeAPI) { f.quota = true })

	_, err := s.ChannelInfo(context.Background())
	if !errors.Is(err, service.ErrRateLimited) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	var rl *service.RateLimitError
	if !errors.As(err, &rl) || !rl.Reset.After(time.Now()) {
		t.Fatalf("reset = %+v", rl)
	}
}

func TestClipsNotSupported(t *testing.T) {
	f := newFakeAPI(t)
	s, _ := newTestService(t, f)
	if _, err := s.CreateClip(context.Background()); !errors.Is(err, service.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
}

func TestNextQuotaReset(t *testing.T) {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skip("no tz database")
	}
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, loc)
	got := NextQuotaReset(now)
	want := time.Date(2026, 3, 11, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("reset = %v, want %v", got, want)
	}
}
