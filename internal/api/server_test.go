package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/auth"
	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/orchestrator"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/bryanchriswhite/streammanager/internal/window"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

type stubService struct {
	name string

	mu      sync.Mutex
	updates []service.Metadata
}

func (s *stubService) Name() string { return s.name }
func (s *stubService) Features() service.Features {
	return service.Features{Title: true, Category: true, Markers: true}
}
func (s *stubService) ChannelInfo(context.Context) (*service.ChannelInfo, error) {
	return &service.ChannelInfo{Online: true, Title: "live"}, nil
}
func (s *stubService) UpdateChannel(_ context.Context, md service.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, md)
	return nil
}
func (s *stubService) QueryCategory(_ context.Context, text string) (map[string]string, error) {
	return map[string]string{text: "42"}, nil
}
func (s *stubService) ValidateCategory(context.Context, string) (bool, error) { return true, nil }
func (s *stubService) CreateClip(context.Context) (string, error)              { return "", service.ErrNotSupported }
func (s *stubService) CreateMarker(context.Context) (string, error)            { return "marker-1", nil }

type stubCredentials struct{}

func (stubCredentials) Token(context.Context) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "t"}, nil
}
func (stubCredentials) ForceRefresh(context.Context) error { return nil }
func (stubCredentials) Reset() error                       { return nil }
func (stubCredentials) State() auth.State                  { return auth.StateAuthorized }

type stubMonitor struct {
	mu      sync.Mutex
	running bool
}

func (m *stubMonitor) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return window.ErrAlreadyRunning
	}
	m.running = true
	return nil
}

func (m *stubMonitor) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *stubMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *stubMonitor) Current() window.Focus {
	return window.Focus{Path: "/usr/bin/game", Title: "Game"}
}

func newTestServer(t *testing.T) (*httptest.Server, *stubService, *stubMonitor) {
	t.Helper()
	cfg, err := config.NewManager(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.AddApp("Chess", config.AppEntry{
		Path:     map[string]string{config.CurrentPlatform(): "chess"},
		Category: "Chess",
		Title:    "Playing chess",
	}, nil); err != nil {
		t.Fatal(err)
	}

	svc := &stubService{name: "Twitch"}
	registry := service.Registry{
		"Twitch": {New: func(context.Context, service.Deps) (service.Service, error) { return svc, nil }},
	}
	manager := orchestrator.New(cfg, registry,
		orchestrator.WithCreateTimeout(time.Second),
		orchestrator.WithCredentials(func(string, config.ServiceConfig, auth.Store) orchestrator.Credentials {
			return stubCredentials{}
		}),
	)
	manager.CreateServices(context.Background(), true)

	monitor := &stubMonitor{}
	ts := httptest.NewServer(NewServer(manager, monitor).Handler())
	t.Cleanup(ts.Close)
	return ts, svc, monitor
}

func post(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndStatus(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}

	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if len(st.Backends) != 1 || !st.Backends[0].Active || st.Backends[0].Auth != auth.StateAuthorized.String() {
		t.Errorf("backends = %+v", st.Backends)
	}
	if len(st.Apps) != 1 || st.Apps[0] != "Chess" {
		t.Errorf("apps = %v", st.Apps)
	}
}

func TestCheckStartStop(t *testing.T) {
	ts, _, monitor := newTestServer(t)

	post(t, ts.URL+"/api/check/start", "")
	if !monitor.Running() {
		t.Fatal("monitor should be running")
	}
	// starting twice is not an error
	if resp := post(t, ts.URL+"/api/check/start", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("second start status = %d", resp.StatusCode)
	}
	post(t, ts.URL+"/api/check/stop", "")
	if monitor.Running() {
		t.Fatal("monitor should be stopped")
	}
}

func TestUpdate(t *testing.T) {
	ts, svc, _ := newTestServer(t)

	if resp := post(t, ts.URL+"/api/update", `{"app":"Unknown"}`); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown app status = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/update", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty request status = %d", resp.StatusCode)
	}

	resp := post(t, ts.URL+"/api/update", `{"app":"Chess"}`)
	var results []orchestrator.Result
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Error != "" {
		t.Fatalf("results = %+v", results)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.updates) != 1 || svc.updates[0].Title != "Playing chess" {
		t.Errorf("updates = %+v", svc.updates)
	}
}

func TestBackendRoutes(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/backends/twitch/categories?q=Chess")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var found map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		t.Fatal(err)
	}
	if found["Chess"] != "42" {
		t.Errorf("categories = %v", found)
	}

	if resp := post(t, ts.URL+"/api/backends/Mixer/reset", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown backend reset status = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL+"/api/backends/twitch/reset", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("reset status = %d", resp.StatusCode)
	}

	// a reset backend is no longer active
	resp, err = http.Get(ts.URL + "/api/backends/twitch/categories?q=Chess")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("inactive backend status = %d", resp.StatusCode)
	}
}

func TestEventsStreamBatches(t *testing.T) {
	ts, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello["type"] != "status" {
		t.Fatalf("first message = %v", hello)
	}

	post(t, ts.URL+"/api/marker", "")

	var ev orchestrator.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != orchestrator.EventMarker || len(ev.Results) != 1 || ev.Results[0].Value != "marker-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestIndex(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Errorf("content type = %q", resp.Header.Get("Content-Type"))
	}

	resp, err = http.Get(ts.URL + "/missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
