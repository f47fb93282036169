// Package api exposes the running orchestrator over HTTP: status, capture
// triggers, validation, category search and a websocket event feed.
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/orchestrator"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/bryanchriswhite/streammanager/internal/window"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by the health endpoint.
var Version = "dev"

//go:embed static/index.html
var indexHTML []byte

// Monitor is the focus watcher driven by the check endpoints.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	Current() window.Focus
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	manager  *orchestrator.Manager
	monitor  Monitor
	upgrader websocket.Upgrader

	// base outlives requests; the monitor is started under it
	base context.Context
}

// NewServer creates a new API server. monitor may be nil.
func NewServer(manager *orchestrator.Manager, monitor Monitor) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		manager: manager,
		monitor: monitor,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // the remote page may be served from another host
			},
		},
		base: context.Background(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Monitoring
	api.HandleFunc("/check/start", s.handleCheckStart).Methods("POST")
	api.HandleFunc("/check/stop", s.handleCheckStop).Methods("POST")
	api.HandleFunc("/update", s.handleUpdate).Methods("POST")

	// Capture
	api.HandleFunc("/clip", s.handleClip).Methods("POST")
	api.HandleFunc("/marker", s.handleMarker).Methods("POST")

	// Backends
	api.HandleFunc("/backends/info", s.handleBackendInfo).Methods("GET")
	api.HandleFunc("/backends/connect", s.handleConnect).Methods("POST")
	api.HandleFunc("/backends/{name}/reset", s.handleResetAuth).Methods("POST")
	api.HandleFunc("/backends/{name}/categories", s.handleQueryCategory).Methods("GET")

	// Assignations
	api.HandleFunc("/validate", s.handleValidate).Methods("POST")

	api.HandleFunc("/events", s.handleEvents)

	s.router.PathPrefix("/").HandlerFunc(s.handleIndex)
}

// Start serves on port until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	s.base = ctx
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithComponent("api").Info().Str("addr", "http://localhost"+addr).Msg("Starting server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("api").Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrBackendUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, service.ErrAuthRequired):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrNotSupported):
		status = http.StatusNotImplemented
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

// BackendStatus is one row of the status document.
type BackendStatus struct {
	Name     string           `json:"name"`
	Enabled  bool             `json:"enabled"`
	Active   bool             `json:"active"`
	Auth     string           `json:"auth"`
	Features service.Features `json:"features"`
}

// Status is the document served at /api/status.
type Status struct {
	Backends   []BackendStatus `json:"backends"`
	Monitoring bool            `json:"monitoring"`
	LastApp    string          `json:"last_app"`
	Focus      *window.Focus   `json:"focus,omitempty"`
	Apps       []string        `json:"apps"`
}

func (s *Server) status() Status {
	st := Status{LastApp: s.manager.LastApp(), Backends: []BackendStatus{}}
	for _, name := range s.manager.Registry().Names() {
		row := BackendStatus{Name: name, Auth: s.manager.AuthState(name).String()}
		if sc, ok := s.manager.Config().Service(name); ok {
			row.Enabled = sc.Enabled
		}
		if svc, ok := s.manager.Service(name); ok {
			row.Active = true
			row.Features = svc.Features()
		}
		st.Backends = append(st.Backends, row)
	}

	if s.monitor != nil {
		st.Monitoring = s.monitor.Running()
		if focus := s.monitor.Current(); focus.Path != "" {
			st.Focus = &focus
		}
	}

	cfg := s.manager.Config().Get()
	st.Apps = make([]string, 0, len(cfg.AppData))
	for key := range cfg.AppData {
		st.Apps = append(st.Apps, key)
	}
	sort.Strings(st.Apps)
	return st
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleCheckStart(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no focus source available"})
		return
	}
	// a fresh start always dispatches the focused application
	s.manager.ForgetApplication()
	if err := s.monitor.Start(s.base); err != nil && !errors.Is(err, window.ErrAlreadyRunning) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"monitoring": true})
}

func (s *Server) handleCheckStop(w http.ResponseWriter, r *http.Request) {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"monitoring": false})
}

type updateRequest struct {
	App      string            `json:"app"`
	Metadata *service.Metadata `json:"metadata"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var md service.Metadata
	switch {
	case req.Metadata != nil:
		md = *req.Metadata
	case req.App != "":
		if _, ok := s.manager.Config().App(req.App); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown application %q", req.App)})
			return
		}
		md = s.manager.ResolveMetadata(req.App)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "app or metadata required"})
		return
	}

	writeJSON(w, http.StatusOK, s.manager.DispatchUpdate(r.Context(), md))
}

func (s *Server) handleClip(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.CreateClip(r.Context()))
}

func (s *Server) handleMarker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.CreateMarker(r.Context()))
}

func (s *Server) handleBackendInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.RefreshChannelInfo(r.Context()))
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	writeJSON(w, http.StatusOK, s.manager.CreateServices(r.Context(), force))
}

func (s *Server) backendName(r *http.Request) (string, error) {
	name, _, ok := s.manager.Registry().Lookup(mux.Vars(r)["name"])
	if !ok {
		return "", service.Wrap(service.ErrBackendUnavailable, mux.Vars(r)["name"], "lookup", "unknown backend", nil)
	}
	return name, nil
}

func (s *Server) handleResetAuth(w http.ResponseWriter, r *http.Request) {
	name, err := s.backendName(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.manager.ResetAuth(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (s *Server) handleQueryCategory(w http.ResponseWriter, r *http.Request) {
	name, err := s.backendName(r)
	if err != nil {
		writeError(w, err)
		return
	}
	found, err := s.manager.QueryCategory(r.Context(), name, strings.TrimSpace(r.URL.Query().Get("q")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var err error
	var results any
	if q.Get("all") == "true" {
		results, err = s.manager.CheckAll(r.Context())
	} else {
		results, err = s.manager.Validate(r.Context(), q.Get("category"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	events := s.manager.Subscribe()
	defer s.manager.Unsubscribe(events)

	// reader goroutine notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(map[string]any{"type": "status", "status": s.status()}); err != nil {
		log.Debug().Err(err).Msg("WebSocket write error")
		return
	}

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/html")
		w.Write(indexHTML)
		return
	}
	http.NotFound(w, r)
}
