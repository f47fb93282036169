package orchestrator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/bryanchriswhite/streammanager/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of one backend in a batch.
type Result struct {
	Backend string               `json:"backend"`
	Value   string               `json:"value,omitempty"`
	Info    *service.ChannelInfo `json:"info,omitempty"`
	Err     error                `json:"-"`
	Error   string               `json:"error,omitempty"`
	Elapsed time.Duration        `json:"elapsed"`
}

func newResult(backend string, err error) Result {
	r := Result{Backend: backend}
	r.setErr(err)
	return r
}

func (r *Result) setErr(err error) {
	r.Err = err
	if err != nil {
		r.Error = err.Error()
	}
}

// Failed returns the results carrying an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool { return results[i].Backend < results[j].Backend })
}

type backendCall func(ctx context.Context, svc service.Service) Result

// fanOut runs call on every active backend on a pool sized to the registry.
// One backend failing never cancels the others.
func (m *Manager) fanOut(ctx context.Context, batch string, op string, call backendCall) []Result {
	services := m.Services()
	results := make([]Result, len(services))
	if len(services) == 0 {
		return results
	}

	limit := len(m.registry)
	if limit == 0 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)

	for i, svc := range services {
		g.Go(func() error {
			start := time.Now()
			r := call(ctx, svc)
			r.Backend = svc.Name()
			r.Elapsed = time.Since(start)
			results[i] = r
			m.logResult(batch, op, r)
			return nil
		})
	}
	g.Wait()
	return results
}

func (m *Manager) logResult(batch, op string, r Result) {
	var event *zerolog.Event
	var rl *service.RateLimitError
	switch {
	case r.Err == nil:
		event = m.log.Info()
	case errors.As(r.Err, &rl):
		event = m.log.Warn().Time("retry_after", rl.Reset)
	case errors.Is(r.Err, service.ErrNotStreaming), errors.Is(r.Err, service.ErrNotSupported):
		event = m.log.Info().Err(r.Err)
	default:
		event = m.log.Error().Err(r.Err)
	}
	event.Str("batch", batch).
		Str("op", op).
		Str("service", r.Backend).
		Dur("elapsed", r.Elapsed).
		Msg("Backend operation finished")
}

// DispatchUpdate pushes md to every active backend. Each backend receives
// the category assigned to it and expanded placeholders. The batch runs
// under the configured timeout and is not cancelled with ctx.
func (m *Manager) DispatchUpdate(ctx context.Context, md service.Metadata) []Result {
	return m.dispatchUpdate(ctx, "", md)
}

func (m *Manager) dispatchUpdate(ctx context.Context, app string, md service.Metadata) []Result {
	batch := uuid.NewString()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.Base().RequestTimeout())
	defer cancel()

	table := m.cfg.Assignations()
	results := m.fanOut(ctx, batch, "update", func(ctx context.Context, svc service.Service) Result {
		err := svc.UpdateChannel(ctx, PrepareFor(md, svc.Name(), table))
		return newResult(svc.Name(), err)
	})

	m.publish(Event{Type: EventUpdate, Batch: batch, App: app, Metadata: &md, Results: results})
	return results
}

// CreateClip asks every clip capable backend for a clip. Backends without
// the feature answer ErrNotSupported without a request.
func (m *Manager) CreateClip(ctx context.Context) []Result {
	return m.capture(ctx, EventClip, service.FeatureClips, func(ctx context.Context, svc service.Service) (string, error) {
		return svc.CreateClip(ctx)
	})
}

// CreateMarker places a marker on every marker capable backend.
func (m *Manager) CreateMarker(ctx context.Context) []Result {
	return m.capture(ctx, EventMarker, service.FeatureMarkers, func(ctx context.Context, svc service.Service) (string, error) {
		return svc.CreateMarker(ctx)
	})
}

func (m *Manager) capture(ctx context.Context, kind EventType, feature service.Feature, fn func(context.Context, service.Service) (string, error)) []Result {
	batch := uuid.NewString()
	results := m.fanOut(ctx, batch, string(kind), func(ctx context.Context, svc service.Service) Result {
		if !svc.Features().Has(feature) {
			return newResult(svc.Name(), service.Wrap(service.ErrNotSupported, svc.Name(), string(kind), "", nil))
		}
		value, err := fn(ctx, svc)
		r := newResult(svc.Name(), err)
		r.Value = value
		return r
	})
	m.publish(Event{Type: kind, Batch: batch, Results: results})
	return results
}

// RefreshChannelInfo fetches the channel state of every active backend.
func (m *Manager) RefreshChannelInfo(ctx context.Context) []Result {
	batch := uuid.NewString()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Base().RequestTimeout())
	defer cancel()

	results := m.fanOut(ctx, batch, "info", func(ctx context.Context, svc service.Service) Result {
		info, err := svc.ChannelInfo(ctx)
		r := newResult(svc.Name(), err)
		r.Info = info
		return r
	})
	m.publish(Event{Type: EventInfo, Batch: batch, Results: results})
	return results
}

// CheckApplication maps a focused process path to an application and
// dispatches its metadata when the application changed since the last
// dispatch. It reports the application key and whether an update ran.
func (m *Manager) CheckApplication(ctx context.Context, processPath string) (string, []Result, bool) {
	key := m.cfg.ProcessFromPath(processPath, "")
	if key == "" {
		return "", nil, false
	}

	m.mu.Lock()
	if key == m.lastApp {
		m.mu.Unlock()
		return key, nil, false
	}
	m.lastApp = key
	m.mu.Unlock()

	md := m.ResolveMetadata(key)
	m.log.Info().
		Str("process", key).
		Str("title", md.Title).
		Str("description", md.Description).
		Str("category", md.Category).
		Strs("tags", md.Tags).
		Msg("Focused application changed")

	return key, m.dispatchUpdate(ctx, key, md), true
}

// ForgetApplication clears the last dispatched application so the next
// check dispatches again.
func (m *Manager) ForgetApplication() {
	m.mu.Lock()
	m.lastApp = ""
	m.mu.Unlock()
}
