package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/bryanchriswhite/streammanager/internal/category"
	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/service"
	"golang.org/x/sync/errgroup"
)

func (m *Manager) validators() []category.Validator {
	services := m.Services()
	out := make([]category.Validator, 0, len(services))
	for _, svc := range services {
		out = append(out, svc)
	}
	return out
}

// Validate checks assignations against the active backends and persists the
// outcome. With an empty category only entries of unknown validity are
// checked.
func (m *Manager) Validate(ctx context.Context, cat string) (config.Assignations, error) {
	results := category.Validate(ctx, m.cfg.Assignations(), m.validators(), cat)
	return results, m.storeValidation(results)
}

// CheckAll re-validates every category. Categories are checked in parallel;
// backends within a category one after the other.
func (m *Manager) CheckAll(ctx context.Context) (config.Assignations, error) {
	table := m.cfg.Assignations()
	validators := m.validators()

	cats := make([]string, 0, len(table))
	for cat := range table {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	var mu sync.Mutex
	results := config.Assignations{}

	g := new(errgroup.Group)
	g.SetLimit(max(len(m.registry), 1))
	for _, cat := range cats {
		g.Go(func() error {
			checked := category.ValidateCategory(ctx, table[cat], validators, cat, false)
			mu.Lock()
			defer mu.Unlock()
			if len(checked) > 0 {
				results[cat] = checked
			}
			return nil
		})
	}
	g.Wait()

	return results, m.storeValidation(results)
}

func (m *Manager) storeValidation(results config.Assignations) error {
	if len(results) == 0 {
		return nil
	}
	if err := m.cfg.MergeAssignations(results); err != nil {
		return err
	}
	m.publish(Event{Type: EventValidation, Assignations: results})
	return nil
}

// IsValidCategory reports whether category is valid on every active backend
// supporting categories, per the stored table.
func (m *Manager) IsValidCategory(cat string) bool {
	return category.IsValid(m.cfg.Assignations(), cat, m.validators())
}

// QueryCategory searches the taxonomy of one active backend.
func (m *Manager) QueryCategory(ctx context.Context, backend, text string) (map[string]string, error) {
	svc, ok := m.Service(backend)
	if !ok {
		return nil, service.Wrap(service.ErrBackendUnavailable, backend, "query category", "backend not active", nil)
	}
	if !svc.Features().Category {
		return map[string]string{}, nil
	}
	return svc.QueryCategory(ctx, text)
}
