package category

import (
	"context"
	"sort"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/logger"
	"github.com/bryanchriswhite/streammanager/internal/service"
)

// Validator is the part of a backend the assignment validator needs.
type Validator interface {
	Name() string
	Features() service.Features
	ValidateCategory(ctx context.Context, name string) (bool, error)
}

// Validate checks assignations against each backend. With a category, every
// backend entry of that category is checked; otherwise only entries whose
// validity is unknown. Backends are visited one at a time in name order.
// Backends without the category feature are recorded valid with an empty
// name and are never called. A failed check leaves validity unknown.
//
// The returned table holds only the entries that were checked; table itself
// is not modified.
func Validate(ctx context.Context, table config.Assignations, backends []Validator, category string) config.Assignations {
	ordered := sortedBackends(backends)
	results := config.Assignations{}

	categories := make([]string, 0, len(table)+1)
	if category != "" {
		categories = append(categories, category)
	} else {
		for cat := range table {
			categories = append(categories, cat)
		}
		sort.Strings(categories)
	}

	for _, cat := range categories {
		checked := validateOne(ctx, table[cat], ordered, cat, category == "")
		if len(checked) > 0 {
			results[cat] = checked
		}
	}
	return results
}

// ValidateCategory checks a single category. onlyUnknown skips entries that
// already carry a result.
func ValidateCategory(ctx context.Context, entries map[string]config.Assignation, backends []Validator, category string, onlyUnknown bool) map[string]config.Assignation {
	return validateOne(ctx, entries, sortedBackends(backends), category, onlyUnknown)
}

func validateOne(ctx context.Context, entries map[string]config.Assignation, backends []Validator, category string, onlyUnknown bool) map[string]config.Assignation {
	log := logger.WithComponent("category")
	out := map[string]config.Assignation{}

	for _, backend := range backends {
		name := backend.Name()
		current, exists := entries[name]
		if onlyUnknown && exists && current.Known() {
			continue
		}

		if !backend.Features().Category {
			out[name] = config.Assignation{Name: "", Valid: config.Bool(true)}
			continue
		}

		chosen := current.Name
		if chosen == "" {
			chosen = category
		}

		valid, err := backend.ValidateCategory(ctx, chosen)
		if err != nil {
			log.Warn().Err(err).
				Str("service", name).
				Str("category", category).
				Str("name", chosen).
				Msg("Category validation failed, validity unknown")
			out[name] = config.Assignation{Name: chosen}
			continue
		}
		out[name] = config.Assignation{Name: chosen, Valid: config.Bool(valid)}
	}
	return out
}

// IsValid reports whether category is usable on every backend. Backends
// without the category feature always pass.
func IsValid(table config.Assignations, category string, backends []Validator) bool {
	entries := table[category]
	for _, backend := range backends {
		if !backend.Features().Category {
			continue
		}
		entry, ok := entries[backend.Name()]
		if !ok || !entry.IsValid() {
			return false
		}
	}
	return true
}

// Apply merges results into table in place.
func Apply(table config.Assignations, results config.Assignations) {
	for cat, entries := range results {
		if table[cat] == nil {
			table[cat] = map[string]config.Assignation{}
		}
		for name, entry := range entries {
			table[cat][name] = entry
		}
	}
}

func sortedBackends(backends []Validator) []Validator {
	out := append([]Validator(nil), backends...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
