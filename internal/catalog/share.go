package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bryanchriswhite/streammanager/internal/config"
)

// Import merges a JSON catalog document into the store.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var entries map[string]Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return 0, fmt.Errorf("decode catalog: %w", err)
	}
	return s.Merge(ctx, entries)
}

// ImportFile merges the JSON catalog at path.
func (s *Store) ImportFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.Import(ctx, f)
}

// FromConfig builds the shareable catalog of the current settings: every
// application's path list and category, and every category's assigned
// names without their validity.
func FromConfig(cfg *config.Config) map[string]Entry {
	out := map[string]Entry{}
	for key, app := range cfg.AppData {
		paths := make(map[string]string, len(app.Path))
		for platform, list := range app.Path {
			paths[platform] = list
		}
		out[key] = Entry{AppData: &AppData{Path: paths, Category: app.Category}}
	}
	for category, backends := range cfg.Assignations {
		if len(backends) == 0 {
			continue
		}
		entry := out[category]
		entry.Assignations = make(map[string]Assignation, len(backends))
		for backend, a := range backends {
			entry.Assignations[backend] = Assignation{Name: a.Name}
		}
		out[category] = entry
	}
	return out
}

// Export writes the catalog of cfg as indented JSON.
func Export(cfg *config.Config, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(FromConfig(cfg))
}

// Seed returns the entry and assignations to register key with, from the
// catalog. The assignations are those stored for the app's category.
func (s *Store) Seed(ctx context.Context, key string) (config.AppEntry, map[string]config.Assignation, bool, error) {
	entry := config.NewAppEntry()
	found, err := s.lookupInto(ctx, key, &entry)
	if err != nil || !found {
		return entry, nil, found, err
	}

	var assignations map[string]config.Assignation
	if entry.Category != "" {
		cat, ok, err := s.Lookup(ctx, entry.Category)
		if err != nil {
			return entry, nil, true, err
		}
		if ok && len(cat.Assignations) > 0 {
			assignations = make(map[string]config.Assignation, len(cat.Assignations))
			for backend, a := range cat.Assignations {
				assignations[backend] = config.Assignation{Name: a.Name}
			}
		}
	}
	return entry, assignations, true, nil
}

func (s *Store) lookupInto(ctx context.Context, key string, entry *config.AppEntry) (bool, error) {
	stored, ok, err := s.Lookup(ctx, key)
	if err != nil || !ok || stored.AppData == nil {
		return false, err
	}
	for platform, list := range stored.AppData.Path {
		entry.Path[platform] = list
	}
	entry.Category = stored.AppData.Category
	return true, nil
}
