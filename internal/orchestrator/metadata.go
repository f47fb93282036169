package orchestrator

import (
	"strings"

	"github.com/bryanchriswhite/streammanager/internal/config"
	"github.com/bryanchriswhite/streammanager/internal/service"
)

// Placeholders expanded in titles and descriptions.
const (
	PlaceholderService    = "%SERVICE%"
	PlaceholderCategory   = "%CATEGORY%"
	PlaceholderCustomText = "%CUSTOMTEXT%"
)

// LayerMetadata layers the application entry over the base defaults and
// applies the forced flags in the order title, description, category, tags.
func LayerMetadata(base config.Base, app config.AppEntry) service.Metadata {
	md := service.Metadata{
		Title:       firstNonEmpty(app.Title, base.Title),
		Description: firstNonEmpty(app.Description, base.Description),
		Category:    firstNonEmpty(app.Category, base.Category),
		Tags:        unionTags(app.Tags, base.Tags),
		CustomText:  app.Command,
	}

	if base.ForcedTitle {
		md.Title = base.Title
	}
	if base.ForcedDescription {
		md.Description = base.Description
	}
	if base.ForcedCategory {
		md.Category = base.Category
	}
	if base.ForcedTags {
		md.Tags = append([]string{}, base.Tags...)
	}
	return md
}

// ResolveMetadata resolves appKey against the current settings. An unknown
// key resolves to the base defaults.
func (m *Manager) ResolveMetadata(appKey string) service.Metadata {
	app, _ := m.cfg.App(appKey)
	return LayerMetadata(m.cfg.Base(), app)
}

// PrepareFor returns the metadata to push to one backend: placeholders are
// expanded and the category is replaced by the name assigned to backend.
func PrepareFor(md service.Metadata, backend string, table config.Assignations) service.Metadata {
	replacer := strings.NewReplacer(
		PlaceholderService, backend,
		PlaceholderCategory, md.Category,
		PlaceholderCustomText, md.CustomText,
	)

	out := md
	out.Title = replacer.Replace(md.Title)
	out.Description = replacer.Replace(md.Description)
	out.Tags = append([]string(nil), md.Tags...)
	if md.Category != "" {
		if a, ok := table[md.Category][backend]; ok && a.Name != "" {
			out.Category = a.Name
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// unionTags keeps first occurrences, app tags first.
func unionTags(lists ...[]string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, list := range lists {
		for _, tag := range list {
			if tag == "" || seen[tag] {
				continue
			}
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}
