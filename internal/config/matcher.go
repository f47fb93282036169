package config

import (
	"sort"
	"strings"

	aho "github.com/petar-dambovaliev/aho-corasick"
)

// Matcher finds the application whose path list contains a fragment of a
// process path. Matching is case-insensitive.
type Matcher struct {
	platform  string
	matcher   aho.AhoCorasick
	fragments map[string]string // lowercase fragment -> app key
	empty     bool
}

// NewMatcher builds a matcher over every entry's path list for platform.
// When two entries share a fragment, the lexically first key wins.
func NewMatcher(apps map[string]AppEntry, platform string) *Matcher {
	keys := make([]string, 0, len(apps))
	for key := range apps {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	m := &Matcher{
		platform:  platform,
		fragments: make(map[string]string),
	}

	var patterns []string
	for _, key := range keys {
		for _, fragment := range SplitPathList(apps[key].Path[platform]) {
			if _, taken := m.fragments[fragment]; taken {
				continue
			}
			m.fragments[fragment] = key
			patterns = append(patterns, fragment)
		}
	}

	if len(patterns) == 0 {
		m.empty = true
		return m
	}

	builder := aho.NewAhoCorasickBuilder(aho.Opts{})
	m.matcher = builder.Build(patterns)
	return m
}

// Match returns the key of the first matching application, or "".
func (m *Matcher) Match(processPath string) string {
	if m.empty || processPath == "" {
		return ""
	}
	haystack := strings.ToLower(processPath)
	matches := m.matcher.FindAll(haystack)
	if len(matches) == 0 {
		return ""
	}

	best := ""
	for _, match := range matches {
		key := m.fragments[haystack[match.Start():match.End()]]
		if key != "" && (best == "" || key < best) {
			best = key
		}
	}
	return best
}

// SplitPathList splits a comma separated path list into trimmed lowercase
// fragments, dropping empty items.
func SplitPathList(list string) []string {
	var out []string
	for _, item := range strings.Split(list, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
