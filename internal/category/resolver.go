// Package category matches user chosen categories against backend taxonomies
// and keeps the assignation table validated.
package category

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize = 256
	DefaultCacheTTL  = 6 * time.Hour
)

// SearchFunc queries a backend taxonomy for candidates, name -> native id.
type SearchFunc func(ctx context.Context, text string) (map[string]string, error)

// LookupFunc resolves an exact category name to its native id.
type LookupFunc func(ctx context.Context, name string) (id string, found bool, err error)

type lookupResult struct {
	id    string
	found bool
}

// Resolver memoizes taxonomy queries in bounded caches owned by one adapter.
// Errors are never cached.
type Resolver struct {
	search  SearchFunc
	lookup  LookupFunc
	queries *expirable.LRU[string, map[string]string]
	exact   *expirable.LRU[string, lookupResult]
}

// NewResolver builds a resolver. A nil lookup falls back to an exact match
// within search results.
func NewResolver(search SearchFunc, lookup LookupFunc, size int, ttl time.Duration) *Resolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	r := &Resolver{
		search:  search,
		lookup:  lookup,
		queries: expirable.NewLRU[string, map[string]string](size, nil, ttl),
		exact:   expirable.NewLRU[string, lookupResult](size, nil, ttl),
	}
	if r.lookup == nil {
		r.lookup = r.lookupFromSearch
	}
	return r
}

// Query returns candidates for text.
func (r *Resolver) Query(ctx context.Context, text string) (map[string]string, error) {
	if cached, ok := r.queries.Get(text); ok {
		return copyMap(cached), nil
	}
	results, err := r.search(ctx, text)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = map[string]string{}
	}
	r.queries.Add(text, copyMap(results))
	return results, nil
}

// Resolve returns the native id of an exact category name.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, bool, error) {
	if cached, ok := r.exact.Get(name); ok {
		return cached.id, cached.found, nil
	}
	id, found, err := r.lookup(ctx, name)
	if err != nil {
		return "", false, err
	}
	r.exact.Add(name, lookupResult{id: id, found: found})
	return id, found, nil
}

// Validate reports whether name exists in the taxonomy.
func (r *Resolver) Validate(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	_, found, err := r.Resolve(ctx, name)
	return found, err
}

// Purge drops every cached answer.
func (r *Resolver) Purge() {
	r.queries.Purge()
	r.exact.Purge()
}

func (r *Resolver) lookupFromSearch(ctx context.Context, name string) (string, bool, error) {
	results, err := r.Query(ctx, name)
	if err != nil {
		return "", false, err
	}
	id, ok := results[name]
	return id, ok, nil
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
