package model

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/briangreenhill/swrcache/cache"
)

// RefreshOptions controls how Refresh stores the fetched value.
type RefreshOptions struct {
	// Source defaults to SourceWorker.
	Source   string
	Priority cache.Priority
}

// Refreshable is the type-erased view of a QuerySpec used wherever only a
// key is known: the refresh worker and the ops endpoints.
type Refreshable interface {
	SpecName() string
	KeyPrefix() cache.Namespace
	ResolvesKey(key string) bool
	SwrPolicy() SwrPolicy
	DecoderName() string
	Validate() error
	CheckRoundTrip() error
	ValidateRaw(raw json.RawMessage) (json.RawMessage, error)
	Refresh(ctx context.Context, env Environment, key string, opts RefreshOptions) error
}

var _ Refreshable = (*QuerySpec[int, string])(nil)

// Registry maps key namespaces to the specs owning them. It is built once
// at startup and read-only afterwards.
type Registry struct {
	specs    map[cache.Namespace]Refreshable
	byName   map[string]Refreshable
	prefixes []cache.Namespace
}

// NewRegistry validates every spec and indexes it by namespace. Two specs
// may not share a namespace or a name.
func NewRegistry(specs ...Refreshable) (*Registry, error) {
	r := &Registry{
		specs:  make(map[cache.Namespace]Refreshable, len(specs)),
		byName: make(map[string]Refreshable, len(specs)),
	}
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, errors.Wrapf(err, "registry: spec %q", s.SpecName())
		}
		if err := s.CheckRoundTrip(); err != nil {
			return nil, errors.Wrap(err, "registry")
		}
		ns := s.KeyPrefix()
		if prev, ok := r.specs[ns]; ok {
			return nil, errors.Newf("registry: %q and %q share namespace %q", prev.SpecName(), s.SpecName(), ns)
		}
		if _, ok := r.byName[s.SpecName()]; ok {
			return nil, errors.Newf("registry: duplicate spec name %q", s.SpecName())
		}
		r.specs[ns] = s
		r.byName[s.SpecName()] = s
		r.prefixes = append(r.prefixes, ns)
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i]) > len(r.prefixes[j])
	})
	return r, nil
}

// Resolve returns the spec owning key: the longest namespace containing
// key whose spec also accepts it.
func (r *Registry) Resolve(key string) (Refreshable, bool) {
	for _, ns := range r.prefixes {
		if !ns.Owns(key) {
			continue
		}
		if s := r.specs[ns]; s.ResolvesKey(key) {
			return s, true
		}
	}
	return nil, false
}

// Get returns a spec by name.
func (r *Registry) Get(name string) (Refreshable, bool) {
	s, ok := r.byName[name]
	return s, ok
}

// List returns all spec names, sorted.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refresh resolves key and refreshes it from the source.
func Refresh(ctx context.Context, env Environment, reg *Registry, key string, opts RefreshOptions) error {
	s, ok := reg.Resolve(key)
	if !ok {
		return errors.Wrapf(ErrKeyUnresolvable, "%q", key)
	}
	return s.Refresh(ctx, env, key, opts)
}
