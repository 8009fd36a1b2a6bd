package swr

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/model"
	"github.com/briangreenhill/swrcache/timer"
)

// Reasons a key is not refreshed.
const (
	ReasonCacheEmpty = "cache empty."
	ReasonInvalidKey = "invalid key."
	ReasonDisabled   = "SWR disabled."
	ReasonNotStale   = "cache non-stale."
)

// Decision is the result of ShouldProcess.
type Decision struct {
	Process bool
	Reason  string
	Spec    model.Refreshable
}

// ShouldProcess decides whether key needs a refresh: it must be cached,
// owned by a registered spec with SWR enabled, and stale.
func ShouldProcess(ctx context.Context, c cache.Cache, t timer.Timer, reg *model.Registry, key string) (Decision, error) {
	entry, found, err := c.Get(ctx, key)
	if err != nil {
		return Decision{}, errors.Wrapf(err, "swr: read %q", key)
	}
	if !found {
		return Decision{Reason: ReasonCacheEmpty}, nil
	}
	spec, ok := reg.Resolve(key)
	if !ok {
		return Decision{Reason: ReasonInvalidKey}, nil
	}
	policy := spec.SwrPolicy()
	if !policy.Enabled {
		return Decision{Reason: ReasonDisabled, Spec: spec}, nil
	}
	if !policy.IsStale(entry, t.Now()) {
		return Decision{Reason: ReasonNotStale, Spec: spec}, nil
	}
	return Decision{Process: true, Spec: spec}, nil
}
