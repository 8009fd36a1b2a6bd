package model

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/briangreenhill/swrcache/internal/errorsink"
)

// Patch updates cached entries after a successful mutation.
type Patch func(ctx context.Context) error

// QueryPatch builds a patch applying transform to the entries of q for
// payloads. transform returning ok=false leaves an entry untouched.
func QueryPatch[P, V any](q *Query[P, V], payloads []P, transform func(current *V) (V, bool)) Patch {
	return func(ctx context.Context) error {
		return q.SetCache(ctx, SetCacheArgs[P, V]{
			Payloads: payloads,
			GetValue: transform,
			Source:   SourceMutation,
		})
	}
}

// MutationSpec declares one write to the source of record.
type MutationSpec[P, R any] struct {
	Name   string
	Mutate func(ctx context.Context, payload P) (R, error)
	// Decoder, when set, validates the result returned by Mutate.
	Decoder Decoder[R]
	// Patches lists the cache updates implied by a successful mutation.
	Patches func(payload P, result R) []Patch
}

// Mutation is a MutationSpec bound to an Environment.
type Mutation[P, R any] struct {
	spec *MutationSpec[P, R]
	env  Environment
}

func NewMutation[P, R any](spec *MutationSpec[P, R], env Environment) (*Mutation[P, R], error) {
	if spec.Name == "" || spec.Mutate == nil {
		return nil, errors.New("mutation: name and mutate are required")
	}
	return &Mutation[P, R]{spec: spec, env: env.withDefaults()}, nil
}

// Execute performs the remote write, then applies its patches. Failures of
// the write are returned as is; patch failures are reported and logged but
// never undo a successful write.
func (m *Mutation[P, R]) Execute(ctx context.Context, payload P) (R, error) {
	var zero R
	s, env := m.spec, m.env

	result, err := s.Mutate(ctx, payload)
	if err != nil {
		return zero, errors.Wrapf(err, "mutation %s", s.Name)
	}

	if s.Decoder != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return zero, errors.Wrapf(err, "mutation %s: encode result", s.Name)
		}
		if result, err = s.Decoder.Decode(raw); err != nil {
			return zero, asValidationError(s.Decoder.Name(), raw, err)
		}
	}

	if s.Patches == nil {
		return result, nil
	}
	for i, patch := range s.Patches(payload, result) {
		if err := patch(ctx); err != nil {
			env.Metrics.PatchError(s.Name)
			env.Logger.Warn().Err(err).Str("mutation", s.Name).Int("patch", i).Msg("cache patch failed")
			env.Reporter.Capture(ctx, errorsink.Event{
				Error:    err,
				Location: "model.mutation",
				Context:  map[string]any{"mutation": s.Name, "patch": i},
			})
		}
	}
	return result, nil
}
