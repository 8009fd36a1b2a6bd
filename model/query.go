package model

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/errorsink"
	"github.com/briangreenhill/swrcache/internal/metrics"
)

// SwrPolicy is the freshness configuration of a query.
type SwrPolicy struct {
	Enabled bool
	// StaleAfter of zero means entries never go stale.
	StaleAfter time.Duration
	// MaxAge is the cache TTL; zero means no expiry.
	MaxAge time.Duration
}

// IsStale reports whether e is older than StaleAfter at now (ms).
func (p SwrPolicy) IsStale(e cache.Entry, now int64) bool {
	return p.StaleAfter > 0 && e.Age(now) > p.StaleAfter
}

// QuerySpec declares one cached read of the source of record.
type QuerySpec[P, V any] struct {
	Name string
	// Namespace is the key prefix owned by this spec.
	Namespace cache.Namespace

	GetKey func(P) string
	// GetPayload inverts GetKey and must reject keys of other specs.
	GetPayload func(key string) (P, bool)
	// GetCurrentValue fetches from the source. The result is loosely typed
	// and only trusted after it passes Decoder. previous is the cached value
	// when one is available.
	GetCurrentValue func(ctx context.Context, payload P, previous *V) (any, error)
	Decoder         Decoder[V]

	EnableSwr  bool
	StaleAfter time.Duration
	MaxAge     time.Duration

	// Examples are payloads used to check the key round trip at startup.
	Examples []P
}

func notNil(name string) validation.Rule {
	return validation.By(func(value any) error {
		rv := reflect.ValueOf(value)
		switch rv.Kind() {
		case reflect.Invalid:
			return errors.Newf("%s is required", name)
		case reflect.Func, reflect.Pointer, reflect.Interface, reflect.Map:
			if rv.IsNil() {
				return errors.Newf("%s is required", name)
			}
		}
		return nil
	})
}

// Validate checks that the spec is complete and that StaleAfter does not
// exceed MaxAge.
func (s *QuerySpec[P, V]) Validate() error {
	return validation.ValidateStruct(s,
		validation.Field(&s.Name, validation.Required),
		validation.Field(&s.Namespace, validation.Required),
		validation.Field(&s.GetKey, notNil("getKey")),
		validation.Field(&s.GetPayload, notNil("getPayload")),
		validation.Field(&s.GetCurrentValue, notNil("getCurrentValue")),
		validation.Field(&s.Decoder, notNil("decoder")),
		validation.Field(&s.MaxAge, validation.Min(time.Duration(0))),
		validation.Field(&s.StaleAfter,
			validation.Min(time.Duration(0)),
			validation.When(s.MaxAge > 0, validation.Max(s.MaxAge).Error("must not exceed maxAge")),
		),
	)
}

func (s *QuerySpec[P, V]) SpecName() string { return s.Name }

func (s *QuerySpec[P, V]) KeyPrefix() cache.Namespace { return s.Namespace }

func (s *QuerySpec[P, V]) DecoderName() string { return s.Decoder.Name() }

func (s *QuerySpec[P, V]) ResolvesKey(key string) bool {
	_, ok := s.GetPayload(key)
	return ok
}

func (s *QuerySpec[P, V]) SwrPolicy() SwrPolicy {
	return SwrPolicy{Enabled: s.EnableSwr, StaleAfter: s.StaleAfter, MaxAge: s.MaxAge}
}

// CheckRoundTrip verifies GetPayload(GetKey(p)) == p for every example.
func (s *QuerySpec[P, V]) CheckRoundTrip() error {
	var errs error
	for _, p := range s.Examples {
		key := s.GetKey(p)
		if !s.Namespace.Owns(key) {
			errs = errors.CombineErrors(errs, errors.Newf("%s: key %q outside namespace %q", s.Name, key, s.Namespace))
			continue
		}
		got, ok := s.GetPayload(key)
		if !ok || !reflect.DeepEqual(got, p) {
			errs = errors.CombineErrors(errs, errors.Newf("%s: key %q does not round-trip to %+v", s.Name, key, p))
		}
	}
	return errs
}

// ValidateRaw decodes raw and returns its canonical encoding.
func (s *QuerySpec[P, V]) ValidateRaw(raw json.RawMessage) (json.RawMessage, error) {
	v, err := s.Decoder.Decode(raw)
	if err != nil {
		return nil, asValidationError(s.Decoder.Name(), raw, err)
	}
	return s.encode(v)
}

// Refresh fetches key from the source and stores the validated value. The
// stored entry is left alone when the fetched value is invalid.
func (s *QuerySpec[P, V]) Refresh(ctx context.Context, env Environment, key string, opts RefreshOptions) error {
	env = env.withDefaults()
	p, ok := s.GetPayload(key)
	if !ok {
		return errors.Wrapf(ErrKeyUnresolvable, "%s: %q", s.Name, key)
	}
	source := opts.Source
	if source == "" {
		source = SourceWorker
	}

	var previous *V
	if entry, found, err := env.Cache.Get(ctx, key); err == nil && found {
		if v, err := s.Decoder.Decode(entry.Value); err == nil {
			previous = &v
		}
	}

	raw, err := s.fetch(ctx, env, key, p, previous, source)
	if err != nil {
		return err
	}
	err = env.Cache.Set(ctx, cache.SetArgs{
		Key:      key,
		Value:    raw,
		TTL:      s.MaxAge,
		Source:   source,
		Priority: opts.Priority,
	})
	return errors.Wrapf(err, "%s: store %q", s.Name, key)
}

// fetch calls the source and returns the canonical encoding of the
// validated value.
func (s *QuerySpec[P, V]) fetch(ctx context.Context, env Environment, key string, p P, previous *V, source string) (json.RawMessage, error) {
	start := time.Now()
	current, err := s.GetCurrentValue(ctx, p, previous)
	env.Metrics.Fetch(s.Name, source, time.Since(start))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: fetch %q", s.Name, key)
	}

	raw, err := json.Marshal(current)
	if err != nil {
		return nil, s.invalid(ctx, env, key, nil, source, err)
	}
	v, err := s.Decoder.Decode(raw)
	if err != nil {
		return nil, s.invalid(ctx, env, key, raw, source, err)
	}
	return s.encode(v)
}

func (s *QuerySpec[P, V]) encode(v V) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: encode", s.Name)
	}
	return raw, nil
}

func (s *QuerySpec[P, V]) invalid(ctx context.Context, env Environment, key string, raw []byte, source string, err error) error {
	verr := asValidationError(s.Decoder.Name(), raw, err)
	env.Logger.Error().
		Err(verr).
		Str("kind", "InvalidValue").
		Str("query", s.Name).
		Str("key", key).
		Str("decoder", verr.Decoder).
		Msg("source returned invalid value")
	env.Reporter.Capture(ctx, errorsink.Event{
		Error:       verr,
		Location:    "model." + source,
		Fingerprint: errorsink.ValueFingerprint("invalid-value", verr.Decoder, raw),
		Context: map[string]any{
			"key":     key,
			"decoder": verr.Decoder,
			"value":   string(raw),
		},
	})
	return verr
}

func asValidationError(decoder string, raw []byte, err error) *ValidationError {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return &ValidationError{Decoder: decoder, Value: append(json.RawMessage(nil), raw...), Cause: err}
}

// Query is a QuerySpec bound to an Environment.
type Query[P, V any] struct {
	spec *QuerySpec[P, V]
	env  Environment
}

// NewQuery validates spec and binds it to env.
func NewQuery[P, V any](spec *QuerySpec[P, V], env Environment) (*Query[P, V], error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Wrapf(err, "query %q", spec.Name)
	}
	if env.Cache == nil {
		return nil, errors.Newf("query %q: cache required", spec.Name)
	}
	return &Query[P, V]{spec: spec, env: env.withDefaults()}, nil
}

// Spec returns the underlying spec.
func (q *Query[P, V]) Spec() *QuerySpec[P, V] { return q.spec }

// Get returns the value for payload, from cache when possible.
func (q *Query[P, V]) Get(ctx context.Context, payload P) (V, error) {
	return GetWithDecoder(ctx, q, payload, q.spec.Decoder)
}

// GetWithDecoder is Get with a narrower decoder applied to the cached raw
// value. A cached value failing d is treated as a miss.
func GetWithDecoder[P, V, S any](ctx context.Context, q *Query[P, V], payload P, d Decoder[S]) (S, error) {
	var zero S
	s, env := q.spec, q.env
	key := s.GetKey(payload)
	log := env.Logger.With().Str("query", s.Name).Str("key", key).Logger()

	entry, found, err := env.Cache.Get(ctx, key)
	switch {
	case errors.Is(err, cache.ErrCorruptEntry):
		env.Metrics.Lookup(s.Name, metrics.LookupDecodeError)
		log.Error().Err(err).Str("kind", "DecodeError").Msg("cached entry failed to deserialize")
	case err != nil:
		log.Warn().Err(err).Msg("cache read failed, treating as miss")
		env.Metrics.Lookup(s.Name, metrics.LookupMiss)
	case found:
		v, err := d.Decode(entry.Value)
		if err == nil {
			if s.EnableSwr && s.SwrPolicy().IsStale(entry, env.Timer.Now()) {
				env.Metrics.Lookup(s.Name, metrics.LookupStale)
				q.scheduleRefresh(ctx, key, log)
			} else {
				env.Metrics.Lookup(s.Name, metrics.LookupHit)
			}
			return v, nil
		}
		env.Metrics.Lookup(s.Name, metrics.LookupDecodeError)
		log.Error().Err(err).Str("kind", "DecodeError").Str("decoder", d.Name()).Msg("cached value failed to decode")
	default:
		env.Metrics.Lookup(s.Name, metrics.LookupMiss)
	}

	raw, err := s.fetch(ctx, env, key, payload, nil, SourceQuery)
	if err != nil {
		return zero, err
	}
	if err := env.Cache.Set(ctx, cache.SetArgs{
		Key:      key,
		Value:    raw,
		TTL:      s.MaxAge,
		Source:   SourceQuery,
		Priority: cache.PriorityHigh,
	}); err != nil {
		log.Warn().Err(err).Msg("cache write failed")
	}

	v, err := d.Decode(raw)
	if err != nil {
		return zero, asValidationError(d.Name(), raw, err)
	}
	return v, nil
}

// scheduleRefresh enqueues key on a detached goroutine. Failures only reach
// the log and the reporter.
func (q *Query[P, V]) scheduleRefresh(ctx context.Context, key string, log zerolog.Logger) {
	ctx = context.WithoutCancel(ctx)
	env := q.env
	go func() {
		if err := env.Queue.Enqueue(ctx, key); err != nil {
			log.Warn().Err(err).Msg("swr enqueue failed")
			env.Reporter.Capture(ctx, errorsink.Event{
				Error:    err,
				Location: "model.enqueue",
				Context:  map[string]any{"key": key, "query": q.spec.Name},
			})
		}
	}()
}

// SetCacheArgs patches the cached values of Payloads.
type SetCacheArgs[P, V any] struct {
	Payloads []P
	// GetValue receives the cached value, nil when absent or undecodable,
	// and returns the next one. ok=false leaves the entry untouched. It may
	// run more than once per key and must not depend on outside state.
	GetValue func(current *V) (next V, ok bool)
	Source   string
	Priority cache.Priority
}

// SetCache applies GetValue to every payload's key independently. Errors of
// individual keys are combined; other keys are still processed.
func (q *Query[P, V]) SetCache(ctx context.Context, args SetCacheArgs[P, V]) error {
	if args.GetValue == nil {
		return errors.New("set cache: GetValue required")
	}
	s, env := q.spec, q.env
	source := args.Source
	if source == "" {
		source = SourceMutation
	}

	var errs error
	for _, p := range args.Payloads {
		key := s.GetKey(p)
		err := env.Cache.Set(ctx, cache.SetArgs{
			Key:      key,
			TTL:      s.MaxAge,
			Source:   source,
			Priority: args.Priority,
			GetValue: func(current json.RawMessage) (json.RawMessage, bool, error) {
				var previous *V
				if current != nil {
					if v, err := s.Decoder.Decode(current); err == nil {
						previous = &v
					}
				}
				next, ok := args.GetValue(previous)
				if !ok {
					return nil, false, nil
				}
				raw, err := s.encode(next)
				if err != nil {
					return nil, false, err
				}
				if _, err := s.Decoder.Decode(raw); err != nil {
					return nil, false, asValidationError(s.Decoder.Name(), raw, err)
				}
				return raw, true, nil
			},
		})
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "set cache %q", key))
		}
	}
	return errs
}

// RemoveCache deletes the entries of payloads.
func (q *Query[P, V]) RemoveCache(ctx context.Context, payloads ...P) error {
	var errs error
	for _, p := range payloads {
		key := q.spec.GetKey(p)
		if err := q.env.Cache.Remove(ctx, key); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "remove cache %q", key))
		}
	}
	return errs
}
