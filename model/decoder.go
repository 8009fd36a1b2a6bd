// Package model is the declarative query and mutation layer on top of the
// cache. Every value that enters the cache passes a Decoder first.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrInvalidValue matches every *ValidationError.
	ErrInvalidValue = errors.New("invalid value received")

	// ErrKeyUnresolvable is returned when no spec recognizes a key.
	ErrKeyUnresolvable = errors.New("key unresolvable")
)

// ValidationError reports a value rejected by a decoder.
type ValidationError struct {
	Decoder string
	Value   json.RawMessage
	Cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value for %s: %v", e.Decoder, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidValue }

// Decoder turns untrusted JSON into a validated V.
type Decoder[V any] interface {
	Name() string
	Decode(raw []byte) (V, error)
}

type jsonDecoder[V any] struct {
	name  string
	rules []validation.Rule
}

// JSON returns a decoder that unmarshals into V and validates the result.
// Values implementing validation.Validatable are validated by their own
// Validate method in addition to rules. JSON null is rejected.
func JSON[V any](name string, rules ...validation.Rule) Decoder[V] {
	return &jsonDecoder[V]{name: name, rules: rules}
}

func (d *jsonDecoder[V]) Name() string { return d.name }

func (d *jsonDecoder[V]) Decode(raw []byte) (V, error) {
	var v V
	if isNull(raw) {
		return v, d.invalid(raw, errors.New("value is null"))
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, d.invalid(raw, err)
	}
	if err := validation.Validate(v, d.rules...); err != nil {
		return v, d.invalid(raw, err)
	}
	return v, nil
}

func (d *jsonDecoder[V]) invalid(raw []byte, cause error) error {
	return &ValidationError{Decoder: d.name, Value: append(json.RawMessage(nil), raw...), Cause: cause}
}

type nullable[V any] struct {
	inner Decoder[V]
}

// Nullable accepts JSON null as a nil pointer and otherwise defers to inner.
func Nullable[V any](inner Decoder[V]) Decoder[*V] {
	return nullable[V]{inner: inner}
}

func (d nullable[V]) Name() string { return d.inner.Name() + "|null" }

func (d nullable[V]) Decode(raw []byte) (*V, error) {
	if isNull(raw) {
		return nil, nil
	}
	v, err := d.inner.Decode(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

type refined[V, S any] struct {
	base   Decoder[V]
	name   string
	refine func(V) (S, error)
}

// Refine narrows a decoder: raw values must pass base and then refine.
func Refine[V, S any](base Decoder[V], name string, refine func(V) (S, error)) Decoder[S] {
	return &refined[V, S]{base: base, name: name, refine: refine}
}

func (d *refined[V, S]) Name() string { return d.name }

func (d *refined[V, S]) Decode(raw []byte) (S, error) {
	var s S
	v, err := d.base.Decode(raw)
	if err != nil {
		return s, err
	}
	s, err = d.refine(v)
	if err != nil {
		return s, &ValidationError{Decoder: d.name, Value: append(json.RawMessage(nil), raw...), Cause: err}
	}
	return s, nil
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
