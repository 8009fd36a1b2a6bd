// Package cache provides the shared key/value cache that sits in front of the
// system of record, with TTL expiry, atomic read-modify-write updates and
// write priorities.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	// ErrClosed is returned by operations on a cache after Quit.
	ErrClosed = errors.New("cache: closed")

	// ErrInvalidSet is returned when SetArgs carries neither or both of Value and GetValue.
	ErrInvalidSet = errors.New("cache: exactly one of Value or GetValue must be set")

	// ErrCorruptEntry is returned by Get when stored bytes cannot be deserialized.
	ErrCorruptEntry = errors.New("cache: corrupt entry")
)

// Priority hints how urgent a write is when write capacity is contended.
type Priority int

const (
	// PriorityHigh is used for interactive writes (query misses, mutations).
	PriorityHigh Priority = iota
	// PriorityLow is used for background refreshes.
	PriorityLow
)

func (p Priority) String() string {
	if p == PriorityLow {
		return "low"
	}
	return "high"
}

// Entry is a cached value with its write metadata.
type Entry struct {
	Value        json.RawMessage `json:"value" msgpack:"value"`
	LastModified int64           `json:"lastModified" msgpack:"last_modified"`
	Source       string          `json:"source" msgpack:"source"`
}

// Age returns how long ago the entry was written, relative to now (ms).
func (e Entry) Age(now int64) time.Duration {
	return time.Duration(now-e.LastModified) * time.Millisecond
}

// Transform computes the next value from the currently stored one. current
// is nil when the key is absent. Returning write=false leaves the stored
// entry untouched.
type Transform func(current json.RawMessage) (next json.RawMessage, write bool, err error)

// SetArgs describes a single cache write.
type SetArgs struct {
	Key string
	// Value is written as-is. Mutually exclusive with GetValue.
	Value json.RawMessage
	// GetValue is evaluated against the current value atomically.
	GetValue Transform
	// TTL of zero means no expiry.
	TTL      time.Duration
	Source   string
	Priority Priority
}

// Cache is the typed-agnostic cache contract used by queries, mutations and
// the refresh worker.
type Cache interface {
	// Get returns the entry for key, found=false on a miss. No side effects.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set writes a literal value or applies a transform to the current value.
	Set(ctx context.Context, args SetArgs) error
	Remove(ctx context.Context, key string) error
	// Flush removes every entry. Intended for tests and operations.
	Flush(ctx context.Context) error
	// Keys lists stored keys, for diagnostics.
	Keys(ctx context.Context) ([]string, error)
	Ready(ctx context.Context) error
	Quit(ctx context.Context) error
}

// UpdateFunc is the store-level read-modify-write callback. current is the
// raw stored bytes (nil when found is false).
type UpdateFunc func(current []byte, found bool) (next []byte, write bool, err error)

// Store is a byte-oriented backend with per-key atomic updates. Stores own
// expiry: an expired key behaves as absent.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Update runs fn atomically for key. When fn returns write=false the
	// stored value, including its expiry, is left as it was.
	Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Flush(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
