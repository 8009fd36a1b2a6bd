// Package errorsink delivers error events to an observability backend.
package errorsink

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one reported error.
type Event struct {
	Error error
	// Location names the code path that failed, e.g. "swr.worker".
	Location string
	// Fingerprint groups events; nil leaves grouping to the backend.
	Fingerprint []string
	Context     map[string]any
}

// Reporter consumes error events. Capture must not block for long and
// never fails from the caller's point of view.
type Reporter interface {
	Capture(ctx context.Context, e Event)
}

// ValueFingerprint groups events about the same invalid value: the decoder
// name plus a hash of the raw bytes.
func ValueFingerprint(kind, decoder string, raw []byte) []string {
	return []string{kind, decoder, fmt.Sprintf("%016x", xxhash.Sum64(raw))}
}

type nop struct{}

func (nop) Capture(context.Context, Event) {}

// Nop returns a Reporter that drops every event.
func Nop() Reporter { return nop{} }

// LogReporter writes events as error level log lines.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Capture(_ context.Context, e Event) {
	ev := r.logger.Error().
		Err(e.Error).
		Str("event_id", uuid.NewString()).
		Str("location", e.Location)
	if len(e.Fingerprint) > 0 {
		ev = ev.Strs("fingerprint", e.Fingerprint)
	}
	if len(e.Context) > 0 {
		ev = ev.Interface("context", e.Context)
	}
	ev.Msg("error reported")
}

// Recorder keeps events in memory for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Capture(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

type multi []Reporter

func (m multi) Capture(ctx context.Context, e Event) {
	for _, r := range m {
		r.Capture(ctx, e)
	}
}

// Multi fans every event out to all non-nil reporters.
func Multi(reporters ...Reporter) Reporter {
	out := make(multi, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
