// Package timer provides the logical clock used for cache staleness math.
package timer

import (
	"sync"
	"time"
)

// Timer returns the current time in milliseconds.
type Timer interface {
	Now() int64
}

type systemTimer struct {
	start     time.Time
	startUnix int64
}

// System returns a Timer backed by the monotonic clock, anchored at the wall
// time it was created.
func System() Timer {
	now := time.Now()
	return &systemTimer{start: now, startUnix: now.UnixMilli()}
}

func (t *systemTimer) Now() int64 {
	return t.startUnix + time.Since(t.start).Milliseconds()
}

// MockTimer is a manually driven Timer for tests. It starts at 0.
type MockTimer struct {
	mu      sync.Mutex
	current int64
}

var _ Timer = (*MockTimer)(nil)

// NewMock returns a MockTimer starting at 0.
func NewMock() *MockTimer {
	return &MockTimer{}
}

func (t *MockTimer) Now() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Set moves the timer to ms.
func (t *MockTimer) Set(ms int64) {
	t.mu.Lock()
	t.current = ms
	t.mu.Unlock()
}

// Advance moves the timer forward by d.
func (t *MockTimer) Advance(d time.Duration) {
	t.mu.Lock()
	t.current += d.Milliseconds()
	t.mu.Unlock()
}

// Flush resets the timer to the current wall time.
func (t *MockTimer) Flush() {
	t.Set(time.Now().UnixMilli())
}
