// Package swr schedules and runs the background refreshes behind
// stale-while-revalidate queries.
package swr

// JobState is the lifecycle state of a refresh job.
type JobState int

const (
	StateEnqueued JobState = iota
	StateRunning
	StateSucceeded
	StateSkipped
	StateRetrying
	StateExhausted
)

func (s JobState) String() string {
	switch s {
	case StateEnqueued:
		return "enqueued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateSkipped:
		return "skipped"
	case StateRetrying:
		return "retrying"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// Terminal reports whether no further attempt follows s.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateSkipped || s == StateExhausted
}

// JobResult is the outcome of one successful attempt.
type JobResult struct {
	State   JobState
	Message string
}
