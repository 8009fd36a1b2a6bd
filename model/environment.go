package model

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/errorsink"
	"github.com/briangreenhill/swrcache/internal/metrics"
	"github.com/briangreenhill/swrcache/timer"
)

// Source labels written into cache entries.
const (
	SourceQuery    = "query"
	SourceWorker   = "worker"
	SourceMutation = "mutation"
	SourceOps      = "ops"
)

// SwrQueue schedules a background refresh of key.
type SwrQueue interface {
	Enqueue(ctx context.Context, key string) error
}

// NoopQueue never schedules anything; queries still serve stale values.
type NoopQueue struct{}

func (NoopQueue) Enqueue(context.Context, string) error { return nil }

// Environment carries the collaborators shared by queries and mutations.
type Environment struct {
	Cache    cache.Cache
	Queue    SwrQueue
	Timer    timer.Timer
	Logger   zerolog.Logger
	Reporter errorsink.Reporter
	Metrics  *metrics.Metrics
}

func (e Environment) withDefaults() Environment {
	if e.Queue == nil {
		e.Queue = NoopQueue{}
	}
	if e.Timer == nil {
		e.Timer = timer.System()
	}
	if e.Reporter == nil {
		e.Reporter = errorsink.Nop()
	}
	return e
}
