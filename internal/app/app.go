// Package app wires configuration into the components shared by the api
// and worker processes.
package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/swrcache/cache"
	"github.com/briangreenhill/swrcache/internal/config"
	"github.com/briangreenhill/swrcache/internal/datalayer"
	"github.com/briangreenhill/swrcache/internal/errorsink"
	"github.com/briangreenhill/swrcache/internal/metrics"
	"github.com/briangreenhill/swrcache/internal/resource"
	"github.com/briangreenhill/swrcache/model"
	"github.com/briangreenhill/swrcache/timer"
)

const sweepInterval = time.Minute

type App struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Reporter  errorsink.Reporter
	Timer     timer.Timer
	Cache     cache.Cache
	DataLayer *datalayer.Client
	Specs     map[string]resource.Specs // by instance
	Registry  *model.Registry

	sentry  *errorsink.SentryReporter
	closers []func()
}

// New builds every shared component. Close releases what it opened, also
// when New fails halfway.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger, Metrics: m, Timer: timer.System()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Reporter = errorsink.NewLogReporter(logger)
	if cfg.SentryDSN != "" {
		if a.sentry, err = errorsink.NewSentryReporter(cfg.SentryDSN, cfg.Environment); err != nil {
			return nil, err
		}
		a.Reporter = errorsink.Multi(a.Reporter, a.sentry)
	}

	store, err := a.newStore(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.Cache.KeyPrefix != "" && cfg.Cache.Backend != config.BackendRedis {
		store = cache.WithPrefix(store, cfg.Cache.KeyPrefix)
	}
	a.Cache = cache.New(store, a.Timer,
		cache.WithWriteSlots(cfg.Cache.WriteSlots),
		cache.WithLowPrioritySlots(cfg.Cache.LowPrioritySlots),
	)
	a.closers = append(a.closers, func() { _ = a.Cache.Quit(context.Background()) })

	dl := []datalayer.Option{
		datalayer.WithTimeout(cfg.DataLayer.Timeout),
		datalayer.WithLogger(logger.With().Str("component", "datalayer").Logger()),
	}
	if cfg.DataLayer.HasOAuth() {
		dl = append(dl, datalayer.WithClientCredentials(cfg.DataLayer.ClientID, cfg.DataLayer.ClientSecret, cfg.DataLayer.TokenURL))
	}
	if a.DataLayer, err = datalayer.New(cfg.DataLayer.Host, dl...); err != nil {
		return nil, err
	}

	a.Specs = make(map[string]resource.Specs, len(cfg.Instances))
	var specs []model.Refreshable
	for _, instance := range cfg.Instances {
		s := resource.NewSpecs(instance, a.DataLayer)
		a.Specs[instance] = s
		specs = append(specs, s.Refreshables()...)
	}
	if a.Registry, err = model.NewRegistry(specs...); err != nil {
		return nil, err
	}
	logger.Info().
		Str("backend", cfg.Cache.Backend).
		Strs("queries", a.Registry.List()).
		Msg("cache ready")
	return a, nil
}

func (a *App) newStore(ctx context.Context) (cache.Store, error) {
	cfg := a.Config
	switch cfg.Cache.Backend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = client.Close() })
		prefix := cfg.Cache.KeyPrefix
		if prefix == "" {
			prefix = config.DefaultRedisKeyPrefix
		}
		return cache.NewRedisStore(client, prefix), nil
	case config.BackendFile:
		return cache.NewFileStore(cfg.Cache.Dir)
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Cache.DatabaseURL)
		if err != nil {
			return nil, errors.Wrap(err, "app: connect postgres")
		}
		a.closers = append(a.closers, pool.Close)
		return cache.NewPostgresStore(ctx, pool)
	default:
		return cache.NewMemoryStore(context.Background(), sweepInterval), nil
	}
}

// RedisOpt is the asynq connection for the job queue.
func (a *App) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}
}

// Env is the model environment with queue as its SWR queue.
func (a *App) Env(queue model.SwrQueue) model.Environment {
	return model.Environment{
		Cache:    a.Cache,
		Queue:    queue,
		Timer:    a.Timer,
		Logger:   a.Logger,
		Reporter: a.Reporter,
		Metrics:  a.Metrics,
	}
}

// Models builds the resource model of every configured instance.
func (a *App) Models(env model.Environment) ([]*resource.Model, error) {
	models := make([]*resource.Model, 0, len(a.Config.Instances))
	for _, instance := range a.Config.Instances {
		m, err := resource.New(a.Specs[instance], instance, a.DataLayer, env)
		if err != nil {
			return nil, errors.Wrapf(err, "app: model %s", instance)
		}
		models = append(models, m)
	}
	return models, nil
}

// Close releases resources in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.sentry != nil {
		a.sentry.Flush(2 * time.Second)
	}
}
