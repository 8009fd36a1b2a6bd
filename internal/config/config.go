// Package config handles application configuration from environment variables
package config

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty   bool   `env:"LOG_PRETTY" envDefault:"false"`
	SentryDSN   string `env:"SENTRY_DSN"`

	// Instances are the language instances resources are served for.
	Instances []string `env:"INSTANCES" envDefault:"de" envSeparator:","`

	Redis     RedisConfig
	Cache     CacheConfig
	Queue     QueueConfig
	DataLayer DataLayerConfig
}

// RedisConfig is shared by the redis cache store and the job queue.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

type CacheConfig struct {
	Backend          string `env:"CACHE_BACKEND" envDefault:"memory"`
	Dir              string `env:"CACHE_DIR" envDefault:".cache"`
	KeyPrefix        string `env:"CACHE_KEY_PREFIX"`
	DatabaseURL      string `env:"DATABASE_URL"`
	WriteSlots       int    `env:"CACHE_WRITE_SLOTS" envDefault:"8"`
	LowPrioritySlots int    `env:"CACHE_LOW_PRIORITY_SLOTS" envDefault:"2"`
}

type QueueConfig struct {
	Name               string        `env:"SWR_QUEUE_NAME" envDefault:"swr"`
	Concurrency        int           `env:"SWR_QUEUE_WORKER_CONCURRENCY" envDefault:"4"`
	WorkerDelay        time.Duration `env:"SWR_QUEUE_WORKER_DELAY" envDefault:"0s"`
	StalledCheckPeriod time.Duration `env:"SWR_QUEUE_STALLED_CHECK_INTERVAL" envDefault:"30s"`
}

type DataLayerConfig struct {
	Host         string        `env:"DATA_LAYER_HOST" envDefault:"http://localhost:8081"`
	Timeout      time.Duration `env:"DATA_LAYER_TIMEOUT" envDefault:"10s"`
	ClientID     string        `env:"DATA_LAYER_CLIENT_ID"`
	ClientSecret string        `env:"DATA_LAYER_CLIENT_SECRET"`
	TokenURL     string        `env:"DATA_LAYER_TOKEN_URL"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads configuration from vars instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, errors.Wrap(err, "config: parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// HasOAuth returns true if data layer client credentials are complete
func (d DataLayerConfig) HasOAuth() bool {
	return d.ClientID != "" && d.ClientSecret != "" && d.TokenURL != ""
}

var instanceName = regexp.MustCompile(`^[a-z]{2,3}$`)

// queueKeyspace is the prefix asynq uses for its own Redis keys.
const queueKeyspace = "asynq:"

// DefaultRedisKeyPrefix is used by the redis cache store when no prefix is
// configured, keeping cache keys apart from the job queue's.
const DefaultRedisKeyPrefix = "swrcache:"

// outsideQueueKeyspace rejects cache prefixes that would scan or flush the
// job queue's keys.
var outsideQueueKeyspace = validation.By(func(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(queueKeyspace, s) || strings.HasPrefix(s, queueKeyspace) {
		return errors.Newf("must not overlap the %q keyspace", queueKeyspace)
	}
	return nil
})

// absoluteURL accepts http(s) URLs with a host.
var absoluteURL = validation.By(func(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Newf("must be an absolute http(s) URL")
	}
	return nil
})

// Validate rejects unusable combinations
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.LogLevel, validation.In("trace", "debug", "info", "warn", "error")),
		validation.Field(&c.Instances, validation.Required, validation.Each(validation.Required, validation.Match(instanceName))),
	)
	if err != nil {
		return errors.Wrap(err, "config")
	}

	cache := &c.Cache
	err = validation.ValidateStruct(cache,
		validation.Field(&cache.Backend, validation.Required,
			validation.In(BackendMemory, BackendRedis, BackendFile, BackendPostgres)),
		validation.Field(&cache.Dir, validation.When(cache.Backend == BackendFile, validation.Required)),
		validation.Field(&cache.DatabaseURL, validation.When(cache.Backend == BackendPostgres, validation.Required)),
		validation.Field(&cache.KeyPrefix, validation.When(cache.Backend == BackendRedis, outsideQueueKeyspace)),
		validation.Field(&cache.WriteSlots, validation.Required, validation.Min(1)),
		validation.Field(&cache.LowPrioritySlots, validation.Required, validation.Min(1), validation.Max(cache.WriteSlots)),
	)
	if err != nil {
		return errors.Wrap(err, "config: cache")
	}

	q := &c.Queue
	err = validation.ValidateStruct(q,
		validation.Field(&q.Name, validation.Required),
		validation.Field(&q.Concurrency, validation.Required, validation.Min(1)),
		validation.Field(&q.WorkerDelay, validation.Min(time.Duration(0))),
		validation.Field(&q.StalledCheckPeriod, validation.Min(time.Duration(0))),
	)
	if err != nil {
		return errors.Wrap(err, "config: queue")
	}

	d := &c.DataLayer
	partial := d.ClientID != "" || d.ClientSecret != "" || d.TokenURL != ""
	err = validation.ValidateStruct(d,
		validation.Field(&d.Host, validation.Required, absoluteURL),
		validation.Field(&d.Timeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&d.ClientID, validation.When(partial, validation.Required)),
		validation.Field(&d.ClientSecret, validation.When(partial, validation.Required)),
		validation.Field(&d.TokenURL, validation.When(partial, validation.Required, absoluteURL)),
	)
	return errors.Wrap(err, "config: data layer")
}
