package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"taskq/internal/logger"
)

const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

type Config struct {
	Log        Log        `envPrefix:"TASKQ_LOG_"`
	Broker     Broker     `envPrefix:"TASKQ_BROKER_"`
	Redis      Redis      `envPrefix:"TASKQ_REDIS_"`
	Worker     Worker     `envPrefix:"TASKQ_WORKER_"`
	RateLimit  RateLimit  `envPrefix:"TASKQ_RATELIMIT_"`
	Watchdog   Watchdog   `envPrefix:"TASKQ_WATCHDOG_"`
	DeadLetter DeadLetter `envPrefix:"TASKQ_DEADLETTER_"`
	API        API        `envPrefix:"TASKQ_API_"`
}

type Log struct {
	Level string `env:"LEVEL" envDefault:"INFO"`
}

type Broker struct {
	Kind         string        `env:"KIND" envDefault:"memory"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
}

type Redis struct {
	Addr              string        `env:"ADDRESS" envDefault:"localhost:6379"`
	Password          string        `env:"PASSWORD"`
	DB                int           `env:"DB" envDefault:"0"`
	KeyPrefix         string        `env:"KEY_PREFIX" envDefault:"taskq"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`
}

type Worker struct {
	Concurrency   int           `env:"CONCURRENCY" envDefault:"1"`
	BaseBackoff   time.Duration `env:"BASE_BACKOFF" envDefault:"500ms"`
	MaxBackoff    time.Duration `env:"MAX_BACKOFF" envDefault:"30s"`
	DeferInterval time.Duration `env:"DEFER_INTERVAL" envDefault:"1s"`
}

// RateLimit configures the per-queue token bucket. A zero rate admits everything.
type RateLimit struct {
	PerSecond float64 `env:"PER_SECOND" envDefault:"0"`
	Burst     int     `env:"BURST" envDefault:"1"`
}

type Watchdog struct {
	Enabled   bool          `env:"ENABLED" envDefault:"true"`
	Interval  time.Duration `env:"INTERVAL" envDefault:"1s"`
	Threshold time.Duration `env:"THRESHOLD" envDefault:"5s"`
}

// DeadLetter enables the sqlite dead-letter store when Path is set.
type DeadLetter struct {
	Path string `env:"PATH"`
}

type API struct {
	Port int `env:"PORT" envDefault:"8080"`
}

// Parse reads an optional .env file and then the environment.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func Load() *Config {
	c, err := Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	return c
}

func (c *Config) validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Broker.Kind {
	case BrokerMemory, BrokerRedis:
	default:
		return errors.New("config: broker kind must be memory or redis, got " + c.Broker.Kind)
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("config: worker concurrency must be at least 1")
	}
	if c.RateLimit.PerSecond < 0 {
		return errors.New("config: rate limit must not be negative")
	}
	return nil
}
