package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"taskq/internal/config"
	"taskq/internal/protocol"
)

// DefaultPollInterval is how long Dequeue waits before looking at an empty queue again.
const DefaultPollInterval = 5 * time.Second

// Broker stores queues as Redis lists. Items with a future eta are parked in a
// sorted set per queue until the Scheduler releases them.
type Broker struct {
	Cfg config.Redis
	Rdb redis.UniversalClient

	pollInterval time.Duration
	clock        protocol.Clock
}

type Option func(*Broker)

func WithPollInterval(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

func WithClock(c protocol.Clock) Option {
	return func(b *Broker) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithClient uses an existing client instead of dialing cfg.Addr.
func WithClient(rdb redis.UniversalClient) Option {
	return func(b *Broker) {
		b.Rdb = rdb
	}
}

func New(cfg config.Redis, opts ...Option) *Broker {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "taskq"
	}
	b := &Broker{
		Cfg:          cfg,
		pollInterval: DefaultPollInterval,
		clock:        protocol.SystemClock,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.Rdb == nil {
		log.Info().Msgf("connecting to redis at %s", cfg.Addr)
		b.Rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}
	return b
}

// Connect checks that redis answers.
func (b *Broker) Connect(ctx context.Context) error {
	if err := b.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Msg("connected to redis")
	return nil
}

// Init connects and declares the given queues.
func (b *Broker) Init(ctx context.Context, queues ...string) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	for _, q := range queues {
		if err := b.DeclareQueue(ctx, q); err != nil {
			return err
		}
	}

	log.Ctx(ctx).Info().
		Strs("queues", queues).
		Str("prefix", b.Cfg.KeyPrefix).
		Msg("redis queues ready")
	return nil
}

func (b *Broker) Close() error {
	return b.Rdb.Close()
}

func (b *Broker) queuesKey() string              { return b.Cfg.KeyPrefix + ":queues" }
func (b *Broker) listKey(queue string) string    { return b.Cfg.KeyPrefix + ":queue:" + queue }
func (b *Broker) delayedKey(queue string) string { return b.Cfg.KeyPrefix + ":delayed:" + queue }
