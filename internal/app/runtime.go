// Package app wires configuration, brokers, tasks and workers into the
// worker and api processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskq/internal/config"
	"taskq/internal/hook"
	"taskq/internal/infra/memq"
	"taskq/internal/infra/redisq"
	"taskq/internal/logger"
	"taskq/internal/ports"
	"taskq/internal/ratelimit"
	"taskq/internal/tasks"
	"taskq/internal/watchdog"
)

// Runtime holds the collaborators shared by the worker and api processes.
type Runtime struct {
	Cfg         *config.Config
	Broker      ports.Broker
	Registry    *tasks.Registry
	Metrics     *hook.Metrics
	DeadLetters *hook.DeadLetterStore
	Scheduler   ports.Scheduler

	closers []func() error
}

// SetupLogging sets the global zerolog level and returns a context carrying
// the global logger.
func SetupLogging(ctx context.Context, level string) (context.Context, error) {
	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return ctx, err
	}
	zerolog.SetGlobalLevel(lvl)
	return log.Logger.WithContext(ctx), nil
}

// Build connects the configured broker and wires the sample tasks. consumer
// tags every task log record.
func Build(ctx context.Context, cfg *config.Config, consumer string, reg prometheus.Registerer) (*Runtime, error) {
	rt := &Runtime{Cfg: cfg}

	broker, err := rt.newBroker(ctx)
	if err != nil {
		return nil, err
	}
	rt.Broker = broker

	if reg != nil {
		m, err := hook.NewMetrics(reg)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		rt.Metrics = m
	}

	if cfg.DeadLetter.Path != "" {
		s, err := hook.OpenDeadLetterStore(cfg.DeadLetter.Path)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.DeadLetters = s
		rt.closers = append(rt.closers, s.Close)
	}

	limiter, err := ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	if err != nil {
		rt.Close()
		return nil, err
	}

	registry, err := tasks.Build(broker, tasks.Deps{
		Hook:     rt.hookFor,
		Logger:   func() ports.Logger { return newTaskLogger(consumer) },
		Limiter:  limiter,
		LogLevel: cfg.Log.Level,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Registry = registry

	if d, ok := broker.(ports.QueueDeclarer); ok {
		for _, q := range registry.Queues() {
			if err := d.DeclareQueue(ctx, q); err != nil {
				rt.Close()
				return nil, fmt.Errorf("declare queue %s: %w", q, err)
			}
		}
	}

	log.Ctx(ctx).Info().
		Str("broker", cfg.Broker.Kind).
		Strs("queues", registry.Queues()).
		Bool("dead_letters", rt.DeadLetters != nil).
		Msg("runtime ready")
	return rt, nil
}

func (rt *Runtime) newBroker(ctx context.Context) (ports.Broker, error) {
	switch rt.Cfg.Broker.Kind {
	case config.BrokerMemory:
		return memq.New(memq.WithPollInterval(rt.Cfg.Broker.PollInterval)), nil
	case config.BrokerRedis:
		b := redisq.New(rt.Cfg.Redis, redisq.WithPollInterval(rt.Cfg.Broker.PollInterval))
		rt.closers = append(rt.closers, b.Close)
		if err := b.Init(ctx, watchdog.Queue); err != nil {
			rt.Close()
			return nil, err
		}
		rt.Scheduler = redisq.NewScheduler(b, rt.Cfg.Redis.SchedulerInterval)
		return b, nil
	}
	return nil, fmt.Errorf("unknown broker kind %q", rt.Cfg.Broker.Kind)
}

func (rt *Runtime) hookFor(queue string, l ports.Logger) ports.Hook {
	hs := hook.Multi{hook.NewLog(l)}
	if rt.Metrics != nil {
		hs = append(hs, rt.Metrics.For(queue))
	}
	if rt.DeadLetters != nil {
		hs = append(hs, rt.DeadLetters.For(queue))
	}
	return hs
}

// Close releases the broker connection and the dead letter store.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func newTaskLogger(consumer string) ports.Logger {
	zl := zerolog.New(os.Stderr).With().Timestamp().Str("consumer", consumer).Logger()
	return logger.FromZerolog(zl)
}
