package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"taskq/internal/api"
	"taskq/internal/config"
	"taskq/internal/watchdog"
	"taskq/internal/worker"
)

type WorkerConfig struct {
	ConsumerName string
	Concurrency  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	// Port serves the HTTP surface next to the workers when > 0.
	Port int
}

// RunWorker consumes every sample task queue until SIGINT or SIGTERM.
func RunWorker(cfg WorkerConfig) error {
	appCfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, err := SetupLogging(ctx, appCfg.Log.Level)
	if err != nil {
		return err
	}
	return ServeWorkers(ctx, appCfg, cfg, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// ServeWorkers runs workers, the watchdog, the redis scheduler and the
// optional HTTP server until ctx is cancelled or one of them fails.
func ServeWorkers(ctx context.Context, appCfg *config.Config, cfg WorkerConfig, reg prometheus.Registerer, gat prometheus.Gatherer) error {
	rt, err := Build(ctx, appCfg, cfg.ConsumerName, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = appCfg.Worker.Concurrency
	}
	opts := []worker.Option{
		worker.WithConcurrency(concurrency),
		worker.WithBackoff(pick(cfg.BaseBackoff, appCfg.Worker.BaseBackoff), pick(cfg.MaxBackoff, appCfg.Worker.MaxBackoff)),
		worker.WithDeferInterval(appCfg.Worker.DeferInterval),
	}

	var wd *watchdog.Watchdog
	if appCfg.Watchdog.Enabled {
		wd, err = watchdog.New(rt.Broker, newTaskLogger(cfg.ConsumerName),
			watchdog.WithInterval(appCfg.Watchdog.Interval),
			watchdog.WithThreshold(watchdogThreshold(appCfg)),
		)
		if err != nil {
			return err
		}
	}

	var srv *api.Server
	if cfg.Port > 0 {
		deps := api.Deps{
			Registry:   rt.Registry,
			Registerer: reg,
			Gatherer:   gat,
		}
		if rt.DeadLetters != nil {
			deps.DeadLetters = rt.DeadLetters
		}
		if wd != nil {
			deps.Healthy = func() bool { return !wd.Stale() }
		}
		if srv, err = api.NewServer(deps); err != nil {
			return err
		}
	}

	// Everything is built; nothing below returns before g.Wait.
	g, gctx := errgroup.WithContext(ctx)

	if rt.Scheduler != nil {
		g.Go(func() error { return ignoreCanceled(rt.Scheduler.Run(gctx)) })
	}
	for _, t := range rt.Registry.All() {
		w := worker.New(t, opts...)
		g.Go(func() error { return w.Run(gctx) })
	}
	if wd != nil {
		g.Go(func() error { return wd.Run(gctx) })
	}
	if srv != nil {
		g.Go(func() error { return srv.Run(gctx, cfg.Port) })
	}

	log.Ctx(ctx).Info().
		Str("consumer", cfg.ConsumerName).
		Int("concurrency", concurrency).
		Bool("watchdog", wd != nil).
		Msg("worker started")

	err = g.Wait()
	log.Ctx(ctx).Info().Msg("worker stopped")
	return err
}

// watchdogThreshold keeps the threshold above the broker poll interval, since
// an idle heartbeat consumer may sleep that long before seeing a new beat.
func watchdogThreshold(cfg *config.Config) time.Duration {
	return max(cfg.Watchdog.Threshold, 2*cfg.Broker.PollInterval)
}

func pick(flag, fallback time.Duration) time.Duration {
	if flag > 0 {
		return flag
	}
	return fallback
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
