package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"taskq/internal/api"
	"taskq/internal/config"
)

// RunAPI serves the HTTP surface on port until SIGINT or SIGTERM.
func RunAPI(port int) error {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, err := SetupLogging(ctx, cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Broker.Kind == config.BrokerMemory {
		log.Ctx(ctx).Warn().Msg("memory broker is process local, no worker will see these tasks")
	}

	rt, err := Build(ctx, cfg, "api", nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	deps := api.Deps{
		Registry:   rt.Registry,
		Registerer: prometheus.DefaultRegisterer,
		Gatherer:   prometheus.DefaultGatherer,
	}
	if rt.DeadLetters != nil {
		deps.DeadLetters = rt.DeadLetters
	}
	srv, err := api.NewServer(deps)
	if err != nil {
		return err
	}
	return srv.Run(ctx, port)
}
