package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"taskq/internal/app"
)

func workerCmd() *cobra.Command {
	var (
		consumerName string
		concurrency  int
		baseBackoff  time.Duration
		maxBackoff   time.Duration
		port         int
	)

	var command = &cobra.Command{
		Use:   "worker",
		Short: "Start workers for every registered task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunWorker(app.WorkerConfig{
				ConsumerName: consumerName,
				Concurrency:  concurrency,
				BaseBackoff:  baseBackoff,
				MaxBackoff:   maxBackoff,
				Port:         port,
			})
		},
	}

	command.Flags().StringVar(&consumerName, "consumer", "worker-1", "Worker consumer name")
	command.Flags().IntVar(&concurrency, "concurrency", 0, "Consumers per queue (0 uses TASKQ_WORKER_CONCURRENCY)")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 0, "Base backoff duration (0 uses TASKQ_WORKER_BASE_BACKOFF)")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 0, "Max backoff duration (0 uses TASKQ_WORKER_MAX_BACKOFF)")
	command.Flags().IntVarP(&port, "port", "p", 0, "Serve health, metrics and enqueue endpoints on this port (0 disables)")

	return command
}
