package cmd

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Run executes the taskq root command with its api and worker subcommands.
func Run() {
	root := &cobra.Command{
		Use:   "taskq",
		Short: "Distributed task queue with pluggable brokers",
		Long: "taskq enqueues named tasks on a broker (memory or redis) and runs them " +
			"in worker pools with retries, rate limits, chaining and dead lettering.",
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	root.AddCommand(apiCmd(), workerCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("taskq exited")
	}
}
