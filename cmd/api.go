package cmd

import (
	"github.com/spf13/cobra"

	"taskq/internal/app"
)

func apiCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "api",
		Short: "Start API server that enqueues tasks by name",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.RunAPI(port)
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
