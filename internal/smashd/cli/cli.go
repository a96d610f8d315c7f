// Package cli defines the smashd command tree.
package cli

import (
	"github.com/smash-sh/smash/internal/log"
	"github.com/smash-sh/smash/internal/proto"
	"github.com/smash-sh/smash/internal/smashd/server"

	"github.com/spf13/cobra"
)

// Root builds the smashd root command. Running it with no subcommand
// serves the batch job API on a unix socket.
func Root() *cobra.Command {
	var cfg server.Config
	var debug bool

	cmd := &cobra.Command{
		Use:   "smashd",
		Short: "Serve a multi-user batch job server on a local socket",
		Long: `smashd accepts authenticated clients over a local stream socket, runs
their submitted commands as supervised process groups with cpu, memory,
and priority limits, captures per-stream output, and pushes lifecycle
updates back to each job's owner.`,

		// The reexec child must not print usage noise into a job's
		// captured output.
		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(cmd *cobra.Command, _ []string) error {
			log.SetDebug(debug)
			return server.New(cfg).Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cfg.SocketPath, "socket", "f", proto.DefaultSocket, "socket file to listen on; must not pre-exist")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debugging output")
	cmd.Flags().IntVarP(&cfg.MaxJobs, "max-jobs", "n", 0, "maximum number of concurrently running jobs (0 = unlimited)")

	cmd.AddCommand(reexecCommand())

	return cmd
}
