package cli

import (
	"github.com/smash-sh/smash/internal/smashd/reexec"
	"github.com/smash-sh/smash/internal/smashd/server"

	"github.com/spf13/cobra"
)

// reexecCommand is the in-child half of the job launcher. The serve
// process spawns it as a new process-group leader; it reads the job spec
// from the inherited pipe, applies limits and output redirection, and
// execs the job's command. It should never be invoked directly.
func reexecCommand() *cobra.Command {
	return &cobra.Command{
		Use:    server.ReexecCommand,
		Hidden: true,
		RunE: func(*cobra.Command, []string) error {
			spec, err := reexec.ReadSpec()
			if err != nil {
				return err
			}
			// Exec only returns on failure. A failure after the output
			// redirection (command lookup or exec) lands in the job's
			// stderr capture file via main; earlier failures go to the
			// null device the child was started with as stderr.
			return reexec.Exec(spec)
		},
	}
}
