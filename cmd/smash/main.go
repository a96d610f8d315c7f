package main

import (
	"fmt"
	"os"

	"github.com/smash-sh/smash/internal/log"
	"github.com/smash-sh/smash/internal/proto"
	"github.com/smash-sh/smash/internal/shell"

	"github.com/spf13/cobra"
)

func main() {
	var (
		socket  string
		debug   bool
		user    string
		command string
	)

	cmd := &cobra.Command{
		Use:   "smash",
		Short: "Interactive client for the smashd batch job server",

		SilenceUsage:  true,
		SilenceErrors: true,

		RunE: func(*cobra.Command, []string) error {
			log.SetDebug(debug)

			if command != "" && user == "" {
				return fmt.Errorf("-c requires a username via -u")
			}

			sh, err := shell.Dial(socket)
			if err != nil {
				return err
			}
			defer sh.Close()

			name := user
			if name == "" {
				name = shell.Username()
			}
			if err := sh.Login(name); err != nil {
				return fmt.Errorf("error logging in; %w", err)
			}

			repl := shell.NewREPL(sh)
			if command != "" {
				return repl.Execute(command)
			}
			repl.Run()
			return nil
		},
	}

	cmd.Flags().StringVarP(&socket, "socket", "f", proto.DefaultSocket, "socket file the server listens on")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debugging output")
	cmd.Flags().StringVarP(&user, "user", "u", "", "username to log in as")
	cmd.Flags().StringVarP(&command, "command", "c", "", "execute a single command and exit; requires -u")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
