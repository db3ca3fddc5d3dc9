package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blueman82/ralph/internal/session"
)

// NewAbortCommand marks the active session (or a named one) aborted.
func NewAbortCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort [session-id]",
		Short: "Abort the active session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := sessionsDir()
			if err != nil {
				return err
			}
			mgr, err := session.New(dir)
			if err != nil {
				return err
			}
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			if err := mgr.AbortSession(id); err != nil {
				return fmt.Errorf("aborting session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "session aborted")
			return nil
		},
	}
	return cmd
}
