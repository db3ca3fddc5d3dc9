package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/session"
)

// NewStatusCommand prints the active session's state, if any.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active session's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := sessionsDir()
			if err != nil {
				return err
			}
			mgr, err := session.New(dir)
			if err != nil {
				return err
			}
			list, err := mgr.ListSessions()
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			for _, e := range list {
				if e.Status == models.SessionRunning {
					fmt.Fprintf(cmd.OutOrStdout(), "active session: %s (started %s, %d task(s) recorded)\n",
						e.SessionID, e.StartedAt.Format("2006-01-02T15:04:05"), e.TaskCount)
					return nil
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "no active session")
			return nil
		},
	}
}
