package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blueman82/ralph/internal/session"
)

func sessionsDir() (string, error) {
	repoRoot, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving working directory: %w", err)
	}
	return filepath.Join(repoRoot, ".ralph", "sessions"), nil
}

// NewSessionsCommand lists every known session, newest first.
func NewSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List past and active orchestrator sessions",
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
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no sessions recorded")
				return nil
			}
			for _, e := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s  started=%s  tasks=%d\n",
					e.SessionID, e.Status, e.StartedAt.Format("2006-01-02T15:04:05"), e.TaskCount)
			}
			return nil
		},
	}
}
