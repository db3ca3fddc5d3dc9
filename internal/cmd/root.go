// Package cmd wires the ralph subcommands: run (sequential), factory
// (parallel), resume, abort, status, and sessions. Each subcommand loads
// internal/config, builds the collaborators described in spec.md §4, and
// drives one of internal/orchestrator's two loops.
package cmd

import "github.com/spf13/cobra"

// Version is the current ralph CLI version.
const Version = "0.1.0"

// NewRootCommand builds the root ralph cobra command with every
// subcommand attached.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ralph",
		Short: "Autonomous spec-driven coding orchestrator",
		Long: `ralph drives external AI coding-assistant CLIs (claude, gemini, cursor)
through a versioned task backlog, validating each task's output with
compile/test/lint gates and LLM judge review before committing it.

Sequential mode (run) executes one task at a time. Factory mode (factory)
dispatches many tasks concurrently across isolated git worktrees, merging
each worker's commit back onto trunk through a single-owner coordinator.`,
		Version:      Version,
		SilenceUsage: true,
	}

	root.AddCommand(NewRunCommand())
	root.AddCommand(NewFactoryCommand())
	root.AddCommand(NewResumeCommand())
	root.AddCommand(NewAbortCommand())
	root.AddCommand(NewStatusCommand())
	root.AddCommand(NewSessionsCommand())

	return root
}
