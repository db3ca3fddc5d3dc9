package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/orchestrator"
)

// NewRunCommand builds the sequential "run" subcommand (spec.md §4.2).
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute tasks one at a time (sequential mode)",
		Long: `run drives the sequential orchestrator: it repeatedly picks the
highest-priority ready task, runs it through a single provider CLI, validates
the result, sends it to the judge panel, and commits on success.

Examples:
  ralph run --prd-dir ./tasks
  ralph run --prd-file plan.json --iterations 5
  ralph run --filter-category backend --skip-validation`,
		RunE: runSequential,
	}
	addCommonFlags(cmd)
	return cmd
}

func runSequential(cmd *cobra.Command, args []string) error {
	deps, flags, err := buildRuntimeDeps(cmd)
	if err != nil {
		return err
	}

	if flags.dryRun {
		summary := deps.source.GetSummary()
		fmt.Fprintf(cmd.OutOrStdout(), "dry run: %d task(s), %d pending, %d completed\n",
			summary.Total, summary.Pending, summary.Completed)
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	branch, commit := currentGitState(ctx, deps.repoRoot)
	sessionID, err := deps.sessions.CreateSession(map[string]any{
		"mode":     "sequential",
		"provider": deps.cfg.Provider.Provider,
	}, flags.iterations, branch, commit)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	orchDeps := orchestrator.Deps{
		Source:         deps.source,
		RateLimit:      deps.rateLimit,
		Runner:         deps.runner,
		Validation:     deps.pipeline,
		Judges:         deps.judges,
		Resolver:       deps.resolver,
		Bus:            deps.bus,
		History:        deps.hist,
		SessionID:      sessionID,
		Log:            deps.log,
		SkipValidation: flags.skipValidation,
		FilterCategory: flags.filterCategory,
		FilterPriority: models.Priority(flags.filterPriority),
	}

	iterations := flags.iterations
	if iterations <= 0 {
		iterations = deps.cfg.Iterations
	}
	if iterations <= 0 {
		iterations = 1 << 20 // effectively unbounded; loop stops when no task is ready
	}

	seq := orchestrator.NewSequential(orchDeps)
	result := seq.Run(ctx, iterations)

	if err := deps.sessions.CompleteSession(sessionID); err != nil {
		deps.log.Warnf("completing session %s: %v", sessionID, err)
	}
	if deps.hist != nil {
		deps.hist.Close()
	}

	deps.log.Infof("completed %d/%d tasks in %s", result.Completed, result.Total, result.Duration.Round(0))
	for _, t := range result.Tasks {
		if !t.Success {
			deps.log.Warnf("task %s failed: %s", t.TaskID, t.Reason)
		}
	}
	return nil
}
