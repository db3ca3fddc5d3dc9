package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blueman82/ralph/internal/judge"
	"github.com/blueman82/ralph/internal/merge"
	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/orchestrator"
	"github.com/blueman82/ralph/internal/planner"
	"github.com/blueman82/ralph/internal/worker"
)

// NewFactoryCommand builds the parallel "factory" subcommand (spec.md §4.3).
func NewFactoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Execute tasks concurrently across isolated worktrees (factory mode)",
		Long: `factory dispatches ready tasks across a pool of workers, each running
its own provider CLI in an isolated git worktree. A single merge coordinator
cherry-picks each worker's commit back onto trunk, serializing conflicting
writes. A planner periodically re-evaluates progress against the spec and
may append new tasks.

Examples:
  ralph factory --prd-dir ./tasks --workers 4
  ralph factory --prd-file plan.json --workers 8 --spec-description "ship the billing API"`,
		RunE: runFactory,
	}
	addCommonFlags(cmd)
	cmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = config default)")
	cmd.Flags().String("worktree-dir", "", "Directory to hold worker worktrees (default: .ralph/worktrees)")
	cmd.Flags().String("spec-description", "", "Spec summary given to the planner; empty disables planning")
	return cmd
}

func runFactory(cmd *cobra.Command, args []string) error {
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

	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = deps.cfg.Workers
	}
	if workers <= 0 {
		workers = 4
	}

	worktreeDir, _ := cmd.Flags().GetString("worktree-dir")
	if worktreeDir == "" {
		worktreeDir = filepath.Join(deps.repoRoot, ".ralph", "worktrees")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	pool := worker.NewPool(deps.repoRoot, worktreeDir, workers)
	if err := pool.Init(ctx); err != nil {
		return fmt.Errorf("initializing worker pool: %w", err)
	}

	var plan *planner.Planner
	specDescription, _ := cmd.Flags().GetString("spec-description")
	if specDescription != "" {
		var hl planner.HistoryLookup
		if deps.hist != nil {
			hl = deps.hist
		}
		plan = planner.New(deps.repoRoot, judge.RunnerInvoker{Runner: deps.runner}, deps.source, hl,
			specDescription, deps.cfg.Provider.Provider, deps.cfg.Provider.Model)
		plan.Interval = deps.cfg.PlannerInterval
	}

	branch, commit := currentGitState(ctx, deps.repoRoot)
	sessionID, err := deps.sessions.CreateSession(map[string]any{
		"mode":    "factory",
		"workers": workers,
	}, flags.iterations, branch, commit)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	factoryDeps := orchestrator.FactoryDeps{
		Source:             deps.source,
		RateLimit:          deps.rateLimit,
		Runner:             deps.runner,
		Validation:         deps.pipeline,
		Judges:             deps.judges,
		Merge:              merge.New(deps.repoRoot),
		Workers:            pool,
		Planner:            plan,
		Resolver:           deps.resolver,
		Bus:                deps.bus,
		History:            deps.hist,
		SessionID:          sessionID,
		Log:                deps.log,
		SkipValidation:     flags.skipValidation,
		FilterCategory:     flags.filterCategory,
		FilterPriority:     models.Priority(flags.filterPriority),
		MaxTierEscalations: deps.cfg.Retry.MaxTierEscalations,
	}

	f := orchestrator.NewFactory(factoryDeps)
	result := f.Run(ctx)

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
