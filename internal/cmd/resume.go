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

// NewResumeCommand reopens a crashed or interrupted session and continues it
// in whichever mode it was originally running (spec.md §4.11).
func NewResumeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [session-id]",
		Short: "Resume a crashed or interrupted session",
		Long: `resume reopens the active session (or a named one), returns its
orphaned in-flight task (if any) to pending, and continues the orchestrator
loop in the mode the session was originally running under.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runResume,
	}
	addCommonFlags(cmd)
	cmd.Flags().Int("workers", 0, "Number of concurrent workers for factory mode (0 = config default)")
	cmd.Flags().String("worktree-dir", "", "Directory to hold worker worktrees (default: .ralph/worktrees)")
	cmd.Flags().String("spec-description", "", "Spec summary given to the planner; empty disables planning")
	return cmd
}

func runResume(cmd *cobra.Command, args []string) error {
	deps, flags, err := buildRuntimeDeps(cmd)
	if err != nil {
		return err
	}

	id := ""
	if len(args) == 1 {
		id = args[0]
	}

	resumed, orphaned, err := deps.sessions.Resume(id)
	if err != nil {
		return fmt.Errorf("resuming session: %w", err)
	}

	if orphaned != "" {
		deps.log.Warnf("returning orphaned task %s to pending", orphaned)
		if err := deps.source.MarkFailedAttempt(orphaned); err != nil {
			deps.log.Warnf("clearing orphaned task %s: %v", orphaned, err)
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	mode, _ := resumed.Config["mode"].(string)

	var result orchestrator.RunResult
	switch mode {
	case "factory":
		result, err = resumeFactory(ctx, cmd, deps, resumed)
	default:
		result, err = resumeSequential(ctx, deps, flags, resumed.SessionID)
	}

	if completeErr := deps.sessions.CompleteSession(resumed.SessionID); completeErr != nil {
		deps.log.Warnf("completing session %s: %v", resumed.SessionID, completeErr)
	}
	if deps.hist != nil {
		deps.hist.Close()
	}
	if err != nil {
		return err
	}

	deps.log.Infof("resumed session %s (%s mode): completed %d/%d tasks in %s",
		resumed.SessionID, mode, result.Completed, result.Total, result.Duration.Round(0))
	for _, t := range result.Tasks {
		if !t.Success {
			deps.log.Warnf("task %s failed: %s", t.TaskID, t.Reason)
		}
	}
	return nil
}

func resumeSequential(ctx context.Context, deps *runtimeDeps, flags resolvedFlags, sessionID string) (orchestrator.RunResult, error) {
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
		iterations = 1 << 20
	}

	return orchestrator.NewSequential(orchDeps).Run(ctx, iterations), nil
}

func resumeFactory(ctx context.Context, cmd *cobra.Command, deps *runtimeDeps, resumed *models.Session) (orchestrator.RunResult, error) {
	flags := readFlags(cmd)

	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		if w, ok := resumed.Config["workers"].(float64); ok && int(w) > 0 {
			workers = int(w)
		}
	}
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

	pool := worker.NewPool(deps.repoRoot, worktreeDir, workers)
	if err := pool.Init(ctx); err != nil {
		return orchestrator.RunResult{}, fmt.Errorf("initializing worker pool: %w", err)
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
		SessionID:          resumed.SessionID,
		Log:                deps.log,
		SkipValidation:     flags.skipValidation,
		FilterCategory:     flags.filterCategory,
		FilterPriority:     models.Priority(flags.filterPriority),
		MaxTierEscalations: deps.cfg.Retry.MaxTierEscalations,
	}

	return orchestrator.NewFactory(factoryDeps).Run(ctx), nil
}
