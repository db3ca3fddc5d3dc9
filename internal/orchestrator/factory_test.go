package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/blueman82/ralph/internal/merge"
	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/planner"
	"github.com/blueman82/ralph/internal/ratelimit"
	"github.com/blueman82/ralph/internal/worker"
	"github.com/stretchr/testify/require"
)

// initGitRepo creates a minimal git repository at a temp path with one
// commit on its default branch, mirroring internal/merge and
// internal/worker's own test fixtures.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=ralph-test", "GIT_AUTHOR_EMAIL=ralph-test@example.com",
			"GIT_COMMITTER_NAME=ralph-test", "GIT_COMMITTER_EMAIL=ralph-test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newTestPool(t *testing.T, repo string, n int) *worker.Pool {
	t.Helper()
	worktreeDir := filepath.Join(repo, ".worktrees")
	require.NoError(t, os.MkdirAll(worktreeDir, 0o755))
	pool := worker.NewPool(repo, worktreeDir, n)
	require.NoError(t, pool.Init(context.Background()))
	return pool
}

func TestFactoryRunCompletesSingleTaskAndMergesCommit(t *testing.T) {
	repo := initGitRepo(t)
	tasks := []models.Task{
		{ID: "A", Priority: models.PriorityHigh, Status: models.StatusPending},
	}
	src := newTestSource(t, tasks)
	pool := newTestPool(t, repo, 1)

	deps := FactoryDeps{
		Source:         src,
		RateLimit:      ratelimit.New(),
		Runner:         completingRunner(),
		Merge:          merge.New(repo),
		Workers:        pool,
		SkipValidation: true,
	}
	f := NewFactory(deps)
	result := f.Run(context.Background())

	require.Equal(t, 1, result.Completed)
	require.Len(t, result.Tasks, 1)
	require.True(t, result.Tasks[0].Success)

	summary := src.GetSummary()
	require.Equal(t, 1, summary.Completed)
}

func TestFactoryRunEscalatesThenBlocksAfterCapExceeded(t *testing.T) {
	repo := initGitRepo(t)
	tasks := []models.Task{
		{ID: "A", Priority: models.PriorityHigh, Status: models.StatusPending},
	}
	src := newTestSource(t, tasks)
	pool := newTestPool(t, repo, 1)

	deps := FactoryDeps{
		Source:             src,
		RateLimit:          ratelimit.New(),
		Runner:             failingRunner(),
		Merge:              merge.New(repo),
		Workers:            pool,
		SkipValidation:     true,
		MaxTierEscalations: 1,
	}
	f := NewFactory(deps)
	result := f.Run(context.Background())

	require.Equal(t, 0, result.Completed)
	require.NotEmpty(t, result.Tasks)
	for _, o := range result.Tasks {
		require.False(t, o.Success)
	}

	task := src.Task("A")
	require.Equal(t, models.StatusBlocked, task.Status)
}

func TestFactoryRunTwoIndependentTasksBothComplete(t *testing.T) {
	repo := initGitRepo(t)
	tasks := []models.Task{
		{ID: "A", Priority: models.PriorityHigh, Status: models.StatusPending},
		{ID: "B", Priority: models.PriorityHigh, Status: models.StatusPending},
	}
	src := newTestSource(t, tasks)
	pool := newTestPool(t, repo, 2)

	deps := FactoryDeps{
		Source:         src,
		RateLimit:      ratelimit.New(),
		Runner:         completingRunner(),
		Merge:          merge.New(repo),
		Workers:        pool,
		SkipValidation: true,
	}
	f := NewFactory(deps)
	result := f.Run(context.Background())

	require.Equal(t, 2, result.Completed)
	require.Equal(t, 2, src.GetSummary().Completed)
}

// TestFactoryConvergesWhenPlannerSignalsSpecSatisfied exercises the
// convergence check: once the planner has signaled spec-satisfied and no
// worker is active, the loop stops even if GetReadyTasks is still empty by
// construction (spec.md §4.3, §4.10).
func TestFactoryConvergesWhenPlannerSignalsSpecSatisfied(t *testing.T) {
	repo := initGitRepo(t)
	src := newTestSource(t, nil)
	pool := newTestPool(t, repo, 1)

	p := planner.New(repo, fakeInvoker{response: `{"specSatisfied":true,"reasoning":"done","newTasks":[]}`}, src, nil, "spec", "claude", "model")
	_ = p.Evaluate(context.Background())
	require.True(t, p.SpecSatisfiedSignaled())

	deps := FactoryDeps{
		Source:         src,
		RateLimit:      ratelimit.New(),
		Runner:         completingRunner(),
		Merge:          merge.New(repo),
		Workers:        pool,
		Planner:        p,
		SkipValidation: true,
	}
	f := NewFactory(deps)
	result := f.Run(context.Background())

	require.Equal(t, 0, result.Completed)
	require.Empty(t, result.Tasks)
}

// stubResolver lets tests assert exactly which tier the dispatch loop asks
// the resolver to route, without needing a real config.Config.
type stubResolver struct {
	seenTiers []int
	provider  string
	model     string
}

func (s *stubResolver) Resolve(task models.Task, tier int) (providerName, model, mode string) {
	s.seenTiers = append(s.seenTiers, tier)
	return s.provider, s.model, ""
}

func TestFactoryCurrentTierStartsAtZeroAndTracksEscalation(t *testing.T) {
	f := NewFactory(FactoryDeps{MaxTierEscalations: 3})
	require.Equal(t, 0, f.currentTier("A"))

	require.True(t, f.escalate("A"))
	require.Equal(t, 1, f.currentTier("A"))

	require.True(t, f.escalate("A"))
	require.Equal(t, 2, f.currentTier("A"))

	// Another task's tier is independent.
	require.Equal(t, 0, f.currentTier("B"))
}

func TestFactorySlotAvailableAdmitsUnconfiguredSlot(t *testing.T) {
	f := NewFactory(FactoryDeps{RateLimit: ratelimit.New()})
	require.True(t, f.slotAvailable("claude", "sonnet"))
}

func TestFactorySlotAvailableRefusesSaturatedConfiguredSlot(t *testing.T) {
	rl := ratelimit.New()
	rl.Configure("claude", "opus", 1)
	require.True(t, rl.TryAcquire("claude", "opus"))

	f := NewFactory(FactoryDeps{RateLimit: rl})
	require.False(t, f.slotAvailable("claude", "opus"))
	require.True(t, f.slotAvailable("claude", "sonnet"))
}

func TestFactoryRunPassesEscalatedTierToResolverOnRetry(t *testing.T) {
	repo := initGitRepo(t)
	tasks := []models.Task{
		{ID: "A", Priority: models.PriorityHigh, Status: models.StatusPending},
	}
	src := newTestSource(t, tasks)
	pool := newTestPool(t, repo, 1)
	resolver := &stubResolver{}

	deps := FactoryDeps{
		Source:             src,
		RateLimit:          ratelimit.New(),
		Runner:             failingRunner(),
		Merge:              merge.New(repo),
		Workers:            pool,
		Resolver:           resolver,
		SkipValidation:     true,
		MaxTierEscalations: 1,
	}
	f := NewFactory(deps)
	f.Run(context.Background())

	require.NotEmpty(t, resolver.seenTiers)
	require.Equal(t, 0, resolver.seenTiers[0])
	require.Contains(t, resolver.seenTiers, 1)
}

// fakeInvoker lets this package's factory tests drive a real
// *planner.Planner without spawning a provider subprocess.
type fakeInvoker struct {
	response string
	err      error
}

func (f fakeInvoker) Invoke(ctx context.Context, providerName, prompt, model string) (string, error) {
	return f.response, f.err
}
