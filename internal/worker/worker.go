// Package worker implements the Worker & Worktree Manager (spec.md §4.4):
// lifecycle of an isolated git worktree per factory worker, task execution
// rooted at the worktree path, and commit extraction for the Merge
// Coordinator.
//
// Grounded on hugo-lorenzo-mato-quorum-ai's
// internal/adapters/git/workflow_worktree.go for real git worktree/branch
// mechanics (the teacher's own "worktree" concept is a logical grouping tag,
// not a real git worktree), adapted to spec.md's worker-pool model and
// ralph-factory/worker-<i> branch naming.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blueman82/ralph/internal/gitutil"
	"github.com/blueman82/ralph/internal/models"
)

// BranchName returns the dedicated branch for worker i.
func BranchName(i int) string {
	return fmt.Sprintf("ralph-factory/worker-%d", i)
}

// defaultPackageDependencyDir is symlinked from the trunk into each
// worker's worktree on Init, if present, so a task never has to re-fetch
// the dependency tree worktree-local (spec.md §4.4).
const defaultPackageDependencyDir = "node_modules"

// Handle is one worker's in-memory state plus its dedicated git.Runner.
type Handle struct {
	models.Worker
	git *gitutil.Runner
}

// Pool owns N worker worktrees, all children of repoRoot, laid out under
// worktreeDir/worker-<i>.
type Pool struct {
	mu          sync.Mutex
	repoRoot    string
	worktreeDir string
	trunk       *gitutil.Runner
	workers     []*Handle

	// packageDependencyDir names the directory under repoRoot symlinked
	// into each worktree on Init (defaultPackageDependencyDir unless
	// overridden via SetPackageDependencyDir). Empty disables the symlink.
	packageDependencyDir string
}

// NewPool creates a Pool with n workers. It does not touch the filesystem;
// call Init to create the worktrees.
func NewPool(repoRoot, worktreeDir string, n int) *Pool {
	p := &Pool{
		repoRoot:             repoRoot,
		worktreeDir:          worktreeDir,
		trunk:                gitutil.New(repoRoot),
		packageDependencyDir: defaultPackageDependencyDir,
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &Handle{
			Worker: models.Worker{ID: i, Status: models.WorkerIdle},
		})
	}
	return p
}

// SetPackageDependencyDir overrides the directory name symlinked from the
// trunk into each worktree on Init. An empty name disables the symlink
// entirely.
func (p *Pool) SetPackageDependencyDir(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packageDependencyDir = name
}

// Init creates each worker's worktree on its dedicated branch, pruning
// stale refs and deleting any pre-existing branch of the same name first
// (spec.md §4.4).
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.trunk.WorktreePrune(ctx); err != nil {
		return fmt.Errorf("pruning worktrees: %w", err)
	}

	head, err := p.trunk.RevParseHEAD(ctx)
	if err != nil {
		return fmt.Errorf("resolving trunk HEAD: %w", err)
	}

	for _, w := range p.workers {
		branch := BranchName(w.ID)
		path := filepath.Join(p.worktreeDir, fmt.Sprintf("worker-%d", w.ID))

		if err := p.trunk.DeleteBranch(ctx, branch); err != nil {
			return fmt.Errorf("worker %d: deleting stale branch: %w", w.ID, err)
		}
		if _, statErr := os.Stat(path); statErr == nil {
			os.RemoveAll(path)
		}
		if err := p.trunk.WorktreeAdd(ctx, path, branch, head); err != nil {
			return fmt.Errorf("worker %d: creating worktree: %w", w.ID, err)
		}
		p.symlinkPackageDependencies(path)

		w.WorktreePath = path
		w.BranchName = branch
		w.git = gitutil.New(path)
		w.Status = models.WorkerIdle
	}
	return nil
}

// symlinkPackageDependencies links the trunk's package-dependency directory
// into worktreePath, if one exists, so a task does not have to re-fetch the
// dependency tree inside an isolated worktree. Best-effort: a missing
// source directory or a failed symlink never fails Init (spec.md §4.4's
// "non-fatal optimization").
func (p *Pool) symlinkPackageDependencies(worktreePath string) {
	if p.packageDependencyDir == "" {
		return
	}
	src := filepath.Join(p.repoRoot, p.packageDependencyDir)
	if _, err := os.Stat(src); err != nil {
		return
	}
	dst := filepath.Join(worktreePath, p.packageDependencyDir)
	_ = os.Symlink(src, dst)
}

// Idle returns the first idle worker, or nil if none are available.
func (p *Pool) Idle() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if w.Status == models.WorkerIdle {
			return w
		}
	}
	return nil
}

// Dispatch resets w's worktree to trunk HEAD (hard reset plus clean of
// untracked files) and marks it assigned to taskID (spec.md §4.4, §4.3
// step 3).
func (p *Pool) Dispatch(ctx context.Context, w *Handle, taskID string) error {
	head, err := p.trunk.RevParseHEAD(ctx)
	if err != nil {
		return fmt.Errorf("resolving trunk HEAD: %w", err)
	}
	if err := w.git.ResetHard(ctx, head); err != nil {
		return fmt.Errorf("worker %d: resetting worktree: %w", w.ID, err)
	}

	p.mu.Lock()
	w.Status = models.WorkerAssigned
	w.CurrentTaskID = taskID
	p.mu.Unlock()
	return nil
}

// CommitResult is the outcome of staging and committing a worker's changes.
type CommitResult struct {
	CommitHash string
}

// Commit stages all changes in w's worktree and commits them with message,
// capturing the resulting commit hash for the Merge Coordinator (spec.md
// §4.4: "{taskId}: {summary}" plus a trailer identifying the factory).
func (w *Handle) Commit(ctx context.Context, taskID, summary string) (*CommitResult, error) {
	if err := w.git.StageAll(ctx); err != nil {
		return nil, fmt.Errorf("worker %d: staging: %w", w.ID, err)
	}
	message := fmt.Sprintf("%s: %s\n\nFactory-Worker: %d", taskID, summary, w.ID)
	if err := w.git.Commit(ctx, message); err != nil {
		return nil, fmt.Errorf("worker %d: committing: %w", w.ID, err)
	}
	hash, err := w.git.RevParseHEAD(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker %d: resolving commit: %w", w.ID, err)
	}
	return &CommitResult{CommitHash: hash}, nil
}

// Release marks w idle again. Per spec.md §4.4's invariant, a worker is
// idle iff it holds no rate-limiter permit and has no unresolved commit
// pending merge; call Release only after the Merge Coordinator has
// resolved w's commit (success or conflict).
func (p *Pool) Release(w *Handle, completedTaskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Status = models.WorkerIdle
	w.CurrentTaskID = ""
	if completedTaskID != "" {
		w.CompletedTaskIDs = append(w.CompletedTaskIDs, completedTaskID)
	}
}

// MarkFailed marks w failed; the pool still owns cleanup of its worktree.
func (p *Pool) MarkFailed(w *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.Status = models.WorkerFailed
}

// Shutdown removes every worker's worktree, deletes all ralph-factory/*
// branches, and prunes stale refs (spec.md §4.3 Shutdown, §9 Scoped
// resources). Best-effort: it collects but does not abort on individual
// failures, since shutdown must guarantee cleanup on every exit path.
func (p *Pool) Shutdown(ctx context.Context) []error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, w := range p.workers {
		if w.WorktreePath == "" {
			continue
		}
		if err := p.trunk.WorktreeRemove(ctx, w.WorktreePath); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: removing worktree: %w", w.ID, err))
		}
		if err := p.trunk.DeleteBranch(ctx, w.BranchName); err != nil {
			errs = append(errs, fmt.Errorf("worker %d: deleting branch: %w", w.ID, err))
		}
	}
	if err := p.trunk.WorktreePrune(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pruning worktrees: %w", err))
	}
	return errs
}

// Workers returns the current snapshot of every worker's state.
func (p *Pool) Workers() []models.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Worker, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.Worker
	}
	return out
}

// ActiveCount returns how many workers are not idle.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.Status != models.WorkerIdle {
			n++
		}
	}
	return n
}
