// Package merge implements the Merge Coordinator (spec.md §4.9): a
// mutex-serialized cherry-pick of worker commits onto the trunk checkout,
// with conflict detection and untracked-overwrite recovery.
//
// Grounded on hugo-lorenzo-mato-quorum-ai's workflow_worktree.go for
// CONFLICT-substring detection and single-mutex-guarded serialization,
// adapted to spec.md's specific five-step protocol (index-only reset
// rather than a full merge/rebase strategy dispatch).
package merge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blueman82/ralph/internal/gitutil"
)

// Result is the outcome of one cherry-pick attempt.
type Result struct {
	Success    bool
	CommitHash string
	Conflict   bool
	Error      error
}

// HistoryRow records one cherryPick call, successful or not, for session
// logging (spec.md §4.9: "All history rows... are retained").
type HistoryRow struct {
	TaskID     string
	CommitHash string
	Result     Result
	At         time.Time
}

// Coordinator serializes cherry-picks onto the trunk checkout through a
// single-owner mutex (spec.md §5: "at most one cherry-pick onto trunk at a
// time").
type Coordinator struct {
	mu      sync.Mutex
	trunk   *gitutil.Runner
	history []HistoryRow
}

// New creates a Coordinator operating on the trunk checkout at repoRoot.
func New(repoRoot string) *Coordinator {
	return &Coordinator{trunk: gitutil.New(repoRoot)}
}

// CherryPick runs the spec.md §4.9 protocol:
//  1. Reset only the index (not the working tree) and abort any
//     in-progress cherry-pick, preserving unstaged task-status mutations.
//  2. Attempt `git cherry-pick <hash>`.
//  3. On "untracked working tree files would be overwritten": stage all,
//     stash, abort, retry cherry-pick, then stash pop (pop conflicts
//     tolerated).
//  4. On conflict (CONFLICT / "could not apply"): abort and report
//     conflict:true.
//  5. Otherwise capture new HEAD and report success.
func (c *Coordinator) CherryPick(ctx context.Context, commitHash, taskID string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := c.cherryPickLocked(ctx, commitHash)
	c.history = append(c.history, HistoryRow{
		TaskID:     taskID,
		CommitHash: commitHash,
		Result:     result,
		At:         time.Now(),
	})
	return result
}

func (c *Coordinator) cherryPickLocked(ctx context.Context, commitHash string) Result {
	c.trunk.CherryPickAbort(ctx)
	if err := c.trunk.ResetIndexOnly(ctx); err != nil {
		return Result{Error: fmt.Errorf("resetting index: %w", err)}
	}

	output, err := c.trunk.CherryPick(ctx, commitHash)
	if err != nil && gitutil.IsUntrackedOverwrite(output) {
		if stageErr := c.trunk.StageAll(ctx); stageErr != nil {
			return Result{Error: fmt.Errorf("staging before stash: %w", stageErr)}
		}
		if stashErr := c.trunk.Stash(ctx); stashErr != nil {
			return Result{Error: fmt.Errorf("stashing: %w", stashErr)}
		}
		c.trunk.CherryPickAbort(ctx)
		output, err = c.trunk.CherryPick(ctx, commitHash)
		// Pop conflicts are tolerated per spec.md §4.9 step 3; the error
		// (if any) is ignored deliberately.
		c.trunk.StashPop(ctx)
	}

	if err != nil {
		if gitutil.IsConflict(output) {
			c.trunk.CherryPickAbort(ctx)
			return Result{Success: false, Conflict: true}
		}
		return Result{Error: fmt.Errorf("cherry-pick failed: %w (output: %s)", err, output)}
	}

	head, headErr := c.trunk.RevParseHEAD(ctx)
	if headErr != nil {
		return Result{Error: fmt.Errorf("resolving new HEAD: %w", headErr)}
	}
	return Result{Success: true, CommitHash: head}
}

// History returns every recorded cherry-pick attempt, successful or not.
func (c *Coordinator) History() []HistoryRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]HistoryRow, len(c.history))
	copy(out, c.history)
	return out
}
