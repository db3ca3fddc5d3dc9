// Package gitutil provides shared shell-out helpers over the git CLI, used
// by the Worker/Worktree Manager, Merge Coordinator, and Planner. It never
// retries; callers interpret exit codes and stderr.
package gitutil

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git commands rooted at a working directory.
type Runner struct {
	// Dir is the working directory commands run in.
	Dir string
}

// New returns a Runner rooted at dir.
func New(dir string) *Runner {
	return &Runner{Dir: dir}
}

// Run executes `git <args...>` and returns combined stdout+stderr.
func (r *Runner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// MustRun executes `git <args...>` and wraps any error with output context.
func (r *Runner) MustRun(ctx context.Context, args ...string) (string, error) {
	out, err := r.Run(ctx, args...)
	if err != nil {
		return out, fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	return out, nil
}

// WorktreeAdd creates a new worktree at path on a new branch.
func (r *Runner) WorktreeAdd(ctx context.Context, path, branch, startPoint string) error {
	_, err := r.MustRun(ctx, "worktree", "add", "-b", branch, path, startPoint)
	return err
}

// WorktreeRemove force-removes a worktree directory.
func (r *Runner) WorktreeRemove(ctx context.Context, path string) error {
	_, err := r.MustRun(ctx, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune removes stale worktree administrative files.
func (r *Runner) WorktreePrune(ctx context.Context) error {
	_, err := r.MustRun(ctx, "worktree", "prune")
	return err
}

// DeleteBranch force-deletes a local branch; "branch not found" is ignored.
func (r *Runner) DeleteBranch(ctx context.Context, branch string) error {
	out, err := r.Run(ctx, "branch", "-D", branch)
	if err != nil && !strings.Contains(out, "not found") {
		return fmt.Errorf("git branch -D %s: %w (output: %s)", branch, err, strings.TrimSpace(out))
	}
	return nil
}

// BranchExists reports whether branch exists locally.
func (r *Runner) BranchExists(ctx context.Context, branch string) bool {
	_, err := r.Run(ctx, "rev-parse", "--verify", branch)
	return err == nil
}

// RevParseHEAD returns the current HEAD commit hash.
func (r *Runner) RevParseHEAD(ctx context.Context) (string, error) {
	out, err := r.MustRun(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

// ResetHard resets the working tree and index to sha, and removes untracked
// files. Used by the Worker/Worktree Manager on dispatch (spec.md §4.4).
func (r *Runner) ResetHard(ctx context.Context, sha string) error {
	if _, err := r.MustRun(ctx, "reset", "--hard", sha); err != nil {
		return err
	}
	_, err := r.MustRun(ctx, "clean", "-fd")
	return err
}

// ResetIndexOnly resets only the index to HEAD, preserving working-tree
// mutations (spec.md §4.9 step 1).
func (r *Runner) ResetIndexOnly(ctx context.Context) error {
	_, err := r.Run(ctx, "reset", "HEAD")
	return err
}

// CherryPickAbort aborts any in-progress cherry-pick; errors are ignored
// since there may be nothing to abort.
func (r *Runner) CherryPickAbort(ctx context.Context) {
	r.Run(ctx, "cherry-pick", "--abort")
}

// CherryPick attempts to cherry-pick sha onto the current branch.
func (r *Runner) CherryPick(ctx context.Context, sha string) (string, error) {
	return r.Run(ctx, "cherry-pick", sha)
}

// StageAll stages every change, including untracked files.
func (r *Runner) StageAll(ctx context.Context) error {
	_, err := r.MustRun(ctx, "add", "-A")
	return err
}

// Commit creates a commit with message on the currently staged changes.
func (r *Runner) Commit(ctx context.Context, message string) error {
	_, err := r.MustRun(ctx, "commit", "-m", message)
	return err
}

// Stash stashes the working tree, including untracked files.
func (r *Runner) Stash(ctx context.Context) error {
	_, err := r.MustRun(ctx, "stash", "-u")
	return err
}

// StashPop pops the most recent stash; conflicts during the pop are
// tolerated by the caller per spec.md §4.9 step 3, so errors are returned
// but not automatically resolved.
func (r *Runner) StashPop(ctx context.Context) (string, error) {
	return r.Run(ctx, "stash", "pop")
}

// StatusPorcelain returns `git status --porcelain -b` output.
func (r *Runner) StatusPorcelain(ctx context.Context) (string, error) {
	return r.MustRun(ctx, "status", "--porcelain", "-b")
}

// ChangedFiles returns the set of paths changed against HEAD: staged,
// unstaged, and untracked.
func (r *Runner) ChangedFiles(ctx context.Context) ([]string, error) {
	var files []string
	add := func(out string) {
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if line != "" {
				files = append(files, line)
			}
		}
	}

	staged, err := r.MustRun(ctx, "diff", "--staged", "--name-only")
	if err != nil {
		return nil, err
	}
	add(staged)

	unstaged, err := r.MustRun(ctx, "diff", "--name-only")
	if err != nil {
		return nil, err
	}
	add(unstaged)

	untracked, err := r.MustRun(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	add(untracked)

	return dedupe(files), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// DiffStat returns `git diff --stat <rangeSpec>`, used by the Planner for
// its change summary (spec.md §4.10).
func (r *Runner) DiffStat(ctx context.Context, rangeSpec string) (string, error) {
	return r.MustRun(ctx, "diff", "--stat", rangeSpec)
}

// IsConflict reports whether cherry-pick output indicates a merge conflict
// (spec.md §4.9 step 4).
func IsConflict(output string) bool {
	lower := strings.ToLower(output)
	return strings.Contains(output, "CONFLICT") || strings.Contains(lower, "could not apply")
}

// IsUntrackedOverwrite reports whether cherry-pick output indicates the
// "untracked working tree files would be overwritten" failure mode
// (spec.md §4.9 step 3).
func IsUntrackedOverwrite(output string) bool {
	return strings.Contains(output, "untracked working tree files would be overwritten")
}
