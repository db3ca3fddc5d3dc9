package worker

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initRepo creates a minimal git repository with one commit, returning its
// path. Tests in this package exercise real git worktree/branch mechanics.
func initRepo(t *testing.T) string {
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

func TestPoolInitCreatesWorktreesAndBranches(t *testing.T) {
	repo := initRepo(t)
	worktreeDir := filepath.Join(repo, ".worktrees")
	require.NoError(t, os.MkdirAll(worktreeDir, 0o755))

	pool := NewPool(repo, worktreeDir, 2)
	ctx := context.Background()
	require.NoError(t, pool.Init(ctx))

	workers := pool.Workers()
	require.Len(t, workers, 2)
	for i, w := range workers {
		require.DirExists(t, w.WorktreePath)
		require.Equal(t, BranchName(i), w.BranchName)
	}
}

func TestPoolInitSymlinksPackageDependencyDirWhenPresent(t *testing.T) {
	repo := initRepo(t)
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "node_modules", "left-pad"), 0o755))
	worktreeDir := filepath.Join(repo, ".worktrees")
	require.NoError(t, os.MkdirAll(worktreeDir, 0o755))

	pool := NewPool(repo, worktreeDir, 1)
	require.NoError(t, pool.Init(context.Background()))

	linked := filepath.Join(pool.Workers()[0].WorktreePath, "node_modules")
	info, err := os.Lstat(linked)
	require.NoError(t, err)
	require.Equal(t, os.ModeSymlink, info.Mode()&os.ModeSymlink)

	target, err := os.Readlink(linked)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(repo, "node_modules"), target)
}

func TestPoolInitSkipsSymlinkWhenDependencyDirAbsent(t *testing.T) {
	repo := initRepo(t)
	worktreeDir := filepath.Join(repo, ".worktrees")
	require.NoError(t, os.MkdirAll(worktreeDir, 0o755))

	pool := NewPool(repo, worktreeDir, 1)
	require.NoError(t, pool.Init(context.Background()))

	_, err := os.Lstat(filepath.Join(pool.Workers()[0].WorktreePath, "node_modules"))
	require.True(t, os.IsNotExist(err))
}

func TestDispatchResetsToTrunkHEAD(t *testing.T) {
	repo := initRepo(t)
	worktreeDir := filepath.Join(repo, ".worktrees")
	require.NoError(t, os.MkdirAll(worktreeDir, 0o755))

	pool := NewPool(repo, worktreeDir, 1)
	ctx := context.Background()
	require.NoError(t, pool.Init(ctx))

	w := pool.Idle()
	require.NotNil(t, w)
	require.NoError(t, pool.Dispatch(ctx, w, "task-1"))

	// Leave an untracked file in the worktree, then dispatch again: it
	// should be cleaned per spec.md §4.4.
	stray := filepath.Join(w.WorktreePath, "stray.txt")
	require.NoError(t, os.WriteFile(stray, []byte("junk"), 0o644))
	require.NoError(t, pool.Dispatch(ctx, w, "task-2"))
	require.NoFileExists(t, stray)
}

func TestCommitCapturesHash(t *testing.T) {
	repo := initRepo(t)
	worktreeDir := filepath.Join(repo, ".worktrees")
	require.NoError(t, os.MkdirAll(worktreeDir, 0o755))

	pool := NewPool(repo, worktreeDir, 1)
	ctx := context.Background()
	require.NoError(t, pool.Init(ctx))

	w := pool.Idle()
	require.NoError(t, pool.Dispatch(ctx, w, "task-1"))
	require.NoError(t, os.WriteFile(filepath.Join(w.WorktreePath, "output.txt"), []byte("done"), 0o644))

	result, err := w.Commit(ctx, "task-1", "implement feature")
	require.NoError(t, err)
	require.NotEmpty(t, result.CommitHash)
}

func TestShutdownRemovesWorktreesAndBranches(t *testing.T) {
	repo := initRepo(t)
	worktreeDir := filepath.Join(repo, ".worktrees")
	require.NoError(t, os.MkdirAll(worktreeDir, 0o755))

	pool := NewPool(repo, worktreeDir, 1)
	ctx := context.Background()
	require.NoError(t, pool.Init(ctx))

	errs := pool.Shutdown(ctx)
	require.Empty(t, errs)

	w := pool.Workers()[0]
	require.NoDirExists(t, w.WorktreePath)
}
