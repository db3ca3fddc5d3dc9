package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=ralph-test", "GIT_AUTHOR_EMAIL=ralph-test@example.com",
		"GIT_COMMITTER_NAME=ralph-test", "GIT_COMMITTER_EMAIL=ralph-test@example.com",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "F.txt"), []byte("base\n"), 0o644))
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func commitOnBranch(t *testing.T, dir, branch, file, content, message string) string {
	t.Helper()
	run(t, dir, "checkout", "-q", "-b", branch)
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-q", "-m", message)
	hash := run(t, dir, "rev-parse", "HEAD")
	run(t, dir, "checkout", "-q", "master")
	return trimNL(hash)
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestCherryPickSucceeds(t *testing.T) {
	repo := initRepo(t)
	hash := commitOnBranch(t, repo, "worker-0", "new.txt", "hello\n", "task-1: add file")

	coord := New(repo)
	result := coord.CherryPick(context.Background(), hash, "task-1")
	require.True(t, result.Success)
	require.False(t, result.Conflict)
	require.NotEmpty(t, result.CommitHash)
}

// TestMergeConflictRecovery is spec.md S6: a conflicting cherry-pick
// reports {success:false, conflict:true}, leaves no new trunk commit, and a
// subsequent normal cherry-pick from a different worker still succeeds.
func TestMergeConflictRecovery(t *testing.T) {
	repo := initRepo(t)

	// Worker 0 edits F.txt in a way that conflicts with a prior trunk
	// change to the same line.
	run(t, repo, "checkout", "-q", "-b", "trunk-edit")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "F.txt"), []byte("trunk-change\n"), 0o644))
	run(t, repo, "add", "-A")
	run(t, repo, "commit", "-q", "-m", "trunk changes F")
	run(t, repo, "checkout", "-q", "master")
	run(t, repo, "merge", "-q", "trunk-edit")

	conflictHash := commitOnBranchFrom(t, repo, "worker-0", "master~1", "F.txt", "worker-change\n", "task-2: conflicting edit")

	head0 := run(t, repo, "rev-parse", "HEAD")

	coord := New(repo)
	result := coord.CherryPick(context.Background(), conflictHash, "task-2")
	require.False(t, result.Success)
	require.True(t, result.Conflict)

	head1 := run(t, repo, "rev-parse", "HEAD")
	require.Equal(t, trimNL(head0), trimNL(head1), "no new trunk commit should be published")

	// A subsequent unrelated worker's normal cherry-pick still succeeds.
	otherHash := commitOnBranch(t, repo, "worker-1", "other.txt", "content\n", "task-3: unrelated change")
	result2 := coord.CherryPick(context.Background(), otherHash, "task-3")
	require.True(t, result2.Success)

	history := coord.History()
	require.Len(t, history, 2)
	require.True(t, history[0].Result.Conflict)
	require.True(t, history[1].Result.Success)
}

func commitOnBranchFrom(t *testing.T, dir, branch, startPoint, file, content, message string) string {
	t.Helper()
	run(t, dir, "checkout", "-q", "-b", branch, startPoint)
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	run(t, dir, "add", "-A")
	run(t, dir, "commit", "-q", "-m", message)
	hash := run(t, dir, "rev-parse", "HEAD")
	run(t, dir, "checkout", "-q", "master")
	return trimNL(hash)
}
