package planner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/blueman82/ralph/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	response string
	err      error
}

func (f fakeInvoker) Invoke(ctx context.Context, providerName, prompt, model string) (string, error) {
	return f.response, f.err
}

type fakeSource struct {
	tasks    []models.Task
	appended []models.Task
	err      error
}

func (f *fakeSource) AllTasks() []models.Task { return f.tasks }
func (f *fakeSource) AppendTasks(tasks []models.Task) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, tasks...)
	f.tasks = append(f.tasks, tasks...)
	return nil
}

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
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.txt"), []byte("1\n"), 0o644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestEvaluateAppendsNonCollidingTasks(t *testing.T) {
	repo := initRepo(t)
	inv := fakeInvoker{response: `{"specSatisfied": false, "reasoning": "gaps remain", "newTasks": [{"id": "new-1", "description": "add retries", "priority": "high"}]}`}
	src := &fakeSource{tasks: []models.Task{{ID: "A", Status: models.StatusCompleted}}}

	p := New(repo, inv, src, nil, "spec text", "claude", "opus")
	result := p.Evaluate(context.Background())

	require.False(t, result.SpecSatisfied)
	require.Len(t, result.AppendedTasks, 1)
	require.Equal(t, "new-1", result.AppendedTasks[0].ID)
	require.Len(t, src.appended, 1)
}

func TestEvaluateDiscardsCollidingTaskIDs(t *testing.T) {
	repo := initRepo(t)
	inv := fakeInvoker{response: `{"specSatisfied": false, "reasoning": "", "newTasks": [{"id": "A", "description": "dup"}]}`}
	src := &fakeSource{tasks: []models.Task{{ID: "A", Status: models.StatusPending}}}

	p := New(repo, inv, src, nil, "spec text", "claude", "opus")
	result := p.Evaluate(context.Background())
	require.Empty(t, result.AppendedTasks)
}

func TestEvaluateSpecSatisfiedSignalsOnce(t *testing.T) {
	repo := initRepo(t)
	inv := fakeInvoker{response: `{"specSatisfied": true, "reasoning": "all done", "newTasks": []}`}
	src := &fakeSource{}

	p := New(repo, inv, src, nil, "spec text", "claude", "opus")
	require.False(t, p.SpecSatisfiedSignaled())
	result := p.Evaluate(context.Background())
	require.True(t, result.SpecSatisfied)
	require.True(t, p.SpecSatisfiedSignaled())
}

func TestEvaluateInvocationErrorYieldsEmptyResult(t *testing.T) {
	repo := initRepo(t)
	inv := fakeInvoker{err: assertErr("provider down")}
	src := &fakeSource{}

	p := New(repo, inv, src, nil, "spec text", "claude", "opus")
	result := p.Evaluate(context.Background())
	require.False(t, result.SpecSatisfied)
	require.Empty(t, result.AppendedTasks)
}

func TestEvaluateInvalidJSONYieldsEmptyResult(t *testing.T) {
	repo := initRepo(t)
	inv := fakeInvoker{response: "not json at all"}
	src := &fakeSource{}

	p := New(repo, inv, src, nil, "spec text", "claude", "opus")
	result := p.Evaluate(context.Background())
	require.False(t, result.SpecSatisfied)
	require.Empty(t, result.AppendedTasks)
}

func TestEvaluateToleratesFencedJSON(t *testing.T) {
	repo := initRepo(t)
	inv := fakeInvoker{response: "```json\n{\"specSatisfied\": false, \"reasoning\": \"x\", \"newTasks\": []}\n```"}
	src := &fakeSource{}

	p := New(repo, inv, src, nil, "spec text", "claude", "opus")
	result := p.Evaluate(context.Background())
	require.False(t, result.SpecSatisfied)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
