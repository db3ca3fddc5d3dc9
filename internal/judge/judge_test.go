package judge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/blueman82/ralph/internal/models"
	"github.com/stretchr/testify/require"
)

type fakeInvoker struct {
	responses map[string]string
	err       error
}

func (f fakeInvoker) Invoke(ctx context.Context, providerName, prompt, model string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	for persona, resp := range f.responses {
		if strings.Contains(prompt, persona) {
			return resp, nil
		}
	}
	return "", errors.New("no canned response for prompt")
}

func TestParseVerdictFencedJSON(t *testing.T) {
	raw := "Here is my review:\n```json\n{\"score\": 85, \"verdict\": \"approved\", \"reasoning\": \"looks good\", \"confidence\": 0.9}\n```\n"
	v := parseVerdict(raw)
	require.Equal(t, 85, v.Score)
	require.Equal(t, "approved", v.Verdict)
}

func TestParseVerdictHeuristicFallbackApproved(t *testing.T) {
	v := parseVerdict("This change looks good, approved.")
	require.Equal(t, 70, v.Score)
}

func TestParseVerdictHeuristicFallbackRejected(t *testing.T) {
	v := parseVerdict("garbled non-json text with no signal")
	require.Equal(t, 30, v.Score)
}

func TestParseVerdictLegitimateZeroScoreIsNotDiscarded(t *testing.T) {
	raw := "```json\n{\"score\": 0, \"verdict\": \"rejected\", \"reasoning\": \"fails every criterion\", \"confidence\": 0.95}\n```"
	v := parseVerdict(raw)
	require.Equal(t, 0, v.Score)
	require.Equal(t, "fails every criterion", v.Reasoning, "a valid score=0 verdict must win over the heuristic fallback")
}

type fakeHistory struct {
	failures []string
}

func (f fakeHistory) RecentFailures(ctx context.Context, limit int) []string {
	return f.failures
}

func task() models.Task {
	return models.Task{ID: "t1", Name: "Add feature", Description: "Implement X", Criteria: []string{"X works"}}
}

func TestRunAllPassWeightedAggregate(t *testing.T) {
	inv := fakeInvoker{responses: map[string]string{
		"functional correctness": `{"score": 90, "verdict": "approved", "reasoning": "ok", "confidence": 0.9}`,
		"security reviewer":      `{"score": 80, "verdict": "approved", "reasoning": "ok", "confidence": 0.8}`,
	}}
	agg := New(inv, nil)
	req := Request{Task: task(), Diff: "diff", ProviderSummary: "done", Provider: "claude", Model: "opus"}
	judges := []models.JudgeConfig{
		{Persona: "correctness", Weight: 2},
		{Persona: "security", Weight: 1},
	}
	result := agg.Run(context.Background(), req, judges)
	require.True(t, result.Passed)
	require.InDelta(t, (2*90.0+1*80.0)/3.0, result.OverallScore, 0.01)
	require.Len(t, result.Results, 2)
}

func TestRunRequiredJudgeFailureFailsAggregate(t *testing.T) {
	inv := fakeInvoker{responses: map[string]string{
		"functional correctness": `{"score": 20, "verdict": "rejected", "reasoning": "bug found", "confidence": 0.9}`,
	}}
	agg := New(inv, nil)
	req := Request{Task: task(), Diff: "diff", ProviderSummary: "done", Provider: "claude", Model: "opus"}
	judges := []models.JudgeConfig{{Persona: "correctness"}}
	result := agg.Run(context.Background(), req, judges)
	require.False(t, result.Passed)
	require.Contains(t, result.Summary, "correctness")
}

func TestRunNonRequiredJudgeDoesNotFailAggregate(t *testing.T) {
	notRequired := false
	inv := fakeInvoker{responses: map[string]string{
		"functional correctness": `{"score": 90, "verdict": "approved", "reasoning": "ok", "confidence": 0.9}`,
		"idiomatic":              `{"score": 10, "verdict": "rejected", "reasoning": "style nit", "confidence": 0.9}`,
	}}
	agg := New(inv, nil)
	req := Request{Task: task(), Diff: "diff", ProviderSummary: "done", Provider: "claude", Model: "opus"}
	judges := []models.JudgeConfig{
		{Persona: "correctness"},
		{Persona: "style", Required: &notRequired},
	}
	result := agg.Run(context.Background(), req, judges)
	require.True(t, result.Passed)
}

func TestRunFailFastStopsAfterRejection(t *testing.T) {
	inv := fakeInvoker{responses: map[string]string{
		"functional correctness": `{"score": 10, "verdict": "rejected", "reasoning": "bug", "confidence": 0.9}`,
	}}
	agg := New(inv, nil)
	req := Request{Task: task(), Diff: "diff", ProviderSummary: "done", Provider: "claude", Model: "opus"}
	judges := []models.JudgeConfig{
		{Persona: "correctness", FailFast: true},
		{Persona: "security", FailFast: true},
	}
	result := agg.Run(context.Background(), req, judges)
	require.False(t, result.Passed)
	require.Len(t, result.Results, 1, "should not have invoked the second judge after a required failure")
}

func TestBuildPromptFoldsInRecentFailures(t *testing.T) {
	req := Request{
		Task:    task(),
		History: fakeHistory{failures: []string{"t1 (claude, 2026-07-29): validation failed: lint"}},
	}
	prompt := buildPrompt(context.Background(), req, DefaultPersonas()["correctness"])
	require.Contains(t, prompt, "Recent failures on this task")
	require.Contains(t, prompt, "validation failed: lint")
}

func TestBuildPromptOmitsFailuresSectionWhenHistoryEmpty(t *testing.T) {
	req := Request{Task: task(), History: fakeHistory{}}
	prompt := buildPrompt(context.Background(), req, DefaultPersonas()["correctness"])
	require.NotContains(t, prompt, "Recent failures")
}

func TestRunInvocationErrorYieldsFailedJudgeNotPanic(t *testing.T) {
	inv := fakeInvoker{err: errors.New("provider unreachable")}
	agg := New(inv, nil)
	req := Request{Task: task(), Diff: "diff", ProviderSummary: "done", Provider: "claude", Model: "opus"}
	judges := []models.JudgeConfig{{Persona: "correctness"}}
	result := agg.Run(context.Background(), req, judges)
	require.False(t, result.Passed)
	require.Equal(t, "error", result.Results[0].Verdict)
}
