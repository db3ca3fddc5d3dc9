package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/blueman82/ralph/internal/eventbus"
	"github.com/blueman82/ralph/internal/history"
	"github.com/blueman82/ralph/internal/judge"
	"github.com/blueman82/ralph/internal/logger"
	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/provider"
	"github.com/blueman82/ralph/internal/ratelimit"
	"github.com/blueman82/ralph/internal/source"
	"github.com/blueman82/ralph/internal/validation"
)

// TaskProviderResolver resolves the effective (provider, model, mode) for a
// task, applying spec.md §4.2 step 1's override precedence (CLI < file <
// task, invalid overrides silently ignored), then letting tier further
// override provider/model per the factory's complexity router (spec.md
// §4.3 step 2). Sequential mode has no escalation tiers and always passes
// tier 0.
type TaskProviderResolver interface {
	Resolve(task models.Task, tier int) (providerName, model, mode string)
}

// Deps bundles every collaborator the Sequential orchestrator needs.
type Deps struct {
	Source     *source.Source
	RateLimit  *ratelimit.Limiter
	Runner     *provider.Runner
	Validation *validation.Pipeline
	Judges     *judge.Aggregator
	Resolver   TaskProviderResolver
	Bus        *eventbus.Bus
	History    *history.Store
	SessionID  string
	Log        logger.Logger

	SkipValidation bool
	FilterCategory string
	FilterPriority models.Priority
}

// Sequential runs the single-flight orchestrator loop (spec.md §4.2).
type Sequential struct {
	deps Deps
}

// NewSequential creates a Sequential orchestrator.
func NewSequential(deps Deps) *Sequential {
	return &Sequential{deps: deps}
}

// TaskOutcome is one iteration's terminal record.
type TaskOutcome struct {
	TaskID           string
	Success          bool
	Reason           string
	Duration         time.Duration
	Provider         string
	Model            string
	ValidationPassed bool
	JudgePassed      bool
}

// RunResult is the orchestrator's final summary (spec.md §4.2 contract).
type RunResult struct {
	Completed int
	Total     int
	Duration  time.Duration
	Tasks     []TaskOutcome
}

// Run executes up to iterations passes of the loop, stopping early if no
// ready task remains.
func (s *Sequential) Run(ctx context.Context, iterations int) RunResult {
	start := time.Now()
	result := RunResult{Total: s.deps.Source.GetSummary().Total}

	for i := 0; i < iterations; i++ {
		task := s.deps.Source.GetNextTask(s.deps.FilterCategory, s.deps.FilterPriority)
		if task == nil {
			break
		}

		outcome := s.runOne(ctx, *task)
		result.Tasks = append(result.Tasks, outcome)
		if outcome.Success {
			result.Completed++
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (s *Sequential) emit(name string, fields map[string]any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Emit(eventbus.Event{Name: name, Fields: fields})
	}
}

// runOne executes the 8-step pipeline of spec.md §4.2 for a single task.
func (s *Sequential) runOne(ctx context.Context, task models.Task) TaskOutcome {
	start := time.Now()
	s.emit("task:start", map[string]any{"task_id": task.ID})

	var providerName, model, mode string
	if s.deps.Resolver != nil {
		providerName, model, mode = s.deps.Resolver.Resolve(task, 0)
	}
	fail := func(reason string) TaskOutcome {
		return s.fail(ctx, task.ID, providerName, model, false, false, start, reason)
	}

	if err := s.deps.Source.MarkInProgress(task.ID); err != nil {
		return fail(fmt.Sprintf("mark in_progress: %v", err))
	}

	prompt := buildTaskPrompt(task, nil)

	if !s.deps.RateLimit.TryAcquire(providerName, model) {
		s.deps.Source.MarkFailedAttempt(task.ID)
		return fail("rate limited")
	}
	defer s.deps.RateLimit.Release(providerName, model)

	s.emit("provider:start", map[string]any{"task_id": task.ID, "provider": providerName})
	outcome := s.deps.Runner.Run(ctx, providerName, prompt, model, mode, nil)

	if outcome.Error != nil {
		if ratelimit.IsRateLimited(outcome.Output + outcome.Summary) {
			s.deps.RateLimit.ReportRateLimit(providerName, model)
			s.deps.Source.MarkFailedAttempt(task.ID)
			return fail("provider rate limited")
		}
		s.deps.Source.MarkFailedAttempt(task.ID)
		return fail(fmt.Sprintf("provider error: %v", outcome.Error))
	}
	s.deps.RateLimit.ReportSuccess(providerName, model)

	if !hasTaskComplete(outcome.Output + outcome.Summary) {
		s.deps.Source.MarkFailedAttempt(task.ID)
		return fail("missing TASK_COMPLETE sentinel")
	}

	var validationResult *models.ValidationResult
	validationPassed := false
	if !s.deps.SkipValidation && s.deps.Validation != nil {
		s.emit("validation:start", map[string]any{"task_id": task.ID})
		attempts := 0
		if task.ValidationResults != nil {
			attempts = task.ValidationResults.Attempts
		}
		vr := s.deps.Validation.Run(ctx, task, "", attempts)
		validationResult = &vr
		if !vr.Passed {
			s.deps.Source.MarkFailedAttempt(task.ID)
			return s.fail(ctx, task.ID, providerName, model, false, false, start, "validation failed: "+strings.Join(vr.FailedGates, ","))
		}
		validationPassed = true
	}

	var judgeResult *models.JudgeAggregate
	judgePassed := false
	if len(task.Judges) > 0 && s.deps.Judges != nil {
		s.emit("judge:start", map[string]any{"task_id": task.ID})
		jr := s.deps.Judges.Run(ctx, judge.Request{
			Task: task, Diff: "", ProviderSummary: outcome.Summary,
			Provider: providerName, Model: model,
			History: s.deps.History,
		}, task.Judges)
		judgeResult = &jr
		if s.deps.Log != nil {
			s.deps.Log.LogJudgeSummary(task.ID, jr)
		}
		if !jr.Passed {
			s.deps.Source.MarkFailedAttempt(task.ID)
			return s.fail(ctx, task.ID, providerName, model, validationPassed, false, start, "judge rejected: "+jr.Summary)
		}
		judgePassed = true
	}

	_, err := s.deps.Source.MarkComplete(task.ID, source.CompletionUpdate{
		ValidationResults: validationResult,
		JudgeResults:      judgeResult,
	})
	if err != nil {
		return s.fail(ctx, task.ID, providerName, model, validationPassed, judgePassed, start, fmt.Sprintf("mark complete: %v", err))
	}

	s.emit("task:complete", map[string]any{"task_id": task.ID})
	result := TaskOutcome{
		TaskID: task.ID, Success: true, Duration: time.Since(start),
		Provider: providerName, Model: model,
		ValidationPassed: validationPassed, JudgePassed: judgePassed,
	}
	s.recordExecution(ctx, task.ID, result)
	return result
}

func (s *Sequential) fail(ctx context.Context, taskID, providerName, model string, validationPassed, judgePassed bool, start time.Time, reason string) TaskOutcome {
	s.emit("task:failed", map[string]any{"task_id": taskID, "reason": reason})
	result := TaskOutcome{
		TaskID: taskID, Success: false, Reason: reason, Duration: time.Since(start),
		Provider: providerName, Model: model,
		ValidationPassed: validationPassed, JudgePassed: judgePassed,
	}
	s.recordExecution(ctx, taskID, result)
	return result
}

// recordExecution persists one terminal task transition to the
// supplementary history store (spec.md §9, SPEC_FULL.md), so
// RecentFailures has real data for the Planner/Judge Aggregator to consult.
// A nil History is a no-op: history is best-effort, never a pipeline
// dependency.
func (s *Sequential) recordExecution(ctx context.Context, taskID string, o TaskOutcome) {
	if s.deps.History == nil {
		return
	}
	s.deps.History.RecordExecution(ctx, history.Execution{
		SessionID:        s.deps.SessionID,
		TaskID:           taskID,
		Provider:         o.Provider,
		Model:            o.Model,
		Success:          o.Success,
		ValidationPassed: o.ValidationPassed,
		JudgePassed:      o.JudgePassed,
		FailureSummary:   o.Reason,
		Duration:         o.Duration,
	})
}
