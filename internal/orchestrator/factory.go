package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blueman82/ralph/internal/eventbus"
	"github.com/blueman82/ralph/internal/history"
	"github.com/blueman82/ralph/internal/judge"
	"github.com/blueman82/ralph/internal/logger"
	"github.com/blueman82/ralph/internal/merge"
	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/planner"
	"github.com/blueman82/ralph/internal/provider"
	"github.com/blueman82/ralph/internal/ratelimit"
	"github.com/blueman82/ralph/internal/source"
	"github.com/blueman82/ralph/internal/validation"
	"github.com/blueman82/ralph/internal/worker"
)

// DefaultMaxTierEscalations bounds how many times a task may be re-enqueued with
// an escalated complexity tier after a merge conflict or pipeline failure
// before it is left pending and surfaced as an error (SPEC_FULL.md
// supplemental feature 3, spec.md §9 Open Question a).
const DefaultMaxTierEscalations = 3

// idlePollInterval bounds how long the dispatch loop sleeps when ready
// tasks exist but none could be dispatched (every idle worker's rate
// limit slot is in backoff).
const idlePollInterval = 500 * time.Millisecond

// FactoryDeps bundles every collaborator the Factory orchestrator needs.
type FactoryDeps struct {
	Source     *source.Source
	RateLimit  *ratelimit.Limiter
	Runner     *provider.Runner
	Validation *validation.Pipeline
	Judges     *judge.Aggregator
	Merge      *merge.Coordinator
	Workers    *worker.Pool
	Planner    *planner.Planner
	Resolver   TaskProviderResolver
	Bus        *eventbus.Bus
	History    *history.Store
	SessionID  string
	Log        logger.Logger

	SkipValidation      bool
	FilterCategory      string
	FilterPriority      models.Priority
	MaxTierEscalations  int
	DrainTimeout        time.Duration // default 120s
}

// Factory runs the multi-worker dispatch loop (spec.md §4.3).
type Factory struct {
	deps FactoryDeps
	tier map[string]int
	mu   sync.Mutex
}

// NewFactory creates a Factory orchestrator.
func NewFactory(deps FactoryDeps) *Factory {
	if deps.MaxTierEscalations <= 0 {
		deps.MaxTierEscalations = DefaultMaxTierEscalations
	}
	if deps.DrainTimeout <= 0 {
		deps.DrainTimeout = 120 * time.Second
	}
	return &Factory{deps: deps, tier: make(map[string]int)}
}

// workerResult is what a dispatched worker reports back on completion.
type workerResult struct {
	handle           *worker.Handle
	taskID           string
	provider         string
	model            string
	success          bool
	reason           string
	commit           string
	validationPassed bool
	judgePassed      bool
}

// Run executes the factory dispatch loop to convergence or shutdown.
func (f *Factory) Run(ctx context.Context) RunResult {
	start := time.Now()
	result := RunResult{Total: f.deps.Source.GetSummary().Total}

	completions := make(chan workerResult, len(f.deps.Workers.Workers()))
	active := 0

	for {
		ready := f.deps.Source.GetReadyTasks()
		dispatchedAny := false

		for _, task := range ready {
			var providerName, model string
			if f.deps.Resolver != nil {
				providerName, model, _ = f.deps.Resolver.Resolve(*task, f.currentTier(task.ID))
			}
			if !f.slotAvailable(providerName, model) {
				continue
			}

			w := f.deps.Workers.Idle()
			if w == nil {
				break
			}
			if !f.deps.RateLimit.TryAcquire(providerName, model) {
				continue
			}

			if err := f.deps.Workers.Dispatch(ctx, w, task.ID); err != nil {
				f.deps.RateLimit.Release(providerName, model)
				continue
			}
			if err := f.deps.Source.MarkInProgress(task.ID); err != nil {
				f.deps.RateLimit.Release(providerName, model)
				f.deps.Workers.Release(w, "")
				continue
			}

			dispatchedAny = true
			active++
			go f.runWorker(ctx, w, *task, providerName, model, completions)
		}

		if !dispatchedAny && active == 0 {
			if f.converged() {
				break
			}
			if len(ready) == 0 {
				break
			}
			// Ready tasks exist but none could be dispatched (e.g. every
			// idle worker's (provider, model) slot is in rate-limit
			// backoff). Avoid busy-spinning the loop while waiting for a
			// slot to free up.
			select {
			case <-ctx.Done():
				goto shutdown
			case <-time.After(idlePollInterval):
			}
			continue
		}

		if active > 0 {
			select {
			case <-ctx.Done():
				goto shutdown
			case res := <-completions:
				active--
				outcome := f.handleCompletion(ctx, res)
				result.Tasks = append(result.Tasks, outcome)
				if outcome.Success {
					result.Completed++
				}
			}
		}
	}

shutdown:
	f.drainAll(completions, active, f.deps.DrainTimeout)
	f.deps.Workers.Shutdown(ctx)

	result.Duration = time.Since(start)
	return result
}

func (f *Factory) converged() bool {
	if f.deps.Planner == nil {
		return false
	}
	return f.deps.Planner.SpecSatisfiedSignaled() && f.deps.Workers.ActiveCount() == 0
}

// runWorker executes one dispatched task on w to completion, reporting the
// result on completions. It does not touch the Merge Coordinator or Task
// Source directly — that happens in handleCompletion under the main loop's
// single-threaded control, per spec.md §5's "await any worker" model.
func (f *Factory) runWorker(ctx context.Context, w *worker.Handle, task models.Task, providerName, model string, completions chan<- workerResult) {
	prompt := buildTaskPrompt(task, nil)
	outcome := f.deps.Runner.Run(ctx, providerName, prompt, model, "", nil)

	if outcome.Error != nil || !hasTaskComplete(outcome.Output+outcome.Summary) {
		reason := "provider failed"
		if outcome.Error != nil {
			reason = outcome.Error.Error()
		}
		completions <- workerResult{handle: w, taskID: task.ID, provider: providerName, model: model, success: false, reason: reason}
		return
	}

	validationPassed := false
	if !f.deps.SkipValidation && f.deps.Validation != nil {
		vr := f.deps.Validation.Run(ctx, task, "", 0)
		if !vr.Passed {
			completions <- workerResult{handle: w, taskID: task.ID, provider: providerName, model: model, success: false, reason: "validation failed"}
			return
		}
		validationPassed = true
	}

	judgePassed := false
	if len(task.Judges) > 0 && f.deps.Judges != nil {
		jr := f.deps.Judges.Run(ctx, judge.Request{
			Task: task, ProviderSummary: outcome.Summary, Provider: providerName, Model: model,
			History: f.deps.History,
		}, task.Judges)
		if f.deps.Log != nil {
			f.deps.Log.LogJudgeSummary(task.ID, jr)
		}
		if !jr.Passed {
			completions <- workerResult{handle: w, taskID: task.ID, provider: providerName, model: model, success: false, reason: "judge rejected", validationPassed: validationPassed}
			return
		}
		judgePassed = true
	}

	commitResult, err := w.Commit(ctx, task.ID, outcome.Summary)
	if err != nil {
		completions <- workerResult{handle: w, taskID: task.ID, provider: providerName, model: model, success: false, reason: fmt.Sprintf("commit failed: %v", err), validationPassed: validationPassed, judgePassed: judgePassed}
		return
	}

	completions <- workerResult{
		handle: w, taskID: task.ID, provider: providerName, model: model, success: true,
		commit: commitResult.CommitHash, validationPassed: validationPassed, judgePassed: judgePassed,
	}
}

// handleCompletion runs under the main loop and owns the Merge Coordinator
// and Task Source mutations, per spec.md §4.3 "Per-completion handling".
func (f *Factory) handleCompletion(ctx context.Context, res workerResult) TaskOutcome {
	defer f.deps.RateLimit.Release(res.provider, res.model)

	if !res.success {
		f.deps.Workers.MarkFailed(res.handle)
		f.deps.Workers.Release(res.handle, "")
		f.deps.Source.MarkFailedAttempt(res.taskID)
		if !f.escalate(res.taskID) {
			f.deps.Source.MarkBlocked(res.taskID)
			return f.terminal(ctx, res, false, "escalation cap exceeded: "+res.reason)
		}
		return f.terminal(ctx, res, false, res.reason)
	}

	mergeResult := f.deps.Merge.CherryPick(ctx, res.commit, res.taskID)
	if !mergeResult.Success {
		f.deps.Workers.Release(res.handle, "")
		f.deps.Source.MarkFailedAttempt(res.taskID)
		if mergeResult.Conflict && !f.escalate(res.taskID) {
			f.deps.Source.MarkBlocked(res.taskID)
			return f.terminal(ctx, res, false, "escalation cap exceeded: merge conflict")
		}
		if mergeResult.Conflict {
			return f.terminal(ctx, res, false, "merge conflict")
		}
		return f.terminal(ctx, res, false, fmt.Sprintf("merge error: %v", mergeResult.Error))
	}

	_, err := f.deps.Source.MarkComplete(res.taskID, source.CompletionUpdate{})
	f.deps.Workers.Release(res.handle, res.taskID)
	if err != nil {
		return f.terminal(ctx, res, false, fmt.Sprintf("mark complete: %v", err))
	}
	return f.terminal(ctx, res, true, "")
}

// terminal builds res's TaskOutcome and records it to the supplementary
// history store (spec.md §9, SPEC_FULL.md) before returning, so every
// terminal task transition -- not just the worker's own provider/
// validation/judge outcome, but also a later merge-conflict or mark-complete
// failure -- produces a RecentFailures-queryable record. A nil History is a
// no-op.
func (f *Factory) terminal(ctx context.Context, res workerResult, success bool, reason string) TaskOutcome {
	outcome := TaskOutcome{
		TaskID: res.taskID, Success: success, Reason: reason,
		Provider: res.provider, Model: res.model,
		ValidationPassed: res.validationPassed, JudgePassed: res.judgePassed,
	}
	if f.deps.History != nil {
		f.deps.History.RecordExecution(ctx, history.Execution{
			SessionID:        f.deps.SessionID,
			TaskID:           res.taskID,
			Provider:         res.provider,
			Model:            res.model,
			Success:          success,
			ValidationPassed: res.validationPassed,
			JudgePassed:      res.judgePassed,
			FailureSummary:   reason,
		})
	}
	return outcome
}

// escalate increments the retry tier for taskID and reports whether it is
// still within the escalation cap.
func (f *Factory) escalate(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tier[taskID]++
	return f.tier[taskID] <= f.deps.MaxTierEscalations
}

// currentTier returns taskID's current escalation tier (0 until its first
// retry), fed into the Resolver so a re-enqueued task after a merge conflict
// or pipeline failure can route to a stronger provider/model per
// spec.md §4.3 step 2's complexity router.
func (f *Factory) currentTier(taskID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier[taskID]
}

// slotAvailable consults the Rate Limiter's GetAvailableSlots before a
// worker is even pulled from the idle pool, so a dispatch round does not
// burn an idle worker on a task whose (provider, model) slot is saturated
// or backing off (spec.md §4.3 step 2's "pick a provider slot via the Rate
// Limiter's getAvailableSlots"). An unconfigured slot always reports
// available, matching the limiter's own opt-in admit-by-default design.
func (f *Factory) slotAvailable(provider, model string) bool {
	status := f.deps.RateLimit.GetStatus()
	key := provider + ":" + model
	if _, configured := status[key]; !configured {
		return true
	}
	for _, k := range f.deps.RateLimit.GetAvailableSlots() {
		if k == key {
			return true
		}
	}
	return false
}

// drainAll waits up to timeout for any remaining in-flight workers; results
// still outstanding at the deadline are discarded (spec.md §4.3 Shutdown,
// §5 Cancellation & timeouts).
func (f *Factory) drainAll(completions <-chan workerResult, active int, timeout time.Duration) {
	deadline := time.After(timeout)
	for active > 0 {
		select {
		case <-completions:
			active--
		case <-deadline:
			return
		}
	}
}
