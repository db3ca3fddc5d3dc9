// Package orchestrator wires the Task Source, Rate Limiter, Worker Pool,
// Merge Coordinator, Validation Pipeline, Judge Aggregator, and Planner
// into the sequential (spec.md §4.2) and factory (spec.md §4.3) execution
// loops.
package orchestrator

import (
	"errors"
	"time"
)

// Error taxonomy per spec.md §7. Config/Input errors are fatal at
// startup; the rest are caught at the per-task pipeline boundary and never
// escape into a neighbor task.
var (
	ErrNoReadyTask      = errors.New("no ready task")
	ErrProviderTransient = errors.New("transient provider failure")
	ErrValidationFailed = errors.New("validation failed")
	ErrJudgeRejected    = errors.New("judge panel rejected")
	ErrMergeConflict    = errors.New("merge conflict")
)

// RateLimitExit signals that a task's iteration was skipped because its
// (provider, model) slot is in backoff, not because the task itself
// failed (spec.md §7: "not an iteration failure per se").
type RateLimitExit struct {
	ResumeAt time.Time
	StateID  string
}

func (e *RateLimitExit) Error() string {
	return "rate limited until " + e.ResumeAt.Format(time.RFC3339)
}
