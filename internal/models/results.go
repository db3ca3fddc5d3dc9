package models

import "time"

// GateResult is the outcome of one (package, gate) validation check.
type GateResult struct {
	Gate         string        `json:"gate"`
	Package      string        `json:"package"`
	Passed       bool          `json:"passed"`
	Duration     time.Duration `json:"duration"`
	Output       string        `json:"output,omitempty"`
	ErrorSummary string        `json:"error_summary,omitempty"`
}

// ValidationResult is the accumulated outcome of running the validation
// pipeline against a task across one or more attempts.
type ValidationResult struct {
	LastRun     time.Time    `json:"last_run"`
	Passed      bool         `json:"passed"`
	FailedGates []string     `json:"failed_gates"`
	Attempts    int          `json:"attempts"`
	Gates       []GateResult `json:"gates"`
}

// JudgeResult is one persona's evaluation of a completed task.
type JudgeResult struct {
	Persona     string    `json:"persona"`
	Score       int       `json:"score"`
	Passed      bool      `json:"passed"`
	Verdict     string    `json:"verdict"`
	Reasoning   string    `json:"reasoning"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// JudgeAggregate is the weighted combination of all JudgeResults for a task.
type JudgeAggregate struct {
	Passed       bool          `json:"passed"`
	OverallScore float64       `json:"overall_score"`
	Results      []JudgeResult `json:"results"`
	Summary      string        `json:"summary"`
	Timestamp    time.Time     `json:"timestamp"`
}

// WorkerStatus is the lifecycle state of a factory worker.
type WorkerStatus string

const (
	WorkerIdle     WorkerStatus = "idle"
	WorkerAssigned WorkerStatus = "assigned"
	WorkerRunning  WorkerStatus = "running"
	WorkerMerging  WorkerStatus = "merging"
	WorkerFailed   WorkerStatus = "failed"
)

// Worker is a handle to one isolated worktree in factory mode.
type Worker struct {
	ID              int          `json:"id"`
	WorktreePath    string       `json:"worktree_path"`
	BranchName      string       `json:"branch_name"`
	Status          WorkerStatus `json:"status"`
	CurrentTaskID   string       `json:"current_task_id,omitempty"`
	CompletedTaskIDs []string    `json:"completed_task_ids,omitempty"`
}

// SlotState is the rate limiter's per-(provider,model) bookkeeping.
type SlotState struct {
	Provider              string    `json:"provider"`
	Model                 string    `json:"model"`
	MaxConcurrent         int       `json:"max_concurrent"`
	ActiveConcurrent      int       `json:"active_concurrent"`
	ConsecutiveRateLimits int       `json:"consecutive_rate_limits"`
	BackoffUntil          time.Time `json:"backoff_until"`
}

// SessionStatus is the lifecycle state of one orchestrator run.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCrashed   SessionStatus = "crashed"
	SessionAborted   SessionStatus = "aborted"
)

// BehavioralSnapshot is an optional, purely descriptive run summary
// (SPEC_FULL.md supplemental feature 1) — never read back by control flow.
type BehavioralSnapshot struct {
	TasksRetried       int     `json:"tasks_retried"`
	AvgAttemptsPerTask float64 `json:"avg_attempts_per_task"`
	RateLimitEvents    int     `json:"rate_limit_events"`
	MergeConflicts     int     `json:"merge_conflicts"`
}

// GitState records the branch/commit the session started from.
type GitState struct {
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
}

// SessionError records a fatal run-ending failure.
type SessionError struct {
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a durable record of one orchestrator run.
type Session struct {
	SessionID          string               `json:"session_id"`
	Status              SessionStatus        `json:"status"`
	Config              map[string]any       `json:"config,omitempty"`
	StartedAt            time.Time            `json:"started_at"`
	LastActivityAt       time.Time            `json:"last_activity_at"`
	CompletedAt           *time.Time           `json:"completed_at,omitempty"`
	CurrentIteration       int                  `json:"current_iteration"`
	CompletedTaskCount     int                  `json:"completed_task_count"`
	CurrentTask            string               `json:"current_task,omitempty"`
	CompletedTasks         []string             `json:"completed_tasks,omitempty"`
	GitState               GitState             `json:"git_state"`
	LastError              *SessionError        `json:"last_error,omitempty"`
	Workers                []Worker             `json:"workers,omitempty"`
	ActiveTasks            []string             `json:"active_tasks,omitempty"`
	PID                    int                  `json:"pid"`
	Behavioral             *BehavioralSnapshot  `json:"behavioral,omitempty"`
}

// IndexEntry summarizes one session for the index.json listing.
type IndexEntry struct {
	SessionID string        `json:"session_id"`
	StartedAt time.Time     `json:"started_at"`
	Status    SessionStatus `json:"status"`
	TaskCount int           `json:"task_count"`
}

// Index is the active-session pointer file (index.json).
type Index struct {
	ActiveSession string       `json:"active_session,omitempty"`
	Sessions      []IndexEntry `json:"sessions"`
}

// PRDFile is the top-level JSON carrier for a set of tasks in one category,
// round-tripped verbatim except for mutated task status/result slots and
// metadata.updated_at (spec.md §3, §6, §8 property 6).
type PRDFile struct {
	Project     string           `json:"project,omitempty"`
	Description string           `json:"description,omitempty"`
	Items       []Task           `json:"items"`
	Metadata    *PRDMetadata     `json:"metadata,omitempty"`
}

// PRDMetadata carries the updated_at/provider bookkeeping fields.
type PRDMetadata struct {
	UpdatedAt time.Time `json:"updated_at,omitempty"`
	Provider  string    `json:"provider,omitempty"`
}
