// Package models holds the shared data types of the orchestrator: tasks,
// the dependency DAG, sessions, workers, rate limiter slots, and the result
// records produced by validation and judge review.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders tasks within a wave of ready work.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank gives the sort weight of a priority; lower sorts first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// ProviderOverride lets a single task pin a provider/model/mode different
// from the run's default.
type ProviderOverride struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Mode     string `json:"mode,omitempty"`
}

// JudgeConfig names one persona evaluator attached to a task.
type JudgeConfig struct {
	Persona   string  `json:"persona"`
	Threshold int     `json:"threshold,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
	Required  *bool   `json:"required,omitempty"`
	FailFast  bool    `json:"fail_fast,omitempty"`
}

// RequiredOrDefault returns whether the judge is required to pass for the
// aggregate to pass; judges default to required.
func (j JudgeConfig) RequiredOrDefault() bool {
	if j.Required == nil {
		return true
	}
	return *j.Required
}

// WeightOrDefault returns the judge's weight, defaulting to 1.
func (j JudgeConfig) WeightOrDefault() float64 {
	if j.Weight == 0 {
		return 1
	}
	return j.Weight
}

// ThresholdOrDefault returns the pass threshold, defaulting to 70.
func (j JudgeConfig) ThresholdOrDefault() int {
	if j.Threshold == 0 {
		return 70
	}
	return j.Threshold
}

// Task is the unit of work scheduled by the Task Source and executed by an
// orchestrator (sequential or factory).
type Task struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description"`
	Priority     Priority          `json:"priority"`
	Category     string            `json:"category,omitempty"`
	Status       Status            `json:"status"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Criteria     []string          `json:"criteria,omitempty"`
	Notes        string            `json:"notes,omitempty"`
	Provider     *ProviderOverride `json:"provider,omitempty"`
	Judges       []JudgeConfig     `json:"judges,omitempty"`

	// Result slots, filled on completion.
	ValidationResults *ValidationResult `json:"validation_results,omitempty"`
	JudgeResults      *JudgeAggregate   `json:"judge_results,omitempty"`
	EvidencePath      string            `json:"evidence_path,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`

	// Passes mirrors Status == StatusCompleted; spec.md §6 requires both be
	// kept in sync on every write.
	Passes bool `json:"passes,omitempty"`

	// Unknown preserves any field present in the source JSON that this
	// struct does not model, so a read-mutate-write round trip never drops
	// data (spec.md §6, §8 property 6).
	Unknown map[string]json.RawMessage `json:"-"`
}

// taskAlias avoids infinite recursion in custom (Un)MarshalJSON.
type taskAlias Task

// UnmarshalJSON captures every field this struct does not explicitly model
// into Unknown, so it survives a write-back unchanged.
func (t *Task) UnmarshalJSON(data []byte) error {
	var alias taskAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*t = Task(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := knownTaskFields()
	unknown := make(map[string]json.RawMessage)
	for k, v := range raw {
		if !known[k] {
			unknown[k] = v
		}
	}
	if len(unknown) > 0 {
		t.Unknown = unknown
	}
	return nil
}

// MarshalJSON re-emits known fields plus any preserved Unknown fields, and
// keeps Passes/Status synchronized (spec.md §6).
func (t Task) MarshalJSON() ([]byte, error) {
	t.Passes = t.Status == StatusCompleted
	alias := taskAlias(t)
	out, err := json.Marshal(alias)
	if err != nil {
		return nil, err
	}
	if len(t.Unknown) == 0 {
		return out, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(out, &merged); err != nil {
		return nil, err
	}
	for k, v := range t.Unknown {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

func knownTaskFields() map[string]bool {
	return map[string]bool{
		"id": true, "name": true, "description": true, "priority": true,
		"category": true, "status": true, "dependencies": true,
		"criteria": true, "notes": true, "provider": true, "judges": true,
		"validation_results": true, "judge_results": true,
		"evidence_path": true, "completed_at": true, "passes": true,
	}
}

// IsReady reports whether every dependency in completed is satisfied.
func (t Task) IsReady(completed map[string]bool) bool {
	if t.Status != StatusPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// DAG is the task dependency graph: a map of id to Task plus the reverse
// (dependents) index, rebuilt on every construction per spec.md §9.
type DAG struct {
	Tasks      map[string]*Task
	Dependents map[string][]string
	// order preserves input order for deterministic tie-breaking.
	order []string
}

// CycleError is returned by BuildDAG when the dependency graph is cyclic.
// Cycle contains the offending path, closing on its first element.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Cycle)
}

// MissingDependencyError is returned when a task references an id that does
// not exist among the loaded tasks.
type MissingDependencyError struct {
	TaskID string
	DepID  string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on unknown task %q", e.TaskID, e.DepID)
}

// BuildDAG validates and constructs a DAG from a flat task list.
// lenient, when true, drops dangling dependency edges with a warning
// instead of failing (spec.md §9 Open Question b, decided in DESIGN.md).
func BuildDAG(tasks []Task, lenient bool) (*DAG, []string, error) {
	g := &DAG{
		Tasks:      make(map[string]*Task, len(tasks)),
		Dependents: make(map[string][]string),
	}

	for i := range tasks {
		t := tasks[i]
		if _, dup := g.Tasks[t.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate task id: %s", t.ID)
		}
		g.Tasks[t.ID] = &t
		g.order = append(g.order, t.ID)
	}

	var warnings []string
	for id, t := range g.Tasks {
		kept := t.Dependencies[:0:0]
		for _, dep := range t.Dependencies {
			if _, ok := g.Tasks[dep]; !ok {
				if lenient {
					warnings = append(warnings, fmt.Sprintf("task %q: dropping dependency on unknown task %q", id, dep))
					continue
				}
				return nil, nil, &MissingDependencyError{TaskID: id, DepID: dep}
			}
			kept = append(kept, dep)
		}
		t.Dependencies = kept
	}

	for id, t := range g.Tasks {
		for _, dep := range t.Dependencies {
			g.Dependents[dep] = append(g.Dependents[dep], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, nil, &CycleError{Cycle: cycle}
	}

	return g, warnings, nil
}

// color states for the DFS cycle check.
const (
	white = 0
	grey  = 1
	black = 2
)

// findCycle runs a recursive white/grey/black DFS; a grey revisit signals
// a cycle and the path up to and including the repeated node is returned,
// closing on its first element.
func (g *DAG) findCycle() []string {
	color := make(map[string]int, len(g.Tasks))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		path = append(path, id)

		task := g.Tasks[id]
		for _, dep := range task.Dependencies {
			switch color[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case grey:
				// Found the back edge; build the cycle from its first
				// occurrence in path to here, closing on that element.
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cyc := append([]string{}, path[start:]...)
				cyc = append(cyc, dep)
				return cyc
			}
		}

		color[id] = black
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range g.order {
		if color[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// CompletedSet returns the set of task ids currently marked completed.
func (g *DAG) CompletedSet() map[string]bool {
	completed := make(map[string]bool)
	for id, t := range g.Tasks {
		if t.Status == StatusCompleted {
			completed[id] = true
		}
	}
	return completed
}

// GetReadyTasks returns all pending, unblocked tasks sorted by priority
// (high < medium < low), ties broken by input order.
func (g *DAG) GetReadyTasks() []*Task {
	completed := g.CompletedSet()
	ready := make([]*Task, 0)
	for _, id := range g.order {
		t := g.Tasks[id]
		if t.IsReady(completed) {
			ready = append(ready, t)
		}
	}
	sortByPriorityThenOrder(ready, g.order)
	return ready
}

func sortByPriorityThenOrder(tasks []*Task, order []string) {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	// Stable insertion sort keeps ties in input order without importing
	// sort for a handful of comparisons; tasks lists are small (single
	// waves), so this stays O(n^2) on purpose for readability.
	for i := 1; i < len(tasks); i++ {
		j := i
		for j > 0 {
			a, b := tasks[j-1], tasks[j]
			if a.Priority.rank() > b.Priority.rank() ||
				(a.Priority.rank() == b.Priority.rank() && pos[a.ID] > pos[b.ID]) {
				tasks[j-1], tasks[j] = tasks[j], tasks[j-1]
				j--
				continue
			}
			break
		}
	}
}

// GetNextTask returns the first ready task matching the optional category
// and priority filters, or nil if none qualify.
func (g *DAG) GetNextTask(category string, priority Priority) *Task {
	for _, t := range g.GetReadyTasks() {
		if category != "" && t.Category != category {
			continue
		}
		if priority != "" && t.Priority != priority {
			continue
		}
		return t
	}
	return nil
}

// PropagateCompletion recomputes readiness for id's direct dependents only
// and returns the ids that became newly ready.
func (g *DAG) PropagateCompletion(id string) []string {
	completed := g.CompletedSet()
	var unblocked []string
	for _, depID := range g.Dependents[id] {
		t, ok := g.Tasks[depID]
		if !ok {
			continue
		}
		if t.IsReady(completed) {
			unblocked = append(unblocked, depID)
		}
	}
	return unblocked
}

// Summary is the aggregate view returned by GetSummary.
type Summary struct {
	Total       int            `json:"total"`
	Pending     int            `json:"pending"`
	InProgress  int            `json:"in_progress"`
	Completed   int            `json:"completed"`
	Blocked     int            `json:"blocked"`
	ByCategory  map[string]int `json:"by_category"`
	ByPriority  map[string]int `json:"by_priority"`
}

// GetSummary tallies task counts by status, category, and priority.
func (g *DAG) GetSummary() Summary {
	s := Summary{ByCategory: map[string]int{}, ByPriority: map[string]int{}}
	for _, t := range g.Tasks {
		s.Total++
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusInProgress:
			s.InProgress++
		case StatusCompleted:
			s.Completed++
		case StatusBlocked:
			s.Blocked++
		}
		if t.Category != "" {
			s.ByCategory[t.Category]++
		}
		s.ByPriority[string(t.Priority)]++
	}
	return s
}

// CriticalPath returns the longest dependency chain by task count, computed
// via memoized DFS over the dependency edges.
func (g *DAG) CriticalPath() []string {
	memo := make(map[string][]string)
	var longest func(id string) []string
	longest = func(id string) []string {
		if cached, ok := memo[id]; ok {
			return cached
		}
		best := []string{id}
		task := g.Tasks[id]
		for _, dep := range task.Dependencies {
			candidate := append(append([]string{}, longest(dep)...), id)
			if len(candidate) > len(best) {
				best = candidate
			}
		}
		memo[id] = best
		return best
	}

	var best []string
	for _, id := range g.order {
		p := longest(id)
		if len(p) > len(best) {
			best = p
		}
	}
	return best
}
