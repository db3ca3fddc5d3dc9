// Package planner implements the Planner (spec.md §4.10): a periodic
// progress-vs-specification check that prompts a designated provider slot
// and appends any gap-closing tasks it proposes back onto the active PRD.
//
// Grounded on internal/agent's periodic-evaluation loop shape and
// internal/claude/invoker.go's strict-JSON-with-fallback parsing idiom from
// the teacher, adapted from the teacher's plan-revision model to spec.md's
// flat task-append model.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/blueman82/ralph/internal/gitutil"
	"github.com/blueman82/ralph/internal/models"
)

// Invoker runs a single provider prompt to completion and returns its raw
// text output.
type Invoker interface {
	Invoke(ctx context.Context, providerName, prompt, model string) (string, error)
}

// TaskSource is the subset of internal/source.Source the Planner needs:
// reading current tasks and appending newly proposed ones.
type TaskSource interface {
	AllTasks() []models.Task
	AppendTasks(tasks []models.Task) error
}

// HistoryLookup optionally supplies recent-failure context to the planner
// prompt (internal/history, best-effort and nil-safe per SPEC_FULL.md).
type HistoryLookup interface {
	RecentFailures(ctx context.Context, limit int) []string
}

// NewTask is one task the planner proposes to close a specification gap.
type NewTask struct {
	ID                 string   `json:"id"`
	Description         string   `json:"description"`
	Priority            string   `json:"priority"`
	AcceptanceCriteria  []string `json:"acceptance_criteria,omitempty"`
	EstimatedHours      float64  `json:"estimated_hours,omitempty"`
}

type evaluation struct {
	SpecSatisfied bool      `json:"specSatisfied"`
	Reasoning     string    `json:"reasoning"`
	NewTasks      []NewTask `json:"newTasks"`
}

// Planner periodically evaluates progress and proposes new tasks.
type Planner struct {
	Interval       time.Duration // default 60s
	SpecDescription string
	Provider       string
	Model          string

	invoke  Invoker
	source  TaskSource
	history HistoryLookup
	git     *gitutil.Runner

	satisfiedEmitted bool
}

// New creates a Planner. history may be nil (best-effort, nil-safe).
func New(repoRoot string, invoke Invoker, source TaskSource, history HistoryLookup, specDescription, provider, model string) *Planner {
	return &Planner{
		Interval:        60 * time.Second,
		SpecDescription: specDescription,
		Provider:        provider,
		Model:           model,
		invoke:          invoke,
		source:          source,
		history:         history,
		git:             gitutil.New(repoRoot),
	}
}

// Result is one evaluation's outcome.
type Result struct {
	SpecSatisfied bool
	Reasoning     string
	AppendedTasks []models.Task
}

// Evaluate runs one planning pass: loads current tasks, computes a change
// summary, prompts the planner provider, and appends any surviving new
// tasks. Any failure along the way yields an empty-but-successful Result
// per spec.md §4.10 ("best-effort... all yield {newTasks:[]}").
func (p *Planner) Evaluate(ctx context.Context) Result {
	tasks := p.source.AllTasks()
	completed, pending := partition(tasks)

	changeSummary, err := p.git.DiffStat(ctx, "HEAD~10..HEAD")
	if err != nil {
		changeSummary = ""
	}

	var recentFailures []string
	if p.history != nil {
		recentFailures = p.history.RecentFailures(ctx, 5)
	}

	prompt := buildPrompt(p.SpecDescription, completed, pending, changeSummary, recentFailures)

	raw, err := p.invoke.Invoke(ctx, p.Provider, prompt, p.Model)
	if err != nil {
		return Result{}
	}

	eval, ok := parseEvaluation(raw)
	if !ok {
		return Result{}
	}

	existing := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		existing[t.ID] = true
	}

	var toAppend []models.Task
	for _, nt := range eval.NewTasks {
		if nt.ID == "" || existing[nt.ID] {
			continue
		}
		existing[nt.ID] = true
		toAppend = append(toAppend, NewTask(nt).toTask())
	}

	if len(toAppend) > 0 {
		if err := p.source.AppendTasks(toAppend); err != nil {
			return Result{SpecSatisfied: eval.SpecSatisfied, Reasoning: eval.Reasoning}
		}
	}

	if eval.SpecSatisfied {
		p.satisfiedEmitted = true
	}

	return Result{
		SpecSatisfied: eval.SpecSatisfied,
		Reasoning:     eval.Reasoning,
		AppendedTasks: toAppend,
	}
}

// SpecSatisfiedSignaled reports whether any evaluation has reported
// specSatisfied:true (the orchestrator's convergence precondition).
func (p *Planner) SpecSatisfiedSignaled() bool {
	return p.satisfiedEmitted
}

func (nt NewTask) toTask() models.Task {
	priority := models.PriorityMedium
	switch strings.ToLower(nt.Priority) {
	case "high":
		priority = models.PriorityHigh
	case "low":
		priority = models.PriorityLow
	}
	return models.Task{
		ID:          nt.ID,
		Description: nt.Description,
		Priority:    priority,
		Status:      models.StatusPending,
		Criteria:    nt.AcceptanceCriteria,
	}
}

func partition(tasks []models.Task) (completed, pending []models.Task) {
	for _, t := range tasks {
		if t.Status == models.StatusCompleted {
			completed = append(completed, t)
		} else {
			pending = append(pending, t)
		}
	}
	return completed, pending
}

func buildPrompt(specDescription string, completed, pending []models.Task, changeSummary string, recentFailures []string) string {
	var b strings.Builder
	b.WriteString("You are evaluating progress of an autonomous coding session against its specification.\n\n")
	fmt.Fprintf(&b, "Specification:\n%s\n\n", specDescription)

	fmt.Fprintf(&b, "Completed tasks (%d):\n", len(completed))
	for _, t := range completed {
		fmt.Fprintf(&b, "- [%s] %s\n", t.ID, t.Name)
	}
	fmt.Fprintf(&b, "\nPending tasks (%d):\n", len(pending))
	for _, t := range pending {
		fmt.Fprintf(&b, "- [%s] %s\n", t.ID, t.Name)
	}

	if changeSummary != "" {
		fmt.Fprintf(&b, "\nRecent change summary:\n%s\n", changeSummary)
	}
	if len(recentFailures) > 0 {
		b.WriteString("\nRecent validation/judge failures:\n")
		for _, f := range recentFailures {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	b.WriteString("\nRespond with strict JSON only, no prose, no fences:\n")
	b.WriteString(`{"specSatisfied": bool, "reasoning": "...", "newTasks": [{"id": "...", "description": "...", "priority": "high|medium|low", "acceptance_criteria": ["..."], "estimated_hours": 0}]}`)
	return b.String()
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// parseEvaluation extracts the planner's strict-JSON response, tolerating a
// surrounding fence or stray prose, per spec.md §4.10's best-effort
// contract: any parse failure or missing required field (specSatisfied,
// reasoning, newTasks) yields ok=false.
func parseEvaluation(raw string) (evaluation, bool) {
	candidate := strings.TrimSpace(raw)
	candidate = strings.TrimPrefix(candidate, "```json")
	candidate = strings.TrimPrefix(candidate, "```")
	candidate = strings.TrimSuffix(candidate, "```")
	candidate = strings.TrimSpace(candidate)

	hasRequired := func(s string) bool {
		var fields map[string]json.RawMessage
		if json.Unmarshal([]byte(s), &fields) != nil {
			return false
		}
		_, a := fields["specSatisfied"]
		_, b := fields["reasoning"]
		_, c := fields["newTasks"]
		return a && b && c
	}

	var eval evaluation
	if err := json.Unmarshal([]byte(candidate), &eval); err == nil && hasRequired(candidate) {
		return eval, true
	}

	if m := jsonObject.FindString(raw); m != "" {
		if err := json.Unmarshal([]byte(m), &eval); err == nil && hasRequired(m) {
			return eval, true
		}
	}

	return evaluation{}, false
}
