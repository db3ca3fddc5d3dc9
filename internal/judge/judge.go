// Package judge implements the Judge Aggregator (spec.md §4.8): one or more
// LLM "judge" personas review a completed task's diff and self-summary,
// each returning a score/verdict, which are weighted and combined into a
// single pass/fail aggregate.
//
// Grounded on internal/validation/judge.go's prompt-construction and
// fenced-JSON-parsing shape from the teacher, generalized from the
// teacher's fixed QC persona set to spec.md's configurable per-task judge
// list.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/provider"
)

// Invoker runs a single provider prompt to completion and returns its raw
// text output. internal/provider.Runner satisfies this through a thin
// adapter in the orchestrator wiring.
type Invoker interface {
	Invoke(ctx context.Context, providerName, prompt, model string) (string, error)
}

// HistoryLookup optionally supplies recent-failure context to a judge's
// review prompt (internal/history, best-effort and nil-safe per
// SPEC_FULL.md §4.8), mirroring internal/planner.HistoryLookup.
type HistoryLookup interface {
	RecentFailures(ctx context.Context, limit int) []string
}

// recentFailuresLimit bounds how many prior failures are folded into a
// judge's prompt, keeping the added context proportionate to the rest of
// the review prompt.
const recentFailuresLimit = 5

// Persona is one judge's fixed identity: its system framing and review
// criteria, independent of any particular task. The pass threshold comes
// from the per-task models.JudgeConfig.
type Persona struct {
	Name          string
	SystemPrompt  string
	Criteria      []string
}

// DefaultPersonas returns the three stock personas named in spec.md §4.8
// (correctness, security, style) with generic baseline prompts; callers may
// override per task via models.JudgeConfig.
func DefaultPersonas() map[string]Persona {
	return map[string]Persona{
		"correctness": {
			Name:         "correctness",
			SystemPrompt: "You are a meticulous code reviewer focused on functional correctness. Judge whether the change actually satisfies the stated task criteria.",
			Criteria:     []string{"meets acceptance criteria", "no obvious logic errors", "edge cases handled"},
		},
		"security": {
			Name:         "security",
			SystemPrompt: "You are a security reviewer. Judge whether the change introduces injection, auth, or data-exposure risks.",
			Criteria:     []string{"no injection vectors", "no secrets committed", "input validated at boundaries"},
		},
		"style": {
			Name:         "style",
			SystemPrompt: "You are a senior engineer reviewing for idiomatic style and maintainability.",
			Criteria:     []string{"idiomatic for the language", "no dead code", "consistent naming"},
		},
	}
}

// Verdict is one judge's structured response.
type Verdict struct {
	Score       int      `json:"score"`
	Verdict     string   `json:"verdict"`
	Reasoning   string   `json:"reasoning"`
	Suggestions []string `json:"suggestions,omitempty"`
	Confidence  float64  `json:"confidence"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// parseVerdict extracts a Verdict from a judge's raw text response,
// preferring a fenced JSON object and falling back to a keyword heuristic
// if no valid JSON is present (spec.md §4.8: judges that fail to return
// parseable JSON are still scored, never treated as a pipeline error).
func parseVerdict(raw string) Verdict {
	candidate := raw
	if m := fencedJSON.FindStringSubmatch(raw); len(m) == 2 {
		candidate = m[1]
	}

	var v Verdict
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		return v
	}

	lower := strings.ToLower(raw)
	if strings.Contains(lower, "approved") || strings.Contains(lower, "passes") {
		return Verdict{Score: 70, Verdict: "approved", Reasoning: "heuristic fallback: affirmative language detected", Confidence: 0.3}
	}
	return Verdict{Score: 30, Verdict: "rejected", Reasoning: "heuristic fallback: no parseable verdict, no affirmative language", Confidence: 0.3}
}

// Request is everything one judge invocation needs to evaluate a task.
type Request struct {
	Task          models.Task
	Diff          string
	ProviderSummary string
	Provider      string
	Model         string
	History       HistoryLookup
}

// Aggregator runs every configured judge for a task and combines their
// verdicts.
type Aggregator struct {
	invoke   Invoker
	personas map[string]Persona
}

// New creates an Aggregator. personas may be nil to use DefaultPersonas.
func New(invoke Invoker, personas map[string]Persona) *Aggregator {
	if personas == nil {
		personas = DefaultPersonas()
	}
	return &Aggregator{invoke: invoke, personas: personas}
}

func buildPrompt(ctx context.Context, req Request, p Persona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", p.SystemPrompt)
	b.WriteString("Review criteria:\n")
	for _, c := range p.Criteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	fmt.Fprintf(&b, "\nTask: %s\n%s\n\n", req.Task.Name, req.Task.Description)
	if len(req.Task.Criteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range req.Task.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\nProvider's own summary of the change:\n%s\n\n", req.ProviderSummary)
	fmt.Fprintf(&b, "Diff:\n%s\n\n", req.Diff)
	if req.History != nil {
		if failures := req.History.RecentFailures(ctx, recentFailuresLimit); len(failures) > 0 {
			b.WriteString("Recent failures on this task (for context, not automatic rejection):\n")
			for _, f := range failures {
				fmt.Fprintf(&b, "- %s\n", f)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Respond with a single fenced JSON object: " +
		`{"score": 0-100, "verdict": "approved"|"rejected", "reasoning": "...", "suggestions": [...], "confidence": 0.0-1.0}`)
	return b.String()
}

// Result is one judge's final, resolved verdict against its configured
// threshold.
type Result struct {
	Persona models.JudgeResult
}

// Run evaluates req against every judge named in judges, honoring each
// config's FailFast (sequential, abort-on-reject) or default (parallel)
// execution mode, and returns the weighted aggregate (spec.md §4.8).
func (a *Aggregator) Run(ctx context.Context, req Request, judges []models.JudgeConfig) models.JudgeAggregate {
	if len(judges) == 0 {
		judges = defaultJudgeConfigs()
	}

	anyFailFast := false
	for _, j := range judges {
		if j.FailFast {
			anyFailFast = true
			break
		}
	}

	var results []models.JudgeResult
	if anyFailFast {
		for _, j := range judges {
			r := a.runOne(ctx, req, j)
			results = append(results, r)
			if j.FailFast && !r.Passed && j.RequiredOrDefault() {
				break
			}
		}
	} else {
		results = make([]models.JudgeResult, len(judges))
		var wg sync.WaitGroup
		for i, j := range judges {
			wg.Add(1)
			go func(i int, j models.JudgeConfig) {
				defer wg.Done()
				results[i] = a.runOne(ctx, req, j)
			}(i, j)
		}
		wg.Wait()
	}

	return aggregate(results, judges)
}

func (a *Aggregator) runOne(ctx context.Context, req Request, cfg models.JudgeConfig) models.JudgeResult {
	persona, ok := a.personas[cfg.Persona]
	if !ok {
		persona = Persona{Name: cfg.Persona, SystemPrompt: "You are reviewing a code change for: " + cfg.Persona}
	}

	prompt := buildPrompt(ctx, req, persona)
	raw, err := a.invoke.Invoke(ctx, req.Provider, prompt, req.Model)
	if err != nil {
		return models.JudgeResult{
			Persona:   cfg.Persona,
			Score:     0,
			Passed:    false,
			Verdict:   "error",
			Reasoning: fmt.Sprintf("judge invocation failed: %v", err),
		}
	}

	v := parseVerdict(raw)
	threshold := cfg.ThresholdOrDefault()
	return models.JudgeResult{
		Persona:     cfg.Persona,
		Score:       v.Score,
		Passed:      v.Score >= threshold,
		Verdict:     v.Verdict,
		Reasoning:   v.Reasoning,
		Suggestions: v.Suggestions,
		Confidence:  v.Confidence,
	}
}

// aggregate computes the weighted overall score and pass/fail per spec.md
// §4.8: overallScore = Σ(weight_i * score_i) / Σweight_i; passed iff every
// required judge passed.
func aggregate(results []models.JudgeResult, judges []models.JudgeConfig) models.JudgeAggregate {
	weightByPersona := make(map[string]float64, len(judges))
	requiredByPersona := make(map[string]bool, len(judges))
	for _, j := range judges {
		weightByPersona[j.Persona] = j.WeightOrDefault()
		requiredByPersona[j.Persona] = j.RequiredOrDefault()
	}

	var weightedSum, weightTotal float64
	passed := true
	var rejectedBy []string
	for _, r := range results {
		w := weightByPersona[r.Persona]
		weightedSum += w * float64(r.Score)
		weightTotal += w
		if requiredByPersona[r.Persona] && !r.Passed {
			passed = false
			rejectedBy = append(rejectedBy, r.Persona)
		}
	}

	overall := 0.0
	if weightTotal > 0 {
		overall = weightedSum / weightTotal
	}

	sort.Strings(rejectedBy)
	summary := fmt.Sprintf("All %d judges passed (avg=%.1f)", len(results), overall)
	if !passed {
		summary = fmt.Sprintf("Rejected by: %s", strings.Join(rejectedBy, ", "))
	}

	return models.JudgeAggregate{
		Passed:       passed,
		OverallScore: overall,
		Results:      results,
		Summary:      summary,
	}
}

func defaultJudgeConfigs() []models.JudgeConfig {
	return []models.JudgeConfig{
		{Persona: "correctness"},
		{Persona: "security"},
		{Persona: "style"},
	}
}

// RunnerInvoker adapts *provider.Runner to the Invoker interface.
type RunnerInvoker struct {
	Runner *provider.Runner
}

// Invoke satisfies Invoker by running the provider subprocess to completion
// and returning its last text chunk as the judge's raw response.
func (ri RunnerInvoker) Invoke(ctx context.Context, providerName, prompt, model string) (string, error) {
	outcome := ri.Runner.Run(ctx, providerName, prompt, model, "ask", nil)
	if outcome.Error != nil {
		return "", outcome.Error
	}
	return outcome.Output, nil
}
