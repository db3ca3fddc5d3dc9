// Package validation implements the Validation Pipeline (spec.md §4.7):
// affected-package detection, an ordered gate registry run per package, and
// custom gates extracted from task notes.
//
// Grounded on internal/executor/task.go's shell-out/timeout shape and
// internal/validation/rubric's lint-summary parsing idiom from the teacher,
// generalized from the teacher's fixed quality-control rubric to spec.md's
// package/gate registry model.
package validation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/blueman82/ralph/internal/gitutil"
	"github.com/blueman82/ralph/internal/models"
)

// Gate is one registered validation step.
type Gate struct {
	Name     string
	Priority int
	Command  string // shell command, run via "sh -c"
}

// The Priority* constants are the fixed gate priority table of spec.md §4.7.
const (
	PriorityFastLinter = 10
	PriorityBuild       = 20
	PriorityTest        = 30
	PriorityLint        = 40
	PriorityCustom      = 50
)

// PackageConfig is one registered package's directory and gate commands.
type PackageConfig struct {
	Name      string
	Dir       string
	PathPrefix string
	Keywords  []string
	Gates     []Gate
}

// Pipeline runs validation gates for a set of registered packages.
type Pipeline struct {
	RepoRoot    string
	Packages    []PackageConfig
	GateTimeout time.Duration // default 120s
	FailFast    bool
	git         *gitutil.Runner
}

// New creates a Pipeline. repoRoot is used to compute changed files for
// package detection.
func New(repoRoot string, packages []PackageConfig) *Pipeline {
	return &Pipeline{
		RepoRoot:    repoRoot,
		Packages:    packages,
		GateTimeout: 120 * time.Second,
		git:         gitutil.New(repoRoot),
	}
}

var lintSummary = regexp.MustCompile(`(?i)found (\d+) warnings? and (\d+) errors?`)
var eslintSummary = regexp.MustCompile(`(?i)(\d+) problems? \((\d+) errors?, (\d+) warnings?\)`)

// DetectPackage computes the affected package per spec.md §4.7's ordered
// rule: explicit override, then changed-file path-prefix match, then
// task-category keyword match, then default "frontend".
func (p *Pipeline) DetectPackage(ctx context.Context, task models.Task, override string) string {
	if override != "" {
		return override
	}

	if changed, err := p.git.ChangedFiles(ctx); err == nil {
		for _, file := range changed {
			if pkg := p.matchPathPrefix(file); pkg != "" {
				return pkg
			}
		}
	}

	category := strings.ToLower(task.Category)
	for _, pc := range p.Packages {
		for _, kw := range pc.Keywords {
			if category != "" && strings.Contains(category, strings.ToLower(kw)) {
				return pc.Name
			}
		}
	}

	return "frontend"
}

func (p *Pipeline) matchPathPrefix(file string) string {
	best := ""
	bestLen := -1
	for _, pc := range p.Packages {
		if pc.PathPrefix == "" {
			continue
		}
		if strings.HasPrefix(file, pc.PathPrefix) && len(pc.PathPrefix) > bestLen {
			best = pc.Name
			bestLen = len(pc.PathPrefix)
		}
	}
	return best
}

func (p *Pipeline) packageConfig(name string) (PackageConfig, bool) {
	for _, pc := range p.Packages {
		if pc.Name == name {
			return pc, true
		}
	}
	return PackageConfig{}, false
}

// GateRun is the outcome of a single (package, gate) invocation.
type GateRun struct {
	Package      string
	Gate         string
	Passed       bool
	ExitCode     int
	Output       string
	ErrorSummary string
	Duration     time.Duration
}

// customGatePattern extracts VALIDATE: '...' lines from task notes.
var customGatePattern = regexp.MustCompile(`VALIDATE:\s*'([^']*)'`)

// ExtractCustomGates returns the custom shell commands embedded in a
// task's notes field (spec.md §4.7 "Custom gates").
func ExtractCustomGates(notes string) []string {
	matches := customGatePattern.FindAllStringSubmatch(notes, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Run executes every gate for the detected package, in ascending priority
// order, honoring FailFast, and returns the accumulated models.ValidationResult.
func (p *Pipeline) Run(ctx context.Context, task models.Task, override string, previousAttempts int) models.ValidationResult {
	pkgName := p.DetectPackage(ctx, task, override)
	pc, found := p.packageConfig(pkgName)

	gates := append([]Gate(nil), pc.Gates...)
	for _, cmd := range ExtractCustomGates(task.Notes) {
		gates = append(gates, Gate{Name: "custom", Priority: PriorityCustom, Command: cmd})
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].Priority < gates[j].Priority })

	timeout := p.GateTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	dir := pc.Dir
	if !found {
		dir = p.RepoRoot
	}

	var runs []models.GateResult
	var failed []string
	passed := true

	for _, g := range gates {
		run := runGate(ctx, dir, g, timeout)
		runs = append(runs, toModelGate(pkgName, g, run))
		if !run.Passed {
			passed = false
			failed = append(failed, fmt.Sprintf("%s:%s", pkgName, g.Name))
			if p.FailFast {
				break
			}
		}
	}

	return models.ValidationResult{
		LastRun:     time.Now(),
		Passed:      passed,
		FailedGates: failed,
		Attempts:    previousAttempts + 1,
		Gates:       runs,
	}
}

func toModelGate(pkg string, g Gate, run GateRun) models.GateResult {
	return models.GateResult{
		Package:      pkg,
		Gate:         g.Name,
		Passed:       run.Passed,
		Duration:     run.Duration,
		Output:       run.Output,
		ErrorSummary: run.ErrorSummary,
	}
}

// runGate executes one gate's shell command under a timeout, in dir, with
// CI=true and FORCE_COLOR=0 (spec.md §4.7).
func runGate(ctx context.Context, dir string, g Gate, timeout time.Duration) GateRun {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", g.Command)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), "CI=true", "FORCE_COLOR=0")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	duration := time.Since(start)
	output := out.String()

	if runCtx.Err() == context.DeadlineExceeded {
		return GateRun{
			Gate: g.Name, Passed: false, ExitCode: -1,
			Output:       output,
			ErrorSummary: fmt.Sprintf("Timed out after %dms", timeout.Milliseconds()),
			Duration:     duration,
		}
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	passed := exitCode == 0
	errorSummary := ""

	if isLintGate(g.Name) {
		if errs, warns, ok := parseLintSummary(output); ok {
			if errs > 0 {
				passed = false
				errorSummary = fmt.Sprintf("found %d warnings and %d errors", warns, errs)
			}
		}
	}

	if !passed && errorSummary == "" {
		errorSummary = lastNonEmptyLine(output)
	}

	return GateRun{
		Gate: g.Name, Passed: passed, ExitCode: exitCode,
		Output: output, ErrorSummary: errorSummary, Duration: duration,
	}
}

func isLintGate(name string) bool {
	return name == "fast-linter" || name == "lint"
}

// parseLintSummary looks for "found X warnings and Y errors" or an ESLint
// "N problems (E errors, W warnings)" summary line.
func parseLintSummary(output string) (errs, warns int, ok bool) {
	if m := lintSummary.FindStringSubmatch(output); m != nil {
		warns, _ = strconv.Atoi(m[1])
		errs, _ = strconv.Atoi(m[2])
		return errs, warns, true
	}
	if m := eslintSummary.FindStringSubmatch(output); m != nil {
		errs, _ = strconv.Atoi(m[2])
		warns, _ = strconv.Atoi(m[3])
		return errs, warns, true
	}
	return 0, 0, false
}

func lastNonEmptyLine(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}
