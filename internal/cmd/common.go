package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blueman82/ralph/internal/config"
	"github.com/blueman82/ralph/internal/eventbus"
	"github.com/blueman82/ralph/internal/gitutil"
	"github.com/blueman82/ralph/internal/history"
	"github.com/blueman82/ralph/internal/judge"
	"github.com/blueman82/ralph/internal/logger"
	"github.com/blueman82/ralph/internal/models"
	"github.com/blueman82/ralph/internal/provider"
	"github.com/blueman82/ralph/internal/ratelimit"
	"github.com/blueman82/ralph/internal/session"
	"github.com/blueman82/ralph/internal/source"
	"github.com/blueman82/ralph/internal/validation"
)

// addCommonFlags registers the flags shared by run and factory: task
// source, filters, provider defaults, and pipeline toggles.
func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to config file (default: .ralph/config.yaml)")
	cmd.Flags().StringSlice("prd-file", nil, "PRD JSON file(s) to load (repeatable)")
	cmd.Flags().String("prd-dir", "", "Directory of PRD JSON files to load (plan*.json)")
	cmd.Flags().Int("iterations", 0, "Maximum iterations (0 = until no ready task)")
	cmd.Flags().String("filter-category", "", "Only run tasks in this category")
	cmd.Flags().String("filter-priority", "", "Only run tasks at this priority (high|medium|low)")
	cmd.Flags().Bool("skip-validation", false, "Skip the validation pipeline")
	cmd.Flags().Bool("dry-run", false, "Resolve and print the plan without executing tasks")
	cmd.Flags().String("provider", "", "Default provider (claude|gemini|cursor)")
	cmd.Flags().String("model", "", "Default model")
	cmd.Flags().Bool("lenient", false, "Tolerate and drop unknown dependency references")
}

// resolvedFlags captures the subset of cobra flag state every subcommand
// needs, read once up front.
type resolvedFlags struct {
	configPath     string
	prdFiles       []string
	prdDir         string
	iterations     int
	filterCategory string
	filterPriority string
	skipValidation bool
	dryRun         bool
	provider       string
	model          string
	lenient        bool
}

func readFlags(cmd *cobra.Command) resolvedFlags {
	f := cmd.Flags()
	var r resolvedFlags
	r.configPath, _ = f.GetString("config")
	r.prdFiles, _ = f.GetStringSlice("prd-file")
	r.prdDir, _ = f.GetString("prd-dir")
	r.iterations, _ = f.GetInt("iterations")
	r.filterCategory, _ = f.GetString("filter-category")
	r.filterPriority, _ = f.GetString("filter-priority")
	r.skipValidation, _ = f.GetBool("skip-validation")
	r.dryRun, _ = f.GetBool("dry-run")
	r.provider, _ = f.GetString("provider")
	r.model, _ = f.GetString("model")
	r.lenient, _ = f.GetBool("lenient")
	return r
}

// loadConfig loads the config file, falling back to .ralph/config.yaml in
// the repo root, then applies CLI flag overrides.
func loadConfig(flags resolvedFlags) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = filepath.Join(".ralph", "config.yaml")
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	var iterPtr *int
	if flags.iterations > 0 {
		iterPtr = &flags.iterations
	}
	var providerPtr, modelPtr *string
	if flags.provider != "" {
		providerPtr = &flags.provider
	}
	if flags.model != "" {
		modelPtr = &flags.model
	}
	var lenientPtr *bool
	if flags.lenient {
		lenientPtr = &flags.lenient
	}
	cfg.MergeWithFlags(config.FlagOverrides{
		Iterations: iterPtr,
		Provider:   providerPtr,
		Model:      modelPtr,
		Lenient:    lenientPtr,
	})

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// resolvePRDPaths expands --prd-file and --prd-dir into a concrete file
// list, defaulting to plan*.json in the working directory.
func resolvePRDPaths(flags resolvedFlags) ([]string, error) {
	var paths []string
	paths = append(paths, flags.prdFiles...)

	if flags.prdDir != "" {
		matches, err := filepath.Glob(filepath.Join(flags.prdDir, "plan*.json"))
		if err != nil {
			return nil, fmt.Errorf("globbing %s: %w", flags.prdDir, err)
		}
		paths = append(paths, matches...)
	}

	if len(paths) == 0 {
		matches, _ := filepath.Glob("plan*.json")
		paths = append(paths, matches...)
	}
	return paths, nil
}

// configResolver adapts *config.Config into orchestrator.TaskProviderResolver,
// applying spec.md §4.2 step 1's task-override-then-file-default chain, then
// §4.3 step 2's complexity-tier router when tier > 0.
type configResolver struct {
	cfg *config.Config
}

func (r configResolver) Resolve(task models.Task, tier int) (providerName, model, mode string) {
	var p, m, mo string
	if task.Provider != nil {
		p, m, mo = task.Provider.Provider, task.Provider.Model, task.Provider.Mode
	}
	resolved := r.cfg.TaskProviderOverride(p, m, mo, tier)
	return resolved.Provider, resolved.Model, resolved.Mode
}

// toValidationPackages converts config.PackageConfig entries into
// validation.PackageConfig, rooted at repoRoot when a package does not
// name its own directory.
func toValidationPackages(repoRoot string, pkgs []config.PackageConfig) []validation.PackageConfig {
	out := make([]validation.PackageConfig, 0, len(pkgs))
	for _, p := range pkgs {
		dir := p.Dir
		if dir == "" {
			dir = repoRoot
		} else if !filepath.IsAbs(dir) {
			dir = filepath.Join(repoRoot, dir)
		}
		gates := make([]validation.Gate, 0, len(p.Gates))
		for _, g := range p.Gates {
			gates = append(gates, validation.Gate{Name: g.Name, Priority: g.Priority, Command: g.Command})
		}
		out = append(out, validation.PackageConfig{
			Name:       p.Name,
			Dir:        dir,
			PathPrefix: p.PathPrefix,
			Keywords:   p.Keywords,
			Gates:      gates,
		})
	}
	return out
}

// runtimeDeps bundles every collaborator shared across run/factory/resume.
type runtimeDeps struct {
	cfg       *config.Config
	repoRoot  string
	log       logger.Logger
	source    *source.Source
	rateLimit *ratelimit.Limiter
	runner    *provider.Runner
	pipeline  *validation.Pipeline
	judges    *judge.Aggregator
	bus       *eventbus.Bus
	resolver  configResolver
	sessions  *session.Manager
	hist      *history.Store
}

// buildRuntimeDeps loads config, the task source, and every stateless
// collaborator common to both orchestrator modes.
func buildRuntimeDeps(cmd *cobra.Command) (*runtimeDeps, resolvedFlags, error) {
	flags := readFlags(cmd)

	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, flags, err
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return nil, flags, fmt.Errorf("resolving working directory: %w", err)
	}

	paths, err := resolvePRDPaths(flags)
	if err != nil {
		return nil, flags, err
	}
	src, warnings, err := source.Initialize(paths, cfg.Lenient)
	if err != nil {
		return nil, flags, fmt.Errorf("loading task source: %w", err)
	}

	log := logger.NewConsoleLogger(cmd.OutOrStdout(), cfg.LogLevel)
	for _, w := range warnings {
		log.Warnf("%s", w)
	}

	rl := ratelimit.New()
	for _, slot := range cfg.RateLimitSlots {
		rl.Configure(slot.Provider, slot.Model, slot.MaxConcurrent)
	}

	runner := provider.NewRunner(provider.NewRegistry())
	runner.Timeout = cfg.ProviderTimeout

	var pipeline *validation.Pipeline
	if cfg.Validation.Enabled {
		pipeline = validation.New(repoRoot, toValidationPackages(repoRoot, cfg.Packages))
		pipeline.FailFast = cfg.Validation.FailFast
		if cfg.Validation.GateTimeout > 0 {
			pipeline.GateTimeout = cfg.Validation.GateTimeout
		}
	}

	judges := judge.New(judge.RunnerInvoker{Runner: runner}, judge.DefaultPersonas())

	bus := eventbus.New()
	logEvent := func(e eventbus.Event) { log.Event(e.Name, e.Fields) }
	for _, name := range []string{
		"task:start", "provider:start",
		"validation:start", "judge:start",
		"task:complete", "task:failed",
	} {
		bus.On(name, logEvent)
	}

	sessions, err := session.New(filepath.Join(repoRoot, ".ralph", "sessions"))
	if err != nil {
		return nil, flags, fmt.Errorf("initializing session manager: %w", err)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.DBPath)
		if err != nil {
			return nil, flags, fmt.Errorf("opening history store: %w", err)
		}
	}

	return &runtimeDeps{
		cfg:       cfg,
		repoRoot:  repoRoot,
		log:       log,
		source:    src,
		rateLimit: rl,
		runner:    runner,
		pipeline:  pipeline,
		judges:    judges,
		bus:       bus,
		resolver:  configResolver{cfg: cfg},
		sessions:  sessions,
		hist:      hist,
	}, flags, nil
}

// currentGitState reads the trunk checkout's branch and commit for a new
// session record.
func currentGitState(ctx context.Context, repoRoot string) (branch, commit string) {
	g := gitutil.New(repoRoot)
	b, err := g.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil {
		branch = trimTrailingNewline(b)
	}
	c, err := g.RevParseHEAD(ctx)
	if err == nil {
		commit = c
	}
	return branch, commit
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
