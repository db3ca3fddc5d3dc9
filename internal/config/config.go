// Package config loads and validates the orchestrator's YAML configuration
// file and resolves the three-level override chain (CLI flags, file-level
// config, per-task override) described in spec.md §4.2 step 1.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig names the default provider/model/mode a run uses absent
// any task-level override.
type ProviderConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	Mode     string `yaml:"mode"`
}

// RetryConfig bounds factory re-enqueue behavior (spec.md §4.3, §9 Open
// Question a).
type RetryConfig struct {
	// MaxTierEscalations caps how many times a merge-conflict or failure
	// re-enqueue may escalate a task's complexity tier before it is left
	// pending and surfaced as an error in the session summary.
	MaxTierEscalations int `yaml:"max_tier_escalations"`
}

// TierRoute names the (provider, model) a complexity tier dispatches to.
type TierRoute struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ComplexityTiers maps a task's escalation tier (0 = first attempt, 1 =
// after its first failure/conflict, ...) to the provider/model the factory
// dispatch loop should route it to (spec.md §4.3 step 2's "complexity
// router"). An empty list disables tier-based routing: every tier uses the
// base Provider/Resolver outcome unchanged. A tier beyond the configured
// list clamps to the last (strongest) entry.
type ComplexityTiers []TierRoute

// Route returns the (provider, model) for tier, clamped to the last
// configured entry, or ok=false if no tiers are configured at all.
func (t ComplexityTiers) Route(tier int) (provider, model string, ok bool) {
	if len(t) == 0 {
		return "", "", false
	}
	if tier < 0 {
		tier = 0
	}
	if tier >= len(t) {
		tier = len(t) - 1
	}
	return t[tier].Provider, t[tier].Model, true
}

// RateLimitSlotConfig seeds one (provider, model) slot's concurrency bound.
type RateLimitSlotConfig struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// ValidationConfig toggles and times the validation pipeline.
type ValidationConfig struct {
	Enabled    bool          `yaml:"enabled"`
	GateTimeout time.Duration `yaml:"gate_timeout"`
	FailFast   bool          `yaml:"fail_fast"`
}

// JudgeConfig sets the default judge pass threshold and evaluation timeout.
type JudgeConfig struct {
	DefaultThreshold int           `yaml:"default_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	FailFast         bool          `yaml:"fail_fast"`
}

// HistoryConfig configures the supplementary execution-history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// GateConfig is one (name, priority, command) validation gate.
type GateConfig struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
	Command  string `yaml:"command"`
}

// PackageConfig describes one affected-package target for the validation
// pipeline's package detection (spec.md §4.7).
type PackageConfig struct {
	Name       string       `yaml:"name"`
	Dir        string       `yaml:"dir"`
	PathPrefix string       `yaml:"path_prefix"`
	Keywords   []string     `yaml:"keywords"`
	Gates      []GateConfig `yaml:"gates"`
}

// Config is the orchestrator's file-level configuration, the middle layer
// of the CLI-then-file-then-task override chain.
type Config struct {
	Iterations       int                   `yaml:"iterations"`
	Workers          int                   `yaml:"workers"`
	ProviderTimeout  time.Duration         `yaml:"provider_timeout"`
	PlannerInterval  time.Duration         `yaml:"planner_interval"`
	Lenient          bool                  `yaml:"lenient"`
	Provider         ProviderConfig        `yaml:"provider"`
	ComplexityTiers  ComplexityTiers       `yaml:"complexity_tiers"`
	Retry            RetryConfig           `yaml:"retry"`
	RateLimitSlots   []RateLimitSlotConfig `yaml:"rate_limit_slots"`
	Validation       ValidationConfig      `yaml:"validation"`
	Judge            JudgeConfig           `yaml:"judge"`
	History          HistoryConfig         `yaml:"history"`
	Packages         []PackageConfig       `yaml:"packages"`
	LogLevel         string                `yaml:"log_level"`

	// explicitlySet records which top-level keys were present in the
	// source YAML, so MergeDefaults only overrides fields the file did not
	// specify (the teacher's "detect presence then merge" idiom).
	explicitlySet map[string]bool
}

// DefaultConfig returns sensible defaults matching spec.md's stated
// defaults (60s planner tick, 30min provider timeout, 120s gate timeout,
// judge threshold 70 and 60s judge timeout).
func DefaultConfig() *Config {
	return &Config{
		Iterations:      0, // 0 means "until no ready tasks"
		Workers:         4,
		ProviderTimeout: 30 * time.Minute,
		PlannerInterval: 60 * time.Second,
		Lenient:         false,
		Provider:        ProviderConfig{Provider: "claude", Mode: "agent"},
		Retry:           RetryConfig{MaxTierEscalations: 3},
		Validation:      ValidationConfig{Enabled: true, GateTimeout: 120 * time.Second},
		Judge:           JudgeConfig{DefaultThreshold: 70, Timeout: 60 * time.Second},
		History:         HistoryConfig{Enabled: false, DBPath: ".ralph/history.db"},
		Packages:        defaultPackages(),
		LogLevel:        "info",
	}
}

// defaultPackages is the fallback affected-package table when a config
// file does not register its own: a single "frontend" package (spec.md
// §4.7's final fallback) plus a "backend" package matched by keyword, both
// running go build/test/vet as their gates.
func defaultPackages() []PackageConfig {
	return []PackageConfig{
		{
			Name:     "backend",
			Keywords: []string{"backend", "api", "server"},
			Gates: []GateConfig{
				{Name: "build", Priority: 20, Command: "go build ./..."},
				{Name: "test", Priority: 30, Command: "go test ./..."},
				{Name: "vet", Priority: 10, Command: "go vet ./..."},
			},
		},
		{
			Name: "frontend",
			Gates: []GateConfig{
				{Name: "build", Priority: 20, Command: "go build ./..."},
				{Name: "test", Priority: 30, Command: "go test ./..."},
				{Name: "vet", Priority: 10, Command: "go vet ./..."},
			},
		},
	}
}

// rawKeys is the minimal shape used only to detect which top-level keys the
// source YAML explicitly set, independent of their decoded values.
type rawKeys map[string]yaml.Node

// LoadConfig reads path and merges it over DefaultConfig(); a missing file
// is not an error and yields the defaults untouched.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var fromFile Config
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var raw rawKeys
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	fromFile.explicitlySet = make(map[string]bool, len(raw))
	for k := range raw {
		fromFile.explicitlySet[k] = true
	}

	cfg.mergeFrom(&fromFile)
	return cfg, nil
}

// mergeFrom overlays only the keys fromFile's source YAML explicitly set.
func (c *Config) mergeFrom(fromFile *Config) {
	set := fromFile.explicitlySet
	if set["iterations"] {
		c.Iterations = fromFile.Iterations
	}
	if set["workers"] {
		c.Workers = fromFile.Workers
	}
	if set["provider_timeout"] {
		c.ProviderTimeout = fromFile.ProviderTimeout
	}
	if set["planner_interval"] {
		c.PlannerInterval = fromFile.PlannerInterval
	}
	if set["lenient"] {
		c.Lenient = fromFile.Lenient
	}
	if set["provider"] {
		c.Provider = fromFile.Provider
	}
	if set["complexity_tiers"] {
		c.ComplexityTiers = fromFile.ComplexityTiers
	}
	if set["retry"] {
		c.Retry = fromFile.Retry
	}
	if set["rate_limit_slots"] {
		c.RateLimitSlots = fromFile.RateLimitSlots
	}
	if set["validation"] {
		c.Validation = fromFile.Validation
	}
	if set["judge"] {
		c.Judge = fromFile.Judge
	}
	if set["history"] {
		c.History = fromFile.History
	}
	if set["packages"] {
		c.Packages = fromFile.Packages
	}
	if set["log_level"] {
		c.LogLevel = fromFile.LogLevel
	}
}

// FlagOverrides carries CLI-level overrides; a nil/zero field means "not
// set on the command line" and leaves the file-or-default value untouched.
// This mirrors the teacher's MergeWithFlags nil-pointer-means-unset idiom.
type FlagOverrides struct {
	Iterations *int
	Workers    *int
	Provider   *string
	Model      *string
	Lenient    *bool
}

// MergeWithFlags applies CLI overrides, which win over file-level config.
func (c *Config) MergeWithFlags(f FlagOverrides) {
	if f.Iterations != nil {
		c.Iterations = *f.Iterations
	}
	if f.Workers != nil {
		c.Workers = *f.Workers
	}
	if f.Provider != nil {
		c.Provider.Provider = *f.Provider
	}
	if f.Model != nil {
		c.Provider.Model = *f.Model
	}
	if f.Lenient != nil {
		c.Lenient = *f.Lenient
	}
}

// Validate reports structural problems in a fully-merged Config.
func (c *Config) Validate() error {
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must be >= 0, got %d", c.Iterations)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if c.ProviderTimeout < 0 {
		return fmt.Errorf("provider_timeout must be >= 0")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.Retry.MaxTierEscalations <= 0 {
		return fmt.Errorf("retry.max_tier_escalations must be > 0")
	}
	if c.History.Enabled && c.History.DBPath == "" {
		return fmt.Errorf("history.db_path required when history.enabled is true")
	}
	return nil
}

// TaskProviderOverride resolves the effective provider/model/mode for a
// single task: task-level override wins, then the file/CLI-merged default,
// then tier > 0 routes provider/model through ComplexityTiers (spec.md
// §4.3 step 2) if any are configured. Each empty override field is
// silently ignored in favor of the previous value, per spec.md §4.2 step 1;
// non-empty fields still apply.
func (c *Config) TaskProviderOverride(provider, model, mode string, tier int) ProviderConfig {
	resolved := c.Provider
	if provider != "" {
		resolved.Provider = provider
	}
	if model != "" {
		resolved.Model = model
	}
	if mode != "" {
		resolved.Mode = mode
	}
	if tier > 0 {
		if tp, tm, ok := c.ComplexityTiers.Route(tier); ok {
			resolved.Provider = tp
			resolved.Model = tm
		}
	}
	return resolved
}
