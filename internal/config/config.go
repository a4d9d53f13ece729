// Package config holds all Promethean configuration: the skill routing
// table, the target module registry, evolutionary parameters, sandbox
// limits, and gate policy. Config is JSON on disk, validated at load time,
// and hot-reloadable between loop iterations.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all Promethean configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// LLM provider settings
	Providers map[string]ProviderConfig `json:"providers"`

	// Skill routing table: skill name -> model route
	Skills map[string]SkillRoute `json:"skills"`

	// Target module registry
	Targets []TargetDef `json:"targets"`

	// Evolutionary parameters
	Evolution EvolutionConfig `json:"evolution"`

	// Sandbox resource limits
	Sandbox SandboxConfig `json:"sandbox"`

	// Self-modification gate policy
	Gate GateConfig `json:"gate"`

	// Core loop scheduling and target selection
	Loop LoopConfig `json:"loop"`

	// Run event announcements (MQTT)
	Events EventsConfig `json:"events,omitempty"`
}

type ServerConfig struct {
	Port      int    `json:"port"`
	DataDir   string `json:"dataDir"`
	LogLevel  string `json:"logLevel"`
	JWTSecret string `json:"jwtSecret,omitempty"` // empty disables API auth (dev mode)
}

// ProviderConfig describes one reasoning backend endpoint.
type ProviderConfig struct {
	Type    string `json:"type"` // "anthropic", "openai", "ollama"
	BaseURL string `json:"baseUrl,omitempty"`
	APIKey  string `json:"apiKey,omitempty"`
}

// SkillRoute maps a named cognitive skill to a model tier and call policy.
// Model IDs use the "provider/model" form.
type SkillRoute struct {
	Model          string   `json:"model"`
	Fallback       []string `json:"fallback,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	MaxRetries     int      `json:"maxRetries"`
	BackoffMs      int64    `json:"backoffMs"`
	Exponential    bool     `json:"exponential"`
}

// Timeout returns the route's per-attempt timeout.
func (r SkillRoute) Timeout() time.Duration {
	if r.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Backoff returns the base delay between retry attempts.
func (r SkillRoute) Backoff() time.Duration {
	if r.BackoffMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(r.BackoffMs) * time.Millisecond
}

// Skill names consumed by the core. Routes for these must exist in the
// skills table; Validate enforces it.
const (
	SkillMutation    = "asi_mutation"
	SkillCrossover   = "asi_crossover"
	SkillJudge       = "evaluator_judge"
	SkillPolicyJudge = "gate_policy"
)

// TargetDef registers one mutable module with the orchestrator.
type TargetDef struct {
	ID        string `json:"id"`
	Path      string `json:"path"` // source location, relative to DataDir/modules
	Protected bool   `json:"protected"`
	Benchmark string `json:"benchmark"` // benchmark suite directory
	Objective string `json:"objective,omitempty"`
}

// EvolutionConfig holds the externally configured evolutionary parameters.
type EvolutionConfig struct {
	PopulationSize   int     `json:"populationSize"`
	Generations      int     `json:"generations"`
	TournamentSize   int     `json:"tournamentSize"`
	ElitismCount     int     `json:"elitismCount"`
	FitnessThreshold float64 `json:"fitnessThreshold"`
	Parallelism      int     `json:"parallelism"`
	CrossoverRate    float64 `json:"crossoverRate"`
	MutationRate     float64 `json:"mutationRate"`
}

// SandboxConfig bounds each candidate evaluation.
type SandboxConfig struct {
	WorkDir        string `json:"workDir,omitempty"` // defaults to DataDir/sandbox
	BenchmarksDir  string `json:"benchmarksDir"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	CPUSeconds     int    `json:"cpuSeconds"`
	MemoryMB       int    `json:"memoryMb"`
	AllowNetwork   bool   `json:"allowNetwork"`
}

// Timeout returns the hard wall-clock ceiling for one sandbox run.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// GateConfig holds the self-modification gate policy.
type GateConfig struct {
	// ControlPath is the self-healing toggle file holding
	// allow_self_modification. Defaults to DataDir/gate.json.
	ControlPath string `json:"controlPath,omitempty"`
	// AxiomsDir holds YAML axiom fragments compiled at startup.
	AxiomsDir string `json:"axiomsDir,omitempty"`
	// BlockedPatterns are substrings that hard-reject a candidate.
	BlockedPatterns []string `json:"blockedPatterns,omitempty"`
	// MaxSourceBytes rejects oversized candidates. 0 disables the check.
	MaxSourceBytes int `json:"maxSourceBytes,omitempty"`
	// PolicyJudge enables a reasoning call under the gate_policy route.
	PolicyJudge bool `json:"policyJudge"`
	// OwnerPublicKey / ConstraintSignature verify that the pattern
	// constraints were not tampered with (hex-encoded Ed25519).
	OwnerPublicKey      string `json:"ownerPublicKey,omitempty"`
	ConstraintSignature string `json:"constraintSignature,omitempty"`
}

// LoopConfig drives the core loop schedule and target selection.
type LoopConfig struct {
	Schedule ScheduleConfig `json:"schedule"`
	// Strategy is "round_robin" (default) or "failure_biased".
	Strategy string `json:"strategy,omitempty"`
	// FailureCooldownMinutes keeps failure_biased selection away from a
	// module after a failed run.
	FailureCooldownMinutes int `json:"failureCooldownMinutes,omitempty"`
	// MaxCommitsPerHour bounds the mutation firewall rate limiter.
	MaxCommitsPerHour int `json:"maxCommitsPerHour,omitempty"`
	// FitnessDropThreshold trips the firewall circuit breaker.
	FitnessDropThreshold float64 `json:"fitnessDropThreshold,omitempty"`
}

// ScheduleConfig defines when loop iterations run.
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval" or "cron"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // cron expression
}

// EventsConfig configures the optional MQTT run announcer.
type EventsConfig struct {
	MQTT MQTTConfig `json:"mqtt,omitempty"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8421,
			DataDir:  "./data",
			LogLevel: "info",
		},
		Providers: map[string]ProviderConfig{},
		Skills: map[string]SkillRoute{
			SkillMutation:    {Model: "stub/deterministic", TimeoutSeconds: 120, MaxRetries: 2, BackoffMs: 1000, Exponential: true},
			SkillCrossover:   {Model: "stub/deterministic", TimeoutSeconds: 60, MaxRetries: 1, BackoffMs: 500},
			SkillJudge:       {Model: "stub/deterministic", TimeoutSeconds: 45, MaxRetries: 1, BackoffMs: 500},
			SkillPolicyJudge: {Model: "stub/deterministic", TimeoutSeconds: 30, MaxRetries: 1, BackoffMs: 500},
		},
		Evolution: EvolutionConfig{
			PopulationSize:   6,
			Generations:      3,
			TournamentSize:   2,
			ElitismCount:     1,
			FitnessThreshold: 9.0,
			Parallelism:      2,
			CrossoverRate:    0.5,
			MutationRate:     0.3,
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: 30,
			CPUSeconds:     20,
			MemoryMB:       256,
		},
		Gate: GateConfig{
			BlockedPatterns: []string{"rm -rf /", "os.system(", "subprocess.Popen"},
		},
		Loop: LoopConfig{
			Schedule:               ScheduleConfig{Kind: "interval", IntervalMs: 3600000},
			Strategy:               "round_robin",
			FailureCooldownMinutes: 60,
			MaxCommitsPerHour:      10,
			FitnessDropThreshold:   0.30,
		},
	}
}

// Load reads config from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0640)
}

// Validate checks the config for malformed routing and registry entries.
// Configuration errors are fatal at startup, per the error taxonomy.
func (c *Config) Validate() error {
	if c.Server.DataDir == "" {
		return fmt.Errorf("config: server.dataDir is required")
	}

	for _, skill := range []string{SkillMutation, SkillCrossover, SkillJudge, SkillPolicyJudge} {
		route, ok := c.Skills[skill]
		if !ok {
			return fmt.Errorf("config: missing skill route %q", skill)
		}
		if route.Model == "" {
			return fmt.Errorf("config: skill route %q has no model", skill)
		}
		if route.MaxRetries < 0 {
			return fmt.Errorf("config: skill route %q has negative maxRetries", skill)
		}
	}

	seen := make(map[string]bool, len(c.Targets))
	for _, t := range c.Targets {
		if t.ID == "" {
			return fmt.Errorf("config: target with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("config: duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
	}

	e := c.Evolution
	if e.PopulationSize < 1 {
		return fmt.Errorf("config: evolution.populationSize must be >= 1")
	}
	if e.TournamentSize < 1 {
		return fmt.Errorf("config: evolution.tournamentSize must be >= 1")
	}
	if e.ElitismCount < 0 || e.ElitismCount > e.PopulationSize {
		return fmt.Errorf("config: evolution.elitismCount out of range")
	}
	if e.Generations < 1 {
		return fmt.Errorf("config: evolution.generations must be >= 1")
	}

	switch c.Loop.Schedule.Kind {
	case "", "interval":
		if c.Loop.Schedule.Kind == "interval" && c.Loop.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("config: loop.schedule.intervalMs must be positive")
		}
	case "cron":
		if c.Loop.Schedule.Expr == "" {
			return fmt.Errorf("config: loop.schedule.expr required for cron schedule")
		}
	default:
		return fmt.Errorf("config: unknown schedule kind %q", c.Loop.Schedule.Kind)
	}

	switch c.Loop.Strategy {
	case "", "round_robin", "failure_biased":
	default:
		return fmt.Errorf("config: unknown loop strategy %q", c.Loop.Strategy)
	}

	return nil
}

// Target returns the target definition for a module id.
func (c *Config) Target(id string) (TargetDef, bool) {
	for _, t := range c.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return TargetDef{}, false
}
