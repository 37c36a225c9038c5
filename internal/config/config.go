// Package config handles configuration loading for opensprint.
// Settings come from defaults, the project config file
// (.opensprint/config.yaml), and OPENSPRINT_* environment variables,
// in increasing order of precedence.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/viper"

	"github.com/opensprint/opensprint/pkg/models"
)

// GitWorkingMode selects how agent workspaces map onto the repository.
type GitWorkingMode string

const (
	// ModeWorktree gives each active task a private git worktree.
	ModeWorktree GitWorkingMode = "worktree"
	// ModeBranches runs agents directly in the main working tree.
	// Concurrency is forced to 1 in this mode.
	ModeBranches GitWorkingMode = "branches"
)

// ReviewMode selects when a review agent runs after a coding success.
type ReviewMode string

const (
	ReviewAlways        ReviewMode = "always"
	ReviewNever         ReviewMode = "never"
	ReviewOnFailureOnly ReviewMode = "on-failure-only"
)

// ScopeStrategy decides how tasks with unknown file scope are scheduled
// when more than one coder slot is configured.
type ScopeStrategy string

const (
	// ScopeConservative serializes unknown-scope tasks.
	ScopeConservative ScopeStrategy = "conservative"
	// ScopeOptimistic parallelizes unknown-scope tasks.
	ScopeOptimistic ScopeStrategy = "optimistic"
)

// AgentConfig describes one agent executable invocation.
type AgentConfig struct {
	// ID names the agent for stats and logs (e.g. "claude-code").
	ID string `mapstructure:"id"`
	// Command is the shell-quoted command line to launch the agent.
	Command string `mapstructure:"command"`
	// Model is the model identifier passed via --model, if non-empty.
	Model string `mapstructure:"model"`
	// Escalatable marks the agent family as eligible for ladder escalation.
	Escalatable bool `mapstructure:"escalatable"`
}

// Argv splits the configured command line into an argv slice.
func (a AgentConfig) Argv() ([]string, error) {
	words, err := shellquote.Split(a.Command)
	if err != nil {
		return nil, fmt.Errorf("parse agent command %q: %w", a.Command, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("agent %q has an empty command", a.ID)
	}
	return words, nil
}

// GitConfig holds repository settings.
type GitConfig struct {
	// WorkingMode is worktree or branches.
	WorkingMode GitWorkingMode `mapstructure:"working_mode"`
	// MainBranch is the integration branch, normally "main".
	MainBranch string `mapstructure:"main_branch"`
	// PushEnabled controls whether merges are pushed to origin.
	PushEnabled bool `mapstructure:"push_enabled"`
}

// ExecutionConfig holds scheduler settings.
type ExecutionConfig struct {
	// MaxConcurrentCoders is the slot table capacity.
	MaxConcurrentCoders int `mapstructure:"max_concurrent_coders"`
	// ReviewMode selects when review agents run.
	ReviewMode ReviewMode `mapstructure:"review_mode"`
	// ScopeStrategy governs unknown-file-scope tasks under parallelism.
	ScopeStrategy ScopeStrategy `mapstructure:"scope_strategy"`
	// RetryCap is the hard attempt limit before a task is blocked.
	RetryCap int `mapstructure:"retry_cap"`
	// TestCommand is the shell command run after a coding success.
	TestCommand string `mapstructure:"test_command"`
}

// TimeoutsConfig holds per-phase wall-clock limits.
type TimeoutsConfig struct {
	Coding time.Duration `mapstructure:"coding"`
	Review time.Duration `mapstructure:"review"`
	Merger time.Duration `mapstructure:"merger"`
}

// ForPhase returns the timeout for the given phase.
func (t TimeoutsConfig) ForPhase(phase models.Phase) time.Duration {
	switch phase {
	case models.PhaseReview:
		return t.Review
	case models.PhaseMerger:
		return t.Merger
	default:
		return t.Coding
	}
}

// AgentsConfig maps task complexity onto agents and holds the
// escalation ladder.
type AgentsConfig struct {
	// Simple is the agent for simple-complexity tasks.
	Simple AgentConfig `mapstructure:"simple"`
	// Complex is the agent for complex-complexity tasks.
	Complex AgentConfig `mapstructure:"complex"`
	// Default is the agent when complexity is none/unset.
	Default AgentConfig `mapstructure:"default"`
	// Reviewer is the agent for review phases.
	Reviewer AgentConfig `mapstructure:"reviewer"`
	// Merger is the agent for merge-conflict repair.
	Merger AgentConfig `mapstructure:"merger"`
	// EscalationLadder is an ordered list of model identifiers from
	// cheaper/faster to stronger/slower.
	EscalationLadder []string `mapstructure:"escalation_ladder"`
}

// ForComplexity returns the base agent for the given task complexity.
func (a AgentsConfig) ForComplexity(c models.Complexity) AgentConfig {
	switch c {
	case models.ComplexitySimple:
		return a.Simple
	case models.ComplexityComplex:
		return a.Complex
	default:
		return a.Default
	}
}

// NextTier returns the ladder entry above the given model, if one exists.
func (a AgentsConfig) NextTier(model string) (string, bool) {
	for i, m := range a.EscalationLadder {
		if m == model && i+1 < len(a.EscalationLadder) {
			return a.EscalationLadder[i+1], true
		}
	}
	return "", false
}

// HILMode is the approval policy for one decision category.
type HILMode string

const (
	HILAutomated        HILMode = "automated"
	HILNotifyAndProceed HILMode = "notify_and_proceed"
	HILRequiresApproval HILMode = "requires_approval"
)

// Config holds all settings for an opensprint project.
type Config struct {
	// ProjectID identifies the project in the store.
	ProjectID string `mapstructure:"project_id"`
	// RepoPath is the absolute path to the target git repository.
	RepoPath string `mapstructure:"repo_path"`

	Git       GitConfig          `mapstructure:"git"`
	Execution ExecutionConfig    `mapstructure:"execution"`
	Timeouts  TimeoutsConfig     `mapstructure:"timeouts"`
	Agents    AgentsConfig       `mapstructure:"agents"`
	HIL       map[string]HILMode `mapstructure:"hil"`

	// AnthropicAPIKey enables the optional dependency-diff summarizer.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
}

// WorkspaceRoot returns the .opensprint directory for the repo.
func (c *Config) WorkspaceRoot() string {
	return filepath.Join(c.RepoPath, ".opensprint")
}

// EffectiveCoders returns the slot capacity after applying the
// branches-mode restriction.
func (c *Config) EffectiveCoders() int {
	if c.Git.WorkingMode == ModeBranches {
		return 1
	}
	if c.Execution.MaxConcurrentCoders < 1 {
		return 1
	}
	return c.Execution.MaxConcurrentCoders
}

// setDefaults registers every default value on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("project_id", "default")
	v.SetDefault("git.working_mode", string(ModeWorktree))
	v.SetDefault("git.main_branch", "main")
	v.SetDefault("git.push_enabled", false)
	v.SetDefault("execution.max_concurrent_coders", 1)
	v.SetDefault("execution.review_mode", string(ReviewAlways))
	v.SetDefault("execution.scope_strategy", string(ScopeConservative))
	v.SetDefault("execution.retry_cap", 6)
	v.SetDefault("timeouts.coding", 30*time.Minute)
	v.SetDefault("timeouts.review", 15*time.Minute)
	v.SetDefault("timeouts.merger", 10*time.Minute)
	v.SetDefault("agents.default.id", "claude-code")
	v.SetDefault("agents.default.command", "claude --print --dangerously-skip-permissions")
	v.SetDefault("agents.default.model", "claude-sonnet-4-20250514")
	v.SetDefault("agents.default.escalatable", true)
	v.SetDefault("agents.simple.id", "claude-code")
	v.SetDefault("agents.simple.command", "claude --print --dangerously-skip-permissions")
	v.SetDefault("agents.simple.model", "claude-3-5-haiku-20241022")
	v.SetDefault("agents.simple.escalatable", true)
	v.SetDefault("agents.complex.id", "claude-code")
	v.SetDefault("agents.complex.command", "claude --print --dangerously-skip-permissions")
	v.SetDefault("agents.complex.model", "claude-opus-4-5-20251101")
	v.SetDefault("agents.complex.escalatable", true)
	v.SetDefault("agents.reviewer.id", "claude-code-review")
	v.SetDefault("agents.reviewer.command", "claude --print --dangerously-skip-permissions")
	v.SetDefault("agents.reviewer.model", "claude-sonnet-4-20250514")
	v.SetDefault("agents.merger.id", "claude-code-merger")
	v.SetDefault("agents.merger.command", "claude --print --dangerously-skip-permissions")
	v.SetDefault("agents.merger.model", "claude-sonnet-4-20250514")
	v.SetDefault("agents.escalation_ladder", []string{
		"claude-3-5-haiku-20241022",
		"claude-sonnet-4-20250514",
		"claude-opus-4-5-20251101",
	})
}

// Load reads configuration for the repository at repoPath.
func Load(repoPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(repoPath, ".opensprint"))
	v.SetEnvPrefix("OPENSPRINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.RepoPath = repoPath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	switch c.Git.WorkingMode {
	case ModeWorktree, ModeBranches:
	default:
		return fmt.Errorf("invalid git.working_mode %q", c.Git.WorkingMode)
	}
	switch c.Execution.ReviewMode {
	case ReviewAlways, ReviewNever, ReviewOnFailureOnly:
	default:
		return fmt.Errorf("invalid execution.review_mode %q", c.Execution.ReviewMode)
	}
	switch c.Execution.ScopeStrategy {
	case ScopeConservative, ScopeOptimistic:
	default:
		return fmt.Errorf("invalid execution.scope_strategy %q", c.Execution.ScopeStrategy)
	}
	if c.Execution.RetryCap < 1 {
		return fmt.Errorf("execution.retry_cap must be >= 1, got %d", c.Execution.RetryCap)
	}
	if c.Git.MainBranch == "" {
		return fmt.Errorf("git.main_branch must not be empty")
	}
	if _, err := c.Agents.Default.Argv(); err != nil {
		return err
	}
	return nil
}
