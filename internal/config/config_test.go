package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensprint/opensprint/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Git.WorkingMode != ModeWorktree {
		t.Errorf("working mode = %q, want worktree", cfg.Git.WorkingMode)
	}
	if cfg.Execution.MaxConcurrentCoders != 1 {
		t.Errorf("max coders = %d, want 1", cfg.Execution.MaxConcurrentCoders)
	}
	if cfg.Execution.RetryCap != 6 {
		t.Errorf("retry cap = %d, want 6", cfg.Execution.RetryCap)
	}
	if cfg.Timeouts.Coding != 30*time.Minute {
		t.Errorf("coding timeout = %v, want 30m", cfg.Timeouts.Coding)
	}
	if cfg.RepoPath != dir {
		t.Errorf("repo path = %q, want %q", cfg.RepoPath, dir)
	}
	if len(cfg.Agents.EscalationLadder) != 3 {
		t.Errorf("ladder = %v, want 3 entries", cfg.Agents.EscalationLadder)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".opensprint"), 0755); err != nil {
		t.Fatal(err)
	}
	content := `
git:
  working_mode: branches
  main_branch: trunk
execution:
  max_concurrent_coders: 4
  review_mode: never
  test_command: "npm test"
`
	if err := os.WriteFile(filepath.Join(dir, ".opensprint", "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Git.WorkingMode != ModeBranches {
		t.Errorf("working mode = %q, want branches", cfg.Git.WorkingMode)
	}
	if cfg.Git.MainBranch != "trunk" {
		t.Errorf("main branch = %q, want trunk", cfg.Git.MainBranch)
	}
	if cfg.Execution.ReviewMode != ReviewNever {
		t.Errorf("review mode = %q, want never", cfg.Execution.ReviewMode)
	}
	// branches mode forces a single coder regardless of the setting.
	if got := cfg.EffectiveCoders(); got != 1 {
		t.Errorf("effective coders = %d, want 1 in branches mode", got)
	}
}

func TestEffectiveCoders(t *testing.T) {
	cfg := Config{
		Git:       GitConfig{WorkingMode: ModeWorktree},
		Execution: ExecutionConfig{MaxConcurrentCoders: 5},
	}
	if got := cfg.EffectiveCoders(); got != 5 {
		t.Errorf("effective coders = %d, want 5", got)
	}

	cfg.Execution.MaxConcurrentCoders = 0
	if got := cfg.EffectiveCoders(); got != 1 {
		t.Errorf("effective coders = %d, want floor of 1", got)
	}
}

func TestValidateRejectsBadModes(t *testing.T) {
	base := func() Config {
		return Config{
			Git: GitConfig{WorkingMode: ModeWorktree, MainBranch: "main"},
			Execution: ExecutionConfig{
				ReviewMode:    ReviewAlways,
				ScopeStrategy: ScopeConservative,
				RetryCap:      6,
			},
			Agents: AgentsConfig{Default: AgentConfig{ID: "a", Command: "claude"}},
		}
	}

	cfg := base()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg = base()
	cfg.Git.WorkingMode = "detached"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad working mode")
	}

	cfg = base()
	cfg.Execution.ReviewMode = "sometimes"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for bad review mode")
	}

	cfg = base()
	cfg.Execution.RetryCap = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero retry cap")
	}

	cfg = base()
	cfg.Agents.Default.Command = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty agent command")
	}
}

func TestAgentArgv(t *testing.T) {
	a := AgentConfig{ID: "claude-code", Command: `claude --print --allowedTools "Read,Write,Bash"`}
	argv, err := a.Argv()
	if err != nil {
		t.Fatalf("Argv: %v", err)
	}
	want := []string{"claude", "--print", "--allowedTools", "Read,Write,Bash"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestAgentsForComplexity(t *testing.T) {
	agents := AgentsConfig{
		Simple:  AgentConfig{ID: "s"},
		Complex: AgentConfig{ID: "c"},
		Default: AgentConfig{ID: "d"},
	}
	if agents.ForComplexity(models.ComplexitySimple).ID != "s" {
		t.Error("simple complexity should map to simple agent")
	}
	if agents.ForComplexity(models.ComplexityComplex).ID != "c" {
		t.Error("complex complexity should map to complex agent")
	}
	if agents.ForComplexity(models.ComplexityNone).ID != "d" {
		t.Error("none complexity should map to default agent")
	}
}

func TestNextTier(t *testing.T) {
	agents := AgentsConfig{EscalationLadder: []string{"haiku", "sonnet", "opus"}}

	next, ok := agents.NextTier("sonnet")
	if !ok || next != "opus" {
		t.Errorf("NextTier(sonnet) = %q,%v, want opus,true", next, ok)
	}
	if _, ok := agents.NextTier("opus"); ok {
		t.Error("top of ladder has no next tier")
	}
	if _, ok := agents.NextTier("unknown-model"); ok {
		t.Error("model off the ladder has no next tier")
	}
}
