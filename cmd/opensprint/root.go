package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/config"
	"github.com/opensprint/opensprint/internal/store"
)

// checkAgentCLI verifies the default agent executable is reachable.
func checkAgentCLI(cfg *config.Config) error {
	argv, err := cfg.Agents.Default.Argv()
	if err != nil {
		return err
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return fmt.Errorf("agent executable %q not found in PATH\n\n"+
			"opensprint drives a coding agent CLI as a child process.\n"+
			"Install the Claude Code CLI with:\n"+
			"  npm install -g @anthropic-ai/claude-code\n"+
			"or point agents.default.command in .opensprint/config.yaml at another agent", argv[0])
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "opensprint",
	Short: "Autonomous software delivery orchestrator",
	Long: `opensprint drives LLM coding agents through a task backlog:
it schedules ready tasks onto isolated git workspaces, runs coding,
test, and review phases, retries with model escalation, and merges
approved work back to main.

Typical flow:
  opensprint init                 # set up .opensprint/ in a repo
  opensprint tasks import plan.yaml
  opensprint run                  # start the delivery loop
  opensprint watch                # live board in another terminal`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the repository root and loads its configuration.
func loadConfig() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	return config.Load(cwd)
}

// openStore opens and migrates the project database.
func openStore(cfg *config.Config) (*store.Store, func(), error) {
	path := filepath.Join(cfg.WorkspaceRoot(), "state.db")
	if _, err := os.Stat(cfg.WorkspaceRoot()); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("no .opensprint directory here; run 'opensprint init' first")
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open state db: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate state db: %w", err)
	}
	return store.New(db), func() { db.Close() }, nil
}
