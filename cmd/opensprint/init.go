package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/config"
	"github.com/opensprint/opensprint/internal/store"
)

var (
	initForce          bool
	initNoGit          bool
	initProjectID      string
	initSkipAgentCheck bool
)

var initCmd = &cobra.Command{
	Use:   "init [directory]",
	Short: "Initialize a repository for opensprint",
	Long: `Set up a directory for use with opensprint:
  - verifies git and the agent CLI are available
  - initializes a git repository if needed
  - creates the .opensprint directory (state db, config, staging areas)
  - writes a starter config.yaml

The directory argument defaults to the current directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Reinitialize even if already set up")
	initCmd.Flags().BoolVar(&initNoGit, "no-git", false, "Skip git initialization")
	initCmd.Flags().StringVar(&initProjectID, "project-id", "", "Override the default project id")
	initCmd.Flags().BoolVar(&initSkipAgentCheck, "skip-agent-check", false, "Skip agent CLI availability check")
}

func runInit(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	absPath, err := filepath.Abs(targetDir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", absPath, err)
	}

	fmt.Printf("Initializing opensprint in %s\n\n", absPath)

	workspaceRoot := filepath.Join(absPath, ".opensprint")
	if _, err := os.Stat(workspaceRoot); err == nil && !initForce {
		fmt.Println("Already initialized. Use --force to reinitialize.")
		return nil
	}

	if _, err := exec.LookPath("git"); err != nil {
		return fmt.Errorf("git not found in PATH")
	}
	step("git available")

	if !initNoGit {
		if _, err := os.Stat(filepath.Join(absPath, ".git")); os.IsNotExist(err) {
			gitInit := exec.Command("git", "init")
			gitInit.Dir = absPath
			if out, err := gitInit.CombinedOutput(); err != nil {
				return fmt.Errorf("git init: %v: %s", err, out)
			}
			step("git repository initialized")
		} else {
			step("git repository present")
		}
	}

	for _, sub := range []string{"", "active", "worktrees", "control"} {
		if err := os.MkdirAll(filepath.Join(workspaceRoot, sub), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Join(workspaceRoot, sub), err)
		}
	}
	step(".opensprint directory created")

	// The state directory must not dirty the target repo, or every
	// worktree creation would salvage it.
	if err := ensureIgnored(absPath, ".opensprint/"); err != nil {
		return fmt.Errorf("update .gitignore: %w", err)
	}
	step(".opensprint added to .gitignore")

	configPath := filepath.Join(workspaceRoot, "config.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) || initForce {
		if err := os.WriteFile(configPath, starterConfig(absPath), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		step("starter config.yaml written")
	}

	db, err := store.Open(filepath.Join(workspaceRoot, "state.db"))
	if err != nil {
		return fmt.Errorf("create state db: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}
	step("state database created")

	if !initSkipAgentCheck {
		cfg, err := config.Load(absPath)
		if err != nil {
			return err
		}
		if err := checkAgentCLI(cfg); err != nil {
			color.Yellow("  ! %v", err)
		} else {
			step("agent CLI available")
		}
	}

	fmt.Println()
	fmt.Println("Done. Next:")
	fmt.Println("  opensprint tasks import plan.yaml")
	fmt.Println("  opensprint run")
	return nil
}

func step(msg string) {
	color.Green("  ✓ %s", msg)
}

// ensureIgnored appends entry to the repo's .gitignore unless a line
// already covers it.
func ensureIgnored(repoPath, entry string) error {
	path := filepath.Join(repoPath, ".gitignore")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range strings.Split(string(existing), "\n") {
		line = strings.TrimSpace(line)
		if line == entry || line == strings.TrimSuffix(entry, "/") {
			return nil
		}
	}
	content := string(existing)
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content+entry+"\n"), 0o644)
}

func starterConfig(repoPath string) []byte {
	projectID := initProjectID
	if projectID == "" {
		projectID = filepath.Base(repoPath)
	}
	return []byte(fmt.Sprintf(`project_id: %s

git:
  working_mode: worktree   # worktree | branches
  main_branch: main
  push_enabled: false

execution:
  max_concurrent_coders: 1
  review_mode: always      # always | never | on-failure-only
  scope_strategy: conservative
  retry_cap: 6
  test_command: ""

timeouts:
  coding: 30m
  review: 15m
  merger: 10m
`, projectID))
}
