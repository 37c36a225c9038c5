package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/merge"
	"github.com/opensprint/opensprint/internal/orchestrator"
	"github.com/opensprint/opensprint/internal/stage"
)

var (
	runCoders  int
	runVerbose bool
	runQuiet   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the delivery loop",
	Long: `Run the orchestrator until interrupted. Ready tasks are scheduled
onto agent slots and driven through coding, tests, review, and merge.
Ctrl-C stops agents gracefully and flushes state.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runCoders, "coders", 0, "Override max concurrent coders")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Stream live agent output")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Suppress event output")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runCoders > 0 {
		cfg.Execution.MaxConcurrentCoders = runCoders
	}
	if err := checkAgentCLI(cfg); err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ws := git.NewWorkspace(cfg.RepoPath, cfg.WorkspaceRoot(), cfg.Git.MainBranch, git.NewRunner(cfg.RepoPath))

	var summarizer stage.Summarizer
	if s := stage.NewAnthropicSummarizer(""); s != nil {
		summarizer = s
	}
	assembler := stage.New(cfg.WorkspaceRoot(), st, ws, summarizer)
	assembler.PlanPath = firstExisting(cfg.RepoPath, "plan.md", "PLAN.md")
	assembler.PRDPath = firstExisting(cfg.RepoPath, "prd.md", "PRD.md")
	assembler.RepoPath = cfg.RepoPath
	if len(cfg.HIL) > 0 {
		hil := make(map[string]string, len(cfg.HIL))
		for category, mode := range cfg.HIL {
			hil[category] = string(mode)
		}
		assembler.HILConfig = hil
	}

	registry := agent.NewRegistry()
	runner := agent.NewRunner(registry)
	merger := merge.New(ws, assembler, runner, cfg.Agents.Merger, cfg.Timeouts.Merger, cfg.Git.PushEnabled)

	bus := events.NewBus(0)
	defer bus.Close()
	if !runQuiet {
		go printEvents(bus)
	}

	orch := orchestrator.New(cfg, st, ws, assembler, runner, merger, registry, bus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("opensprint running (project=%s coders=%d mode=%s)\n",
		cfg.ProjectID, cfg.EffectiveCoders(), cfg.Git.WorkingMode)
	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	fmt.Println("stopped")
	return nil
}

func firstExisting(dir string, names ...string) string {
	for _, name := range names {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// printEvents streams bus events to the terminal.
func printEvents(bus *events.Bus) {
	topics := []events.Topic{
		events.TopicTaskUpdated,
		events.TopicAgentStarted,
		events.TopicAgentCompleted,
		events.TopicMergeCompleted,
		events.TopicHILRequest,
	}
	if runVerbose {
		topics = append(topics, events.TopicAgentOutput)
	}
	sub := bus.Subscribe(topics...)

	for ev := range sub.Events() {
		switch p := ev.Payload.(type) {
		case events.TaskUpdated:
			color.Yellow("[%s] %s -> %s", p.TaskID, p.Status, p.Column)
		case events.AgentStarted:
			color.Cyan("[%s] %s agent started (attempt %d)", p.TaskID, p.Role, p.Attempt)
		case events.AgentCompleted:
			color.Cyan("[%s] %s agent finished: %s", p.TaskID, p.Role, p.Status)
		case events.MergeCompleted:
			if p.Success {
				color.Green("[%s] merged", p.TaskID)
			} else {
				color.Red("[%s] merge failed", p.TaskID)
			}
		case events.HILRequest:
			color.Red("[%s] needs input: %s", p.TaskID, p.Description)
			for _, q := range p.Questions {
				color.Red("    - %s", q.Text)
			}
			color.Red("    answer with: opensprint tasks reply %s \"<answer>\"", p.RequestID)
		case events.AgentOutput:
			fmt.Printf("[%s] %s\n", p.TaskID, p.Chunk)
		}
	}
}
