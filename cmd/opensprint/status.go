package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/pkg/models"
)

var statusEvents int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show project counters and recent activity",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusEvents, "events", 10, "Recent event log entries to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	projectID := cfg.ProjectID

	counters, err := st.Counters(projectID)
	if err != nil {
		return err
	}
	fmt.Printf("Project %s\n", projectID)
	fmt.Printf("  done:   %d\n", counters.TotalDone)
	fmt.Printf("  failed: %d\n", counters.TotalFailed)
	fmt.Printf("  queue:  %d\n", counters.QueueDepth)

	ready, err := st.ListReady(projectID)
	if err != nil {
		return err
	}
	if len(ready) > 0 {
		fmt.Println("\nReady:")
		for _, t := range ready {
			color.Cyan("  %-14s p%d  %s", t.ID, t.Priority, t.Title)
		}
	}

	tasks, err := st.ListTasks(projectID)
	if err != nil {
		return err
	}
	var blocked, running []*models.Task
	for _, t := range tasks {
		switch {
		case t.BlockReason != "":
			blocked = append(blocked, t)
		case t.Status == models.TaskStatusInProgress:
			running = append(running, t)
		}
	}
	if len(running) > 0 {
		fmt.Println("\nIn progress:")
		for _, t := range running {
			color.Yellow("  %-14s %s (%s)", t.ID, t.Title, t.Assignee)
		}
	}
	if len(blocked) > 0 {
		fmt.Println("\nBlocked:")
		for _, t := range blocked {
			suffix := ""
			if branch := lastBranch(st, t.ID); branch != "" {
				suffix = " (work preserved on " + branch + ")"
			}
			color.Red("  %-14s %s - %s%s", t.ID, t.Title, t.BlockReason, suffix)
		}
	}

	ws := git.NewWorkspace(cfg.RepoPath, cfg.WorkspaceRoot(), cfg.Git.MainBranch, nil)
	pending, err := ws.PendingCommits()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		fmt.Println("\nSalvaged commits (uncommitted work parked at worktree creation):")
		for _, p := range pending {
			fmt.Printf("  %s  %s  %s\n",
				p.CreatedAt.Local().Format("2006-01-02 15:04"), p.Branch,
				strings.Join(p.Files, ", "))
		}
		fmt.Println("  recover with 'opensprint tasks restore'")
	}

	if statusEvents > 0 {
		events, err := st.LoadEvents(projectID, statusEvents)
		if err != nil {
			return err
		}
		if len(events) > 0 {
			fmt.Println("\nRecent events:")
			for _, ev := range events {
				fmt.Printf("  %s  %-16s %s\n",
					ev.Timestamp.Local().Format("15:04:05"), ev.Event, ev.TaskID)
			}
		}
	}
	return nil
}

// lastBranch returns the feature branch of the task's most recent attempt.
func lastBranch(st *store.Store, taskID string) string {
	sessions, err := st.LoadSessions(taskID)
	if err != nil || len(sessions) == 0 {
		return ""
	}
	return sessions[len(sessions)-1].GitBranch
}
