package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/graph"
	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/pkg/models"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and manage the task backlog",
}

func init() {
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksAddCmd)
	tasksCmd.AddCommand(tasksImportCmd)
	tasksCmd.AddCommand(tasksCommentCmd)
	tasksCmd.AddCommand(tasksUnblockCmd)
	tasksCmd.AddCommand(tasksDoneCmd)
	tasksCmd.AddCommand(tasksReplyCmd)
	tasksCmd.AddCommand(tasksRestoreCmd)

	tasksAddCmd.Flags().StringVar(&addDescription, "description", "", "Task description")
	tasksAddCmd.Flags().IntVar(&addPriority, "priority", 2, "Priority (0 highest .. 4 lowest)")
	tasksAddCmd.Flags().StringVar(&addComplexity, "complexity", "", "Complexity (simple|complex)")
	tasksAddCmd.Flags().StringSliceVar(&addDependsOn, "depends-on", nil, "Blocking dependency task ids")
	tasksAddCmd.Flags().StringSliceVar(&addFileScope, "file-scope", nil, "Predicted files touched")
	tasksUnblockCmd.Flags().StringVar(&unblockReply, "reply", "", "Guidance for the next attempt")
}

var (
	addDescription string
	addPriority    int
	addComplexity  string
	addDependsOn   []string
	addFileScope   []string
	unblockReply   string
)

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks with their board column",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store, projectID string) error {
			tasks, err := st.ListTasks(projectID)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("no tasks. Seed some with 'opensprint tasks import plan.yaml'.")
				return nil
			}
			for _, t := range tasks {
				blockers, err := st.GetBlockers(t.ID)
				if err != nil {
					return err
				}
				col := t.Column(len(blockers), false, t.BlockReason != "")
				printTaskRow(t, col)
			}
			return nil
		})
	},
}

func printTaskRow(t *models.Task, col models.KanbanColumn) {
	paint := color.New(color.FgWhite)
	switch col {
	case models.ColumnDone:
		paint = color.New(color.FgGreen)
	case models.ColumnBlocked:
		paint = color.New(color.FgRed)
	case models.ColumnInProgress, models.ColumnInReview:
		paint = color.New(color.FgYellow)
	case models.ColumnReady:
		paint = color.New(color.FgCyan)
	}
	suffix := ""
	if t.BlockReason != "" {
		suffix = "  (" + t.BlockReason + ")"
	}
	paint.Printf("%-14s %-12s p%d  %s%s\n", t.ID, col, t.Priority, t.Title, suffix)
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store, projectID string) error {
			t, err := st.Show(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s\n", t.ID, t.Title)
			fmt.Printf("  status:     %s\n", t.Status)
			fmt.Printf("  priority:   %d\n", t.Priority)
			if t.Complexity != models.ComplexityNone {
				fmt.Printf("  complexity: %s\n", t.Complexity)
			}
			if t.Assignee != "" {
				fmt.Printf("  assignee:   %s\n", t.Assignee)
			}
			if t.BlockReason != "" {
				color.Red("  blocked:    %s", t.BlockReason)
			}
			if t.ClosedReason != "" {
				fmt.Printf("  closed:     %s\n", t.ClosedReason)
			}
			if len(t.FileScope) > 0 {
				fmt.Printf("  file scope: %s\n", strings.Join(t.FileScope, ", "))
			}
			if t.Description != "" {
				fmt.Printf("\n%s\n", t.Description)
			}

			blockers, err := st.GetBlockers(t.ID)
			if err != nil {
				return err
			}
			for _, b := range blockers {
				fmt.Printf("  waiting on: %s (%s)\n", b.ID, b.Title)
			}

			sessions, err := st.LoadSessions(t.ID)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				line := fmt.Sprintf("  attempt %d: %s (%s, %s)", s.Attempt, s.Status, s.AgentType, s.Model)
				if s.GitBranch != "" {
					line += " on " + s.GitBranch
				}
				if s.FailureReason != "" {
					line += " - " + s.FailureReason
				}
				fmt.Println(line)
			}

			comments, err := st.Comments(t.ID)
			if err != nil {
				return err
			}
			for _, c := range comments {
				fmt.Printf("  # %s\n", c)
			}
			return nil
		})
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <task-id> <title>",
	Short: "Add a single task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store, projectID string) error {
			task := &models.Task{
				ID:          args[0],
				ProjectID:   projectID,
				Title:       args[1],
				Description: addDescription,
				Priority:    addPriority,
				Complexity:  models.Complexity(addComplexity),
				FileScope:   addFileScope,
			}
			if task.Complexity == "" {
				task.Complexity = models.ComplexityNone
			}
			if err := st.CreateTask(task); err != nil {
				return err
			}
			for _, dep := range addDependsOn {
				err := st.AddDependency(models.Dependency{TaskID: task.ID, DependsOn: dep, Type: models.DepBlocks})
				if err != nil {
					return err
				}
			}
			fmt.Printf("created %s\n", task.ID)
			return nil
		})
	},
}

var tasksCommentCmd = &cobra.Command{
	Use:   "comment <task-id> <text>",
	Short: "Attach a comment to a task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store, projectID string) error {
			if err := st.Comment(args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("comment added")
			return nil
		})
	},
}

var tasksUnblockCmd = &cobra.Command{
	Use:   "unblock <task-id>",
	Short: "Clear a task's block and requeue it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dropControlFile("unblock-"+args[0], unblockReply)
	},
}

var tasksDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Close a task manually",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dropControlFile("done-"+args[0], "")
	},
}

var tasksReplyCmd = &cobra.Command{
	Use:   "reply <request-id> <answer>",
	Short: "Answer a pending clarification request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dropControlFile("hil-reply-"+args[0], args[1])
	},
}

var tasksRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "List salvage branches holding parked uncommitted work",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ws := git.NewWorkspace(cfg.RepoPath, cfg.WorkspaceRoot(), cfg.Git.MainBranch, nil)
		pending, err := ws.PendingCommits()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Println("no salvaged commits")
			return nil
		}
		for _, p := range pending {
			fmt.Printf("%s  %s\n", p.CreatedAt.Local().Format("2006-01-02 15:04"), p.Branch)
			for _, f := range p.Files {
				fmt.Printf("  %s\n", f)
			}
			fmt.Printf("  recover with: git cherry-pick %s\n", p.Branch)
		}
		return nil
	},
}

// dropControlFile writes a command file the running orchestrator (or
// the next run) picks up through its control watcher.
func dropControlFile(stem, reply string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := filepath.Join(cfg.WorkspaceRoot(), "control")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	body, err := json.Marshal(struct {
		Reply string `json:"reply,omitempty"`
	}{Reply: reply})
	if err != nil {
		return err
	}
	path := filepath.Join(dir, stem+".json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return err
	}
	fmt.Printf("queued %s\n", filepath.Base(path))
	return nil
}

// seedFile is the yaml schema for tasks import.
type seedFile struct {
	Tasks []seedTask `yaml:"tasks"`
}

type seedTask struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Type        string   `yaml:"type"`
	Priority    *int     `yaml:"priority"`
	Complexity  string   `yaml:"complexity"`
	Epic        string   `yaml:"epic"`
	FileScope   []string `yaml:"file_scope"`
	DependsOn   []string `yaml:"depends_on"`
}

var tasksImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Seed tasks and dependencies from a yaml file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(st *store.Store, projectID string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var seed seedFile
			if err := yaml.Unmarshal(raw, &seed); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			if len(seed.Tasks) == 0 {
				return fmt.Errorf("%s contains no tasks", args[0])
			}

			tasks := make([]*models.Task, 0, len(seed.Tasks))
			var deps []models.Dependency
			for _, s := range seed.Tasks {
				if s.ID == "" || s.Title == "" {
					return fmt.Errorf("every task needs an id and a title")
				}
				task := &models.Task{
					ID:          s.ID,
					ProjectID:   projectID,
					Title:       s.Title,
					Description: s.Description,
					Type:        models.TaskType(s.Type),
					Complexity:  models.Complexity(s.Complexity),
					EpicID:      s.Epic,
					FileScope:   s.FileScope,
					Priority:    2,
				}
				if s.Priority != nil {
					task.Priority = *s.Priority
				}
				tasks = append(tasks, task)
				for _, dep := range s.DependsOn {
					deps = append(deps, models.Dependency{TaskID: s.ID, DependsOn: dep, Type: models.DepBlocks})
				}
			}

			// Reject cycles and dangling references before writing anything.
			g, err := graph.Build(tasks, deps)
			if err != nil {
				return err
			}

			byID := make(map[string]*models.Task, len(tasks))
			for _, t := range tasks {
				byID[t.ID] = t
			}
			for _, id := range g.TopoOrder() {
				if err := st.CreateTask(byID[id]); err != nil {
					return fmt.Errorf("create %s: %w", id, err)
				}
			}
			for _, dep := range deps {
				if err := st.AddDependency(dep); err != nil {
					return fmt.Errorf("dependency %s -> %s: %w", dep.TaskID, dep.DependsOn, err)
				}
			}
			if err := st.Sync(projectID); err != nil {
				return err
			}
			fmt.Printf("imported %d tasks, %d dependencies\n", len(tasks), len(deps))
			return nil
		})
	},
}

// withStore loads config, opens the store, and runs fn.
func withStore(fn func(st *store.Store, projectID string) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(st, cfg.ProjectID)
}
