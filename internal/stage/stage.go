// Package stage materializes per-task agent workspaces: the
// active/<taskId>/ directory holding config.json, context files,
// dependency diffs, and the phase prompt.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/pkg/models"
)

// Library is the slice of the task store the assembler reads.
type Library interface {
	Show(taskID string) (*models.Task, error)
	Dependencies(taskID string) ([]models.Dependency, error)
	LoadSessions(taskID string) ([]*models.Session, error)
	Comments(taskID string) ([]string, error)
}

// Differ produces branch diffs for dependency context.
type Differ interface {
	GetDiff(branch string) (string, error)
}

// Summarizer turns a dependency diff into a short prose summary.
// Implementations may be remote; a nil Summarizer disables summaries.
type Summarizer interface {
	Summarize(ctx context.Context, title, diff string) (string, error)
}

// Assembler stages agent workspaces under <workspaceRoot>/active/.
type Assembler struct {
	workspaceRoot string
	library       Library
	differ        Differ
	summarizer    Summarizer

	// PlanPath and PRDPath point at the project's plan and PRD
	// markdown; either may be empty.
	PlanPath string
	PRDPath  string
	// RepoPath is the absolute repo root written into config.json.
	RepoPath string
	// HILConfig is the per-category approval policy written into
	// config.json.
	HILConfig map[string]string
}

// New creates an Assembler. summarizer may be nil.
func New(workspaceRoot string, library Library, differ Differ, summarizer Summarizer) *Assembler {
	return &Assembler{
		workspaceRoot: workspaceRoot,
		library:       library,
		differ:        differ,
		summarizer:    summarizer,
	}
}

// TaskDir returns the staging directory for a task.
func (a *Assembler) TaskDir(taskID string) string {
	return filepath.Join(a.workspaceRoot, "active", taskID)
}

// ResultPath is where the coding/review prompt tells the agent to
// write its result artifact.
func (a *Assembler) ResultPath(taskID string) string {
	return filepath.Join(a.TaskDir(taskID), "result.json")
}

// MergeResultPath is where the merger prompt tells the agent to write
// its result artifact.
func (a *Assembler) MergeResultPath(taskID string) string {
	return filepath.Join(a.TaskDir(taskID), "merge-result.json")
}

// RuntimeConfig is the config.json handed to the agent. The camelCase
// key set is the recognized core-to-agent contract; agents ignore keys
// they do not know.
type RuntimeConfig struct {
	TaskID            string `json:"taskId"`
	ProjectID         string `json:"projectId,omitempty"`
	Phase             string `json:"phase"`
	Attempt           int    `json:"attempt"`
	Model             string `json:"model,omitempty"`
	Branch            string `json:"branch"`
	UseExistingBranch bool   `json:"useExistingBranch"`
	RepoPath          string `json:"repoPath"`
	WorkDir           string `json:"workDir"`
	ResultPath        string `json:"resultPath"`
	TestCommand       string `json:"testCommand,omitempty"`
	// HILConfig maps decision categories to their approval policy.
	HILConfig          map[string]string `json:"hilConfig,omitempty"`
	PreviousFailure    string            `json:"previousFailure,omitempty"`
	PreviousTestOutput string            `json:"previousTestOutput,omitempty"`
	ReviewFeedback     string            `json:"reviewFeedback,omitempty"`
	Version            string            `json:"promptVersion,omitempty"`
}

// Request carries everything the assembler needs for one staging.
type Request struct {
	Task    *models.Task
	Phase   models.Phase
	Attempt int
	Model   string
	// WorkDir is the directory the agent will run in (worktree or repo).
	WorkDir     string
	TestCommand string
	// RetryContext holds prior-attempt material for the prompt.
	Retry RetryContext
}

// RetryContext is the prior-attempt material injected into a retry
// prompt. All fields may be empty on attempt 1.
type RetryContext struct {
	// PreviousFailure is a short description of the last outcome.
	PreviousFailure string
	// PreviousTestOutput is the truncated test run output.
	PreviousTestOutput string
	// ReviewerIssues are the issues from the last rejected review.
	ReviewerIssues []string
	// ClarificationReply is the human answer to open questions.
	ClarificationReply string
}

const testOutputLimit = 5000

// Stage builds active/<taskId>/ for a coding or review invocation and
// returns the path to the written prompt.
func (a *Assembler) Stage(ctx context.Context, req Request) (string, error) {
	if req.Task == nil {
		return "", fmt.Errorf("stage: task is required")
	}
	if req.Phase != models.PhaseCoding && req.Phase != models.PhaseReview {
		return "", fmt.Errorf("stage: unsupported phase %q", req.Phase)
	}

	dir := a.TaskDir(req.Task.ID)
	contextDir := filepath.Join(dir, "context")
	if err := os.MkdirAll(contextDir, 0755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	// A stale artifact from a previous attempt must never be read as
	// this attempt's result.
	_ = os.Remove(a.ResultPath(req.Task.ID))

	rc := RuntimeConfig{
		TaskID:             req.Task.ID,
		ProjectID:          req.Task.ProjectID,
		Phase:              string(req.Phase),
		Attempt:            req.Attempt,
		Model:              req.Model,
		Branch:             git.TaskBranch(req.Task.ID),
		UseExistingBranch:  req.Attempt > 1,
		RepoPath:           a.RepoPath,
		WorkDir:            req.WorkDir,
		ResultPath:         a.ResultPath(req.Task.ID),
		TestCommand:        req.TestCommand,
		HILConfig:          a.HILConfig,
		PreviousFailure:    req.Retry.PreviousFailure,
		PreviousTestOutput: truncateOutput(req.Retry.PreviousTestOutput),
		ReviewFeedback:     strings.Join(req.Retry.ReviewerIssues, "; "),
		Version:            promptVersion,
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), rc); err != nil {
		return "", err
	}

	if err := a.writePlan(contextDir, req.Task); err != nil {
		return "", err
	}
	if err := a.writePRDExcerpt(contextDir, req.Task); err != nil {
		return "", err
	}
	if err := a.writeDependencyContext(ctx, contextDir, req.Task); err != nil {
		return "", err
	}

	if req.Phase == models.PhaseReview {
		diff, err := a.differ.GetDiff(git.TaskBranch(req.Task.ID))
		if err != nil {
			return "", fmt.Errorf("stage review diff: %w", err)
		}
		if diff == "" {
			diff = a.archivedDiff(req.Task.ID)
		}
		if err := writeFile(filepath.Join(contextDir, "implementation.diff"), diff); err != nil {
			return "", err
		}
	}

	prompt, err := renderPrompt(req, a.ResultPath(req.Task.ID))
	if err != nil {
		return "", err
	}
	promptPath := filepath.Join(dir, "prompt.md")
	if err := writeFile(promptPath, prompt); err != nil {
		return "", err
	}
	return promptPath, nil
}

// StageMergeConflict writes the synthetic merger prompt for a conflicted
// merge and returns its path.
func (a *Assembler) StageMergeConflict(task *models.Task, conflicts []string, conflictDiff string, recentMerges []string) (string, error) {
	dir := a.TaskDir(task.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	_ = os.Remove(a.MergeResultPath(task.ID))

	prompt := renderMergeConflictPrompt(task, conflicts, conflictDiff, recentMerges, a.MergeResultPath(task.ID))
	promptPath := filepath.Join(dir, "merge-prompt.md")
	if err := writeFile(promptPath, prompt); err != nil {
		return "", err
	}
	return promptPath, nil
}

// Cleanup removes a task's staging directory. Missing is fine.
func (a *Assembler) Cleanup(taskID string) {
	if err := os.RemoveAll(a.TaskDir(taskID)); err != nil {
		log.Printf("[stage] cleanup %s: %v", taskID, err)
	}
}

func (a *Assembler) writePlan(contextDir string, task *models.Task) error {
	var plan string
	if a.PlanPath != "" {
		if b, err := os.ReadFile(a.PlanPath); err == nil {
			plan = string(b)
		}
	}
	if plan == "" {
		plan = fmt.Sprintf("# Plan\n\nNo plan document available for epic %s.\n", task.EpicID)
	}
	return writeFile(filepath.Join(contextDir, "plan.md"), plan)
}

func (a *Assembler) writePRDExcerpt(contextDir string, task *models.Task) error {
	excerpt := extractPRDSections(a.readPRD(), task)
	return writeFile(filepath.Join(contextDir, "prd_excerpt.md"), excerpt)
}

func (a *Assembler) readPRD() string {
	if a.PRDPath == "" {
		return ""
	}
	b, err := os.ReadFile(a.PRDPath)
	if err != nil {
		return ""
	}
	return string(b)
}

// extractPRDSections keeps the PRD headings whose section mentions the
// task title or id, falling back to the whole document head.
func extractPRDSections(prd string, task *models.Task) string {
	if prd == "" {
		return fmt.Sprintf("# PRD excerpt\n\nNo PRD available for task %s.\n", task.ID)
	}

	needles := []string{strings.ToLower(task.ID)}
	for _, w := range strings.Fields(strings.ToLower(task.Title)) {
		if len(w) >= 4 {
			needles = append(needles, w)
		}
	}

	var matched []string
	for _, section := range splitSections(prd) {
		lower := strings.ToLower(section)
		for _, n := range needles {
			if strings.Contains(lower, n) {
				matched = append(matched, section)
				break
			}
		}
	}
	if len(matched) == 0 {
		// Nothing matched; give the agent the document head instead of nothing.
		if len(prd) > 4000 {
			prd = prd[:4000] + "\n\n[truncated]"
		}
		return prd
	}
	return strings.Join(matched, "\n\n")
}

// splitSections splits markdown on top and second level headings.
func splitSections(doc string) []string {
	var sections []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			sections = append(sections, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, "# ") || strings.HasPrefix(line, "## ") {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return sections
}

// writeDependencyContext writes deps/<depId>.diff and .summary.md for
// each blocking dependency. Diff resolution order: live branch diff,
// then the most recent approved session's archived diff. With neither
// available only a summary stub is recorded.
func (a *Assembler) writeDependencyContext(ctx context.Context, contextDir string, task *models.Task) error {
	deps, err := a.library.Dependencies(task.ID)
	if err != nil {
		return fmt.Errorf("load dependencies: %w", err)
	}
	var blocking []models.Dependency
	for _, d := range deps {
		if d.Type == models.DepBlocks {
			blocking = append(blocking, d)
		}
	}
	if len(blocking) == 0 {
		return nil
	}

	depsDir := filepath.Join(contextDir, "deps")
	if err := os.MkdirAll(depsDir, 0755); err != nil {
		return fmt.Errorf("create deps directory: %w", err)
	}

	for _, dep := range blocking {
		depTask, err := a.library.Show(dep.DependsOn)
		if err != nil {
			log.Printf("[stage] dependency %s not loadable: %v", dep.DependsOn, err)
			continue
		}

		diff, err := a.differ.GetDiff(git.TaskBranch(dep.DependsOn))
		if err != nil {
			log.Printf("[stage] diff for dependency %s: %v", dep.DependsOn, err)
		}
		if diff == "" {
			diff = a.archivedDiff(dep.DependsOn)
		}
		if diff != "" {
			if err := writeFile(filepath.Join(depsDir, dep.DependsOn+".diff"), diff); err != nil {
				return err
			}
		}

		summary := a.dependencySummary(ctx, depTask, diff)
		if err := writeFile(filepath.Join(depsDir, dep.DependsOn+".summary.md"), summary); err != nil {
			return err
		}
	}
	return nil
}

// archivedDiff returns the newest approved session diff for a task.
func (a *Assembler) archivedDiff(taskID string) string {
	sessions, err := a.library.LoadSessions(taskID)
	if err != nil {
		return ""
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Status == models.SessionApproved && sessions[i].GitDiff != "" {
			return sessions[i].GitDiff
		}
	}
	return ""
}

func (a *Assembler) dependencySummary(ctx context.Context, depTask *models.Task, diff string) string {
	// A summary recorded at merge time beats anything generated here.
	if sessions, err := a.library.LoadSessions(depTask.ID); err == nil {
		for i := len(sessions) - 1; i >= 0; i-- {
			if sessions[i].Status == models.SessionApproved && sessions[i].Summary != "" {
				return fmt.Sprintf("# %s: %s\n\n%s\n", depTask.ID, depTask.Title, sessions[i].Summary)
			}
		}
	}
	if a.summarizer != nil && diff != "" {
		if s, err := a.summarizer.Summarize(ctx, depTask.Title, diff); err == nil && s != "" {
			return fmt.Sprintf("# %s: %s\n\n%s\n", depTask.ID, depTask.Title, s)
		} else if err != nil {
			log.Printf("[stage] summarize %s: %v", depTask.ID, err)
		}
	}
	return fmt.Sprintf("# %s: %s\n\nCompleted dependency. No detailed summary available.\n", depTask.ID, depTask.Title)
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return writeFile(path, string(b)+"\n")
}

// writeFile writes atomically so a concurrently spawning agent never
// observes a partial artifact.
func writeFile(path, content string) error {
	if err := renameio.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// truncateOutput bounds prior test output carried into a retry prompt.
func truncateOutput(s string) string {
	if len(s) <= testOutputLimit {
		return s
	}
	return s[:testOutputLimit] + "\n[output truncated]"
}
