// Package merge serializes branch integration into main: merge, push
// with rebase fallback, and conflict repair through a dedicated merger
// agent.
package merge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/config"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/pkg/models"
)

// recentMergesWindow is how many merged tasks are remembered for the
// merger agent's prompt.
const recentMergesWindow = 5

// Workspace is the slice of the git workspace the coordinator drives.
type Workspace interface {
	RepoPath() string
	MergeToMain(branch string) (git.MergeResult, error)
	CompleteMerge(branch string) error
	AbortMerge() error
	PushMain() (git.PushResult, error)
	ContinueRebase() error
	RebaseInProgress() bool
	ConflictDiff() (string, error)
}

// Stager builds the merger agent's prompt and result paths.
type Stager interface {
	StageMergeConflict(task *models.Task, conflicts []string, conflictDiff string, recentMerges []string) (string, error)
	MergeResultPath(taskID string) string
}

// AgentRunner spawns the merger agent.
type AgentRunner interface {
	Run(ctx context.Context, spec agent.Spec) *agent.Result
}

// Outcome is the coordinator's verdict for one branch.
type Outcome struct {
	// Merged is true when main now contains the branch.
	Merged bool
	// MergerUsed is true when a merger agent resolved conflicts.
	MergerUsed bool
	// BlockReason is set when the task must be blocked.
	BlockReason string
	// Summary is the merger agent's summary, if one ran.
	Summary string
}

// Coordinator owns the per-repository merge mutex. At most one merge
// operation runs at a time; the mutex covers git operations only, not
// merger agent execution, but a second merge cannot start while a
// merger agent holds the pipeline.
type Coordinator struct {
	// pipeline serializes whole merge operations.
	pipeline sync.Mutex
	// gitMu covers individual git phases within an operation.
	gitMu sync.Mutex

	ws     Workspace
	stager Stager
	runner AgentRunner

	merger      config.AgentConfig
	timeout     time.Duration
	pushEnabled bool

	recentMu sync.Mutex
	recent   []string
}

// New creates a Coordinator.
func New(ws Workspace, stager Stager, runner AgentRunner, merger config.AgentConfig, timeout time.Duration, pushEnabled bool) *Coordinator {
	return &Coordinator{
		ws:          ws,
		stager:      stager,
		runner:      runner,
		merger:      merger,
		timeout:     timeout,
		pushEnabled: pushEnabled,
	}
}

// Merge integrates the task's branch into main. It blocks while any
// other merge (including one waiting on a merger agent) is running.
func (c *Coordinator) Merge(ctx context.Context, task *models.Task, onEvent func(stage string)) (Outcome, error) {
	c.pipeline.Lock()
	defer c.pipeline.Unlock()

	branch := git.TaskBranch(task.ID)
	emit := func(stage string) {
		if onEvent != nil {
			onEvent(stage)
		}
	}
	emit("merge_started")

	c.gitMu.Lock()
	res, err := c.ws.MergeToMain(branch)
	c.gitMu.Unlock()
	if err != nil {
		return Outcome{BlockReason: "merge_failed"}, fmt.Errorf("merge %s: %w", branch, err)
	}

	mergerUsed := false
	var mergerSummary string
	if !res.OK {
		emit("merge_conflict")
		summary, ok := c.repairConflict(ctx, task, res.Conflicts)
		if !ok {
			return Outcome{MergerUsed: true, BlockReason: "merge_conflict"}, nil
		}
		mergerUsed = true
		mergerSummary = summary

		c.gitMu.Lock()
		err := c.completeAfterRepair(branch)
		c.gitMu.Unlock()
		if err != nil {
			log.Printf("[merge] completing repaired merge for %s: %v", task.ID, err)
			c.abort()
			return Outcome{MergerUsed: true, BlockReason: "merge_conflict"}, nil
		}
	}

	if c.pushEnabled {
		emit("push")
		if block, err := c.push(ctx, task); block != "" || err != nil {
			if err != nil {
				return Outcome{Merged: true, MergerUsed: mergerUsed, BlockReason: block}, err
			}
			return Outcome{Merged: true, MergerUsed: mergerUsed, BlockReason: block, Summary: mergerSummary}, nil
		}
	}

	c.remember(task)
	emit("merge_completed")
	return Outcome{Merged: true, MergerUsed: mergerUsed, Summary: mergerSummary}, nil
}

// push pushes main, handling the rebase fallback. A rebase conflict is
// handed to the merger agent; unresolvable states return a block reason.
func (c *Coordinator) push(ctx context.Context, task *models.Task) (blockReason string, err error) {
	c.gitMu.Lock()
	res, perr := c.ws.PushMain()
	c.gitMu.Unlock()
	if perr != nil {
		return "push_failed", fmt.Errorf("push main: %w", perr)
	}
	if res.OK {
		return "", nil
	}

	// Rebase conflict: same repair path as a merge conflict.
	if _, ok := c.repairConflict(ctx, task, res.Conflicts); !ok {
		return "merge_conflict", nil
	}
	c.gitMu.Lock()
	defer c.gitMu.Unlock()
	if err := c.ws.ContinueRebase(); err != nil {
		log.Printf("[merge] continue rebase for %s: %v", task.ID, err)
		_ = c.ws.AbortMerge()
		return "merge_conflict", nil
	}
	res, perr = c.ws.PushMain()
	if perr != nil || !res.OK {
		return "push_failed", perr
	}
	return "", nil
}

// repairConflict stages the merger prompt and runs the merger agent in
// the repo working tree. The git mutex is NOT held while the agent
// runs. Returns the agent's summary and whether repair succeeded; on
// failure the in-progress merge/rebase is aborted.
func (c *Coordinator) repairConflict(ctx context.Context, task *models.Task, conflicts []string) (string, bool) {
	diff, err := c.ws.ConflictDiff()
	if err != nil {
		log.Printf("[merge] conflict diff for %s: %v", task.ID, err)
	}

	promptPath, err := c.stager.StageMergeConflict(task, conflicts, diff, c.recentTitles())
	if err != nil {
		log.Printf("[merge] stage merger prompt for %s: %v", task.ID, err)
		c.abort()
		return "", false
	}

	argv, err := c.merger.Argv()
	if err != nil || len(argv) == 0 {
		log.Printf("[merge] merger agent command invalid: %v", err)
		c.abort()
		return "", false
	}
	args := append(argv[1:], promptPath)
	if c.merger.Model != "" {
		args = append([]string{"--model", c.merger.Model}, args...)
	}

	log.Printf("[merge] spawning merger agent for %s (%d conflicted files)", task.ID, len(conflicts))
	run := c.runner.Run(ctx, agent.Spec{
		Command: argv[0],
		Args:    args,
		Dir:     c.ws.RepoPath(),
		Timeout: c.timeout,
		TaskID:  task.ID,
	})

	outcome, parsed := agent.Interpret(run, models.PhaseMerger, c.stager.MergeResultPath(task.ID))
	if outcome != models.OutcomeSuccess || parsed == nil || !parsed.Succeeded() {
		log.Printf("[merge] merger agent for %s failed: outcome=%s", task.ID, outcome)
		c.abort()
		return "", false
	}
	return parsed.Summary, true
}

// completeAfterRepair finishes whichever operation the repair left
// in progress.
func (c *Coordinator) completeAfterRepair(branch string) error {
	if c.ws.RebaseInProgress() {
		return c.ws.ContinueRebase()
	}
	return c.ws.CompleteMerge(branch)
}

func (c *Coordinator) abort() {
	c.gitMu.Lock()
	defer c.gitMu.Unlock()
	if err := c.ws.AbortMerge(); err != nil {
		log.Printf("[merge] abort: %v", err)
	}
}

// remember records a merged task in the recent-merges window.
func (c *Coordinator) remember(task *models.Task) {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	c.recent = append(c.recent, fmt.Sprintf("%s: %s", task.ID, task.Title))
	if len(c.recent) > recentMergesWindow {
		c.recent = c.recent[len(c.recent)-recentMergesWindow:]
	}
}

func (c *Coordinator) recentTitles() []string {
	c.recentMu.Lock()
	defer c.recentMu.Unlock()
	out := make([]string, len(c.recent))
	copy(out, c.recent)
	return out
}

// RecentMerges returns the remembered window, newest last.
func (c *Coordinator) RecentMerges() []string {
	return c.recentTitles()
}
