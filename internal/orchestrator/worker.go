package orchestrator

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/config"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/retry"
	"github.com/opensprint/opensprint/internal/stage"
	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/pkg/models"
)

const testOutputLimit = 5000

// runSlot drives one task through coding, tests, review, and merge,
// looping over attempts until the task merges, blocks, or the
// orchestrator shuts down. It owns the slot until it returns.
func (o *Orchestrator) runSlot(ctx context.Context, task *models.Task, slot *Slot) {
	defer o.releaseSlot(task.ID)
	defer o.publishStatus()

	for {
		history, err := o.taskHistory(task.ID)
		if err != nil {
			log.Printf("[worker] history for %s: %v", task.ID, err)
			return
		}
		sessions, err := o.store.LoadSessions(task.ID)
		if err != nil {
			log.Printf("[worker] sessions for %s: %v", task.ID, err)
			return
		}
		attempt := len(sessions) + 1

		decision := retry.Decide(retry.Input{
			Agents:   o.cfg.Agents,
			RetryCap: o.cfg.Execution.RetryCap,
			Task:     task,
			Attempt:  attempt,
			History:  history,
		})
		if decision.Action == retry.ActionBlock {
			o.blockTask(task, decision.BlockReason)
			return
		}

		done, retryAgain := o.runAttempt(ctx, task, slot, attempt, decision, lastSession(sessions))
		if done || !retryAgain {
			return
		}
	}
}

func lastSession(sessions []*models.Session) *models.Session {
	if len(sessions) == 0 {
		return nil
	}
	return sessions[len(sessions)-1]
}

// runAttempt executes one coding attempt end to end. It returns
// done=true when the task reached a terminal state (merged, blocked,
// HIL gate, shutdown) and retryAgain=true when the slot should start
// the next attempt.
func (o *Orchestrator) runAttempt(ctx context.Context, task *models.Task, slot *Slot, attempt int, decision retry.Decision, prev *models.Session) (done, retryAgain bool) {
	o.setSlotAttempt(task.ID, attempt)
	o.setSlotPhase(task.ID, models.PhaseCoding, false)

	status := models.TaskStatusInProgress
	if err := o.store.Update(task.ID, store.TaskPatch{Status: &status, Assignee: &decision.Agent.ID}); err != nil {
		log.Printf("[worker] mark %s in_progress: %v", task.ID, err)
		return true, false
	}
	task.Status = models.TaskStatusInProgress
	task.Assignee = decision.Agent.ID
	o.publishTaskUpdated(task)

	branch := git.TaskBranch(task.ID)
	workDir, err := o.prepareWorkspace(task, branch)
	if err != nil {
		log.Printf("[worker] workspace for %s: %v", task.ID, err)
		o.blockTask(task, "git: "+err.Error())
		return true, false
	}

	started := time.Now().UTC()
	sess := &models.Session{
		TaskID:    task.ID,
		Attempt:   attempt,
		AgentType: decision.Agent.ID,
		Model:     decision.Agent.Model,
		StartedAt: started,
		Status:    models.SessionRunning,
		GitBranch: branch,
	}
	if err := o.store.RecordSession(sess); err != nil {
		log.Printf("[worker] record session %s#%d: %v", task.ID, attempt, err)
		return true, false
	}

	promptPath, err := o.stager.Stage(ctx, stage.Request{
		Task:        task,
		Phase:       models.PhaseCoding,
		Attempt:     attempt,
		Model:       decision.Agent.Model,
		WorkDir:     workDir,
		TestCommand: o.cfg.Execution.TestCommand,
		Retry:       o.retryContext(task.ID, prev),
	})
	if err != nil {
		log.Printf("[worker] stage %s#%d: %v", task.ID, attempt, err)
		o.finishSession(sess, models.SessionCrashed, "stage: "+err.Error(), "", nil, "")
		o.blockTask(task, "stage: "+err.Error())
		return true, false
	}

	outcome, parsed, run := o.runAgent(ctx, task, models.PhaseCoding, decision.Agent, promptPath, workDir, attempt)
	if run.Reason == agent.ReasonCancelled {
		o.finishSession(sess, models.SessionCrashed, "shutdown", run.Output, nil, "")
		return true, false
	}

	if parsed != nil && parsed.NeedsClarification() {
		o.openHILGate(task, sess, parsed, run.Output)
		return true, false
	}

	// Tests decide the real outcome: an agent-reported success with
	// failing tests is a test_failure.
	var testResults *models.TestResults
	if outcome == models.OutcomeSuccess {
		testResults = o.runTests(ctx, task, workDir)
		if testResults != nil && !testResults.Passed {
			outcome = models.OutcomeTestFailure
		}
	}

	if outcome == models.OutcomeSuccess && o.reviewNeeded(attempt) {
		reviewOutcome := o.runReviewPhase(ctx, task, slot, attempt, workDir, sess)
		switch reviewOutcome {
		case models.OutcomeSuccess:
			// Approved; fall through to merge.
		case "":
			// Shutdown mid-review.
			o.finishSession(sess, models.SessionCrashed, "shutdown", run.Output, testResults, "")
			return true, false
		default:
			outcome = reviewOutcome
		}
	}

	if outcome == models.OutcomeSuccess {
		return o.mergePhase(ctx, task, sess, parsed, run.Output, testResults, workDir)
	}

	// Failed attempt: archive it and let the retry engine decide.
	o.finishSession(sess, sessionStatusFor(outcome), string(outcome), run.Output, testResults, "")
	o.recordStat(task, decision.Agent, attempt, sess.StartedAt, outcome)
	log.Printf("[worker] %s attempt %d ended: %s", task.ID, attempt, outcome)
	return false, true
}

// prepareWorkspace creates the task branch and, in worktree mode, a
// dedicated worktree. In branches mode the agent shares the main tree.
func (o *Orchestrator) prepareWorkspace(task *models.Task, branch string) (string, error) {
	if o.cfg.Git.WorkingMode == config.ModeWorktree {
		return o.ws.CreateTaskWorktree(task.ID, branch)
	}
	if err := o.ws.CreateOrCheckoutBranch(branch); err != nil {
		return "", err
	}
	return o.ws.RepoPath(), nil
}

// retryContext assembles prior-attempt material for the next prompt.
func (o *Orchestrator) retryContext(taskID string, prev *models.Session) stage.RetryContext {
	rc := stage.RetryContext{ClarificationReply: o.takeHILReply(taskID)}
	if prev == nil {
		return rc
	}
	rc.PreviousFailure = prev.FailureReason
	if prev.TestResults != nil && !prev.TestResults.Passed {
		rc.PreviousTestOutput = prev.TestResults.Output
	}
	if prev.Status == models.SessionRejected {
		rc.ReviewerIssues = splitIssues(prev.FailureReason)
	}
	return rc
}

// runAgent spawns one agent process and interprets its result artifact.
func (o *Orchestrator) runAgent(ctx context.Context, task *models.Task, phase models.Phase, agentCfg config.AgentConfig, promptPath, workDir string, attempt int) (models.Outcome, *models.AgentResult, *agent.Result) {
	argv, err := agentCfg.Argv()
	if err != nil {
		log.Printf("[worker] agent command for %s: %v", task.ID, err)
		return models.OutcomeCrash, nil, &agent.Result{Reason: agent.ReasonSpawnError, Err: err}
	}
	args := argv[1:]
	if agentCfg.Model != "" {
		args = append(args, "--model", agentCfg.Model)
	}
	args = append(args, promptPath)

	o.publish(events.TopicAgentStarted, task.ID, events.AgentStarted{
		TaskID:    task.ID,
		Role:      phase,
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
	})

	run := o.runner.Run(ctx, agent.Spec{
		Command: argv[0],
		Args:    args,
		Dir:     workDir,
		Timeout: o.cfg.Timeouts.ForPhase(phase),
		TaskID:  task.ID,
		OnLine: func(line string) {
			o.publish(events.TopicAgentOutput, task.ID, events.AgentOutput{TaskID: task.ID, Chunk: line})
		},
	})

	outcome, parsed := agent.Interpret(run, phase, o.stager.ResultPath(task.ID))
	o.publish(events.TopicAgentCompleted, task.ID, events.AgentCompleted{
		TaskID: task.ID,
		Role:   phase,
		Status: string(outcome),
		Reason: string(run.Reason),
	})
	log.Printf("[worker] %s %s agent finished: reason=%s outcome=%s", task.ID, phase, run.Reason, outcome)
	return outcome, parsed, run
}

// runTests runs the configured test command in the task workspace.
// Returns nil when no test command is configured.
func (o *Orchestrator) runTests(ctx context.Context, task *models.Task, workDir string) *models.TestResults {
	cmd := o.cfg.Execution.TestCommand
	if cmd == "" {
		return nil
	}
	log.Printf("[worker] running tests for %s: %s", task.ID, cmd)
	run := o.runner.Run(ctx, agent.Spec{
		Command: "sh",
		Args:    []string{"-c", cmd},
		Dir:     workDir,
		Timeout: o.cfg.Timeouts.Coding,
		TaskID:  task.ID,
	})
	return &models.TestResults{
		Passed:  run.Reason == agent.ReasonExit && run.ExitCode == 0,
		Output:  truncate(run.Output, testOutputLimit),
		Command: cmd,
		RanAt:   time.Now().UTC(),
	}
}

// reviewNeeded applies the review mode for this attempt.
func (o *Orchestrator) reviewNeeded(attempt int) bool {
	switch o.cfg.Execution.ReviewMode {
	case config.ReviewNever:
		return false
	case config.ReviewOnFailureOnly:
		return attempt > 1
	default:
		return true
	}
}

// runReviewPhase stages the implementation diff and runs the reviewer.
// Returns OutcomeSuccess on approval, a failure outcome otherwise, and
// "" when the orchestrator is shutting down.
func (o *Orchestrator) runReviewPhase(ctx context.Context, task *models.Task, slot *Slot, attempt int, workDir string, sess *models.Session) models.Outcome {
	o.setSlotPhase(task.ID, models.PhaseReview, true)
	o.publishTaskUpdated(task)

	promptPath, err := o.stager.Stage(ctx, stage.Request{
		Task:    task,
		Phase:   models.PhaseReview,
		Attempt: attempt,
		Model:   o.cfg.Agents.Reviewer.Model,
		WorkDir: workDir,
	})
	if err != nil {
		log.Printf("[worker] stage review for %s: %v", task.ID, err)
		return models.OutcomeReviewRejection
	}

	outcome, parsed, run := o.runAgent(ctx, task, models.PhaseReview, o.cfg.Agents.Reviewer, promptPath, workDir, attempt)
	o.setSlotPhase(task.ID, models.PhaseCoding, false)

	if run.Reason == agent.ReasonCancelled {
		return ""
	}
	if outcome == models.OutcomeSuccess && parsed != nil && parsed.Kind == models.ResultReviewApproved {
		return models.OutcomeSuccess
	}
	if parsed != nil && parsed.Kind == models.ResultReviewRejected {
		sess.FailureReason = joinIssues(parsed.Issues)
		sess.Status = models.SessionRejected
		return models.OutcomeReviewRejection
	}
	// Reviewer crashed, timed out, or wrote nothing readable.
	log.Printf("[worker] review for %s did not resolve: %s", task.ID, outcome)
	sess.FailureReason = "review did not complete"
	return models.OutcomeReviewRejection
}

// mergePhase hands the branch to the merge coordinator and finalizes
// the task on success.
func (o *Orchestrator) mergePhase(ctx context.Context, task *models.Task, sess *models.Session, parsed *models.AgentResult, output string, testResults *models.TestResults, workDir string) (done, retryAgain bool) {
	o.setSlotPhase(task.ID, models.PhaseMerger, false)
	o.publish(events.TopicMergeStarted, task.ID, events.MergeStarted{TaskID: task.ID})

	out, err := o.merger.Merge(ctx, task, nil)
	if err != nil {
		log.Printf("[worker] merge %s: %v", task.ID, err)
	}
	o.publish(events.TopicMergeCompleted, task.ID, events.MergeCompleted{TaskID: task.ID, Success: out.Merged && out.BlockReason == ""})

	if !out.Merged || out.BlockReason != "" {
		reason := out.BlockReason
		if reason == "" {
			reason = "merge_failed"
		}
		o.finishSession(sess, models.SessionFailed, reason, output, testResults, "")
		o.blockTask(task, reason)
		return true, false
	}

	// Archive the final diff before the branch goes away.
	diff, derr := o.ws.GetDiff(sess.GitBranch)
	if derr != nil {
		log.Printf("[worker] archive diff for %s: %v", task.ID, derr)
	}
	summary := ""
	if parsed != nil {
		summary = parsed.Summary
	}
	if out.Summary != "" {
		summary = out.Summary
	}
	sess.GitDiff = diff
	o.finishSession(sess, models.SessionApproved, "", output, testResults, summary)
	o.recordStat(task, config.AgentConfig{ID: sess.AgentType, Model: sess.Model}, sess.Attempt, sess.StartedAt, models.OutcomeSuccess)

	closed := models.TaskStatusClosed
	reason := "merged"
	if err := o.store.Update(task.ID, store.TaskPatch{Status: &closed, ClosedReason: &reason}); err != nil {
		log.Printf("[worker] close %s: %v", task.ID, err)
	}
	task.Status = models.TaskStatusClosed
	task.ClosedReason = reason

	if o.cfg.Git.WorkingMode == config.ModeWorktree {
		if err := o.ws.RemoveTaskWorktree(task.ID, workDir); err != nil {
			log.Printf("[worker] remove worktree %s: %v", task.ID, err)
		}
	}
	o.stager.Cleanup(task.ID)

	if err := o.store.Sync(o.cfg.ProjectID); err != nil {
		log.Printf("[worker] sync counters: %v", err)
	}
	o.publishTaskUpdated(task)
	log.Printf("[worker] %s merged and closed", task.ID)
	return true, false
}

// openHILGate blocks the task pending a human clarification reply.
func (o *Orchestrator) openHILGate(task *models.Task, sess *models.Session, parsed *models.AgentResult, output string) {
	requestID := uuid.NewString()
	o.mu.Lock()
	o.hilRequests[requestID] = task.ID
	o.mu.Unlock()

	o.finishSession(sess, models.SessionFailed, "awaiting_clarification", output, nil, parsed.Summary)

	reason := "awaiting_clarification"
	open := models.TaskStatusOpen
	if err := o.store.Update(task.ID, store.TaskPatch{Status: &open, BlockReason: &reason}); err != nil {
		log.Printf("[worker] block %s for clarification: %v", task.ID, err)
	}
	task.Status = models.TaskStatusOpen
	task.BlockReason = reason

	o.publish(events.TopicHILRequest, task.ID, events.HILRequest{
		RequestID:   requestID,
		TaskID:      task.ID,
		Category:    "clarification",
		Description: parsed.Summary,
		Questions:   parsed.OpenQuestions,
		Blocking:    true,
	})
	o.publishTaskUpdated(task)
	log.Printf("[worker] %s awaiting clarification (%d questions, request %s)", task.ID, len(parsed.OpenQuestions), requestID)
}

// blockTask persists a block reason and reopens the task so an unblock
// makes it schedulable again.
func (o *Orchestrator) blockTask(task *models.Task, reason string) {
	open := models.TaskStatusOpen
	if err := o.store.Update(task.ID, store.TaskPatch{Status: &open, BlockReason: &reason}); err != nil {
		log.Printf("[worker] block %s: %v", task.ID, err)
	}
	task.Status = models.TaskStatusOpen
	task.BlockReason = reason
	if err := o.store.Sync(o.cfg.ProjectID); err != nil {
		log.Printf("[worker] sync counters: %v", err)
	}
	o.publishTaskUpdated(task)
	log.Printf("[worker] %s blocked: %s", task.ID, reason)
}

// finishSession completes the attempt row.
func (o *Orchestrator) finishSession(sess *models.Session, status models.SessionStatus, failureReason, output string, testResults *models.TestResults, summary string) {
	now := time.Now().UTC()
	sess.CompletedAt = &now
	sess.Status = status
	// A reviewer may have already stored its issue list here.
	if sess.FailureReason == "" {
		sess.FailureReason = failureReason
	}
	sess.OutputLog = truncate(output, testOutputLimit)
	if testResults != nil {
		sess.TestResults = testResults
	}
	if summary != "" {
		sess.Summary = summary
	}
	if err := o.store.RecordSession(sess); err != nil {
		log.Printf("[worker] finish session %s#%d: %v", sess.TaskID, sess.Attempt, err)
	}
}

func (o *Orchestrator) recordStat(task *models.Task, agentCfg config.AgentConfig, attempt int, started time.Time, outcome models.Outcome) {
	now := time.Now().UTC()
	stat := &models.AgentStat{
		ProjectID:   o.cfg.ProjectID,
		TaskID:      task.ID,
		AgentID:     agentCfg.ID,
		Model:       agentCfg.Model,
		Attempt:     attempt,
		StartedAt:   started,
		CompletedAt: &now,
		Outcome:     outcome,
		DurationMS:  now.Sub(started).Milliseconds(),
	}
	if err := o.store.RecordStat(stat); err != nil {
		log.Printf("[worker] record stat %s#%d: %v", task.ID, attempt, err)
	}
}

// taskHistory derives the task's terminal-outcome history, oldest
// first, from the persisted stats.
func (o *Orchestrator) taskHistory(taskID string) ([]models.Outcome, error) {
	stats, err := o.store.LoadStats(o.cfg.ProjectID, 0)
	if err != nil {
		return nil, err
	}
	// LoadStats returns newest first.
	var history []models.Outcome
	for i := len(stats) - 1; i >= 0; i-- {
		if stats[i].TaskID == taskID {
			history = append(history, stats[i].Outcome)
		}
	}
	return history, nil
}

func sessionStatusFor(outcome models.Outcome) models.SessionStatus {
	switch outcome {
	case models.OutcomeReviewRejection:
		return models.SessionRejected
	case models.OutcomeCrash, models.OutcomeTimeout, models.OutcomeNoResult:
		return models.SessionCrashed
	default:
		return models.SessionFailed
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}

func joinIssues(issues []string) string {
	return strings.Join(issues, "; ")
}

func splitIssues(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "; ")
}
