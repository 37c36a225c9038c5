package models

import "time"

// SessionStatus represents the status of an attempt record.
type SessionStatus string

const (
	SessionRunning  SessionStatus = "running"
	SessionApproved SessionStatus = "approved"
	SessionRejected SessionStatus = "rejected"
	SessionFailed   SessionStatus = "failed"
	SessionCrashed  SessionStatus = "crashed"
)

// Session is the durable record of one agent attempt on a task.
// (task_id, attempt) is unique; at most one running session exists per task.
type Session struct {
	// TaskID is the task this attempt belongs to.
	TaskID string `json:"task_id"`
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`
	// AgentType identifies the agent executable that ran.
	AgentType string `json:"agent_type"`
	// Model is the model identifier the agent was invoked with.
	Model string `json:"model"`
	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`
	// CompletedAt is when the attempt finished, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Status is the attempt outcome.
	Status SessionStatus `json:"status"`
	// OutputLog is the bounded tail of the agent's combined output.
	OutputLog string `json:"output_log,omitempty"`
	// GitBranch is the feature branch the attempt worked on.
	GitBranch string `json:"git_branch,omitempty"`
	// GitDiff is the final diff against main, archived at completion.
	GitDiff string `json:"git_diff,omitempty"`
	// TestResults holds the attempt's test run, if one happened.
	TestResults *TestResults `json:"test_results,omitempty"`
	// FailureReason summarizes why the attempt failed.
	FailureReason string `json:"failure_reason,omitempty"`
	// Summary is the agent-reported summary of the work.
	Summary string `json:"summary,omitempty"`
}

// Outcome classifies how an agent attempt ended, for retry decisions
// and agent statistics.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTestFailure     Outcome = "test_failure"
	OutcomeReviewRejection Outcome = "review_rejection"
	OutcomeCrash           Outcome = "crash"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeNoResult        Outcome = "no_result"
	OutcomeCodingFailure   Outcome = "coding_failure"
)

// Terminal reports whether the outcome counts against the retry cap.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeTestFailure, OutcomeReviewRejection, OutcomeCrash,
		OutcomeTimeout, OutcomeNoResult, OutcomeCodingFailure:
		return true
	default:
		return false
	}
}

// AgentStat is one row of per-project agent history, capped at 500 rows
// per project (oldest rows evicted first).
type AgentStat struct {
	ProjectID   string     `json:"project_id"`
	TaskID      string     `json:"task_id"`
	AgentID     string     `json:"agent_id"`
	Model       string     `json:"model"`
	Attempt     int        `json:"attempt"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     Outcome    `json:"outcome"`
	DurationMS  int64      `json:"duration_ms"`
}

// Counters are per-project aggregates written after every terminal
// task transition.
type Counters struct {
	ProjectID   string    `json:"project_id"`
	TotalDone   int       `json:"total_done"`
	TotalFailed int       `json:"total_failed"`
	QueueDepth  int       `json:"queue_depth"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EventLogEntry is one append-only observability row.
type EventLogEntry struct {
	ProjectID string    `json:"project_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Data      string    `json:"data,omitempty"`
}
