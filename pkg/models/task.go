package models

import "time"

// TaskStatus represents the persisted lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusOpen indicates the task has not been completed.
	TaskStatusOpen TaskStatus = "open"
	// TaskStatusInProgress indicates a slot is actively working the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusClosed indicates the task is finished, see ClosedReason.
	TaskStatusClosed TaskStatus = "closed"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusClosed:
		return true
	default:
		return false
	}
}

// TaskType distinguishes epics from executable tasks.
type TaskType string

const (
	TaskTypeEpic TaskType = "epic"
	TaskTypeTask TaskType = "task"
)

// Complexity drives agent selection for a task.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityComplex Complexity = "complex"
	ComplexityNone    Complexity = "none"
)

// KanbanColumn is the derived board column for a task. It is a projection
// of TaskStatus plus dependency state, never stored directly.
type KanbanColumn string

const (
	ColumnPlanning   KanbanColumn = "planning"
	ColumnBacklog    KanbanColumn = "backlog"
	ColumnReady      KanbanColumn = "ready"
	ColumnInProgress KanbanColumn = "in_progress"
	ColumnInReview   KanbanColumn = "in_review"
	ColumnDone       KanbanColumn = "done"
	ColumnBlocked    KanbanColumn = "blocked"
)

// DepType classifies a dependency edge. Only DepBlocks gates readiness.
type DepType string

const (
	// DepBlocks means the target task must be done before this one starts.
	DepBlocks DepType = "blocks"
	// DepDiscoveredFrom records provenance without gating readiness.
	DepDiscoveredFrom DepType = "discovered-from"
)

// Dependency is a directed edge between two tasks.
type Dependency struct {
	// TaskID is the dependent task.
	TaskID string `json:"task_id"`
	// DependsOn is the task this edge points at.
	DependsOn string `json:"depends_on"`
	// Type classifies the edge.
	Type DepType `json:"dep_type"`
}

// TestResults holds the outcome of the post-implementation test run.
type TestResults struct {
	// Passed indicates whether the test command exited zero.
	Passed bool `json:"passed"`
	// Output is the (truncated) combined test output.
	Output string `json:"output,omitempty"`
	// Command is the shell command that was run.
	Command string `json:"command,omitempty"`
	// RanAt is when the tests were executed.
	RanAt time.Time `json:"ran_at,omitempty"`
}

// Task represents a unit of work in the delivery pipeline.
type Task struct {
	// ID is the unique, human-readable identifier for this task.
	ID string `json:"id"`
	// ProjectID identifies the owning project.
	ProjectID string `json:"project_id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Type distinguishes epics from executable tasks.
	Type TaskType `json:"type"`
	// Status is the persisted lifecycle state.
	Status TaskStatus `json:"status"`
	// Priority orders scheduling; 0 is highest, 4 lowest.
	Priority int `json:"priority"`
	// Assignee is the agent or person the task is assigned to, if any.
	Assignee string `json:"assignee,omitempty"`
	// Complexity drives agent selection.
	Complexity Complexity `json:"complexity"`
	// EpicID is the parent epic, if any.
	EpicID string `json:"epic_id,omitempty"`
	// FileScope lists files the task is predicted to touch. Empty means
	// unknown scope; the scheduler's strategy setting decides how to treat it.
	FileScope []string `json:"file_scope,omitempty"`
	// TestResults holds the latest test run for this task.
	TestResults *TestResults `json:"test_results,omitempty"`
	// BlockReason explains why the task is blocked, if it is.
	BlockReason string `json:"block_reason,omitempty"`
	// ClosedReason explains why the task was closed.
	ClosedReason string `json:"closed_reason,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the task was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Column derives the kanban column for the task.
//
// blockedDeps is the number of blocking dependencies that are not done;
// inReview and blocked reflect in-memory slot state owned by the
// orchestrator (a closed task is always done regardless of those flags).
func (t *Task) Column(blockedDeps int, inReview, blocked bool) KanbanColumn {
	if t.Status == TaskStatusClosed {
		return ColumnDone
	}
	if blocked || t.BlockReason != "" {
		return ColumnBlocked
	}
	if t.Status == TaskStatusInProgress {
		if inReview {
			return ColumnInReview
		}
		return ColumnInProgress
	}
	if t.Type == TaskTypeEpic {
		return ColumnPlanning
	}
	if blockedDeps > 0 {
		return ColumnBacklog
	}
	return ColumnReady
}

// Ready reports whether the task can be scheduled: it must be open, an
// executable task, unblocked, and have no unmet blocking dependency.
func (t *Task) Ready(blockedDeps int) bool {
	return t.Status == TaskStatusOpen &&
		t.Type == TaskTypeTask &&
		t.BlockReason == "" &&
		blockedDeps == 0
}

// ScopeOverlaps reports whether the task's predicted file scope intersects
// the given set of files.
func (t *Task) ScopeOverlaps(files []string) bool {
	if len(t.FileScope) == 0 || len(files) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(t.FileScope))
	for _, f := range t.FileScope {
		seen[f] = struct{}{}
	}
	for _, f := range files {
		if _, ok := seen[f]; ok {
			return true
		}
	}
	return false
}
