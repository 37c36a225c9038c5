package models

import "testing"

func TestTaskStatusValid(t *testing.T) {
	valid := []TaskStatus{TaskStatusOpen, TaskStatusInProgress, TaskStatusClosed}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if TaskStatus("pending").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTaskColumn(t *testing.T) {
	tests := []struct {
		name        string
		task        Task
		blockedDeps int
		inReview    bool
		blocked     bool
		want        KanbanColumn
	}{
		{
			name: "closed task is done",
			task: Task{Type: TaskTypeTask, Status: TaskStatusClosed},
			want: ColumnDone,
		},
		{
			name: "closed task is done even when flagged blocked",
			task: Task{Type: TaskTypeTask, Status: TaskStatusClosed, BlockReason: "x"},
			want: ColumnDone,
		},
		{
			name:    "blocked flag wins over in_progress",
			task:    Task{Type: TaskTypeTask, Status: TaskStatusInProgress},
			blocked: true,
			want:    ColumnBlocked,
		},
		{
			name: "block reason blocks",
			task: Task{Type: TaskTypeTask, Status: TaskStatusOpen, BlockReason: "merge_conflict"},
			want: ColumnBlocked,
		},
		{
			name:     "in review",
			task:     Task{Type: TaskTypeTask, Status: TaskStatusInProgress},
			inReview: true,
			want:     ColumnInReview,
		},
		{
			name: "in progress",
			task: Task{Type: TaskTypeTask, Status: TaskStatusInProgress},
			want: ColumnInProgress,
		},
		{
			name: "epic sits in planning",
			task: Task{Type: TaskTypeEpic, Status: TaskStatusOpen},
			want: ColumnPlanning,
		},
		{
			name:        "open with unmet deps is backlog",
			task:        Task{Type: TaskTypeTask, Status: TaskStatusOpen},
			blockedDeps: 2,
			want:        ColumnBacklog,
		},
		{
			name: "open with met deps is ready",
			task: Task{Type: TaskTypeTask, Status: TaskStatusOpen},
			want: ColumnReady,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.task.Column(tt.blockedDeps, tt.inReview, tt.blocked)
			if got != tt.want {
				t.Errorf("Column() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTaskReady(t *testing.T) {
	task := Task{ID: "T1", Type: TaskTypeTask, Status: TaskStatusOpen}
	if !task.Ready(0) {
		t.Error("open task with no unmet deps should be ready")
	}
	if task.Ready(1) {
		t.Error("task with unmet deps should not be ready")
	}

	epic := Task{ID: "E1", Type: TaskTypeEpic, Status: TaskStatusOpen}
	if epic.Ready(0) {
		t.Error("epics are never ready for execution")
	}

	closed := Task{ID: "T2", Type: TaskTypeTask, Status: TaskStatusClosed}
	if closed.Ready(0) {
		t.Error("closed task should not be ready")
	}

	blocked := Task{ID: "T3", Type: TaskTypeTask, Status: TaskStatusOpen, BlockReason: "awaiting_clarification"}
	if blocked.Ready(0) {
		t.Error("blocked task should not be ready")
	}
}

func TestScopeOverlaps(t *testing.T) {
	task := Task{FileScope: []string{"a.ts", "b.ts"}}

	if !task.ScopeOverlaps([]string{"b.ts", "c.ts"}) {
		t.Error("expected overlap on b.ts")
	}
	if task.ScopeOverlaps([]string{"c.ts"}) {
		t.Error("expected no overlap")
	}
	if task.ScopeOverlaps(nil) {
		t.Error("empty candidate set never overlaps")
	}

	unknown := Task{}
	if unknown.ScopeOverlaps([]string{"a.ts"}) {
		t.Error("unknown scope never reports overlap; strategy handles it")
	}
}

func TestOutcomeTerminal(t *testing.T) {
	if OutcomeSuccess.Terminal() {
		t.Error("success is not a terminal failure outcome")
	}
	for _, o := range []Outcome{OutcomeTestFailure, OutcomeReviewRejection, OutcomeCrash, OutcomeTimeout, OutcomeNoResult, OutcomeCodingFailure} {
		if !o.Terminal() {
			t.Errorf("expected %q to be terminal", o)
		}
	}
}
