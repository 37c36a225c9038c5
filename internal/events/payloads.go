package events

import (
	"time"

	"github.com/opensprint/opensprint/pkg/models"
)

// TaskUpdated is published on every persisted task transition.
type TaskUpdated struct {
	TaskID      string              `json:"taskId"`
	Status      models.TaskStatus   `json:"status"`
	Column      models.KanbanColumn `json:"column"`
	Assignee    string              `json:"assignee,omitempty"`
	Priority    *int                `json:"priority,omitempty"`
	BlockReason string              `json:"blockReason,omitempty"`
}

// AgentStarted is published when an agent process launches.
type AgentStarted struct {
	TaskID    string       `json:"taskId"`
	Role      models.Phase `json:"role"`
	Attempt   int          `json:"attempt"`
	StartedAt time.Time    `json:"startedAt"`
}

// AgentOutput carries a chunk of live agent output. High frequency.
type AgentOutput struct {
	TaskID string `json:"taskId"`
	Chunk  string `json:"chunk"`
}

// AgentCompleted is published when an agent process finishes, for any
// exit reason.
type AgentCompleted struct {
	TaskID      string              `json:"taskId"`
	Role        models.Phase        `json:"role"`
	Status      string              `json:"status"`
	TestResults *models.TestResults `json:"testResults,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// MergeStarted is published when the merge coordinator picks up a slot.
type MergeStarted struct {
	TaskID string `json:"taskId"`
}

// MergeCompleted is published when a merge attempt resolves either way.
type MergeCompleted struct {
	TaskID    string `json:"taskId"`
	Success   bool   `json:"success"`
	FixEpicID string `json:"fixEpicId,omitempty"`
}

// ActiveTask describes one occupied slot for status snapshots.
type ActiveTask struct {
	TaskID  string       `json:"taskId"`
	Phase   models.Phase `json:"phase"`
	Attempt int          `json:"attempt"`
}

// ExecuteStatus is the periodic orchestrator status snapshot.
type ExecuteStatus struct {
	ActiveTasks      []ActiveTask `json:"activeTasks"`
	QueueDepth       int          `json:"queueDepth"`
	AwaitingApproval int          `json:"awaitingApproval"`
	TotalDone        int          `json:"totalDone"`
	TotalFailed      int          `json:"totalFailed"`
	// Error flags an invariant violation that stopped the loop.
	Error string `json:"error,omitempty"`
}

// HILRequest is a blocking human-in-the-loop gate.
type HILRequest struct {
	RequestID   string                `json:"requestId"`
	TaskID      string                `json:"taskId"`
	Category    string                `json:"category"`
	Description string                `json:"description"`
	Options     []string              `json:"options,omitempty"`
	Questions   []models.OpenQuestion `json:"questions,omitempty"`
	Blocking    bool                  `json:"blocking"`
}
