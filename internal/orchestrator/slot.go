package orchestrator

import (
	"fmt"
	"time"

	"github.com/opensprint/opensprint/pkg/models"
)

// Slot is an in-memory reservation tying one task to one worker.
// The slot table is guarded by the scheduler mutex; a task can occupy
// at most one slot at a time.
type Slot struct {
	TaskID  string
	Phase   models.Phase
	Attempt int
	// Scope is the task's predicted file scope for overlap checks.
	// Empty means unknown.
	Scope     []string
	StartedAt time.Time
	// InReview mirrors the kanban in_review column.
	InReview bool
}

// slotTable holds the active slots. All methods assume the scheduler
// mutex is held by the caller.
type slotTable struct {
	capacity int
	slots    map[string]*Slot
}

func newSlotTable(capacity int) *slotTable {
	return &slotTable{capacity: capacity, slots: make(map[string]*Slot)}
}

func (t *slotTable) full() bool {
	return len(t.slots) >= t.capacity
}

func (t *slotTable) has(taskID string) bool {
	_, ok := t.slots[taskID]
	return ok
}

// reserve adds a slot for the task. A duplicate reservation is an
// invariant violation and returns an error instead of clobbering.
func (t *slotTable) reserve(task *models.Task) (*Slot, error) {
	if t.has(task.ID) {
		return nil, fmt.Errorf("task %s already holds a slot", task.ID)
	}
	if t.full() {
		return nil, fmt.Errorf("slot table full (%d)", t.capacity)
	}
	s := &Slot{
		TaskID:    task.ID,
		Phase:     models.PhaseCoding,
		Attempt:   1,
		Scope:     task.FileScope,
		StartedAt: time.Now().UTC(),
	}
	t.slots[task.ID] = s
	return s, nil
}

func (t *slotTable) release(taskID string) {
	delete(t.slots, taskID)
}

func (t *slotTable) active() []*Slot {
	out := make([]*Slot, 0, len(t.slots))
	for _, s := range t.slots {
		out = append(out, s)
	}
	return out
}

// scopeClear reports whether a candidate task's file scope allows it to
// start alongside the active slots. Known scopes conflict only on
// overlap; unknown scopes are governed by the strategy: conservative
// serializes them against everything, optimistic lets them run.
func (t *slotTable) scopeClear(task *models.Task, conservative bool) bool {
	if len(t.slots) == 0 {
		return true
	}
	if len(task.FileScope) == 0 {
		return !conservative
	}
	for _, s := range t.slots {
		if conservative && len(s.Scope) == 0 {
			return false
		}
		if task.ScopeOverlaps(s.Scope) {
			return false
		}
	}
	return true
}
