// Package retry decides what happens after a failed attempt: run the
// base agent again, escalate to a higher ladder tier, or block the
// task. The engine is a pure function of its inputs.
package retry

import (
	"log"

	"github.com/opensprint/opensprint/internal/config"
	"github.com/opensprint/opensprint/pkg/models"
)

// Action says what the orchestrator should do next for a task.
type Action string

const (
	// ActionRun means start another attempt with Decision.Agent.
	ActionRun Action = "run"
	// ActionBlock means stop retrying and mark the task blocked.
	ActionBlock Action = "block"
)

// Decision is the engine's verdict for the next attempt.
type Decision struct {
	Action Action
	// Agent is the config for the next attempt (Action=run).
	Agent config.AgentConfig
	// Escalated is true when Agent.Model was raised a ladder tier.
	Escalated bool
	// BlockReason explains the block (Action=block).
	BlockReason string
}

// Input carries everything a decision depends on.
type Input struct {
	Agents config.AgentsConfig
	// RetryCap is the hard attempt limit; attempts beyond it block.
	RetryCap int
	Task     *models.Task
	// Attempt is the attempt number being decided (1-based).
	Attempt int
	// History is the task's prior terminal outcomes, oldest first.
	History []models.Outcome
}

// DefaultRetryCap is used when Input.RetryCap is not positive.
const DefaultRetryCap = 6

// Decide picks the agent for the next attempt.
//
// Attempts 1 and 2 use the complexity-mapped base agent. From attempt 3
// on, two or more consecutive trailing failures of the same type
// escalate an escalatable agent to the next ladder tier. Once the
// number of terminal attempts reaches the cap the task blocks.
func Decide(in Input) Decision {
	cap := in.RetryCap
	if cap <= 0 {
		cap = DefaultRetryCap
	}

	terminal := 0
	for _, o := range in.History {
		if o.Terminal() {
			terminal++
		}
	}
	if terminal >= cap {
		return Decision{
			Action:      ActionBlock,
			BlockReason: blockReason(in.History),
		}
	}

	base := in.Agents.ForComplexity(taskComplexity(in.Task))
	if in.Attempt <= 2 {
		return Decision{Action: ActionRun, Agent: base}
	}

	same, failureType := sameTypeCount(in.History)
	if same >= 2 && base.Escalatable {
		if next, ok := in.Agents.NextTier(base.Model); ok {
			log.Printf("[retry] escalating %s: %s -> %s (failure=%s consecutive=%d)",
				in.Task.ID, base.Model, next, failureType, same)
			base.Model = next
			return Decision{Action: ActionRun, Agent: base, Escalated: true}
		}
	}
	return Decision{Action: ActionRun, Agent: base}
}

func taskComplexity(t *models.Task) models.Complexity {
	if t == nil {
		return models.ComplexityNone
	}
	return t.Complexity
}

// sameTypeCount counts consecutive trailing terminal outcomes of the
// same type and returns that type.
func sameTypeCount(history []models.Outcome) (int, models.Outcome) {
	var last models.Outcome
	count := 0
	for i := len(history) - 1; i >= 0; i-- {
		o := history[i]
		if !o.Terminal() {
			continue
		}
		if last == "" {
			last = o
			count = 1
			continue
		}
		if o != last {
			break
		}
		count++
	}
	return count, last
}

// blockReason derives the persisted block reason from the most recent
// terminal outcome.
func blockReason(history []models.Outcome) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Terminal() {
			return "retry cap reached: " + string(history[i])
		}
	}
	return "retry cap reached"
}
