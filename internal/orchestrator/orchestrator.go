// Package orchestrator runs the delivery loop: it schedules ready
// tasks onto worker slots, drives each task through coding, tests,
// review, and merge, and applies retry and human-in-the-loop gates.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opensprint/opensprint/internal/agent"
	"github.com/opensprint/opensprint/internal/config"
	"github.com/opensprint/opensprint/internal/events"
	"github.com/opensprint/opensprint/internal/git"
	"github.com/opensprint/opensprint/internal/merge"
	"github.com/opensprint/opensprint/internal/stage"
	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/pkg/models"
)

// forcedPollInterval is how often the scheduler wakes without a nudge.
const forcedPollInterval = 30 * time.Second

// Workspace is the slice of the git workspace the orchestrator uses.
type Workspace interface {
	RepoPath() string
	CreateOrCheckoutBranch(branch string) error
	CreateTaskWorktree(taskID, branch string) (string, error)
	RemoveTaskWorktree(taskID, path string) error
	GetDiff(branch string) (string, error)
	ListTaskWorktrees() ([]git.TaskWorktree, error)
}

// Stager assembles agent workspaces.
type Stager interface {
	Stage(ctx context.Context, req stage.Request) (string, error)
	ResultPath(taskID string) string
	Cleanup(taskID string)
}

// AgentRunner spawns agent processes.
type AgentRunner interface {
	Run(ctx context.Context, spec agent.Spec) *agent.Result
}

// Merger integrates finished branches into main.
type Merger interface {
	Merge(ctx context.Context, task *models.Task, onEvent func(stage string)) (merge.Outcome, error)
}

// Orchestrator is the execution loop.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	ws       Workspace
	stager   Stager
	runner   AgentRunner
	merger   Merger
	registry *agent.Registry
	bus      *events.Bus

	// mu is the scheduler mutex: it guards the slot table and the HIL
	// bookkeeping. No I/O happens under it.
	mu    sync.Mutex
	slots *slotTable
	// hilReplies holds clarification replies keyed by task id, consumed
	// by the task's next attempt.
	hilReplies map[string]string
	// hilRequests maps request id to task id for reply routing.
	hilRequests map[string]string

	nudgeCh chan struct{}
	group   *errgroup.Group
}

// New creates an Orchestrator.
func New(cfg *config.Config, st *store.Store, ws Workspace, stager Stager, runner AgentRunner, merger Merger, registry *agent.Registry, bus *events.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		ws:          ws,
		stager:      stager,
		runner:      runner,
		merger:      merger,
		registry:    registry,
		bus:         bus,
		slots:       newSlotTable(cfg.EffectiveCoders()),
		hilReplies:  make(map[string]string),
		hilRequests: make(map[string]string),
		nudgeCh:     make(chan struct{}, 1),
	}
}

// Nudge wakes the scheduler. Coalesces when one is already pending.
func (o *Orchestrator) Nudge() {
	select {
	case o.nudgeCh <- struct{}{}:
	default:
	}
}

// Run executes the scheduling loop until the context is cancelled or an
// invariant violation stops it. It recovers leftover state first.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	o.group = g

	watcher, err := o.startControlWatcher(gctx)
	if err != nil {
		log.Printf("[scheduler] control watcher disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	ticker := time.NewTicker(forcedPollInterval)
	defer ticker.Stop()

	log.Printf("[scheduler] loop started (slots=%d mode=%s)", o.cfg.EffectiveCoders(), o.cfg.Git.WorkingMode)
	var loopErr error
	for loopErr == nil {
		if err := o.schedule(gctx); err != nil {
			// Invariant violation: stop for operator intervention.
			o.publishStatusError(err)
			loopErr = err
			break
		}
		select {
		case <-gctx.Done():
			loopErr = gctx.Err()
		case <-o.nudgeCh:
		case <-ticker.C:
		}
	}

	o.shutdown()
	if werr := g.Wait(); werr != nil && loopErr == nil {
		loopErr = werr
	}
	if loopErr == context.Canceled {
		return nil
	}
	return loopErr
}

// schedule fills free slots with ready tasks. One readiness snapshot is
// used per tick.
func (o *Orchestrator) schedule(ctx context.Context) error {
	ready, err := o.store.ListReady(o.cfg.ProjectID)
	if err != nil {
		log.Printf("[scheduler] list ready: %v", err)
		return nil
	}

	conservative := o.cfg.Execution.ScopeStrategy == config.ScopeConservative

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, task := range ready {
		if o.slots.full() {
			break
		}
		if o.slots.has(task.ID) {
			continue
		}
		if !o.slots.scopeClear(task, conservative) {
			continue
		}
		slot, err := o.slots.reserve(task)
		if err != nil {
			return fmt.Errorf("reserve slot: %w", err)
		}
		t := task
		log.Printf("[scheduler] starting %s (%s)", t.ID, t.Title)
		o.group.Go(func() error {
			o.runSlot(ctx, t, slot)
			return nil
		})
	}
	return nil
}

// shutdown cancels running agents and flushes state.
func (o *Orchestrator) shutdown() {
	log.Printf("[scheduler] shutting down")
	o.registry.Shutdown(agent.DefaultKillGrace)
	if err := o.store.Sync(o.cfg.ProjectID); err != nil {
		log.Printf("[scheduler] flush counters: %v", err)
	}
}

// recover cleans up state left by a previous process: running sessions
// become crashed, in_progress tasks reopen, stale worktrees go away.
func (o *Orchestrator) recover() error {
	crashed, err := o.store.ResetRunningSessions(o.cfg.ProjectID)
	if err != nil {
		return err
	}
	for _, id := range crashed {
		log.Printf("[scheduler] recovered crashed session for %s", id)
	}

	reopened, err := o.store.ResetInProgressTasks(o.cfg.ProjectID)
	if err != nil {
		return err
	}
	for _, id := range reopened {
		log.Printf("[scheduler] reopened interrupted task %s", id)
	}

	worktrees, err := o.ws.ListTaskWorktrees()
	if err != nil {
		log.Printf("[scheduler] list stale worktrees: %v", err)
		return nil
	}
	for _, wt := range worktrees {
		log.Printf("[scheduler] removing stale worktree for %s", wt.TaskID)
		if err := o.ws.RemoveTaskWorktree(wt.TaskID, wt.Path); err != nil {
			log.Printf("[scheduler] remove worktree %s: %v", wt.TaskID, err)
		}
	}
	return nil
}

// releaseSlot frees a task's slot and wakes the scheduler.
func (o *Orchestrator) releaseSlot(taskID string) {
	o.mu.Lock()
	o.slots.release(taskID)
	o.mu.Unlock()
	o.Nudge()
}

func (o *Orchestrator) setSlotPhase(taskID string, phase models.Phase, inReview bool) {
	o.mu.Lock()
	if s, ok := o.slots.slots[taskID]; ok {
		s.Phase = phase
		s.InReview = inReview
	}
	o.mu.Unlock()
}

func (o *Orchestrator) setSlotAttempt(taskID string, attempt int) {
	o.mu.Lock()
	if s, ok := o.slots.slots[taskID]; ok {
		s.Attempt = attempt
	}
	o.mu.Unlock()
}

// takeHILReply consumes a stored clarification reply for a task.
func (o *Orchestrator) takeHILReply(taskID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	reply := o.hilReplies[taskID]
	delete(o.hilReplies, taskID)
	return reply
}

func (o *Orchestrator) publish(topic events.Topic, taskID string, payload any) {
	o.bus.Publish(events.Event{
		Topic:     topic,
		ProjectID: o.cfg.ProjectID,
		TaskID:    taskID,
		Time:      time.Now().UTC(),
		Payload:   payload,
	})
	// Every persistent topic also lands in the store's event log;
	// agent output is too chatty to keep.
	if topic == events.TopicAgentOutput {
		return
	}
	entry := &models.EventLogEntry{
		ProjectID: o.cfg.ProjectID,
		TaskID:    taskID,
		Event:     string(topic),
	}
	if err := o.store.AppendEvent(entry); err != nil {
		log.Printf("[scheduler] append event log: %v", err)
	}
}

// publishTaskUpdated loads dependency state and emits the derived
// kanban column for a task.
func (o *Orchestrator) publishTaskUpdated(task *models.Task) {
	blockers, err := o.store.GetBlockers(task.ID)
	if err != nil {
		log.Printf("[scheduler] blockers for %s: %v", task.ID, err)
	}
	o.mu.Lock()
	inReview := false
	if s, ok := o.slots.slots[task.ID]; ok {
		inReview = s.InReview
	}
	o.mu.Unlock()

	o.publish(events.TopicTaskUpdated, task.ID, events.TaskUpdated{
		TaskID:      task.ID,
		Status:      task.Status,
		Column:      task.Column(len(blockers), inReview, task.BlockReason != ""),
		Assignee:    task.Assignee,
		BlockReason: task.BlockReason,
	})
}

// publishStatus emits the periodic orchestrator snapshot.
func (o *Orchestrator) publishStatus() {
	counters, err := o.store.Counters(o.cfg.ProjectID)
	if err != nil {
		log.Printf("[scheduler] load counters: %v", err)
		counters = &models.Counters{}
	}

	o.mu.Lock()
	var active []events.ActiveTask
	for _, s := range o.slots.active() {
		active = append(active, events.ActiveTask{TaskID: s.TaskID, Phase: s.Phase, Attempt: s.Attempt})
	}
	awaiting := len(o.hilRequests)
	o.mu.Unlock()

	o.publish(events.TopicExecuteStatus, "", events.ExecuteStatus{
		ActiveTasks:      active,
		QueueDepth:       counters.QueueDepth,
		AwaitingApproval: awaiting,
		TotalDone:        counters.TotalDone,
		TotalFailed:      counters.TotalFailed,
	})
}

func (o *Orchestrator) publishStatusError(err error) {
	log.Printf("[scheduler] invariant violation: %v", err)
	o.publish(events.TopicExecuteStatus, "", events.ExecuteStatus{Error: err.Error()})
}
