package orchestrator

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/opensprint/opensprint/internal/store"
	"github.com/opensprint/opensprint/pkg/models"
)

// controlFile is the JSON body of a control drop-file. All fields are
// optional; the filename carries the command and its target.
type controlFile struct {
	Reply string `json:"reply,omitempty"`
}

// startControlWatcher watches .opensprint/control/ for operator
// drop-files:
//
//	unblock-<taskId>.json    clear the block and requeue the task
//	done-<taskId>.json       close the task manually
//	hil-reply-<requestId>.json  answer a pending clarification request
//
// Files are consumed (deleted) after they are applied. Files already
// present at startup are applied before watching begins.
func (o *Orchestrator) startControlWatcher(ctx context.Context) (*fsnotify.Watcher, error) {
	dir := filepath.Join(o.cfg.WorkspaceRoot(), "control")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	// Drain files dropped while the orchestrator was not running.
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				o.applyControlFile(filepath.Join(dir, e.Name()))
			}
		}
	}

	o.group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if ev.Op&fsnotify.Create != 0 || ev.Op&fsnotify.Write != 0 {
					o.applyControlFile(ev.Name)
				}
			case werr, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("[control] watch error: %v", werr)
			}
		}
	})
	return watcher, nil
}

// applyControlFile dispatches one drop-file by name and consumes it.
func (o *Orchestrator) applyControlFile(path string) {
	name := filepath.Base(path)
	if !strings.HasSuffix(name, ".json") {
		return
	}
	stem := strings.TrimSuffix(name, ".json")

	raw, err := os.ReadFile(path)
	if err != nil {
		// Editors write then rename; the create event can fire for a
		// path that is already gone.
		return
	}
	var body controlFile
	if err := json.Unmarshal(raw, &body); err != nil && len(raw) > 0 {
		log.Printf("[control] %s: malformed body: %v", name, err)
	}

	switch {
	case strings.HasPrefix(stem, "unblock-"):
		o.unblockTask(strings.TrimPrefix(stem, "unblock-"), body.Reply)
	case strings.HasPrefix(stem, "done-"):
		o.markDone(strings.TrimPrefix(stem, "done-"))
	case strings.HasPrefix(stem, "hil-reply-"):
		o.applyHILReply(strings.TrimPrefix(stem, "hil-reply-"), body.Reply)
	default:
		log.Printf("[control] ignoring unknown file %s", name)
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[control] remove %s: %v", name, err)
	}
	o.Nudge()
}

// unblockTask clears a task's block reason and stores the optional
// operator reply for the next attempt's prompt.
func (o *Orchestrator) unblockTask(taskID, reply string) {
	task, err := o.store.Show(taskID)
	if err != nil {
		log.Printf("[control] unblock %s: %v", taskID, err)
		return
	}

	empty := ""
	open := models.TaskStatusOpen
	if err := o.store.Update(taskID, store.TaskPatch{Status: &open, BlockReason: &empty}); err != nil {
		log.Printf("[control] unblock %s: %v", taskID, err)
		return
	}
	task.Status = models.TaskStatusOpen
	task.BlockReason = ""

	o.mu.Lock()
	if reply != "" {
		o.hilReplies[taskID] = reply
	}
	// Any pending clarification request for this task is now moot.
	for reqID, tid := range o.hilRequests {
		if tid == taskID {
			delete(o.hilRequests, reqID)
		}
	}
	o.mu.Unlock()

	o.publishTaskUpdated(task)
	log.Printf("[control] unblocked %s", taskID)
}

// markDone closes a task by operator request.
func (o *Orchestrator) markDone(taskID string) {
	task, err := o.store.Show(taskID)
	if err != nil {
		log.Printf("[control] done %s: %v", taskID, err)
		return
	}

	closed := models.TaskStatusClosed
	reason := "manual"
	empty := ""
	if err := o.store.Update(taskID, store.TaskPatch{Status: &closed, ClosedReason: &reason, BlockReason: &empty}); err != nil {
		log.Printf("[control] done %s: %v", taskID, err)
		return
	}
	task.Status = models.TaskStatusClosed
	task.ClosedReason = reason
	task.BlockReason = ""

	if err := o.store.Sync(o.cfg.ProjectID); err != nil {
		log.Printf("[control] sync counters: %v", err)
	}
	o.publishTaskUpdated(task)
	log.Printf("[control] closed %s manually", taskID)
}

// applyHILReply routes a clarification answer to its task and unblocks it.
func (o *Orchestrator) applyHILReply(requestID, reply string) {
	o.mu.Lock()
	taskID, ok := o.hilRequests[requestID]
	if ok {
		delete(o.hilRequests, requestID)
	}
	o.mu.Unlock()
	if !ok {
		log.Printf("[control] hil reply for unknown request %s", requestID)
		return
	}
	log.Printf("[control] clarification reply for %s (request %s)", taskID, requestID)
	o.unblockTask(taskID, reply)
}
