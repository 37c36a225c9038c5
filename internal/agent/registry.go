package agent

import (
	"log"
	"sync"
	"syscall"
	"time"
)

// Registry tracks every spawned agent process group so a shutdown can
// reliably sweep them. Registration and unregistration are O(1).
type Registry struct {
	mu      sync.Mutex
	entries map[int]registryEntry
}

type registryEntry struct {
	pgid   int
	taskID string
}

// NewRegistry creates an empty process registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int]registryEntry)}
}

// Register tracks a process by pid and process-group id.
func (r *Registry) Register(pid, pgid int, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[pid] = registryEntry{pgid: pgid, taskID: taskID}
}

// Unregister stops tracking a pid. Unknown pids are ignored.
func (r *Registry) Unregister(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, pid)
}

// Tracked returns the currently tracked pids.
func (r *Registry) Tracked() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.entries))
	for pid := range r.entries {
		pids = append(pids, pid)
	}
	return pids
}

// Shutdown sends SIGTERM to every tracked process group, waits out the
// grace window, then SIGKILLs whatever is still tracked. Callers are
// expected to Unregister as their processes exit.
func (r *Registry) Shutdown(grace time.Duration) {
	r.mu.Lock()
	groups := make(map[int]string)
	for _, e := range r.entries {
		groups[e.pgid] = e.taskID
	}
	r.mu.Unlock()

	if len(groups) == 0 {
		return
	}
	for pgid, taskID := range groups {
		log.Printf("[registry] terminating agent group %d (task %s)", pgid, taskID)
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		remaining := len(r.entries)
		r.mu.Unlock()
		if remaining == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		log.Printf("[registry] force-killing agent group %d (task %s)", e.pgid, e.taskID)
		_ = syscall.Kill(-e.pgid, syscall.SIGKILL)
	}
}
