// Package agent spawns coding, review, and merger agents as child
// processes, streams their output, and enforces timeouts.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DefaultKillGrace is how long a soft-killed process gets before the
// whole group is hard-killed.
const DefaultKillGrace = 5 * time.Second

// ExitReason classifies how a spawned agent ended.
type ExitReason string

const (
	ReasonExit       ExitReason = "exit"
	ReasonTimeout    ExitReason = "timeout"
	ReasonCancelled  ExitReason = "cancelled"
	ReasonSpawnError ExitReason = "spawn_error"
)

// Spec describes one agent invocation.
type Spec struct {
	// Command is the agent executable.
	Command string
	// Args are passed verbatim to the executable.
	Args []string
	// Env entries are appended to the current environment.
	Env []string
	// Dir is the working directory the agent runs in.
	Dir string
	// Timeout bounds the run; zero means no timeout.
	Timeout time.Duration
	// KillGrace is the window between SIGTERM and SIGKILL.
	// Zero means DefaultKillGrace.
	KillGrace time.Duration
	// OnLine receives each output line as it arrives. May be nil.
	OnLine func(line string)
	// TaskID labels the process in the registry and logs.
	TaskID string
}

// Result is the outcome of one agent run.
type Result struct {
	// Reason says how the process ended.
	Reason ExitReason
	// ExitCode is the process exit code when Reason is ReasonExit.
	ExitCode int
	// Output is the bounded tail of combined stdout and stderr.
	Output string
	// Duration is wall-clock time from spawn to exit.
	Duration time.Duration
	// Err carries the spawn error when Reason is ReasonSpawnError.
	Err error
}

// Runner spawns agents in their own process groups and registers them
// for shutdown sweeps.
type Runner struct {
	registry *Registry
}

// NewRunner creates a Runner backed by the given registry.
func NewRunner(registry *Registry) *Runner {
	return &Runner{registry: registry}
}

// Run spawns the agent and blocks until it exits, is timed out, or the
// context is cancelled. Output is captured line-by-line into a bounded
// ring and forwarded to spec.OnLine.
func (r *Runner) Run(ctx context.Context, spec Spec) *Result {
	start := time.Now()
	ring := NewRing(0, 0)

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	// Own process group so the whole agent tree can be killed at once.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &Result{Reason: ReasonSpawnError, Err: fmt.Errorf("stdout pipe: %w", err), Duration: time.Since(start)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &Result{Reason: ReasonSpawnError, Err: fmt.Errorf("stderr pipe: %w", err), Duration: time.Since(start)}
	}

	if err := cmd.Start(); err != nil {
		return &Result{Reason: ReasonSpawnError, Err: fmt.Errorf("start %s: %w", spec.Command, err), Duration: time.Since(start)}
	}

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	r.registry.Register(pid, pgid, spec.TaskID)
	defer r.registry.Unregister(pid)

	var wg sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		wg.Add(1)
		go func(rd io.Reader) {
			defer wg.Done()
			scanner := bufio.NewScanner(rd)
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				ring.Append(line)
				if spec.OnLine != nil {
					spec.OnLine(line)
				}
			}
		}(pipe)
	}

	// Killer goroutine: on cancellation or timeout, soft-kill the
	// group, then hard-kill after the grace window.
	waitDone := make(chan struct{})
	go func() {
		select {
		case <-runCtx.Done():
		case <-waitDone:
			return
		}
		grace := spec.KillGrace
		if grace <= 0 {
			grace = DefaultKillGrace
		}
		log.Printf("[agent] soft-killing group %d (task %s): %v", pgid, spec.TaskID, runCtx.Err())
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
		select {
		case <-time.After(grace):
			log.Printf("[agent] hard-killing group %d (task %s)", pgid, spec.TaskID)
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		case <-waitDone:
		}
	}()

	wg.Wait()
	waitErr := cmd.Wait()
	close(waitDone)

	result := &Result{
		Output:   ring.String(),
		Duration: time.Since(start),
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		result.Reason = ReasonTimeout
	case ctx.Err() != nil:
		result.Reason = ReasonCancelled
	default:
		result.Reason = ReasonExit
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				result.ExitCode = exitErr.ExitCode()
			} else {
				result.ExitCode = -1
			}
		}
	}
	return result
}
