package git

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// TaskWorktree describes one per-task worktree under the workspace root.
type TaskWorktree struct {
	TaskID string `json:"task_id"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// PendingCommit records a salvage commit made when the main working tree
// was dirty at worktree creation time.
type PendingCommit struct {
	Branch    string    `json:"branch"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// MergeResult is the outcome of MergeToMain.
type MergeResult struct {
	// OK indicates the merge completed cleanly.
	OK bool
	// Conflicts lists conflicted files when OK is false. The repository
	// is left in merge-in-progress state for the merger agent.
	Conflicts []string
}

// PushResult is the outcome of PushMain.
type PushResult struct {
	// OK indicates the push landed.
	OK bool
	// NeedsRebase indicates the remote rejected the push and a rebase
	// onto origin/main stopped on conflicts.
	NeedsRebase bool
	// Conflicts lists conflicted files when NeedsRebase is true.
	Conflicts []string
}

// Workspace manages per-task git state: branches, worktrees, diffs, and
// the merge/push/rebase operations the merge coordinator drives.
type Workspace struct {
	repoPath   string
	mainBranch string
	// worktreeRoot is the gitignored directory worktrees live under.
	worktreeRoot string
	// pendingPath is the salvage-commit bookkeeping file.
	pendingPath string
	// stateDir is the workspace root relative to the repo; its entries
	// never count as dirt and are never salvaged.
	stateDir string
	git      Runner
}

// NewWorkspace creates a Workspace for the repository at repoPath.
// workspaceRoot is the .opensprint directory.
func NewWorkspace(repoPath, workspaceRoot, mainBranch string, runner Runner) *Workspace {
	if runner == nil {
		runner = NewRunner(repoPath)
	}
	w := &Workspace{
		repoPath:     repoPath,
		mainBranch:   mainBranch,
		worktreeRoot: filepath.Join(workspaceRoot, "worktrees"),
		pendingPath:  filepath.Join(workspaceRoot, "pending-commits.json"),
		git:          runner,
	}
	if rel, err := filepath.Rel(repoPath, workspaceRoot); err == nil && !strings.HasPrefix(rel, "..") {
		w.stateDir = rel
	}
	return w
}

// RepoPath returns the path to the main repository.
func (w *Workspace) RepoPath() string {
	return w.repoPath
}

// MainBranch returns the integration branch name.
func (w *Workspace) MainBranch() string {
	return w.mainBranch
}

// TaskBranch returns the feature branch name for a task.
func TaskBranch(taskID string) string {
	return "task/" + taskID
}

// taskFromBranch extracts the task id from a feature branch name.
func taskFromBranch(branch string) (string, bool) {
	if rest, ok := strings.CutPrefix(branch, "task/"); ok && rest != "" {
		return rest, true
	}
	return "", false
}

// CreateOrCheckoutBranch checks the branch out, creating it from the
// current HEAD of main when it does not exist. Calling it twice with the
// same arguments leaves the repository in the same state.
func (w *Workspace) CreateOrCheckoutBranch(branch string) error {
	exists, err := w.git.BranchExists(branch)
	if err != nil {
		return fmt.Errorf("create or checkout %s: %w", branch, err)
	}
	if exists {
		current, err := w.git.CurrentBranch()
		if err == nil && current == branch {
			return nil
		}
		if err := w.git.CheckoutBranch(branch); err != nil {
			return fmt.Errorf("checkout %s: %w", branch, err)
		}
		return nil
	}
	if err := w.git.CheckoutBranch(w.mainBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", w.mainBranch, err)
	}
	if err := w.git.CreateAndCheckoutBranch(branch); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

// CreateTaskWorktree allocates a worktree for the task under the
// worktree root. A worktree left registered by a previous attempt is
// reused, so retries keep building on the task branch. A dirty main
// working tree is salvaged into a commit on a salvage branch first so
// the worktree can be created from a clean state; the salvage is
// recorded in pending-commits.json.
func (w *Workspace) CreateTaskWorktree(taskID, branch string) (string, error) {
	path := filepath.Join(w.worktreeRoot, taskID)

	worktrees, err := w.ListTaskWorktrees()
	if err != nil {
		return "", err
	}
	for _, wt := range worktrees {
		if wt.Path != path {
			continue
		}
		if wt.Branch == branch {
			return path, nil
		}
		if err := w.git.WorktreeRemove(path, true); err != nil {
			return "", fmt.Errorf("remove stale worktree for %s: %w", taskID, err)
		}
	}

	files, err := w.dirtyFiles()
	if err != nil {
		return "", fmt.Errorf("check working tree: %w", err)
	}
	if len(files) > 0 {
		if err := w.salvageDirtyTree(files); err != nil {
			return "", err
		}
	}

	if err := os.MkdirAll(w.worktreeRoot, 0755); err != nil {
		return "", fmt.Errorf("create worktree root: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		// A directory with no registered worktree is a leftover from a
		// crashed removal; git refuses to add over it.
		if err := w.git.WorktreePrune(); err != nil {
			log.Printf("[workspace] prune worktrees: %v", err)
		}
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("clear stale worktree dir for %s: %w", taskID, err)
		}
	}

	exists, err := w.git.BranchExists(branch)
	if err != nil {
		return "", fmt.Errorf("check branch %s: %w", branch, err)
	}
	if exists {
		err = w.git.WorktreeAdd(path, branch)
	} else {
		err = w.git.WorktreeAddNewBranch(path, branch)
	}
	if err != nil {
		return "", fmt.Errorf("add worktree for %s: %w", taskID, err)
	}
	return path, nil
}

// dirtyFiles lists uncommitted changes in the main working tree. The
// orchestrator's own state directory does not count.
func (w *Workspace) dirtyFiles() ([]string, error) {
	status, err := w.git.Status()
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) <= 3 {
			continue
		}
		name := strings.TrimSpace(line[3:])
		if w.stateDir != "" &&
			(name == w.stateDir || name == w.stateDir+"/" || strings.HasPrefix(name, w.stateDir+"/")) {
			continue
		}
		files = append(files, name)
	}
	return files, nil
}

// salvageDirtyTree commits outstanding main-tree changes onto a salvage
// branch and records the commit so an operator can recover it.
func (w *Workspace) salvageDirtyTree(files []string) error {
	original, err := w.git.CurrentBranch()
	if err != nil {
		return fmt.Errorf("salvage: current branch: %w", err)
	}

	salvage := fmt.Sprintf("salvage/%s", time.Now().UTC().Format("20060102-150405"))
	if err := w.git.CreateAndCheckoutBranch(salvage); err != nil {
		return fmt.Errorf("salvage: create branch: %w", err)
	}
	if err := w.git.AddAll(); err != nil {
		return fmt.Errorf("salvage: stage changes: %w", err)
	}
	if err := w.git.Commit("salvage: uncommitted changes before worktree creation"); err != nil {
		return fmt.Errorf("salvage: commit: %w", err)
	}
	if err := w.git.CheckoutBranch(original); err != nil {
		return fmt.Errorf("salvage: return to %s: %w", original, err)
	}

	if err := w.recordPendingCommit(PendingCommit{
		Branch:    salvage,
		Files:     files,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		// Bookkeeping only; the salvage branch itself is safe.
		log.Printf("[workspace] record pending commit: %v", err)
	}
	log.Printf("[workspace] salvaged dirty tree to %s (%d files)", salvage, len(files))
	return nil
}

// recordPendingCommit appends an entry to pending-commits.json atomically.
func (w *Workspace) recordPendingCommit(pc PendingCommit) error {
	pending, _ := w.PendingCommits()
	pending = append(pending, pc)
	data, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending commits: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.pendingPath), 0755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	if err := renameio.WriteFile(w.pendingPath, data, 0644); err != nil {
		return fmt.Errorf("write pending commits: %w", err)
	}
	return nil
}

// PendingCommits returns the recorded salvage commits.
func (w *Workspace) PendingCommits() ([]PendingCommit, error) {
	data, err := os.ReadFile(w.pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending commits: %w", err)
	}
	var pending []PendingCommit
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, fmt.Errorf("parse pending commits: %w", err)
	}
	return pending, nil
}

// RemoveTaskWorktree removes the task's worktree and deletes its feature
// branch if (and only if) the branch is merged. Individual failures are
// logged and skipped; removing an already-removed worktree succeeds.
func (w *Workspace) RemoveTaskWorktree(taskID, path string) error {
	if path == "" {
		path = filepath.Join(w.worktreeRoot, taskID)
	}

	if _, err := os.Stat(path); err == nil {
		if err := w.git.WorktreeRemove(path, true); err != nil {
			log.Printf("[workspace] remove worktree %s: %v", path, err)
		}
	}
	if err := w.git.WorktreePrune(); err != nil {
		log.Printf("[workspace] prune worktrees: %v", err)
	}

	branch := TaskBranch(taskID)
	exists, err := w.git.BranchExists(branch)
	if err != nil || !exists {
		return nil
	}
	merged, err := w.git.BranchMerged(branch, w.mainBranch)
	if err != nil {
		log.Printf("[workspace] check merged %s: %v", branch, err)
		return nil
	}
	if merged {
		if err := w.git.DeleteBranch(branch); err != nil {
			log.Printf("[workspace] delete branch %s: %v", branch, err)
		}
	}
	return nil
}

// GetDiff produces the main...branch unified diff. A missing branch
// yields an empty string; callers fall back to the session archive.
func (w *Workspace) GetDiff(branch string) (string, error) {
	exists, err := w.git.BranchExists(branch)
	if err != nil {
		return "", fmt.Errorf("get diff %s: %w", branch, err)
	}
	if !exists {
		return "", nil
	}
	diff, err := w.git.DiffRange(w.mainBranch, branch)
	if err != nil {
		return "", fmt.Errorf("diff %s...%s: %w", w.mainBranch, branch, err)
	}
	return diff, nil
}

// ChangedFiles returns the files a branch touches relative to main.
func (w *Workspace) ChangedFiles(branch string) ([]string, error) {
	exists, err := w.git.BranchExists(branch)
	if err != nil || !exists {
		return nil, err
	}
	return w.git.ChangedFilesRelative(branch, w.mainBranch)
}

// MergeToMain merges the branch into main, fast-forwarding when
// possible. On conflict the repository is left merge-in-progress and the
// conflicted files are returned for the merger agent.
func (w *Workspace) MergeToMain(branch string) (MergeResult, error) {
	if err := w.git.CheckoutBranch(w.mainBranch); err != nil {
		return MergeResult{}, fmt.Errorf("checkout %s: %w", w.mainBranch, err)
	}
	err := w.git.Merge(branch)
	if err == nil {
		return MergeResult{OK: true}, nil
	}
	if KindOf(err) == KindConflict {
		conflicts, cerr := w.git.ConflictedFiles()
		if cerr != nil {
			log.Printf("[workspace] list conflicts: %v", cerr)
		}
		return MergeResult{Conflicts: conflicts}, nil
	}
	return MergeResult{}, fmt.Errorf("merge %s: %w", branch, err)
}

// CompleteMerge finishes a conflicted merge after resolution: stages
// everything and commits if the merge is still in progress.
func (w *Workspace) CompleteMerge(branch string) error {
	if !w.git.MergeInProgress() {
		return nil
	}
	if err := w.git.AddAll(); err != nil {
		return fmt.Errorf("stage resolution: %w", err)
	}
	if err := w.git.Commit(fmt.Sprintf("merge %s", branch)); err != nil {
		return fmt.Errorf("commit resolution: %w", err)
	}
	return nil
}

// AbortMerge abandons an in-progress merge or rebase, whichever is active.
func (w *Workspace) AbortMerge() error {
	if w.git.RebaseInProgress() {
		if err := w.git.RebaseAbort(); err != nil {
			return fmt.Errorf("abort rebase: %w", err)
		}
		return nil
	}
	if w.git.MergeInProgress() {
		if err := w.git.MergeAbort(); err != nil {
			return fmt.Errorf("abort merge: %w", err)
		}
	}
	return nil
}

// PushMain pushes main to origin. On a non-fast-forward rejection it
// fetches and rebases onto origin/main; a clean rebase is pushed again,
// a conflicted one is reported for the merger agent.
func (w *Workspace) PushMain() (PushResult, error) {
	if err := w.git.CheckoutBranch(w.mainBranch); err != nil {
		return PushResult{}, fmt.Errorf("checkout %s: %w", w.mainBranch, err)
	}

	err := w.git.Push()
	if err == nil {
		return PushResult{OK: true}, nil
	}
	if KindOf(err) != KindRemoteReject {
		return PushResult{}, fmt.Errorf("push %s: %w", w.mainBranch, err)
	}

	log.Printf("[workspace] push rejected, rebasing onto origin/%s", w.mainBranch)
	if err := w.git.Fetch(); err != nil {
		return PushResult{}, fmt.Errorf("fetch origin: %w", err)
	}
	rerr := w.git.Rebase("origin/" + w.mainBranch)
	if rerr != nil {
		if KindOf(rerr) == KindConflict {
			conflicts, _ := w.git.ConflictedFiles()
			return PushResult{NeedsRebase: true, Conflicts: conflicts}, nil
		}
		return PushResult{}, fmt.Errorf("rebase onto origin/%s: %w", w.mainBranch, rerr)
	}

	if err := w.git.Push(); err != nil {
		return PushResult{}, fmt.Errorf("push after rebase: %w", err)
	}
	return PushResult{OK: true}, nil
}

// ConflictDiff returns the working-tree diff while a merge or rebase is
// in progress. The output includes conflict markers.
func (w *Workspace) ConflictDiff() (string, error) {
	return w.git.Run("diff")
}

// ContinueRebase resumes a conflicted rebase after resolution.
func (w *Workspace) ContinueRebase() error {
	if err := w.git.AddAll(); err != nil {
		return fmt.Errorf("stage resolution: %w", err)
	}
	if err := w.git.RebaseContinue(); err != nil {
		return fmt.Errorf("continue rebase: %w", err)
	}
	return nil
}

// RebaseInProgress reports whether the repo is mid-rebase.
func (w *Workspace) RebaseInProgress() bool {
	return w.git.RebaseInProgress()
}

// ListTaskWorktrees parses `git worktree list` output into the task
// worktrees under the workspace root.
func (w *Workspace) ListTaskWorktrees() ([]TaskWorktree, error) {
	out, err := w.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var result []TaskWorktree
	var current TaskWorktree
	flush := func() {
		if current.Path == "" {
			return
		}
		if strings.HasPrefix(current.Path, w.worktreeRoot) {
			if taskID, ok := taskFromBranch(current.Branch); ok {
				current.TaskID = taskID
				result = append(result, current)
			}
		}
		current = TaskWorktree{}
	}

	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(ref, "refs/heads/")
		}
	}
	flush()
	return result, nil
}
