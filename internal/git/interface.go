package git

// Runner defines the git operations the core depends on.
// This abstraction allows mocking git in tests. The set of verbs is
// intentionally closed; anything else is outside the core's contract.
type Runner interface {
	// Run executes an arbitrary git command and returns trimmed output.
	Run(args ...string) (string, error)

	// Init initializes a repository (used by `opensprint init` and tests).
	Init() error
	// RevParse resolves a ref to a commit hash.
	RevParse(ref string) (string, error)
	// CurrentBranch returns the name of the checked-out branch.
	CurrentBranch() (string, error)

	// CreateBranch creates a branch at the current HEAD without switching.
	CreateBranch(name string) error
	// CheckoutBranch switches to the given branch.
	CheckoutBranch(name string) error
	// CreateAndCheckoutBranch creates and switches to a new branch.
	CreateAndCheckoutBranch(name string) error
	// BranchExists reports whether a local branch exists.
	BranchExists(name string) (bool, error)
	// BranchMerged reports whether branch is fully merged into target.
	BranchMerged(branch, target string) (bool, error)
	// DeleteBranch force-deletes a local branch.
	DeleteBranch(name string) error

	// Status returns `git status --porcelain` output.
	Status() (string, error)
	// AddAll stages every change in the working tree.
	AddAll() error
	// Commit creates a commit with the given message.
	Commit(message string) error

	// DiffRange returns the `base...branch` unified diff.
	DiffRange(base, branch string) (string, error)
	// ChangedFilesRelative returns files changed on branch relative to base.
	ChangedFilesRelative(branch, base string) ([]string, error)
	// ConflictedFiles returns files with unmerged changes.
	ConflictedFiles() ([]string, error)

	// Merge fast-forwards or merges branch into the current branch.
	Merge(branch string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// MergeInProgress reports whether a merge is underway.
	MergeInProgress() bool

	// Fetch updates remote-tracking refs from origin.
	Fetch() error
	// Push pushes the current branch to origin.
	Push() error
	// Rebase rebases the current branch onto the given base.
	Rebase(base string) error
	// RebaseContinue continues a rebase after conflicts are resolved.
	RebaseContinue() error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
	// RebaseInProgress reports whether a rebase is underway.
	RebaseInProgress() bool

	// WorktreeAdd creates a worktree at path for an existing branch.
	WorktreeAdd(path, branch string) error
	// WorktreeAddNewBranch creates a worktree with a new branch.
	WorktreeAddNewBranch(path, branch string) error
	// WorktreeRemove removes the worktree at path, forcing if asked.
	WorktreeRemove(path string, force bool) error
	// WorktreeListPorcelain returns `git worktree list --porcelain` output.
	WorktreeListPorcelain() (string, error)
	// WorktreePrune removes stale worktree bookkeeping entries.
	WorktreePrune() error
}
