package git

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrorKind classifies git failures into the categories the merge and
// workspace layers react to. Anything unrecognized is KindOther.
type ErrorKind string

const (
	// KindDirtyTree means the working tree had uncommitted changes.
	KindDirtyTree ErrorKind = "dirty_tree"
	// KindConflict means a merge or rebase stopped on conflicts.
	KindConflict ErrorKind = "conflict"
	// KindRemoteReject means the remote refused a non-fast-forward push.
	KindRemoteReject ErrorKind = "remote_reject"
	// KindMissingBranch means a named ref does not exist.
	KindMissingBranch ErrorKind = "missing_branch"
	// KindToolAbsent means the git executable could not be found.
	KindToolAbsent ErrorKind = "tool_absent"
	// KindOther covers everything else.
	KindOther ErrorKind = "other"
)

// Error wraps a failed git invocation with its classification and the
// captured output.
type Error struct {
	Kind   ErrorKind
	Args   []string
	Output string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

// Unwrap returns the underlying exec error.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindOther for non-git errors.
func KindOf(err error) ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindOther
}

// classify builds an *Error from a failed git invocation.
func classify(args []string, err error, output string) error {
	kind := KindOther
	lower := strings.ToLower(output)

	switch {
	case errors.Is(err, exec.ErrNotFound):
		kind = KindToolAbsent
	case strings.Contains(lower, "conflict"),
		strings.Contains(lower, "needs merge"),
		strings.Contains(lower, "could not apply"):
		kind = KindConflict
	case strings.Contains(lower, "non-fast-forward"),
		strings.Contains(lower, "fetch first"),
		strings.Contains(lower, "! [rejected]"),
		strings.Contains(lower, "[rejected]"):
		kind = KindRemoteReject
	case strings.Contains(lower, "would be overwritten"),
		strings.Contains(lower, "uncommitted changes"),
		strings.Contains(lower, "unstaged changes"),
		strings.Contains(lower, "not possible because you have unmerged files"):
		kind = KindDirtyTree
	case strings.Contains(lower, "unknown revision"),
		strings.Contains(lower, "did not match any"),
		strings.Contains(lower, "not a valid ref"),
		strings.Contains(lower, "no such branch"),
		strings.Contains(lower, "invalid reference"):
		kind = KindMissingBranch
	}

	return &Error{Kind: kind, Args: args, Output: output, Err: err}
}
