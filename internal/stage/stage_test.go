package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opensprint/opensprint/pkg/models"
)

type fakeLibrary struct {
	tasks    map[string]*models.Task
	deps     map[string][]models.Dependency
	sessions map[string][]*models.Session
}

func (f *fakeLibrary) Show(taskID string) (*models.Task, error) {
	t, ok := f.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return t, nil
}

func (f *fakeLibrary) Dependencies(taskID string) ([]models.Dependency, error) {
	return f.deps[taskID], nil
}

func (f *fakeLibrary) LoadSessions(taskID string) ([]*models.Session, error) {
	return f.sessions[taskID], nil
}

func (f *fakeLibrary) Comments(string) ([]string, error) { return nil, nil }

type fakeDiffer struct {
	diffs map[string]string
}

func (f *fakeDiffer) GetDiff(branch string) (string, error) {
	return f.diffs[branch], nil
}

type fakeSummarizer struct {
	summary string
	calls   int
}

func (f *fakeSummarizer) Summarize(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.summary, nil
}

func testTask(id string) *models.Task {
	return &models.Task{
		ID:          id,
		ProjectID:   "proj",
		Title:       "add rate limiter",
		Description: "Add a token bucket rate limiter to the API layer.",
		Type:        models.TaskTypeTask,
		Status:      models.TaskStatusOpen,
	}
}

func newAssembler(t *testing.T, lib *fakeLibrary, differ *fakeDiffer) *Assembler {
	t.Helper()
	if lib.tasks == nil {
		lib.tasks = map[string]*models.Task{}
	}
	return New(t.TempDir(), lib, differ, nil)
}

func TestStageRuntimeConfigKeys(t *testing.T) {
	lib := &fakeLibrary{}
	a := newAssembler(t, lib, &fakeDiffer{})
	a.RepoPath = "/repo"
	a.HILConfig = map[string]string{"dependency_change": "requires_approval"}
	task := testTask("T1")

	_, err := a.Stage(context.Background(), Request{
		Task:        task,
		Phase:       models.PhaseCoding,
		Attempt:     2,
		WorkDir:     "/work/T1",
		TestCommand: "go test ./...",
		Retry: RetryContext{
			PreviousFailure:    "test_failure",
			PreviousTestOutput: "FAIL: boom",
			ReviewerIssues:     []string{"missing tests", "no error handling"},
		},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	b, err := os.ReadFile(filepath.Join(a.TaskDir("T1"), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("config.json: %v", err)
	}

	// The key names are the contract agents are built against.
	want := map[string]any{
		"taskId":             "T1",
		"phase":              "coding",
		"branch":             "task/T1",
		"testCommand":        "go test ./...",
		"useExistingBranch":  true,
		"attempt":            float64(2),
		"previousFailure":    "test_failure",
		"previousTestOutput": "FAIL: boom",
		"reviewFeedback":     "missing tests; no error handling",
		"repoPath":           "/repo",
	}
	for key, v := range want {
		got, ok := raw[key]
		if !ok {
			t.Errorf("config.json missing key %q", key)
			continue
		}
		if got != v {
			t.Errorf("%s = %v, want %v", key, got, v)
		}
	}
	hil, ok := raw["hilConfig"].(map[string]any)
	if !ok || hil["dependency_change"] != "requires_approval" {
		t.Errorf("hilConfig = %v", raw["hilConfig"])
	}
}

func TestStageCodingWritesArtifacts(t *testing.T) {
	lib := &fakeLibrary{}
	a := newAssembler(t, lib, &fakeDiffer{})
	task := testTask("T1")

	// A stale result from an earlier attempt must be cleared.
	if err := os.MkdirAll(a.TaskDir("T1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(a.ResultPath("T1"), []byte(`{"status":"success"}`), 0644); err != nil {
		t.Fatal(err)
	}

	promptPath, err := a.Stage(context.Background(), Request{
		Task:        task,
		Phase:       models.PhaseCoding,
		Attempt:     1,
		Model:       "claude-sonnet-4-20250514",
		WorkDir:     "/work/T1",
		TestCommand: "go test ./...",
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	if _, err := os.Stat(a.ResultPath("T1")); !os.IsNotExist(err) {
		t.Error("stale result.json must be removed")
	}
	for _, rel := range []string{"config.json", "context/plan.md", "context/prd_excerpt.md", "prompt.md"} {
		if _, err := os.Stat(filepath.Join(a.TaskDir("T1"), rel)); err != nil {
			t.Errorf("missing artifact %s: %v", rel, err)
		}
	}

	var rc RuntimeConfig
	b, err := os.ReadFile(filepath.Join(a.TaskDir("T1"), "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(b, &rc); err != nil {
		t.Fatalf("config.json: %v", err)
	}
	if rc.Branch != "task/T1" || rc.Phase != "coding" || rc.Attempt != 1 {
		t.Errorf("config = %+v", rc)
	}
	if rc.Version != promptVersion {
		t.Errorf("prompt version = %q", rc.Version)
	}

	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		t.Fatal(err)
	}
	text := string(prompt)
	for _, want := range []string{task.Title, task.Description, "result.json", "go test ./...", `"status": "success" | "failed"`} {
		if !strings.Contains(text, want) {
			t.Errorf("coding prompt missing %q", want)
		}
	}
	if strings.Contains(text, "Previous attempt") {
		t.Error("attempt 1 prompt must not carry retry context")
	}
}

func TestStageRetryContext(t *testing.T) {
	a := newAssembler(t, &fakeLibrary{}, &fakeDiffer{})
	promptPath, err := a.Stage(context.Background(), Request{
		Task:    testTask("T1"),
		Phase:   models.PhaseCoding,
		Attempt: 3,
		Retry: RetryContext{
			PreviousFailure:    "test_failure",
			PreviousTestOutput: "FAIL: TestBucket",
			ReviewerIssues:     []string{"missing tests", "unhandled error"},
			ClarificationReply: "Use a fixed window of 10s.",
		},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	b, _ := os.ReadFile(promptPath)
	text := string(b)
	for _, want := range []string{"test_failure", "FAIL: TestBucket", "missing tests", "unhandled error", "Use a fixed window of 10s."} {
		if !strings.Contains(text, want) {
			t.Errorf("retry prompt missing %q", want)
		}
	}
}

func TestStageTruncatesTestOutput(t *testing.T) {
	a := newAssembler(t, &fakeLibrary{}, &fakeDiffer{})
	long := strings.Repeat("x", testOutputLimit+500)
	promptPath, err := a.Stage(context.Background(), Request{
		Task:    testTask("T1"),
		Phase:   models.PhaseCoding,
		Attempt: 2,
		Retry:   RetryContext{PreviousFailure: "test_failure", PreviousTestOutput: long},
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	b, _ := os.ReadFile(promptPath)
	if !strings.Contains(string(b), "[output truncated]") {
		t.Error("long test output must be truncated")
	}
	if strings.Contains(string(b), long) {
		t.Error("full output leaked into prompt")
	}
}

func TestStageReview(t *testing.T) {
	differ := &fakeDiffer{diffs: map[string]string{
		"task/T1": "diff --git a/x.go b/x.go\n+added",
	}}
	a := newAssembler(t, &fakeLibrary{}, differ)

	promptPath, err := a.Stage(context.Background(), Request{
		Task:    testTask("T1"),
		Phase:   models.PhaseReview,
		Attempt: 1,
	})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	diff, err := os.ReadFile(filepath.Join(a.TaskDir("T1"), "context", "implementation.diff"))
	if err != nil {
		t.Fatalf("implementation.diff: %v", err)
	}
	if !strings.Contains(string(diff), "+added") {
		t.Errorf("diff content = %q", diff)
	}

	b, _ := os.ReadFile(promptPath)
	text := string(b)
	if !strings.Contains(text, "context/implementation.diff") {
		t.Error("review prompt must point at the staged diff")
	}
	if !strings.Contains(text, `"approved" | "rejected"`) {
		t.Error("review prompt must state the result schema")
	}
}

func TestStageReviewFallsBackToArchivedDiff(t *testing.T) {
	lib := &fakeLibrary{
		sessions: map[string][]*models.Session{
			"T1": {
				{TaskID: "T1", Attempt: 1, Status: models.SessionFailed, GitDiff: "old"},
				{TaskID: "T1", Attempt: 2, Status: models.SessionApproved, GitDiff: "archived diff"},
			},
		},
	}
	a := newAssembler(t, lib, &fakeDiffer{})

	if _, err := a.Stage(context.Background(), Request{
		Task:  testTask("T1"),
		Phase: models.PhaseReview,
	}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(a.TaskDir("T1"), "context", "implementation.diff"))
	if string(b) != "archived diff" {
		t.Errorf("diff = %q, want archived fallback", b)
	}
}

func TestDependencyContext(t *testing.T) {
	depLive := testTask("D-live")
	depArchived := testTask("D-arch")
	depBare := testTask("D-bare")
	lib := &fakeLibrary{
		tasks: map[string]*models.Task{
			"D-live": depLive, "D-arch": depArchived, "D-bare": depBare,
		},
		deps: map[string][]models.Dependency{
			"T1": {
				{TaskID: "T1", DependsOn: "D-live", Type: models.DepBlocks},
				{TaskID: "T1", DependsOn: "D-arch", Type: models.DepBlocks},
				{TaskID: "T1", DependsOn: "D-bare", Type: models.DepBlocks},
				{TaskID: "T1", DependsOn: "D-prov", Type: models.DepDiscoveredFrom},
			},
		},
		sessions: map[string][]*models.Session{
			"D-arch": {{TaskID: "D-arch", Attempt: 1, Status: models.SessionApproved, GitDiff: "archived", Summary: "built the parser"}},
		},
	}
	differ := &fakeDiffer{diffs: map[string]string{"task/D-live": "live diff"}}
	a := newAssembler(t, lib, differ)

	if _, err := a.Stage(context.Background(), Request{
		Task:  testTask("T1"),
		Phase: models.PhaseCoding,
	}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	depsDir := filepath.Join(a.TaskDir("T1"), "context", "deps")

	b, err := os.ReadFile(filepath.Join(depsDir, "D-live.diff"))
	if err != nil || string(b) != "live diff" {
		t.Errorf("live diff = %q, %v", b, err)
	}
	b, err = os.ReadFile(filepath.Join(depsDir, "D-arch.diff"))
	if err != nil || string(b) != "archived" {
		t.Errorf("archived diff = %q, %v", b, err)
	}
	// Stored merge summary wins over a generated one.
	b, _ = os.ReadFile(filepath.Join(depsDir, "D-arch.summary.md"))
	if !strings.Contains(string(b), "built the parser") {
		t.Errorf("summary = %q", b)
	}
	// No diff anywhere: summary stub only, no .diff file.
	if _, err := os.Stat(filepath.Join(depsDir, "D-bare.diff")); !os.IsNotExist(err) {
		t.Error("bare dependency must not get a diff file")
	}
	b, _ = os.ReadFile(filepath.Join(depsDir, "D-bare.summary.md"))
	if !strings.Contains(string(b), "No detailed summary") {
		t.Errorf("stub summary = %q", b)
	}
	// Provenance edges are not staged.
	if _, err := os.Stat(filepath.Join(depsDir, "D-prov.summary.md")); !os.IsNotExist(err) {
		t.Error("discovered-from edge must not be staged")
	}
}

func TestSummarizerUsedWhenNoStoredSummary(t *testing.T) {
	dep := testTask("D1")
	lib := &fakeLibrary{
		tasks: map[string]*models.Task{"D1": dep},
		deps: map[string][]models.Dependency{
			"T1": {{TaskID: "T1", DependsOn: "D1", Type: models.DepBlocks}},
		},
	}
	differ := &fakeDiffer{diffs: map[string]string{"task/D1": "some diff"}}
	summarizer := &fakeSummarizer{summary: "adds the widget pipeline"}
	a := New(t.TempDir(), lib, differ, summarizer)

	if _, err := a.Stage(context.Background(), Request{
		Task:  testTask("T1"),
		Phase: models.PhaseCoding,
	}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if summarizer.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", summarizer.calls)
	}
	b, _ := os.ReadFile(filepath.Join(a.TaskDir("T1"), "context", "deps", "D1.summary.md"))
	if !strings.Contains(string(b), "adds the widget pipeline") {
		t.Errorf("summary = %q", b)
	}
}

func TestPRDExcerptExtraction(t *testing.T) {
	prd := strings.Join([]string{
		"# Product",
		"Overview text.",
		"## Rate limiter",
		"The API must enforce a token bucket limiter per client.",
		"## Billing",
		"Invoice handling, not relevant here.",
	}, "\n")
	prdPath := filepath.Join(t.TempDir(), "prd.md")
	if err := os.WriteFile(prdPath, []byte(prd), 0644); err != nil {
		t.Fatal(err)
	}

	a := newAssembler(t, &fakeLibrary{}, &fakeDiffer{})
	a.PRDPath = prdPath

	if _, err := a.Stage(context.Background(), Request{
		Task:  testTask("T1"),
		Phase: models.PhaseCoding,
	}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	b, _ := os.ReadFile(filepath.Join(a.TaskDir("T1"), "context", "prd_excerpt.md"))
	text := string(b)
	if !strings.Contains(text, "token bucket limiter") {
		t.Error("matching section missing from excerpt")
	}
	if strings.Contains(text, "Invoice handling") {
		t.Error("non-matching section leaked into excerpt")
	}
}

func TestStageMergeConflict(t *testing.T) {
	a := newAssembler(t, &fakeLibrary{}, &fakeDiffer{})
	task := testTask("T1")

	longDiff := strings.Repeat("conflict line\n", conflictDiffLineLimit+50)
	promptPath, err := a.StageMergeConflict(task,
		[]string{"x.go", "y.go"}, longDiff,
		[]string{"T0: add config", "T-2: fix parser"})
	if err != nil {
		t.Fatalf("stage merge conflict: %v", err)
	}

	b, _ := os.ReadFile(promptPath)
	text := string(b)
	for _, want := range []string{"x.go", "y.go", "T0: add config", "merge-result.json", "[diff truncated]"} {
		if !strings.Contains(text, want) {
			t.Errorf("merger prompt missing %q", want)
		}
	}
	if !strings.Contains(text, "Do NOT commit") {
		t.Error("merger prompt must forbid pushing")
	}
	if got := strings.Count(text, "conflict line"); got > conflictDiffLineLimit {
		t.Errorf("conflict diff lines = %d, want <= %d", got, conflictDiffLineLimit)
	}
}

func TestCleanup(t *testing.T) {
	a := newAssembler(t, &fakeLibrary{}, &fakeDiffer{})
	if _, err := a.Stage(context.Background(), Request{
		Task:  testTask("T1"),
		Phase: models.PhaseCoding,
	}); err != nil {
		t.Fatal(err)
	}
	a.Cleanup("T1")
	if _, err := os.Stat(a.TaskDir("T1")); !os.IsNotExist(err) {
		t.Error("cleanup must remove the staging directory")
	}
	a.Cleanup("T1")
}

func TestStageRejectsMergerPhase(t *testing.T) {
	a := newAssembler(t, &fakeLibrary{}, &fakeDiffer{})
	_, err := a.Stage(context.Background(), Request{Task: testTask("T1"), Phase: models.PhaseMerger})
	if err == nil {
		t.Error("merger phase must go through StageMergeConflict")
	}
	if _, err := a.Stage(context.Background(), Request{Phase: models.PhaseCoding}); err == nil {
		t.Error("nil task must be rejected")
	}
}
