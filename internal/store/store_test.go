package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensprint/opensprint/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mkTask(t *testing.T, s *Store, id string, mut func(*models.Task)) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:        id,
		ProjectID: "proj",
		Title:     "task " + id,
		Type:      models.TaskTypeTask,
		Status:    models.TaskStatusOpen,
		Priority:  2,
	}
	if mut != nil {
		mut(task)
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return task
}

func TestCreateShowRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T1", func(task *models.Task) {
		task.Description = "do the thing"
		task.Complexity = models.ComplexityComplex
		task.FileScope = []string{"a.go", "b.go"}
		task.TestResults = &models.TestResults{Passed: true, Command: "go test ./..."}
	})

	got, err := s.Show("T1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if got.Description != "do the thing" {
		t.Errorf("description = %q", got.Description)
	}
	if got.Complexity != models.ComplexityComplex {
		t.Errorf("complexity = %q", got.Complexity)
	}
	if len(got.FileScope) != 2 || got.FileScope[0] != "a.go" {
		t.Errorf("file scope = %v", got.FileScope)
	}
	if got.TestResults == nil || !got.TestResults.Passed {
		t.Errorf("test results = %+v", got.TestResults)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestShowMissingTask(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Show("nope")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Error("missing task must not be transient")
	}
}

func TestListReadyFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mkTask(t, s, "T-low", func(task *models.Task) {
		task.Priority = 3
		task.CreatedAt, task.UpdatedAt = base, base
	})
	mkTask(t, s, "T-high", func(task *models.Task) {
		task.Priority = 0
		task.CreatedAt, task.UpdatedAt = base, base
	})
	// Same priority as T-high but updated later, sorts after it.
	mkTask(t, s, "T-newer", func(task *models.Task) {
		task.Priority = 0
		task.CreatedAt, task.UpdatedAt = base, base.Add(time.Hour)
	})
	mkTask(t, s, "T-closed", func(task *models.Task) {
		task.Status = models.TaskStatusClosed
	})
	mkTask(t, s, "T-epic", func(task *models.Task) {
		task.Type = models.TaskTypeEpic
	})
	mkTask(t, s, "T-blocked-reason", func(task *models.Task) {
		task.BlockReason = "awaiting_clarification"
	})
	mkTask(t, s, "T-dep", func(task *models.Task) {
		task.CreatedAt, task.UpdatedAt = base, base
	})
	if err := s.AddDependency(models.Dependency{TaskID: "T-dep", DependsOn: "T-low", Type: models.DepBlocks}); err != nil {
		t.Fatalf("add dep: %v", err)
	}
	// A discovered-from edge must not gate readiness.
	mkTask(t, s, "T-prov", func(task *models.Task) {
		task.Priority = 1
		task.CreatedAt, task.UpdatedAt = base, base
	})
	if err := s.AddDependency(models.Dependency{TaskID: "T-prov", DependsOn: "T-low", Type: models.DepDiscoveredFrom}); err != nil {
		t.Fatalf("add dep: %v", err)
	}

	ready, err := s.ListReady("proj")
	if err != nil {
		t.Fatalf("listReady: %v", err)
	}
	var ids []string
	for _, task := range ready {
		ids = append(ids, task.ID)
	}
	want := []string{"T-high", "T-newer", "T-prov", "T-low"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("ready order = %v, want %v", ids, want)
	}

	// Closing the blocker makes T-dep ready.
	closed := models.TaskStatusClosed
	if err := s.Update("T-low", TaskPatch{Status: &closed}); err != nil {
		t.Fatalf("close blocker: %v", err)
	}
	ready, err = s.ListReady("proj")
	if err != nil {
		t.Fatalf("listReady: %v", err)
	}
	found := false
	for _, task := range ready {
		if task.ID == "T-dep" {
			found = true
		}
	}
	if !found {
		t.Error("T-dep should be ready after its blocker closed")
	}
}

func TestGetBlockers(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T1", nil)
	mkTask(t, s, "B1", nil)
	mkTask(t, s, "B2", func(task *models.Task) {
		task.Status = models.TaskStatusClosed
	})
	for _, dep := range []string{"B1", "B2"} {
		if err := s.AddDependency(models.Dependency{TaskID: "T1", DependsOn: dep}); err != nil {
			t.Fatalf("add dep: %v", err)
		}
	}

	blockers, err := s.GetBlockers("T1")
	if err != nil {
		t.Fatalf("getBlockers: %v", err)
	}
	if len(blockers) != 1 || blockers[0].ID != "B1" {
		t.Errorf("blockers = %v, want just B1", blockers)
	}
}

func TestUpdatePatch(t *testing.T) {
	s := newTestStore(t)
	task := mkTask(t, s, "T1", nil)

	status := models.TaskStatusInProgress
	reason := "retry cap reached"
	scope := []string{"x.go"}
	patch := TaskPatch{Status: &status, BlockReason: &reason, FileScope: &scope}
	if err := s.Update("T1", patch); err != nil {
		t.Fatalf("update: %v", err)
	}
	// Idempotent: same patch twice, same row.
	if err := s.Update("T1", patch); err != nil {
		t.Fatalf("update again: %v", err)
	}

	got, err := s.Show("T1")
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if got.Status != models.TaskStatusInProgress {
		t.Errorf("status = %q", got.Status)
	}
	if got.BlockReason != reason {
		t.Errorf("block reason = %q", got.BlockReason)
	}
	if len(got.FileScope) != 1 || got.FileScope[0] != "x.go" {
		t.Errorf("file scope = %v", got.FileScope)
	}
	if !got.UpdatedAt.After(task.UpdatedAt) && !got.UpdatedAt.Equal(task.UpdatedAt) {
		t.Error("updated_at went backwards")
	}
	if got.Title != task.Title {
		t.Error("untouched field changed")
	}
}

func TestUpdateRejectsBadValues(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T1", nil)

	bad := models.TaskStatus("bogus")
	if err := s.Update("T1", TaskPatch{Status: &bad}); err == nil {
		t.Error("expected invalid status to fail")
	}
	p := 7
	if err := s.Update("T1", TaskPatch{Priority: &p}); err == nil {
		t.Error("expected out-of-range priority to fail")
	}
	title := "x"
	if err := s.Update("ghost", TaskPatch{Title: &title}); err == nil {
		t.Error("expected missing task to fail")
	}
}

func TestComments(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T1", nil)
	if err := s.Comment("T1", "first"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	if err := s.Comment("T1", "second"); err != nil {
		t.Fatalf("comment: %v", err)
	}
	got, err := s.Comments("T1")
	if err != nil {
		t.Fatalf("comments: %v", err)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("comments = %v", got)
	}
}

func TestRecordSessionUpsert(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T1", nil)
	started := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	sess := &models.Session{
		TaskID:    "T1",
		Attempt:   1,
		AgentType: "claude-cli",
		Model:     "claude-sonnet-4-20250514",
		StartedAt: started,
		Status:    models.SessionRunning,
		GitBranch: "task/T1",
	}
	if err := s.RecordSession(sess); err != nil {
		t.Fatalf("record: %v", err)
	}

	done := started.Add(5 * time.Minute)
	sess.CompletedAt = &done
	sess.Status = models.SessionApproved
	sess.Summary = "implemented"
	sess.TestResults = &models.TestResults{Passed: true}
	if err := s.RecordSession(sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sessions, err := s.LoadSessions("T1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("len(sessions) = %d, want 1", len(sessions))
	}
	got := sessions[0]
	if got.Status != models.SessionApproved {
		t.Errorf("status = %q", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
		t.Errorf("completed_at = %v", got.CompletedAt)
	}
	if got.TestResults == nil || !got.TestResults.Passed {
		t.Errorf("test results = %+v", got.TestResults)
	}
}

func TestSessionsOrderedByAttempt(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T1", nil)
	for _, attempt := range []int{2, 1, 3} {
		sess := &models.Session{
			TaskID:    "T1",
			Attempt:   attempt,
			AgentType: "claude-cli",
			StartedAt: time.Now().UTC(),
			Status:    models.SessionFailed,
		}
		if err := s.RecordSession(sess); err != nil {
			t.Fatalf("record attempt %d: %v", attempt, err)
		}
	}
	sessions, err := s.LoadSessions("T1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for i, sess := range sessions {
		if sess.Attempt != i+1 {
			t.Errorf("sessions[%d].Attempt = %d", i, sess.Attempt)
		}
	}

	if err := s.RecordSession(&models.Session{TaskID: "T1", Attempt: 0}); err == nil {
		t.Error("attempt 0 must be rejected")
	}
}

func TestRunningSession(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T1", nil)

	running, err := s.RunningSession("T1")
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running != nil {
		t.Fatal("expected no running session")
	}

	if err := s.RecordSession(&models.Session{
		TaskID: "T1", Attempt: 1, AgentType: "claude-cli",
		StartedAt: time.Now().UTC(), Status: models.SessionRunning,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}
	running, err = s.RunningSession("T1")
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if running == nil || running.Attempt != 1 {
		t.Errorf("running = %+v", running)
	}
}

func TestRecordStatEvictsBeyondCap(t *testing.T) {
	s := newTestStore(t)
	started := time.Now().UTC()

	for i := 0; i < statCapPerProject+25; i++ {
		stat := &models.AgentStat{
			ProjectID:  "proj",
			TaskID:     fmt.Sprintf("T%d", i),
			AgentID:    "claude-cli",
			Attempt:    1,
			StartedAt:  started,
			Outcome:    models.OutcomeSuccess,
			DurationMS: 100,
		}
		if err := s.RecordStat(stat); err != nil {
			t.Fatalf("record stat %d: %v", i, err)
		}
	}

	stats, err := s.LoadStats("proj", 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stats) != statCapPerProject {
		t.Fatalf("len(stats) = %d, want %d", len(stats), statCapPerProject)
	}
	// Newest first; the oldest 25 rows were evicted.
	if stats[0].TaskID != fmt.Sprintf("T%d", statCapPerProject+24) {
		t.Errorf("newest stat = %s", stats[0].TaskID)
	}
	if stats[len(stats)-1].TaskID != "T25" {
		t.Errorf("oldest surviving stat = %s", stats[len(stats)-1].TaskID)
	}
}

func TestStatsScopedPerProject(t *testing.T) {
	s := newTestStore(t)
	for _, proj := range []string{"a", "b"} {
		if err := s.RecordStat(&models.AgentStat{
			ProjectID: proj, TaskID: "T1", AgentID: "claude-cli",
			Attempt: 1, StartedAt: time.Now().UTC(),
			Outcome: models.OutcomeCrash,
		}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	stats, err := s.LoadStats("a", 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stats) != 1 || stats[0].ProjectID != "a" {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSyncRecomputesCounters(t *testing.T) {
	s := newTestStore(t)
	mkTask(t, s, "T-ready", nil)
	mkTask(t, s, "T-done", func(task *models.Task) {
		task.Status = models.TaskStatusClosed
		task.ClosedReason = "merged"
	})
	mkTask(t, s, "T-failed", func(task *models.Task) {
		task.Status = models.TaskStatusClosed
		task.ClosedReason = "failed: retry cap reached"
	})

	if err := s.Sync("proj"); err != nil {
		t.Fatalf("sync: %v", err)
	}
	c, err := s.Counters("proj")
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if c.TotalDone != 1 || c.TotalFailed != 1 || c.QueueDepth != 1 {
		t.Errorf("counters = %+v", c)
	}

	// SyncForPush is a superset of Sync and must leave the same row.
	if err := s.SyncForPush("proj"); err != nil {
		t.Fatalf("syncForPush: %v", err)
	}
	c2, err := s.Counters("proj")
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if c2.TotalDone != c.TotalDone || c2.QueueDepth != c.QueueDepth {
		t.Errorf("counters changed: %+v vs %+v", c2, c)
	}
}

func TestCountersMissingProject(t *testing.T) {
	s := newTestStore(t)
	c, err := s.Counters("ghost")
	if err != nil {
		t.Fatalf("counters: %v", err)
	}
	if c.TotalDone != 0 || c.QueueDepth != 0 {
		t.Errorf("expected zeros, got %+v", c)
	}
}

func TestEventLog(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		if err := s.AppendEvent(&models.EventLogEntry{
			ProjectID: "proj",
			TaskID:    "T1",
			Event:     fmt.Sprintf("event-%d", i),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := s.LoadEvents("proj", 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	// Window holds the newest rows, oldest first within it.
	if entries[0].Event != "event-2" || entries[2].Event != "event-4" {
		t.Errorf("window = [%s .. %s]", entries[0].Event, entries[2].Event)
	}
}

func TestTransientClassification(t *testing.T) {
	locked := tag(errors.New("database is locked (5) (SQLITE_BUSY)"))
	if !IsTransient(locked) {
		t.Error("locked error must be transient")
	}
	constraint := tag(errors.New("UNIQUE constraint failed: tasks.id"))
	if IsTransient(constraint) {
		t.Error("constraint error must be fatal")
	}
	if tag(nil) != nil {
		t.Error("tag(nil) must be nil")
	}
}

func TestWithRetryGivesUpOnFatal(t *testing.T) {
	calls := 0
	err := withRetry(func() error {
		calls++
		return &FatalError{Err: errors.New("boom")}
	})
	if err == nil || calls != 1 {
		t.Errorf("calls = %d, err = %v; fatal errors must not retry", calls, err)
	}

	calls = 0
	err = withRetry(func() error {
		calls++
		if calls < 3 {
			return &TransientError{Err: errors.New("busy")}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("calls = %d, err = %v; transient errors must retry", calls, err)
	}
}
