package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opensprint/opensprint/pkg/models"
)

const statCapPerProject = 500

// Store is the durable task store. All write paths are transactional
// and retried on transient failures; Sync and SyncForPush are
// serialized per project.
type Store struct {
	db *DB

	syncMu sync.Mutex
	syncs  map[string]*sync.Mutex
}

// New creates a Store on an opened, migrated database.
func New(db *DB) *Store {
	return &Store{db: db, syncs: make(map[string]*sync.Mutex)}
}

// DB exposes the underlying database, mainly for tests.
func (s *Store) DB() *DB {
	return s.db
}

func (s *Store) projectLock(projectID string) *sync.Mutex {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	mu, ok := s.syncs[projectID]
	if !ok {
		mu = &sync.Mutex{}
		s.syncs[projectID] = mu
	}
	return mu
}

// CreateTask inserts a new task. Zero-value timestamps are set to now.
func (s *Store) CreateTask(task *models.Task) error {
	if task.ID == "" {
		return &FatalError{Err: fmt.Errorf("task id is required")}
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.Type == "" {
		task.Type = models.TaskTypeTask
	}
	if task.Status == "" {
		task.Status = models.TaskStatusOpen
	}
	if task.Complexity == "" {
		task.Complexity = models.ComplexityNone
	}

	fileScope, err := marshalStrings(task.FileScope)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("encode file scope: %w", err)}
	}
	testResults, err := marshalTestResults(task.TestResults)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("encode test results: %w", err)}
	}

	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO tasks (id, project_id, title, description, type, status,
				priority, assignee, complexity, epic_id, file_scope, test_results,
				block_reason, closed_reason, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.ID, task.ProjectID, task.Title, task.Description,
			string(task.Type), string(task.Status), task.Priority, task.Assignee,
			string(task.Complexity), task.EpicID, fileScope, testResults,
			task.BlockReason, task.ClosedReason,
			formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
		return tag(err)
	})
}

// AddDependency records a directed edge between two tasks. Adding the
// same edge twice is a no-op.
func (s *Store) AddDependency(dep models.Dependency) error {
	if dep.Type == "" {
		dep.Type = models.DepBlocks
	}
	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO dependencies (task_id, depends_on, dep_type)
			VALUES (?, ?, ?)`,
			dep.TaskID, dep.DependsOn, string(dep.Type))
		return tag(err)
	})
}

// Dependencies returns all outgoing edges for a task.
func (s *Store) Dependencies(taskID string) ([]models.Dependency, error) {
	rows, err := s.db.Query(`
		SELECT task_id, depends_on, dep_type FROM dependencies
		WHERE task_id = ? ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()

	var deps []models.Dependency
	for rows.Next() {
		var d models.Dependency
		var depType string
		if err := rows.Scan(&d.TaskID, &d.DependsOn, &depType); err != nil {
			return nil, tag(err)
		}
		d.Type = models.DepType(depType)
		deps = append(deps, d)
	}
	return deps, tag(rows.Err())
}

// ListReady returns the readiness projection: open executable tasks
// with no unblock reason and no open blocking dependency, ordered by
// (priority ASC, updated_at ASC, id ASC) for deterministic ties.
func (s *Store) ListReady(projectID string) ([]*models.Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.project_id = ?
		  AND t.status = 'open'
		  AND t.type = 'task'
		  AND (t.block_reason IS NULL OR t.block_reason = '')
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN tasks dt ON dt.id = d.depends_on
			WHERE d.task_id = t.id
			  AND d.dep_type = 'blocks'
			  AND dt.status != 'closed'
		  )
		ORDER BY t.priority ASC, t.updated_at ASC, t.id ASC`, projectID)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns every task in a project, stable-ordered.
func (s *Store) ListTasks(projectID string) ([]*models.Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.project_id = ?
		ORDER BY t.priority ASC, t.created_at ASC, t.id ASC`, projectID)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Show loads a single task by id.
func (s *Store) Show(taskID string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks t WHERE t.id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, &FatalError{Err: fmt.Errorf("task %s not found", taskID)}
	}
	if err != nil {
		return nil, tag(err)
	}
	return task, nil
}

// GetBlockers returns the tasks whose completion gates the given task:
// targets of its `blocks` edges that are not yet closed.
func (s *Store) GetBlockers(taskID string) ([]*models.Task, error) {
	rows, err := s.db.Query(`
		SELECT `+taskColumns+` FROM tasks t
		JOIN dependencies d ON d.depends_on = t.id
		WHERE d.task_id = ? AND d.dep_type = 'blocks' AND t.status != 'closed'
		ORDER BY t.id ASC`, taskID)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// TaskPatch is a partial update; nil fields are left untouched.
type TaskPatch struct {
	Title        *string
	Description  *string
	Status       *models.TaskStatus
	Priority     *int
	Assignee     *string
	Complexity   *models.Complexity
	FileScope    *[]string
	TestResults  *models.TestResults
	BlockReason  *string
	ClosedReason *string
}

// Update applies a patch to a task and bumps updated_at. Applying the
// same patch twice yields the same row.
func (s *Store) Update(taskID string, patch TaskPatch) error {
	var sets []string
	var args []any

	add := func(col string, val any) {
		sets = append(sets, col+" = ?")
		args = append(args, val)
	}

	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Status != nil {
		if !patch.Status.Valid() {
			return &FatalError{Err: fmt.Errorf("invalid status %q", *patch.Status)}
		}
		add("status", string(*patch.Status))
	}
	if patch.Priority != nil {
		if *patch.Priority < 0 || *patch.Priority > 4 {
			return &FatalError{Err: fmt.Errorf("priority %d out of range 0..4", *patch.Priority)}
		}
		add("priority", *patch.Priority)
	}
	if patch.Assignee != nil {
		add("assignee", *patch.Assignee)
	}
	if patch.Complexity != nil {
		add("complexity", string(*patch.Complexity))
	}
	if patch.FileScope != nil {
		encoded, err := marshalStrings(*patch.FileScope)
		if err != nil {
			return &FatalError{Err: fmt.Errorf("encode file scope: %w", err)}
		}
		add("file_scope", encoded)
	}
	if patch.TestResults != nil {
		encoded, err := marshalTestResults(patch.TestResults)
		if err != nil {
			return &FatalError{Err: fmt.Errorf("encode test results: %w", err)}
		}
		add("test_results", encoded)
	}
	if patch.BlockReason != nil {
		add("block_reason", *patch.BlockReason)
	}
	if patch.ClosedReason != nil {
		add("closed_reason", *patch.ClosedReason)
	}

	if len(sets) == 0 {
		return nil
	}
	add("updated_at", formatTime(time.Now().UTC()))
	args = append(args, taskID)

	return withRetry(func() error {
		res, err := s.db.Exec(
			"UPDATE tasks SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
		if err != nil {
			return tag(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return tag(err)
		}
		if n == 0 {
			return &FatalError{Err: fmt.Errorf("task %s not found", taskID)}
		}
		return nil
	})
}

// Comment appends a timestamped note to a task.
func (s *Store) Comment(taskID string, text string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO comments (task_id, body, created_at) VALUES (?, ?, ?)`,
			taskID, text, formatTime(time.Now().UTC()))
		return tag(err)
	})
}

// Comments returns a task's notes oldest first.
func (s *Store) Comments(taskID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT body FROM comments WHERE task_id = ? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, tag(err)
		}
		out = append(out, body)
	}
	return out, tag(rows.Err())
}

// Sync recomputes the project's counters from the tasks table.
// Calls for the same project are serialized.
func (s *Store) Sync(projectID string) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return s.recomputeCounters(projectID)
}

// SyncForPush runs Sync and then checkpoints the WAL so the database
// file on disk is complete and safe to copy.
func (s *Store) SyncForPush(projectID string) error {
	mu := s.projectLock(projectID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.recomputeCounters(projectID); err != nil {
		return err
	}
	return withRetry(func() error {
		_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return tag(err)
	})
}

func (s *Store) recomputeCounters(projectID string) error {
	ready, err := s.ListReady(projectID)
	if err != nil {
		return err
	}

	var done, failed int
	row := s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE project_id = ? AND status = 'closed'
		  AND (closed_reason IS NULL OR closed_reason NOT LIKE 'failed%')`, projectID)
	if err := row.Scan(&done); err != nil {
		return tag(err)
	}
	row = s.db.QueryRow(`
		SELECT COUNT(*) FROM tasks
		WHERE project_id = ? AND status = 'closed' AND closed_reason LIKE 'failed%'`, projectID)
	if err := row.Scan(&failed); err != nil {
		return tag(err)
	}

	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO counters (project_id, total_done, total_failed, queue_depth, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET
				total_done = excluded.total_done,
				total_failed = excluded.total_failed,
				queue_depth = excluded.queue_depth,
				updated_at = excluded.updated_at`,
			projectID, done, failed, len(ready), formatTime(time.Now().UTC()))
		return tag(err)
	})
}

// Counters loads the project's aggregate counters. A project with no
// counters row returns zeros.
func (s *Store) Counters(projectID string) (*models.Counters, error) {
	c := &models.Counters{ProjectID: projectID}
	var updatedAt string
	row := s.db.QueryRow(`
		SELECT total_done, total_failed, queue_depth, updated_at
		FROM counters WHERE project_id = ?`, projectID)
	err := row.Scan(&c.TotalDone, &c.TotalFailed, &c.QueueDepth, &updatedAt)
	if err == sql.ErrNoRows {
		return c, nil
	}
	if err != nil {
		return nil, tag(err)
	}
	if t, err := parseTime(updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return c, nil
}

// RecordSession upserts the attempt record keyed (task_id, attempt).
func (s *Store) RecordSession(sess *models.Session) error {
	if sess.Attempt < 1 {
		return &FatalError{Err: fmt.Errorf("attempt must be >= 1, got %d", sess.Attempt)}
	}
	testResults, err := marshalTestResults(sess.TestResults)
	if err != nil {
		return &FatalError{Err: fmt.Errorf("encode test results: %w", err)}
	}

	var completedAt any
	if sess.CompletedAt != nil {
		completedAt = formatTime(*sess.CompletedAt)
	}

	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO sessions (task_id, attempt, agent_type, model, started_at,
				completed_at, status, output_log, git_branch, git_diff,
				test_results, failure_reason, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, attempt) DO UPDATE SET
				agent_type = excluded.agent_type,
				model = excluded.model,
				completed_at = excluded.completed_at,
				status = excluded.status,
				output_log = excluded.output_log,
				git_branch = excluded.git_branch,
				git_diff = excluded.git_diff,
				test_results = excluded.test_results,
				failure_reason = excluded.failure_reason,
				summary = excluded.summary`,
			sess.TaskID, sess.Attempt, sess.AgentType, sess.Model,
			formatTime(sess.StartedAt), completedAt, string(sess.Status),
			sess.OutputLog, sess.GitBranch, sess.GitDiff,
			testResults, sess.FailureReason, sess.Summary)
		return tag(err)
	})
}

// LoadSessions returns a task's attempt history ordered by attempt.
func (s *Store) LoadSessions(taskID string) ([]*models.Session, error) {
	rows, err := s.db.Query(`
		SELECT task_id, attempt, agent_type, model, started_at, completed_at,
			status, output_log, git_branch, git_diff, test_results,
			failure_reason, summary
		FROM sessions WHERE task_id = ? ORDER BY attempt ASC`, taskID)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var status, startedAt string
		var completedAt, testResults sql.NullString
		if err := rows.Scan(&sess.TaskID, &sess.Attempt, &sess.AgentType,
			&sess.Model, &startedAt, &completedAt, &status, &sess.OutputLog,
			&sess.GitBranch, &sess.GitDiff, &testResults,
			&sess.FailureReason, &sess.Summary); err != nil {
			return nil, tag(err)
		}
		sess.Status = models.SessionStatus(status)
		if t, err := parseTime(startedAt); err == nil {
			sess.StartedAt = t
		}
		sess.CompletedAt = parseNullableTime(completedAt)
		if tr, err := unmarshalTestResults(testResults); err == nil {
			sess.TestResults = tr
		}
		sessions = append(sessions, sess)
	}
	return sessions, tag(rows.Err())
}

// ResetRunningSessions marks every running session in a project as
// crashed. Used on startup: a running row can only be left over from a
// previous process. Returns the affected task ids.
func (s *Store) ResetRunningSessions(projectID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT s.task_id FROM sessions s
		JOIN tasks t ON t.id = s.task_id
		WHERE t.project_id = ? AND s.status = 'running'`, projectID)
	if err != nil {
		return nil, tag(err)
	}
	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, tag(err)
		}
		taskIDs = append(taskIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, tag(err)
	}
	if len(taskIDs) == 0 {
		return nil, nil
	}

	err = withRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE sessions SET status = 'crashed',
				failure_reason = 'orchestrator restart',
				completed_at = ?
			WHERE status = 'running' AND task_id IN (
				SELECT id FROM tasks WHERE project_id = ?
			)`, formatTime(time.Now().UTC()), projectID)
		return tag(err)
	})
	if err != nil {
		return nil, err
	}
	return taskIDs, nil
}

// ResetInProgressTasks reopens tasks stuck in_progress with no live
// slot, which on startup is all of them. Returns the affected ids.
func (s *Store) ResetInProgressTasks(projectID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM tasks WHERE project_id = ? AND status = 'in_progress'`, projectID)
	if err != nil {
		return nil, tag(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, tag(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, tag(err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = withRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE tasks SET status = 'open', updated_at = ?
			WHERE project_id = ? AND status = 'in_progress'`,
			formatTime(time.Now().UTC()), projectID)
		return tag(err)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RunningSession returns the task's running attempt, or nil.
func (s *Store) RunningSession(taskID string) (*models.Session, error) {
	sessions, err := s.LoadSessions(taskID)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Status == models.SessionRunning {
			return sess, nil
		}
	}
	return nil, nil
}

// RecordStat appends an agent history row and evicts the oldest rows
// beyond the per-project cap.
func (s *Store) RecordStat(stat *models.AgentStat) error {
	var completedAt any
	if stat.CompletedAt != nil {
		completedAt = formatTime(*stat.CompletedAt)
	}

	return withRetry(func() error {
		err := s.db.Transaction(func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				INSERT INTO agent_stats (project_id, task_id, agent_id, model,
					attempt, started_at, completed_at, outcome, duration_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				stat.ProjectID, stat.TaskID, stat.AgentID, stat.Model,
				stat.Attempt, formatTime(stat.StartedAt), completedAt,
				string(stat.Outcome), stat.DurationMS)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				DELETE FROM agent_stats
				WHERE project_id = ? AND id NOT IN (
					SELECT id FROM agent_stats WHERE project_id = ?
					ORDER BY id DESC LIMIT ?
				)`, stat.ProjectID, stat.ProjectID, statCapPerProject)
			return err
		})
		return tag(err)
	})
}

// LoadStats returns the newest stats rows for a project, newest first.
// limit <= 0 returns everything up to the cap.
func (s *Store) LoadStats(projectID string, limit int) ([]*models.AgentStat, error) {
	if limit <= 0 {
		limit = statCapPerProject
	}
	rows, err := s.db.Query(`
		SELECT project_id, task_id, agent_id, model, attempt, started_at,
			completed_at, outcome, duration_ms
		FROM agent_stats WHERE project_id = ?
		ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()

	var stats []*models.AgentStat
	for rows.Next() {
		stat := &models.AgentStat{}
		var startedAt, outcome string
		var completedAt sql.NullString
		if err := rows.Scan(&stat.ProjectID, &stat.TaskID, &stat.AgentID,
			&stat.Model, &stat.Attempt, &startedAt, &completedAt,
			&outcome, &stat.DurationMS); err != nil {
			return nil, tag(err)
		}
		if t, err := parseTime(startedAt); err == nil {
			stat.StartedAt = t
		}
		stat.CompletedAt = parseNullableTime(completedAt)
		stat.Outcome = models.Outcome(outcome)
		stats = append(stats, stat)
	}
	return stats, tag(rows.Err())
}

// AppendEvent adds a row to the append-only event log.
func (s *Store) AppendEvent(entry *models.EventLogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO event_log (project_id, task_id, timestamp, event, data)
			VALUES (?, ?, ?, ?, ?)`,
			entry.ProjectID, entry.TaskID, formatTime(entry.Timestamp),
			entry.Event, entry.Data)
		return tag(err)
	})
}

// LoadEvents returns the newest event rows for a project, oldest first
// within the window. limit <= 0 means no cap.
func (s *Store) LoadEvents(projectID string, limit int) ([]*models.EventLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT project_id, task_id, timestamp, event, data FROM (
			SELECT id, project_id, task_id, timestamp, event, data
			FROM event_log WHERE project_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, projectID, limit)
	if err != nil {
		return nil, tag(err)
	}
	defer rows.Close()

	var entries []*models.EventLogEntry
	for rows.Next() {
		entry := &models.EventLogEntry{}
		var ts string
		var taskID sql.NullString
		if err := rows.Scan(&entry.ProjectID, &taskID, &ts, &entry.Event,
			&entry.Data); err != nil {
			return nil, tag(err)
		}
		entry.TaskID = taskID.String
		if t, err := parseTime(ts); err == nil {
			entry.Timestamp = t
		}
		entries = append(entries, entry)
	}
	return entries, tag(rows.Err())
}

const taskColumns = `t.id, t.project_id, t.title, t.description, t.type,
	t.status, t.priority, t.assignee, t.complexity, t.epic_id, t.file_scope,
	t.test_results, t.block_reason, t.closed_reason, t.created_at, t.updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	task := &models.Task{}
	var taskType, status, complexity, createdAt, updatedAt string
	var description, assignee, epicID, fileScope, testResults sql.NullString
	var blockReason, closedReason sql.NullString

	err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &description,
		&taskType, &status, &task.Priority, &assignee, &complexity, &epicID,
		&fileScope, &testResults, &blockReason, &closedReason,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.Type = models.TaskType(taskType)
	task.Status = models.TaskStatus(status)
	task.Assignee = assignee.String
	task.Complexity = models.Complexity(complexity)
	task.EpicID = epicID.String
	task.BlockReason = blockReason.String
	task.ClosedReason = closedReason.String

	if fileScope.Valid && fileScope.String != "" {
		if err := json.Unmarshal([]byte(fileScope.String), &task.FileScope); err != nil {
			return nil, fmt.Errorf("decode file scope for %s: %w", task.ID, err)
		}
	}
	if tr, err := unmarshalTestResults(testResults); err != nil {
		return nil, fmt.Errorf("decode test results for %s: %w", task.ID, err)
	} else {
		task.TestResults = tr
	}
	if t, err := parseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*models.Task, error) {
	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, tag(err)
		}
		tasks = append(tasks, task)
	}
	return tasks, tag(rows.Err())
}

func marshalStrings(ss []string) (string, error) {
	if len(ss) == 0 {
		return "", nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalTestResults(tr *models.TestResults) (string, error) {
	if tr == nil {
		return "", nil
	}
	b, err := json.Marshal(tr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTestResults(s sql.NullString) (*models.TestResults, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	tr := &models.TestResults{}
	if err := json.Unmarshal([]byte(s.String), tr); err != nil {
		return nil, err
	}
	return tr, nil
}
