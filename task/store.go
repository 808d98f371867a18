package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// Repository persists tasks. Save is a compare-and-swap on Version: it fails
// with ErrVersionConflict when the stored version moved since the task was loaded.
type Repository interface {
	// Create persists a new task, assigning ID, timestamps and Version 1.
	Create(ctx context.Context, t *Task) error

	// Load retrieves a task by ID.
	Load(ctx context.Context, id string) (*Task, error)

	// Save writes t if its Version matches the stored one, then bumps Version.
	Save(ctx context.Context, t *Task) error

	// List returns tasks matching the filter.
	List(ctx context.Context, filter Filter) ([]*Task, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                             TEXT PRIMARY KEY,
	title                          TEXT NOT NULL,
	description                    TEXT NOT NULL DEFAULT '',
	priority                       TEXT NOT NULL DEFAULT 'medium',
	due_date                       DATETIME,
	status                         TEXT NOT NULL,
	assigned_to                    TEXT NOT NULL DEFAULT '',
	created_by                     TEXT NOT NULL DEFAULT '',
	work_submission                TEXT NOT NULL DEFAULT 'null',
	timeline                       TEXT NOT NULL DEFAULT '[]',
	modification_requests          TEXT NOT NULL DEFAULT '[]',
	employee_modification_requests TEXT NOT NULL DEFAULT '[]',
	extension_requests             TEXT NOT NULL DEFAULT '[]',
	decline_type                   TEXT NOT NULL DEFAULT '',
	decline_reason                 TEXT NOT NULL DEFAULT '',
	declined_at                    DATETIME,
	withdraw_reason                TEXT NOT NULL DEFAULT '',
	failure_reason                 TEXT NOT NULL DEFAULT '',
	reopen_reason                  TEXT NOT NULL DEFAULT '',
	reopen_due_at                  DATETIME,
	reopen_sla_status              TEXT NOT NULL DEFAULT '',
	reopen_sla_breached_at         DATETIME,
	closed_at                      DATETIME,
	is_archived                    INTEGER NOT NULL DEFAULT 0,
	archived_at                    DATETIME,
	archived_by                    TEXT NOT NULL DEFAULT '',
	has_pending_request            INTEGER NOT NULL DEFAULT 0,
	created_at                     DATETIME NOT NULL,
	updated_at                     DATETIME NOT NULL,
	version                        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_to ON tasks(assigned_to);
CREATE INDEX IF NOT EXISTS idx_tasks_pending_request ON tasks(has_pending_request);
`

const columns = `id, title, description, priority, due_date, status, assigned_to, created_by,
	work_submission, timeline, modification_requests, employee_modification_requests, extension_requests,
	decline_type, decline_reason, declined_at, withdraw_reason, failure_reason,
	reopen_reason, reopen_due_at, reopen_sla_status, reopen_sla_breached_at,
	closed_at, is_archived, archived_at, archived_by, has_pending_request,
	created_at, updated_at, version`

// SQLiteStore persists tasks in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the tasks table exists. The caller is responsible for calling Close.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Create persists a new task and sets its ID, CreatedAt, UpdatedAt and Version.
func (s *SQLiteStore) Create(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Version = 1

	enc, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+columns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, t.Description, string(t.Priority), nullTime(t.DueDate), string(t.Status),
		t.AssignedTo, t.CreatedBy,
		enc.submission, enc.timeline, enc.modRequests, enc.empRequests, enc.extensions,
		string(t.DeclineType), t.DeclineReason, nullTime(t.DeclinedAt), t.WithdrawReason, t.FailureReason,
		t.ReopenReason, nullTime(t.ReopenDueAt), string(t.ReopenSLAStatus), nullTime(t.ReopenSLABreachedAt),
		nullTime(t.ClosedAt), t.IsArchived, nullTime(t.ArchivedAt), t.ArchivedBy, t.HasPendingRequest(),
		t.CreatedAt.UTC(), t.UpdatedAt, t.Version,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Load retrieves a task by ID.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFoundf("task %s", id)
	}
	return t, err
}

// Save writes t when the stored version still equals t.Version, then bumps
// both the stored and in-memory version.
func (s *SQLiteStore) Save(ctx context.Context, t *Task) error {
	enc, err := encodeTask(t)
	if err != nil {
		return err
	}
	updatedAt := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			title=?, description=?, priority=?, due_date=?, status=?, assigned_to=?, created_by=?,
			work_submission=?, timeline=?, modification_requests=?, employee_modification_requests=?, extension_requests=?,
			decline_type=?, decline_reason=?, declined_at=?, withdraw_reason=?, failure_reason=?,
			reopen_reason=?, reopen_due_at=?, reopen_sla_status=?, reopen_sla_breached_at=?,
			closed_at=?, is_archived=?, archived_at=?, archived_by=?, has_pending_request=?,
			updated_at=?, version=version+1
		WHERE id=? AND version=?`,
		t.Title, t.Description, string(t.Priority), nullTime(t.DueDate), string(t.Status), t.AssignedTo, t.CreatedBy,
		enc.submission, enc.timeline, enc.modRequests, enc.empRequests, enc.extensions,
		string(t.DeclineType), t.DeclineReason, nullTime(t.DeclinedAt), t.WithdrawReason, t.FailureReason,
		t.ReopenReason, nullTime(t.ReopenDueAt), string(t.ReopenSLAStatus), nullTime(t.ReopenSLABreachedAt),
		nullTime(t.ClosedAt), t.IsArchived, nullTime(t.ArchivedAt), t.ArchivedBy, t.HasPendingRequest(),
		updatedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var stored int64
		err := s.db.QueryRowContext(ctx, `SELECT version FROM tasks WHERE id = ?`, t.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return NotFoundf("task %s", t.ID)
		}
		if err != nil {
			return fmt.Errorf("read task version: %w", err)
		}
		return versionConflictf("task %s is at version %d, save was based on %d", t.ID, stored, t.Version)
	}
	t.Version++
	t.UpdatedAt = updatedAt
	return nil
}

// List returns tasks matching the filter. ReopenDueBefore is applied after
// the query so time comparison does not depend on SQLite's text ordering.
func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := strings.Builder{}
	q.WriteString("SELECT " + columns + " FROM tasks WHERE 1=1")
	args := []any{}

	if filter.Status != nil {
		q.WriteString(" AND status=?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssignedTo != "" {
		q.WriteString(" AND assigned_to=?")
		args = append(args, filter.AssignedTo)
	}
	if filter.CreatedBy != "" {
		q.WriteString(" AND created_by=?")
		args = append(args, filter.CreatedBy)
	}
	if filter.ReopenDueBefore != nil {
		q.WriteString(" AND status=? AND reopen_due_at IS NOT NULL AND reopen_sla_status != ?")
		args = append(args, string(StatusReopened), string(ReopenSLATimedOut))
	}
	if filter.HasPendingRequest {
		q.WriteString(" AND has_pending_request=1")
	}
	if !filter.IncludeArchived {
		q.WriteString(" AND is_archived=0")
	}
	q.WriteString(` ORDER BY CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END, created_at ASC`)
	if filter.Limit > 0 {
		q.WriteString(fmt.Sprintf(" LIMIT %d", filter.Limit))
		if filter.Offset > 0 {
			q.WriteString(fmt.Sprintf(" OFFSET %d", filter.Offset))
		}
	}

	rows, err := s.db.QueryContext(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if filter.ReopenDueBefore != nil && t.ReopenDueAt.After(*filter.ReopenDueBefore) {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type encodedTask struct {
	submission  string
	timeline    string
	modRequests string
	empRequests string
	extensions  string
}

func encodeTask(t *Task) (encodedTask, error) {
	var enc encodedTask
	for _, f := range []struct {
		dst  *string
		v    any
		name string
	}{
		{&enc.submission, t.WorkSubmission, "work submission"},
		{&enc.timeline, nonNil(t.Timeline), "timeline"},
		{&enc.modRequests, nonNil(t.ModificationRequests), "modification requests"},
		{&enc.empRequests, nonNil(t.EmployeeModificationRequests), "employee modification requests"},
		{&enc.extensions, nonNil(t.ExtensionRequests), "extension requests"},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return enc, fmt.Errorf("encode %s: %w", f.name, err)
		}
		*f.dst = string(b)
	}
	return enc, nil
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

// scanner abstracts sql.Row and sql.Rows for scanTask.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var priority, status, declineType, slaStatus string
	var submissionJSON, timelineJSON, modJSON, empJSON, extJSON string
	var dueDate, declinedAt, reopenDueAt, breachedAt, closedAt, archivedAt sql.NullTime
	var hasPending bool

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &priority, &dueDate, &status, &t.AssignedTo, &t.CreatedBy,
		&submissionJSON, &timelineJSON, &modJSON, &empJSON, &extJSON,
		&declineType, &t.DeclineReason, &declinedAt, &t.WithdrawReason, &t.FailureReason,
		&t.ReopenReason, &reopenDueAt, &slaStatus, &breachedAt,
		&closedAt, &t.IsArchived, &archivedAt, &t.ArchivedBy, &hasPending,
		&t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = Priority(priority)
	t.Status = Status(status)
	t.DeclineType = DeclineType(declineType)
	t.ReopenSLAStatus = ReopenSLAStatus(slaStatus)
	t.DueDate = timePtr(dueDate)
	t.DeclinedAt = timePtr(declinedAt)
	t.ReopenDueAt = timePtr(reopenDueAt)
	t.ReopenSLABreachedAt = timePtr(breachedAt)
	t.ClosedAt = timePtr(closedAt)
	t.ArchivedAt = timePtr(archivedAt)

	for _, f := range []struct {
		src  string
		dst  any
		name string
	}{
		{submissionJSON, &t.WorkSubmission, "work submission"},
		{timelineJSON, &t.Timeline, "timeline"},
		{modJSON, &t.ModificationRequests, "modification requests"},
		{empJSON, &t.EmployeeModificationRequests, "employee modification requests"},
		{extJSON, &t.ExtensionRequests, "extension requests"},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("decode %s of task %s: %w", f.name, t.ID, err)
		}
	}
	return &t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
