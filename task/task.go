// Package task defines the task aggregate, its activity timeline, and persistence.
package task

import "time"

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusAssigned           Status = "assigned"
	StatusAccepted           Status = "accepted"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusVerified           Status = "verified"
	StatusReopened           Status = "reopened"
	StatusFailed             Status = "failed"
	StatusDeclinedByEmployee Status = "declined_by_employee"
	StatusWithdrawn          Status = "withdrawn"
	StatusDeleted            Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAssigned, StatusAccepted, StatusInProgress, StatusCompleted,
		StatusVerified, StatusReopened, StatusFailed, StatusDeclinedByEmployee,
		StatusWithdrawn, StatusDeleted:
		return true
	default:
		return false
	}
}

// IsClosed reports whether s belongs to the set in which ClosedAt is set.
func (s Status) IsClosed() bool {
	switch s {
	case StatusVerified, StatusFailed, StatusDeleted, StatusWithdrawn:
		return true
	default:
		return false
	}
}

// IsActive reports whether work on the task is still expected.
func (s Status) IsActive() bool {
	switch s {
	case StatusAssigned, StatusAccepted, StatusInProgress, StatusCompleted:
		return true
	default:
		return false
	}
}

// Priority determines how urgently a task should be handled.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Role identifies which side of the workflow performed an action.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleEmployee Role = "employee"
	RoleSystem   Role = "system"
)

// DeclineType records why a task sits in declined_by_employee.
type DeclineType string

const (
	DeclineAssignment DeclineType = "assignment_decline"
	DeclineReopen     DeclineType = "reopen_decline"
)

// ReopenSLAStatus tracks the employee's response window after a reopen.
type ReopenSLAStatus string

const (
	ReopenSLANone      ReopenSLAStatus = ""
	ReopenSLAPending   ReopenSLAStatus = "pending"
	ReopenSLAResponded ReopenSLAStatus = "responded"
	ReopenSLATimedOut  ReopenSLAStatus = "timed_out"
)

// SubmissionStatus is the review state of the latest work submission.
type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionVerified  SubmissionStatus = "verified"
	SubmissionFailed    SubmissionStatus = "failed"
)

// WorkSubmission is the employee's delivered work. Version starts at 1 and
// grows by one with every submission.
type WorkSubmission struct {
	Link        string           `json:"link,omitempty"`
	Files       []string         `json:"files,omitempty"`
	Note        string           `json:"note,omitempty"`
	Version     int              `json:"version"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Status      SubmissionStatus `json:"status"`
}

// Task is the aggregate root of the lifecycle engine.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Status      Status     `json:"status"`
	AssignedTo  string     `json:"assigned_to"`
	CreatedBy   string     `json:"created_by"`

	WorkSubmission *WorkSubmission `json:"work_submission,omitempty"`
	Timeline       []ActivityEntry `json:"activity_timeline"`

	ModificationRequests         []ModificationRequest `json:"modification_requests"`
	EmployeeModificationRequests []ModificationRequest `json:"employee_modification_requests"`
	ExtensionRequests            []ExtensionRequest    `json:"extension_requests"`

	DeclineType    DeclineType `json:"decline_type,omitempty"`
	DeclineReason  string      `json:"decline_reason,omitempty"`
	DeclinedAt     *time.Time  `json:"declined_at,omitempty"`
	WithdrawReason string      `json:"withdraw_reason,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`

	ReopenReason        string          `json:"reopen_reason,omitempty"`
	ReopenDueAt         *time.Time      `json:"reopen_due_at,omitempty"`
	ReopenSLAStatus     ReopenSLAStatus `json:"reopen_sla_status,omitempty"`
	ReopenSLABreachedAt *time.Time      `json:"reopen_sla_breached_at,omitempty"`

	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	IsArchived bool       `json:"is_archived"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ArchivedBy string     `json:"archived_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency token. Only the repository changes it.
	Version int64 `json:"version"`
}

// HasWorkSubmission reports whether the employee has delivered anything.
func (t *Task) HasWorkSubmission() bool {
	ws := t.WorkSubmission
	if ws == nil {
		return false
	}
	return ws.Link != "" || len(ws.Files) > 0 || ws.Note != ""
}

// IsOverdue reports whether the due date has passed while the task is still open.
func (t *Task) IsOverdue(now time.Time) bool {
	if t.DueDate == nil || t.Status.IsClosed() {
		return false
	}
	return now.After(*t.DueDate)
}

// Close sets or clears ClosedAt to match the current status.
func (t *Task) Close(now time.Time) {
	if t.Status.IsClosed() {
		if t.ClosedAt == nil {
			at := now
			t.ClosedAt = &at
		}
		return
	}
	t.ClosedAt = nil
}

// Clone returns a deep copy so callers can mutate without aliasing slices.
func (t *Task) Clone() *Task {
	c := *t
	c.DueDate = cloneTime(t.DueDate)
	c.DeclinedAt = cloneTime(t.DeclinedAt)
	c.ReopenDueAt = cloneTime(t.ReopenDueAt)
	c.ReopenSLABreachedAt = cloneTime(t.ReopenSLABreachedAt)
	c.ClosedAt = cloneTime(t.ClosedAt)
	c.ArchivedAt = cloneTime(t.ArchivedAt)
	if t.WorkSubmission != nil {
		ws := *t.WorkSubmission
		ws.Files = append([]string(nil), t.WorkSubmission.Files...)
		c.WorkSubmission = &ws
	}
	c.Timeline = append([]ActivityEntry(nil), t.Timeline...)
	c.ModificationRequests = append([]ModificationRequest(nil), t.ModificationRequests...)
	c.EmployeeModificationRequests = append([]ModificationRequest(nil), t.EmployeeModificationRequests...)
	c.ExtensionRequests = append([]ExtensionRequest(nil), t.ExtensionRequests...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Filter controls which tasks are returned by List.
type Filter struct {
	Status     *Status `json:"status,omitempty"`
	AssignedTo string  `json:"assigned_to,omitempty"`
	CreatedBy  string  `json:"created_by,omitempty"`

	// ReopenDueBefore selects reopened tasks whose reopen window closed at or before this time.
	ReopenDueBefore *time.Time `json:"reopen_due_before,omitempty"`

	// HasPendingRequest selects tasks with at least one pending modification request.
	HasPendingRequest bool `json:"has_pending_request,omitempty"`

	IncludeArchived bool `json:"include_archived,omitempty"`
	Limit           int  `json:"limit,omitempty"`
	Offset          int  `json:"offset,omitempty"`
}
