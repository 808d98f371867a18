package lifecycle

import (
	"time"

	"github.com/GoCodeAlone/tasktrack/task"
)

// CanAdminEditDirectly reports whether an admin may edit the task without a
// modification request.
func CanAdminEditDirectly(t *task.Task) bool {
	return t.Status == task.StatusAssigned
}

// CanAdminDeleteDirectly reports whether an admin may soft-delete the task
// without a modification request.
func CanAdminDeleteDirectly(t *task.Task) bool {
	return t.Status == task.StatusAssigned && !t.HasWorkSubmission()
}

// CanAdminVerify reports whether the task is awaiting an admin verdict.
func CanAdminVerify(t *task.Task) bool {
	return t.Status == task.StatusCompleted || t.Status == task.StatusReopened
}

// CanAdminFail reports whether an admin may mark the task failed at now.
func CanAdminFail(t *task.Task, now time.Time) bool {
	switch t.Status {
	case task.StatusCompleted, task.StatusReopened, task.StatusDeclinedByEmployee, task.StatusWithdrawn:
		return true
	case task.StatusInProgress:
		return t.IsOverdue(now)
	default:
		return false
	}
}

// CanAdminReopen reports whether a verified task may be sent back for rework.
func CanAdminReopen(t *task.Task) bool {
	return t.Status == task.StatusVerified && !t.IsArchived
}

// CanAdminReassign reports whether the task is free to be handed to someone else.
func CanAdminReassign(t *task.Task) bool {
	switch t.Status {
	case task.StatusWithdrawn:
		return true
	case task.StatusDeclinedByEmployee:
		return t.DeclineType == task.DeclineAssignment
	default:
		return false
	}
}

// CanEmployeeComplete reports whether the assignee may submit work.
func CanEmployeeComplete(t *task.Task) bool {
	switch t.Status {
	case task.StatusAccepted, task.StatusInProgress:
		return true
	case task.StatusReopened:
		return t.ReopenSLAStatus == task.ReopenSLAResponded
	default:
		return false
	}
}

// ReopenExpired reports whether the employee's reopen window has closed at now.
func ReopenExpired(t *task.Task, now time.Time) bool {
	return t.Status == task.StatusReopened &&
		t.ReopenSLAStatus != task.ReopenSLATimedOut &&
		t.ReopenDueAt != nil && !now.Before(*t.ReopenDueAt)
}
