package task

import (
	"time"

	"github.com/google/uuid"
)

// Action names an activity timeline event.
type Action string

const (
	ActionCreated    Action = "TASK_CREATED"
	ActionEdited     Action = "TASK_EDITED"
	ActionDeleted    Action = "TASK_DELETED"
	ActionAccepted   Action = "TASK_ACCEPTED"
	ActionStarted    Action = "TASK_STARTED"
	ActionCompleted  Action = "TASK_COMPLETED"
	ActionVerified   Action = "TASK_VERIFIED"
	ActionFailed     Action = "TASK_FAILED"
	ActionReopened   Action = "TASK_REOPENED"
	ActionDeclined   Action = "TASK_DECLINED"
	ActionWithdrawn  Action = "TASK_WITHDRAWN"
	ActionReassigned Action = "TASK_REASSIGNED"
	ActionArchived   Action = "TASK_ARCHIVED"

	ActionReopenAccepted Action = "REOPEN_ACCEPTED"
	ActionReopenDeclined Action = "REOPEN_DECLINED"
	ActionReopenTimeout  Action = "TASK_REOPEN_TIMEOUT"

	ActionModificationRequested       Action = "MODIFICATION_REQUESTED"
	ActionModificationApproved        Action = "MODIFICATION_APPROVED"
	ActionModificationRejected        Action = "MODIFICATION_REJECTED"
	ActionModificationCounterProposed Action = "MODIFICATION_COUNTER_PROPOSED"
	ActionModificationCounterAccepted Action = "MODIFICATION_COUNTER_ACCEPTED"
	ActionModificationExecuted        Action = "MODIFICATION_EXECUTED"
	ActionModificationExpired         Action = "MODIFICATION_EXPIRED"
	ActionModificationMessage         Action = "MODIFICATION_MESSAGE"

	ActionExtensionRequested Action = "EXTENSION_REQUESTED"
	ActionExtensionApproved  Action = "EXTENSION_APPROVED"
	ActionExtensionRejected  Action = "EXTENSION_REJECTED"
)

// ActivityEntry is one immutable record in a task's timeline.
type ActivityEntry struct {
	ID          string         `json:"id"`
	Action      Action         `json:"action"`
	PerformedBy string         `json:"performed_by,omitempty"`
	Role        Role           `json:"role"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// AppendActivity is the only writer of t.Timeline. It builds a new slice so
// earlier readers never observe the change, and clamps the timestamp so the
// timeline stays monotonic even if the clock steps backwards.
func AppendActivity(t *Task, action Action, performedBy string, role Role, details map[string]any, at time.Time) ActivityEntry {
	if n := len(t.Timeline); n > 0 {
		if last := t.Timeline[n-1].Timestamp; at.Before(last) {
			at = last
		}
	}
	entry := ActivityEntry{
		ID:          uuid.New().String(),
		Action:      action,
		PerformedBy: performedBy,
		Role:        role,
		Details:     details,
		Timestamp:   at,
	}
	timeline := make([]ActivityEntry, len(t.Timeline), len(t.Timeline)+1)
	copy(timeline, t.Timeline)
	t.Timeline = append(timeline, entry)
	return entry
}

// LastIndexOf returns the index of the latest entry whose action is one of
// actions, or -1.
func LastIndexOf(timeline []ActivityEntry, actions ...Action) int {
	for i := len(timeline) - 1; i >= 0; i-- {
		for _, a := range actions {
			if timeline[i].Action == a {
				return i
			}
		}
	}
	return -1
}

// HasAction reports whether any entry carries action.
func HasAction(timeline []ActivityEntry, action Action) bool {
	return LastIndexOf(timeline, action) >= 0
}

// FirstAfter returns the index of the first entry after position from whose
// action is one of actions, or -1.
func FirstAfter(timeline []ActivityEntry, from int, actions ...Action) int {
	for i := from + 1; i < len(timeline); i++ {
		for _, a := range actions {
			if timeline[i].Action == a {
				return i
			}
		}
	}
	return -1
}
