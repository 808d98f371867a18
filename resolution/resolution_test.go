package resolution

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/GoCodeAlone/tasktrack/task"
)

func tl(actions ...task.Action) []task.ActivityEntry {
	out := make([]task.ActivityEntry, len(actions))
	for i, a := range actions {
		out[i] = task.ActivityEntry{Action: a}
	}
	return out
}

const (
	created   = task.ActionCreated
	accepted  = task.ActionAccepted
	started   = task.ActionStarted
	completed = task.ActionCompleted
	verified  = task.ActionVerified
	failed    = task.ActionFailed
	reopened  = task.ActionReopened
	reopenAcc = task.ActionReopenAccepted
	reopenDec = task.ActionReopenDeclined
	declined  = task.ActionDeclined
	timeout   = task.ActionReopenTimeout
	edited    = task.ActionEdited
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		status   task.Status
		timeline []task.ActivityEntry
		want     Code
		final    bool
	}{
		{"assignment declined", task.StatusDeclinedByEmployee, tl(created, declined), DeclinedAssignment, true},
		{"reopen declined then verified", task.StatusVerified,
			tl(created, accepted, completed, verified, reopened, reopenDec, verified), ReopenDeclinedVerified, true},
		{"reopen declined then failed", task.StatusFailed,
			tl(created, accepted, completed, verified, reopened, reopenDec, failed), ReopenDeclinedFailed, true},
		{"reopen declined awaiting review", task.StatusDeclinedByEmployee,
			tl(created, accepted, completed, verified, reopened, reopenDec), ReopenDeclinedPendingReview, false},
		{"rework failed", task.StatusFailed,
			tl(created, accepted, completed, verified, reopened, reopenAcc, completed, failed), ReopenReworkFailed, true},
		{"failed without rework", task.StatusFailed,
			tl(created, accepted, completed, verified, reopened, failed), ReopenFailedNoRework, true},
		{"failed execution", task.StatusFailed, tl(created, accepted, started, completed, failed), FailedExecution, true},
		{"verified with rework", task.StatusVerified,
			tl(created, accepted, completed, verified, reopened, reopenAcc, completed, verified), ReopenVerifiedWithRework, true},
		{"original accepted after timeout", task.StatusVerified,
			tl(created, accepted, completed, verified, reopened, timeout), ReopenOriginalAccepted, true},
		{"successful", task.StatusVerified, tl(created, accepted, completed, verified), Successful, true},
		{"active", task.StatusInProgress, tl(created, accepted, started), Active, false},
		{"active after edit", task.StatusAssigned, tl(created, edited), Active, false},
		{"reopen pending", task.StatusReopened, tl(created, accepted, completed, verified, reopened), ReopenPending, false},
		{"withdrawn", task.StatusWithdrawn, tl(created, accepted, task.ActionWithdrawn), Withdrawn, true},
		{"deleted", task.StatusDeleted, tl(created, task.ActionDeleted), Deleted, true},
		{"unknown", task.Status("mystery"), nil, Unknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.status, tt.timeline)
			assert.Equal(t, tt.want, got.Code)
			assert.Equal(t, tt.final, got.IsFinal)
		})
	}
}

func TestResolve_ReopenAfterDeclineStartsOver(t *testing.T) {
	timeline := tl(created, accepted, completed, verified, reopened, reopenDec, verified, reopened)
	assert.Equal(t, ReopenPending, Resolve(task.StatusReopened, timeline).Code)
}

func TestResolve_AssignmentDeclineAfterReopenIsNotRuleOne(t *testing.T) {
	timeline := tl(created, declined, accepted, completed, verified, reopened, reopenDec)
	assert.Equal(t, ReopenDeclinedPendingReview, Resolve(task.StatusDeclinedByEmployee, timeline).Code)
}

func TestOf_Label(t *testing.T) {
	r := Of(ReopenDeclinedVerified)
	assert.Equal(t, "Reopen Declined Verified", r.Label)
	assert.Equal(t, SeveritySuccess, r.Severity)
	assert.Equal(t, PhaseClosed, r.Phase)

	assert.Equal(t, Unknown, Of(Code("NOPE")).Code)
}
