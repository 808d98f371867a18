package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/task"
)

func strPtr(s string) *string { return &s }

// inProgress drives a new task to in_progress, where admins must go through requests.
func (f *fixture) inProgress(t *testing.T) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := f.create(t)
	_, err := f.svc.Accept(ctx, employee, tk.ID)
	require.NoError(t, err)
	tk, err = f.svc.Start(ctx, employee, tk.ID)
	require.NoError(t, err)
	return tk
}

func TestRequestModification_AdminEditOnAssignedRejected(t *testing.T) {
	f := newFixture(t)
	tk := f.create(t)

	_, err := f.svc.RequestModification(context.Background(), admin, tk.ID, ModificationInput{
		RequestType: task.RequestEdit,
		Reason:      "client changed the brief",
		Changes:     &task.Changes{Title: strPtr("New title")},
	})
	require.ErrorIs(t, err, task.ErrStateConflict)
	assert.Empty(t, f.load(t, tk.ID).ModificationRequests)
}

func TestRequestModification_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	_, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestEdit, Reason: "short", Changes: &task.Changes{Title: strPtr("x")},
	})
	assert.ErrorIs(t, err, task.ErrValidation, "reason too short")

	_, err = f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestScopeChange, Reason: "admins cannot ask for this",
	})
	assert.ErrorIs(t, err, task.ErrValidation, "type not allowed for admins")

	_, err = f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestEdit, Reason: "nothing actually proposed",
	})
	assert.ErrorIs(t, err, task.ErrValidation, "edit without changes")

	_, err = f.svc.RequestModification(ctx, Employee("emp-2"), tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "not my task but still",
	})
	assert.ErrorIs(t, err, task.ErrForbidden)
}

func TestModification_TwoPhaseEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	req, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestEdit,
		Reason:      "client changed the brief",
		Changes:     &task.Changes{Title: strPtr("Prepare onboarding deck (EMEA)")},
	})
	require.NoError(t, err)
	assert.Equal(t, task.RequestPending, req.Status)
	assert.True(t, req.ExpiresAt.Equal(f.clock.Now().Add(24*time.Hour)))
	assert.Equal(t, 1, f.notes.count(comms.KindModificationRequested))
	assert.True(t, f.load(t, tk.ID).HasPendingRequest())

	_, err = f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "second request while pending",
	})
	assert.ErrorIs(t, err, task.ErrStateConflict, "one pending per collection")

	_, err = f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	assert.ErrorIs(t, err, task.ErrStateConflict, "not approved yet")

	_, err = f.svc.ApproveModification(ctx, admin, tk.ID, req.ID, "")
	assert.ErrorIs(t, err, task.ErrForbidden, "requester cannot answer its own request")

	tk, err = f.svc.ApproveModification(ctx, employee, tk.ID, req.ID, "fine by me")
	require.NoError(t, err)
	assert.Equal(t, "Prepare onboarding deck", tk.Title, "approval alone changes nothing")
	assert.Equal(t, task.RequestApproved, tk.ModificationRequests[0].Status)

	_, err = f.svc.ApproveModification(ctx, employee, tk.ID, req.ID, "")
	assert.ErrorIs(t, err, task.ErrAlreadyProcessed)

	tk, err = f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "Prepare onboarding deck (EMEA)", tk.Title)
	assert.Equal(t, task.RequestExecuted, tk.ModificationRequests[0].Status)
	assert.Equal(t, 1, countActions(tk, task.ActionModificationExecuted))

	again, err := f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	require.NoError(t, err)
	assert.Len(t, again.Timeline, len(tk.Timeline))
	assert.Equal(t, tk.Version, again.Version)
	assertInvariants(t, again)
}

func TestModification_EmployeeAndAdminCollectionsAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	_, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "project was cancelled",
	})
	require.NoError(t, err)

	due := f.clock.Now().Add(14 * 24 * time.Hour)
	_, err = f.svc.RequestModification(ctx, employee, tk.ID, ModificationInput{
		RequestType: task.RequestExtension,
		Reason:      "waiting on design assets",
		Changes:     &task.Changes{DueDate: &due},
	})
	require.NoError(t, err)

	got := f.load(t, tk.ID)
	assert.Len(t, got.ModificationRequests, 1)
	assert.Len(t, got.EmployeeModificationRequests, 1)
	assertInvariants(t, got)
}

func TestModification_DeleteExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	req, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "project was cancelled",
	})
	require.NoError(t, err)
	_, err = f.svc.ApproveModification(ctx, employee, tk.ID, req.ID, "")
	require.NoError(t, err)
	tk, err = f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	require.NoError(t, err)

	assert.Equal(t, task.StatusDeleted, tk.Status)
	assert.NotNil(t, tk.ClosedAt)
	assertInvariants(t, tk)
}

func TestModification_CounterProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	asked := f.clock.Now().Add(30 * 24 * time.Hour)
	req, err := f.svc.RequestModification(ctx, employee, tk.ID, ModificationInput{
		RequestType: task.RequestExtension,
		Reason:      "waiting on design assets",
		Changes:     &task.Changes{DueDate: &asked},
	})
	require.NoError(t, err)

	offered := f.clock.Now().Add(10 * 24 * time.Hour)
	_, err = f.svc.CounterProposeModification(ctx, employee, tk.ID, req.ID, task.Changes{DueDate: &offered}, "")
	assert.ErrorIs(t, err, task.ErrForbidden, "employee requests are answered by admins")

	tk, err = f.svc.CounterProposeModification(ctx, admin, tk.ID, req.ID, task.Changes{DueDate: &offered}, "ten days at most")
	require.NoError(t, err)
	assert.Equal(t, task.RequestCounterProposed, tk.EmployeeModificationRequests[0].Status)

	_, err = f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	assert.ErrorIs(t, err, task.ErrStateConflict)

	_, err = f.svc.AcceptCounterProposal(ctx, admin, tk.ID, req.ID)
	assert.ErrorIs(t, err, task.ErrForbidden, "only the requester accepts")

	tk, err = f.svc.AcceptCounterProposal(ctx, employee, tk.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RequestApproved, tk.EmployeeModificationRequests[0].Status)

	tk, err = f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	require.NoError(t, err)
	require.NotNil(t, tk.DueDate)
	assert.True(t, tk.DueDate.Equal(offered))
}

func TestModification_RejectThenExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	req, err := f.svc.RequestModification(ctx, employee, tk.ID, ModificationInput{
		RequestType: task.RequestScopeChange,
		Reason:      "the deck should cover benefits too",
		Changes:     &task.Changes{Description: strPtr("Slides plus benefits overview")},
	})
	require.NoError(t, err)
	_, err = f.svc.RejectModification(ctx, admin, tk.ID, req.ID, "out of scope")
	require.NoError(t, err)

	_, err = f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	assert.ErrorIs(t, err, task.ErrAlreadyProcessed)

	_, err = f.svc.ExecuteModification(ctx, admin, tk.ID, "nope")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestModification_LazyExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	req, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "project was cancelled",
	})
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.ApproveModification(ctx, employee, tk.ID, req.ID, "")
	require.ErrorIs(t, err, task.ErrExpired)

	got := f.load(t, tk.ID)
	assert.Equal(t, task.RequestExpired, got.ModificationRequests[0].Status)
	assert.Equal(t, 1, countActions(got, task.ActionModificationExpired))
	assert.False(t, got.HasPendingRequest())
	assert.Equal(t, 1, f.notes.count(comms.KindModificationExpired))

	_, err = f.svc.ApproveModification(ctx, employee, tk.ID, req.ID, "")
	assert.ErrorIs(t, err, task.ErrAlreadyProcessed)

	_, err = f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "project was cancelled, again",
	})
	assert.NoError(t, err, "an expired request no longer blocks a new one")
}

func TestGet_ExpiresStaleRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	_, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "project was cancelled",
	})
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RequestPending, got.ModificationRequests[0].Status)

	f.clock.Advance(24 * time.Hour)
	got, err = f.svc.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RequestExpired, got.ModificationRequests[0].Status)
	assert.Equal(t, task.RequestExpired, f.load(t, tk.ID).ModificationRequests[0].Status)
}

func TestExpireRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	_, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "project was cancelled",
	})
	require.NoError(t, err)
	_, err = f.svc.RequestModification(ctx, employee, tk.ID, ModificationInput{
		RequestType: task.RequestReassign,
		Reason:      "emp-2 knows this product better",
		Changes:     &task.Changes{AssignTo: "emp-2"},
	})
	require.NoError(t, err)

	n, err := f.svc.ExpireRequests(ctx, tk.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(48 * time.Hour)
	n, err = f.svc.ExpireRequests(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.ExpireRequests(ctx, tk.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assertInvariants(t, f.load(t, tk.ID))
}

func TestModification_ReassignExecution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	req, err := f.svc.RequestModification(ctx, employee, tk.ID, ModificationInput{
		RequestType: task.RequestReassign,
		Reason:      "emp-2 knows this product better",
		Changes:     &task.Changes{AssignTo: "emp-2"},
	})
	require.NoError(t, err)
	_, err = f.svc.ApproveModification(ctx, admin, tk.ID, req.ID, "")
	require.NoError(t, err)
	tk, err = f.svc.ExecuteModification(ctx, admin, tk.ID, req.ID)
	require.NoError(t, err)

	assert.Equal(t, "emp-2", tk.AssignedTo)
	assert.Equal(t, task.StatusAssigned, tk.Status)
	assertInvariants(t, tk)
}

func TestPostModificationMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	req, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestDelete, Reason: "project was cancelled",
	})
	require.NoError(t, err)

	msg, err := f.svc.PostModificationMessage(ctx, employee, tk.ID, req.ID, "Can I keep the draft?")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	_, err = f.svc.PostModificationMessage(ctx, admin, tk.ID, req.ID, "Yes, archive it locally.")
	require.NoError(t, err)

	_, err = f.svc.PostModificationMessage(ctx, employee, tk.ID, req.ID, "  ")
	assert.ErrorIs(t, err, task.ErrValidation)

	_, err = f.svc.PostModificationMessage(ctx, Employee("emp-9"), tk.ID, req.ID, "hi")
	assert.ErrorIs(t, err, task.ErrForbidden)

	got := f.load(t, tk.ID)
	require.Len(t, got.ModificationRequests[0].Discussion, 2)
	assert.Equal(t, "Can I keep the draft?", got.ModificationRequests[0].Discussion[0].Text)
	assert.Equal(t, 2, countActions(got, task.ActionModificationMessage))
	assert.Equal(t, task.RequestPending, got.ModificationRequests[0].Status)
	assert.Equal(t, 2, f.notes.count(comms.KindModificationMessage))
}

func TestModification_AssigneeOnlyChangesThroughReassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tk := f.inProgress(t)

	_, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestEdit,
		Reason:      "emp-2 should take this over",
		Changes:     &task.Changes{AssignTo: "emp-2"},
	})
	assert.ErrorIs(t, err, task.ErrValidation, "edit cannot carry an assignee")

	_, err = f.svc.RequestModification(ctx, employee, tk.ID, ModificationInput{
		RequestType: task.RequestScopeChange,
		Reason:      "narrower scope for someone else",
		Changes:     &task.Changes{Title: strPtr("Smaller deck"), AssignTo: "emp-2"},
	})
	assert.ErrorIs(t, err, task.ErrValidation, "scope change cannot carry an assignee")

	req, err := f.svc.RequestModification(ctx, admin, tk.ID, ModificationInput{
		RequestType: task.RequestEdit,
		Reason:      "title needs the quarter in it",
		Changes:     &task.Changes{Title: strPtr("Q4 onboarding deck")},
	})
	require.NoError(t, err)
	_, err = f.svc.CounterProposeModification(ctx, employee, tk.ID, req.ID,
		task.Changes{Title: strPtr("Q4 deck"), AssignTo: "emp-2"}, "")
	assert.ErrorIs(t, err, task.ErrValidation, "counter-proposal cannot carry an assignee")

	got := f.load(t, tk.ID)
	assert.Equal(t, employee.ID, got.AssignedTo)
	assert.Equal(t, task.StatusInProgress, got.Status)
	assert.Equal(t, task.RequestPending, got.ModificationRequests[0].Status)
}
