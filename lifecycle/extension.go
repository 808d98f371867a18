package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/task"
)

// RequestExtension asks for a later due date. Only one extension request may
// be pending at a time.
func (s *Service) RequestExtension(ctx context.Context, actor Actor, id string, newDue time.Time, reason string) (*task.ExtensionRequest, error) {
	var created task.ExtensionRequest
	_, err := s.mutate(ctx, id, func(x *txn) error {
		if err := requireAssignee(x.t, actor); err != nil {
			return err
		}
		if x.t.Status != task.StatusAccepted && x.t.Status != task.StatusInProgress {
			return task.Conflictf("cannot request an extension on a task in status %s", x.t.Status)
		}
		if x.t.PendingExtension() >= 0 {
			return task.Conflictf("a pending extension request already exists")
		}
		r, err := requireReason(reason, x.policy.MinReasonLength)
		if err != nil {
			return err
		}
		if !newDue.After(x.now) {
			return task.Validationf("new due date must be in the future")
		}

		var old *time.Time
		if x.t.DueDate != nil {
			v := *x.t.DueDate
			old = &v
		}
		created = task.ExtensionRequest{
			ID:          uuid.New().String(),
			RequestedBy: actor.ID,
			OldDueDate:  old,
			NewDueDate:  newDue.UTC(),
			Reason:      r,
			Status:      task.ExtensionPending,
			CreatedAt:   x.now,
		}
		x.t.AddExtension(created)
		x.record(actor, task.ActionExtensionRequested, map[string]any{
			"extension_id": created.ID,
			"new_due_date": created.NewDueDate,
		})
		x.notify(x.t.CreatedBy, comms.KindExtensionRequested, map[string]any{
			"extension_id": created.ID,
			"new_due_date": created.NewDueDate,
			"reason":       r,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ApproveExtension moves the due date to the requested one.
func (s *Service) ApproveExtension(ctx context.Context, actor Actor, id, extensionID, note string) (*task.Task, error) {
	return s.reviewExtension(ctx, actor, id, extensionID, note, func(x *txn, r *task.ExtensionRequest) (task.Action, error) {
		if err := requireOpen(x.t); err != nil {
			return "", err
		}
		due := r.NewDueDate
		r.Status = task.ExtensionApproved
		r.ApprovedDueDate = &due
		x.t.DueDate = &due
		return task.ActionExtensionApproved, nil
	})
}

// PartiallyApproveExtension moves the due date to an admin-chosen date that
// differs from the request.
func (s *Service) PartiallyApproveExtension(ctx context.Context, actor Actor, id, extensionID string, due time.Time, note string) (*task.Task, error) {
	return s.reviewExtension(ctx, actor, id, extensionID, note, func(x *txn, r *task.ExtensionRequest) (task.Action, error) {
		if err := requireOpen(x.t); err != nil {
			return "", err
		}
		due = due.UTC()
		if due.Equal(r.NewDueDate) {
			return "", task.Validationf("a partial approval must choose a date other than the requested one")
		}
		if !due.After(x.now) {
			return "", task.Validationf("approved due date must be in the future")
		}
		r.Status = task.ExtensionApproved
		r.ApprovedDueDate = &due
		x.t.DueDate = &due
		return task.ActionExtensionApproved, nil
	})
}

// RejectExtension closes the request and leaves the due date alone. It also
// works on closed tasks so a request left pending by a withdrawal or failure
// can still be answered.
func (s *Service) RejectExtension(ctx context.Context, actor Actor, id, extensionID, note string) (*task.Task, error) {
	return s.reviewExtension(ctx, actor, id, extensionID, note, func(_ *txn, r *task.ExtensionRequest) (task.Action, error) {
		r.Status = task.ExtensionRejected
		return task.ActionExtensionRejected, nil
	})
}

func (s *Service) reviewExtension(ctx context.Context, actor Actor, id, extensionID, note string,
	apply func(x *txn, r *task.ExtensionRequest) (task.Action, error)) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := requireAdmin(actor); err != nil {
			return err
		}
		idx, err := x.t.FindExtension(extensionID)
		if err != nil {
			return err
		}
		r := x.t.ExtensionRequests[idx]
		if r.Status != task.ExtensionPending {
			return task.AlreadyProcessedf("extension request %s is %s", r.ID, r.Status)
		}
		action, err := apply(x, &r)
		if err != nil {
			return err
		}
		at := x.now
		r.ReviewedBy = actor.ID
		r.ReviewedAt = &at
		r.ReviewNote = strings.TrimSpace(note)
		x.t.ReplaceExtension(idx, r)

		details := map[string]any{"extension_id": r.ID, "status": string(r.Status)}
		if r.ApprovedDueDate != nil {
			details["approved_due_date"] = *r.ApprovedDueDate
			details["partial"] = !r.ApprovedDueDate.Equal(r.NewDueDate)
		}
		x.record(actor, action, details)
		x.notify(r.RequestedBy, comms.KindExtensionReviewed, details)
		return nil
	})
}

// requireOpen refuses to move the due date of a closed task.
func requireOpen(t *task.Task) error {
	if t.Status.IsClosed() {
		return task.Conflictf("task %s is %s", t.ID, t.Status)
	}
	return nil
}
