package lifecycle

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/task"
)

// NewTask is the input to CreateTask.
type NewTask struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Priority    task.Priority `json:"priority"`
	DueDate     *time.Time    `json:"due_date,omitempty"`
	AssignedTo  string        `json:"assigned_to"`
}

// Submission is the work an employee hands in with Complete.
type Submission struct {
	Link  string   `json:"link,omitempty"`
	Files []string `json:"files,omitempty"`
	Note  string   `json:"note,omitempty"`
}

// CreateTask creates a task in the assigned state.
func (s *Service) CreateTask(ctx context.Context, actor Actor, in NewTask) (*task.Task, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	title, err := requireText("title", in.Title)
	if err != nil {
		return nil, err
	}
	assignee, err := requireText("assigned_to", in.AssignedTo)
	if err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = task.PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, task.Validationf("unknown priority %q", in.Priority)
	}

	now := s.clock.Now()
	t := &task.Task{
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Priority:    in.Priority,
		DueDate:     in.DueDate,
		Status:      task.StatusAssigned,
		AssignedTo:  assignee,
		CreatedBy:   actor.ID,
		CreatedAt:   now,
	}
	task.AppendActivity(t, task.ActionCreated, actor.ID, actor.Role, map[string]any{"assigned_to": assignee}, now)
	if err := s.repo.Create(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", t.ID, "assigned_to", assignee, "created_by", actor.ID)
	s.dispatch(ctx, []comms.Notification{{
		UserID:    assignee,
		Kind:      comms.KindTaskAssigned,
		TaskID:    t.ID,
		Payload:   map[string]any{"title": t.Title, "priority": string(t.Priority)},
		Timestamp: now,
	}})
	return t, nil
}

// transition is the shape shared by the simple status changes: check the
// actor, check the guard, apply, record one entry, notify the other side.
func (s *Service) transition(ctx context.Context, actor Actor, id string, action task.Action,
	authorize func(*task.Task, Actor) error, apply func(*txn) (map[string]any, error)) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := authorize(x.t, actor); err != nil {
			return err
		}
		from := x.t.Status
		details, err := apply(x)
		if err != nil {
			return err
		}
		x.record(actor, action, details)
		x.notifyParties(actor, comms.KindTaskStatusChanged, map[string]any{
			"action": string(action),
			"from":   string(from),
			"to":     string(x.t.Status),
		})
		return nil
	})
}

func asAssignee(t *task.Task, a Actor) error { return requireAssignee(t, a) }
func asAdmin(_ *task.Task, a Actor) error    { return requireAdmin(a) }

// Accept moves an assigned task to accepted.
func (s *Service) Accept(ctx context.Context, actor Actor, id string) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionAccepted, asAssignee, func(x *txn) (map[string]any, error) {
		if x.t.Status != task.StatusAssigned {
			return nil, task.Conflictf("cannot accept a task in status %s", x.t.Status)
		}
		x.setStatus(task.StatusAccepted)
		return nil, nil
	})
}

// Start moves an accepted task to in_progress.
func (s *Service) Start(ctx context.Context, actor Actor, id string) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionStarted, asAssignee, func(x *txn) (map[string]any, error) {
		if x.t.Status != task.StatusAccepted {
			return nil, task.Conflictf("cannot start a task in status %s", x.t.Status)
		}
		x.setStatus(task.StatusInProgress)
		return nil, nil
	})
}

// Complete records a work submission and moves the task to completed.
func (s *Service) Complete(ctx context.Context, actor Actor, id string, sub Submission) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionCompleted, asAssignee, func(x *txn) (map[string]any, error) {
		if !CanEmployeeComplete(x.t) {
			return nil, task.Conflictf("cannot complete a task in status %s", x.t.Status)
		}
		link := strings.TrimSpace(sub.Link)
		note := strings.TrimSpace(sub.Note)
		var files []string
		for _, f := range sub.Files {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		if link == "" && note == "" && len(files) == 0 {
			return nil, task.Validationf("a submission needs a link, files, or a note")
		}
		if link != "" {
			if err := validateLink(link); err != nil {
				return nil, err
			}
		}

		version := 1
		if x.t.WorkSubmission != nil {
			version = x.t.WorkSubmission.Version + 1
		}
		x.t.WorkSubmission = &task.WorkSubmission{
			Link:        link,
			Files:       files,
			Note:        note,
			Version:     version,
			SubmittedAt: x.now,
			Status:      task.SubmissionSubmitted,
		}
		x.setStatus(task.StatusCompleted)
		return map[string]any{"submission_version": version}, nil
	})
}

func validateLink(link string) error {
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return task.Validationf("link %q is not an http(s) URL", link)
	}
	return nil
}

// Verify accepts the submitted work and closes the task.
func (s *Service) Verify(ctx context.Context, actor Actor, id, note string) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionVerified, asAdmin, func(x *txn) (map[string]any, error) {
		if !CanAdminVerify(x.t) {
			return nil, task.Conflictf("cannot verify a task in status %s", x.t.Status)
		}
		if x.t.Status == task.StatusCompleted && !x.t.HasWorkSubmission() {
			return nil, task.Conflictf("task has no work submission")
		}
		x.setStatus(task.StatusVerified)
		x.t.ReopenSLAStatus = task.ReopenSLAResponded
		if x.t.WorkSubmission != nil {
			ws := *x.t.WorkSubmission
			ws.Status = task.SubmissionVerified
			x.t.WorkSubmission = &ws
		}
		return noteDetails(note), nil
	})
}

// Fail closes the task as failed.
func (s *Service) Fail(ctx context.Context, actor Actor, id, reason string) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionFailed, asAdmin, func(x *txn) (map[string]any, error) {
		if !CanAdminFail(x.t, x.now) {
			return nil, task.Conflictf("cannot fail a task in status %s", x.t.Status)
		}
		r, err := requireText("reason", reason)
		if err != nil {
			return nil, err
		}
		x.setStatus(task.StatusFailed)
		x.t.FailureReason = r
		if x.t.WorkSubmission != nil {
			ws := *x.t.WorkSubmission
			ws.Status = task.SubmissionFailed
			x.t.WorkSubmission = &ws
		}
		return map[string]any{"reason": r}, nil
	})
}

// Reopen sends a verified task back to the employee and opens the reopen window.
func (s *Service) Reopen(ctx context.Context, actor Actor, id, reason string) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := requireAdmin(actor); err != nil {
			return err
		}
		if !CanAdminReopen(x.t) {
			return task.Conflictf("cannot reopen a task in status %s (archived=%t)", x.t.Status, x.t.IsArchived)
		}
		r, err := requireText("reason", reason)
		if err != nil {
			return err
		}
		due := x.now.Add(x.policy.ReopenSLAWindow)
		x.setStatus(task.StatusReopened)
		x.t.ReopenReason = r
		x.t.ReopenDueAt = &due
		x.t.ReopenSLAStatus = task.ReopenSLAPending
		x.t.ReopenSLABreachedAt = nil
		x.record(actor, task.ActionReopened, map[string]any{"reason": r, "reopen_due_at": due})
		x.notify(x.t.AssignedTo, comms.KindTaskReopened, map[string]any{"reason": r, "reopen_due_at": due})
		return nil
	})
}

// AcceptReopen takes the task back into work within the reopen window.
func (s *Service) AcceptReopen(ctx context.Context, actor Actor, id string) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := s.respondToReopen(x, actor); err != nil {
			return err
		}
		x.setStatus(task.StatusAccepted)
		x.t.ReopenSLAStatus = task.ReopenSLAResponded
		x.record(actor, task.ActionReopenAccepted, nil)
		x.notifyParties(actor, comms.KindTaskStatusChanged, map[string]any{
			"action": string(task.ActionReopenAccepted),
			"from":   string(task.StatusReopened),
			"to":     string(task.StatusAccepted),
		})
		return nil
	})
}

// DeclineReopen refuses the rework within the reopen window.
func (s *Service) DeclineReopen(ctx context.Context, actor Actor, id, reason string) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := s.respondToReopen(x, actor); err != nil {
			return err
		}
		r, err := requireText("reason", reason)
		if err != nil {
			return err
		}
		at := x.now
		x.setStatus(task.StatusDeclinedByEmployee)
		x.t.ReopenSLAStatus = task.ReopenSLAResponded
		x.t.DeclineType = task.DeclineReopen
		x.t.DeclineReason = r
		x.t.DeclinedAt = &at
		x.record(actor, task.ActionReopenDeclined, map[string]any{"reason": r})
		x.notifyParties(actor, comms.KindTaskStatusChanged, map[string]any{
			"action": string(task.ActionReopenDeclined),
			"from":   string(task.StatusReopened),
			"to":     string(task.StatusDeclinedByEmployee),
		})
		return nil
	})
}

// respondToReopen checks the employee may still answer a reopen. An expired
// window is timed out on the spot and the caller gets ErrExpired.
func (s *Service) respondToReopen(x *txn, actor Actor) error {
	if err := requireAssignee(x.t, actor); err != nil {
		return err
	}
	if x.t.ReopenSLAStatus == task.ReopenSLATimedOut && x.t.Status == task.StatusVerified {
		return task.Expiredf("reopen window for task %s already timed out", x.t.ID)
	}
	if x.t.Status != task.StatusReopened || x.t.ReopenSLAStatus != task.ReopenSLAPending {
		return task.Conflictf("task is not awaiting a reopen response (status %s)", x.t.Status)
	}
	if ReopenExpired(x.t, x.now) {
		x.applyReopenTimeout()
		return &commitError{err: task.Expiredf("reopen window for task %s closed", x.t.ID)}
	}
	return nil
}

// AcceptReopenDecline lets the original work stand after the employee
// declined the reopen.
func (s *Service) AcceptReopenDecline(ctx context.Context, actor Actor, id, note string) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionVerified, asAdmin, func(x *txn) (map[string]any, error) {
		if x.t.Status != task.StatusDeclinedByEmployee || x.t.DeclineType != task.DeclineReopen {
			return nil, task.Conflictf("task has no reopen decline to accept")
		}
		x.setStatus(task.StatusVerified)
		details := noteDetails(note)
		if details == nil {
			details = map[string]any{}
		}
		details["reopen_decline_accepted"] = true
		return details, nil
	})
}

// DeclineAssignment refuses a freshly assigned task.
func (s *Service) DeclineAssignment(ctx context.Context, actor Actor, id, reason string) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionDeclined, asAssignee, func(x *txn) (map[string]any, error) {
		if x.t.Status != task.StatusAssigned {
			return nil, task.Conflictf("cannot decline a task in status %s", x.t.Status)
		}
		r, err := requireText("reason", reason)
		if err != nil {
			return nil, err
		}
		at := x.now
		x.setStatus(task.StatusDeclinedByEmployee)
		x.t.DeclineType = task.DeclineAssignment
		x.t.DeclineReason = r
		x.t.DeclinedAt = &at
		return map[string]any{"reason": r, "decline_type": string(task.DeclineAssignment)}, nil
	})
}

// Withdraw gives up an accepted or in-progress task. confirmed must be set.
func (s *Service) Withdraw(ctx context.Context, actor Actor, id, reason string, confirmed bool) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionWithdrawn, asAssignee, func(x *txn) (map[string]any, error) {
		if x.t.Status != task.StatusAccepted && x.t.Status != task.StatusInProgress {
			return nil, task.Conflictf("cannot withdraw from a task in status %s", x.t.Status)
		}
		if !confirmed {
			return nil, task.Validationf("withdrawal must be confirmed")
		}
		r, err := requireText("reason", reason)
		if err != nil {
			return nil, err
		}
		x.setStatus(task.StatusWithdrawn)
		x.t.WithdrawReason = r
		return map[string]any{"reason": r}, nil
	})
}

// Reassign hands a declined or withdrawn task to assignee.
func (s *Service) Reassign(ctx context.Context, actor Actor, id, assignee string) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := requireAdmin(actor); err != nil {
			return err
		}
		if !CanAdminReassign(x.t) {
			return task.Conflictf("cannot reassign a task in status %s", x.t.Status)
		}
		to, err := requireText("assignee", assignee)
		if err != nil {
			return err
		}
		from := x.t.AssignedTo
		x.reassignTo(to)
		x.record(actor, task.ActionReassigned, map[string]any{"from": from, "to": to})
		x.notify(to, comms.KindTaskAssigned, map[string]any{"title": x.t.Title, "previous_assignee": from})
		return nil
	})
}

func (x *txn) reassignTo(assignee string) {
	x.t.AssignedTo = assignee
	x.setStatus(task.StatusAssigned)
	x.t.DeclineType = ""
	x.t.DeclineReason = ""
	x.t.DeclinedAt = nil
	x.t.WithdrawReason = ""
	if idx := x.t.PendingExtension(); idx >= 0 {
		r := x.t.ExtensionRequests[idx]
		at := x.now
		r.Status = task.ExtensionRejected
		r.ReviewedBy = string(task.RoleSystem)
		r.ReviewedAt = &at
		r.ReviewNote = "superseded by reassignment"
		x.t.ReplaceExtension(idx, r)
	}
}

// EditTask changes task fields while direct editing is still allowed.
func (s *Service) EditTask(ctx context.Context, actor Actor, id string, changes task.Changes) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionEdited, asAdmin, func(x *txn) (map[string]any, error) {
		if !CanAdminEditDirectly(x.t) {
			return nil, task.Conflictf("task in status %s needs a modification request to edit", x.t.Status)
		}
		if changes.IsEmpty() {
			return nil, task.Validationf("no changes given")
		}
		if changes.AssignTo != "" {
			return nil, task.Validationf("assignee cannot be edited; reassign the task instead")
		}
		if err := validateChanges(&changes); err != nil {
			return nil, err
		}
		return map[string]any{"fields": applyChanges(x.t, &changes)}, nil
	})
}

// DeleteTask soft-deletes a task while direct deletion is still allowed.
func (s *Service) DeleteTask(ctx context.Context, actor Actor, id, reason string) (*task.Task, error) {
	return s.transition(ctx, actor, id, task.ActionDeleted, asAdmin, func(x *txn) (map[string]any, error) {
		if !CanAdminDeleteDirectly(x.t) {
			return nil, task.Conflictf("task in status %s needs a modification request to delete", x.t.Status)
		}
		x.setStatus(task.StatusDeleted)
		return noteDetails(reason), nil
	})
}

// Archive hides a verified task from default listings.
func (s *Service) Archive(ctx context.Context, actor Actor, id string) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := requireAdmin(actor); err != nil {
			return err
		}
		if x.t.Status != task.StatusVerified || x.t.IsArchived {
			return task.Conflictf("only unarchived verified tasks can be archived")
		}
		at := x.now
		x.t.IsArchived = true
		x.t.ArchivedAt = &at
		x.t.ArchivedBy = actor.ID
		x.record(actor, task.ActionArchived, nil)
		return nil
	})
}

// TimeoutReopen applies the reopen SLA timeout if the task's window has
// closed. It reports whether anything changed; a task that is already timed
// out, or not yet due, is left alone.
func (s *Service) TimeoutReopen(ctx context.Context, id string) (bool, error) {
	changed := false
	_, err := s.mutate(ctx, id, func(x *txn) error {
		changed = false
		if !ReopenExpired(x.t, x.now) {
			return errNoChange
		}
		x.applyReopenTimeout()
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.Info("reopen window timed out", "task_id", id)
	}
	return changed, nil
}

// applyReopenTimeout lets the original work stand.
func (x *txn) applyReopenTimeout() {
	at := x.now
	due := x.t.ReopenDueAt
	x.t.ReopenSLAStatus = task.ReopenSLATimedOut
	x.t.ReopenSLABreachedAt = &at
	x.setStatus(task.StatusVerified)
	details := map[string]any{}
	if due != nil {
		details["reopen_due_at"] = *due
	}
	x.record(systemActor, task.ActionReopenTimeout, details)
	x.notify(x.t.CreatedBy, comms.KindReopenTimeout, map[string]any{"assigned_to": x.t.AssignedTo})
}

func noteDetails(note string) map[string]any {
	if note = strings.TrimSpace(note); note == "" {
		return nil
	}
	return map[string]any{"note": note}
}

func validateChanges(c *task.Changes) error {
	if c.Title != nil && strings.TrimSpace(*c.Title) == "" {
		return task.Validationf("title must not be empty")
	}
	if c.Priority != nil && !c.Priority.Valid() {
		return task.Validationf("unknown priority %q", *c.Priority)
	}
	return nil
}

// applyChanges writes c onto t and returns the names of the fields it touched.
// AssignTo is never applied here; reassignment goes through reassignTo.
func applyChanges(t *task.Task, c *task.Changes) []string {
	var fields []string
	if c.Title != nil {
		t.Title = strings.TrimSpace(*c.Title)
		fields = append(fields, "title")
	}
	if c.Description != nil {
		t.Description = strings.TrimSpace(*c.Description)
		fields = append(fields, "description")
	}
	if c.Priority != nil {
		t.Priority = *c.Priority
		fields = append(fields, "priority")
	}
	if c.DueDate != nil {
		due := *c.DueDate
		t.DueDate = &due
		fields = append(fields, "due_date")
	}
	return fields
}
