package lifecycle

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/task"
)

// ModificationInput is the input to RequestModification.
type ModificationInput struct {
	RequestType task.RequestType `json:"request_type"`
	Reason      string           `json:"reason"`
	Changes     *task.Changes    `json:"proposed_changes,omitempty"`
}

var allowedTypes = map[task.Origin]map[task.RequestType]bool{
	task.OriginAdmin: {task.RequestEdit: true, task.RequestDelete: true},
	task.OriginEmployee: {
		task.RequestEdit:        true,
		task.RequestDelete:      true,
		task.RequestExtension:   true,
		task.RequestReassign:    true,
		task.RequestScopeChange: true,
	},
}

// RequestModification opens a modification request. Admins use it for tasks
// they can no longer change directly; the assignee uses it to ask for any
// change. Each side may have only one pending request at a time.
func (s *Service) RequestModification(ctx context.Context, actor Actor, id string, in ModificationInput) (*task.ModificationRequest, error) {
	var created task.ModificationRequest
	_, err := s.mutate(ctx, id, func(x *txn) error {
		origin, err := originOf(x.t, actor)
		if err != nil {
			return err
		}
		if !allowedTypes[origin][in.RequestType] {
			return task.Validationf("%s cannot request %q", origin, in.RequestType)
		}
		reason, err := requireReason(in.Reason, x.policy.MinReasonLength)
		if err != nil {
			return err
		}
		if err := checkRequestable(x.t, origin, in.RequestType); err != nil {
			return err
		}
		if err := validateProposal(in.RequestType, in.Changes, x); err != nil {
			return err
		}

		x.expireRequests()
		list := x.t.ModificationRequests
		if origin == task.OriginEmployee {
			list = x.t.EmployeeModificationRequests
		}
		if task.PendingRequest(list) >= 0 {
			return task.Conflictf("a pending %s modification request already exists", origin)
		}

		created = task.ModificationRequest{
			ID:              uuid.New().String(),
			Origin:          origin,
			RequestType:     in.RequestType,
			RequestedBy:     actor.ID,
			Reason:          reason,
			Status:          task.RequestPending,
			CreatedAt:       x.now,
			ExpiresAt:       x.now.Add(x.policy.ModificationRequestSLA),
			ProposedChanges: cloneChanges(in.Changes),
		}
		x.t.AddRequest(created)
		x.record(actor, task.ActionModificationRequested, map[string]any{
			"request_id":   created.ID,
			"request_type": string(created.RequestType),
			"origin":       string(origin),
		})
		x.notify(counterparty(x.t, origin), comms.KindModificationRequested, map[string]any{
			"request_id":   created.ID,
			"request_type": string(created.RequestType),
			"reason":       reason,
			"expires_at":   created.ExpiresAt,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func originOf(t *task.Task, a Actor) (task.Origin, error) {
	switch a.Role {
	case task.RoleAdmin:
		if a.ID == "" {
			return "", task.Forbiddenf("admin identity required")
		}
		return task.OriginAdmin, nil
	case task.RoleEmployee:
		if err := requireAssignee(t, a); err != nil {
			return "", err
		}
		return task.OriginEmployee, nil
	default:
		return "", task.Forbiddenf("role %q cannot request modifications", a.Role)
	}
}

// checkRequestable reserves the request path for changes that cannot be made directly.
func checkRequestable(t *task.Task, origin task.Origin, rt task.RequestType) error {
	if t.Status == task.StatusDeleted || t.IsArchived {
		return task.Conflictf("task %s can no longer be modified", t.ID)
	}
	if origin == task.OriginEmployee {
		if t.Status.IsClosed() {
			return task.Conflictf("cannot request changes on a task in status %s", t.Status)
		}
		return nil
	}
	switch rt {
	case task.RequestEdit:
		if CanAdminEditDirectly(t) {
			return task.Conflictf("task in status %s can be edited directly", t.Status)
		}
		if t.Status.IsClosed() {
			return task.Conflictf("cannot edit a task in status %s", t.Status)
		}
	case task.RequestDelete:
		if CanAdminDeleteDirectly(t) {
			return task.Conflictf("task in status %s can be deleted directly", t.Status)
		}
	}
	return nil
}

func validateProposal(rt task.RequestType, c *task.Changes, x *txn) error {
	switch rt {
	case task.RequestEdit:
		if c.IsEmpty() {
			return task.Validationf("an edit request needs proposed changes")
		}
	case task.RequestExtension:
		if c == nil || c.DueDate == nil {
			return task.Validationf("an extension request needs a proposed due date")
		}
		if !c.DueDate.After(x.now) {
			return task.Validationf("proposed due date must be in the future")
		}
	case task.RequestReassign:
		if c == nil || strings.TrimSpace(c.AssignTo) == "" {
			return task.Validationf("a reassign request needs a proposed assignee")
		}
	case task.RequestScopeChange:
		if c == nil || (c.Title == nil && c.Description == nil) {
			return task.Validationf("a scope change needs a new title or description")
		}
	}
	if c != nil {
		if rt != task.RequestReassign && c.AssignTo != "" {
			return task.Validationf("a %s request cannot change the assignee; use a reassign request", rt)
		}
		return validateChanges(c)
	}
	return nil
}

// counterparty is who answers a request of the given origin.
func counterparty(t *task.Task, origin task.Origin) string {
	if origin == task.OriginAdmin {
		return t.AssignedTo
	}
	return t.CreatedBy
}

func canRespond(t *task.Task, r task.ModificationRequest, a Actor) error {
	if r.Origin == task.OriginAdmin {
		return requireAssignee(t, a)
	}
	return requireAdmin(a)
}

// respond runs a counterparty answer against a pending request. An expired
// request is marked expired and the caller gets ErrExpired.
func (s *Service) respond(ctx context.Context, actor Actor, id, requestID string,
	apply func(x *txn, r *task.ModificationRequest) (task.Action, error)) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		origin, idx, err := x.t.FindRequest(requestID)
		if err != nil {
			return err
		}
		r := x.t.Request(origin, idx)
		if err := canRespond(x.t, r, actor); err != nil {
			return err
		}
		if r.IsExpired(x.now) {
			x.expireRequest(origin, idx)
			return &commitError{err: task.Expiredf("modification request %s expired at %s", r.ID, r.ExpiresAt.Format(time.RFC3339))}
		}
		if r.Status != task.RequestPending {
			return task.AlreadyProcessedf("modification request %s is %s", r.ID, r.Status)
		}
		action, err := apply(x, &r)
		if err != nil {
			return err
		}
		x.t.ReplaceRequest(origin, idx, r)
		x.record(actor, action, map[string]any{"request_id": r.ID, "decision": string(r.Status)})
		x.notify(r.RequestedBy, comms.KindModificationResponded, map[string]any{
			"request_id": r.ID,
			"decision":   string(r.Status),
		})
		return nil
	})
}

// ApproveModification approves a pending request. The change itself waits for ExecuteModification.
func (s *Service) ApproveModification(ctx context.Context, actor Actor, id, requestID, note string) (*task.Task, error) {
	return s.respond(ctx, actor, id, requestID, func(x *txn, r *task.ModificationRequest) (task.Action, error) {
		r.Status = task.RequestApproved
		r.Response = &task.Response{RespondedBy: actor.ID, Decision: task.RequestApproved, Note: strings.TrimSpace(note), RespondedAt: x.now}
		return task.ActionModificationApproved, nil
	})
}

// RejectModification rejects a pending request.
func (s *Service) RejectModification(ctx context.Context, actor Actor, id, requestID, note string) (*task.Task, error) {
	return s.respond(ctx, actor, id, requestID, func(x *txn, r *task.ModificationRequest) (task.Action, error) {
		r.Status = task.RequestRejected
		r.Response = &task.Response{RespondedBy: actor.ID, Decision: task.RequestRejected, Note: strings.TrimSpace(note), RespondedAt: x.now}
		return task.ActionModificationRejected, nil
	})
}

// CounterProposeModification answers a pending request with different changes.
func (s *Service) CounterProposeModification(ctx context.Context, actor Actor, id, requestID string, changes task.Changes, note string) (*task.Task, error) {
	return s.respond(ctx, actor, id, requestID, func(x *txn, r *task.ModificationRequest) (task.Action, error) {
		if r.RequestType == task.RequestDelete {
			return "", task.Validationf("a delete request cannot be counter-proposed")
		}
		if changes.IsEmpty() {
			return "", task.Validationf("a counter-proposal needs changes")
		}
		if err := validateProposal(r.RequestType, &changes, x); err != nil {
			return "", err
		}
		r.Status = task.RequestCounterProposed
		r.Response = &task.Response{
			RespondedBy:     actor.ID,
			Decision:        task.RequestCounterProposed,
			Note:            strings.TrimSpace(note),
			CounterProposal: cloneChanges(&changes),
			RespondedAt:     x.now,
		}
		return task.ActionModificationCounterProposed, nil
	})
}

// AcceptCounterProposal lets the original requester take the counter-proposal.
// The request becomes approved with the counter-proposed changes.
func (s *Service) AcceptCounterProposal(ctx context.Context, actor Actor, id, requestID string) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		origin, idx, err := x.t.FindRequest(requestID)
		if err != nil {
			return err
		}
		r := x.t.Request(origin, idx)
		if actor.ID == "" || actor.ID != r.RequestedBy {
			return task.Forbiddenf("only the requester may accept a counter-proposal")
		}
		switch r.Status {
		case task.RequestCounterProposed:
		case task.RequestPending:
			return task.Conflictf("modification request %s has no counter-proposal", r.ID)
		default:
			return task.AlreadyProcessedf("modification request %s is %s", r.ID, r.Status)
		}
		r.ProposedChanges = cloneChanges(r.Response.CounterProposal)
		r.Status = task.RequestApproved
		x.t.ReplaceRequest(origin, idx, r)
		x.record(actor, task.ActionModificationCounterAccepted, map[string]any{"request_id": r.ID})
		x.notify(r.Response.RespondedBy, comms.KindModificationResponded, map[string]any{
			"request_id": r.ID,
			"decision":   string(task.RequestApproved),
		})
		return nil
	})
}

// ExecuteModification applies an approved request to the task. Executing a
// request that was already executed succeeds without changing anything.
func (s *Service) ExecuteModification(ctx context.Context, actor Actor, id, requestID string) (*task.Task, error) {
	return s.mutate(ctx, id, func(x *txn) error {
		if err := requireAdmin(actor); err != nil {
			return err
		}
		origin, idx, err := x.t.FindRequest(requestID)
		if err != nil {
			return err
		}
		r := x.t.Request(origin, idx)
		switch r.Status {
		case task.RequestExecuted:
			return errNoChange
		case task.RequestApproved:
		case task.RequestPending:
			if r.IsExpired(x.now) {
				x.expireRequest(origin, idx)
				return &commitError{err: task.Expiredf("modification request %s expired", r.ID)}
			}
			return task.Conflictf("modification request %s has not been approved", r.ID)
		case task.RequestCounterProposed:
			return task.Conflictf("modification request %s awaits a decision on its counter-proposal", r.ID)
		default:
			return task.AlreadyProcessedf("modification request %s is %s", r.ID, r.Status)
		}
		if x.t.Status == task.StatusDeleted {
			return task.Conflictf("task %s is deleted", x.t.ID)
		}

		details := map[string]any{"request_id": r.ID, "request_type": string(r.RequestType)}
		c := r.ProposedChanges
		switch r.RequestType {
		case task.RequestEdit:
			if c != nil {
				details["fields"] = applyChanges(x.t, c)
			}
		case task.RequestDelete:
			x.setStatus(task.StatusDeleted)
			details["status"] = string(task.StatusDeleted)
		case task.RequestExtension:
			if c == nil || c.DueDate == nil {
				return task.Validationf("extension request %s has no due date", r.ID)
			}
			due := *c.DueDate
			x.t.DueDate = &due
			details["due_date"] = due
		case task.RequestReassign:
			if c == nil || c.AssignTo == "" {
				return task.Validationf("reassign request %s has no assignee", r.ID)
			}
			details["from"] = x.t.AssignedTo
			details["to"] = c.AssignTo
			x.reassignTo(c.AssignTo)
		case task.RequestScopeChange:
			if c != nil {
				details["fields"] = applyChanges(x.t, &task.Changes{Title: c.Title, Description: c.Description})
			}
		}

		at := x.now
		r.Status = task.RequestExecuted
		r.ExecutedAt = &at
		r.ExecutedBy = actor.ID
		x.t.ReplaceRequest(origin, idx, r)
		x.record(actor, task.ActionModificationExecuted, details)
		payload := map[string]any{"request_id": r.ID, "request_type": string(r.RequestType)}
		x.notifyParties(actor, comms.KindModificationExecuted, payload)
		if r.RequestedBy != x.t.CreatedBy && r.RequestedBy != x.t.AssignedTo && r.RequestedBy != actor.ID {
			x.notify(r.RequestedBy, comms.KindModificationExecuted, payload)
		}
		return nil
	})
}

// ExpireRequests marks every pending request past its window as expired and
// returns how many it expired.
func (s *Service) ExpireRequests(ctx context.Context, id string) (int, error) {
	n := 0
	_, err := s.mutate(ctx, id, func(x *txn) error {
		n = x.expireRequests()
		if n == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// PostModificationMessage appends a message to a request's discussion thread.
func (s *Service) PostModificationMessage(ctx context.Context, actor Actor, id, requestID, text string) (*task.DiscussionMessage, error) {
	var msg task.DiscussionMessage
	_, err := s.mutate(ctx, id, func(x *txn) error {
		origin, idx, err := x.t.FindRequest(requestID)
		if err != nil {
			return err
		}
		r := x.t.Request(origin, idx)
		if actor.Role != task.RoleAdmin {
			if err := requireAssignee(x.t, actor); err != nil {
				return err
			}
		} else if actor.ID == "" {
			return task.Forbiddenf("admin identity required")
		}
		body, err := requireText("message", text)
		if err != nil {
			return err
		}
		msg = task.DiscussionMessage{
			ID:       uuid.New().String(),
			AuthorID: actor.ID,
			Role:     actor.Role,
			Text:     body,
			PostedAt: x.now,
		}
		thread := make([]task.DiscussionMessage, len(r.Discussion), len(r.Discussion)+1)
		copy(thread, r.Discussion)
		r.Discussion = append(thread, msg)
		x.t.ReplaceRequest(origin, idx, r)
		x.record(actor, task.ActionModificationMessage, map[string]any{"request_id": r.ID, "message_id": msg.ID})
		x.notifyParties(actor, comms.KindModificationMessage, map[string]any{"request_id": r.ID, "text": body})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// expireRequests expires every overdue pending request in both collections.
func (x *txn) expireRequests() int {
	n := 0
	for _, origin := range []task.Origin{task.OriginAdmin, task.OriginEmployee} {
		list := x.t.ModificationRequests
		if origin == task.OriginEmployee {
			list = x.t.EmployeeModificationRequests
		}
		for i, r := range list {
			if r.IsExpired(x.now) {
				x.expireRequest(origin, i)
				n++
			}
		}
	}
	return n
}

func (x *txn) expireRequest(origin task.Origin, idx int) {
	r := x.t.Request(origin, idx)
	r.Status = task.RequestExpired
	x.t.ReplaceRequest(origin, idx, r)
	x.record(systemActor, task.ActionModificationExpired, map[string]any{
		"request_id": r.ID,
		"expires_at": r.ExpiresAt,
	})
	x.notify(r.RequestedBy, comms.KindModificationExpired, map[string]any{"request_id": r.ID})
}

func hasExpiredRequest(t *task.Task, now time.Time) bool {
	for _, list := range [][]task.ModificationRequest{t.ModificationRequests, t.EmployeeModificationRequests} {
		for _, r := range list {
			if r.IsExpired(now) {
				return true
			}
		}
	}
	return false
}

func cloneChanges(c *task.Changes) *task.Changes {
	if c == nil {
		return nil
	}
	out := *c
	if c.Title != nil {
		v := *c.Title
		out.Title = &v
	}
	if c.Description != nil {
		v := *c.Description
		out.Description = &v
	}
	if c.Priority != nil {
		v := *c.Priority
		out.Priority = &v
	}
	if c.DueDate != nil {
		v := *c.DueDate
		out.DueDate = &v
	}
	return &out
}
