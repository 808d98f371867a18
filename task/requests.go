package task

import "time"

// RequestStatus is the state of a modification request.
type RequestStatus string

const (
	RequestPending         RequestStatus = "pending"
	RequestApproved        RequestStatus = "approved"
	RequestRejected        RequestStatus = "rejected"
	RequestExpired         RequestStatus = "expired"
	RequestCounterProposed RequestStatus = "counter_proposed"
	RequestExecuted        RequestStatus = "executed"
)

// RequestType names what a modification request proposes.
type RequestType string

const (
	RequestEdit        RequestType = "edit"
	RequestDelete      RequestType = "delete"
	RequestExtension   RequestType = "extension"
	RequestReassign    RequestType = "reassign"
	RequestScopeChange RequestType = "scope_change"
)

// Origin records which side opened a modification request.
type Origin string

const (
	OriginAdmin    Origin = "admin"
	OriginEmployee Origin = "employee"
)

// Changes is a sparse set of task field updates. Nil fields are left alone.
type Changes struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	AssignTo    string     `json:"assign_to,omitempty"`
}

// IsEmpty reports whether c changes nothing.
func (c *Changes) IsEmpty() bool {
	return c == nil || (c.Title == nil && c.Description == nil && c.Priority == nil &&
		c.DueDate == nil && c.AssignTo == "")
}

// Response is the counterparty's answer to a modification request.
type Response struct {
	RespondedBy     string        `json:"responded_by"`
	Decision        RequestStatus `json:"decision"`
	Note            string        `json:"note,omitempty"`
	CounterProposal *Changes      `json:"counter_proposal,omitempty"`
	RespondedAt     time.Time     `json:"responded_at"`
}

// DiscussionMessage is one post in a request's discussion thread.
type DiscussionMessage struct {
	ID       string    `json:"id"`
	AuthorID string    `json:"author_id"`
	Role     Role      `json:"role"`
	Text     string    `json:"text"`
	PostedAt time.Time `json:"posted_at"`
}

// ModificationRequest proposes a change to a task that needs the other side's consent.
type ModificationRequest struct {
	ID              string              `json:"id"`
	Origin          Origin              `json:"origin"`
	RequestType     RequestType         `json:"request_type"`
	RequestedBy     string              `json:"requested_by"`
	Reason          string              `json:"reason"`
	Status          RequestStatus       `json:"status"`
	CreatedAt       time.Time           `json:"created_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
	ProposedChanges *Changes            `json:"proposed_changes,omitempty"`
	Response        *Response           `json:"response,omitempty"`
	ExecutedAt      *time.Time          `json:"executed_at,omitempty"`
	ExecutedBy      string              `json:"executed_by,omitempty"`
	Discussion      []DiscussionMessage `json:"discussion,omitempty"`
}

// IsExpired reports whether a pending request has outlived its window.
func (r ModificationRequest) IsExpired(now time.Time) bool {
	return r.Status == RequestPending && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ExtensionStatus is the state of an extension request.
type ExtensionStatus string

const (
	ExtensionPending  ExtensionStatus = "pending"
	ExtensionApproved ExtensionStatus = "approved"
	ExtensionRejected ExtensionStatus = "rejected"
)

// ExtensionRequest asks for a later due date.
type ExtensionRequest struct {
	ID              string          `json:"id"`
	RequestedBy     string          `json:"requested_by"`
	OldDueDate      *time.Time      `json:"old_due_date,omitempty"`
	NewDueDate      time.Time       `json:"new_due_date"`
	Reason          string          `json:"reason"`
	Status          ExtensionStatus `json:"status"`
	ApprovedDueDate *time.Time      `json:"approved_due_date,omitempty"`
	ReviewedBy      string          `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time      `json:"reviewed_at,omitempty"`
	ReviewNote      string          `json:"review_note,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PendingRequest returns the index of the pending request in list, or -1.
func PendingRequest(list []ModificationRequest) int {
	for i, r := range list {
		if r.Status == RequestPending {
			return i
		}
	}
	return -1
}

// HasPendingRequest reports whether either modification collection holds a pending request.
func (t *Task) HasPendingRequest() bool {
	return PendingRequest(t.ModificationRequests) >= 0 || PendingRequest(t.EmployeeModificationRequests) >= 0
}

// PendingExtension returns the index of the pending extension request, or -1.
func (t *Task) PendingExtension() int {
	for i, r := range t.ExtensionRequests {
		if r.Status == ExtensionPending {
			return i
		}
	}
	return -1
}

// FindRequest locates a modification request by id in either collection.
// It returns the collection origin and index, or ErrNotFound.
func (t *Task) FindRequest(id string) (Origin, int, error) {
	for i, r := range t.ModificationRequests {
		if r.ID == id {
			return OriginAdmin, i, nil
		}
	}
	for i, r := range t.EmployeeModificationRequests {
		if r.ID == id {
			return OriginEmployee, i, nil
		}
	}
	return "", -1, NotFoundf("modification request %s on task %s", id, t.ID)
}

// Request returns a copy of the request at idx in the collection for origin.
func (t *Task) Request(origin Origin, idx int) ModificationRequest {
	if origin == OriginAdmin {
		return t.ModificationRequests[idx]
	}
	return t.EmployeeModificationRequests[idx]
}

// ReplaceRequest swaps in r at idx, building a new slice for the collection.
func (t *Task) ReplaceRequest(origin Origin, idx int, r ModificationRequest) {
	if origin == OriginAdmin {
		t.ModificationRequests = replaceAt(t.ModificationRequests, idx, r)
		return
	}
	t.EmployeeModificationRequests = replaceAt(t.EmployeeModificationRequests, idx, r)
}

// AddRequest appends r to the collection for its origin, building a new slice.
func (t *Task) AddRequest(r ModificationRequest) {
	if r.Origin == OriginAdmin {
		t.ModificationRequests = appendCopy(t.ModificationRequests, r)
		return
	}
	t.EmployeeModificationRequests = appendCopy(t.EmployeeModificationRequests, r)
}

// ReplaceExtension swaps in r at idx, building a new slice.
func (t *Task) ReplaceExtension(idx int, r ExtensionRequest) {
	t.ExtensionRequests = replaceAt(t.ExtensionRequests, idx, r)
}

// AddExtension appends r, building a new slice.
func (t *Task) AddExtension(r ExtensionRequest) {
	t.ExtensionRequests = appendCopy(t.ExtensionRequests, r)
}

func replaceAt[T any](list []T, idx int, v T) []T {
	out := make([]T, len(list))
	copy(out, list)
	out[idx] = v
	return out
}

func appendCopy[T any](list []T, v T) []T {
	out := make([]T, len(list), len(list)+1)
	copy(out, list)
	return append(out, v)
}

// FindExtension locates an extension request by id, or returns ErrNotFound.
func (t *Task) FindExtension(id string) (int, error) {
	for i, r := range t.ExtensionRequests {
		if r.ID == id {
			return i, nil
		}
	}
	return -1, NotFoundf("extension request %s on task %s", id, t.ID)
}
