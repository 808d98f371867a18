// Package comms delivers lifecycle notifications to users.
package comms

import (
	"context"
	"time"
)

// Kind identifies what happened to a task.
type Kind string

const (
	KindTaskAssigned          Kind = "task_assigned"
	KindTaskStatusChanged     Kind = "task_status_changed"
	KindTaskReopened          Kind = "task_reopened"
	KindReopenTimeout         Kind = "reopen_timeout"
	KindModificationRequested Kind = "modification_requested"
	KindModificationResponded Kind = "modification_responded"
	KindModificationExecuted  Kind = "modification_executed"
	KindModificationExpired   Kind = "modification_expired"
	KindModificationMessage   Kind = "modification_message"
	KindExtensionRequested    Kind = "extension_requested"
	KindExtensionReviewed     Kind = "extension_reviewed"
)

// Notification is addressed to exactly one user.
type Notification struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      Kind           `json:"kind"`
	TaskID    string         `json:"task_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier accepts notifications. Callers treat delivery as fire-and-forget:
// an error is logged, never surfaced to the actor whose operation produced it.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Handler processes notifications delivered to a subscriber.
type Handler func(ctx context.Context, n *Notification) error

// Bus is the in-process notification backbone. Subscribers register per user
// id; the empty user id receives every notification.
type Bus interface {
	Notifier

	// Subscribe registers a handler for notifications addressed to userID.
	// Returns an unsubscribe function.
	Subscribe(userID string, handler Handler) (unsubscribe func())

	// History returns recent notifications for userID, oldest first.
	History(userID string, limit int) ([]*Notification, error)
}
