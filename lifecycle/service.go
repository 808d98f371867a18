// Package lifecycle implements the task state machine, the modification and
// extension request workflows, and the reopen SLA timeout on top of a
// task.Repository.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/config"
	"github.com/GoCodeAlone/tasktrack/internal/clock"
	"github.com/GoCodeAlone/tasktrack/resolution"
	"github.com/GoCodeAlone/tasktrack/task"
)

// Actor is the identity performing an operation.
type Actor struct {
	ID   string    `json:"id"`
	Role task.Role `json:"role"`
}

// Admin returns an admin actor.
func Admin(id string) Actor { return Actor{ID: id, Role: task.RoleAdmin} }

// Employee returns an employee actor.
func Employee(id string) Actor { return Actor{ID: id, Role: task.RoleEmployee} }

var systemActor = Actor{Role: task.RoleSystem}

// errNoChange ends a mutation successfully without saving.
var errNoChange = errors.New("no change")

// commitError asks mutate to persist the task and then return err. Lazy
// expiry uses it: the expiry is recorded even though the caller's operation fails.
type commitError struct{ err error }

func (e *commitError) Error() string { return e.err.Error() }
func (e *commitError) Unwrap() error { return e.err }

// Service runs every lifecycle operation as load, validate, mutate, save,
// and notify. Saves are compare-and-swap; on a version conflict the whole
// operation is replayed against a fresh load.
type Service struct {
	repo     task.Repository
	notifier comms.Notifier
	clock    clock.Clock
	logger   *slog.Logger
	policy   atomic.Pointer[config.LifecycleConfig]
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithPolicy sets the initial lifecycle policy.
func WithPolicy(p config.LifecycleConfig) Option {
	return func(s *Service) { s.policy.Store(&p) }
}

// NewService creates a Service. notifier may be nil.
func NewService(repo task.Repository, notifier comms.Notifier, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		notifier: notifier,
		clock:    clock.Real{},
		logger:   slog.Default(),
	}
	def := config.DefaultLifecycle()
	s.policy.Store(&def)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Policy returns the lifecycle policy currently in force.
func (s *Service) Policy() config.LifecycleConfig { return *s.policy.Load() }

// SetPolicy replaces the lifecycle policy. Operations already in flight keep
// the policy they started with.
func (s *Service) SetPolicy(p config.LifecycleConfig) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.policy.Store(&p)
	return nil
}

// Get returns a task after expiring any of its requests whose window has passed.
func (s *Service) Get(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.repo.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !hasExpiredRequest(t, s.clock.Now()) {
		return t, nil
	}
	return s.mutate(ctx, id, func(x *txn) error {
		if x.expireRequests() == 0 {
			return errNoChange
		}
		return nil
	})
}

// List returns stored tasks matching filter.
func (s *Service) List(ctx context.Context, filter task.Filter) ([]*task.Task, error) {
	return s.repo.List(ctx, filter)
}

// Resolution classifies the task's outcome from its current timeline.
func (s *Service) Resolution(ctx context.Context, id string) (resolution.Resolution, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return resolution.Resolution{}, err
	}
	return resolution.Resolve(t.Status, t.Timeline), nil
}

// mutate loads the task, applies fn, saves, and dispatches the notifications
// fn queued. A failing fn leaves the stored task untouched.
func (s *Service) mutate(ctx context.Context, id string, fn func(*txn) error) (*task.Task, error) {
	policy := s.Policy()
	for attempt := 0; ; attempt++ {
		t, err := s.repo.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		x := &txn{t: t, now: s.clock.Now(), policy: policy}

		fnErr := fn(x)
		var commit *commitError
		switch {
		case errors.Is(fnErr, errNoChange):
			return t, nil
		case errors.As(fnErr, &commit):
		case fnErr != nil:
			return nil, fnErr
		}

		if err := s.repo.Save(ctx, t); err != nil {
			if errors.Is(err, task.ErrVersionConflict) && attempt < policy.MaxConflictRetries {
				s.logger.Debug("version conflict, retrying", "task_id", id, "attempt", attempt+1)
				continue
			}
			return nil, fmt.Errorf("save task %s: %w", id, err)
		}
		s.dispatch(ctx, x.notes)
		if commit != nil {
			return t, commit.err
		}
		return t, nil
	}
}

func (s *Service) dispatch(ctx context.Context, notes []comms.Notification) {
	if s.notifier == nil {
		return
	}
	for _, n := range notes {
		if err := s.notifier.Notify(ctx, n); err != nil {
			s.logger.Warn("notification failed",
				"user_id", n.UserID, "kind", n.Kind, "task_id", n.TaskID, "error", err)
		}
	}
}

// txn is the working state of a single mutate attempt.
type txn struct {
	t      *task.Task
	now    time.Time
	policy config.LifecycleConfig
	notes  []comms.Notification
}

func (x *txn) record(a Actor, action task.Action, details map[string]any) {
	task.AppendActivity(x.t, action, a.ID, a.Role, details, x.now)
}

// setStatus moves the task to s and keeps ClosedAt and ReopenDueAt consistent with it.
func (x *txn) setStatus(s task.Status) {
	if s != x.t.Status {
		// Moving between closed statuses restarts the clock.
		x.t.ClosedAt = nil
	}
	x.t.Status = s
	x.t.Close(x.now)
	if s != task.StatusReopened {
		x.t.ReopenDueAt = nil
	}
}

func (x *txn) notify(userID string, kind comms.Kind, payload map[string]any) {
	if userID == "" {
		return
	}
	x.notes = append(x.notes, comms.Notification{
		UserID:    userID,
		Kind:      kind,
		TaskID:    x.t.ID,
		Payload:   payload,
		Timestamp: x.now,
	})
}

// notifyParties notifies the creator and the assignee, skipping the actor.
func (x *txn) notifyParties(actor Actor, kind comms.Kind, payload map[string]any) {
	seen := map[string]bool{actor.ID: true}
	for _, id := range []string{x.t.CreatedBy, x.t.AssignedTo} {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		x.notify(id, kind, payload)
	}
}

func requireAdmin(a Actor) error {
	if a.Role != task.RoleAdmin || a.ID == "" {
		return task.Forbiddenf("admin role required")
	}
	return nil
}

func requireAssignee(t *task.Task, a Actor) error {
	if a.Role != task.RoleEmployee || a.ID == "" || a.ID != t.AssignedTo {
		return task.Forbiddenf("only the assignee may do this")
	}
	return nil
}

func requireText(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", task.Validationf("%s is required", field)
	}
	return v, nil
}

func requireReason(v string, minLen int) (string, error) {
	v = strings.TrimSpace(v)
	if len([]rune(v)) < minLen {
		return "", task.Validationf("reason must be at least %d characters", minLen)
	}
	return v, nil
}
