package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tasktrack/comms"
	"github.com/GoCodeAlone/tasktrack/config"
	"github.com/GoCodeAlone/tasktrack/internal/clock"
	"github.com/GoCodeAlone/tasktrack/task"
)

var (
	t0       = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	admin    = Admin("admin-1")
	employee = Employee("emp-1")
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []comms.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n comms.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) count(kind comms.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingNotifier) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notes)
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, comms.Notification) error {
	return errors.New("smtp down")
}

// racingRepo simulates another writer saving the same task just before each
// of the next races saves.
type racingRepo struct {
	task.Repository
	races int
}

func (r *racingRepo) Save(ctx context.Context, t *task.Task) error {
	if r.races > 0 {
		r.races--
		other, err := r.Repository.Load(ctx, t.ID)
		if err != nil {
			return err
		}
		if err := r.Repository.Save(ctx, other); err != nil {
			return err
		}
	}
	return r.Repository.Save(ctx, t)
}

type fixture struct {
	svc   *Service
	store *task.SQLiteStore
	clock *clock.Fake
	notes *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clk := clock.NewFake(t0)
	notes := &recordingNotifier{}
	svc := NewService(store, notes, WithClock(clk), WithPolicy(config.DefaultLifecycle()))
	return &fixture{svc: svc, store: store, clock: clk, notes: notes}
}

func (f *fixture) create(t *testing.T) *task.Task {
	t.Helper()
	due := f.clock.Now().Add(7 * 24 * time.Hour)
	tk, err := f.svc.CreateTask(context.Background(), admin, NewTask{
		Title:       "Prepare onboarding deck",
		Description: "Slides for the new hires",
		Priority:    task.PriorityHigh,
		DueDate:     &due,
		AssignedTo:  employee.ID,
	})
	require.NoError(t, err)
	return tk
}

// toCompleted drives a new task to completed with one submission.
func (f *fixture) toCompleted(t *testing.T) *task.Task {
	t.Helper()
	ctx := context.Background()
	tk := f.create(t)
	_, err := f.svc.Accept(ctx, employee, tk.ID)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, employee, tk.ID)
	require.NoError(t, err)
	tk, err = f.svc.Complete(ctx, employee, tk.ID, Submission{Link: "https://docs.example.com/deck"})
	require.NoError(t, err)
	return tk
}

func (f *fixture) toVerified(t *testing.T) *task.Task {
	t.Helper()
	tk := f.toCompleted(t)
	tk, err := f.svc.Verify(context.Background(), admin, tk.ID, "looks good")
	require.NoError(t, err)
	return tk
}

func (f *fixture) toReopened(t *testing.T) *task.Task {
	t.Helper()
	tk := f.toVerified(t)
	tk, err := f.svc.Reopen(context.Background(), admin, tk.ID, "numbers on slide 4 are wrong")
	require.NoError(t, err)
	return tk
}

func (f *fixture) load(t *testing.T, id string) *task.Task {
	t.Helper()
	tk, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func countActions(tk *task.Task, action task.Action) int {
	n := 0
	for _, e := range tk.Timeline {
		if e.Action == action {
			n++
		}
	}
	return n
}

// assertInvariants checks the properties every stored task must satisfy.
func assertInvariants(t *testing.T, tk *task.Task) {
	t.Helper()
	assert.Equal(t, tk.Status.IsClosed(), tk.ClosedAt != nil, "closedAt must track status %s", tk.Status)
	for _, list := range [][]task.ModificationRequest{tk.ModificationRequests, tk.EmployeeModificationRequests} {
		pending := 0
		for _, r := range list {
			if r.Status == task.RequestPending {
				pending++
			}
		}
		assert.LessOrEqual(t, pending, 1, "more than one pending request in a collection")
	}
	if tk.ReopenDueAt != nil {
		assert.Equal(t, task.StatusReopened, tk.Status)
		assert.Equal(t, task.ReopenSLAPending, tk.ReopenSLAStatus)
	}
	for i := 1; i < len(tk.Timeline); i++ {
		assert.False(t, tk.Timeline[i].Timestamp.Before(tk.Timeline[i-1].Timestamp), "timeline out of order at %d", i)
	}
}
