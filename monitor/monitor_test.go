package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/tasktrack/internal/clock"
	"github.com/GoCodeAlone/tasktrack/lifecycle"
	"github.com/GoCodeAlone/tasktrack/task"
)

var t0 = time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) (*task.SQLiteStore, *lifecycle.Service, *clock.Fake) {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	clk := clock.NewFake(t0)
	return store, lifecycle.NewService(store, nil, lifecycle.WithClock(clk)), clk
}

// reopenedTask drives a task through verification and back to reopened.
func reopenedTask(t *testing.T, svc *lifecycle.Service) *task.Task {
	t.Helper()
	ctx := context.Background()
	admin, emp := lifecycle.Admin("admin-1"), lifecycle.Employee("emp-1")
	tk, err := svc.CreateTask(ctx, admin, lifecycle.NewTask{Title: "Ship release notes", AssignedTo: emp.ID})
	require.NoError(t, err)
	_, err = svc.Accept(ctx, emp, tk.ID)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, emp, tk.ID, lifecycle.Submission{Note: "done"})
	require.NoError(t, err)
	_, err = svc.Verify(ctx, admin, tk.ID, "")
	require.NoError(t, err)
	tk, err = svc.Reopen(ctx, admin, tk.ID, "missing the changelog link")
	require.NoError(t, err)
	return tk
}

func TestRunOnce_TimesOutExpiredReopen(t *testing.T) {
	store, svc, clk := newEngine(t)
	ctx := context.Background()
	expired := reopenedTask(t, svc)
	clk.Advance(2 * time.Hour)
	fresh := reopenedTask(t, svc)

	// expired's window closed an hour ago; fresh's is still open.
	clk.Set(expired.ReopenDueAt.Add(time.Hour))

	metrics := NewMetrics(prometheus.NewRegistry())
	m, err := New(store, svc, DefaultConfig(), clk, metrics, nil)
	require.NoError(t, err)

	rep := m.RunOnce(ctx)
	assert.Equal(t, 1, rep.TimedOut)
	assert.Zero(t, rep.Errors)

	got, err := store.Load(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusVerified, got.Status)
	assert.Equal(t, task.ReopenSLATimedOut, got.ReopenSLAStatus)
	assert.Nil(t, got.ReopenDueAt)
	assert.NotNil(t, got.ClosedAt)
	timeouts := 0
	for _, e := range got.Timeline {
		if e.Action == task.ActionReopenTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)

	still, err := store.Load(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusReopened, still.Status)

	rep = m.RunOnce(ctx)
	assert.Zero(t, rep.TimedOut, "second sweep finds nothing")
	again, err := store.Load(ctx, expired.ID)
	require.NoError(t, err)
	assert.Len(t, again.Timeline, len(got.Timeline))

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.Sweeps))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ReopenTimeouts))
}

func TestRunOnce_ExpiresStaleRequests(t *testing.T) {
	store, svc, clk := newEngine(t)
	ctx := context.Background()
	admin, emp := lifecycle.Admin("admin-1"), lifecycle.Employee("emp-1")

	tk, err := svc.CreateTask(ctx, admin, lifecycle.NewTask{Title: "Ship release notes", AssignedTo: emp.ID})
	require.NoError(t, err)
	_, err = svc.Accept(ctx, emp, tk.ID)
	require.NoError(t, err)
	_, err = svc.RequestModification(ctx, admin, tk.ID, lifecycle.ModificationInput{
		RequestType: task.RequestDelete,
		Reason:      "release was cancelled",
	})
	require.NoError(t, err)

	metrics := NewMetrics(nil)
	m, err := New(store, svc, DefaultConfig(), clk, metrics, nil)
	require.NoError(t, err)

	assert.Zero(t, m.RunOnce(ctx).RequestsExpired)

	clk.Advance(25 * time.Hour)
	rep := m.RunOnce(ctx)
	assert.Equal(t, 1, rep.RequestsExpired)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.RequestsExpired))

	got, err := store.Load(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RequestExpired, got.ModificationRequests[0].Status)
	assert.False(t, got.HasPendingRequest())
}

type stubLister struct{ tasks []*task.Task }

func (s stubLister) List(_ context.Context, f task.Filter) ([]*task.Task, error) {
	if f.ReopenDueBefore != nil {
		return s.tasks, nil
	}
	return nil, nil
}

type stubSweeper struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	ran   chan struct{}
}

func (s *stubSweeper) TimeoutReopen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	s.calls = append(s.calls, id)
	s.mu.Unlock()
	if s.ran != nil {
		select {
		case s.ran <- struct{}{}:
		default:
		}
	}
	if s.fail[id] {
		return false, errors.New("document is corrupt")
	}
	return true, nil
}

func (s *stubSweeper) ExpireRequests(context.Context, string) (int, error) { return 0, nil }

func TestRunOnce_ContinuesPastFailures(t *testing.T) {
	lister := stubLister{tasks: []*task.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	sweeper := &stubSweeper{fail: map[string]bool{"b": true}}
	metrics := NewMetrics(nil)
	m, err := New(lister, sweeper, DefaultConfig(), clock.NewFake(t0), metrics, nil)
	require.NoError(t, err)

	rep := m.RunOnce(context.Background())
	assert.Equal(t, []string{"a", "b", "c"}, sweeper.calls)
	assert.Equal(t, 3, rep.Scanned)
	assert.Equal(t, 2, rep.TimedOut)
	assert.Equal(t, 1, rep.Errors)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Errors))
}

func TestStartStop(t *testing.T) {
	sweeper := &stubSweeper{ran: make(chan struct{}, 1)}
	m, err := New(stubLister{tasks: []*task.Task{{ID: "a"}}}, sweeper, Config{Interval: time.Hour}, clock.NewFake(t0), nil, nil)
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()), "second start")

	select {
	case <-sweeper.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("no sweep on start")
	}
	require.NoError(t, m.Stop(5*time.Second))
	require.NoError(t, m.Stop(time.Second), "stop is idempotent")
}

func TestNew_RejectsBadInterval(t *testing.T) {
	_, err := New(stubLister{}, &stubSweeper{}, Config{}, nil, nil, nil)
	assert.Error(t, err)
}
