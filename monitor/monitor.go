// Package monitor runs the periodic sweep that times out expired reopen
// windows and expires stale modification requests.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/tasktrack/internal/clock"
	"github.com/GoCodeAlone/tasktrack/task"
)

// Lister finds candidate tasks.
type Lister interface {
	List(ctx context.Context, filter task.Filter) ([]*task.Task, error)
}

// Sweeper applies the time-based transitions to a single task. Both calls
// must be idempotent.
type Sweeper interface {
	TimeoutReopen(ctx context.Context, id string) (bool, error)
	ExpireRequests(ctx context.Context, id string) (int, error)
}

// Report summarizes one sweep.
type Report struct {
	Scanned         int `json:"scanned"`
	TimedOut        int `json:"timed_out"`
	RequestsExpired int `json:"requests_expired"`
	Errors          int `json:"errors"`
}

// Config controls the monitor.
type Config struct {
	Interval time.Duration
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{Interval: time.Hour}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

// Monitor owns the sweep ticker.
type Monitor struct {
	tasks   Lister
	sweeper Sweeper
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
	config  Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a Monitor. metrics may be nil.
func New(tasks Lister, sweeper Sweeper, cfg Config, clk clock.Clock, metrics *Metrics, logger *slog.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		tasks:   tasks,
		sweeper: sweeper,
		clock:   clk,
		logger:  logger,
		metrics: metrics,
		config:  cfg,
	}, nil
}

// Start runs one sweep immediately and then one per interval until ctx is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("monitor already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)

	m.logger.Info("monitor started", "interval", m.config.Interval)
	return nil
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// Stop cancels the loop and waits up to timeout for an in-flight sweep to finish.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		m.logger.Info("monitor stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("monitor did not stop within %s", timeout)
	}
}

// RunOnce performs a single sweep. One task failing never stops the sweep.
func (m *Monitor) RunOnce(ctx context.Context) Report {
	var rep Report
	now := m.clock.Now()

	due, err := m.tasks.List(ctx, task.Filter{ReopenDueBefore: &now, IncludeArchived: true})
	if err != nil {
		m.logger.Error("list reopened tasks", "error", err)
		rep.Errors++
	}
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		rep.Scanned++
		changed, err := m.sweeper.TimeoutReopen(ctx, t.ID)
		if err != nil {
			m.logger.Warn("reopen timeout failed", "task_id", t.ID, "error", err)
			rep.Errors++
			continue
		}
		if changed {
			rep.TimedOut++
		}
	}

	pending, err := m.tasks.List(ctx, task.Filter{HasPendingRequest: true, IncludeArchived: true})
	if err != nil {
		m.logger.Error("list tasks with pending requests", "error", err)
		rep.Errors++
	}
	for _, t := range pending {
		if ctx.Err() != nil {
			break
		}
		if !hasExpired(t, now) {
			continue
		}
		rep.Scanned++
		n, err := m.sweeper.ExpireRequests(ctx, t.ID)
		if err != nil {
			m.logger.Warn("request expiry failed", "task_id", t.ID, "error", err)
			rep.Errors++
			continue
		}
		rep.RequestsExpired += n
	}

	m.metrics.Sweeps.Inc()
	m.metrics.ReopenTimeouts.Add(float64(rep.TimedOut))
	m.metrics.RequestsExpired.Add(float64(rep.RequestsExpired))
	m.metrics.Errors.Add(float64(rep.Errors))

	if rep.TimedOut > 0 || rep.RequestsExpired > 0 || rep.Errors > 0 {
		m.logger.Info("monitor sweep",
			"scanned", rep.Scanned,
			"timed_out", rep.TimedOut,
			"requests_expired", rep.RequestsExpired,
			"errors", rep.Errors)
	} else {
		m.logger.Debug("monitor sweep", "scanned", rep.Scanned)
	}
	return rep
}

func hasExpired(t *task.Task, now time.Time) bool {
	for _, list := range [][]task.ModificationRequest{t.ModificationRequests, t.EmployeeModificationRequests} {
		for _, r := range list {
			if r.IsExpired(now) {
				return true
			}
		}
	}
	return false
}
