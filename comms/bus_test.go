package comms

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func makeNote(userID string, kind Kind) Notification {
	return Notification{
		UserID:  userID,
		Kind:    kind,
		TaskID:  "task-1",
		Payload: map[string]any{"status": "accepted"},
	}
}

func TestInMemoryBus_Subscribe_Unsubscribe(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var received int32
	unsub := bus.Subscribe("emp-a", func(_ context.Context, _ *Notification) error {
		atomic.AddInt32(&received, 1)
		return nil
	})

	if err := bus.Notify(ctx, makeNote("emp-a", KindTaskAssigned)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received = %d, want 1", received)
	}

	// Unsubscribe and verify no more notifications
	unsub()
	if err := bus.Notify(ctx, makeNote("emp-a", KindTaskAssigned)); err != nil {
		t.Fatalf("Notify after unsub: %v", err)
	}
	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("received after unsub = %d, want 1", received)
	}
}

func TestInMemoryBus_CatchAllSubscriber(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var mu sync.Mutex
	var users []string
	bus.Subscribe("", func(_ context.Context, n *Notification) error {
		mu.Lock()
		users = append(users, n.UserID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"emp-a", "emp-b", "admin-1"} {
		if err := bus.Notify(ctx, makeNote(id, KindTaskStatusChanged)); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	if len(users) != 3 {
		t.Errorf("catch-all received %d, want 3", len(users))
	}
}

func TestInMemoryBus_DirectOnlyToRecipient(t *testing.T) {
	bus := NewInMemoryBus(0)
	ctx := context.Background()

	var aCount, bCount int32
	bus.Subscribe("emp-a", func(_ context.Context, _ *Notification) error {
		atomic.AddInt32(&aCount, 1)
		return nil
	})
	bus.Subscribe("emp-b", func(_ context.Context, _ *Notification) error {
		atomic.AddInt32(&bCount, 1)
		return nil
	})

	if err := bus.Notify(ctx, makeNote("emp-a", KindTaskReopened)); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if atomic.LoadInt32(&aCount) != 1 {
		t.Errorf("emp-a received %d, want 1", aCount)
	}
	if atomic.LoadInt32(&bCount) != 0 {
		t.Errorf("emp-b received %d, want 0", bCount)
	}
}

func TestInMemoryBus_History(t *testing.T) {
	bus := NewInMemoryBus(3)
	ctx := context.Background()

	for _, id := range []string{"emp-a", "emp-b", "emp-a", "emp-a"} {
		_ = bus.Notify(ctx, makeNote(id, KindTaskStatusChanged))
	}

	all, err := bus.History("", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("history cap: got %d, want 3", len(all))
	}

	hist, _ := bus.History("emp-a", 10)
	if len(hist) != 2 {
		t.Errorf("emp-a history: got %d, want 2", len(hist))
	}
	for _, n := range hist {
		if n.ID == "" || n.Timestamp.IsZero() {
			t.Errorf("notification not stamped: %+v", n)
		}
	}

	limited, _ := bus.History("emp-a", 1)
	if len(limited) != 1 {
		t.Errorf("limited history: got %d, want 1", len(limited))
	}
}

func TestInMemoryBus_HandlerError(t *testing.T) {
	bus := NewInMemoryBus(0)
	bus.Subscribe("emp-a", func(_ context.Context, _ *Notification) error {
		return errors.New("boom")
	})
	if err := bus.Notify(context.Background(), makeNote("emp-a", KindTaskAssigned)); err == nil {
		t.Fatal("expected handler error to surface from Notify")
	}
	hist, _ := bus.History("emp-a", 0)
	if len(hist) != 1 {
		t.Errorf("history after failed handler: got %d, want 1", len(hist))
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNATSNotifier_Publish(t *testing.T) {
	pub := &recordingPublisher{}
	n := NewNATSNotifier(pub, "")

	note := makeNote("user.with*dots", KindReopenTimeout)
	note.Timestamp = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	if err := n.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(pub.subjects) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.subjects))
	}
	if pub.subjects[0] != "tasktrack.notify.user_with_dots" {
		t.Errorf("subject = %q", pub.subjects[0])
	}

	var got Notification
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.Kind != KindReopenTimeout || got.TaskID != "task-1" || got.ID == "" {
		t.Errorf("decoded notification = %+v", got)
	}
}

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	bus := NewInMemoryBus(0)
	failing := NewNATSNotifier(&recordingPublisher{err: errors.New("no responders")}, "x")
	f := Fanout{bus, nil, failing}

	err := f.Notify(context.Background(), makeNote("emp-a", KindExtensionReviewed))
	if err == nil {
		t.Fatal("expected fanout error from failing notifier")
	}
	hist, _ := bus.History("emp-a", 0)
	if len(hist) != 1 {
		t.Errorf("bus received %d, want 1 despite sibling failure", len(hist))
	}
}

func TestFanout_JoinsEveryError(t *testing.T) {
	errA := errors.New("no responders")
	errB := errors.New("connection closed")
	f := Fanout{
		NewNATSNotifier(&recordingPublisher{err: errA}, "a"),
		NewNATSNotifier(&recordingPublisher{err: errB}, "b"),
	}

	err := f.Notify(context.Background(), makeNote("emp-a", KindTaskAssigned))
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both notifier errors, got %v", err)
	}
}

func TestInMemoryBus_JoinsHandlerErrors(t *testing.T) {
	bus := NewInMemoryBus(0)
	errA := errors.New("sse closed")
	errB := errors.New("mailer down")
	bus.Subscribe("emp-a", func(context.Context, *Notification) error { return errA })
	bus.Subscribe("", func(context.Context, *Notification) error { return errB })

	err := bus.Notify(context.Background(), makeNote("emp-a", KindTaskAssigned))
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both handler errors, got %v", err)
	}
}
