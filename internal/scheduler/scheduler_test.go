package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/docsmith/docsmith/internal/task"
)

// fakeLeases implements LeaseStore with a single in-memory lease.
type fakeLeases struct {
	mu         sync.Mutex
	held       bool
	holder     string
	acquireErr error
	acquires   int
	releases   int
}

func (f *fakeLeases) AcquireLease(_ context.Context, _, holder string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.held {
		return false, nil
	}
	f.held = true
	f.holder = holder
	return true, nil
}

func (f *fakeLeases) ReleaseLease(_ context.Context, _, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if f.held && f.holder == holder {
		f.held = false
	}
	return nil
}

// fakeEnqueuer records enqueued tasks.
type fakeEnqueuer struct {
	mu       sync.Mutex
	err      error
	enqueued []string // idempotency keys
	payloads []task.FetchSyncPayload
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, _, _ string, payload any, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.enqueued = append(f.enqueued, key)
	if p, ok := payload.(task.FetchSyncPayload); ok {
		f.payloads = append(f.payloads, p)
	}
	return true, nil
}

func newScheduler(t *testing.T, leases LeaseStore, queue Enqueuer) *Scheduler {
	t.Helper()
	s, err := New(leases, queue, time.Hour, 2*time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTriggerNowEnqueuesOnce(t *testing.T) {
	leases := &fakeLeases{}
	queue := &fakeEnqueuer{}
	s := newScheduler(t, leases, queue)

	ok, err := s.TriggerNow(context.Background())
	if err != nil {
		t.Fatalf("TriggerNow() error: %v", err)
	}
	if !ok {
		t.Fatal("TriggerNow() = false, want true")
	}
	if len(queue.enqueued) != 1 {
		t.Fatalf("enqueued %d tasks, want 1", len(queue.enqueued))
	}
	if queue.payloads[0].LeaseHolder != leases.holder {
		t.Errorf("payload lease holder = %q, want %q", queue.payloads[0].LeaseHolder, leases.holder)
	}
	if !leases.held {
		t.Error("lease released before cycle completion")
	}
}

func TestTriggerNowNoOpWhileLeaseHeld(t *testing.T) {
	leases := &fakeLeases{held: true, holder: "other"}
	queue := &fakeEnqueuer{}
	s := newScheduler(t, leases, queue)

	ok, err := s.TriggerNow(context.Background())
	if err != nil {
		t.Fatalf("TriggerNow() with held lease must not error, got: %v", err)
	}
	if ok {
		t.Error("TriggerNow() = true, want false while lease held")
	}
	if len(queue.enqueued) != 0 {
		t.Errorf("enqueued %d tasks while lease held, want 0", len(queue.enqueued))
	}
}

func TestTriggerNowLeaseErrorIsTransient(t *testing.T) {
	leases := &fakeLeases{acquireErr: errors.New("connection refused")}
	queue := &fakeEnqueuer{}
	s := newScheduler(t, leases, queue)

	if _, err := s.TriggerNow(context.Background()); err == nil {
		t.Fatal("TriggerNow() expected error from lease store")
	}
	if len(queue.enqueued) != 0 {
		t.Error("task enqueued despite lease error")
	}
}

func TestTriggerNowReleasesLeaseOnEnqueueError(t *testing.T) {
	leases := &fakeLeases{}
	queue := &fakeEnqueuer{err: errors.New("insert failed")}
	s := newScheduler(t, leases, queue)

	if _, err := s.TriggerNow(context.Background()); err == nil {
		t.Fatal("TriggerNow() expected enqueue error")
	}
	if leases.held {
		t.Error("lease still held after enqueue failure; next tick would be blocked")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	leases := &fakeLeases{}
	queue := &fakeEnqueuer{}
	s, err := New(leases, queue, 10*time.Millisecond, time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	// Several ticks fired, but the lease (never released) kept it single-flight.
	if len(queue.enqueued) != 1 {
		t.Errorf("enqueued %d sync tasks, want exactly 1 (single-flight)", len(queue.enqueued))
	}
}

func TestNewValidation(t *testing.T) {
	leases := &fakeLeases{}
	queue := &fakeEnqueuer{}
	if _, err := New(nil, queue, time.Hour, time.Hour, nil); err == nil {
		t.Error("New(nil leases) expected error")
	}
	if _, err := New(leases, nil, time.Hour, time.Hour, nil); err == nil {
		t.Error("New(nil queue) expected error")
	}
	if _, err := New(leases, queue, 0, time.Hour, nil); err == nil {
		t.Error("New(zero interval) expected error")
	}
	if _, err := New(leases, queue, time.Hour, 0, nil); err == nil {
		t.Error("New(zero TTL) expected error")
	}
}
