package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockCloser records Close calls into a shared order log
type mockCloser struct {
	name     string
	closeErr error
	calls    atomic.Int32
	order    *[]string
	mu       *sync.Mutex
}

func (m *mockCloser) Close() error {
	m.calls.Add(1)
	if m.order != nil {
		m.mu.Lock()
		*m.order = append(*m.order, m.name)
		m.mu.Unlock()
	}
	return m.closeErr
}

func newTestCoordinator() *Coordinator {
	return New(5*time.Second, zerolog.Nop())
}

func TestShutdownClosesInPriorityOrder(t *testing.T) {
	c := newTestCoordinator()

	var order []string
	var mu sync.Mutex
	newCloser := func(name string) *mockCloser {
		return &mockCloser{name: name, order: &order, mu: &mu}
	}

	c.Register("storage", newCloser("storage"), PriorityStorage)
	c.Register("input", newCloser("input"), PriorityInput)
	c.Register("staging", newCloser("staging"), PriorityStaging)
	c.RegisterHook("metrics", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "metrics-hook")
		mu.Unlock()
		return nil
	}, PriorityMetrics)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"metrics-hook", "input", "staging", "storage"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestShutdownOnce(t *testing.T) {
	c := newTestCoordinator()
	comp := &mockCloser{name: "staging"}
	c.Register("staging", comp, PriorityStaging)

	var hookCalls atomic.Int32
	c.RegisterHook("hook", func(ctx context.Context) error {
		hookCalls.Add(1)
		return nil
	}, PriorityMetrics)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown()
		}()
	}
	wg.Wait()

	if comp.calls.Load() != 1 {
		t.Errorf("Close called %d times, want 1", comp.calls.Load())
	}
	if hookCalls.Load() != 1 {
		t.Errorf("hook called %d times, want 1", hookCalls.Load())
	}
}

func TestShutdownContinuesAfterError(t *testing.T) {
	c := newTestCoordinator()
	first := errors.New("close input failed")

	failing := &mockCloser{name: "input", closeErr: first}
	failing2 := &mockCloser{name: "staging", closeErr: errors.New("second failure")}
	ok := &mockCloser{name: "storage"}
	c.Register("input", failing, PriorityInput)
	c.Register("staging", failing2, PriorityStaging)
	c.Register("storage", ok, PriorityStorage)

	err := c.Shutdown()
	if !errors.Is(err, first) {
		t.Errorf("expected first error, got %v", err)
	}
	if ok.calls.Load() != 1 {
		t.Error("components after a failure should still be closed")
	}
}

func TestShutdownHookTimeoutStillClosesComponents(t *testing.T) {
	c := New(50*time.Millisecond, zerolog.Nop())

	c.RegisterHook("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 1)
	var skipped atomic.Bool
	c.RegisterHook("skipped", func(ctx context.Context) error {
		skipped.Store(true)
		return nil
	}, 2)

	staging := &mockCloser{name: "staging"}
	c.Register("staging", staging, PriorityStaging)

	err := c.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if skipped.Load() {
		t.Error("hooks after the timeout should be skipped")
	}
	if staging.calls.Load() != 1 {
		t.Error("components must be closed even after a hook timeout")
	}
}

func TestTriggerShutdownConcurrent(t *testing.T) {
	c := newTestCoordinator()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.TriggerShutdown()
		}()
	}
	wg.Wait()

	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after TriggerShutdown")
	}

	// Shutdown after a trigger must not double-close the channel
	if err := c.Shutdown(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCancelOnSignal(t *testing.T) {
	c := newTestCoordinator()
	ctx := c.CancelOnSignal(context.Background())

	// Give the watcher time to install its handler
	time.Sleep(50 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGINT); err != nil {
		t.Fatalf("failed to send signal: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled by SIGINT")
	}
}

func TestCancelOnSignalReleasedByShutdown(t *testing.T) {
	c := newTestCoordinator()
	ctx := c.CancelOnSignal(context.Background())

	if err := c.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after Shutdown")
	}
}
