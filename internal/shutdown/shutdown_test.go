package shutdown

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type mockCloser struct {
	closed bool
	err    error
}

func (m *mockCloser) Close() error {
	m.closed = true
	return m.err
}

func TestShutdown_Order(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())

	var order []string
	record := func(name string) Func {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}

	c.RegisterFunc("storage", record("storage"), PriorityStorage)
	c.RegisterFunc("server", record("server"), PriorityHTTPServer)
	c.RegisterFunc("factory", record("factory"), PriorityExporters)
	c.RegisterFunc("scheduler", record("scheduler"), PriorityScheduler)
	c.RegisterFunc("factory-2", record("factory-2"), PriorityExporters)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"server", "scheduler", "factory", "factory-2", "storage"}
	if len(order) != len(want) {
		t.Fatalf("expected %d steps, got %v", len(want), order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("step %d: expected %s, got %s", i, want[i], order[i])
		}
	}
}

func TestShutdown_Closer(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())
	closer := &mockCloser{}
	c.Register("backend", closer, PriorityStorage)

	if err := c.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !closer.closed {
		t.Error("expected Close to be called")
	}
}

func TestShutdown_ErrorDoesNotStopLaterSteps(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())
	first := errors.New("pool close failed")

	failing := &mockCloser{err: first}
	later := &mockCloser{}
	c.Register("factory", failing, PriorityExporters)
	c.Register("backend", later, PriorityStorage)

	err := c.Shutdown()
	if !errors.Is(err, first) {
		t.Fatalf("expected %v, got %v", first, err)
	}
	if !later.closed {
		t.Error("expected later step to run after a failure")
	}
}

func TestShutdown_Once(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())
	calls := 0
	c.RegisterFunc("count", func(context.Context) error {
		calls++
		return nil
	}, PriorityHTTPServer)

	c.Shutdown()
	c.Shutdown()

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestShutdown_Timeout(t *testing.T) {
	c := New(20*time.Millisecond, zerolog.Nop())
	c.RegisterFunc("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, PriorityScheduler)
	skipped := &mockCloser{}
	c.Register("backend", skipped, PriorityStorage)

	err := c.Shutdown()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if skipped.closed {
		t.Error("expected steps after the deadline to be skipped")
	}
}

func TestTrigger_ReleasesWaitForSignal(t *testing.T) {
	c := New(5*time.Second, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		if sig := c.WaitForSignal(); sig != syscall.SIGTERM {
			t.Errorf("expected SIGTERM, got %v", sig)
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Trigger()
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSignal did not return after Trigger")
	}

	// Shutdown after Trigger must not close the channel twice
	if err := c.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
