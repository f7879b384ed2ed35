package lane

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmit_SerialPerKey(t *testing.T) {
	m := NewManager(ManagerConfig{MaxPending: 100})
	defer m.Stop()

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		i := i
		wg.Add(1)
		err := m.Submit("s1", func(context.Context) {
			defer wg.Done()
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
		})
		if err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}
	wg.Wait()

	if overlap.Load() {
		t.Error("tasks for one key ran concurrently")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestSubmit_KeysRunConcurrently(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Stop()

	release := make(chan struct{})
	started := make(chan string, 2)
	for _, key := range []string{"a", "b"} {
		key := key
		if err := m.Submit(key, func(context.Context) {
			started <- key
			<-release
		}); err != nil {
			t.Fatalf("Submit(%s) error: %v", key, err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("lanes did not start concurrently")
		}
	}
	close(release)
}

func TestSubmit_LaneFull(t *testing.T) {
	m := NewManager(ManagerConfig{MaxPending: 2})
	defer m.Stop()

	block := make(chan struct{})
	defer close(block)

	started := make(chan struct{})
	m.Submit("s1", func(context.Context) {
		close(started)
		<-block
	})
	<-started

	for i := 0; i < 2; i++ {
		if err := m.Submit("s1", func(context.Context) {}); err != nil {
			t.Fatalf("Submit() %d error: %v", i, err)
		}
	}
	if err := m.Submit("s1", func(context.Context) {}); !errors.Is(err, ErrLaneFull) {
		t.Errorf("Submit() error = %v, want ErrLaneFull", err)
	}
	if got := m.Pending("s1"); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
	// Other keys are unaffected.
	if err := m.Submit("s2", func(context.Context) {}); err != nil {
		t.Errorf("Submit(s2) error: %v", err)
	}
}

func TestSubmitReserved_RunsAfterQueuedWork(t *testing.T) {
	m := NewManager(ManagerConfig{MaxPending: 1, Reserve: 1, MaxLanes: 1})
	defer m.Stop()

	block := make(chan struct{})
	started := make(chan struct{})
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Task {
		return func(context.Context) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	m.Submit("s1", func(context.Context) {
		close(started)
		<-block
	})
	<-started
	if err := m.Submit("s1", record("queued")); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if err := m.Submit("s1", record("rejected")); !errors.Is(err, ErrLaneFull) {
		t.Fatalf("Submit() error = %v, want ErrLaneFull", err)
	}
	if err := m.SubmitReserved("s1", record("reserved")); err != nil {
		t.Fatalf("SubmitReserved() error: %v", err)
	}
	if err := m.SubmitReserved("s1", record("over")); !errors.Is(err, ErrLaneFull) {
		t.Errorf("SubmitReserved() beyond reserve error = %v, want ErrLaneFull", err)
	}
	// The reserve ignores MaxLanes.
	done := make(chan struct{})
	if err := m.SubmitReserved("s2", func(context.Context) { close(done) }); err != nil {
		t.Errorf("SubmitReserved(s2) error: %v", err)
	}
	<-done

	close(block)
	deadline := time.Now().Add(time.Second)
	for m.ActiveCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "queued" || order[1] != "reserved" {
		t.Errorf("order = %v, want [queued reserved]", order)
	}
}

func TestSubmit_TooManyLanes(t *testing.T) {
	m := NewManager(ManagerConfig{MaxLanes: 1})
	defer m.Stop()

	block := make(chan struct{})
	defer close(block)
	m.Submit("a", func(context.Context) { <-block })

	if err := m.Submit("b", func(context.Context) {}); !errors.Is(err, ErrTooManyLanes) {
		t.Errorf("Submit() error = %v, want ErrTooManyLanes", err)
	}
}

func TestLane_RemovedWhenDrained(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Stop()

	done := make(chan struct{})
	m.Submit("s1", func(context.Context) { close(done) })
	<-done

	deadline := time.Now().Add(time.Second)
	for m.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveCount() = %d after drain", m.ActiveCount())
		}
		time.Sleep(time.Millisecond)
	}
	if got := m.Stats()["processed"].(uint64); got != 1 {
		t.Errorf("processed = %d, want 1", got)
	}
}

func TestLane_PanicDoesNotKillLane(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Stop()

	done := make(chan struct{})
	m.Submit("s1", func(context.Context) { panic("boom") })
	m.Submit("s1", func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task after panic did not run")
	}
}

func TestManager_Stop(t *testing.T) {
	m := NewManager(ManagerConfig{})

	started := make(chan struct{})
	cancelled := make(chan struct{})
	m.Submit("s1", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	<-started
	m.Stop()
	m.Stop()
	m.Wait()

	select {
	case <-cancelled:
	default:
		t.Error("running task was not cancelled")
	}
	if err := m.Submit("s1", func(context.Context) {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() after Stop error = %v, want ErrStopped", err)
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(ManagerConfig{})
	defer m.Stop()

	stats := m.Stats()
	if stats["activeLanes"].(int) != 0 {
		t.Errorf("initial activeLanes = %d", stats["activeLanes"])
	}
	if stats["rejected"].(uint64) != 0 {
		t.Errorf("initial rejected = %d", stats["rejected"])
	}
}
