package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/audiovault/internal/ttypes"
)

func TestPool_RunsJobs(t *testing.T) {
	p := NewPool(Config{Name: "test", Workers: 4}, nil)
	defer p.Close()

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Do(context.Background(), func(context.Context) error {
				n.Add(1)
				return nil
			}); err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if got := n.Load(); got != 20 {
		t.Errorf("ran %d jobs, want 20", got)
	}
	if s := p.Stats(); s.Completed != 20 || s.Submitted != 20 {
		t.Errorf("Stats() = %+v, want 20 submitted and completed", s)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(Config{Workers: 2}, nil)
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				cur := running.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPool_PriorityOrder(t *testing.T) {
	p := NewPool(Config{Workers: 1}, nil)
	defer p.Close()

	// Occupy the only worker so the rest queue up.
	release := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	var mu sync.Mutex
	var order []string
	submit := func(name string, prio ttypes.Priority, wg *sync.WaitGroup) {
		defer wg.Done()
		_ = p.Do(WithPriority(context.Background(), prio), func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	var wg sync.WaitGroup
	for _, tc := range []struct {
		name string
		prio ttypes.Priority
	}{
		{"bulk-1", ttypes.PriorityBulk},
		{"normal", ttypes.PriorityNormal},
		{"bulk-2", ttypes.PriorityBulk},
		{"interactive", ttypes.PriorityInteractive},
	} {
		wg.Add(1)
		go submit(tc.name, tc.prio, &wg)
		waitPending(t, p, int(p.Stats().Pending)+1)
	}

	close(release)
	wg.Wait()

	want := []string{"interactive", "normal", "bulk-1", "bulk-2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPool_QueueFull(t *testing.T) {
	p := NewPool(Config{Workers: 1, MaxPending: 1}, nil)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	go p.Do(context.Background(), func(context.Context) error { return nil })
	waitPending(t, p, 1)

	err := p.Do(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Do() error = %v, want ErrQueueFull", err)
	}
	close(release)
}

func TestPool_CancelWhileQueued(t *testing.T) {
	p := NewPool(Config{Workers: 1}, nil)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go p.Do(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errc := make(chan error, 1)
	go func() {
		errc <- p.Do(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	waitPending(t, p, 1)
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
	close(release)
	p.Close()

	if ran.Load() {
		t.Error("cancelled job still ran")
	}
	if s := p.Stats(); s.Cancelled != 1 {
		t.Errorf("Cancelled = %d, want 1", s.Cancelled)
	}
}

func TestPool_ErrorsAndPanics(t *testing.T) {
	p := NewPool(Config{Workers: 1}, nil)
	defer p.Close()

	boom := errors.New("boom")
	if err := p.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("Do() error = %v, want %v", err, boom)
	}
	if err := p.Do(context.Background(), func(context.Context) error { panic("bad") }); err == nil {
		t.Error("Do() with panicking job returned nil error")
	}
	// The worker survives the panic.
	if err := p.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("Do() after panic error = %v", err)
	}
	if s := p.Stats(); s.Failed != 2 || s.Completed != 1 {
		t.Errorf("Stats() = %+v, want 2 failed 1 completed", s)
	}
}

func TestPool_Closed(t *testing.T) {
	p := NewPool(Config{Workers: 1}, nil)
	p.Close()
	if err := p.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Do() error = %v, want ErrQueueClosed", err)
	}
}

func TestPriorityFrom(t *testing.T) {
	if got := PriorityFrom(context.Background()); got != ttypes.PriorityNormal {
		t.Errorf("PriorityFrom(background) = %v, want normal", got)
	}
	ctx := WithPriority(context.Background(), ttypes.PriorityBulk)
	if got := PriorityFrom(ctx); got != ttypes.PriorityBulk {
		t.Errorf("PriorityFrom() = %v, want bulk", got)
	}
}

func waitPending(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Pending < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d pending jobs", n)
		}
		time.Sleep(time.Millisecond)
	}
}
