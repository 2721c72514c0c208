package governor

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	t.Parallel()
	g := New(map[string]int{"browser": 2})

	p1, err := g.TryAcquire("browser")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	p2, err := g.TryAcquire("browser")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := g.TryAcquire("browser"); err != ErrBusy {
		t.Fatalf("third acquire: got %v, want ErrBusy", err)
	}

	p1.Release()
	if _, err := g.TryAcquire("browser"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p2.Release()
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()
	g := New(map[string]int{"gpu": 1})

	p, err := g.TryAcquire("gpu")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	start := time.Now()
	_, err = g.Acquire(context.Background(), "gpu", 30*time.Millisecond)
	if err != ErrBusy {
		t.Fatalf("got %v, want ErrBusy", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatal("Acquire returned before the timeout elapsed")
	}
	p.Release()
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	t.Parallel()
	g := New(map[string]int{"gpu": 1})

	p, err := g.TryAcquire("gpu")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		p2, err := g.Acquire(context.Background(), "gpu", 2*time.Second)
		if p2 != nil {
			p2.Release()
		}
		got <- err
	}()

	time.Sleep(20 * time.Millisecond)
	p.Release()

	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}
}

func TestIdempotentRelease(t *testing.T) {
	t.Parallel()
	g := New(map[string]int{"cpu": 1})

	p, err := g.TryAcquire("cpu")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release()
	p.Release()
	p.Release()

	u := g.Utilizations()
	if len(u) != 1 || u[0].InUse != 0 {
		t.Fatalf("utilization after double release: %+v", u)
	}

	// Capacity must not have grown.
	p1, _ := g.TryAcquire("cpu")
	if _, err := g.TryAcquire("cpu"); err != ErrBusy {
		t.Fatalf("got %v, want ErrBusy (capacity leaked)", err)
	}
	p1.Release()
}

func TestNoneClass(t *testing.T) {
	t.Parallel()
	g := New(nil)
	for _, name := range []string{"", "none"} {
		p, err := g.Acquire(context.Background(), name, 0)
		if err != nil {
			t.Fatalf("Acquire(%q): %v", name, err)
		}
		p.Release()
	}
}

func TestUnknownClass(t *testing.T) {
	t.Parallel()
	g := New(map[string]int{"browser": 1})
	if _, err := g.TryAcquire("transcode"); err != ErrUnknownClass {
		t.Fatalf("got %v, want ErrUnknownClass", err)
	}
}

func TestConcurrentAcquireReleaseNoLeak(t *testing.T) {
	t.Parallel()
	g := New(map[string]int{"io": 3})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				p, err := g.Acquire(context.Background(), "io", time.Second)
				if err != nil {
					continue
				}
				p.Release()
			}
		}()
	}
	wg.Wait()

	u := g.Utilizations()
	if u[0].InUse != 0 {
		t.Fatalf("in_use = %d after all releases, want 0", u[0].InUse)
	}
}
