package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			err := m.Do(ctx, "order-1", func() error {
				// Non-atomic read-modify-write: broken exclusion would lose updates.
				v := atomic.LoadInt64(&counter)
				atomic.StoreInt64(&counter, v+1)
				return nil
			})
			if err != nil {
				t.Errorf("lock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&counter); got != n {
		t.Fatalf("expected %d, got %d", n, got)
	}
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.Lock(context.Background(), "blocked")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx, "blocked")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestKeyedMutex_DoneContextNeverLocks(t *testing.T) {
	m := NewKeyedMutex()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The key is free, so both select cases would be ready.
	for i := 0; i < 100; i++ {
		unlock, err := m.Lock(ctx, "free")
		if !errors.Is(err, context.Canceled) {
			if unlock != nil {
				unlock()
			}
			t.Fatalf("attempt %d: expected Canceled, got %v", i, err)
		}
	}
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
	unlock() // must not release a lock someone else holds

	unlock2, err := m.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(tctx, "k"); err == nil {
		t.Fatal("double unlock let a second holder in")
	}
	unlock2()
}

func TestKeyedMutex_UnlockAllowsNext(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := m.Lock(ctx, "relay")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		u, err := m.Lock(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after first released")
	}
}

func TestKeyedMutex_DoPropagatesError(t *testing.T) {
	m := NewKeyedMutex()
	sentinel := errors.New("boom")

	if err := m.Do(context.Background(), "k", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	// Lock must have been released.
	if err := m.Do(context.Background(), "k", func() error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
