package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_WaitSpacesCalls(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: 100 * time.Millisecond, Burst: 1})
	ctx := context.Background()

	// First call consumes the initial token.
	start := time.Now()
	if err := l.Wait(ctx, "search"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Logf("warning: first wait took %v", time.Since(start))
	}

	start = time.Now()
	if err := l.Wait(ctx, "search"); err != nil {
		t.Fatal(err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_CategoriesAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: time.Second})
	ctx := context.Background()

	if err := l.Wait(ctx, "timeline"); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "trends"); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 20*time.Millisecond {
		t.Errorf("trends blocked by timeline")
	}
}

func TestLimiter_ZeroIntervalDisablesPacing(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), "search"); err != nil {
			t.Fatal(err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Errorf("unpaced limiter took %v", time.Since(start))
	}
}

func TestLimiter_CanceledContext(t *testing.T) {
	t.Parallel()

	l := New(Config{MinInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	if err := l.Wait(ctx, "search"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := l.Wait(ctx, "search"); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
