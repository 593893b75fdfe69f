package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(queueLimit int) *Limiter {
	return New(map[Category]BucketSpec{
		PublicData: {Capacity: 5, RefillPerSec: 5},
	}, queueLimit, nil)
}

func TestAcquireBurstThenReject(t *testing.T) {
	l := newTestLimiter(0)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Acquire(ctx, PublicData, 1); err != nil {
			t.Fatalf("acquisition %d failed: %v", i, err)
		}
	}

	// Bucket is empty at the same instant; a bounded wait must reject at
	// its deadline.
	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	_, err := l.Acquire(shortCtx, PublicData, 1)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ExceededError, got %v", err)
	}
}

func TestTokensNeverExceedCapacity(t *testing.T) {
	l := newTestLimiter(4)
	base := time.Now()
	now := base
	l.SetClock(func() time.Time { return now })

	// A long idle period must not accumulate more than capacity.
	now = base.Add(time.Hour)
	if got := l.Tokens(PublicData); got != 5 {
		t.Fatalf("tokens exceeded capacity: %v", got)
	}
}

func TestTokensNeverNegative(t *testing.T) {
	l := newTestLimiter(4)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Acquire(ctx, PublicData, 1); err != nil {
			t.Fatalf("acquisition %d failed: %v", i, err)
		}
	}
	if got := l.Tokens(PublicData); got < 0 {
		t.Fatalf("tokens went negative: %v", got)
	}
}

func TestQueueFullRejectsImmediately(t *testing.T) {
	l := newTestLimiter(1)
	base := time.Now()
	l.SetClock(func() time.Time { return base })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := l.Acquire(ctx, PublicData, 1); err != nil {
			t.Fatalf("acquisition %d failed: %v", i, err)
		}
	}

	waitCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.Acquire(waitCtx, PublicData, 1) // occupies the single queue slot
	}()

	// Give the first waiter time to enqueue.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		queued := len(l.buckets[PublicData].waiters)
		l.mu.Unlock()
		if queued == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := l.Acquire(ctx, PublicData, 1)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) || exceeded.Reason != "queue full" {
		t.Fatalf("expected queue full rejection, got %v", err)
	}

	cancel()
	wg.Wait()
}

func TestRefillAdmitsWaiter(t *testing.T) {
	l := New(map[Category]BucketSpec{
		PublicData: {Capacity: 1, RefillPerSec: 100},
	}, 4, nil)

	ctx := context.Background()
	if _, err := l.Acquire(ctx, PublicData, 1); err != nil {
		t.Fatalf("first acquisition failed: %v", err)
	}

	// Second acquisition must be admitted once ~10ms of refill has accrued.
	start := time.Now()
	if _, err := l.Acquire(ctx, PublicData, 1); err != nil {
		t.Fatalf("queued acquisition failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("waiter did not wake from refill in time: %v", elapsed)
	}
}

func TestThroughputConvergesToRefillRate(t *testing.T) {
	l := New(map[Category]BucketSpec{
		PublicData: {Capacity: 1, RefillPerSec: 200},
	}, 64, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	admitted := 0
	for time.Since(start) < 250*time.Millisecond {
		if _, err := l.Acquire(ctx, PublicData, 1); err != nil {
			t.Fatalf("acquisition failed: %v", err)
		}
		admitted++
	}

	// 200/s over 250ms is ~50 admissions plus the burst token. Allow a
	// generous band for scheduler noise.
	if admitted < 25 || admitted > 80 {
		t.Fatalf("throughput did not converge to refill rate: %d admissions", admitted)
	}
}

func TestUnknownCategory(t *testing.T) {
	l := newTestLimiter(4)
	if _, err := l.Acquire(context.Background(), Category("nope"), 1); err == nil {
		t.Fatalf("expected error for unknown category")
	}
}
