package resilience

import (
	"errors"
	"testing"
	"time"

	"venueflow/config"
)

func testBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		SamplingWindow: 30 * time.Second,
		FailureRatio:   0.5,
		MinThroughput:  4,
		BreakDuration:  10 * time.Second,
	}
}

func TestBreakerStaysClosedBelowThroughput(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(), nil)
	failure := errors.New("boom")

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker rejected call: %v", err)
		}
		b.Record(failure)
	}

	if got := b.State(); got != StateClosed {
		t.Fatalf("breaker opened below min throughput: %v", got)
	}
}

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(), nil)
	failure := errors.New("boom")

	b.Record(nil)
	b.Record(nil)
	b.Record(failure)
	b.Record(failure)

	if got := b.State(); got != StateOpen {
		t.Fatalf("breaker did not open at threshold: %v", got)
	}

	var open *CircuitOpenError
	if err := b.Allow(); !errors.As(err, &open) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(), nil)
	base := time.Now()
	now := base
	b.SetClock(func() time.Time { return now })

	failure := errors.New("boom")
	for i := 0; i < 4; i++ {
		b.Record(failure)
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("breaker not open: %v", got)
	}

	// Before the break duration elapses every call is rejected.
	now = base.Add(5 * time.Second)
	if err := b.Allow(); err == nil {
		t.Fatalf("expected rejection during break duration")
	}

	// After the break a single trial is admitted; a concurrent call is not.
	now = base.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	if err := b.Allow(); err == nil {
		t.Fatalf("second concurrent trial admitted")
	}

	b.Record(nil)
	if got := b.State(); got != StateClosed {
		t.Fatalf("trial success did not close circuit: %v", got)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker rejected call: %v", err)
	}
}

func TestBreakerCancelTrialReleasesSlot(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(), nil)
	base := time.Now()
	now := base
	b.SetClock(func() time.Time { return now })

	failure := errors.New("boom")
	for i := 0; i < 4; i++ {
		b.Record(failure)
	}

	// Admit a trial, then abandon it before dispatch. The slot must free
	// up so the next call can probe instead of being rejected forever.
	now = base.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	b.CancelTrial()

	if err := b.Allow(); err != nil {
		t.Fatalf("fresh trial rejected after cancellation: %v", err)
	}
	b.Record(nil)
	if got := b.State(); got != StateClosed {
		t.Fatalf("trial success did not close circuit: %v", got)
	}
}

func TestBreakerHalfOpenTrialReopens(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(), nil)
	base := time.Now()
	now := base
	b.SetClock(func() time.Time { return now })

	failure := errors.New("boom")
	for i := 0; i < 4; i++ {
		b.Record(failure)
	}

	now = base.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	b.Record(failure)

	if got := b.State(); got != StateOpen {
		t.Fatalf("trial failure did not reopen circuit: %v", got)
	}
	if err := b.Allow(); err == nil {
		t.Fatalf("expected rejection after reopening")
	}
}

func TestBreakerWindowExpiry(t *testing.T) {
	b := NewBreaker("test", testBreakerConfig(), nil)
	base := time.Now()
	now := base
	b.SetClock(func() time.Time { return now })

	failure := errors.New("boom")
	b.Record(failure)
	b.Record(failure)
	b.Record(failure)

	// Outcomes older than the sampling window no longer count toward the
	// failure ratio.
	now = base.Add(31 * time.Second)
	b.Record(nil)
	b.Record(failure)

	if got := b.State(); got != StateClosed {
		t.Fatalf("expired outcomes still counted: %v", got)
	}
}
