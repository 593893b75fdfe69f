package resilience

import (
	"sync"
	"time"

	"venueflow/config"
	"venueflow/logger"
)

// State represents the state of a circuit breaker.
type State int32

const (
	// StateClosed - normal operation, calls pass through
	StateClosed State = iota
	// StateOpen - circuit is open, calls are rejected without a network attempt
	StateOpen
	// StateHalfOpen - a single trial call probes recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// windowBucket accumulates call outcomes for one second of the sampling
// window.
type windowBucket struct {
	sec      int64
	total    int64
	failures int64
}

// Breaker opens once the failure ratio over a rolling sampling window crosses
// the configured fraction with at least the minimum throughput observed.
// While open it fails fast; after the break duration a single half-open trial
// decides between closing and re-opening.
type Breaker struct {
	mu sync.Mutex

	name          string
	window        time.Duration
	failureRatio  float64
	minThroughput int64
	breakDuration time.Duration

	state       State
	openedUntil time.Time
	lastCause   error
	trialActive bool
	buckets     []windowBucket

	now func() time.Time
	log *logger.Log
}

// NewBreaker creates a closed breaker from configuration.
func NewBreaker(name string, cfg config.CircuitBreakerConfig, log *logger.Log) *Breaker {
	if log == nil {
		log = logger.GetLogger()
	}
	secs := int(cfg.SamplingWindow / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Breaker{
		name:          name,
		window:        cfg.SamplingWindow,
		failureRatio:  cfg.FailureRatio,
		minThroughput: int64(cfg.MinThroughput),
		breakDuration: cfg.BreakDuration,
		state:         StateClosed,
		buckets:       make([]windowBucket, secs),
		now:           time.Now,
		log:           log,
	}
}

// SetClock replaces the breaker's time source. Intended for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// State reports the current breaker state, accounting for an elapsed break
// duration.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openedUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Allow admits a call or rejects it with CircuitOpenError. When the break
// duration has elapsed it admits exactly one half-open trial.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.Before(b.openedUntil) {
			return &CircuitOpenError{Name: b.name, Until: b.openedUntil, LastCause: b.lastCause}
		}
		b.state = StateHalfOpen
		b.trialActive = true
		b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{"name": b.name}).Info("circuit half-open, admitting trial call")
		return nil
	case StateHalfOpen:
		if b.trialActive {
			return &CircuitOpenError{Name: b.name, Until: b.openedUntil, LastCause: b.lastCause}
		}
		b.trialActive = true
		return nil
	}
	return nil
}

// CancelTrial releases the half-open trial slot when the admitted call is
// abandoned before it reaches the venue. No outcome is recorded, so the
// next Allow may admit a fresh trial.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialActive = false
	}
}

// Record accounts a call outcome and drives state transitions.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.trialActive = false
		if err == nil {
			b.reset()
			b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{"name": b.name}).Info("trial call succeeded, circuit closed")
		} else {
			b.open(now, err)
		}
		return
	}

	b.record(now, err)

	if b.state != StateClosed {
		return
	}

	total, failures := b.totals(now)
	if total < b.minThroughput {
		return
	}
	if float64(failures)/float64(total) >= b.failureRatio {
		b.open(now, err)
	}
}

// open transitions to Open and clears the sampling window so the next
// half-open cycle starts fresh. Caller must hold the lock.
func (b *Breaker) open(now time.Time, cause error) {
	b.state = StateOpen
	b.openedUntil = now.Add(b.breakDuration)
	if cause != nil {
		b.lastCause = cause
	}
	for i := range b.buckets {
		b.buckets[i] = windowBucket{}
	}
	b.log.WithComponent("circuit_breaker").WithFields(logger.Fields{
		"name":  b.name,
		"until": b.openedUntil.Format(time.RFC3339),
	}).Warn("circuit opened")
	b.log.LogMetric("circuit_breaker", "circuit_open", int64(1), "counter", logger.Fields{"name": b.name})
}

func (b *Breaker) reset() {
	b.state = StateClosed
	b.trialActive = false
	b.lastCause = nil
	for i := range b.buckets {
		b.buckets[i] = windowBucket{}
	}
}

func (b *Breaker) record(now time.Time, err error) {
	sec := now.Unix()
	idx := int(sec % int64(len(b.buckets)))
	if b.buckets[idx].sec != sec {
		b.buckets[idx] = windowBucket{sec: sec}
	}
	b.buckets[idx].total++
	if err != nil {
		b.buckets[idx].failures++
	}
}

func (b *Breaker) totals(now time.Time) (total, failures int64) {
	oldest := now.Unix() - int64(len(b.buckets)) + 1
	for _, bucket := range b.buckets {
		if bucket.sec < oldest {
			continue
		}
		total += bucket.total
		failures += bucket.failures
	}
	return total, failures
}
