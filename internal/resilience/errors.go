package resilience

import (
	"fmt"
	"time"
)

// Transienter marks failures that are safe to retry. Venue call errors
// implement it based on their status classification.
type Transienter interface {
	Transient() bool
}

// RetryAfterer exposes a server-provided retry-after hint that overrides the
// computed backoff when present.
type RetryAfterer interface {
	RetryAfter() (time.Duration, bool)
}

// CircuitOpenError is returned without a network attempt while the circuit
// is open.
type CircuitOpenError struct {
	Name      string
	Until     time.Time
	LastCause error
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s open until %s", e.Name, e.Until.Format(time.RFC3339))
}

func (e *CircuitOpenError) Unwrap() error { return e.LastCause }

// TimedOutError reports that the pipeline deadline expired across the whole
// retry sequence.
type TimedOutError struct {
	Name     string
	Deadline time.Duration
	Attempts int
	LastErr  error
}

func (e *TimedOutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s timed out after %s (%d attempts): %v", e.Name, e.Deadline, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s timed out after %s (%d attempts)", e.Name, e.Deadline, e.Attempts)
}

func (e *TimedOutError) Unwrap() error { return e.LastErr }

// CanceledError reports that the caller abandoned the call before the
// pipeline deadline expired.
type CanceledError struct {
	Name     string
	Attempts int
	LastErr  error
}

func (e *CanceledError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s canceled by caller (%d attempts): %v", e.Name, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s canceled by caller (%d attempts)", e.Name, e.Attempts)
}

func (e *CanceledError) Unwrap() error { return e.LastErr }

// AttemptsError reports retry exhaustion; it wraps the last observed failure
// annotated with the attempt count.
type AttemptsError struct {
	Name     string
	Attempts int
	LastErr  error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Name, e.Attempts, e.LastErr)
}

func (e *AttemptsError) Unwrap() error { return e.LastErr }
