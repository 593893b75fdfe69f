package resilience

import (
	"errors"
	"math/rand"
	"net/http"
	"time"

	"venueflow/config"
)

// StatusCoder exposes the HTTP status of a venue call failure. A status of 0
// means the call never produced a response (connection failure).
type StatusCoder interface {
	StatusCode() int
}

// backoffDelay computes the exponential backoff for a 1-based attempt number,
// capped at the configured maximum, with half-width jitter so concurrent
// callers do not retry in lockstep.
func backoffDelay(attempt int, cfg config.RetryConfig, rng *rand.Rand) time.Duration {
	delay := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.Multiplier
		if delay >= float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
			break
		}
	}
	half := delay / 2
	return time.Duration(half + rng.Float64()*half)
}

// retryable classifies a failure. Connection failures and request timeouts
// are always transient; rate-limit and server-error statuses only when
// configured. Validation-style 4xx statuses never retry.
func retryable(err error, cfg config.RetryConfig) bool {
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.StatusCode(); {
		case status == 0:
			// No response: connection failure or timeout.
			return true
		case status == http.StatusRequestTimeout:
			return true
		case status == http.StatusTooManyRequests:
			return cfg.RetryRateLimit
		case status >= 500:
			return cfg.RetryServerErrs
		default:
			return false
		}
	}

	var tr Transienter
	if errors.As(err, &tr) {
		return tr.Transient()
	}
	return false
}

// serverRetryAfter extracts a venue-provided retry-after hint when the error
// carries one.
func serverRetryAfter(err error) (time.Duration, bool) {
	var ra RetryAfterer
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0, false
}
