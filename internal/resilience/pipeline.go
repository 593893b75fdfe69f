package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"venueflow/config"
	"venueflow/internal/ratelimit"
	"venueflow/logger"
)

// Operation is one remote call attempt. The response is captured by the
// caller's closure.
type Operation func(ctx context.Context) error

// Pipeline wraps a remote call with circuit-breaker, deadline and retry
// layers, in that order from the outside in. The rate limiter is consumed
// before every admitted attempt.
type Pipeline struct {
	name     string
	category ratelimit.Category
	limiter  *ratelimit.Limiter
	breaker  *Breaker
	retry    config.RetryConfig
	deadline time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	log *logger.Log
}

// NewPipeline builds a pipeline for one endpoint class.
func NewPipeline(name string, category ratelimit.Category, limiter *ratelimit.Limiter, cfg config.PipelineConfig, log *logger.Log) *Pipeline {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Pipeline{
		name:     name,
		category: category,
		limiter:  limiter,
		breaker:  NewBreaker(name, cfg.CircuitBreaker, log),
		retry:    cfg.Retry,
		deadline: cfg.Deadline,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
	}
}

// Breaker exposes the pipeline's circuit breaker, mainly for inspection.
func (p *Pipeline) Breaker() *Breaker { return p.breaker }

// Execute runs op under the pipeline's protections. The deadline bounds the
// entire retry sequence, not each attempt. Rate-limit rejections and
// non-transient failures surface immediately; transient failures retry with
// jittered exponential backoff, honouring a server-provided retry-after.
func (p *Pipeline) Execute(ctx context.Context, op Operation) error {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	log := p.log.WithComponent("pipeline").WithFields(logger.Fields{"pipeline": p.name})

	var lastErr error
	maxAttempts := p.retry.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// No attempt is dispatched while the circuit is open, including
		// attempts of an already-running retry sequence.
		if err := p.breaker.Allow(); err != nil {
			return err
		}

		if _, err := p.limiter.Acquire(ctx, p.category, 1); err != nil {
			// The admitted attempt never reached the venue. Release a
			// half-open trial slot so the breaker can probe again once
			// the limiter recovers.
			p.breaker.CancelTrial()
			// Not a venue failure; surfaced immediately so the caller can
			// apply its own backpressure. The breaker never sees it.
			var exceeded *ratelimit.ExceededError
			if errors.As(err, &exceeded) && ctx.Err() != nil {
				return p.sequenceErr(ctx.Err(), attempt-1, err)
			}
			return err
		}

		start := time.Now()
		err := op(ctx)
		logger.IncrementRestCall()
		p.breaker.Record(err)

		if err == nil {
			if attempt > 1 {
				log.WithFields(logger.Fields{"attempt": attempt}).Info("call recovered after retry")
			}
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return p.sequenceErr(ctx.Err(), attempt, lastErr)
		}
		if !retryable(err, p.retry) {
			return err
		}
		if attempt == maxAttempts {
			break
		}

		delay, ok := serverRetryAfter(err)
		if !ok {
			p.mu.Lock()
			delay = backoffDelay(attempt, p.retry, p.rng)
			p.mu.Unlock()
		}

		log.WithError(err).WithFields(logger.Fields{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"took_ms":  time.Since(start).Milliseconds(),
		}).Warn("transient failure, backing off")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.sequenceErr(ctx.Err(), attempt, lastErr)
		case <-timer.C:
		}
	}

	return &AttemptsError{Name: p.name, Attempts: maxAttempts, LastErr: lastErr}
}

// sequenceErr classifies an aborted retry sequence: caller cancellation and
// deadline expiry call for different handling upstream.
func (p *Pipeline) sequenceErr(cause error, attempts int, lastErr error) error {
	if errors.Is(cause, context.Canceled) {
		return &CanceledError{Name: p.name, Attempts: attempts, LastErr: lastErr}
	}
	return &TimedOutError{Name: p.name, Deadline: p.deadline, Attempts: attempts, LastErr: lastErr}
}
