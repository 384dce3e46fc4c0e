package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/codefleet/codefleet/internal/metrics"
	"github.com/codefleet/codefleet/internal/ratelimit"
)

// RetryConfig configures exponential backoff for transient (non-rate-limit)
// coder failures.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// BreakerRegistry manages per-coder-type circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given coder type, creating it on
// first use.
func (r *BreakerRegistry) Get(coderType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[coderType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        coderType,
		MaxRequests: 3,                // Test requests allowed in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before testing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// User cancellation is not a coder failure. Rate limits are
			// handled by the limiter loop, not the breaker.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return !IsRateLimit(err)
		},
	})

	r.breakers[coderType] = cb
	return cb
}

// ResilientCoder decorates a Coder with circuit breaking, exponential
// backoff for transient failures, and rate-limit-aware retry driven by the
// shared ratelimit.Handler. It implements Coder itself so callers cannot
// tell it apart from a raw adapter.
type ResilientCoder struct {
	inner       Coder
	breaker     *gobreaker.CircuitBreaker
	limits      *ratelimit.Handler
	retryCfg    RetryConfig
	onRateLimit func(attempt int)
}

// NewResilientCoder wraps the given coder.
func NewResilientCoder(inner Coder, breaker *gobreaker.CircuitBreaker, limits *ratelimit.Handler, retryCfg RetryConfig) *ResilientCoder {
	return &ResilientCoder{
		inner:    inner,
		breaker:  breaker,
		limits:   limits,
		retryCfg: retryCfg,
	}
}

// OnRateLimit registers a callback invoked each time the wrapped coder
// reports a rate limit, before the limiter decides how to proceed.
func (r *ResilientCoder) OnRateLimit(fn func(attempt int)) {
	r.onRateLimit = fn
}

// RunSession executes the session, retrying rate-limited calls according to
// the limiter's backoff policy and transient failures according to the
// retry configuration. A successful call resets the limiter's consecutive
// event counter.
func (r *ResilientCoder) RunSession(ctx context.Context, req SessionRequest) (SessionResult, error) {
	attempt := 0

	for {
		result, err := r.runOnce(ctx, req)
		if err == nil {
			r.limits.OnSuccess()
			return result, nil
		}

		if !IsRateLimit(err) {
			return result, err
		}

		metrics.RecordRateLimitEvent()
		if r.onRateLimit != nil {
			r.onRateLimit(attempt)
		}
		outcome := r.limits.OnRateLimitEvent(attempt)
		switch outcome.Kind() {
		case ratelimit.KindExhausted:
			return result, fmt.Errorf("giving up after %d rate-limited attempts: %w", attempt+1, ErrRetriesExhausted)
		case ratelimit.KindBackoff:
			log.Printf("WARNING: coder rate limited (attempt %d), backing off %s", attempt+1, outcome.RetryAfter())
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(outcome.RetryAfter()):
			}
		}
		attempt++
	}
}

// Close closes the wrapped coder.
func (r *ResilientCoder) Close() error {
	return r.inner.Close()
}

// runOnce sends a single session attempt through the circuit breaker with
// exponential backoff for transient failures. Rate-limit errors come back
// unretried so the limiter loop can handle them.
func (r *ResilientCoder) runOnce(ctx context.Context, req SessionRequest) (SessionResult, error) {
	var result SessionResult

	operation := func() error {
		// Fail fast if cancelled.
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := r.breaker.Execute(func() (interface{}, error) {
			return r.inner.RunSession(ctx, req)
		})

		if err != nil {
			// Circuit is open - don't retry here.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}

			// Rate limits belong to the limiter loop, not this backoff.
			if IsRateLimit(err) {
				return backoff.Permanent(err)
			}

			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}

			return err
		}

		result = out.(SessionResult)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.retryCfg.InitialInterval
	policy.MaxInterval = r.retryCfg.MaxInterval
	policy.MaxElapsedTime = r.retryCfg.MaxElapsedTime
	policy.Multiplier = r.retryCfg.Multiplier
	policy.RandomizationFactor = r.retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return result, err
}
