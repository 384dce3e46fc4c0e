// Package ratelimit tracks rate-limit events from the coding agent and turns
// them into backoff delays and worker-pool reduction recommendations.
package ratelimit

import (
	"math/rand"
	"sync"
	"time"
)

const historySize = 100

// Config configures the handler.
type Config struct {
	MaxRetries      int           // Attempts before giving up (default 10)
	InitialDelay    time.Duration // Base delay for attempt 0 (default 1s)
	MaxDelay        time.Duration // Delay ceiling before jitter (default 60s)
	ReduceThreshold int           // Consecutive events that trigger worker reduction (default 3)
}

// DefaultConfig returns the default rate-limit configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      10,
		InitialDelay:    time.Second,
		MaxDelay:        60 * time.Second,
		ReduceThreshold: 3,
	}
}

// Handler records rate-limit events and recommends delays and concurrency
// reductions. Owned by a single scheduler run and shared across its workers;
// all methods are safe for concurrent use.
type Handler struct {
	cfg Config

	mu          sync.Mutex
	total       int
	consecutive int
	lastEvent   time.Time
	history     []time.Time // Ring buffer of the last 100 event timestamps
	historyPos  int
	jitter      func() time.Duration
}

// New creates a Handler with the given configuration. Zero-valued fields fall
// back to defaults.
func New(cfg Config) *Handler {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.ReduceThreshold <= 0 {
		cfg.ReduceThreshold = def.ReduceThreshold
	}

	return &Handler{
		cfg:     cfg,
		history: make([]time.Time, 0, historySize),
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(time.Second)))
		},
	}
}

// DelayFor returns the backoff delay for the given attempt:
// min(initial * 2^attempt, maxDelay) plus up to 1s of uniform jitter.
func (h *Handler) DelayFor(attempt int) time.Duration {
	delay := h.cfg.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= h.cfg.MaxDelay {
			delay = h.cfg.MaxDelay
			break
		}
	}
	if delay > h.cfg.MaxDelay {
		delay = h.cfg.MaxDelay
	}

	h.mu.Lock()
	j := h.jitter()
	h.mu.Unlock()

	return delay + j
}

// ShouldRetry reports whether another attempt is allowed.
func (h *Handler) ShouldRetry(attempt int) bool {
	return attempt < h.cfg.MaxRetries
}

// OnRateLimitEvent records a rate-limit event for the given attempt and
// returns the outcome the caller should act on: back off and retry, or stop
// because the retry budget is exhausted.
func (h *Handler) OnRateLimitEvent(attempt int) Outcome {
	h.mu.Lock()
	now := time.Now()
	h.total++
	h.consecutive++
	h.lastEvent = now
	if len(h.history) < historySize {
		h.history = append(h.history, now)
	} else {
		h.history[h.historyPos] = now
	}
	h.historyPos = (h.historyPos + 1) % historySize
	h.mu.Unlock()

	if !h.ShouldRetry(attempt) {
		return Exhausted()
	}
	return Backoff(h.DelayFor(attempt))
}

// OnSuccess resets the consecutive event counter. The total counter is never
// reset during a run.
func (h *Handler) OnSuccess() {
	h.mu.Lock()
	h.consecutive = 0
	h.mu.Unlock()
}

// ShouldReduceWorkers reports whether consecutive rate-limit events have
// reached the reduction threshold.
func (h *Handler) ShouldReduceWorkers() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutive >= h.cfg.ReduceThreshold
}

// RecommendedWorkers returns the reduced worker count (half the current,
// floor 1) when reduction is recommended, and the current count otherwise.
func (h *Handler) RecommendedWorkers(current int) int {
	if !h.ShouldReduceWorkers() {
		return current
	}
	reduced := current / 2
	if reduced < 1 {
		reduced = 1
	}
	return reduced
}

// EventRate returns rate-limit events per minute over the given window.
func (h *Handler) EventRate(window time.Duration) float64 {
	if window <= 0 {
		window = 5 * time.Minute
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, ts := range h.history {
		if ts.After(cutoff) {
			count++
		}
	}
	return float64(count) / window.Minutes()
}

// Stats returns a snapshot of the handler's counters.
func (h *Handler) Stats() (total, consecutive int, lastEvent time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total, h.consecutive, h.lastEvent
}
