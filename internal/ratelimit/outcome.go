package ratelimit

import "time"

// Kind discriminates outcome values.
type Kind int

const (
	KindProceed   Kind = iota // Call succeeded or no limiting is in effect
	KindBackoff               // Rate limited; wait RetryAfter then retry
	KindExhausted             // Retry budget spent; give up
)

// Outcome is the explicit result of a rate-limit decision. Callers switch on
// the kind instead of matching error-message substrings.
type Outcome struct {
	kind       Kind
	retryAfter time.Duration
}

// Proceed returns an outcome indicating the caller may continue.
func Proceed() Outcome {
	return Outcome{kind: KindProceed}
}

// Backoff returns an outcome telling the caller to wait before retrying.
func Backoff(retryAfter time.Duration) Outcome {
	return Outcome{kind: KindBackoff, retryAfter: retryAfter}
}

// Exhausted returns an outcome telling the caller to stop retrying.
func Exhausted() Outcome {
	return Outcome{kind: KindExhausted}
}

// Kind returns the outcome discriminator.
func (o Outcome) Kind() Kind { return o.kind }

// RetryAfter returns the recommended wait. Zero unless Kind is KindBackoff.
func (o Outcome) RetryAfter() time.Duration { return o.retryAfter }

// ShouldRetry reports whether the caller should retry after waiting.
func (o Outcome) ShouldRetry() bool { return o.kind == KindBackoff }
