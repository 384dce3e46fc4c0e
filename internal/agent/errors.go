package agent

import (
	"errors"
	"strings"
)

// RateLimitError indicates the coder rejected a call because of rate
// limiting. StatusCode is 429 when the CLI surfaced an HTTP status, zero
// when only the marker string was present.
type RateLimitError struct {
	StatusCode int
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return "coder rate limited: " + e.Message
	}
	return "coder rate limited"
}

// ErrRetriesExhausted is returned when the retry budget for a rate-limited
// call is spent. The owning task fails; the run continues.
var ErrRetriesExhausted = errors.New("rate limit retries exhausted")

// IsRateLimit reports whether err looks like a rate-limit rejection: either
// a typed *RateLimitError or output carrying a 429-class status or a
// "rate limit" marker.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}
