package recovery

import (
	"math"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
)

// ExponentialBackoff computes the delay before re-dispatching a
// retryable failure: InitialDelay * 2^attempt, capped at MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns the defaults used for per-file retries.
// 2s, 4s, 8s... capped at 60s.
func DefaultBackoff(maxAttempts int) *ExponentialBackoff {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ExponentialBackoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		MaxAttempts:  maxAttempts,
	}
}

// GetDelay calculates delay: InitialDelay * 2^attempt
func (s *ExponentialBackoff) GetDelay(attempt int) time.Duration {
	delay := float64(s.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether a failure in the given category may be
// retried at this attempt count. Only recoverable failures are ever
// retried automatically.
func (s *ExponentialBackoff) ShouldRetry(category domain.ErrorCategory, attempt int) bool {
	if attempt >= s.MaxAttempts {
		return false
	}
	return category == domain.CategoryRecoverable
}
