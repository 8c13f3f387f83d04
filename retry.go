package durable

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy controls retries of a failed activity or sub-orchestration.
type RetryPolicy struct {
	MaxAttempts        int           `json:"max_attempts" yaml:"max_attempts"`
	FirstRetryInterval time.Duration `json:"first_retry_interval" yaml:"first_retry_interval"`
	BackoffCoefficient float64       `json:"backoff_coefficient" yaml:"backoff_coefficient"`
	// MaxRetryInterval caps the delay; zero means uncapped.
	MaxRetryInterval time.Duration `json:"max_retry_interval" yaml:"max_retry_interval"`
}

// Validate checks policy bounds.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return NewError(ErrInvalidInput, "retry policy max attempts must be >= 1", nil, map[string]any{"max_attempts": p.MaxAttempts})
	}
	if p.FirstRetryInterval <= 0 {
		return NewError(ErrInvalidInput, "retry policy first retry interval must be > 0", nil, map[string]any{"first_retry_interval": p.FirstRetryInterval.String()})
	}
	if p.BackoffCoefficient < 1.0 {
		return NewError(ErrInvalidInput, "retry policy backoff coefficient must be >= 1.0", nil, map[string]any{"backoff_coefficient": p.BackoffCoefficient})
	}
	if p.MaxRetryInterval < 0 {
		return NewError(ErrInvalidInput, "retry policy max retry interval must be >= 0", nil, map[string]any{"max_retry_interval": p.MaxRetryInterval.String()})
	}
	return nil
}

// Delay returns the wait before the retry that follows the given failed
// attempt: min(first * coeff^(attempt-1), max).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	coeff := p.BackoffCoefficient
	if coeff < 1.0 {
		coeff = 1.0
	}
	delay := float64(p.FirstRetryInterval) * math.Pow(coeff, float64(attempt-1))
	if p.MaxRetryInterval > 0 && delay > float64(p.MaxRetryInterval) {
		return p.MaxRetryInterval
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt follows the given failed attempt.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

func (p RetryPolicy) String() string {
	return fmt.Sprintf("max=%d first=%s coeff=%g cap=%s", p.MaxAttempts, p.FirstRetryInterval, p.BackoffCoefficient, p.MaxRetryInterval)
}
