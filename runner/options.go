package runner

import (
	"time"

	durable "github.com/goliatone/go-durable"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(r *Handler) {
		r.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(r *Handler) {
		if max >= 0 {
			r.maxRetries = max
		}
	}
}

func WithErrorHandler(h func(error)) Option {
	return func(r *Handler) {
		if h == nil {
			h = func(err error) {}
		}
		r.errorHandler = h
	}
}

func WithLogger(l durable.Logger) Option {
	return func(r *Handler) {
		r.logger = durable.NormalizeLogger(l)
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		r.retryStrategy = s
	}
}

// WithName labels log lines and wrapped errors.
func WithName(name string) Option {
	return func(r *Handler) {
		r.name = name
	}
}
