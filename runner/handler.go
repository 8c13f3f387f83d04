// Package runner executes a unit of work with timeouts and in-process
// retries.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	durable "github.com/goliatone/go-durable"
)

type Handler struct {
	mu sync.Mutex

	name          string
	logger        durable.Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy

	runs           int
	successfulRuns int

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from various options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		name:          "runner",
		logger:        durable.NormalizeLogger(nil),
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds, the strategy refuses another attempt, or
// maxRetries is spent. The last error is returned wrapped with the attempt
// count.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return durable.NewError(durable.ErrInvalidInput, "runner func required", nil, nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	h.mu.Lock()
	maxRetries := h.maxRetries
	strategy := h.retryStrategy
	name := h.name
	h.mu.Unlock()

	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts++
		err = fn(ctx)
		if err == nil {
			break
		}
		if attempt >= maxRetries {
			break
		}

		decision := DecideRetry(strategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		h.logger.Debug("%s attempt %d of %d failed: %v", name, attempt+1, maxRetries+1, err)
		if waitErr := sleepContext(ctx, decision.Delay); waitErr != nil {
			err = waitErr
			break
		}
	}

	h.mu.Lock()
	h.runs++
	if err == nil {
		h.successfulRuns++
	}
	h.mu.Unlock()

	if err != nil {
		h.logger.Error("%s failed after %d attempt(s): %v", name, attempts, err)
		h.errorHandler(err)
		return &AttemptsError{Name: name, Attempts: attempts, Err: err}
	}
	return nil
}

// Stats returns the total and successful run counts.
func (h *Handler) Stats() (runs, successful int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runs, h.successfulRuns
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}

// AttemptsError reports the last error after all attempts.
type AttemptsError struct {
	Name     string
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Name, e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error { return e.Err }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
