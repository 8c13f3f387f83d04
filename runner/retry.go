package runner

import (
	"math"
	"time"

	durable "github.com/goliatone/go-durable"
)

// RetryStrategy encapsulates the decision and delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of asking a strategy about a failed attempt.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider is implemented by strategies that can refuse a retry.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy whether attempt should be retried. Strategies
// that only implement RetryStrategy always retry.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy is a simple retry strategy that performs all retries
// immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	WithRetryStrategy(ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(e.Base) * math.Pow(e.Factor, float64(attempt))
	if time.Duration(delay) > e.Max && e.Max > 0 {
		return e.Max
	}
	return time.Duration(delay)
}

// PolicyStrategy adapts a durable retry policy for in-process retries.
type PolicyStrategy struct {
	Policy durable.RetryPolicy
}

// SleepDuration returns the policy delay for the failed attempt.
func (p PolicyStrategy) SleepDuration(attempt int, _ error) time.Duration {
	return p.Policy.Delay(attempt + 1)
}

// DecideRetry stops on non-retryable failures and exhausted policies.
func (p PolicyStrategy) DecideRetry(attempt int, err error) RetryDecision {
	if f := durable.FailureFromError(err); f != nil && !f.Retryable() {
		return RetryDecision{Metadata: map[string]any{"reason": "non_retryable"}}
	}
	if !p.Policy.ShouldRetry(attempt + 1) {
		return RetryDecision{Metadata: map[string]any{"reason": "exhausted"}}
	}
	return RetryDecision{ShouldRetry: true, Delay: p.SleepDuration(attempt, err)}
}

// CodeStrategy retries only errors carrying one of Codes, delegating the
// delay to Next.
type CodeStrategy struct {
	Codes []string
	Next  RetryStrategy
}

func (c CodeStrategy) SleepDuration(attempt int, err error) time.Duration {
	if c.Next == nil {
		return 0
	}
	return c.Next.SleepDuration(attempt, err)
}

func (c CodeStrategy) DecideRetry(attempt int, err error) RetryDecision {
	for _, code := range c.Codes {
		if durable.HasCode(err, code) {
			return RetryDecision{ShouldRetry: true, Delay: c.SleepDuration(attempt, err), Metadata: map[string]any{"code": code}}
		}
	}
	return RetryDecision{}
}
