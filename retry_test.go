package durable

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelaySchedule(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:        10,
		FirstRetryInterval: time.Minute,
		BackoffCoefficient: 2,
		MaxRetryInterval:   time.Hour,
	}
	require.NoError(t, policy.Validate())

	expected := []time.Duration{
		time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
		32 * time.Minute,
		time.Hour,
		time.Hour,
		time.Hour,
	}
	for i, want := range expected {
		attempt := i + 1
		assert.Equal(t, want, policy.Delay(attempt), "attempt %d", attempt)
		assert.True(t, policy.ShouldRetry(attempt), "attempt %d should retry", attempt)
	}
	assert.False(t, policy.ShouldRetry(10), "attempt 11 must never be scheduled")
}

func TestRetryPolicyDelaySaturatesWhenUncapped(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 500, FirstRetryInterval: time.Nanosecond, BackoffCoefficient: 2}

	// 2^63 ns is the first value past the largest duration
	assert.Equal(t, time.Duration(math.MaxInt64), policy.Delay(64))
	assert.Equal(t, time.Duration(math.MaxInt64), policy.Delay(400))
	assert.Equal(t, time.Duration(1<<62), policy.Delay(63))
	for attempt := 1; attempt <= 500; attempt++ {
		assert.Positive(t, policy.Delay(attempt), "attempt %d", attempt)
	}
}

func TestRetryPolicyValidate(t *testing.T) {
	cases := []struct {
		name   string
		policy RetryPolicy
	}{
		{"zero attempts", RetryPolicy{MaxAttempts: 0, FirstRetryInterval: time.Second, BackoffCoefficient: 1}},
		{"zero interval", RetryPolicy{MaxAttempts: 1, BackoffCoefficient: 1}},
		{"coefficient below one", RetryPolicy{MaxAttempts: 1, FirstRetryInterval: time.Second, BackoffCoefficient: 0.5}},
		{"negative cap", RetryPolicy{MaxAttempts: 1, FirstRetryInterval: time.Second, BackoffCoefficient: 1, MaxRetryInterval: -time.Second}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			require.Error(t, err)
			assert.True(t, HasCode(err, CodeInvalidInput))
		})
	}
}

func TestRetryPolicyUncappedWhenMaxIntervalZero(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, FirstRetryInterval: time.Second, BackoffCoefficient: 3}
	assert.Equal(t, 27*time.Second, policy.Delay(4))
}

func TestRetryPolicyDelayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("delay never exceeds the cap", prop.ForAll(
		func(firstMs int64, capMs int64, coeff float64, attempt int) bool {
			policy := RetryPolicy{
				MaxAttempts:        20,
				FirstRetryInterval: time.Duration(firstMs) * time.Millisecond,
				BackoffCoefficient: coeff,
				MaxRetryInterval:   time.Duration(capMs) * time.Millisecond,
			}
			return policy.Delay(attempt) <= policy.MaxRetryInterval
		},
		gen.Int64Range(1, 10_000),
		gen.Int64Range(1, 100_000),
		gen.Float64Range(1, 4),
		gen.IntRange(1, 20),
	))

	properties.Property("delay is monotonic in attempt", prop.ForAll(
		func(firstMs int64, coeff float64, attempt int) bool {
			policy := RetryPolicy{
				MaxAttempts:        20,
				FirstRetryInterval: time.Duration(firstMs) * time.Millisecond,
				BackoffCoefficient: coeff,
				MaxRetryInterval:   time.Hour,
			}
			return policy.Delay(attempt) <= policy.Delay(attempt+1)
		},
		gen.Int64Range(1, 10_000),
		gen.Float64Range(1, 4),
		gen.IntRange(1, 19),
	))

	properties.TestingRun(t)
}
