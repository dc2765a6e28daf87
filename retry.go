package offload

import "time"

// RetryBuilder builds a RetryPolicy fluently.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy allowing up to maxAttempts handler calls per
// execution (the first call included).
func Retry(maxAttempts int) *RetryBuilder {
	return &RetryBuilder{policy: RetryPolicy{MaxAttempts: maxAttempts}}
}

// WithExponentialBackoff waits initial before the first retry and multiplies
// the wait by multiplier each further retry, capped at max.
func (b *RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) *RetryBuilder {
	b.policy.InitialBackoff = initial
	b.policy.BackoffMultiplier = multiplier
	b.policy.MaxBackoff = max
	return b
}

// WithConstantBackoff waits the same delay before every retry.
func (b *RetryBuilder) WithConstantBackoff(delay time.Duration) *RetryBuilder {
	b.policy.InitialBackoff = delay
	b.policy.BackoffMultiplier = 1
	b.policy.MaxBackoff = delay
	return b
}

// Immediate retries without any delay.
func (b *RetryBuilder) Immediate() *RetryBuilder {
	b.policy.InitialBackoff = 0
	b.policy.BackoffMultiplier = 0
	b.policy.MaxBackoff = 0
	return b
}

// Policy returns the built policy.
func (b *RetryBuilder) Policy() RetryPolicy {
	return b.policy
}
