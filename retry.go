package stageflow

import "time"

// RetryBuilder assembles the RetryPolicy handed to WithRetry.
//
//	b.Stage("research", research,
//		WithRetry(Retry(3).WithExponentialBackoff(200*time.Millisecond, 2, 5*time.Second).Policy()))
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry starts a policy that runs a stage at most maxAttempts times, the
// first attempt included. Values below 1 mean a single attempt.
func Retry(maxAttempts int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxRetries: max(maxAttempts, 1) - 1}}
}

// WithExponentialBackoff sleeps initial before the first retry and grows the
// pause by multiplier after each one, up to limit. A non-positive multiplier
// means 2; a non-positive limit leaves the pause uncapped.
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = limit
	return r
}

// WithConstantBackoff pauses for delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.BackoffMultiplier = 1
	r.policy.MaxBackoff = 0
	return r
}

// Immediate retries a failed stage without pausing.
func (r RetryBuilder) Immediate() RetryBuilder {
	r.policy.InitialBackoff = 0
	r.policy.BackoffMultiplier = 0
	r.policy.MaxBackoff = 0
	return r
}

// Policy returns the assembled policy.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
