package trailhead

import "time"

// RetryBuilder assembles the ConflictRetry policy an engine applies when two
// writers race on the same session, e.g. a double-clicked "Next" button.
//
//	trailhead.Retry(5).WithExponentialBackoff(time.Millisecond, 2, 20*time.Millisecond).Policy()
type RetryBuilder struct {
	policy ConflictRetry
}

// Retry starts a policy that makes at most attempts tries per transition,
// the first one included. Values below 1 mean a single try.
func Retry(attempts int) RetryBuilder {
	return RetryBuilder{policy: ConflictRetry{MaxAttempts: max(attempts, 1)}}
}

// WithExponentialBackoff sleeps initial before the first retry and grows the
// delay by multiplier (2 when not positive) up to limit (uncapped when not
// positive).
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, limit time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	r.policy.InitialBackoff = initial
	r.policy.BackoffMultiplier = multiplier
	r.policy.MaxBackoff = limit
	return r
}

// WithConstantBackoff sleeps delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy.InitialBackoff = delay
	r.policy.BackoffMultiplier = 1.0
	r.policy.MaxBackoff = 0
	return r
}

// Immediate retries without sleeping.
func (r RetryBuilder) Immediate() RetryBuilder {
	return RetryBuilder{policy: ConflictRetry{MaxAttempts: r.policy.MaxAttempts}}
}

// Schedule lists the sleep before each retry the policy allows.
func (r RetryBuilder) Schedule() []time.Duration {
	out := make([]time.Duration, 0, r.policy.MaxAttempts-1)
	for n := 1; n < r.policy.MaxAttempts; n++ {
		out = append(out, r.policy.Delay(n))
	}
	return out
}

// Policy returns the value for Options.ConflictRetry.
func (r RetryBuilder) Policy() ConflictRetry {
	return r.policy
}
