package flow

import "time"

// RetryPolicy configures how many times a step's body is re-executed after
// a failure and how long the Executor waits between attempts.
//
// A step declares a fixed per-attempt {maxRetries, delay} pair, and Delay is
// used verbatim between attempts. Exponential backoff is still available as
// an opt-in via BackoffFunc for step bodies that want it, defaulting to nil
// (fixed delay).
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt. Zero
	// means the body runs exactly once.
	MaxRetries int

	// Delay is the fixed wait between attempts.
	Delay time.Duration

	// BackoffFunc, if set, overrides Delay by computing the wait before
	// attempt (1-indexed, 1 = first retry) from scratch.
	BackoffFunc func(attempt int, base time.Duration) time.Duration
}

// Validate reports whether the policy's bounds are well-formed.
func (p RetryPolicy) Validate() error {
	if p.MaxRetries < 0 {
		return ErrInvalidRetryPolicy
	}
	if p.Delay < 0 {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// delayFor returns the wait before the given 1-indexed retry attempt.
func (p RetryPolicy) delayFor(attempt int) time.Duration {
	if p.BackoffFunc != nil {
		return p.BackoffFunc(attempt, p.Delay)
	}
	return p.Delay
}
