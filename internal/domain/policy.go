package domain

import (
	"math"
	"time"
)

type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	RetryableErrors   []string      `json:"retryable_errors,omitempty"`
}

func NewRetryPolicy(maxAttempts int, initialDelay, maxDelay time.Duration, multiplier float64, retryable ...string) (*RetryPolicy, error) {
	policy := &RetryPolicy{
		MaxAttempts:       maxAttempts,
		InitialDelay:      initialDelay,
		MaxDelay:          maxDelay,
		BackoffMultiplier: multiplier,
		RetryableErrors:   retryable,
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return policy, nil
}

func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 || p.MaxAttempts > 10 {
		return NewValidationError("retry max attempts must be between 1 and 10", map[string]interface{}{
			"max_attempts": p.MaxAttempts,
		})
	}
	if p.BackoffMultiplier < 1.0 || p.BackoffMultiplier > 10.0 {
		return NewValidationError("retry backoff multiplier must be between 1.0 and 10.0", map[string]interface{}{
			"backoff_multiplier": p.BackoffMultiplier,
		})
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return NewValidationError("retry delays cannot be negative", nil)
	}
	return nil
}

// DelayFor computes the backoff before the given attempt:
// min(MaxDelay, InitialDelay * multiplier^(attempt-2)). Attempt numbering
// starts at 1, so the delay before attempt 2 is the initial delay.
func (p *RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-2))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// IsRetryable reports whether the error code is classified retryable and
// attempts remain after the given attempt.
func (p *RetryPolicy) IsRetryable(errorCode string, attempt int) bool {
	if p == nil || attempt >= p.MaxAttempts {
		return false
	}
	for _, code := range p.RetryableErrors {
		if code == errorCode {
			return true
		}
	}
	return false
}

type CompensationStrategy string

const (
	CompensationSequential CompensationStrategy = "sequential"
	CompensationParallel   CompensationStrategy = "parallel"
)

type CompensationPolicy struct {
	Enabled     bool                 `json:"enabled"`
	Strategy    CompensationStrategy `json:"strategy"`
	Timeout     time.Duration        `json:"timeout"`
	FailOnError bool                 `json:"fail_on_error"`
}
