// Package retry wraps an operation in exponential backoff with optional jitter.
//
// Delay for attempt n (0-indexed) is min(BaseDelay * Factor^n, MaxDelay), then
// multiplied by a uniform factor in [0.5, 1.0) when Jitter is set. Only errors
// the policy classifies as retryable are retried; anything else aborts at once.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	Jitter      bool

	// Retryable decides whether a failed attempt may be retried.
	// A nil classifier retries every error.
	Retryable func(error) bool

	// Rand returns a float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Delay returns the pre-jitter delay before retry n (0-indexed).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// JitteredDelay applies the jitter factor to Delay(n).
func (p Policy) JitteredDelay(n int) time.Duration {
	d := p.Delay(n)
	if !p.Jitter {
		return d
	}
	r := p.Rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(float64(d) * (0.5 + r()*0.5))
}

func (p Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// schedule adapts a Policy to backoff.BackOff.
type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	d := s.policy.JitteredDelay(s.attempt)
	s.attempt++
	return d
}

func (s *schedule) Reset() { s.attempt = 0 }

// Do runs op until it succeeds, returns a non-retryable error, the context
// ends, or MaxAttempts is used up. The last observed error is returned.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = &schedule{policy: p}
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	return backoff.RetryWithData(func() (T, error) {
		v, err := op(ctx)
		if err != nil && !p.retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, b)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
