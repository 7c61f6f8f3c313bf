package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Factor:      2,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}
}

func TestPolicy_DelayIsNonDecreasingAndCapped(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	prev := time.Duration(0)
	for n := 0; n < 200; n++ {
		d := p.Delay(n)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestPolicy_DelayWithoutCapDoesNotOverflow(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Factor: 10}
	assert.Greater(t, p.Delay(100), time.Duration(0))
}

func TestPolicy_JitterStaysInHalfToFullRange(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2, Jitter: true}
	for n := 0; n < 6; n++ {
		for i := 0; i < 50; i++ {
			d := p.JitteredDelay(n)
			assert.GreaterOrEqual(t, d, p.Delay(n)/2)
			assert.LessOrEqual(t, d, p.Delay(n))
		}
	}

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, p.JitteredDelay(0))
}

func TestDo_RetriesRetryableUntilSuccess(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenAttemptsExhausted(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(2), func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 2, calls)
}

func TestDo_NonRetryableAbortsImmediately(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDo_SingleAttemptWhenMaxAttemptsUnset(t *testing.T) {
	calls := 0
	err := Run(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(10)
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour

	calls := 0
	err := Run(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
