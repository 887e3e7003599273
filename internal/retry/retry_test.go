package retry

import (
	"context"
	"testing"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
	"github.com/stretchr/testify/assert"
)

func TestShouldRetry(t *testing.T) {
	p := Policy{MaxRetries: 2}

	for _, code := range DefaultRetryable {
		assert.True(t, p.ShouldRetry(code, 1), code)
		assert.True(t, p.ShouldRetry(code, 2), code)
		assert.False(t, p.ShouldRetry(code, 3), code)
	}
	for _, code := range []errcode.Code{errcode.ValidationError, errcode.Cancelled, errcode.Success, errcode.GeneralError} {
		assert.False(t, p.ShouldRetry(code, 1), code)
	}
}

func TestCustomRetryableSet(t *testing.T) {
	p := Policy{MaxRetries: 1, Retryable: []errcode.Code{errcode.GeneralError, errcode.ValidationError}}

	assert.True(t, p.ShouldRetry(errcode.GeneralError, 1))
	assert.False(t, p.ShouldRetry(errcode.Timeout, 1))
	assert.False(t, p.ShouldRetry(errcode.ValidationError, 1), "validation errors are never retried")
}

func TestAttemptsBound(t *testing.T) {
	for _, n := range []int{0, 1, 3} {
		p := Policy{MaxRetries: n}
		attempts := 0
		for {
			attempts++
			if !p.ShouldRetry(errcode.IOError, attempts) {
				break
			}
		}
		assert.Equal(t, n+1, attempts)
	}
}

func TestBackoff(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{
			name:   "exponential capped",
			policy: Policy{BaseDelay: 100 * ms, MaxDelay: 500 * ms},
			want:   []time.Duration{100 * ms, 200 * ms, 400 * ms, 500 * ms, 500 * ms},
		},
		{
			name:   "exponential factor 3",
			policy: Policy{BaseDelay: 10 * ms, Factor: 3, Strategy: Exponential},
			want:   []time.Duration{10 * ms, 30 * ms, 90 * ms},
		},
		{
			name:   "linear",
			policy: Policy{BaseDelay: 100 * ms, Factor: 1, Strategy: Linear},
			want:   []time.Duration{100 * ms, 200 * ms, 300 * ms},
		},
		{
			name:   "constant",
			policy: Policy{BaseDelay: 50 * ms, Strategy: Constant},
			want:   []time.Duration{50 * ms, 50 * ms, 50 * ms},
		},
		{
			name:   "fibonacci",
			policy: Policy{BaseDelay: 10 * ms, Strategy: Fibonacci},
			want:   []time.Duration{10 * ms, 20 * ms, 30 * ms, 50 * ms, 80 * ms},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make([]time.Duration, len(tt.want))
			for i := range got {
				got[i] = tt.policy.Backoff(i + 1)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Strategy: Constant, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Default().Validate())
	assert.Error(t, Policy{MaxRetries: -1}.Validate())
	assert.Error(t, Policy{Jitter: 2}.Validate())
	assert.Error(t, Policy{Strategy: "random"}.Validate())
	assert.Error(t, Policy{Retryable: []errcode.Code{"NOPE"}}.Validate())
}

func TestWait(t *testing.T) {
	assert.NoError(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, Wait(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestOverrideApply(t *testing.T) {
	base := Default()

	t.Run("nil keeps the policy", func(t *testing.T) {
		var o *Override
		assert.Equal(t, base, o.Apply(base))
	})

	t.Run("set fields replace", func(t *testing.T) {
		strategy := Constant
		delay := 50 * time.Millisecond
		o := &Override{Strategy: &strategy, BaseDelay: &delay, Retryable: []errcode.Code{errcode.GeneralError}}

		got := o.Apply(base)

		assert.Equal(t, Constant, got.Strategy)
		assert.Equal(t, delay, got.BaseDelay)
		assert.Equal(t, base.MaxRetries, got.MaxRetries)
		assert.Equal(t, base.MaxDelay, got.MaxDelay)
		assert.True(t, got.ShouldRetry(errcode.GeneralError, 1))
		assert.False(t, got.ShouldRetry(errcode.IOError, 1))
		assert.Equal(t, delay, got.Backoff(3))
	})
}
