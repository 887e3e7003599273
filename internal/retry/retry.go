// Package retry decides whether a failed stage attempt is re-dispatched and
// how long to wait before doing so.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/specialistvlad/stagegridgo/internal/errcode"
)

// Strategy shapes the delay sequence.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Constant    Strategy = "constant"
	Fibonacci   Strategy = "fibonacci"
)

// DefaultRetryable is the set of codes retried when Policy.Retryable is nil.
var DefaultRetryable = []errcode.Code{
	errcode.IOError,
	errcode.ResourceLimitExceeded,
	errcode.Timeout,
	errcode.ExternalToolFailure,
}

// Policy is immutable once handed to the orchestrator. The total number of
// attempts for a stage is MaxRetries + 1.
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Strategy   Strategy      `yaml:"strategy"`
	// Factor is the multiplier for exponential and linear growth. Zero means 2.
	Factor float64 `yaml:"factor"`
	// Jitter spreads each delay uniformly by +/- Jitter*delay. 0 disables it.
	Jitter float64 `yaml:"jitter"`
	// Retryable overrides DefaultRetryable when non-nil.
	Retryable []errcode.Code `yaml:"retryable"`
}

// Default is the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Strategy:   Exponential,
		Factor:     2,
	}
}

// Validate checks the policy for values that cannot produce a sane schedule.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return fmt.Errorf("jitter must be within [0, 1], got %g", p.Jitter)
	}
	switch p.Strategy {
	case "", Exponential, Linear, Constant, Fibonacci:
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Strategy)
	}
	for _, c := range p.Retryable {
		if !c.Valid() {
			return fmt.Errorf("unknown error code %q in retryable set", c)
		}
	}
	return nil
}

// WithMaxRetries returns a copy of p with MaxRetries replaced.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// Override replaces individual fields of a Policy. Nil fields keep the
// value of the policy it is applied to.
type Override struct {
	MaxRetries *int
	BaseDelay  *time.Duration
	MaxDelay   *time.Duration
	Strategy   *Strategy
	Factor     *float64
	Jitter     *float64
	Retryable  []errcode.Code
}

// Apply returns p with the set fields of o replaced. A nil o returns p.
func (o *Override) Apply(p Policy) Policy {
	if o == nil {
		return p
	}
	if o.MaxRetries != nil {
		p.MaxRetries = *o.MaxRetries
	}
	if o.BaseDelay != nil {
		p.BaseDelay = *o.BaseDelay
	}
	if o.MaxDelay != nil {
		p.MaxDelay = *o.MaxDelay
	}
	if o.Strategy != nil {
		p.Strategy = *o.Strategy
	}
	if o.Factor != nil {
		p.Factor = *o.Factor
	}
	if o.Jitter != nil {
		p.Jitter = *o.Jitter
	}
	if o.Retryable != nil {
		p.Retryable = append([]errcode.Code(nil), o.Retryable...)
	}
	return p
}

// IsRetryable reports whether code is in the policy's retryable set.
// VALIDATION_ERROR, CANCELLED and SUCCESS are never retryable.
func (p Policy) IsRetryable(code errcode.Code) bool {
	switch code {
	case errcode.Success, errcode.ValidationError, errcode.Cancelled:
		return false
	}
	set := p.Retryable
	if set == nil {
		set = DefaultRetryable
	}
	for _, c := range set {
		if c == code {
			return true
		}
	}
	return false
}

// ShouldRetry reports whether another attempt should follow attempt number
// attempt (1-based) that ended with code.
func (p Policy) ShouldRetry(code errcode.Code, attempt int) bool {
	return p.IsRetryable(code) && attempt <= p.MaxRetries
}

// Backoff returns the delay before retry number attempt (1-based), capped at
// MaxDelay when MaxDelay is set.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor == 0 {
		factor = 2
	}
	base := float64(p.BaseDelay)
	n := float64(attempt - 1)

	var d float64
	switch p.Strategy {
	case Constant:
		d = base
	case Linear:
		d = base * (1 + n*factor)
	case Fibonacci:
		d = base * float64(fib(attempt+1))
	default:
		d = base * math.Pow(factor, n)
	}

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && d > 0 {
		spread := d * p.Jitter
		d += (rand.Float64()*2 - 1) * spread
		if d < 0 {
			d = 0
		}
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func fib(n int) int {
	if n <= 1 {
		return n
	}
	a, b := 0, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
