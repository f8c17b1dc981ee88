package tooling

import (
	"context"
	"time"

	"github.com/ZanzyTHEbar/support-agent/sagent/errx"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds attempts of a call that fails with transient errors.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration // first backoff, doubled per retry
	MaxDelay       time.Duration // cap on a single backoff
	JitterPercent  uint64
	AttemptTimeout time.Duration // zero disables the per-attempt deadline
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		JitterPercent:  20,
		AttemptTimeout: 10 * time.Second,
	}
}

// Backoff builds the go-retry schedule for one call.
func (p RetryPolicy) Backoff() retry.Backoff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}

	b := retry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempt budget is spent. Waits between attempts observe ctx; attempts
// themselves receive whatever context fn builds. It returns the number of
// attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := 0
	err := retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx, attempts)
		if err != nil && errx.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return attempts, err
}
