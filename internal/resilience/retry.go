package resilience

import (
	"context"
	"log/slog"
	"time"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
)

// RetryPolicy bounds [Retry]. Delays grow as Base * 2^attempt, capped at Max.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// Base is the delay before the second try. Default: 200ms.
	Base time.Duration

	// Max caps each delay. Default: 2s.
	Max time.Duration

	// Retryable decides whether an error is worth another try. Default:
	// [faults.IsTransient].
	Retryable func(error) bool
}

// DefaultRetryPolicy is used by collaborators that do not configure one.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}
	if p.Max <= 0 {
		p.Max = DefaultRetryPolicy.Max
	}
	if p.Retryable == nil {
		p.Retryable = faults.IsTransient
	}
	return p
}

// Delay returns the wait before try number attempt+1 (attempt counts from 0).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.Base
	for range attempt {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return min(d, p.Max)
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx is done. The last error is returned.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func(context.Context) error) error {
	_, err := RetryValue(ctx, op, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryValue is [Retry] for functions that return a value.
func RetryValue[R any](ctx context.Context, op string, policy RetryPolicy, fn func(context.Context) (R, error)) (R, error) {
	policy = policy.withDefaults()
	var (
		result R
		err    error
	)
	for attempt := range policy.Attempts {
		result, err = fn(ctx)
		if err == nil || !policy.Retryable(err) || attempt == policy.Attempts-1 {
			return result, err
		}
		delay := policy.Delay(attempt)
		slog.Warn("retrying after transient error", "op", op, "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
	return result, err
}
