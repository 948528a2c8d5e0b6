package registry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy configures WithRetry.
type Policy struct {
	// Attempts is the total number of invocations, including the first.
	Attempts  int
	BaseDelay time.Duration
	MaxJitter time.Duration

	// OnRetry is called before sleeping ahead of retry n (0-based).
	OnRetry func(n int, delay time.Duration, err error)
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: 250 * time.Millisecond,
		MaxJitter: 100 * time.Millisecond,
	}
}

// Delay returns the wait before retry n: BaseDelay*2^n plus a uniform jitter
// in [0, MaxJitter].
func (p Policy) Delay(n int) time.Duration {
	d := p.BaseDelay << n
	if p.MaxJitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.MaxJitter) + 1))
	}
	return d
}

// WithRetry invokes fn until it succeeds, fails terminally, is cancelled or
// runs out of attempts. Only transient errors (429, 5xx, transport) are
// retried. fn must be idempotent or otherwise safe to repeat.
func WithRetry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := max(p.Attempts, 1)

	for n := 0; ; n++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, cancelled(ctx.Err())
		}

		switch Classify(err) {
		case KindCancelled:
			return zero, cancelled(err)
		case KindTerminal:
			return zero, err
		}

		if n+1 >= attempts {
			return zero, fmt.Errorf("after %d attempts: %w", attempts, err)
		}

		delay := p.Delay(n)
		retriesTotal.WithLabelValues(Classify(err).String()).Inc()
		if p.OnRetry != nil {
			p.OnRetry(n, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return cancelled(ctx.Err())
	}
}
