package resilience

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/loykin/vigil/internal/metrics"
)

// Policy is a named retry-with-backoff configuration for store operations.
// Delays grow exponentially from InitialDelay, capped at MaxDelay, and are
// optionally randomized to avoid synchronized retry storms across instances.
type Policy struct {
	Name         string
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
	// Classify decides whether an error consumes a retry attempt.
	// Nil means Retryable.
	Classify func(error) bool
}

// HeartbeatPolicy keeps heartbeat writes cheap: staleness is tolerable,
// blocking the worker is not.
func HeartbeatPolicy() Policy {
	return Policy{
		Name:         "heartbeat",
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
	}
}

// StorePolicy is the general policy for registration, transitions and
// monitor queries, where longer delays are tolerated.
func StorePolicy() Policy {
	return Policy{
		Name:         "store",
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Jitter:       true,
	}
}

// Validate checks the policy at construction time.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy %q: max attempts must be >= 1, got %d", p.Name, p.MaxAttempts)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("retry policy %q: initial delay must be positive", p.Name)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("retry policy %q: max delay %v below initial delay %v", p.Name, p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// Do runs op, retrying transient failures per the policy. Non-retryable
// errors propagate immediately without consuming an attempt budget.
// Backoff sleeps respect ctx cancellation.
func (p Policy) Do(ctx context.Context, op func(context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = Retryable
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			metrics.IncRetry(p.Name)
			if werr := sleep(ctx, p.delay(attempt-1)); werr != nil {
				return werr
			}
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
	}
	metrics.IncRetryExhausted(p.Name)
	return fmt.Errorf("%s: %d attempts exhausted: %w", p.Name, attempts, err)
}

// delay computes the backoff before retry number attempt+1.
func (p Policy) delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && d > 0 {
		// uniform in [d/2, d): keeps growth while desynchronizing peers
		half := d / 2
		d = half + time.Duration(rand.Int64N(int64(half)))
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
