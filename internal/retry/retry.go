package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Default backoff parameters, used when a Policy leaves them zero.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// ErrCircuitOpen is returned by Do without attempting the operation when
// the policy's breaker reports the key open.
var ErrCircuitOpen = errors.New("circuit open")

// Policy controls how Do retries one operation.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values < 1 fall back to DefaultMaxAttempts.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff: the wait before attempt
	// n+1 is min(MaxDelay, BaseDelay*2^(n-1) + jitter).
	BaseDelay time.Duration
	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration
	// OnRetry runs before each sleep, with the 1-based index of the
	// attempt that just failed, the delay about to be slept, and the
	// error. Use it for cleanup between attempts.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Breaker, when set together with Key, makes Do fail fast while the
	// circuit is open, record one failure when all attempts are
	// exhausted, and record a success when any attempt succeeds.
	Breaker BreakerRegistry
	// Key is the breaker key for this operation.
	Key string
}

// Do invokes op until it succeeds, the attempt budget runs out, or ctx is
// canceled. Delays between attempts grow exponentially from BaseDelay with
// a small random jitter, and never exceed MaxDelay. One operation failure
// is recorded against the breaker only after all attempts are exhausted,
// so a flaky-but-recovering operation never trips the circuit.
func Do(ctx context.Context, op func(ctx context.Context) error, p Policy) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}

	if p.Breaker != nil && p.Key != "" && p.Breaker.Open(p.Key) {
		return fmt.Errorf("%w: %s", ErrCircuitOpen, p.Key)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if p.Breaker != nil && p.Key != "" {
				p.Breaker.RecordSuccess(p.Key)
			}
			return nil
		}

		if attempt == attempts {
			break
		}

		delay := backoffDelay(attempt, p.BaseDelay, p.MaxDelay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, lastErr)
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return err
		}
	}

	if p.Breaker != nil && p.Key != "" {
		p.Breaker.RecordFailure(p.Key)
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// backoffDelay computes the wait after the given 1-based failed attempt:
// min(max, base*2^(attempt-1) + jitter). Jitter is non-negative and under
// base/4, which keeps successive delays non-decreasing.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if max < base {
		max = base
	}

	shift := uint(attempt - 1)
	if shift > 32 {
		shift = 32
	}
	delay := base << shift
	if delay <= 0 || delay > max {
		return max
	}

	if j := int64(base / 4); j > 0 {
		delay += time.Duration(rand.Int63n(j))
	}
	if delay > max {
		delay = max
	}
	return delay
}

// sleepWithContext waits for d or until ctx is canceled, whichever comes
// first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
