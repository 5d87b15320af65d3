// Package `retry` runs fragile operations with a bounded number of attempts
// and a fixed delay between them.  Mounting and reachability probes share
// the same policy, so a flaky operation is treated identically everywhere.
//
// The delay is deliberately fixed.  The appliance waits on local hardware
// and a LAN endpoint; growing backoff would only delay recovery.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// `ErrExhausted` is returned after the last failed attempt.  Callers decide
// how to treat exhaustion; nothing panics.
var ErrExhausted = errors.New("retries exhausted")

const (
	DefaultAttempts = 10
	DefaultDelay    = 1 * time.Second
)

type Policy struct {
	Attempts int
	Delay    time.Duration
}

func Default() Policy {
	return Policy{Attempts: DefaultAttempts, Delay: DefaultDelay}
}

// `Do()` runs `op` until it succeeds or `p.Attempts` consecutive failures
// have been observed.  It sleeps `p.Delay` between attempts.  The returned
// error wraps `ErrExhausted` together with the last failure.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := p.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempts, lastErr)
}
