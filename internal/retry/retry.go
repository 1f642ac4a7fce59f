// Package retry provides bounded retry with exponential backoff and jitter.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default is the policy used for transient database errors.
var Default = Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second}

// Delay returns the backoff before the given 1-based attempt, with up to
// 25% random jitter so that concurrent workers do not reconnect in lockstep.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

// Do runs fn until it succeeds, the attempts are exhausted, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", p.MaxAttempts, err)
}
