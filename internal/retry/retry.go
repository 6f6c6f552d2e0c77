// ABOUTME: Centralized retry policy shared by delivery and dispatch paths.
// ABOUTME: Max-attempt budget with exponential backoff, context-aware waits.

// Package retry provides one policy object for bounded retries, so the
// attempt budget and backoff curve live in a single place instead of
// being re-derived at every call site.
package retry

import (
	"context"
	"time"
)

// Policy bounds how many times an operation may be attempted and how
// long to wait between attempts. The zero value is usable and means a
// single attempt with no waiting.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // backoff ceiling; 0 means no ceiling
}

// Budget returns the effective attempt count, never less than one.
func (p Policy) Budget() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns how long to wait after the given failed attempt
// (1-based). The delay doubles each attempt up to MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn up to the policy's attempt budget, waiting the backoff
// delay between attempts. It returns nil on the first success, the
// last error once the budget is spent, or ctx.Err() if the context is
// canceled while waiting.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	budget := p.Budget()

	var err error
	for attempt := 1; attempt <= budget; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == budget {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
