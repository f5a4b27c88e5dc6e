// Package retry holds the backoff policies used when reconnecting to the
// broker and between publish attempts, on top of cenkalti/backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy describes a capped exponential backoff.
//
// The delay for an attempt follows: delay = min(BaseDelay * Multiplier^attempt, MaxDelay)
//
// With BaseDelay=1s, Multiplier=2 and MaxDelay=15s:
//
//	Attempt 1: 2s
//	Attempt 2: 4s
//	Attempt 3: 8s
//	Attempt 4: 15s (capped)
type Strategy struct {
	BaseDelay  time.Duration // Delay for attempt 0.
	MaxDelay   time.Duration // Ceiling applied to every delay.
	Multiplier float64       // Growth factor, e.g. 2.0 for doubling.
	// Jitter spreads each delay by up to this fraction (0..1) of its value.
	// Zero disables jitter.
	Jitter float64
}

// PublishStrategy returns the delay policy between publish attempts: 2^attempt seconds, capped at 15s.
func PublishStrategy() Strategy {
	return Strategy{
		BaseDelay:  1 * time.Second,
		MaxDelay:   15 * time.Second,
		Multiplier: 2.0,
	}
}

// ConnectStrategy returns the delay policy between connection attempts: 1s doubling, capped at 5s.
func ConnectStrategy() Strategy {
	return Strategy{
		BaseDelay:  1 * time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}

// ReconnectStrategy returns the delay policy of the background worker between
// failed connection cycles: 1s doubling, capped at 15s.
func ReconnectStrategy() Strategy {
	return Strategy{
		BaseDelay:  1 * time.Second,
		MaxDelay:   15 * time.Second,
		Multiplier: 2.0,
	}
}

// exponential builds the library backoff for s. It never gives up on its own;
// attempt budgets and cancellation belong to the caller.
func (s Strategy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.BaseDelay
	b.MaxInterval = s.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64)
	}
	b.Multiplier = math.Max(s.Multiplier, 1)
	b.RandomizationFactor = math.Min(math.Max(s.Jitter, 0), 1)
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (s Strategy) capped(d time.Duration) time.Duration {
	if s.MaxDelay > 0 && d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

// Delay calculates the delay for the given attempt number.
// Attempts at or below zero return BaseDelay (capped).
func (s Strategy) Delay(attempt int) time.Duration {
	b := s.exponential()
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return s.capped(d)
}

// Backoff is a stateful walk over a Strategy: each Next returns the current
// delay and grows the next one until the ceiling is reached. It is not safe
// for concurrent use.
type Backoff struct {
	strategy Strategy
	b        *backoff.ExponentialBackOff
}

// NewBackoff creates a Backoff starting at the strategy's floor.
func NewBackoff(s Strategy) *Backoff {
	return &Backoff{strategy: s, b: s.exponential()}
}

// Next returns the delay to wait now and advances the backoff.
func (b *Backoff) Next() time.Duration {
	return b.strategy.capped(b.b.NextBackOff())
}

// Reset returns the backoff to its floor value.
func (b *Backoff) Reset() {
	b.b.Reset()
}

// Sleep waits for d or until ctx is done. It reports whether the full delay
// elapsed; false means the caller should stop retrying.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
