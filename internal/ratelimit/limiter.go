// Package ratelimit is the outbound limiter shared by every marketplace call
// made from one process.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket. It is safe for concurrent use.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing perSecond events with the given burst.
// A non-positive rate disables limiting.
func New(perSecond float64, burst int) *Limiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(limit, burst)}
}

// Every creates a limiter allowing one event per interval
func Every(interval time.Duration, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Every(interval), burst)}
}

// Acquire blocks until a slot is available or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// CanAcquireNow reports whether a slot is free without consuming it
func (l *Limiter) CanAcquireNow() bool {
	if l.limiter.Limit() == rate.Inf {
		return true
	}
	return l.limiter.Tokens() >= 1
}

// Ready blocks until a slot is free or ctx is done, without consuming it
func (l *Limiter) Ready(ctx context.Context) error {
	for !l.CanAcquireNow() {
		wait := time.Duration((1 - l.limiter.Tokens()) / float64(l.limiter.Limit()) * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("rate limiter: %w", ctx.Err())
		case <-timer.C:
		}
	}
	return nil
}
