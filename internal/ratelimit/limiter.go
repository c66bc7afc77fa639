package ratelimit

import (
	"context"
	"math"
	"time"
)

// Limiter is a process-local token bucket with a minimum spacing between grants.
// Acquire never rejects; it only delays. State is not shared across processes.
type Limiter struct {
	capacity    float64 // also the refill amount per minute
	minInterval time.Duration

	// sem serializes waiters while still honoring context cancellation.
	sem         chan struct{}
	tokens      float64
	lastRefill  time.Time
	lastRequest time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock and the sleeper. Tests pair a fake clock
// with a sleeper that advances it.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// New builds a limiter holding requestsPerMinute tokens that refill at the same rate.
func New(requestsPerMinute int, minInterval time.Duration, opts ...Option) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 1
	}
	l := &Limiter{
		capacity:    float64(requestsPerMinute),
		minInterval: minInterval,
		sem:         make(chan struct{}, 1),
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tokens = l.capacity
	l.lastRefill = l.now()
	return l
}

// Acquire blocks until a permit is available and consumes it. It returns the
// total time spent waiting, or the context error if cancelled first.
func (l *Limiter) Acquire(ctx context.Context) (time.Duration, error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	defer func() { <-l.sem }()

	var waited time.Duration
	for {
		now := l.now()
		l.refillAt(now)

		wait := l.waitFor(now)
		if wait <= 0 {
			l.tokens--
			l.lastRequest = now
			return waited, nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// Tokens reports the current refilled token count.
func (l *Limiter) Tokens() float64 {
	l.sem <- struct{}{}
	defer func() { <-l.sem }()
	l.refillAt(l.now())
	return l.tokens
}

func (l *Limiter) refillAt(now time.Time) {
	delta := now.Sub(l.lastRefill)
	if delta <= 0 {
		return
	}
	add := float64(delta) * l.capacity / float64(time.Minute)
	l.tokens = math.Min(l.capacity, l.tokens+add)
	l.lastRefill = now
}

// waitFor evaluates the bucket and spacing checks together and returns how
// long the caller must wait before the next grant.
func (l *Limiter) waitFor(now time.Time) time.Duration {
	if l.tokens < 1 {
		missing := 1 - l.tokens
		return time.Duration(math.Ceil(missing * float64(time.Minute) / l.capacity))
	}
	if l.minInterval > 0 && !l.lastRequest.IsZero() {
		if since := now.Sub(l.lastRequest); since < l.minInterval {
			return l.minInterval - since
		}
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
