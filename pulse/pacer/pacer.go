// Package pacer spaces outbound requests to an upstream service so that
// concurrent jobs do not burst it. Callers reserve the next free slot and
// sleep until it arrives; each reservation pushes the checkpoint forward by
// the interval plus a random jitter.
package pacer

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Defaults for upstream programme and stream lookups.
const (
	DefaultInterval = 150 * time.Millisecond
	DefaultJitter   = 100 * time.Millisecond
)

// Pacer serialises request start times with a minimum spacing.
type Pacer struct {
	mu         sync.Mutex
	interval   time.Duration
	jitter     time.Duration
	checkpoint time.Time

	timeNow  func() time.Time // Injectable for testing
	jitterFn func(max time.Duration) time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a pacer with real time.
func New(interval, jitter time.Duration) *Pacer {
	return NewWithClock(interval, jitter, time.Now)
}

// NewWithClock creates a pacer with an injectable clock (for testing).
func NewWithClock(interval, jitter time.Duration, timeNow func() time.Time) *Pacer {
	if interval < 0 {
		interval = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Pacer{
		interval: interval,
		jitter:   jitter,
		timeNow:  timeNow,
		jitterFn: randomJitter,
		sleep:    sleepContext,
	}
}

// Wait blocks until the caller's slot arrives. A pacer with zero interval and
// zero jitter never blocks.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	delay := p.Reserve()
	if delay <= 0 {
		return nil
	}
	return p.sleep(ctx, delay)
}

// Reserve claims the next slot and returns how long the caller must wait for
// it. The checkpoint never moves backwards.
func (p *Pacer) Reserve() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.interval == 0 && p.jitter == 0 {
		return 0
	}

	now := p.timeNow()
	slot := p.checkpoint
	if slot.Before(now) {
		slot = now
	}

	var extra time.Duration
	if p.jitter > 0 {
		extra = p.jitterFn(p.jitter)
	}
	p.checkpoint = slot.Add(p.interval + extra)

	return slot.Sub(now)
}

// SetInterval retunes the spacing. Reservations already handed out keep
// their slots.
func (p *Pacer) SetInterval(interval, jitter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if interval < 0 {
		interval = 0
	}
	if jitter < 0 {
		jitter = 0
	}
	p.interval = interval
	p.jitter = jitter
}

// Interval returns the current spacing and jitter.
func (p *Pacer) Interval() (interval, jitter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval, p.jitter
}

func randomJitter(max time.Duration) time.Duration {
	return time.Duration(rand.Int64N(int64(max) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
