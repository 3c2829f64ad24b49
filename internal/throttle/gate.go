package throttle

import (
	"context"
	"time"
)

// Gate spaces outbound calls so that consecutive grants are at least
// interval apart, no matter how many goroutines call Acquire.
//
// The lock is a one-slot channel so waiting for it can be abandoned when
// the caller's context ends. The holder keeps the lock while it sleeps;
// that is what makes the spacing hold against the previous grant rather
// than against the previous request.
type Gate struct {
	interval time.Duration
	lock     chan struct{}
	last     time.Time
	onGrant  func(granted time.Time, waited time.Duration)
}

type GateOption func(*Gate)

// WithGrantHook registers fn to be called, with the gate held, each time a
// caller is released.
func WithGrantHook(fn func(granted time.Time, waited time.Duration)) GateOption {
	return func(g *Gate) {
		g.onGrant = fn
	}
}

func NewGate(interval time.Duration, opts ...GateOption) *Gate {
	if interval < 0 {
		interval = 0
	}
	g := &Gate{
		interval: interval,
		lock:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) Interval() time.Duration {
	return g.interval
}

// Acquire blocks until the caller may make its call. It returns the
// context's error if ctx ends first, in which case no grant is recorded.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case g.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.lock }()

	if !g.last.IsZero() {
		if wait := g.interval - time.Since(g.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}

	g.last = time.Now()
	if g.onGrant != nil {
		g.onGrant(g.last, g.last.Sub(start))
	}
	return nil
}

// Last returns the time of the most recent grant, or the zero time.
func (g *Gate) Last(ctx context.Context) (time.Time, error) {
	select {
	case g.lock <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-g.lock }()
	return g.last, nil
}
