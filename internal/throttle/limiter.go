package throttle

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"
)

// Limiter caps how many classification attempts run at once. It also
// tracks the current and highest observed in-flight count.
type Limiter struct {
	capacity int
	sem      *semaphore.Weighted
	inFlight atomic.Int64
	peak     atomic.Int64
	gauge    prometheus.Gauge
}

// NewLimiter returns a limiter with k slots. gauge may be nil.
func NewLimiter(k int, gauge prometheus.Gauge) (*Limiter, error) {
	if k < 1 {
		return nil, fmt.Errorf("limiter capacity must be >= 1, got %d", k)
	}
	return &Limiter{
		capacity: k,
		sem:      semaphore.NewWeighted(int64(k)),
		gauge:    gauge,
	}, nil
}

func (l *Limiter) Capacity() int {
	return l.capacity
}

// Acquire blocks until a slot is free or ctx ends. Every successful
// Acquire must be paired with exactly one Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	n := l.inFlight.Add(1)
	for {
		p := l.peak.Load()
		if n <= p || l.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if l.gauge != nil {
		l.gauge.Inc()
	}
	return nil
}

func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	if l.gauge != nil {
		l.gauge.Dec()
	}
	l.sem.Release(1)
}

func (l *Limiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Peak is the highest in-flight count seen since the limiter was created.
func (l *Limiter) Peak() int {
	return int(l.peak.Load())
}
