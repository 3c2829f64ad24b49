package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transient is implemented by errors that know whether retrying them can
// succeed.
type Transient interface {
	Transient() bool
}

// IsTransient reports whether any error in err's chain declares itself
// transient. Errors that say nothing are treated as permanent.
func IsTransient(err error) bool {
	var t Transient
	if errors.As(err, &t) {
		return t.Transient()
	}
	return false
}

// Exhausted is returned when every attempt failed transiently.
type Exhausted struct {
	Attempts int
	Err      error
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *Exhausted) Unwrap() error {
	return e.Err
}

// Policy retries transient failures with exponential backoff. The delay
// after attempt n is Min*2^(n-1), capped at Max.
type Policy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration

	// Sleep waits for d or until ctx ends. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
	// IsTransient overrides the package-level IsTransient check.
	IsTransient func(err error) bool
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Backoff returns the wait that follows the given 1-based attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Min
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Do calls fn until it succeeds, returns a permanent error, or
// MaxAttempts transient failures have happened. fn receives the 1-based
// attempt number.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	transient := p.IsTransient
	if transient == nil {
		transient = IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		if attempt >= maxAttempts {
			return &Exhausted{Attempts: attempt, Err: err}
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep waits for d without holding anything, returning early with the
// context's error if ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
