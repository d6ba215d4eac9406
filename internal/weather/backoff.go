package weather

import (
	"context"
	"errors"
	"math"
	"time"
)

var errInvalidBackoff = errors.New("invalid backoff configuration")

// BackoffConfig controls exponential backoff between retry rounds.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Validate rejects negative retries and non-positive intervals.
func (b BackoffConfig) Validate() error {
	if b.MaxRetries < 0 || (b.MaxRetries > 0 && b.InitialInterval <= 0) {
		return errInvalidBackoff
	}
	return nil
}

// Delay returns the wait before retry number attempt (0-based).
func (b BackoffConfig) Delay(attempt int) time.Duration {
	delay := b.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
	if delay > b.MaxInterval && b.MaxInterval > 0 {
		delay = b.MaxInterval
	}
	return delay
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
