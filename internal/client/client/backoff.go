package client

import (
	"context"
	"math"
	"time"
)

const (
	maxBackoff    = 30 * time.Second
	maxJitterSecs = 0.5
)

// Backoff returns min(2^attempt + jitter*0.5, 30) seconds. jitter must be
// in [0, 1).
func Backoff(attempt int, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	secs := math.Pow(2, float64(attempt)) + jitter*maxJitterSecs
	if secs >= maxBackoff.Seconds() {
		return maxBackoff
	}
	return time.Duration(secs * float64(time.Second))
}

// sleepCtx waits for d or until ctx is done.
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
