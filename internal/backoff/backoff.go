// Package backoff computes retry delays.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Exponential computes retry delays that grow by Factor per attempt up
// to Max, with optional symmetric jitter.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // 0.0 to 1.0
}

// Default doubles from one second up to thirty seconds.
func Default() Exponential {
	return Exponential{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
	}
}

// Next returns the delay before the given attempt (0-based).
func (b Exponential) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2.0
	}

	delay := float64(b.Base)
	for i := 0; i < attempt && (b.Max <= 0 || delay < float64(b.Max)); i++ {
		delay *= factor
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += delay * (rand.Float64()*2 - 1) * b.Jitter
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Wait sleeps for the delay of the given attempt or until ctx is done.
func (b Exponential) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Next(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
