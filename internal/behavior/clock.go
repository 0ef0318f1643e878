package behavior

import (
	"time"
)

// Clock abstracts time for schedulers, supervisors and the orchestrator.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable one-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTimer(d time.Duration) Timer {
	if d < 0 {
		d = 0
	}
	return realTimer{t: time.NewTimer(d)}
}

// ScaledClock runs faster than the wall clock by Factor. A factor of 60 turns
// a minute of schedule into a second of real time.
type ScaledClock struct {
	factor     float64
	origin     time.Time
	realOrigin time.Time
}

// NewScaledClock creates a clock that starts at the current wall time and
// advances factor times faster. Factors below 1 are treated as 1.
func NewScaledClock(factor float64) *ScaledClock {
	if factor < 1 {
		factor = 1
	}
	now := time.Now()
	return &ScaledClock{factor: factor, origin: now, realOrigin: now}
}

// Factor returns the speed-up applied to real time.
func (c *ScaledClock) Factor() float64 { return c.factor }

func (c *ScaledClock) Now() time.Time {
	elapsed := time.Since(c.realOrigin)
	return c.origin.Add(time.Duration(float64(elapsed) * c.factor))
}

func (c *ScaledClock) NewTimer(d time.Duration) Timer {
	if d < 0 {
		d = 0
	}
	return realTimer{t: time.NewTimer(time.Duration(float64(d) / c.factor))}
}

// Sleep waits for d of clock time or until done is closed. It reports whether
// the full duration elapsed.
func Sleep(clock Clock, d time.Duration, done <-chan struct{}) bool {
	t := clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-done:
		return false
	}
}
