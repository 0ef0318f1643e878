package behavior

import (
	"testing"
	"time"

	"behaviorbench/internal/profiles"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProfile(t *testing.T, id profiles.ID) profiles.Definition {
	t.Helper()
	def, err := profiles.MustDefault().Get(id)
	require.NoError(t, err)
	return def
}

func TestEffectiveRate_WithinBounds(t *testing.T) {
	for _, def := range profiles.MustDefault().All() {
		f := def.ActionFrequency
		assert.InDelta(t, f.Min, EffectiveRate(f, 0), 1e-9, def.ID)
		assert.InDelta(t, f.Max, EffectiveRate(f, 1), 1e-9, def.ID)

		mid := EffectiveRate(f, 0.5)
		assert.GreaterOrEqual(t, mid, f.Min, def.ID)
		assert.LessOrEqual(t, mid, f.Max, def.ID)

		assert.InDelta(t, f.Min, EffectiveRate(f, -3), 1e-9, "intensity below range clamps")
		assert.InDelta(t, f.Max, EffectiveRate(f, 7), 1e-9, "intensity above range clamps")
	}
}

func TestScheduler_TicksAreMonotonicAndJittered(t *testing.T) {
	def := testProfile(t, profiles.Confuser)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New(def, Options{Intensity: 0.5, Seed: 42}, start)

	interval := s.Interval()
	maxResponse := time.Duration(def.ResponsePatterns.ResponseDelay.MaxMs) * time.Millisecond
	prev := start
	for i := 0; i < 500; i++ {
		tick := s.Next()
		assert.Equal(t, uint64(i+1), tick.Seq)
		require.False(t, tick.DueAt.Before(prev), "tick %d went backwards", i)

		gap := tick.DueAt.Sub(prev)
		assert.GreaterOrEqual(t, gap, time.Duration(float64(interval)*(1-JitterFraction))-time.Millisecond)
		assert.LessOrEqual(t, gap, time.Duration(float64(interval)*(1+JitterFraction))+maxResponse+time.Millisecond)
		assert.Contains(t, def.Behaviors.Environment, tick.Action)
		assert.Equal(t, ChannelEnvironment, tick.Channel)
		prev = tick.DueAt
	}
}

func TestScheduler_IgnoreRate(t *testing.T) {
	def := testProfile(t, profiles.Leader)

	def.ResponsePatterns.IgnoreRate = 0
	s := New(def, Options{Intensity: 1, Seed: 1}, time.Now())
	for i := 0; i < 200; i++ {
		assert.True(t, s.Next().ShouldAct)
	}

	def.ResponsePatterns.IgnoreRate = 1
	s = New(def, Options{Intensity: 1, Seed: 1}, time.Now())
	for i := 0; i < 200; i++ {
		tick := s.Next()
		assert.False(t, tick.ShouldAct)
		assert.Zero(t, tick.ResponseDelay)
	}
}

func TestScheduler_IgnoreRateIsApproximatelyHonoured(t *testing.T) {
	def := testProfile(t, profiles.NonCooperator)
	s := New(def, Options{Intensity: 0.5, Seed: 7}, time.Now())

	ignored := 0
	const n = 5000
	for i := 0; i < n; i++ {
		if !s.Next().ShouldAct {
			ignored++
		}
	}
	assert.InDelta(t, def.ResponsePatterns.IgnoreRate, float64(ignored)/n, 0.05)
}

func TestScheduler_HandshakeFirst(t *testing.T) {
	def := testProfile(t, profiles.Leader)
	start := time.Now()
	s := New(def, Options{Intensity: 0.5, Seed: 3, Handshake: true, ChatEnabled: true}, start)

	require.True(t, s.HandshakePending())
	first := s.Next()
	assert.True(t, first.Handshake)
	assert.True(t, first.ShouldAct)
	assert.Equal(t, def.Handshake, first.Action)
	assert.Equal(t, ChannelChat, first.Channel)
	assert.Equal(t, start, first.DueAt)

	second := s.Next()
	assert.False(t, second.Handshake)
	assert.False(t, s.HandshakePending())

	// with chat disabled the handshake stays in the environment
	quiet := New(def, Options{Intensity: 0.5, Seed: 3, Handshake: true}, start)
	hs := quiet.Next()
	assert.True(t, hs.Handshake)
	assert.Equal(t, def.Handshake, hs.Action)
	assert.Equal(t, ChannelEnvironment, hs.Channel)

	// profiles without a handshake action skip straight to normal ticks
	follower := New(testProfile(t, profiles.Follower), Options{Seed: 3, Handshake: true}, start)
	assert.False(t, follower.HandshakePending())
	assert.False(t, follower.Next().Handshake)
}

func TestScheduler_ChatChannel(t *testing.T) {
	def := testProfile(t, profiles.Follower)
	s := New(def, Options{Intensity: 0.5, Seed: 9, ChatEnabled: true, ChatShare: 0.5}, time.Now())

	chat := 0
	for i := 0; i < 1000; i++ {
		tick := s.Next()
		if tick.Channel == ChannelChat {
			chat++
			assert.Contains(t, def.Behaviors.Chat, tick.Action)
		} else {
			assert.Contains(t, def.Behaviors.Environment, tick.Action)
		}
	}
	assert.InDelta(t, 500, chat, 80)
}

func TestScheduler_ResumeDoesNotReplay(t *testing.T) {
	def := testProfile(t, profiles.Follower)
	start := time.Now()
	s := New(def, Options{Intensity: 0.5, Seed: 5}, start)
	s.Next()

	later := start.Add(time.Hour)
	s.Resume(later)
	assert.Equal(t, later, s.Cursor())
	assert.True(t, s.Next().DueAt.After(later))

	// resuming into the past never rewinds
	s.Resume(start)
	assert.True(t, s.Cursor().After(later))
}

func TestScheduler_SnapshotRestore(t *testing.T) {
	def := testProfile(t, profiles.ResourceHoarder)
	opts := Options{Intensity: 0.3, Seed: 11, ChatEnabled: true}
	s := New(def, opts, time.Now())
	for i := 0; i < 17; i++ {
		s.Next()
	}

	restored := Restore(def, opts, s.Snapshot())
	for i := 0; i < 50; i++ {
		assert.Equal(t, s.Next(), restored.Next())
	}
}

func TestScaledClock(t *testing.T) {
	c := NewScaledClock(1000)
	begin := c.Now()

	timer := c.NewTimer(time.Second)
	select {
	case <-timer.C():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("scaled timer did not fire")
	}
	assert.GreaterOrEqual(t, c.Now().Sub(begin), time.Second)

	done := make(chan struct{})
	close(done)
	assert.False(t, Sleep(c, time.Hour, done))
}
