// Package behavior turns a profile definition into a timed stream of actions.
package behavior

import (
	"math/rand"
	"time"

	"behaviorbench/internal/profiles"
)

// JitterFraction is the half-width of the uniform jitter applied to the
// nominal interval between actions.
const JitterFraction = 0.5

// DefaultChatShare is the probability that an action is drawn from the chat
// vocabulary when the chat channel is enabled.
const DefaultChatShare = 0.3

// Channel names where an action is carried out.
type Channel string

const (
	ChannelEnvironment Channel = "environment"
	ChannelChat        Channel = "chat"
)

// Tick is one scheduled step of an agent's behavior loop.
type Tick struct {
	Seq           uint64        `json:"seq"`
	DueAt         time.Time     `json:"dueAt"`
	Action        string        `json:"action"`
	Channel       Channel       `json:"channel"`
	ShouldAct     bool          `json:"shouldAct"`
	Handshake     bool          `json:"handshake,omitempty"`
	ResponseDelay time.Duration `json:"responseDelay"`
}

// Options tune a scheduler for a specific agent.
type Options struct {
	Intensity   float64
	ChatEnabled bool
	ChatShare   float64
	Seed        int64
	// Handshake makes the first tick the profile's handshake action, if any.
	Handshake bool
}

// State is the minimal serialisable state of a scheduler.
type State struct {
	Cursor           time.Time `json:"cursor"`
	Seq              uint64    `json:"seq"`
	Seed             int64     `json:"seed"`
	Draws            uint64    `json:"draws"`
	HandshakePending bool      `json:"handshakePending"`
}

// countingSource remembers how many values were drawn so a scheduler can be
// rebuilt from its seed.
type countingSource struct {
	src   rand.Source
	draws uint64
}

func (s *countingSource) Int63() int64 {
	s.draws++
	return s.src.Int63()
}

func (s *countingSource) Seed(seed int64) {
	s.src.Seed(seed)
	s.draws = 0
}

// Scheduler produces an unbounded sequence of ticks for one agent. It is not
// safe for concurrent use; each supervisor owns its scheduler.
type Scheduler struct {
	def              profiles.Definition
	opts             Options
	src              *countingSource
	rng              *rand.Rand
	cursor           time.Time
	seq              uint64
	handshakePending bool
}

// New creates a scheduler whose first action is measured from start.
func New(def profiles.Definition, opts Options, start time.Time) *Scheduler {
	opts.Intensity = clamp(opts.Intensity, 0, 1)
	if opts.ChatShare <= 0 {
		opts.ChatShare = DefaultChatShare
	}
	src := &countingSource{src: rand.NewSource(opts.Seed)}
	return &Scheduler{
		def:              def,
		opts:             opts,
		src:              src,
		rng:              rand.New(src),
		cursor:           start,
		handshakePending: opts.Handshake && def.Handshake != "",
	}
}

// Restore rebuilds a scheduler from a snapshot taken with Snapshot.
func Restore(def profiles.Definition, opts Options, st State) *Scheduler {
	opts.Seed = st.Seed
	s := New(def, opts, st.Cursor)
	for s.src.draws < st.Draws {
		s.src.Int63()
	}
	s.seq = st.Seq
	s.handshakePending = st.HandshakePending
	return s
}

// Snapshot captures the scheduler state.
func (s *Scheduler) Snapshot() State {
	return State{
		Cursor:           s.cursor,
		Seq:              s.seq,
		Seed:             s.opts.Seed,
		Draws:            s.src.draws,
		HandshakePending: s.handshakePending,
	}
}

// EffectiveRate interpolates a profile's action frequency by intensity. The
// result always lies within [min, max].
func EffectiveRate(f profiles.FrequencyRange, intensity float64) float64 {
	intensity = clamp(intensity, 0, 1)
	return clamp(f.Min+intensity*(f.Max-f.Min), f.Min, f.Max)
}

// Rate returns the scheduler's actions per minute.
func (s *Scheduler) Rate() float64 {
	return EffectiveRate(s.def.ActionFrequency, s.opts.Intensity)
}

// Interval returns the nominal time between actions.
func (s *Scheduler) Interval() time.Duration {
	return time.Duration(float64(time.Minute) / s.Rate())
}

// Cursor returns the time the next tick is measured from.
func (s *Scheduler) Cursor() time.Time { return s.cursor }

// HandshakePending reports whether the handshake tick has not been emitted.
func (s *Scheduler) HandshakePending() bool { return s.handshakePending }

// Next advances the schedule and returns the following tick.
func (s *Scheduler) Next() Tick {
	s.seq++

	if s.handshakePending {
		s.handshakePending = false
		// without a chat channel the handshake is carried out in the environment
		channel := ChannelEnvironment
		if s.opts.ChatEnabled {
			channel = ChannelChat
		}
		return Tick{
			Seq:       s.seq,
			DueAt:     s.cursor,
			Action:    s.def.Handshake,
			Channel:   channel,
			ShouldAct: true,
			Handshake: true,
		}
	}

	interval := float64(s.Interval())
	delay := time.Duration(interval * (1 - JitterFraction + 2*JitterFraction*s.rng.Float64()))
	base := s.cursor.Add(delay)

	action, channel := s.pickAction()

	if s.rng.Float64() < s.def.ResponsePatterns.IgnoreRate {
		s.cursor = base
		return Tick{Seq: s.seq, DueAt: base, Action: action, Channel: channel}
	}

	rd := s.def.ResponsePatterns.ResponseDelay
	respMs := float64(rd.MinMs) + s.rng.Float64()*float64(rd.MaxMs-rd.MinMs)
	response := time.Duration(respMs * float64(time.Millisecond))
	due := base.Add(response)
	s.cursor = due

	return Tick{
		Seq:           s.seq,
		DueAt:         due,
		Action:        action,
		Channel:       channel,
		ShouldAct:     true,
		ResponseDelay: response,
	}
}

// Resume moves the schedule forward to now after a pause. Ticks that would
// have fired while paused are not replayed.
func (s *Scheduler) Resume(now time.Time) {
	if now.After(s.cursor) {
		s.cursor = now
	}
}

func (s *Scheduler) pickAction() (string, Channel) {
	vocab := s.def.Behaviors.Environment
	channel := ChannelEnvironment
	if s.opts.ChatEnabled && len(s.def.Behaviors.Chat) > 0 && s.rng.Float64() < s.opts.ChatShare {
		vocab = s.def.Behaviors.Chat
		channel = ChannelChat
	}
	return vocab[s.rng.Intn(len(vocab))], channel
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
