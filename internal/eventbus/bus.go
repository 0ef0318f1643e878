package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 256

// Handler receives events for one subscription. Handlers for the same
// subscription are never called concurrently.
type Handler func(Event)

// Filter selects which events a subscription receives. A nil filter accepts
// everything.
type Filter func(Event) bool

// ForRun accepts only events belonging to runID.
func ForRun(runID string) Filter {
	return func(ev Event) bool { return ev.RunID == runID }
}

// Bus is an in-process publish/subscribe broadcaster. Publish never blocks:
// each subscriber has a bounded queue and events that do not fit are dropped
// for that subscriber only.
type Bus struct {
	mu         sync.Mutex
	subs       map[uint64]*Subscription
	nextID     uint64
	seq        uint64
	bufferSize int
	closed     bool
	dropped    atomic.Uint64
}

// New creates a bus with the given per-subscriber buffer size.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Publish stamps ev with the next sequence number and enqueues it for every
// matching subscriber. It returns the stamped event.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}

	b.seq++
	ev.Seq = b.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
	return ev
}

// Subscribe registers handler for events accepted by filter. Delivery happens
// on a goroutine owned by the subscription, in publish order.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	sub := &Subscription{
		bus:     b,
		filter:  filter,
		handler: handler,
		ch:      make(chan Event, b.bufferSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.deliver()
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns the number of events dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// LastSeq returns the sequence number of the most recent event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close unsubscribes everyone. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is a live registration on a Bus.
type Subscription struct {
	id      uint64
	bus     *Bus
	filter  Filter
	handler Handler
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

// Unsubscribe stops delivery. It is idempotent and may be called from inside
// the handler. Events still queued are discarded.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.id != 0 {
			s.bus.remove(s.id)
		}
		close(s.done)
	})
}

// Done is closed once the subscription has been cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many events overflowed this subscriber's queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) deliver() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.ch:
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(ev)
		}
	}
}
