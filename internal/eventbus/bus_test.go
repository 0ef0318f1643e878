package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestBus_DeliversInPublishOrder(t *testing.T) {
	bus := New(64)
	defer bus.Close()

	var a, b collector
	bus.Subscribe(nil, a.handle)
	bus.Subscribe(nil, b.handle)

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: TypeAction, EntityID: "agent-1", Payload: i})
	}

	require.Eventually(t, func() bool { return a.len() == 50 && b.len() == 50 }, time.Second, 5*time.Millisecond)
	for _, c := range []*collector{&a, &b} {
		events := c.snapshot()
		for i, ev := range events {
			assert.Equal(t, uint64(i+1), ev.Seq)
			assert.Equal(t, i, ev.Payload)
			assert.False(t, ev.Timestamp.IsZero())
		}
	}
}

func TestBus_PerEntityOrderWithConcurrentPublishers(t *testing.T) {
	bus := New(4096)
	defer bus.Close()

	var c collector
	bus.Subscribe(nil, c.handle)

	const entities, perEntity = 8, 100
	var wg sync.WaitGroup
	for e := 0; e < entities; e++ {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			for i := 0; i < perEntity; i++ {
				bus.Publish(Event{Type: TypeAction, EntityID: fmt.Sprintf("agent-%d", e), Payload: i})
			}
		}(e)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return c.len() == entities*perEntity }, 2*time.Second, 5*time.Millisecond)

	last := map[string]int{}
	var lastSeq uint64
	for _, ev := range c.snapshot() {
		assert.Greater(t, ev.Seq, lastSeq)
		lastSeq = ev.Seq
		prev, seen := last[ev.EntityID]
		if seen {
			assert.Equal(t, prev+1, ev.Payload, ev.EntityID)
		}
		last[ev.EntityID] = ev.Payload.(int)
	}
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := New(2)
	defer bus.Close()

	release := make(chan struct{})
	sub := bus.Subscribe(nil, func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(Event{Type: TypeHeartbeat})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	close(release)

	assert.Greater(t, sub.Dropped(), uint64(0))
	assert.Equal(t, sub.Dropped(), bus.Dropped())
	assert.Equal(t, uint64(100), bus.LastSeq())
}

func TestBus_Filter(t *testing.T) {
	bus := New(16)
	defer bus.Close()

	var c collector
	bus.Subscribe(ForRun("run-1"), c.handle)

	bus.Publish(Event{Type: TypeRunStatus, RunID: "run-2"})
	bus.Publish(Event{Type: TypeRunStatus, RunID: "run-1"})

	require.Eventually(t, func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "run-1", c.snapshot()[0].RunID)
}

func TestSubscription_UnsubscribeIdempotent(t *testing.T) {
	bus := New(16)
	defer bus.Close()

	var c collector
	sub := bus.Subscribe(nil, c.handle)
	assert.Equal(t, 1, bus.Subscribers())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, bus.Subscribers())

	select {
	case <-sub.Done():
	default:
		t.Fatal("done channel not closed")
	}

	bus.Publish(Event{Type: TypeHeartbeat})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, c.len())
}

func TestSubscription_UnsubscribeFromHandler(t *testing.T) {
	bus := New(16)
	defer bus.Close()

	var (
		sub   *Subscription
		calls int
		mu    sync.Mutex
		ready = make(chan struct{})
	)
	sub = bus.Subscribe(nil, func(Event) {
		<-ready
		mu.Lock()
		calls++
		mu.Unlock()
		sub.Unsubscribe()
		sub.Unsubscribe()
	})
	close(ready)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeHeartbeat})
	}

	require.Eventually(t, func() bool {
		select {
		case <-sub.Done():
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_CloseStopsDelivery(t *testing.T) {
	bus := New(16)
	var c collector
	sub := bus.Subscribe(nil, c.handle)

	bus.Close()
	<-sub.Done()

	bus.Publish(Event{Type: TypeHeartbeat})
	late := bus.Subscribe(nil, c.handle)
	<-late.Done()
	assert.Equal(t, 0, c.len())
}
