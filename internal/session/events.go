package session

import (
	"context"
	"sync"

	"github.com/gaspardpetit/obs-taso/internal/protocol"
)

// EventHandler receives events of the type it subscribed to.
type EventHandler func(protocol.EventPayload)

type subscriber struct {
	id uint64
	fn EventHandler
}

// EventBus fans events out to handlers keyed by event type. Handlers for one
// type run in registration order.
type EventBus struct {
	mu   sync.Mutex
	next uint64
	subs map[string][]subscriber
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string][]subscriber)}
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus       *EventBus
	eventType string
	id        uint64
	once      sync.Once
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.once.Do(func() { s.bus.remove(s.eventType, s.id) })
}

// Subscribe registers fn for eventType.
func (b *EventBus) Subscribe(eventType string, fn EventHandler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[eventType] = append(b.subs[eventType], subscriber{id: b.next, fn: fn})
	return &Subscription{bus: b, eventType: eventType, id: b.next}
}

func (b *EventBus) remove(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[eventType]
	for i, s := range list {
		if s.id != id {
			continue
		}
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = next
		}
		return
	}
}

// Publish invokes the handlers registered for ev.EventType and returns how
// many were called. Unmatched event types are a no-op.
func (b *EventBus) Publish(ev protocol.EventPayload) int {
	b.mu.Lock()
	list := b.subs[ev.EventType]
	b.mu.Unlock()
	for _, s := range list {
		s.fn(ev)
	}
	return len(list)
}

// Count returns the number of handlers registered for eventType.
func (b *EventBus) Count(eventType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[eventType])
}

// dispatcher delivers events to the bus off the session loop, preserving
// arrival order, so handlers may call back into the session.
type dispatcher struct {
	bus   *EventBus
	mu    sync.Mutex
	queue []protocol.EventPayload
	wake  chan struct{}

	pushed    uint64
	delivered uint64
	waiters   []eventWaiter
}

type eventWaiter struct {
	seq uint64
	ch  chan struct{}
}

func newDispatcher(bus *EventBus) *dispatcher {
	return &dispatcher{bus: bus, wake: make(chan struct{}, 1)}
}

func (d *dispatcher) push(ev protocol.EventPayload) {
	d.mu.Lock()
	d.queue = append(d.queue, ev)
	d.pushed++
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			ev := d.queue[0]
			d.queue[0] = protocol.EventPayload{}
			d.queue = d.queue[1:]
			d.mu.Unlock()
			d.bus.Publish(ev)
			d.markDelivered()
		}
	}
}

func (d *dispatcher) markDelivered() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered++
	kept := d.waiters[:0]
	for _, w := range d.waiters {
		if w.seq <= d.delivered {
			close(w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	d.waiters = kept
}

// barrier returns a channel closed once every event pushed so far has been
// published.
func (d *dispatcher) barrier() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	if d.delivered >= d.pushed {
		close(ch)
		return ch
	}
	d.waiters = append(d.waiters, eventWaiter{seq: d.pushed, ch: ch})
	return ch
}
