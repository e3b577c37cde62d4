package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventType int

type SubscriberID int

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

// typeMask selects event types by bit; zero means every type.
type typeMask uint64

func maskOf(types []EventType) typeMask {
	var m typeMask
	for _, t := range types {
		if t >= 0 && t < 64 {
			m |= 1 << uint(t)
		}
	}
	return m
}

func (m typeMask) has(t EventType) bool {
	if m == 0 {
		return true
	}
	return t >= 0 && t < 64 && m&(1<<uint(t)) != 0
}

type listener struct {
	id   SubscriberID
	mask typeMask
	fn   func(Event)
}

// EventBus delivers engine events to in-process listeners such as the SSE
// hub. Listeners run synchronously inside Emit and must return quickly.
//
// The listener list is replaced, never mutated, so Emit reads it without
// taking the lock.
type EventBus struct {
	mu        sync.Mutex
	lastID    SubscriberID
	listeners atomic.Pointer[[]listener]
}

func NewEventBus() *EventBus {
	eb := &EventBus{}
	eb.listeners.Store(&[]listener{})
	return eb
}

// Subscribe adds fn for the given event types; with none it receives all.
func (eb *EventBus) Subscribe(fn func(Event), types ...EventType) SubscriberID {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.lastID++
	cur := *eb.listeners.Load()
	next := make([]listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, listener{id: eb.lastID, mask: maskOf(types), fn: fn})
	eb.listeners.Store(&next)
	return eb.lastID
}

func (eb *EventBus) Unsubscribe(id SubscriberID) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	cur := *eb.listeners.Load()
	next := make([]listener, 0, len(cur))
	for _, l := range cur {
		if l.id != id {
			next = append(next, l)
		}
	}
	eb.listeners.Store(&next)
}

// Emit stamps evt if needed and hands it to every interested listener in
// subscription order.
func (eb *EventBus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	for _, l := range *eb.listeners.Load() {
		if l.mask.has(evt.Type) {
			l.fn(evt)
		}
	}
}
