// Package events carries the in-process event bus, the append-only audit
// trail, and the store-backed progress feed consumed by the external relay.
package events

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventTaskMirrored is published when a mirror is created for a
	// submitter task.
	EventTaskMirrored EventType = "task_mirrored"
	// EventTaskClaimed is published when a claim succeeds.
	EventTaskClaimed EventType = "task_claimed"
	// EventTaskQueued is published when a task is deferred to a busy host.
	EventTaskQueued EventType = "task_queued"
	// EventTaskPromoted is published when a queued task returns to pending.
	EventTaskPromoted EventType = "task_promoted"
	// EventTaskReclaimed is published when the monitor force-fails a stale task.
	EventTaskReclaimed EventType = "task_reclaimed"
	// EventTaskTerminal is published on any terminal transition.
	EventTaskTerminal EventType = "task_terminal"
	// EventPhaseTransition is published when the execution loop changes phase.
	EventPhaseTransition EventType = "phase_transition"
)

// Event is one published occurrence.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

// Subscriber receives events for one type.
type Subscriber func(Event)

// Bus is a non-blocking pub/sub fan-out. Delivery is asynchronous through
// buffered channels; a full subscriber drops events rather than stalling the
// publisher's poll loop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for one event type and returns an unsubscribe
// function. fn runs on its own goroutine; a panic inside it is swallowed.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// Publish delivers the event to all subscribers of the type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
			// full subscriber, drop
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
