// Package events is the in-process notification bus. It carries hints, not
// state: the record store stays the source of truth, so a dropped event only
// delays work until the next poll.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	// EventTaskAdmitted is published after a new task record is created.
	EventTaskAdmitted EventType = "task_admitted"
	// EventTaskTransition is published after a task changes state.
	EventTaskTransition EventType = "task_transition"
	// EventApprovalResolved is published when an approval reaches a terminal status.
	EventApprovalResolved EventType = "approval_resolved"
	// EventJobFired is published after a scheduled job runs.
	EventJobFired EventType = "job_fired"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]any
}

type Subscriber func(Event)

// Bus delivers events asynchronously through one buffered channel per
// subscriber. A full channel drops the event for that subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
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

// Subscribe registers fn for eventType and returns the unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
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

// Wake returns a channel that receives a value whenever any of types is
// published. Bursts coalesce into a single pending wake-up.
func (b *Bus) Wake(types ...EventType) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, func(Event) {
			select {
			case wake <- struct{}{}:
			default:
			}
		}))
	}
	return wake, func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Publish is safe on a nil Bus.
func (b *Bus) Publish(eventType EventType, data map[string]any) {
	if b == nil {
		return
	}
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
		}
	}
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
	b.closed = true
}
