package pipeline

import (
	"context"
	"sync"
	"time"

	"kiosk/internal/activity"
	"kiosk/internal/face"
	"kiosk/internal/tracking"
)

// EventType distinguishes bus events.
type EventType string

const (
	// EventActivity carries one activity record.
	EventActivity EventType = "activity"
	// EventTracks carries the current track snapshot of a stream.
	EventTracks EventType = "tracks"
	// EventStream announces a stream state change.
	EventStream EventType = "stream"
)

// Event is published by stream loops.
type Event struct {
	Type      EventType        `json:"type"`
	StreamID  string           `json:"stream_id"`
	Timestamp time.Time        `json:"timestamp"`
	Activity  *activity.Record `json:"activity,omitempty"`
	Tracks    []tracking.Track `json:"tracks,omitempty"`
	State     State            `json:"state,omitempty"`

	// Frame is the image the tracks were computed on. The loop does not
	// use it after publishing; a handler that keeps it owns it.
	Frame *face.Frame `json:"-"`
}

// EventHandler receives bus events.
type EventHandler interface {
	OnEvent(e Event)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(e Event)

// OnEvent calls f.
func (f HandlerFunc) OnEvent(e Event) { f(e) }

// EventBus provides pub/sub for stream events.
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	streamFilter string // Empty string means receive all streams
	channel      chan Event
	handler      EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for events from all streams.
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler EventHandler) func() {
	return b.add(&eventSubscription{handler: handler})
}

// SubscribeStream registers a handler for events from one stream.
func (b *EventBus) SubscribeStream(streamID string, handler EventHandler) func() {
	return b.add(&eventSubscription{streamFilter: streamID, handler: handler})
}

// SubscribeChannel returns a buffered channel that receives events. Events
// are dropped for this subscriber while its channel is full.
func (b *EventBus) SubscribeChannel(streamID string, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Event, bufferSize)
	sub := &eventSubscription{
		streamFilter: streamID,
		channel:      ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *EventBus) add(sub *eventSubscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends an event to all matching subscribers
func (b *EventBus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.streamFilter != "" && sub.streamFilter != e.StreamID {
			continue
		}

		// Handlers run synchronously so a stream's events arrive in order.
		if sub.handler != nil {
			sub.handler.OnEvent(e)
		} else if sub.channel != nil {
			select {
			case sub.channel <- e:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// PublishActivity implements activity.Publisher.
func (b *EventBus) PublishActivity(_ context.Context, rec activity.Record) {
	b.Publish(Event{
		Type:      EventActivity,
		StreamID:  rec.StreamID,
		Timestamp: rec.Timestamp,
		Activity:  &rec,
	})
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

var _ activity.Publisher = (*EventBus)(nil)
