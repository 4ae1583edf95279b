package server

import (
	"context"
	"sync"
	"time"
)

const (
	EventLicenseStateChanged = "license-state-change"
	eventHeartbeat           = "heartbeat"
)

// LicenseEvent is pushed to facade subscribers whenever a stored
// license changes state through synchronization.
type LicenseEvent struct {
	LicenseID       string    `json:"license_id"`
	EventType       string    `json:"event_type"`
	PreviousState   string    `json:"previous_state,omitempty"`
	NewState        string    `json:"new_state"`
	RightsExhausted bool      `json:"rights_exhausted"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventDispatcher fans license events out to live facade subscribers.
// Delivery is best effort: a subscriber that cannot keep up loses
// events rather than blocking the publisher.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]chan LicenseEvent
	nextID      int64
	bufferSize  int
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]chan LicenseEvent),
		bufferSize:  16,
	}
}

// Subscribe registers a listener that is removed when ctx ends or the
// returned cleanup runs.
func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan LicenseEvent, func()) {
	stream := make(chan LicenseEvent, d.bufferSize)

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	cleanup := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return stream, cleanup
}

// Publish delivers the event to every current subscriber without
// blocking.
func (d *EventDispatcher) Publish(event LicenseEvent) {
	if event.LicenseID == "" || event.EventType == "" {
		return
	}

	d.mu.RLock()
	streams := make([]chan LicenseEvent, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}
