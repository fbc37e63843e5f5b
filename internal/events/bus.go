package events

import (
	"barnsync/internal/models"
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventItemEnqueued is published when a captured record enters the queue.
	EventItemEnqueued EventType = "item_enqueued"
	// EventItemStatusChanged is published on every queue item transition.
	EventItemStatusChanged EventType = "item_status_changed"
	// EventCapacityEvicted is published when an insert pushed out the oldest item.
	EventCapacityEvicted EventType = "queue_capacity_evicted"
	// EventItemDeleted is published when an item is removed by request or purge.
	EventItemDeleted EventType = "item_deleted"
	// EventConnectivityChanged is published on online/offline transitions.
	EventConnectivityChanged EventType = "connectivity_changed"
	// EventAllocationCommitted is published when a plan is fully applied remotely.
	EventAllocationCommitted EventType = "allocation_committed"
	// EventAllocationReverted is published when a failed commit rolled the cache back.
	EventAllocationReverted EventType = "allocation_reverted"
	// EventLotsRefreshed is published after the lot cache re-synced from remote.
	EventLotsRefreshed EventType = "lots_refreshed"
)

// AllTypes returns every event type, for subscribers that want the full feed.
func AllTypes() []EventType {
	return []EventType{
		EventItemEnqueued,
		EventItemStatusChanged,
		EventCapacityEvicted,
		EventItemDeleted,
		EventConnectivityChanged,
		EventAllocationCommitted,
		EventAllocationReverted,
		EventLotsRefreshed,
	}
}

// Event represents one observable state change in the sync core.
type Event struct {
	Type      EventType           `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	ItemID    string              `json:"item_id,omitempty"`
	Kind      models.ItemKind     `json:"kind,omitempty"`
	From      models.Status       `json:"from,omitempty"`
	To        models.Status       `json:"to,omitempty"`
	Counts    *models.QueueCounts `json:"counts,omitempty"`
	Online    *bool               `json:"online,omitempty"`
	PlanID    string              `json:"plan_id,omitempty"`
	Message   string              `json:"message,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking publish/subscribe bus. Events are delivered
// asynchronously via buffered channels; if a subscriber falls behind, events
// for it are dropped rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
}

// NewBus creates a new event bus with the given buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for the given event types. The function is invoked
// asynchronously from a single goroutine per subscription, so events for one
// subscriber arrive in publish order. Returns an unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber, types ...EventType) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			func() {
				defer func() {
					recover() // a panicking subscriber must not take the bus down
				}()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		closed := false
		for _, t := range types {
			subs := b.subscribers[t]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[t] = append(subs[:i], subs[i+1:]...)
					if !closed {
						close(ch)
						closed = true
					}
					break
				}
			}
		}
	}
}

// Publish sends an event to all subscribers of its type. Non-blocking: a
// full subscriber buffer drops the event for that subscriber only.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// subscriber buffer full, drop
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	closed := make(map[chan Event]bool)
	for t, subs := range b.subscribers {
		for _, ch := range subs {
			if !closed[ch] {
				close(ch)
				closed[ch] = true
			}
		}
		delete(b.subscribers, t)
	}
}
