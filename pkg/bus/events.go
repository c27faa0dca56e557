package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventMessageReceived  EventType = "message_received"
	EventPublishFailed    EventType = "publish_failed"
	EventMessageForwarded EventType = "message_forwarded"
)

// Event describes one step of a dispatch. Payload carries small string
// details such as the forwarded count.
type Event struct {
	Type       EventType         `json:"type"`
	At         time.Time         `json:"at"`
	DispatchID string            `json:"dispatch_id,omitempty"`
	ChatID     string            `json:"chat_id,omitempty"`
	Publisher  string            `json:"publisher,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// PublishEvent reports false only when ctx is done or the bus is closed.
func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	// Subscriber channels are only closed under the write lock.
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	select {
	case <-mb.done:
		return false
	default:
	}

	for _, ch := range mb.eventSubscribers {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}
