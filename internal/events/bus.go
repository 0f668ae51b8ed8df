package events

import (
	"context"
	"sync"

	"github.com/lyfted-engineering/ZephyrPay/internal/logging"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// Bus fans entitlement events out to named subscribers. Delivery is
// at-least-once: Publish blocks until every subscriber has the event
// queued, and a slow or restarted consumer may see an event twice, so
// consumers dedupe on (user, trigger event).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan types.EntitlementEvent
	bufferSize  int
	closed      bool
	logger      *logging.Logger
}

// NewBus creates an event bus. bufferSize is the per-subscriber queue
// depth.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan types.EntitlementEvent),
		bufferSize:  bufferSize,
		logger:      logging.GetGlobalLogger().WithField("component", "event_bus"),
	}
}

// Subscribe registers a named consumer and returns its event channel.
// Re-subscribing under the same name replaces the previous channel.
func (b *Bus) Subscribe(name string) <-chan types.EntitlementEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.subscribers[name]; ok {
		close(old)
	}

	ch := make(chan types.EntitlementEvent, b.bufferSize)
	b.subscribers[name] = ch
	return ch
}

// Publish delivers the event to every subscriber. Blocks on full
// subscriber queues rather than dropping; ctx bounds the wait.
func (b *Bus) Publish(ctx context.Context, ev types.EntitlementEvent) error {
	b.mu.RLock()
	channels := make([]chan types.EntitlementEvent, 0, len(b.subscribers))
	names := make([]string, 0, len(b.subscribers))
	for name, ch := range b.subscribers {
		channels = append(channels, ch)
		names = append(names, name)
	}
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return nil
	}

	for i, ch := range channels {
		select {
		case ch <- ev:
		case <-ctx.Done():
			b.logger.WithFields(map[string]interface{}{
				"subscriber": names[i],
				"event_id":   ev.TriggerEventID,
			}).Warn("Publish cancelled before delivery to subscriber")
			return ctx.Err()
		}
	}

	return nil
}

// Close shuts the bus down and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan types.EntitlementEvent)
}
