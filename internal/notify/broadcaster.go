// ABOUTME: In-memory fan-out of events to live admin console subscribers
// ABOUTME: Subscriptions are keyed by tenant; slow subscribers drop events instead of blocking

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const subscriberBufferSize = 64

// Broadcaster is an in-process pub/sub keyed by tenant. It is also a Sink.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // tenantID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Name implements Sink.
func (b *Broadcaster) Name() string { return "broadcast" }

// Notify implements Sink by publishing to the event's tenant.
func (b *Broadcaster) Notify(_ context.Context, ev Event) error {
	b.Publish(ev.TenantID, ev)
	return nil
}

// Subscribe registers for a tenant's events. The subscription ends when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tenantID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[tenantID]; !ok {
		b.subscribers[tenantID] = make(map[string]chan Event)
	}
	b.subscribers[tenantID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "tenant_id", tenantID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(tenantID, subID)
	}()
	return ch, subID
}

// Publish sends ev to every subscriber of tenantID without blocking.
func (b *Broadcaster) Publish(tenantID string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[tenantID] {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"tenant_id", tenantID,
				"sub_id", subID,
				"event_id", ev.ID)
		}
	}
}

// Subscribers returns the number of subscribers for a tenant.
func (b *Broadcaster) Subscribers(tenantID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[tenantID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(tenantID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[tenantID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, tenantID)
	}
	b.logger.Debug("subscriber removed", "tenant_id", tenantID, "sub_id", subID)
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for tenantID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, tenantID)
	}
}
