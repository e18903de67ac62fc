// ABOUTME: Transition events and the fire-and-forget dispatcher that fans them out to sinks
// ABOUTME: Sink failures are logged and counted; they never reach or roll back the caller

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/metrics"
)

// Kind names a committed transition or presence change.
type Kind string

const (
	KindAssigned          Kind = "conversation.assigned"
	KindReleased          Kind = "conversation.released"
	KindCompleted         Kind = "conversation.completed"
	KindTransferRequested Kind = "conversation.transfer_requested"
	KindTransferCancelled Kind = "conversation.transfer_cancelled"
	KindTransferRejected  Kind = "conversation.transfer_rejected"
	KindAgentOnline       Kind = "agent.online"
	KindAgentOffline      Kind = "agent.offline"
)

// DefaultTimeout bounds each sink call.
const DefaultTimeout = 5 * time.Second

// Event describes one committed change.
type Event struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	TenantID        string    `json:"tenantId"`
	ConversationID  string    `json:"conversationId,omitempty"`
	AgentID         string    `json:"agentId,omitempty"`
	PreviousAgentID string    `json:"previousAgentId,omitempty"`
	TransferID      string    `json:"transferId,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	Priority        string    `json:"priority,omitempty"`
	Status          string    `json:"status,omitempty"`
	Version         int64     `json:"version,omitempty"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Dispatcher sends each event to every sink in the background.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. A non-positive timeout uses DefaultTimeout.
func NewDispatcher(timeout time.Duration, logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger.With("component", "notify"),
		metrics: m,
	}
}

// Add registers another sink. Call before dispatching.
func (d *Dispatcher) Add(s Sink) {
	d.sinks = append(d.sinks, s)
}

// Dispatch fills in the event ID and time if missing and returns immediately.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	for _, s := range d.sinks {
		d.wg.Add(1)
		go d.deliver(s, ev)
	}
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(s Sink, ev Event) {
	defer d.wg.Done()

	// Detached from the request so a finished HTTP call does not cancel delivery.
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in sink: %v", r)
			}
		}()
		return s.Notify(ctx, ev)
	}()
	if err != nil {
		d.metrics.NotifyFailed(s.Name())
		d.logger.Warn("notification failed",
			"sink", s.Name(),
			"kind", ev.Kind,
			"event_id", ev.ID,
			"conversation_id", ev.ConversationID,
			"error", err,
		)
		return
	}
	d.logger.Debug("notification sent", "sink", s.Name(), "kind", ev.Kind, "event_id", ev.ID)
}
