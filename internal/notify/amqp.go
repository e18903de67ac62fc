// ABOUTME: RabbitMQ sink publishing transition envelopes to a durable topic exchange
// ABOUTME: Messages are persistent and each publish waits for the broker's confirm

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Producer identifies this service in envelope metadata.
const Producer = "handoff-gateway"

// Meta is the envelope header shared with other event producers.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Envelope wraps an event for the bus.
type Envelope struct {
	Meta Meta  `json:"meta"`
	Data Event `json:"data"`
}

// NewEnvelope wraps ev. The type carries a version suffix, e.g. conversation.assigned.v1.
func NewEnvelope(ev Event) Envelope {
	cid := ev.CorrelationID
	if cid == "" {
		cid = ev.ConversationID
	}
	return Envelope{
		Meta: Meta{
			ID:            ev.ID,
			Type:          string(ev.Kind) + ".v1",
			Producer:      Producer,
			Time:          ev.OccurredAt,
			CorrelationID: cid,
		},
		Data: ev,
	}
}

// AMQP publishes events with the event kind as routing key.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	exchange string
	logger   *slog.Logger
}

// NewAMQP dials the broker and declares the exchange.
func NewAMQP(url, exchange string, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}

	return &AMQP{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With("component", "amqp"),
	}, nil
}

// Name implements Sink.
func (a *AMQP) Name() string { return "amqp" }

// Notify publishes ev and waits for the broker to confirm it.
func (a *AMQP) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(NewEnvelope(ev))
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return errors.New("amqp connection closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enabling confirms: %w", err)
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, a.exchange, string(ev.Kind), false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     ev.ID,
			CorrelationId: ev.ConversationID,
			Timestamp:     ev.OccurredAt,
			Body:          body,
		})
	if err != nil {
		return fmt.Errorf("publishing: %w", err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("broker nacked %s", ev.ID)
	}

	a.logger.Debug("published", "key", ev.Kind, "exchange", a.exchange, "event_id", ev.ID)
	return nil
}

// Close closes the connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	return err
}
