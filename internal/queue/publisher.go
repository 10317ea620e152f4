package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nathanyu/p2p-wallet/internal/domain"
	"github.com/nathanyu/p2p-wallet/internal/telemetry"
)

// EventPublisher sends wallet events to downstream consumers over NATS
type EventPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewEventPublisher publishes on subject
func NewEventPublisher(conn *nats.Conn, subject string) *EventPublisher {
	return &EventPublisher{conn: conn, subject: subject}
}

// Publish serializes event in its envelope and sends it with the trace context
// in the message headers.
func (p *EventPublisher) Publish(ctx context.Context, event domain.Event) error {
	data, err := domain.SerializeEvent(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set("Wallet-Event-Type", event.GetType())
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	telemetry.NATSMessagesPublished.WithLabelValues(p.subject).Inc()
	return nil
}
