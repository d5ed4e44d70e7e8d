package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/domain"

	"github.com/google/uuid"
)

// Transport header keys
const (
	HeaderDedupID       = "dedup-id"
	HeaderCorrelationID = "correlation-id"
)

// Envelope wraps a domain event with the routing and dedup metadata the
// transport needs. The publisher owns the envelope once it is handed off.
type Envelope struct {
	MessageID uuid.UUID         `json:"message_id"`
	EventType string            `json:"event_type"`
	Source    string            `json:"source"`
	Payload   json.RawMessage   `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Wrap builds an envelope around a domain event. The event id becomes the
// dedup header so consumers can deduplicate under at-least-once delivery.
func Wrap(event domain.DomainEvent, source string) (*Envelope, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	headers := map[string]string{
		HeaderDedupID: event.Meta().EventID.String(),
	}
	if cid := event.Meta().CorrelationID; cid != "" {
		headers[HeaderCorrelationID] = cid
	}

	return &Envelope{
		MessageID: uuid.New(),
		EventType: event.EventType(),
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Headers:   headers,
	}, nil
}

// Decode unmarshals the payload into the concrete event variant named by the
// type tag. Unknown types are an error, not silently dropped.
func (e *Envelope) Decode() (domain.DomainEvent, error) {
	var event domain.DomainEvent

	switch e.EventType {
	case domain.EventTypeOrderCreated:
		event = &domain.OrderCreated{}
	case domain.EventTypeOrderStatusChanged:
		event = &domain.OrderStatusChanged{}
	case domain.EventTypeStockUpdated:
		event = &domain.StockUpdated{}
	case domain.EventTypePaymentCompleted:
		event = &domain.PaymentCompleted{}
	case domain.EventTypePaymentFailed:
		event = &domain.PaymentFailed{}
	case domain.EventTypePaymentRefunded:
		event = &domain.PaymentRefunded{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", e.EventType)
	}

	if err := json.Unmarshal(e.Payload, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", e.EventType, err)
	}
	return event, nil
}
