package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/util"
)

// Publisher hands domain events to the transport wrapped in envelopes.
// Publish failures surface to the caller; there is no silent retry, because
// at-least-once delivery plus dedup by event id is the correctness mechanism.
type Publisher struct {
	producer *Producer
	source   string
	logger   *zap.Logger
}

// NewPublisher creates an event publisher identifying itself as source.
func NewPublisher(producer *Producer, source string) *Publisher {
	return &Publisher{
		producer: producer,
		source:   source,
		logger:   util.GetLogger(),
	}
}

// Publish wraps and publishes a single event with no ordering guarantee.
func (p *Publisher) Publish(ctx context.Context, topic string, event domain.DomainEvent) error {
	return p.publish(ctx, topic, "", event)
}

// PublishOrdered wraps and publishes a single event; all events sharing
// orderingKey are delivered in publish order.
func (p *Publisher) PublishOrdered(ctx context.Context, topic string, event domain.DomainEvent, orderingKey string) error {
	return p.publish(ctx, topic, orderingKey, event)
}

func (p *Publisher) publish(ctx context.Context, topic, key string, event domain.DomainEvent) error {
	envelope, err := Wrap(event, p.source)
	if err != nil {
		return err
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := p.producer.WriteEnvelope(ctx, topic, key, envelope, body); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event.EventType(), topic, err)
	}

	p.logger.Debug("Published event",
		zap.String("type", event.EventType()),
		zap.String("topic", topic),
		zap.String("event_id", event.Meta().EventID.String()))
	return nil
}

// OrderKey is the ordering key for all events of one order's saga.
func OrderKey(orderID fmt.Stringer) string {
	return "order-" + orderID.String()
}

// ProductKey is the ordering key for stock events of one product.
func ProductKey(productID fmt.Stringer) string {
	return "product-" + productID.String()
}

// Dispatcher routes decoded envelopes to registered per-type handlers.
type Dispatcher struct {
	handlers map[string]func(context.Context, domain.DomainEvent) error
	logger   *zap.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]func(context.Context, domain.DomainEvent) error),
		logger:   util.GetLogger(),
	}
}

// On registers a handler for an event type.
func (d *Dispatcher) On(eventType string, handler func(context.Context, domain.DomainEvent) error) {
	d.handlers[eventType] = handler
}

// HandleMessage decodes one transport message and dispatches it. Events with
// no registered handler are skipped, not failed, so unrelated consumers on a
// shared topic do not block each other.
func (d *Dispatcher) HandleMessage(ctx context.Context, value []byte) error {
	var envelope Envelope
	if err := json.Unmarshal(value, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	handler, ok := d.handlers[envelope.EventType]
	if !ok {
		d.logger.Debug("No handler for event type", zap.String("type", envelope.EventType))
		return nil
	}

	event, err := envelope.Decode()
	if err != nil {
		return err
	}

	d.logger.Info("Handling event",
		zap.String("type", envelope.EventType),
		zap.String("message_id", envelope.MessageID.String()))

	return handler(ctx, event)
}
