package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated       = "order.created"
	EventTypeOrderStatusChanged = "order.status_changed"
	EventTypeStockUpdated       = "stock.updated"
	EventTypePaymentCompleted   = "payment.completed"
	EventTypePaymentFailed      = "payment.failed"
	EventTypePaymentRefunded    = "payment.refunded"
)

// SchemaVersion is the current schema version stamped on every event.
const SchemaVersion = 1

// EventMeta carries the metadata common to every domain event. Each event
// variant embeds it by value; there is no shared mutable base.
type EventMeta struct {
	EventID       uuid.UUID `json:"event_id"`
	AggregateID   uuid.UUID `json:"aggregate_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	SchemaVersion int       `json:"schema_version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TriggeredBy   uuid.UUID `json:"triggered_by,omitempty"`
}

// NewEventMeta stamps fresh metadata for an event on the given aggregate.
func NewEventMeta(aggregateID uuid.UUID) EventMeta {
	return EventMeta{
		EventID:       uuid.New(),
		AggregateID:   aggregateID,
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}
}

// Meta satisfies DomainEvent for every variant embedding EventMeta.
func (m EventMeta) Meta() EventMeta { return m }

// DomainEvent is the closed set of facts the aggregates emit. Each variant
// carries only its own required fields.
type DomainEvent interface {
	Meta() EventMeta
	EventType() string
}

// OrderCreated is the saga's trigger event.
type OrderCreated struct {
	EventMeta
	OrderID     uuid.UUID       `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      uuid.UUID       `json:"user_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

func (OrderCreated) EventType() string { return EventTypeOrderCreated }

// OrderStatusChanged is emitted on every order transition.
type OrderStatusChanged struct {
	EventMeta
	OrderID        uuid.UUID   `json:"order_id"`
	OrderNumber    string      `json:"order_number"`
	PreviousStatus OrderStatus `json:"previous_status"`
	NewStatus      OrderStatus `json:"new_status"`
}

func (OrderStatusChanged) EventType() string { return EventTypeOrderStatusChanged }

// StockUpdated is emitted when inventory counters change observably
// (confirm, restock, adjustment).
type StockUpdated struct {
	EventMeta
	ProductID         uuid.UUID `json:"product_id"`
	QuantityAvailable int       `json:"quantity_available"`
	QuantityReserved  int       `json:"quantity_reserved"`
}

func (StockUpdated) EventType() string { return EventTypeStockUpdated }

// PaymentCompleted drives the saga's confirmation step.
type PaymentCompleted struct {
	EventMeta
	PaymentID uuid.UUID       `json:"payment_id"`
	OrderID   uuid.UUID       `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (PaymentCompleted) EventType() string { return EventTypePaymentCompleted }

// PaymentFailed drives the saga's compensation step.
type PaymentFailed struct {
	EventMeta
	PaymentID uuid.UUID `json:"payment_id"`
	OrderID   uuid.UUID `json:"order_id"`
	Reason    string    `json:"reason"`
}

func (PaymentFailed) EventType() string { return EventTypePaymentFailed }

// PaymentRefunded is emitted on full or partial refunds.
type PaymentRefunded struct {
	EventMeta
	PaymentID    uuid.UUID       `json:"payment_id"`
	OrderID      uuid.UUID       `json:"order_id"`
	RefundAmount decimal.Decimal `json:"refund_amount"`
}

func (PaymentRefunded) EventType() string { return EventTypePaymentRefunded }

// eventRecorder buffers pending events on an aggregate until the owning
// service flushes them together with the persisted state change.
type eventRecorder struct {
	pending []DomainEvent
}

func (r *eventRecorder) record(e DomainEvent) {
	r.pending = append(r.pending, e)
}

// PendingEvents returns the events registered since the last ClearEvents.
func (r *eventRecorder) PendingEvents() []DomainEvent {
	return r.pending
}

// ClearEvents drops the buffered events after a successful flush.
func (r *eventRecorder) ClearEvents() {
	r.pending = nil
}
