package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fulfillment-service/internal/domain"
)

// Repository ports consumed by the services. *store.Store satisfies all of
// them; tests substitute in-memory fakes.

// OrderStore persists the Order aggregate.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	SaveOrder(ctx context.Context, order *domain.Order) error
	GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)
	ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

// InventoryStore persists inventory counters and reservations.
type InventoryStore interface {
	CreateInventoryItem(ctx context.Context, item *domain.InventoryItem) error
	SaveInventoryItem(ctx context.Context, item *domain.InventoryItem) error
	GetInventoryByProductID(ctx context.Context, productID uuid.UUID) (*domain.InventoryItem, error)
	GetInventoryBySKU(ctx context.Context, sku string) (*domain.InventoryItem, error)
	ListLowStock(ctx context.Context) ([]domain.InventoryItem, error)
	ListInventory(ctx context.Context) ([]domain.InventoryItem, error)

	CreateReservation(ctx context.Context, r *domain.StockReservation) error
	SaveReservation(ctx context.Context, r *domain.StockReservation) error
	GetReservationByID(ctx context.Context, id uuid.UUID) (*domain.StockReservation, error)
	ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error)
	ListActiveReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error)
	ListExpiredReservations(ctx context.Context, before time.Time) ([]domain.StockReservation, error)
}

// PaymentStore persists the Payment aggregate.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *domain.Payment) error
	SavePayment(ctx context.Context, p *domain.Payment) error
	GetPaymentByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)
	PaymentExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error)
}

// ProcessedEventStore records handled event ids for consumer-side dedup.
type ProcessedEventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// EventPublisher hands flushed aggregate events to the transport.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.DomainEvent) error
	PublishOrdered(ctx context.Context, topic string, event domain.DomainEvent, orderingKey string) error
}

// eventSource is the aggregate-side event buffer the services flush.
type eventSource interface {
	PendingEvents() []domain.DomainEvent
	ClearEvents()
}

// flushEvents publishes an aggregate's pending events in order, then clears
// the buffer. A publish failure leaves the remaining events buffered and
// surfaces to the caller.
func flushEvents(ctx context.Context, pub EventPublisher, topic, orderingKey string, src eventSource) error {
	for _, event := range src.PendingEvents() {
		if err := pub.PublishOrdered(ctx, topic, event, orderingKey); err != nil {
			return err
		}
	}
	src.ClearEvents()
	return nil
}
