package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fulfillment-service/internal/domain"
)

// memStore is an in-memory stand-in for *store.Store with the same
// expected-version semantics on saves.
type memStore struct {
	mu           sync.Mutex
	orders       map[uuid.UUID]*domain.Order
	inventory    map[uuid.UUID]*domain.InventoryItem
	reservations map[uuid.UUID]*domain.StockReservation
	payments     map[uuid.UUID]*domain.Payment
	processed    map[string]bool

	failSaveInventoryTimes   int
	failSaveReservationTimes int
	failCreatePayment        error
	failSaveOrderTimes       int
}

func newMemStore() *memStore {
	return &memStore{
		orders:       make(map[uuid.UUID]*domain.Order),
		inventory:    make(map[uuid.UUID]*domain.InventoryItem),
		reservations: make(map[uuid.UUID]*domain.StockReservation),
		payments:     make(map[uuid.UUID]*domain.Payment),
		processed:    make(map[string]bool),
	}
}

func copyOrder(o *domain.Order) *domain.Order {
	clone := *o
	clone.Items = append([]domain.OrderItem(nil), o.Items...)
	clone.ClearEvents()
	return &clone
}

func (m *memStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.Version = 1
	m.orders[order.ID] = copyOrder(order)
	return nil
}

func (m *memStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveOrderTimes > 0 {
		m.failSaveOrderTimes--
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}
	current, ok := m.orders[order.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != order.Version {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}
	order.Version++
	m.orders[order.ID] = copyOrder(order)
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyOrder(order), nil
}

func (m *memStore) GetOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.OrderNumber == orderNumber {
			return copyOrder(order), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			out = append(out, *copyOrder(order))
		}
	}
	return out, nil
}

func (m *memStore) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.Status == status {
			out = append(out, *copyOrder(order))
		}
	}
	return out, nil
}

func (m *memStore) CreateInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.Version = 1
	clone := *item
	clone.ClearEvents()
	m.inventory[item.ProductID] = &clone
	return nil
}

func (m *memStore) SaveInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveInventoryTimes > 0 {
		m.failSaveInventoryTimes--
		return fmt.Errorf("inventory item %s: %w", item.ID, domain.ErrVersionConflict)
	}
	current, ok := m.inventory[item.ProductID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != item.Version {
		return fmt.Errorf("inventory item %s: %w", item.ID, domain.ErrVersionConflict)
	}
	item.Version++
	clone := *item
	clone.ClearEvents()
	m.inventory[item.ProductID] = &clone
	return nil
}

func (m *memStore) GetInventoryByProductID(ctx context.Context, productID uuid.UUID) (*domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.inventory[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *item
	return &clone, nil
}

func (m *memStore) GetInventoryBySKU(ctx context.Context, sku string) (*domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.inventory {
		if item.SKU == sku {
			clone := *item
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) ListLowStock(ctx context.Context) ([]domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.InventoryItem
	for _, item := range m.inventory {
		if item.NeedsReorder() {
			out = append(out, *item)
		}
	}
	return out, nil
}

func (m *memStore) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.InventoryItem
	for _, item := range m.inventory {
		out = append(out, *item)
	}
	return out, nil
}

func (m *memStore) CreateReservation(ctx context.Context, r *domain.StockReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Version = 1
	clone := *r
	m.reservations[r.ID] = &clone
	return nil
}

func (m *memStore) SaveReservation(ctx context.Context, r *domain.StockReservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveReservationTimes > 0 {
		m.failSaveReservationTimes--
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrVersionConflict)
	}
	current, ok := m.reservations[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != r.Version {
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrVersionConflict)
	}
	r.Version++
	clone := *r
	m.reservations[r.ID] = &clone
	return nil
}

func (m *memStore) GetReservationByID(ctx context.Context, id uuid.UUID) (*domain.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (m *memStore) ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockReservation
	for _, r := range m.reservations {
		if r.OrderID == orderID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockReservation
	for _, r := range m.reservations {
		if r.OrderID == orderID && r.IsActive() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) ListExpiredReservations(ctx context.Context, before time.Time) ([]domain.StockReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockReservation
	for _, r := range m.reservations {
		if r.IsExpired(before) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreatePayment != nil {
		return m.failCreatePayment
	}
	p.Version = 1
	clone := *p
	clone.ClearEvents()
	m.payments[p.ID] = &clone
	return nil
}

func (m *memStore) SavePayment(ctx context.Context, p *domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != p.Version {
		return fmt.Errorf("payment %s: %w", p.ID, domain.ErrVersionConflict)
	}
	p.Version++
	clone := *p
	clone.ClearEvents()
	m.payments[p.ID] = &clone
	return nil
}

func (m *memStore) GetPaymentByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (m *memStore) GetPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memStore) PaymentExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processed[eventID], nil
}

func (m *memStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[eventID] = true
	return nil
}

// memPublisher records published events in order.
type memPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	fail   error
}

type publishedEvent struct {
	Topic string
	Key   string
	Event domain.DomainEvent
}

func (p *memPublisher) Publish(ctx context.Context, topic string, event domain.DomainEvent) error {
	return p.PublishOrdered(ctx, topic, event, "")
}

func (p *memPublisher) PublishOrdered(ctx context.Context, topic string, event domain.DomainEvent, orderingKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.events = append(p.events, publishedEvent{Topic: topic, Key: orderingKey, Event: event})
	return nil
}

func (p *memPublisher) eventsOfType(eventType string) []domain.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.DomainEvent
	for _, pe := range p.events {
		if pe.Event.EventType() == eventType {
			out = append(out, pe.Event)
		}
	}
	return out
}
