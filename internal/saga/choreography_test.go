package saga

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/service"
)

// sagaStore backs all three services with one in-memory map set, mirroring
// the expected-version semantics of the real store.
type sagaStore struct {
	mu           sync.Mutex
	orders       map[uuid.UUID]*domain.Order
	inventory    map[uuid.UUID]*domain.InventoryItem
	reservations map[uuid.UUID]*domain.StockReservation
	payments     map[uuid.UUID]*domain.Payment
	processed    map[string]bool

	failCreatePaymentTimes int
}

func newSagaStore() *sagaStore {
	return &sagaStore{
		orders:       make(map[uuid.UUID]*domain.Order),
		inventory:    make(map[uuid.UUID]*domain.InventoryItem),
		reservations: make(map[uuid.UUID]*domain.StockReservation),
		payments:     make(map[uuid.UUID]*domain.Payment),
		processed:    make(map[string]bool),
	}
}

func (s *sagaStore) CreateOrder(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.Version = 1
	clone := *order
	clone.Items = append([]domain.OrderItem(nil), order.Items...)
	clone.ClearEvents()
	s.orders[order.ID] = &clone
	return nil
}

func (s *sagaStore) SaveOrder(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[order.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != order.Version {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}
	order.Version++
	clone := *order
	clone.Items = append([]domain.OrderItem(nil), order.Items...)
	clone.ClearEvents()
	s.orders[order.ID] = &clone
	return nil
}

func (s *sagaStore) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *order
	clone.Items = append([]domain.OrderItem(nil), order.Items...)
	return &clone, nil
}

func (s *sagaStore) GetOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.OrderNumber == orderNumber {
			clone := *order
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *sagaStore) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	return nil, nil
}

func (s *sagaStore) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	return nil, nil
}

func (s *sagaStore) CreateInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.Version = 1
	clone := *item
	clone.ClearEvents()
	s.inventory[item.ProductID] = &clone
	return nil
}

func (s *sagaStore) SaveInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.inventory[item.ProductID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != item.Version {
		return fmt.Errorf("inventory item %s: %w", item.ID, domain.ErrVersionConflict)
	}
	item.Version++
	clone := *item
	clone.ClearEvents()
	s.inventory[item.ProductID] = &clone
	return nil
}

func (s *sagaStore) GetInventoryByProductID(ctx context.Context, productID uuid.UUID) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.inventory[productID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *item
	return &clone, nil
}

func (s *sagaStore) GetInventoryBySKU(ctx context.Context, sku string) (*domain.InventoryItem, error) {
	return nil, domain.ErrNotFound
}

func (s *sagaStore) ListLowStock(ctx context.Context) ([]domain.InventoryItem, error) {
	return nil, nil
}

func (s *sagaStore) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	return nil, nil
}

func (s *sagaStore) CreateReservation(ctx context.Context, r *domain.StockReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Version = 1
	clone := *r
	s.reservations[r.ID] = &clone
	return nil
}

func (s *sagaStore) SaveReservation(ctx context.Context, r *domain.StockReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.reservations[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != r.Version {
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrVersionConflict)
	}
	r.Version++
	clone := *r
	s.reservations[r.ID] = &clone
	return nil
}

func (s *sagaStore) GetReservationByID(ctx context.Context, id uuid.UUID) (*domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *sagaStore) ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StockReservation
	for _, r := range s.reservations {
		if r.OrderID == orderID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *sagaStore) ListActiveReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StockReservation
	for _, r := range s.reservations {
		if r.OrderID == orderID && r.IsActive() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *sagaStore) ListExpiredReservations(ctx context.Context, before time.Time) ([]domain.StockReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StockReservation
	for _, r := range s.reservations {
		if r.IsExpired(before) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *sagaStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreatePaymentTimes > 0 {
		s.failCreatePaymentTimes--
		return fmt.Errorf("payments store unavailable")
	}
	p.Version = 1
	clone := *p
	clone.ClearEvents()
	s.payments[p.ID] = &clone
	return nil
}

func (s *sagaStore) SavePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if current.Version != p.Version {
		return fmt.Errorf("payment %s: %w", p.ID, domain.ErrVersionConflict)
	}
	p.Version++
	clone := *p
	clone.ClearEvents()
	s.payments[p.ID] = &clone
	return nil
}

func (s *sagaStore) GetPaymentByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *sagaStore) GetPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID {
			clone := *p
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *sagaStore) PaymentExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (s *sagaStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processed[eventID], nil
}

func (s *sagaStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[eventID] = true
	return nil
}

// recordingPublisher captures everything the services publish so the test can
// feed saga-relevant events back into the coordinator by hand.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event domain.DomainEvent) error {
	return p.PublishOrdered(ctx, topic, event, "")
}

func (p *recordingPublisher) PublishOrdered(ctx context.Context, topic string, event domain.DomainEvent, orderingKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) last(eventType string) domain.DomainEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].EventType() == eventType {
			return p.events[i]
		}
	}
	return nil
}

type sagaFixture struct {
	store       *sagaStore
	publisher   *recordingPublisher
	orders      *service.OrderService
	inventory   *service.InventoryService
	payments    *service.PaymentService
	coordinator *Coordinator
}

func newSagaFixture() *sagaFixture {
	store := newSagaStore()
	publisher := &recordingPublisher{}

	orders := service.NewOrderService(store, publisher, "order-events")
	inventory := service.NewInventoryService(store, nil, publisher, "inventory-events", 15*time.Minute)
	payments := service.NewPaymentService(store,
		[]service.PaymentProvider{service.NewCardGateway()},
		publisher, "payment-events")

	return &sagaFixture{
		store:       store,
		publisher:   publisher,
		orders:      orders,
		inventory:   inventory,
		payments:    payments,
		coordinator: NewCoordinator(orders, inventory, payments, store, domain.PaymentMethodCreditCard),
	}
}

func (f *sagaFixture) seedProduct(t *testing.T, quantity int) uuid.UUID {
	t.Helper()
	productID := uuid.New()
	item, err := domain.NewInventoryItem(productID, "SKU-"+productID.String()[:8], quantity)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateInventoryItem(context.Background(), item))
	return productID
}

func (f *sagaFixture) placeOrder(t *testing.T, items []service.OrderItemRequest) *domain.Order {
	t.Helper()
	order, err := f.orders.CreateOrder(context.Background(), &service.CreateOrderRequest{
		UserID: uuid.New(),
		Items:  items,
	})
	require.NoError(t, err)
	return order
}

func TestSagaHappyPath(t *testing.T) {
	f := newSagaFixture()
	ctx := context.Background()

	productA := f.seedProduct(t, 10)
	productB := f.seedProduct(t, 5)

	order := f.placeOrder(t, []service.OrderItemRequest{
		{ProductID: productA, SKU: "SKU-A", Quantity: 2, UnitPrice: decimal.NewFromInt(25)},
		{ProductID: productB, SKU: "SKU-B", Quantity: 1, UnitPrice: decimal.NewFromInt(20)},
	})

	created := f.publisher.last(domain.EventTypeOrderCreated).(domain.OrderCreated)
	require.NoError(t, f.coordinator.HandleOrderCreated(ctx, &created))

	// Stock moved to reserved and the payment completed.
	itemA, err := f.store.GetInventoryByProductID(ctx, productA)
	require.NoError(t, err)
	assert.Equal(t, 8, itemA.QuantityAvailable)
	assert.Equal(t, 2, itemA.QuantityReserved)

	payment, err := f.store.GetPaymentByOrderID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusCompleted, payment.Status)
	assert.True(t, payment.Amount.Equal(decimal.NewFromInt(70)))

	completed := f.publisher.last(domain.EventTypePaymentCompleted).(domain.PaymentCompleted)
	require.NoError(t, f.coordinator.HandlePaymentCompleted(ctx, &completed))

	final, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, final.Status)
	assert.Equal(t, payment.ID, final.PaymentID.UUID)

	// Reservations confirmed; the stock left inventory for good.
	reservations, err := f.store.ListReservationsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, reservations, 2)
	for _, r := range reservations {
		assert.Equal(t, domain.ReservationStatusConfirmed, r.Status)
	}

	itemA, err = f.store.GetInventoryByProductID(ctx, productA)
	require.NoError(t, err)
	assert.Equal(t, 8, itemA.QuantityAvailable)
	assert.Equal(t, 0, itemA.QuantityReserved)
}

func TestSagaInsufficientStockCancelsOrder(t *testing.T) {
	f := newSagaFixture()
	ctx := context.Background()

	productA := f.seedProduct(t, 10)
	productB := f.seedProduct(t, 1)

	order := f.placeOrder(t, []service.OrderItemRequest{
		{ProductID: productA, SKU: "SKU-A", Quantity: 2, UnitPrice: decimal.NewFromInt(25)},
		{ProductID: productB, SKU: "SKU-B", Quantity: 5, UnitPrice: decimal.NewFromInt(20)},
	})

	created := f.publisher.last(domain.EventTypeOrderCreated).(domain.OrderCreated)
	require.NoError(t, f.coordinator.HandleOrderCreated(ctx, &created))

	final, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, final.Status)
	assert.Equal(t, ReasonStockUnavailable, final.CancellationReason)

	// The batch was compensated: no active reservations, counters intact.
	active, err := f.store.ListActiveReservationsByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	itemA, err := f.store.GetInventoryByProductID(ctx, productA)
	require.NoError(t, err)
	assert.Equal(t, 10, itemA.QuantityAvailable)
	assert.Equal(t, 0, itemA.QuantityReserved)

	// Payment was never attempted.
	exists, err := f.store.PaymentExistsForOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSagaPaymentFailureCompensates(t *testing.T) {
	f := newSagaFixture()
	ctx := context.Background()

	productID := f.seedProduct(t, 10)
	order := f.placeOrder(t, []service.OrderItemRequest{
		{ProductID: productID, SKU: "SKU-A", Quantity: 3, UnitPrice: decimal.NewFromInt(10)},
	})

	_, err := f.inventory.ReserveForOrder(ctx, order.ID, []service.ReservationLine{
		{ProductID: productID, Quantity: 3},
	})
	require.NoError(t, err)

	failed := domain.PaymentFailed{
		EventMeta: domain.NewEventMeta(uuid.New()),
		PaymentID: uuid.New(),
		OrderID:   order.ID,
		Reason:    "card declined",
	}
	require.NoError(t, f.coordinator.HandlePaymentFailed(ctx, &failed))

	final, err := f.store.GetOrderByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, final.Status)
	assert.Contains(t, final.CancellationReason, ReasonPaymentFailed)
	assert.Contains(t, final.CancellationReason, "card declined")

	item, err := f.store.GetInventoryByProductID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 10, item.QuantityAvailable)
	assert.Equal(t, 0, item.QuantityReserved)
}

func TestSagaEventRedeliveryIsIdempotent(t *testing.T) {
	f := newSagaFixture()
	ctx := context.Background()

	productID := f.seedProduct(t, 10)
	order := f.placeOrder(t, []service.OrderItemRequest{
		{ProductID: productID, SKU: "SKU-A", Quantity: 2, UnitPrice: decimal.NewFromInt(25)},
	})

	created := f.publisher.last(domain.EventTypeOrderCreated).(domain.OrderCreated)
	require.NoError(t, f.coordinator.HandleOrderCreated(ctx, &created))
	require.NoError(t, f.coordinator.HandleOrderCreated(ctx, &created))

	// One delivery's worth of reservations and one payment.
	reservations, err := f.store.ListReservationsByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, reservations, 1)

	item, err := f.store.GetInventoryByProductID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 2, item.QuantityReserved)

	completed := f.publisher.last(domain.EventTypePaymentCompleted).(domain.PaymentCompleted)
	require.NoError(t, f.coordinator.HandlePaymentCompleted(ctx, &completed))
	require.NoError(t, f.coordinator.HandlePaymentCompleted(ctx, &completed))

	item, err = f.store.GetInventoryByProductID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 8, item.TotalQuantity())
}

func TestSagaRedeliveryAfterPaymentStepFailure(t *testing.T) {
	f := newSagaFixture()
	ctx := context.Background()

	productID := f.seedProduct(t, 10)
	order := f.placeOrder(t, []service.OrderItemRequest{
		{ProductID: productID, SKU: "SKU-A", Quantity: 2, UnitPrice: decimal.NewFromInt(25)},
	})

	created := f.publisher.last(domain.EventTypeOrderCreated).(domain.OrderCreated)

	// First delivery reserves the stock, then dies in the payment step: the
	// event is never marked processed, so the broker will redeliver it.
	f.store.failCreatePaymentTimes = 1
	require.Error(t, f.coordinator.HandleOrderCreated(ctx, &created))

	item, err := f.store.GetInventoryByProductID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 2, item.QuantityReserved)

	// The redelivery must reuse the held reservations, not take them again.
	require.NoError(t, f.coordinator.HandleOrderCreated(ctx, &created))

	item, err = f.store.GetInventoryByProductID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 8, item.QuantityAvailable)
	assert.Equal(t, 2, item.QuantityReserved)

	reservations, err := f.store.ListReservationsByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, reservations, 1)

	// Completing the payment consumes exactly the ordered quantity.
	completed := f.publisher.last(domain.EventTypePaymentCompleted).(domain.PaymentCompleted)
	require.NoError(t, f.coordinator.HandlePaymentCompleted(ctx, &completed))

	item, err = f.store.GetInventoryByProductID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 8, item.TotalQuantity())
	assert.Equal(t, 0, item.QuantityReserved)
}

func TestSagaExpiryReleasesAbandonedOrder(t *testing.T) {
	f := newSagaFixture()
	ctx := context.Background()

	productID := f.seedProduct(t, 10)
	order := f.placeOrder(t, []service.OrderItemRequest{
		{ProductID: productID, SKU: "SKU-A", Quantity: 4, UnitPrice: decimal.NewFromInt(10)},
	})

	_, err := f.inventory.ReserveForOrder(ctx, order.ID, []service.ReservationLine{
		{ProductID: productID, Quantity: 4},
	})
	require.NoError(t, err)

	// Sixteen minutes later the sweep finds the abandoned reservation.
	count, err := f.inventory.ExpireStale(ctx, time.Now().UTC().Add(16*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	item, err := f.store.GetInventoryByProductID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 10, item.QuantityAvailable)
	assert.Equal(t, 0, item.QuantityReserved)

	reservations, err := f.store.ListReservationsByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, domain.ReservationStatusExpired, reservations[0].Status)
}
