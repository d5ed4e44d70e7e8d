package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/util"
)

// OrderService owns the Order lifecycle and is the saga's entry point.
type OrderService struct {
	store     OrderStore
	publisher EventPublisher
	topic     string
	logger    *zap.Logger
}

// NewOrderService creates a new order service.
func NewOrderService(store OrderStore, publisher EventPublisher, topic string) *OrderService {
	return &OrderService{
		store:     store,
		publisher: publisher,
		topic:     topic,
		logger:    util.GetLogger(),
	}
}

// CreateOrderRequest represents a checkout request from the API layer.
type CreateOrderRequest struct {
	UserID          uuid.UUID          `json:"user_id" binding:"required"`
	Items           []OrderItemRequest `json:"items" binding:"required,min=1"`
	ShippingAddress domain.Address     `json:"shipping_address"`
	BillingAddress  domain.Address     `json:"billing_address"`
	Notes           string             `json:"notes,omitempty"`
}

// OrderItemRequest represents one line of a checkout request. Pricing and
// naming come from the catalog service upstream.
type OrderItemRequest struct {
	ProductID uuid.UUID       `json:"product_id" binding:"required"`
	SKU       string          `json:"sku" binding:"required"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity" binding:"required,min=1"`
	UnitPrice decimal.Decimal `json:"unit_price" binding:"required"`
}

// CreateOrder creates a PENDING order and publishes OrderCreated, the event
// that triggers the fulfillment saga.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*domain.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	order, err := domain.CreateOrder(req.UserID, generateOrderNumber(), items,
		req.ShippingAddress, req.BillingAddress)
	if err != nil {
		return nil, err
	}
	order.Notes = req.Notes

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID.String()),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount.String()))

	if err := flushEvents(ctx, s.publisher, s.topic, broker.OrderKey(order.ID), order); err != nil {
		return nil, fmt.Errorf("order %s created but event publish failed: %w", order.ID, err)
	}
	return order, nil
}

// GetOrder retrieves an order with its items.
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.store.GetOrderByID(ctx, orderID)
}

// GetOrderByNumber retrieves an order by its human-readable number.
func (s *OrderService) GetOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	return s.store.GetOrderByNumber(ctx, orderNumber)
}

// ListOrdersByUser retrieves a user's orders.
func (s *OrderService) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID)
}

// ConfirmOrder links the payment and confirms the order.
func (s *OrderService) ConfirmOrder(ctx context.Context, orderID, paymentID uuid.UUID) (*domain.Order, error) {
	order, err := s.transition(ctx, orderID, func(o *domain.Order) error {
		return o.Confirm(paymentID)
	})
	if err != nil {
		return nil, err
	}
	util.OrdersConfirmedTotal.Inc()
	return order, nil
}

// StartProcessing moves a confirmed order into fulfillment.
func (s *OrderService) StartProcessing(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(o *domain.Order) error {
		return o.StartProcessing()
	})
}

// ShipOrder marks a processing order shipped.
func (s *OrderService) ShipOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(o *domain.Order) error {
		return o.Ship()
	})
}

// DeliverOrder marks a shipped order delivered.
func (s *OrderService) DeliverOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.transition(ctx, orderID, func(o *domain.Order) error {
		return o.Deliver()
	})
}

// CancelOrder cancels an order with a reason.
func (s *OrderService) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*domain.Order, error) {
	order, err := s.transition(ctx, orderID, func(o *domain.Order) error {
		return o.Cancel(reason)
	})
	if err != nil {
		return nil, err
	}
	util.OrdersCancelledTotal.WithLabelValues(cancelReasonLabel(reason)).Inc()
	return order, nil
}

// transition applies one guarded operation with the optimistic-lock retry
// loop: read, apply, write with expected-version check, reread on conflict.
func (s *OrderService) transition(ctx context.Context, orderID uuid.UUID,
	apply func(*domain.Order) error) (*domain.Order, error) {

	var order *domain.Order
	backoff := retry.WithMaxRetries(maxWriteRetries, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrderByID(ctx, orderID)
		if err != nil {
			return err
		}
		if err := apply(order); err != nil {
			return err
		}
		if err := s.store.SaveOrder(ctx, order); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := flushEvents(ctx, s.publisher, s.topic, broker.OrderKey(order.ID), order); err != nil {
		return nil, fmt.Errorf("order %s updated but event publish failed: %w", order.ID, err)
	}
	return order, nil
}

// generateOrderNumber builds a human-readable unique order number.
func generateOrderNumber() string {
	suffix := strings.ToUpper(uuid.New().String()[:8])
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102"), suffix)
}

func cancelReasonLabel(reason string) string {
	switch {
	case strings.Contains(reason, "stock"):
		return "stock_unavailable"
	case strings.Contains(reason, "payment"):
		return "payment_failed"
	default:
		return "other"
	}
}
