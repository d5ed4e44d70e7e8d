// Package saga wires the order, inventory and payment state machines into an
// event-driven choreography. There is no central orchestrator process: each
// handler reacts to one event, and correctness under at-least-once delivery
// comes from idempotent state transitions plus dedup by event id, not from
// mutual exclusion across services.
package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"
)

// Cancellation reasons recorded on compensated orders.
const (
	ReasonStockUnavailable = "stock unavailable"
	ReasonPaymentFailed    = "payment failed"
)

// Coordinator holds the event-reaction rules connecting the three aggregates.
type Coordinator struct {
	orders    *service.OrderService
	inventory *service.InventoryService
	payments  *service.PaymentService
	processed service.ProcessedEventStore

	// chargeMethod is the payment method used for the automated charge
	// step; method selection per order belongs to the checkout API, which
	// is outside this service.
	chargeMethod domain.PaymentMethod

	logger *zap.Logger
}

// NewCoordinator creates the choreography coordinator.
func NewCoordinator(orders *service.OrderService, inventory *service.InventoryService,
	payments *service.PaymentService, processed service.ProcessedEventStore,
	chargeMethod domain.PaymentMethod) *Coordinator {

	return &Coordinator{
		orders:       orders,
		inventory:    inventory,
		payments:     payments,
		processed:    processed,
		chargeMethod: chargeMethod,
		logger:       util.GetLogger(),
	}
}

// Register attaches the coordinator's reactions to a dispatcher.
func (c *Coordinator) Register(d *broker.Dispatcher) {
	d.On(domain.EventTypeOrderCreated, func(ctx context.Context, e domain.DomainEvent) error {
		event, ok := e.(*domain.OrderCreated)
		if !ok {
			return fmt.Errorf("unexpected payload type %T for %s", e, domain.EventTypeOrderCreated)
		}
		return c.HandleOrderCreated(ctx, event)
	})
	d.On(domain.EventTypePaymentCompleted, func(ctx context.Context, e domain.DomainEvent) error {
		event, ok := e.(*domain.PaymentCompleted)
		if !ok {
			return fmt.Errorf("unexpected payload type %T for %s", e, domain.EventTypePaymentCompleted)
		}
		return c.HandlePaymentCompleted(ctx, event)
	})
	d.On(domain.EventTypePaymentFailed, func(ctx context.Context, e domain.DomainEvent) error {
		event, ok := e.(*domain.PaymentFailed)
		if !ok {
			return fmt.Errorf("unexpected payload type %T for %s", e, domain.EventTypePaymentFailed)
		}
		return c.HandlePaymentFailed(ctx, event)
	})
}

// HandleOrderCreated reserves stock for the new order and, on success,
// requests payment. A reservation failure cancels the order without ever
// attempting payment.
func (c *Coordinator) HandleOrderCreated(ctx context.Context, event *domain.OrderCreated) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.HandleOrderCreated")
	defer span.End()

	done, err := c.alreadyProcessed(ctx, event)
	if err != nil || done {
		return err
	}

	order, err := c.orders.GetOrder(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusPending {
		// A previous delivery already moved this saga forward.
		c.logger.Info("Order already progressed, skipping reservation",
			zap.String("order_id", order.ID.String()),
			zap.String("status", string(order.Status)))
		return c.markProcessed(ctx, event)
	}

	// The order stays PENDING through the whole reserve-and-pay window, so
	// the status alone cannot tell a first delivery from a redelivery after
	// a partial failure. Reservations already held for this order mean an
	// earlier delivery got past the reserve step: keep those holds and move
	// straight to payment instead of reserving twice.
	held, err := c.inventory.ListActiveReservations(ctx, order.ID)
	if err != nil {
		return err
	}
	if len(held) > 0 {
		c.logger.Info("Reservations already held, skipping reserve",
			zap.String("order_id", order.ID.String()),
			zap.Int("reservations", len(held)))
	} else {
		lines := make([]service.ReservationLine, 0, len(order.Items))
		for _, item := range order.Items {
			lines = append(lines, service.ReservationLine{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		}

		if _, err := c.inventory.ReserveForOrder(ctx, order.ID, lines); err != nil {
			var insufficient *domain.InsufficientStockError
			if errors.As(err, &insufficient) || errors.Is(err, domain.ErrNotFound) {
				c.logger.Warn("Reservation failed, cancelling order",
					zap.String("order_id", order.ID.String()),
					zap.Error(err))
				if err := c.cancelOrder(ctx, order.ID, ReasonStockUnavailable); err != nil {
					return err
				}
				util.SagaStepsTotal.WithLabelValues("reserve_stock", "compensated").Inc()
				return c.markProcessed(ctx, event)
			}
			util.SagaStepsTotal.WithLabelValues("reserve_stock", "error").Inc()
			return err
		}
		util.SagaStepsTotal.WithLabelValues("reserve_stock", "ok").Inc()
	}

	// The payment outcome event, not this call's result, drives the next
	// saga step.
	if _, err := c.payments.ProcessPayment(ctx, &service.ProcessPaymentRequest{
		OrderID:  order.ID,
		UserID:   order.UserID,
		Amount:   order.TotalAmount,
		Currency: order.Currency,
		Method:   c.chargeMethod,
	}); err != nil {
		util.SagaStepsTotal.WithLabelValues("process_payment", "error").Inc()
		return err
	}
	util.SagaStepsTotal.WithLabelValues("process_payment", "ok").Inc()

	return c.markProcessed(ctx, event)
}

// HandlePaymentCompleted confirms the order and its reservations: the stock
// permanently leaves inventory.
func (c *Coordinator) HandlePaymentCompleted(ctx context.Context, event *domain.PaymentCompleted) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.HandlePaymentCompleted")
	defer span.End()

	done, err := c.alreadyProcessed(ctx, event)
	if err != nil || done {
		return err
	}

	order, err := c.orders.GetOrder(ctx, event.OrderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusPending {
		if _, err := c.orders.ConfirmOrder(ctx, order.ID, event.PaymentID); err != nil {
			util.SagaStepsTotal.WithLabelValues("confirm_order", "error").Inc()
			return err
		}
	} else {
		c.logger.Info("Order not pending, skipping confirm",
			zap.String("order_id", order.ID.String()),
			zap.String("status", string(order.Status)))
	}

	if err := c.inventory.ConfirmForOrder(ctx, event.OrderID); err != nil {
		util.SagaStepsTotal.WithLabelValues("confirm_reservations", "error").Inc()
		return err
	}

	util.SagaStepsTotal.WithLabelValues("confirm_order", "ok").Inc()
	c.logger.Info("Order confirmed",
		zap.String("order_id", event.OrderID.String()),
		zap.String("payment_id", event.PaymentID.String()))
	return c.markProcessed(ctx, event)
}

// HandlePaymentFailed runs the compensation path: release every reservation
// and cancel the order.
func (c *Coordinator) HandlePaymentFailed(ctx context.Context, event *domain.PaymentFailed) error {
	ctx, span := util.StartSpan(ctx, "Coordinator.HandlePaymentFailed")
	defer span.End()

	done, err := c.alreadyProcessed(ctx, event)
	if err != nil || done {
		return err
	}

	c.logger.Warn("Payment failed, starting compensation",
		zap.String("order_id", event.OrderID.String()),
		zap.String("reason", event.Reason))

	if err := c.inventory.ReleaseForOrder(ctx, event.OrderID); err != nil {
		util.SagaStepsTotal.WithLabelValues("release_reservations", "error").Inc()
		return err
	}
	if err := c.cancelOrder(ctx, event.OrderID, fmt.Sprintf("%s: %s", ReasonPaymentFailed, event.Reason)); err != nil {
		return err
	}

	util.SagaStepsTotal.WithLabelValues("cancel_order", "compensated").Inc()
	c.logger.Info("Order cancelled and compensated",
		zap.String("order_id", event.OrderID.String()))
	return c.markProcessed(ctx, event)
}

// cancelOrder cancels unless a previous delivery already did.
func (c *Coordinator) cancelOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	order, err := c.orders.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderStatusCancelled {
		return nil
	}
	if _, err := c.orders.CancelOrder(ctx, orderID, reason); err != nil {
		var invalid *domain.InvalidOrderStatusError
		if errors.As(err, &invalid) {
			// Coordination bug: the order moved somewhere cancellation
			// cannot reach. Fatal to this saga step.
			c.logger.Error("Cannot cancel order",
				zap.String("order_id", orderID.String()),
				zap.String("status", string(invalid.Status)))
		}
		return err
	}
	return nil
}

func (c *Coordinator) alreadyProcessed(ctx context.Context, event domain.DomainEvent) (bool, error) {
	processed, err := c.processed.IsEventProcessed(ctx, event.Meta().EventID.String())
	if err != nil {
		return false, fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		c.logger.Info("Event already processed",
			zap.String("event_id", event.Meta().EventID.String()),
			zap.String("type", event.EventType()))
	}
	return processed, nil
}

func (c *Coordinator) markProcessed(ctx context.Context, event domain.DomainEvent) error {
	return c.processed.MarkEventProcessed(ctx, event.Meta().EventID.String(), event.EventType())
}
