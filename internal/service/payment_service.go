package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/util"
)

// PaymentService owns the Payment lifecycle, provider dispatch and refunds.
type PaymentService struct {
	store     PaymentStore
	providers []PaymentProvider
	publisher EventPublisher
	topic     string
	logger    *zap.Logger
}

// NewPaymentService creates a payment service with the given providers.
func NewPaymentService(store PaymentStore, providers []PaymentProvider,
	publisher EventPublisher, topic string) *PaymentService {

	return &PaymentService{
		store:     store,
		providers: providers,
		publisher: publisher,
		topic:     topic,
		logger:    util.GetLogger(),
	}
}

// ProcessPaymentRequest represents a charge request.
type ProcessPaymentRequest struct {
	OrderID  uuid.UUID            `json:"order_id" binding:"required"`
	UserID   uuid.UUID            `json:"user_id" binding:"required"`
	Amount   decimal.Decimal      `json:"amount" binding:"required"`
	Currency string               `json:"currency"`
	Method   domain.PaymentMethod `json:"method" binding:"required"`
	Token    string               `json:"token"`
}

// ProcessPayment charges an order. Calling it twice for the same order
// returns the existing payment; the existence check is the idempotency
// boundary for this entry point.
func (s *PaymentService) ProcessPayment(ctx context.Context, req *ProcessPaymentRequest) (*domain.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ProcessPayment")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	exists, err := s.store.PaymentExistsForOrder(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing payment: %w", err)
	}
	if exists {
		s.logger.Info("Payment already exists for order",
			zap.String("order_id", req.OrderID.String()))
		return s.store.GetPaymentByOrderID(ctx, req.OrderID)
	}

	payment, err := domain.NewPayment(req.OrderID, req.UserID, req.Amount, req.Currency, req.Method)
	if err != nil {
		return nil, err
	}

	provider, err := s.findProvider(req.Method)
	if err != nil {
		return nil, err
	}

	if err := payment.StartProcessing(provider.Name()); err != nil {
		return nil, err
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	transactionID, chargeErr := provider.Charge(ctx, payment.Amount, payment.Currency, req.Token)
	if chargeErr != nil {
		s.logger.Warn("Payment charge failed",
			zap.String("order_id", req.OrderID.String()),
			zap.String("provider", provider.Name()),
			zap.Error(chargeErr))
		if err := payment.Fail(chargeErr.Error()); err != nil {
			return nil, err
		}
		util.PaymentFailedTotal.Inc()
	} else {
		s.logger.Info("Payment completed",
			zap.String("order_id", req.OrderID.String()),
			zap.String("transaction_id", transactionID))
		if err := payment.Complete(transactionID); err != nil {
			return nil, err
		}
		util.PaymentCompletedTotal.Inc()
	}

	if err := s.store.SavePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to save payment: %w", err)
	}
	if err := flushEvents(ctx, s.publisher, s.topic, broker.OrderKey(payment.OrderID), payment); err != nil {
		return nil, fmt.Errorf("payment %s saved but event publish failed: %w", payment.ID, err)
	}
	return payment, nil
}

// RefundPayment refunds part or all of a completed payment.
func (s *PaymentService) RefundPayment(ctx context.Context, paymentID uuid.UUID,
	amount decimal.Decimal, reason string) (*domain.Payment, error) {

	ctx, span := util.StartSpan(ctx, "PaymentService.RefundPayment")
	defer span.End()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	provider, err := s.providerByName(payment.ProviderName)
	if err != nil {
		return nil, err
	}

	// Validate the transition and amount before touching the gateway.
	if !payment.CanBeRefunded() {
		return nil, &domain.InvalidPaymentStatusError{Operation: "refund", Status: payment.Status}
	}
	remaining := payment.Amount.Sub(payment.RefundAmount)
	if !amount.IsPositive() || amount.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: refund %s outside refundable amount %s",
			domain.ErrInvalidArgument, amount, remaining)
	}

	if _, err := provider.Refund(ctx, payment.ProviderTransactionID, amount); err != nil {
		return nil, fmt.Errorf("provider refund failed: %w", err)
	}
	if err := payment.Refund(amount); err != nil {
		return nil, err
	}
	if err := s.store.SavePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to save refund: %w", err)
	}

	util.PaymentRefundedTotal.Inc()
	s.logger.Info("Payment refunded",
		zap.String("payment_id", paymentID.String()),
		zap.String("amount", amount.String()),
		zap.String("reason", reason))

	if err := flushEvents(ctx, s.publisher, s.topic, broker.OrderKey(payment.OrderID), payment); err != nil {
		return nil, fmt.Errorf("refund saved but event publish failed: %w", err)
	}
	return payment, nil
}

// GetPayment retrieves a payment by id.
func (s *PaymentService) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return s.store.GetPaymentByID(ctx, paymentID)
}

// GetPaymentByOrder retrieves the payment for an order.
func (s *PaymentService) GetPaymentByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	return s.store.GetPaymentByOrderID(ctx, orderID)
}

// findProvider selects the first provider supporting the method. No match
// is a configuration error, not a business failure.
func (s *PaymentService) findProvider(method domain.PaymentMethod) (PaymentProvider, error) {
	for _, p := range s.providers {
		if p.Supports(method) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no payment provider configured for method %s", method)
}

func (s *PaymentService) providerByName(name string) (PaymentProvider, error) {
	for _, p := range s.providers {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("payment provider %q not configured", name)
}
