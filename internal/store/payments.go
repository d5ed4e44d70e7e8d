package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fulfillment-service/internal/domain"
)

// CreatePayment inserts a new payment record.
func (s *Store) CreatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (
			id, order_id, user_id, amount, currency, status, method,
			provider_name, provider_transaction_id, failure_reason,
			refund_amount, refunded_at, completed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)`,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Currency, p.Status, p.Method,
		p.ProviderName, p.ProviderTransactionID, p.FailureReason,
		p.RefundAmount, p.RefundedAt, p.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	p.Version = 1
	return nil
}

// SavePayment writes a payment with an expected-version check.
func (s *Store) SavePayment(ctx context.Context, p *domain.Payment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET
			status = $1, provider_name = $2, provider_transaction_id = $3,
			failure_reason = $4, refund_amount = $5, refunded_at = $6, completed_at = $7,
			version = version + 1, updated_at = NOW()
		WHERE id = $8 AND version = $9`,
		p.Status, p.ProviderName, p.ProviderTransactionID,
		p.FailureReason, p.RefundAmount, p.RefundedAt, p.CompletedAt,
		p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("payment %s: %w", p.ID, domain.ErrVersionConflict)
	}
	p.Version++
	return nil
}

// GetPaymentByID retrieves a payment.
func (s *Store) GetPaymentByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	var p domain.Payment
	err := s.db.GetContext(ctx, &p, "SELECT * FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentByOrderID retrieves the payment for an order.
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	var p domain.Payment
	err := s.db.GetContext(ctx, &p,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment for order %s: %w", orderID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PaymentExistsForOrder is the duplicate-payment idempotency check.
func (s *Store) PaymentExistsForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM payments WHERE order_id = $1)", orderID)
	return exists, err
}
