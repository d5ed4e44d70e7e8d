package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment statuses
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "PENDING"
	PaymentStatusProcessing        PaymentStatus = "PROCESSING"
	PaymentStatusCompleted         PaymentStatus = "COMPLETED"
	PaymentStatusFailed            PaymentStatus = "FAILED"
	PaymentStatusRefunded          PaymentStatus = "REFUNDED"
	PaymentStatusPartiallyRefunded PaymentStatus = "PARTIALLY_REFUNDED"
)

// Payment methods
type PaymentMethod string

const (
	PaymentMethodCreditCard   PaymentMethod = "CREDIT_CARD"
	PaymentMethodDebitCard    PaymentMethod = "DEBIT_CARD"
	PaymentMethodWallet       PaymentMethod = "WALLET"
	PaymentMethodBankTransfer PaymentMethod = "BANK_TRANSFER"
)

// Payment is one charge attempt for an order. At most one payment exists per
// order; the existence check before creation is the idempotency boundary for
// the process-payment entry point.
type Payment struct {
	ID                    uuid.UUID       `db:"id" json:"id"`
	OrderID               uuid.UUID       `db:"order_id" json:"order_id"`
	UserID                uuid.UUID       `db:"user_id" json:"user_id"`
	Amount                decimal.Decimal `db:"amount" json:"amount"`
	Currency              string          `db:"currency" json:"currency"`
	Status                PaymentStatus   `db:"status" json:"status"`
	Method                PaymentMethod   `db:"method" json:"method"`
	ProviderName          string          `db:"provider_name" json:"provider_name,omitempty"`
	ProviderTransactionID string          `db:"provider_transaction_id" json:"provider_transaction_id,omitempty"`
	FailureReason         string          `db:"failure_reason" json:"failure_reason,omitempty"`
	RefundAmount          decimal.Decimal `db:"refund_amount" json:"refund_amount"`
	RefundedAt            *time.Time      `db:"refunded_at" json:"refunded_at,omitempty"`
	CompletedAt           *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Version               int             `db:"version" json:"-"`
	CreatedAt             time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`

	eventRecorder `db:"-" json:"-"`
}

// NewPayment creates a PENDING payment for an order.
func NewPayment(orderID, userID uuid.UUID, amount decimal.Decimal,
	currency string, method PaymentMethod) (*Payment, error) {

	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: payment amount must be positive", ErrInvalidArgument)
	}
	if currency == "" {
		currency = "USD"
	}
	return &Payment{
		ID:           uuid.New(),
		OrderID:      orderID,
		UserID:       userID,
		Amount:       amount,
		Currency:     currency,
		Status:       PaymentStatusPending,
		Method:       method,
		RefundAmount: decimal.Zero,
	}, nil
}

// StartProcessing records the selected provider and moves to PROCESSING.
func (p *Payment) StartProcessing(providerName string) error {
	if p.Status != PaymentStatusPending {
		return &InvalidPaymentStatusError{Operation: "process", Status: p.Status}
	}
	p.Status = PaymentStatusProcessing
	p.ProviderName = providerName
	return nil
}

// Complete records the provider transaction and emits PaymentCompleted.
func (p *Payment) Complete(transactionID string) error {
	if p.Status != PaymentStatusProcessing {
		return &InvalidPaymentStatusError{Operation: "complete", Status: p.Status}
	}
	now := time.Now().UTC()
	p.Status = PaymentStatusCompleted
	p.ProviderTransactionID = transactionID
	p.CompletedAt = &now
	p.record(PaymentCompleted{
		EventMeta: NewEventMeta(p.ID),
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Amount:    p.Amount,
	})
	return nil
}

// Fail records the failure and emits PaymentFailed. Retry is a saga decision,
// not a Payment responsibility.
func (p *Payment) Fail(reason string) error {
	if p.Status != PaymentStatusPending && p.Status != PaymentStatusProcessing {
		return &InvalidPaymentStatusError{Operation: "fail", Status: p.Status}
	}
	p.Status = PaymentStatusFailed
	p.FailureReason = reason
	p.record(PaymentFailed{
		EventMeta: NewEventMeta(p.ID),
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		Reason:    reason,
	})
	return nil
}

// Refund applies a full or partial refund against the remaining refundable
// amount and emits PaymentRefunded.
func (p *Payment) Refund(amount decimal.Decimal) error {
	if !p.CanBeRefunded() {
		return &InvalidPaymentStatusError{Operation: "refund", Status: p.Status}
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: refund amount must be positive", ErrInvalidArgument)
	}
	remaining := p.Amount.Sub(p.RefundAmount)
	if amount.GreaterThan(remaining) {
		return fmt.Errorf("%w: refund %s exceeds refundable amount %s",
			ErrInvalidArgument, amount, remaining)
	}

	now := time.Now().UTC()
	p.RefundAmount = p.RefundAmount.Add(amount)
	p.RefundedAt = &now
	if p.RefundAmount.Equal(p.Amount) {
		p.Status = PaymentStatusRefunded
	} else {
		p.Status = PaymentStatusPartiallyRefunded
	}
	p.record(PaymentRefunded{
		EventMeta:    NewEventMeta(p.ID),
		PaymentID:    p.ID,
		OrderID:      p.OrderID,
		RefundAmount: amount,
	})
	return nil
}

// CanBeRefunded reports whether any refundable amount remains.
func (p *Payment) CanBeRefunded() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusPartiallyRefunded
}
