package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors shared across aggregates
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidArgument = errors.New("invalid argument")
)

// InsufficientStockError is a business outcome, not a retryable failure:
// the saga reacts by cancelling the order.
type InsufficientStockError struct {
	ProductID uuid.UUID
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

// InvalidOrderStatusError indicates an illegal order transition was attempted.
// This is a coordination bug, fatal to the triggering saga step.
type InvalidOrderStatusError struct {
	Operation string
	Status    OrderStatus
}

func (e *InvalidOrderStatusError) Error() string {
	return fmt.Sprintf("cannot %s order in status %s", e.Operation, e.Status)
}

// InvalidPaymentStatusError indicates an illegal payment transition was attempted.
type InvalidPaymentStatusError struct {
	Operation string
	Status    PaymentStatus
}

func (e *InvalidPaymentStatusError) Error() string {
	return fmt.Sprintf("cannot %s payment in status %s", e.Operation, e.Status)
}

// InvalidReservationStatusError indicates a transition out of a terminal
// reservation state was attempted.
type InvalidReservationStatusError struct {
	Operation string
	Status    ReservationStatus
}

func (e *InvalidReservationStatusError) Error() string {
	return fmt.Sprintf("cannot %s reservation in status %s", e.Operation, e.Status)
}
