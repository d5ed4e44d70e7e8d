package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InventoryItem owns the stock counters for a single product.
// Invariant: both counters stay >= 0 and available + reserved equals the
// total on-hand stock; the counters change only through the operations below.
type InventoryItem struct {
	ID                uuid.UUID `db:"id" json:"id"`
	ProductID         uuid.UUID `db:"product_id" json:"product_id"`
	SKU               string    `db:"sku" json:"sku"`
	QuantityAvailable int       `db:"quantity_available" json:"quantity_available"`
	QuantityReserved  int       `db:"quantity_reserved" json:"quantity_reserved"`
	ReorderLevel      int       `db:"reorder_level" json:"reorder_level"`
	Version           int       `db:"version" json:"-"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`

	eventRecorder `db:"-" json:"-"`
}

// NewInventoryItem creates the counters for a product at onboarding.
func NewInventoryItem(productID uuid.UUID, sku string, initialQuantity int) (*InventoryItem, error) {
	if initialQuantity < 0 {
		return nil, fmt.Errorf("%w: initial quantity cannot be negative", ErrInvalidArgument)
	}
	return &InventoryItem{
		ID:                uuid.New(),
		ProductID:         productID,
		SKU:               sku,
		QuantityAvailable: initialQuantity,
		ReorderLevel:      10,
	}, nil
}

// TotalQuantity is the on-hand stock (available + reserved).
func (i *InventoryItem) TotalQuantity() int {
	return i.QuantityAvailable + i.QuantityReserved
}

// IsInStock reports whether any unreserved stock remains.
func (i *InventoryItem) IsInStock() bool {
	return i.QuantityAvailable > 0
}

// NeedsReorder reports whether total stock has dropped to the reorder level.
func (i *InventoryItem) NeedsReorder() bool {
	return i.TotalQuantity() <= i.ReorderLevel
}

// Reserve moves quantity from available to reserved.
func (i *InventoryItem) Reserve(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: reserve quantity must be positive", ErrInvalidArgument)
	}
	if quantity > i.QuantityAvailable {
		return &InsufficientStockError{
			ProductID: i.ProductID,
			Requested: quantity,
			Available: i.QuantityAvailable,
		}
	}
	i.QuantityAvailable -= quantity
	i.QuantityReserved += quantity
	return nil
}

// ReleaseReservation returns reserved stock to available. Releasing more
// than is reserved clamps to the reserved amount.
func (i *InventoryItem) ReleaseReservation(quantity int) {
	toRelease := min(quantity, i.QuantityReserved)
	i.QuantityReserved -= toRelease
	i.QuantityAvailable += toRelease
}

// ConfirmReservation removes reserved stock from the system (the order
// shipped) and registers a StockUpdated event.
func (i *InventoryItem) ConfirmReservation(quantity int) {
	toConfirm := min(quantity, i.QuantityReserved)
	i.QuantityReserved -= toConfirm
	i.recordStockUpdated()
}

// AddStock restocks available inventory.
func (i *InventoryItem) AddStock(quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: restock quantity must be positive", ErrInvalidArgument)
	}
	i.QuantityAvailable += quantity
	i.recordStockUpdated()
	return nil
}

// AdjustStock sets available stock to a corrected count.
func (i *InventoryItem) AdjustStock(newQuantity int) error {
	if newQuantity < 0 {
		return fmt.Errorf("%w: adjusted quantity cannot be negative", ErrInvalidArgument)
	}
	i.QuantityAvailable = newQuantity
	i.recordStockUpdated()
	return nil
}

func (i *InventoryItem) recordStockUpdated() {
	i.record(StockUpdated{
		EventMeta:         NewEventMeta(i.ID),
		ProductID:         i.ProductID,
		QuantityAvailable: i.QuantityAvailable,
		QuantityReserved:  i.QuantityReserved,
	})
}

// Reservation statuses. ACTIVE is the only non-terminal state.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "ACTIVE"
	ReservationStatusConfirmed ReservationStatus = "CONFIRMED"
	ReservationStatusReleased  ReservationStatus = "RELEASED"
	ReservationStatusExpired   ReservationStatus = "EXPIRED"
)

// StockReservation tracks one (order, product) reservation attempt.
type StockReservation struct {
	ID          uuid.UUID         `db:"id" json:"id"`
	OrderID     uuid.UUID         `db:"order_id" json:"order_id"`
	ProductID   uuid.UUID         `db:"product_id" json:"product_id"`
	Quantity    int               `db:"quantity" json:"quantity"`
	Status      ReservationStatus `db:"status" json:"status"`
	ExpiresAt   time.Time         `db:"expires_at" json:"expires_at"`
	ConfirmedAt *time.Time        `db:"confirmed_at" json:"confirmed_at,omitempty"`
	ReleasedAt  *time.Time        `db:"released_at" json:"released_at,omitempty"`
	Version     int               `db:"version" json:"-"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
}

// NewStockReservation creates an ACTIVE reservation with the given expiry.
func NewStockReservation(orderID, productID uuid.UUID, quantity int, expiresAt time.Time) *StockReservation {
	return &StockReservation{
		ID:        uuid.New(),
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  quantity,
		Status:    ReservationStatusActive,
		ExpiresAt: expiresAt,
	}
}

// Confirm moves the reservation to its CONFIRMED terminal state.
func (r *StockReservation) Confirm() error {
	if !r.IsActive() {
		return &InvalidReservationStatusError{Operation: "confirm", Status: r.Status}
	}
	now := time.Now().UTC()
	r.Status = ReservationStatusConfirmed
	r.ConfirmedAt = &now
	return nil
}

// Release moves the reservation to its RELEASED terminal state.
func (r *StockReservation) Release() error {
	if !r.IsActive() {
		return &InvalidReservationStatusError{Operation: "release", Status: r.Status}
	}
	now := time.Now().UTC()
	r.Status = ReservationStatusReleased
	r.ReleasedAt = &now
	return nil
}

// Expire moves the reservation to its EXPIRED terminal state.
func (r *StockReservation) Expire() error {
	if !r.IsActive() {
		return &InvalidReservationStatusError{Operation: "expire", Status: r.Status}
	}
	now := time.Now().UTC()
	r.Status = ReservationStatusExpired
	r.ReleasedAt = &now
	return nil
}

// IsActive reports whether the reservation is still holding stock.
func (r *StockReservation) IsActive() bool {
	return r.Status == ReservationStatusActive
}

// IsExpired reports whether an ACTIVE reservation has outlived its TTL.
func (r *StockReservation) IsExpired(now time.Time) bool {
	return r.IsActive() && now.After(r.ExpiresAt)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
