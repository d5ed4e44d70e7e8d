package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order statuses
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
)

// Address is an embedded shipping/billing value.
type Address struct {
	Street  string `json:"street"`
	City    string `json:"city"`
	State   string `json:"state"`
	ZipCode string `json:"zip_code"`
	Country string `json:"country"`
}

// OrderItem is a line item belonging to exactly one order.
type OrderItem struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	OrderID   uuid.UUID       `db:"order_id" json:"order_id"`
	ProductID uuid.UUID       `db:"product_id" json:"product_id"`
	SKU       string          `db:"sku" json:"sku"`
	Name      string          `db:"name" json:"name"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	LineTotal decimal.Decimal `db:"line_total" json:"line_total"`
}

// Order is the saga's entry point and terminal record.
type Order struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	OrderNumber        string          `db:"order_number" json:"order_number"`
	UserID             uuid.UUID       `db:"user_id" json:"user_id"`
	Status             OrderStatus     `db:"status" json:"status"`
	Items              []OrderItem     `db:"-" json:"items"`
	ShippingAddress    Address         `db:"-" json:"shipping_address"`
	BillingAddress     Address         `db:"-" json:"billing_address"`
	Subtotal           decimal.Decimal `db:"subtotal" json:"subtotal"`
	ShippingCost       decimal.Decimal `db:"shipping_cost" json:"shipping_cost"`
	TaxAmount          decimal.Decimal `db:"tax_amount" json:"tax_amount"`
	DiscountAmount     decimal.Decimal `db:"discount_amount" json:"discount_amount"`
	TotalAmount        decimal.Decimal `db:"total_amount" json:"total_amount"`
	Currency           string          `db:"currency" json:"currency"`
	PaymentID          uuid.NullUUID   `db:"payment_id" json:"payment_id,omitempty"`
	Notes              string          `db:"notes" json:"notes,omitempty"`
	CancellationReason string          `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Version            int             `db:"version" json:"-"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`

	eventRecorder `db:"-" json:"-"`
}

// CreateOrder builds a new PENDING order, computes totals and registers the
// OrderCreated event.
func CreateOrder(userID uuid.UUID, orderNumber string, items []OrderItem,
	shipping, billing Address) (*Order, error) {

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: order requires at least one item", ErrInvalidArgument)
	}

	order := &Order{
		ID:              uuid.New(),
		OrderNumber:     orderNumber,
		UserID:          userID,
		Status:          OrderStatusPending,
		ShippingAddress: shipping,
		BillingAddress:  billing,
		ShippingCost:    decimal.Zero,
		TaxAmount:       decimal.Zero,
		DiscountAmount:  decimal.Zero,
		Currency:        "USD",
	}

	for i := range items {
		if err := order.AddItem(items[i]); err != nil {
			return nil, err
		}
	}

	order.CalculateTotals()
	order.record(OrderCreated{
		EventMeta:   NewEventMeta(order.ID),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
	})

	return order, nil
}

// AddItem appends a line item and links it to this order.
func (o *Order) AddItem(item OrderItem) error {
	if item.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive for product %s",
			ErrInvalidArgument, item.ProductID)
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	item.OrderID = o.ID
	item.LineTotal = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
	o.Items = append(o.Items, item)
	return nil
}

// UpdateItemQuantity changes a line quantity. Items are immutable once the
// order leaves PENDING.
func (o *Order) UpdateItemQuantity(productID uuid.UUID, quantity int) error {
	if o.Status != OrderStatusPending {
		return &InvalidOrderStatusError{Operation: "update items of", Status: o.Status}
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidArgument)
	}
	for i := range o.Items {
		if o.Items[i].ProductID == productID {
			o.Items[i].Quantity = quantity
			o.Items[i].LineTotal = o.Items[i].UnitPrice.Mul(decimal.NewFromInt(int64(quantity)))
			o.CalculateTotals()
			return nil
		}
	}
	return fmt.Errorf("%w: product %s not in order", ErrNotFound, productID)
}

// CalculateTotals recomputes subtotal and total from the line items.
// Invariant: total = subtotal + shipping + tax - discount.
func (o *Order) CalculateTotals() {
	subtotal := decimal.Zero
	for i := range o.Items {
		subtotal = subtotal.Add(o.Items[i].LineTotal)
	}
	o.Subtotal = subtotal
	o.TotalAmount = subtotal.
		Add(o.ShippingCost).
		Add(o.TaxAmount).
		Sub(o.DiscountAmount)
}

// Confirm marks the order paid-for. Only valid from PENDING.
func (o *Order) Confirm(paymentID uuid.UUID) error {
	if o.Status != OrderStatusPending {
		return &InvalidOrderStatusError{Operation: "confirm", Status: o.Status}
	}
	o.PaymentID = uuid.NullUUID{UUID: paymentID, Valid: true}
	o.updateStatus(OrderStatusConfirmed)
	return nil
}

// StartProcessing moves the order into fulfillment.
func (o *Order) StartProcessing() error {
	if o.Status != OrderStatusConfirmed {
		return &InvalidOrderStatusError{Operation: "process", Status: o.Status}
	}
	o.updateStatus(OrderStatusProcessing)
	return nil
}

// Ship marks the order shipped.
func (o *Order) Ship() error {
	if o.Status != OrderStatusProcessing {
		return &InvalidOrderStatusError{Operation: "ship", Status: o.Status}
	}
	o.updateStatus(OrderStatusShipped)
	return nil
}

// Deliver marks the order delivered.
func (o *Order) Deliver() error {
	if o.Status != OrderStatusShipped {
		return &InvalidOrderStatusError{Operation: "deliver", Status: o.Status}
	}
	o.updateStatus(OrderStatusDelivered)
	return nil
}

// Cancel records the reason and timestamp and transitions to CANCELLED.
func (o *Order) Cancel(reason string) error {
	if !o.CanBeCancelled() {
		return &InvalidOrderStatusError{Operation: "cancel", Status: o.Status}
	}
	now := time.Now().UTC()
	o.CancellationReason = reason
	o.CancelledAt = &now
	o.updateStatus(OrderStatusCancelled)
	return nil
}

// CanBeCancelled reports whether cancellation is still allowed.
func (o *Order) CanBeCancelled() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing:
		return true
	}
	return false
}

func (o *Order) updateStatus(newStatus OrderStatus) {
	previous := o.Status
	o.Status = newStatus
	o.record(OrderStatusChanged{
		EventMeta:      NewEventMeta(o.ID),
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		PreviousStatus: previous,
		NewStatus:      newStatus,
	})
}
