package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fulfillment-service/internal/domain"
)

// orderRow flattens the embedded address values into the orders table columns.
type orderRow struct {
	ID                 uuid.UUID          `db:"id"`
	OrderNumber        string             `db:"order_number"`
	UserID             uuid.UUID          `db:"user_id"`
	Status             domain.OrderStatus `db:"status"`
	Subtotal           decimal.Decimal    `db:"subtotal"`
	ShippingCost       decimal.Decimal    `db:"shipping_cost"`
	TaxAmount          decimal.Decimal    `db:"tax_amount"`
	DiscountAmount     decimal.Decimal    `db:"discount_amount"`
	TotalAmount        decimal.Decimal    `db:"total_amount"`
	Currency           string             `db:"currency"`
	PaymentID          uuid.NullUUID      `db:"payment_id"`
	Notes              string             `db:"notes"`
	CancellationReason string             `db:"cancellation_reason"`
	CancelledAt        *time.Time         `db:"cancelled_at"`
	ShippingStreet     string             `db:"shipping_street"`
	ShippingCity       string             `db:"shipping_city"`
	ShippingState      string             `db:"shipping_state"`
	ShippingZip        string             `db:"shipping_zip"`
	ShippingCountry    string             `db:"shipping_country"`
	BillingStreet      string             `db:"billing_street"`
	BillingCity        string             `db:"billing_city"`
	BillingState       string             `db:"billing_state"`
	BillingZip         string             `db:"billing_zip"`
	BillingCountry     string             `db:"billing_country"`
	Version            int                `db:"version"`
	CreatedAt          time.Time          `db:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at"`
}

func toOrderRow(o *domain.Order) *orderRow {
	return &orderRow{
		ID:                 o.ID,
		OrderNumber:        o.OrderNumber,
		UserID:             o.UserID,
		Status:             o.Status,
		Subtotal:           o.Subtotal,
		ShippingCost:       o.ShippingCost,
		TaxAmount:          o.TaxAmount,
		DiscountAmount:     o.DiscountAmount,
		TotalAmount:        o.TotalAmount,
		Currency:           o.Currency,
		PaymentID:          o.PaymentID,
		Notes:              o.Notes,
		CancellationReason: o.CancellationReason,
		CancelledAt:        o.CancelledAt,
		ShippingStreet:     o.ShippingAddress.Street,
		ShippingCity:       o.ShippingAddress.City,
		ShippingState:      o.ShippingAddress.State,
		ShippingZip:        o.ShippingAddress.ZipCode,
		ShippingCountry:    o.ShippingAddress.Country,
		BillingStreet:      o.BillingAddress.Street,
		BillingCity:        o.BillingAddress.City,
		BillingState:       o.BillingAddress.State,
		BillingZip:         o.BillingAddress.ZipCode,
		BillingCountry:     o.BillingAddress.Country,
		Version:            o.Version,
	}
}

func (r *orderRow) toDomain() *domain.Order {
	return &domain.Order{
		ID:                 r.ID,
		OrderNumber:        r.OrderNumber,
		UserID:             r.UserID,
		Status:             r.Status,
		Subtotal:           r.Subtotal,
		ShippingCost:       r.ShippingCost,
		TaxAmount:          r.TaxAmount,
		DiscountAmount:     r.DiscountAmount,
		TotalAmount:        r.TotalAmount,
		Currency:           r.Currency,
		PaymentID:          r.PaymentID,
		Notes:              r.Notes,
		CancellationReason: r.CancellationReason,
		CancelledAt:        r.CancelledAt,
		ShippingAddress: domain.Address{
			Street: r.ShippingStreet, City: r.ShippingCity, State: r.ShippingState,
			ZipCode: r.ShippingZip, Country: r.ShippingCountry,
		},
		BillingAddress: domain.Address{
			Street: r.BillingStreet, City: r.BillingCity, State: r.BillingState,
			ZipCode: r.BillingZip, Country: r.BillingCountry,
		},
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// CreateOrder inserts a new order together with its line items.
func (s *Store) CreateOrder(ctx context.Context, order *domain.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := toOrderRow(order)
	query := `
		INSERT INTO orders (
			id, order_number, user_id, status,
			subtotal, shipping_cost, tax_amount, discount_amount, total_amount, currency,
			payment_id, notes, cancellation_reason, cancelled_at,
			shipping_street, shipping_city, shipping_state, shipping_zip, shipping_country,
			billing_street, billing_city, billing_state, billing_zip, billing_country,
			version)
		VALUES (
			:id, :order_number, :user_id, :status,
			:subtotal, :shipping_cost, :tax_amount, :discount_amount, :total_amount, :currency,
			:payment_id, :notes, :cancellation_reason, :cancelled_at,
			:shipping_street, :shipping_city, :shipping_state, :shipping_zip, :shipping_country,
			:billing_street, :billing_city, :billing_state, :billing_zip, :billing_country,
			1)`

	if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, sku, name, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			item.ID, item.OrderID, item.ProductID, item.SKU, item.Name,
			item.Quantity, item.UnitPrice, item.LineTotal)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	order.Version = 1
	return nil
}

// SaveOrder writes an order with an expected-version check. A stale version
// returns domain.ErrVersionConflict; callers re-read and reapply.
func (s *Store) SaveOrder(ctx context.Context, order *domain.Order) error {
	row := toOrderRow(order)
	query := `
		UPDATE orders SET
			status = :status,
			subtotal = :subtotal, shipping_cost = :shipping_cost, tax_amount = :tax_amount,
			discount_amount = :discount_amount, total_amount = :total_amount,
			payment_id = :payment_id, notes = :notes,
			cancellation_reason = :cancellation_reason, cancelled_at = :cancelled_at,
			version = version + 1, updated_at = NOW()
		WHERE id = :id AND version = :version`

	res, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("order %s: %w", order.ID, domain.ErrVersionConflict)
	}
	order.Version++
	return nil
}

// GetOrderByID retrieves an order with its items.
func (s *Store) GetOrderByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	order := row.toDomain()
	if err := s.loadOrderItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrderByNumber retrieves an order by its human-readable number.
func (s *Store) GetOrderByNumber(ctx context.Context, orderNumber string) (*domain.Order, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM orders WHERE order_number = $1", orderNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderNumber, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	order := row.toDomain()
	if err := s.loadOrderItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

// ListOrdersByUser retrieves a user's orders, newest first, without items.
func (s *Store) ListOrdersByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, len(rows))
	for i := range rows {
		orders[i] = *rows[i].toDomain()
	}
	return orders, nil
}

// ListOrdersByStatus retrieves orders in a given status, without items.
func (s *Store) ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM orders WHERE status = $1 ORDER BY created_at DESC", status)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, len(rows))
	for i := range rows {
		orders[i] = *rows[i].toDomain()
	}
	return orders, nil
}

func (s *Store) loadOrderItems(ctx context.Context, order *domain.Order) error {
	return s.db.SelectContext(ctx, &order.Items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", order.ID)
}
