package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fulfillment-service/internal/domain"
)

// CreateInventoryItem inserts the counters for a newly onboarded product.
func (s *Store) CreateInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_items (id, product_id, sku, quantity_available, quantity_reserved, reorder_level, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)`,
		item.ID, item.ProductID, item.SKU,
		item.QuantityAvailable, item.QuantityReserved, item.ReorderLevel)
	if err != nil {
		return fmt.Errorf("failed to insert inventory item: %w", err)
	}
	item.Version = 1
	return nil
}

// SaveInventoryItem writes counters with an expected-version check.
func (s *Store) SaveInventoryItem(ctx context.Context, item *domain.InventoryItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE inventory_items SET
			quantity_available = $1, quantity_reserved = $2, reorder_level = $3,
			version = version + 1, updated_at = NOW()
		WHERE id = $4 AND version = $5`,
		item.QuantityAvailable, item.QuantityReserved, item.ReorderLevel,
		item.ID, item.Version)
	if err != nil {
		return fmt.Errorf("failed to update inventory item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("inventory item %s: %w", item.ID, domain.ErrVersionConflict)
	}
	item.Version++
	return nil
}

// GetInventoryByProductID retrieves the counters for a product.
func (s *Store) GetInventoryByProductID(ctx context.Context, productID uuid.UUID) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.db.GetContext(ctx, &item,
		"SELECT * FROM inventory_items WHERE product_id = $1", productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory for product %s: %w", productID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetInventoryBySKU retrieves the counters by SKU.
func (s *Store) GetInventoryBySKU(ctx context.Context, sku string) (*domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := s.db.GetContext(ctx, &item,
		"SELECT * FROM inventory_items WHERE sku = $1", sku)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("inventory for sku %s: %w", sku, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ListLowStock scans for items at or below their reorder level.
func (s *Store) ListLowStock(ctx context.Context) ([]domain.InventoryItem, error) {
	var items []domain.InventoryItem
	err := s.db.SelectContext(ctx, &items, `
		SELECT * FROM inventory_items
		WHERE quantity_available + quantity_reserved <= reorder_level
		ORDER BY sku`)
	return items, err
}

// ListInventory retrieves all inventory items.
func (s *Store) ListInventory(ctx context.Context) ([]domain.InventoryItem, error) {
	var items []domain.InventoryItem
	err := s.db.SelectContext(ctx, &items, "SELECT * FROM inventory_items ORDER BY sku")
	return items, err
}

// CreateReservation inserts an ACTIVE stock reservation.
func (s *Store) CreateReservation(ctx context.Context, r *domain.StockReservation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_reservations (id, order_id, product_id, quantity, status, expires_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, 1)`,
		r.ID, r.OrderID, r.ProductID, r.Quantity, r.Status, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	r.Version = 1
	return nil
}

// SaveReservation writes a reservation with an expected-version check. The
// version guard is what makes a racing expire and release apply exactly once.
func (s *Store) SaveReservation(ctx context.Context, r *domain.StockReservation) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE stock_reservations SET
			status = $1, confirmed_at = $2, released_at = $3,
			version = version + 1
		WHERE id = $4 AND version = $5`,
		r.Status, r.ConfirmedAt, r.ReleasedAt, r.ID, r.Version)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("reservation %s: %w", r.ID, domain.ErrVersionConflict)
	}
	r.Version++
	return nil
}

// GetReservationByID retrieves one reservation.
func (s *Store) GetReservationByID(ctx context.Context, id uuid.UUID) (*domain.StockReservation, error) {
	var r domain.StockReservation
	err := s.db.GetContext(ctx, &r, "SELECT * FROM stock_reservations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReservationsByOrder retrieves all reservations for an order.
func (s *Store) ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error) {
	var rs []domain.StockReservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT * FROM stock_reservations WHERE order_id = $1 ORDER BY created_at", orderID)
	return rs, err
}

// ListActiveReservationsByOrder retrieves an order's ACTIVE reservations.
func (s *Store) ListActiveReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error) {
	var rs []domain.StockReservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT * FROM stock_reservations WHERE order_id = $1 AND status = $2 ORDER BY created_at",
		orderID, domain.ReservationStatusActive)
	return rs, err
}

// ListExpiredReservations retrieves ACTIVE reservations whose expiry has
// passed, for the background sweep.
func (s *Store) ListExpiredReservations(ctx context.Context, before time.Time) ([]domain.StockReservation, error) {
	var rs []domain.StockReservation
	err := s.db.SelectContext(ctx, &rs,
		"SELECT * FROM stock_reservations WHERE status = $1 AND expires_at < $2 ORDER BY expires_at",
		domain.ReservationStatusActive, before)
	return rs, err
}
