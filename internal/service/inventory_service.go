package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/domain"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/util"
)

// maxWriteRetries bounds the optimistic-lock retry loop on counter writes.
const maxWriteRetries = 3

// ReservationLine is one (product, quantity) pair in a batch reservation.
type ReservationLine struct {
	ProductID uuid.UUID `json:"product_id"`
	Quantity  int       `json:"quantity"`
}

// ReservationOutcome is the per-item result of a batch reservation.
type ReservationOutcome struct {
	ProductID     uuid.UUID `json:"product_id"`
	Quantity      int       `json:"quantity"`
	Reserved      bool      `json:"reserved"`
	ReservationID uuid.UUID `json:"reservation_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// InventoryService is the stock-reservation engine. It owns InventoryItem
// counters and StockReservation records; the Redis mirror is a read-side
// cache, never the source of truth.
type InventoryService struct {
	store     InventoryStore
	cache     *redisclient.Client
	publisher EventPublisher
	topic     string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewInventoryService creates the reservation engine. cache may be nil.
func NewInventoryService(store InventoryStore, cache *redisclient.Client,
	publisher EventPublisher, topic string, ttl time.Duration) *InventoryService {

	return &InventoryService{
		store:     store,
		cache:     cache,
		publisher: publisher,
		topic:     topic,
		ttl:       ttl,
		logger:    util.GetLogger(),
	}
}

// ReserveForOrder reserves stock for every line of an order, all-or-nothing:
// if any line fails, lines already reserved in the batch are released before
// the failure is returned. The outcome slice always covers every line.
func (s *InventoryService) ReserveForOrder(ctx context.Context, orderID uuid.UUID,
	lines []ReservationLine) ([]ReservationOutcome, error) {

	ctx, span := util.StartSpan(ctx, "InventoryService.ReserveForOrder")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReservationLatency.Observe(time.Since(start).Seconds())
	}()

	outcomes := make([]ReservationOutcome, 0, len(lines))
	expiresAt := time.Now().UTC().Add(s.ttl)

	for idx, line := range lines {
		reservation, err := s.reserveLine(ctx, orderID, line, expiresAt)
		if err != nil {
			reason := "reservation failed"
			var insufficient *domain.InsufficientStockError
			switch {
			case errors.As(err, &insufficient):
				reason = insufficient.Error()
				util.ReservationsFailedTotal.WithLabelValues("insufficient_stock").Inc()
			case errors.Is(err, domain.ErrNotFound):
				reason = fmt.Sprintf("product %s not found in inventory", line.ProductID)
				util.ReservationsFailedTotal.WithLabelValues("not_found").Inc()
			default:
				util.ReservationsFailedTotal.WithLabelValues("error").Inc()
			}

			outcomes = append(outcomes, ReservationOutcome{
				ProductID:     line.ProductID,
				Quantity:      line.Quantity,
				FailureReason: reason,
			})
			for _, skipped := range lines[idx+1:] {
				outcomes = append(outcomes, ReservationOutcome{
					ProductID:     skipped.ProductID,
					Quantity:      skipped.Quantity,
					FailureReason: "batch aborted",
				})
			}

			s.compensateBatch(ctx, orderID, outcomes[:idx])
			return outcomes, err
		}

		util.ReservationsCreatedTotal.Inc()
		outcomes = append(outcomes, ReservationOutcome{
			ProductID:     line.ProductID,
			Quantity:      line.Quantity,
			Reserved:      true,
			ReservationID: reservation.ID,
		})
	}

	s.logger.Info("Stock reserved for order",
		zap.String("order_id", orderID.String()),
		zap.Int("lines", len(lines)))
	return outcomes, nil
}

// reserveLine moves one line's quantity from available to reserved and
// creates the ACTIVE reservation record.
func (s *InventoryService) reserveLine(ctx context.Context, orderID uuid.UUID,
	line ReservationLine, expiresAt time.Time) (*domain.StockReservation, error) {

	if err := s.mutateCounters(ctx, line.ProductID, func(item *domain.InventoryItem) error {
		return item.Reserve(line.Quantity)
	}); err != nil {
		return nil, err
	}

	reservation := domain.NewStockReservation(orderID, line.ProductID, line.Quantity, expiresAt)
	if err := s.store.CreateReservation(ctx, reservation); err != nil {
		// Counters moved but no record tracks them; put the stock back.
		s.returnToAvailable(ctx, line.ProductID, line.Quantity)
		return nil, err
	}

	s.syncCacheReserve(ctx, line.ProductID, line.Quantity)
	return reservation, nil
}

func (s *InventoryService) compensateBatch(ctx context.Context, orderID uuid.UUID, reserved []ReservationOutcome) {
	for _, outcome := range reserved {
		if !outcome.Reserved {
			continue
		}
		if err := s.ReleaseReservation(ctx, outcome.ReservationID); err != nil {
			s.logger.Error("Failed to compensate reservation",
				zap.String("order_id", orderID.String()),
				zap.String("reservation_id", outcome.ReservationID.String()),
				zap.Error(err))
		}
	}
}

// ReleaseReservation returns a reservation's stock to available. Releasing a
// reservation that is already terminal is a no-op, not an error.
func (s *InventoryService) ReleaseReservation(ctx context.Context, reservationID uuid.UUID) error {
	return s.finishReservation(ctx, reservationID, func(r *domain.StockReservation) error {
		return r.Release()
	}, func(item *domain.InventoryItem, qty int) {
		item.ReleaseReservation(qty)
	}, util.ReservationsReleasedTotal.Inc)
}

// ExpireReservation behaves like release but marks the reservation EXPIRED.
func (s *InventoryService) ExpireReservation(ctx context.Context, reservationID uuid.UUID) error {
	return s.finishReservation(ctx, reservationID, func(r *domain.StockReservation) error {
		return r.Expire()
	}, func(item *domain.InventoryItem, qty int) {
		item.ReleaseReservation(qty)
	}, util.ReservationsExpiredTotal.Inc)
}

// ConfirmReservation removes the reserved quantity from the system: the
// stock leaves inventory for good. Confirming an already-confirmed
// reservation is a no-op for redelivery safety.
func (s *InventoryService) ConfirmReservation(ctx context.Context, reservationID uuid.UUID) error {
	var reservation *domain.StockReservation
	won := false

	backoff := retry.WithMaxRetries(maxWriteRetries, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		won = false
		r, err := s.store.GetReservationByID(ctx, reservationID)
		if err != nil {
			return err
		}
		if r.Status == domain.ReservationStatusConfirmed {
			return nil
		}
		if err := r.Confirm(); err != nil {
			return err
		}
		if err := s.store.SaveReservation(ctx, r); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				// Lost a race; the reread decides whether the winner confirmed.
				return retry.RetryableError(err)
			}
			return err
		}
		reservation = r
		won = true
		return nil
	})
	if err != nil || !won {
		return err
	}

	if err := s.mutateCounters(ctx, reservation.ProductID, func(item *domain.InventoryItem) error {
		item.ConfirmReservation(reservation.Quantity)
		return nil
	}); err != nil {
		return err
	}

	s.syncCacheConfirm(ctx, reservation.ProductID, reservation.Quantity)
	util.ReservationsConfirmedTotal.Inc()
	return nil
}

// finishReservation applies a terminal transition exactly once: the
// version-guarded reservation save decides the winner, and only the winner
// touches the counters. Conflicts reread and reapply, bounded like every
// other write loop in this package.
func (s *InventoryService) finishReservation(ctx context.Context, reservationID uuid.UUID,
	transition func(*domain.StockReservation) error,
	applyCounters func(*domain.InventoryItem, int), countMetric func()) error {

	var reservation *domain.StockReservation
	won := false

	backoff := retry.WithMaxRetries(maxWriteRetries, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		won = false
		r, err := s.store.GetReservationByID(ctx, reservationID)
		if err != nil {
			return err
		}
		if !r.IsActive() {
			return nil
		}
		if err := transition(r); err != nil {
			return err
		}
		if err := s.store.SaveReservation(ctx, r); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		reservation = r
		won = true
		return nil
	})
	if err != nil || !won {
		return err
	}

	if err := s.mutateCounters(ctx, reservation.ProductID, func(item *domain.InventoryItem) error {
		applyCounters(item, reservation.Quantity)
		return nil
	}); err != nil {
		return err
	}

	s.syncCacheRelease(ctx, reservation.ProductID, reservation.Quantity)
	countMetric()
	return nil
}

// ListActiveReservations returns an order's ACTIVE reservations. The batch
// reserve is all-or-nothing, so a non-empty result means the order's full
// item list is already held.
func (s *InventoryService) ListActiveReservations(ctx context.Context, orderID uuid.UUID) ([]domain.StockReservation, error) {
	return s.store.ListActiveReservationsByOrder(ctx, orderID)
}

// ReleaseForOrder releases every ACTIVE reservation of an order (saga
// compensation after a payment failure).
func (s *InventoryService) ReleaseForOrder(ctx context.Context, orderID uuid.UUID) error {
	reservations, err := s.store.ListActiveReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for i := range reservations {
		if err := s.ReleaseReservation(ctx, reservations[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmForOrder confirms every ACTIVE reservation of an order (payment
// completed; stock permanently leaves inventory).
func (s *InventoryService) ConfirmForOrder(ctx context.Context, orderID uuid.UUID) error {
	reservations, err := s.store.ListActiveReservationsByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	for i := range reservations {
		if err := s.ConfirmReservation(ctx, reservations[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// ExpireStale expires every ACTIVE reservation whose TTL passed before now.
// Run by the background sweep, not by request traffic.
func (s *InventoryService) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.store.ListExpiredReservations(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		if err := s.ExpireReservation(ctx, stale[i].ID); err != nil {
			s.logger.Error("Failed to expire reservation",
				zap.String("reservation_id", stale[i].ID.String()),
				zap.Error(err))
			continue
		}
		expired++
	}

	if expired > 0 {
		s.logger.Info("Expired stale reservations", zap.Int("count", expired))
	}
	return expired, nil
}

// OnboardProduct creates the inventory counters for a new product.
func (s *InventoryService) OnboardProduct(ctx context.Context, productID uuid.UUID,
	sku string, initialQuantity int) (*domain.InventoryItem, error) {

	item, err := domain.NewInventoryItem(productID, sku, initialQuantity)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateInventoryItem(ctx, item); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.InitInventory(ctx, productID, item.QuantityAvailable, item.QuantityReserved); err != nil {
			s.logger.Warn("Failed to seed inventory cache", zap.Error(err))
		}
	}
	return item, nil
}

// AddStock restocks a product.
func (s *InventoryService) AddStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	return s.mutateCounters(ctx, productID, func(item *domain.InventoryItem) error {
		return item.AddStock(quantity)
	})
}

// AdjustStock corrects a product's available count.
func (s *InventoryService) AdjustStock(ctx context.Context, productID uuid.UUID, newQuantity int) error {
	return s.mutateCounters(ctx, productID, func(item *domain.InventoryItem) error {
		return item.AdjustStock(newQuantity)
	})
}

// GetInventory retrieves the counters for a product.
func (s *InventoryService) GetInventory(ctx context.Context, productID uuid.UUID) (*domain.InventoryItem, error) {
	return s.store.GetInventoryByProductID(ctx, productID)
}

// GetInventoryBySKU retrieves the counters for a product by SKU.
func (s *InventoryService) GetInventoryBySKU(ctx context.Context, sku string) (*domain.InventoryItem, error) {
	return s.store.GetInventoryBySKU(ctx, sku)
}

// ListLowStock scans for items at or below their reorder level.
func (s *InventoryService) ListLowStock(ctx context.Context) ([]domain.InventoryItem, error) {
	return s.store.ListLowStock(ctx)
}

// SyncInventoryCache seeds the Redis mirror from the database.
func (s *InventoryService) SyncInventoryCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}

	items, err := s.store.ListInventory(ctx)
	if err != nil {
		return fmt.Errorf("failed to list inventory: %w", err)
	}
	for i := range items {
		item := &items[i]
		if err := s.cache.InitInventory(ctx, item.ProductID, item.QuantityAvailable, item.QuantityReserved); err != nil {
			s.logger.Error("Failed to seed inventory cache",
				zap.String("product_id", item.ProductID.String()),
				zap.Error(err))
		}
	}

	s.logger.Info("Inventory cache synced", zap.Int("count", len(items)))
	return nil
}

// mutateCounters is the optimistic-lock retry loop around one product's
// counters: read, apply, write with expected-version check, reread on
// conflict. Bounded by maxWriteRetries.
func (s *InventoryService) mutateCounters(ctx context.Context, productID uuid.UUID,
	apply func(*domain.InventoryItem) error) error {

	backoff := retry.WithMaxRetries(maxWriteRetries, retry.NewConstant(10*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		item, err := s.store.GetInventoryByProductID(ctx, productID)
		if err != nil {
			return err
		}
		if err := apply(item); err != nil {
			return err
		}
		if err := s.store.SaveInventoryItem(ctx, item); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return flushEvents(ctx, s.publisher, s.topic, broker.ProductKey(productID), item)
	})
}

func (s *InventoryService) returnToAvailable(ctx context.Context, productID uuid.UUID, quantity int) {
	if err := s.mutateCounters(ctx, productID, func(item *domain.InventoryItem) error {
		item.ReleaseReservation(quantity)
		return nil
	}); err != nil {
		s.logger.Error("Failed to return stock to available",
			zap.String("product_id", productID.String()),
			zap.Error(err))
	}
}

// Cache sync is best effort; the database already holds the truth.

func (s *InventoryService) syncCacheReserve(ctx context.Context, productID uuid.UUID, qty int) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.ReserveStock(ctx, productID, qty); err != nil {
		s.logger.Warn("Inventory cache reserve failed", zap.Error(err))
	}
}

func (s *InventoryService) syncCacheRelease(ctx context.Context, productID uuid.UUID, qty int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ReleaseStock(ctx, productID, qty); err != nil {
		s.logger.Warn("Inventory cache release failed", zap.Error(err))
	}
}

func (s *InventoryService) syncCacheConfirm(ctx context.Context, productID uuid.UUID, qty int) {
	if s.cache == nil {
		return
	}
	if err := s.cache.ConfirmStock(ctx, productID, qty); err != nil {
		s.logger.Warn("Inventory cache confirm failed", zap.Error(err))
	}
}
