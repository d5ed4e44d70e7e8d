package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"
)

// ReservationSweeper periodically expires stale ACTIVE reservations. It is
// the safety net for sagas that stall mid-flight: if the payment step never
// runs, the reserved stock returns to available after the TTL.
type ReservationSweeper struct {
	inventory *service.InventoryService
	interval  time.Duration
	logger    *zap.Logger
}

// NewReservationSweeper creates a sweeper running at the given interval.
func NewReservationSweeper(inventory *service.InventoryService, interval time.Duration) *ReservationSweeper {
	return &ReservationSweeper{
		inventory: inventory,
		interval:  interval,
		logger:    util.GetLogger(),
	}
}

// Start runs the sweep loop until the context is cancelled. The sweep is
// non-blocking with respect to request traffic; racing confirms and
// releases are resolved by the reservation's version guard.
func (sw *ReservationSweeper) Start(ctx context.Context) {
	sw.logger.Info("Starting reservation sweeper",
		zap.Duration("interval", sw.interval))

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Reservation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := sw.inventory.ExpireStale(ctx, time.Now().UTC()); err != nil {
				sw.logger.Error("Reservation sweep failed", zap.Error(err))
			}
		}
	}
}
