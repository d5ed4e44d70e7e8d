package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInventoryItem(t *testing.T) {
	productID := uuid.New()
	item, err := NewInventoryItem(productID, "SKU-100", 50)
	require.NoError(t, err)

	assert.Equal(t, productID, item.ProductID)
	assert.Equal(t, 50, item.QuantityAvailable)
	assert.Equal(t, 0, item.QuantityReserved)
	assert.Equal(t, 50, item.TotalQuantity())
	assert.True(t, item.IsInStock())

	_, err = NewInventoryItem(uuid.New(), "SKU-101", -1)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestReserve(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 10)
	require.NoError(t, err)

	require.NoError(t, item.Reserve(4))
	assert.Equal(t, 6, item.QuantityAvailable)
	assert.Equal(t, 4, item.QuantityReserved)
	assert.Equal(t, 10, item.TotalQuantity())
}

func TestReserveInsufficientStock(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 3)
	require.NoError(t, err)

	err = item.Reserve(5)
	var stockErr *InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, item.ProductID, stockErr.ProductID)
	assert.Equal(t, 5, stockErr.Requested)
	assert.Equal(t, 3, stockErr.Available)

	// Counters untouched on failure.
	assert.Equal(t, 3, item.QuantityAvailable)
	assert.Equal(t, 0, item.QuantityReserved)
}

func TestReserveRejectsNonPositive(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 3)
	require.NoError(t, err)

	assert.ErrorIs(t, item.Reserve(0), ErrInvalidArgument)
	assert.ErrorIs(t, item.Reserve(-2), ErrInvalidArgument)
}

func TestReleaseReservation(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 10)
	require.NoError(t, err)
	require.NoError(t, item.Reserve(4))

	item.ReleaseReservation(4)
	assert.Equal(t, 10, item.QuantityAvailable)
	assert.Equal(t, 0, item.QuantityReserved)
}

func TestReleaseClampsToReserved(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 10)
	require.NoError(t, err)
	require.NoError(t, item.Reserve(3))

	// Releasing more than reserved must not push counters negative or
	// inflate available beyond on-hand stock.
	item.ReleaseReservation(99)
	assert.Equal(t, 10, item.QuantityAvailable)
	assert.Equal(t, 0, item.QuantityReserved)
}

func TestConfirmReservationRemovesStock(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 10)
	require.NoError(t, err)
	require.NoError(t, item.Reserve(4))

	item.ConfirmReservation(4)
	assert.Equal(t, 6, item.QuantityAvailable)
	assert.Equal(t, 0, item.QuantityReserved)
	assert.Equal(t, 6, item.TotalQuantity())

	events := item.PendingEvents()
	require.NotEmpty(t, events)
	updated, ok := events[len(events)-1].(StockUpdated)
	require.True(t, ok)
	assert.Equal(t, 6, updated.QuantityAvailable)
	assert.Equal(t, 0, updated.QuantityReserved)
}

func TestAddAndAdjustStock(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 5)
	require.NoError(t, err)

	require.NoError(t, item.AddStock(10))
	assert.Equal(t, 15, item.QuantityAvailable)
	assert.ErrorIs(t, item.AddStock(0), ErrInvalidArgument)

	require.NoError(t, item.AdjustStock(7))
	assert.Equal(t, 7, item.QuantityAvailable)
	assert.ErrorIs(t, item.AdjustStock(-1), ErrInvalidArgument)
}

func TestNeedsReorder(t *testing.T) {
	item, err := NewInventoryItem(uuid.New(), "SKU-100", 50)
	require.NoError(t, err)
	assert.False(t, item.NeedsReorder())

	require.NoError(t, item.AdjustStock(10))
	assert.True(t, item.NeedsReorder())

	// Reserved stock still counts toward the reorder check.
	require.NoError(t, item.AdjustStock(8))
	require.NoError(t, item.Reserve(3))
	assert.Equal(t, 8, item.TotalQuantity())
	assert.True(t, item.NeedsReorder())
}

func TestReservationLifecycle(t *testing.T) {
	expiresAt := time.Now().UTC().Add(15 * time.Minute)
	r := NewStockReservation(uuid.New(), uuid.New(), 2, expiresAt)

	assert.Equal(t, ReservationStatusActive, r.Status)
	assert.True(t, r.IsActive())
	assert.False(t, r.IsExpired(time.Now().UTC()))

	require.NoError(t, r.Confirm())
	assert.Equal(t, ReservationStatusConfirmed, r.Status)
	require.NotNil(t, r.ConfirmedAt)
}

func TestReservationTerminalStatesAreFinal(t *testing.T) {
	var statusErr *InvalidReservationStatusError

	released := NewStockReservation(uuid.New(), uuid.New(), 1, time.Now().UTC())
	require.NoError(t, released.Release())
	assert.ErrorAs(t, released.Confirm(), &statusErr)
	assert.ErrorAs(t, released.Release(), &statusErr)
	assert.ErrorAs(t, released.Expire(), &statusErr)

	expired := NewStockReservation(uuid.New(), uuid.New(), 1, time.Now().UTC())
	require.NoError(t, expired.Expire())
	assert.ErrorAs(t, expired.Confirm(), &statusErr)

	confirmed := NewStockReservation(uuid.New(), uuid.New(), 1, time.Now().UTC())
	require.NoError(t, confirmed.Confirm())
	assert.ErrorAs(t, confirmed.Release(), &statusErr)
	assert.ErrorAs(t, confirmed.Expire(), &statusErr)
}

func TestReservationExpiry(t *testing.T) {
	expiresAt := time.Now().UTC().Add(15 * time.Minute)
	r := NewStockReservation(uuid.New(), uuid.New(), 2, expiresAt)

	assert.False(t, r.IsExpired(expiresAt.Add(-time.Minute)))
	assert.True(t, r.IsExpired(expiresAt.Add(time.Minute)))

	// A terminal reservation never reports expired.
	require.NoError(t, r.Confirm())
	assert.False(t, r.IsExpired(expiresAt.Add(time.Hour)))
}
