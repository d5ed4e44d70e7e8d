package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/confirm_stock.lua
var confirmStockScript string

// Client mirrors inventory counters in Redis as a fast-path guard for
// reservations. The database remains the source of truth; every script here
// is a cache update, never an authoritative write.
type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	confirmScript *redis.Script
}

// NewClient creates a new Redis client with the stock scripts loaded.
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		confirmScript: redis.NewScript(confirmStockScript),
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func inventoryKey(productID uuid.UUID) string {
	return "inventory:" + productID.String()
}

// ReserveStock atomically moves quantity from available to reserved.
// Returns false on insufficient stock.
func (c *Client) ReserveStock(ctx context.Context, productID uuid.UUID, quantity int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	success, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type %T", result)
	}
	return success == 1, nil
}

// ReleaseStock atomically returns reserved stock to available.
func (c *Client) ReleaseStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}
	return nil
}

// ConfirmStock atomically removes reserved stock from the mirror.
func (c *Client) ConfirmStock(ctx context.Context, productID uuid.UUID, quantity int) error {
	_, err := c.confirmScript.Run(ctx, c.rdb, []string{inventoryKey(productID)}, quantity).Result()
	if err != nil {
		return fmt.Errorf("confirm stock script failed: %w", err)
	}
	return nil
}

// InitInventory seeds the mirror counters for a product.
func (c *Client) InitInventory(ctx context.Context, productID uuid.UUID, available, reserved int) error {
	key := inventoryKey(productID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, "available", available)
	pipe.HSet(ctx, key, "reserved", reserved)

	_, err := pipe.Exec(ctx)
	return err
}

// GetInventory reads the mirror counters for a product.
func (c *Client) GetInventory(ctx context.Context, productID uuid.UUID) (available, reserved int, err error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return 0, 0, err
	}
	if len(result) == 0 {
		return 0, 0, fmt.Errorf("inventory mirror not found for product %s", productID)
	}

	available, _ = strconv.Atoi(result["available"])
	reserved, _ = strconv.Atoi(result["reserved"])
	return available, reserved, nil
}
