package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ravintola/ordersync/internal/domain"
)

const (
	orderStatusKeyPrefix  = "order_status:"
	defaultOrderStatusTTL = 5 * time.Minute
)

// OrderStatusCache is a read-through cache for order reads. Entries are plain JSON snapshots keyed
// by order id and dropped on every state write.
type OrderStatusCache struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewOrderStatusCache constructs a cache with ttl, defaulting to five minutes.
func NewOrderStatusCache(client goredis.UniversalClient, ttl time.Duration) (*OrderStatusCache, error) {
	if client == nil {
		return nil, errors.New("redis order status cache: client is required")
	}
	if ttl <= 0 {
		ttl = defaultOrderStatusTTL
	}
	return &OrderStatusCache{client: client, ttl: ttl}, nil
}

// OrderStatusKey returns the cache key for orderID.
func OrderStatusKey(orderID string) string {
	return orderStatusKeyPrefix + strings.TrimSpace(orderID)
}

// Get returns the cached order. A miss is (zero, false, nil).
func (c *OrderStatusCache) Get(ctx context.Context, orderID string) (domain.Order, bool, error) {
	raw, err := c.client.Get(ctx, OrderStatusKey(orderID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("redis order status cache: get %s: %w", orderID, err)
	}
	var order domain.Order
	if err := json.Unmarshal(raw, &order); err != nil {
		// a corrupt entry is treated as a miss and evicted
		_ = c.client.Del(ctx, OrderStatusKey(orderID)).Err()
		return domain.Order{}, false, nil
	}
	return order, true, nil
}

// Put stores order under its id.
func (c *OrderStatusCache) Put(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("redis order status cache: order id is required")
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("redis order status cache: encode %s: %w", order.ID, err)
	}
	if err := c.client.Set(ctx, OrderStatusKey(order.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis order status cache: set %s: %w", order.ID, err)
	}
	return nil
}

// Invalidate drops the cached entry for orderID.
func (c *OrderStatusCache) Invalidate(ctx context.Context, orderID string) error {
	if err := c.client.Del(ctx, OrderStatusKey(orderID)).Err(); err != nil {
		return fmt.Errorf("redis order status cache: del %s: %w", orderID, err)
	}
	return nil
}
