package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravintola/ordersync/internal/domain"
)

func TestOrderStatusKey(t *testing.T) {
	assert.Equal(t, "order_status:ord_01", OrderStatusKey(" ord_01 "))
}

func TestNewOrderStatusCacheDefaults(t *testing.T) {
	_, err := NewOrderStatusCache(nil, time.Minute)
	require.Error(t, err)

	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })
	cache, err := NewOrderStatusCache(client, 0)
	require.NoError(t, err)
	assert.Equal(t, defaultOrderStatusTTL, cache.ttl)

	require.Error(t, cache.Put(context.Background(), domain.Order{}))
}

func TestOrderStatusCacheRoundTrip(t *testing.T) {
	addr := os.Getenv("ORDERSYNC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ORDERSYNC_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())

	cache, err := NewOrderStatusCache(client, time.Minute)
	require.NoError(t, err)

	orderID := "ord_cache_" + time.Now().UTC().Format("150405.000000")
	_, ok, err := cache.Get(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, ok)

	order := domain.Order{
		ID:            orderID,
		DisplayNumber: "000042",
		Status:        domain.OrderStatusAccepted,
		PaymentStatus: domain.PaymentStatusCaptured,
		TotalAmount:   5200,
		UpdatedAt:     time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, cache.Put(ctx, order))

	ttl, err := client.TTL(ctx, OrderStatusKey(orderID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	got, ok, err := cache.Get(ctx, orderID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusAccepted, got.Status)
	assert.Equal(t, int64(5200), got.TotalAmount)
	assert.True(t, order.UpdatedAt.Equal(got.UpdatedAt))

	require.NoError(t, cache.Invalidate(ctx, orderID))
	_, ok, err = cache.Get(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Set(ctx, OrderStatusKey(orderID), "{not json", time.Minute).Err())
	_, ok, err = cache.Get(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, ok)
}
