package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ravintola/ordersync/internal/domain"
	"github.com/ravintola/ordersync/internal/repositories"
)

func placedOrder(id string) domain.Order {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:            id,
		MerchantID:    "m-1",
		Fulfilment:    domain.FulfilmentPickup,
		Items:         []domain.OrderLineItem{{ProductID: "p-1", Name: "Soup", UnitPrice: 900, Quantity: 2, Options: []domain.OrderOption{{Name: "Bread", PriceDelta: 100}}}},
		Currency:      "EUR",
		Subtotal:      2000,
		TotalAmount:   2000,
		Status:        domain.OrderStatusPlaced,
		PaymentStatus: domain.PaymentStatusNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestOrderStoreConditionalUpdateSingleWinner(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, placedOrder("ord_1")))

	authorized := domain.PaymentStatusAuthorized
	cond := repositories.OrderCondition{PaymentStatuses: []domain.PaymentStatus{domain.PaymentStatusNone}}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConditionalUpdate(ctx, "ord_1", cond, repositories.OrderUpdate{PaymentStatus: &authorized})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if repositories.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 19, conflicts)
}

func TestOrderStoreLookupsAndIsolation(t *testing.T) {
	store := NewOrderStore()
	ctx := context.Background()
	order := placedOrder("ord_2")
	order.PaymentRef = "cs_123"
	order.AuthorizationRef = "pi_123"
	require.NoError(t, store.Create(ctx, order))

	err := store.Create(ctx, order)
	assert.True(t, repositories.IsConflict(err), "duplicate create should conflict")

	byPayment, err := store.GetByPaymentRef(ctx, "cs_123")
	require.NoError(t, err)
	assert.Equal(t, "ord_2", byPayment.ID)

	byAuth, err := store.GetByAuthorizationRef(ctx, "pi_123")
	require.NoError(t, err)
	byAuth.Items[0].Options[0].Name = "mutated"

	again, err := store.GetByID(ctx, "ord_2")
	require.NoError(t, err)
	assert.Equal(t, "Bread", again.Items[0].Options[0].Name)

	_, err = store.GetByAuthorizationRef(ctx, "")
	assert.True(t, repositories.IsNotFound(err))
	_, err = store.ConditionalUpdate(ctx, "missing", repositories.OrderCondition{}, repositories.OrderUpdate{})
	assert.True(t, repositories.IsNotFound(err))
}

func TestMerchantStoreUpdatePaymentAccount(t *testing.T) {
	store := NewMerchantStore(domain.Merchant{ID: "m-1", PaymentAccount: domain.MerchantPaymentAccount{AccountID: "acct_1"}})
	ctx := context.Background()

	require.NoError(t, store.UpdatePaymentAccount(ctx, "m-1", domain.MerchantPaymentAccount{AccountID: "acct_1", Enabled: true}))
	merchant, err := store.FindByPaymentAccountID(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, merchant.PaymentAccount.Enabled)

	err = store.UpdatePaymentAccount(ctx, "missing", domain.MerchantPaymentAccount{})
	assert.True(t, repositories.IsNotFound(err))
}

func TestCounterStoreBounds(t *testing.T) {
	store := NewCounterStore()
	ctx := context.Background()

	first, err := store.Next(ctx, "display:m-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	limit := int64(2)
	require.NoError(t, store.Configure(ctx, "display:m-1", repositories.CounterConfig{MaxValue: &limit}))
	second, err := store.Next(ctx, "display:m-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)

	_, err = store.Next(ctx, "display:m-1", 0)
	var counterErr *repositories.CounterError
	require.ErrorAs(t, err, &counterErr)
	assert.Equal(t, repositories.CounterErrorExhausted, counterErr.Code)
}
