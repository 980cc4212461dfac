package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/ravintola/ordersync/internal/domain"
)

func TestShippingPolicyThresholdBoundary(t *testing.T) {
	policy := DefaultShippingPolicy()

	atThreshold := policy.Quote(5000, domain.FulfilmentShipping)
	require.NotNil(t, atThreshold)
	assert.Equal(t, int64(0), *atThreshold)

	justBelow := policy.Quote(4999, domain.FulfilmentShipping)
	require.NotNil(t, justBelow)
	assert.Equal(t, int64(700), *justBelow)
}

func TestShippingPolicyPickupHasNoFee(t *testing.T) {
	policy := DefaultShippingPolicy()
	assert.Nil(t, policy.Quote(100, domain.FulfilmentPickup))
	assert.Equal(t, int64(100), policy.Total(100, domain.FulfilmentPickup))
}

func TestShippingPolicyScenarioTotal(t *testing.T) {
	policy := DefaultShippingPolicy()
	assert.Equal(t, int64(5200), policy.Total(4500, domain.FulfilmentShipping))
}

func TestShippingPolicyWithoutThreshold(t *testing.T) {
	policy := ShippingPolicy{FlatFee: 300}
	fee := policy.Quote(1_000_000, domain.FulfilmentShipping)
	require.NotNil(t, fee)
	assert.Equal(t, int64(300), *fee)
}
