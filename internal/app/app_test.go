package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ec-checkout/internal/config"
	"github.com/example/ec-checkout/internal/domain/money"
)

func TestCurrencies(t *testing.T) {
	got, err := Currencies(map[string]string{"CHF": "nearest:5", "JPY": "down"})
	require.NoError(t, err)

	assert.Equal(t, money.RoundNearest, got["CHF"].Rounding)
	assert.Equal(t, int64(5), got["CHF"].Increment)
	assert.Equal(t, money.RoundDown, got["JPY"].Rounding)
}

func TestCurrencies_InvalidSetting(t *testing.T) {
	_, err := Currencies(map[string]string{"CHF": "sideways:5"})
	assert.ErrorIs(t, err, money.ErrUnknownRoundingMode)
}

func TestOrderEventStore_UnknownBackend(t *testing.T) {
	cfg := &config.Config{OrderStore: "cassandra"}

	_, err := orderEventStore(context.Background(), cfg, nil, nil)
	assert.ErrorContains(t, err, "unknown order store")
}

func TestClose_RunsInReverse(t *testing.T) {
	var order []int
	a := &App{closers: []func() error{
		func() error { order = append(order, 1); return nil },
		func() error { order = append(order, 2); return nil },
	}}

	require.NoError(t, a.Close())
	assert.Equal(t, []int{2, 1}, order)
}
