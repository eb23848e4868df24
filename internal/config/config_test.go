package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadEnv_Defaults(t *testing.T) {
	cfg := LoadEnv()

	assert.Equal(t, 10*time.Minute, cfg.Checkout.AttemptTTL)
	assert.Equal(t, 5*time.Minute, cfg.Checkout.ReservationTTL)
	assert.Equal(t, 3, cfg.Checkout.MaxStepRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Checkout.RetryBaseDelay)
	assert.Equal(t, 100, cfg.Checkout.SweepBatch)
	assert.Equal(t, "postgres", cfg.OrderStore)
}

func TestLoadEnv_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("CHECKOUT_ATTEMPT_TTL", "90s")
	t.Setenv("CHECKOUT_MAX_STEP_RETRIES", "not-a-number")
	t.Setenv("CHECKOUT_CURRENCY_ROUNDING", "CHF=nearest:5, JPY=none:1")
	t.Setenv("ORDER_STORE", "dynamo")

	cfg := LoadEnv()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 90*time.Second, cfg.Checkout.AttemptTTL)
	assert.Equal(t, 3, cfg.Checkout.MaxStepRetries)
	assert.Equal(t, map[string]string{"CHF": "nearest:5", "JPY": "none:1"}, cfg.Checkout.Rounding)
	assert.Equal(t, "dynamo", cfg.OrderStore)
}
