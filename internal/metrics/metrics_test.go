package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCheckout_Counts(t *testing.T) {
	m := NewCheckout(prometheus.NewRegistry())

	m.Transition("pending", "validating")
	m.Transition("pending", "validating")
	m.Failure("out_of_stock")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("pending", "validating")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Failures.WithLabelValues("out_of_stock")))
}

func TestCheckout_NilIsNoop(t *testing.T) {
	var m *Checkout
	assert.NotPanics(t, func() {
		m.Transition("a", "b")
		m.Step("reserving", 12)
		m.Failure("x")
		m.Reservation("reserved")
		m.Retry("authorize")
	})
}
