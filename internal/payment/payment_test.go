package payment

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIntents struct {
	newFn     func(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	status    stripe.PaymentIntentStatus
	cancelled []string
	lastNew   *stripe.PaymentIntentParams
}

func (f *fakeIntents) New(p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.lastNew = p
	if f.newFn != nil {
		return f.newFn(p)
	}
	return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresCapture, Amount: *p.Amount}, nil
}

func (f *fakeIntents) Get(id string, p *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: id, Status: f.status, AmountReceived: 500}, nil
}

func (f *fakeIntents) Capture(id string, p *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error) {
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded, AmountReceived: 500,
		LatestCharge: &stripe.Charge{ID: "ch_1"}}, nil
}

func (f *fakeIntents) Cancel(id string, p *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error) {
	f.cancelled = append(f.cancelled, id)
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusCanceled}, nil
}

type fakeRefunds struct{ refunded []string }

func (f *fakeRefunds) New(p *stripe.RefundParams) (*stripe.Refund, error) {
	f.refunded = append(f.refunded, *p.PaymentIntent)
	return &stripe.Refund{ID: "re_1"}, nil
}

// ============================================
// Stripe Gateway Tests
// ============================================

func TestStripe_AuthorizeUsesManualCaptureAndIdempotencyKey(t *testing.T) {
	intents := &fakeIntents{}
	g := newStripeGateway(intents, &fakeRefunds{}, nil)

	auth, err := g.Authorize(context.Background(), AuthorizeRequest{Amount: 1299, Currency: "USD", IdempotencyKey: "attempt-1", PaymentMethodID: "pm_card"})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", auth.ID)
	assert.EqualValues(t, 1299, auth.Amount)

	assert.Equal(t, "manual", *intents.lastNew.CaptureMethod)
	assert.Equal(t, "usd", *intents.lastNew.Currency)
	assert.Equal(t, "attempt-1", *intents.lastNew.IdempotencyKey)
	assert.True(t, *intents.lastNew.Confirm)
}

func TestStripe_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		declined  bool
		transient bool
	}{
		{"card error", &stripe.Error{Type: stripe.ErrorTypeCard, DeclineCode: "insufficient_funds", HTTPStatusCode: 402}, true, false},
		{"server error", &stripe.Error{Type: stripe.ErrorTypeAPI, HTTPStatusCode: 500}, false, true},
		{"rate limited", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: http.StatusTooManyRequests}, false, true},
		{"network", errors.New("dial tcp: i/o timeout"), false, true},
		{"invalid request", &stripe.Error{Type: stripe.ErrorTypeInvalidRequest, HTTPStatusCode: 400}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intents := &fakeIntents{newFn: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) { return nil, tt.err }}
			g := newStripeGateway(intents, &fakeRefunds{}, nil)
			_, err := g.Authorize(context.Background(), AuthorizeRequest{Amount: 1, Currency: "usd", IdempotencyKey: "k"})
			require.Error(t, err)
			assert.Equal(t, tt.declined, IsDeclined(err))
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func TestStripe_RequiresPaymentMethodIsDeclined(t *testing.T) {
	intents := &fakeIntents{newFn: func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
		return &stripe.PaymentIntent{ID: "pi_1", Status: stripe.PaymentIntentStatusRequiresPaymentMethod}, nil
	}}
	_, err := newStripeGateway(intents, &fakeRefunds{}, nil).Authorize(context.Background(), AuthorizeRequest{Amount: 1, Currency: "usd"})
	assert.True(t, IsDeclined(err))
}

func TestStripe_VoidCancelsOrRefunds(t *testing.T) {
	intents := &fakeIntents{status: stripe.PaymentIntentStatusRequiresCapture}
	refunds := &fakeRefunds{}
	g := newStripeGateway(intents, refunds, nil)

	require.NoError(t, g.Void(context.Background(), "pi_hold", "attempt-1"))
	assert.Equal(t, []string{"pi_hold"}, intents.cancelled)

	intents.status = stripe.PaymentIntentStatusSucceeded
	require.NoError(t, g.Void(context.Background(), "pi_paid", "attempt-2"))
	assert.Equal(t, []string{"pi_paid"}, refunds.refunded)

	intents.status = stripe.PaymentIntentStatusCanceled
	require.NoError(t, g.Void(context.Background(), "pi_gone", "attempt-3"))
	assert.Len(t, intents.cancelled, 1)
}

func TestStripe_CaptureReturnsChargeID(t *testing.T) {
	c, err := newStripeGateway(&fakeIntents{}, &fakeRefunds{}, nil).Capture(context.Background(), "pi_1", "attempt-1:capture")
	require.NoError(t, err)
	assert.Equal(t, "ch_1", c.ID)
}

// ============================================
// Breaker Tests
// ============================================

func TestBreaker_OpensOnTransientFailures(t *testing.T) {
	mem := NewMemoryGateway()
	mem.AuthorizeHook = func(AuthorizeRequest) error { return &TransientError{Op: "authorize", Err: errors.New("timeout")} }
	g := NewBreakerGateway(mem, BreakerConfig{FailureThreshold: 2, Timeout: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := g.Authorize(ctx, AuthorizeRequest{IdempotencyKey: "k"})
		assert.True(t, IsTransient(err))
	}
	before := mem.Calls("authorize")

	_, err := g.Authorize(ctx, AuthorizeRequest{IdempotencyKey: "k"})
	assert.True(t, IsTransient(err), "open breaker surfaces as transient")
	assert.Equal(t, before, mem.Calls("authorize"), "open breaker must not reach the gateway")
}

func TestBreaker_DeclinesDoNotTrip(t *testing.T) {
	mem := NewMemoryGateway()
	mem.AuthorizeHook = func(AuthorizeRequest) error { return &DeclinedError{Code: "card_declined"} }
	g := NewBreakerGateway(mem, BreakerConfig{FailureThreshold: 1, Timeout: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		_, err := g.Authorize(context.Background(), AuthorizeRequest{IdempotencyKey: "k"})
		assert.True(t, IsDeclined(err))
	}
	assert.Equal(t, 3, mem.Calls("authorize"))
}

// ============================================
// Memory Gateway Tests
// ============================================

func TestMemoryGateway_IdempotentAuthorize(t *testing.T) {
	g := NewMemoryGateway()
	ctx := context.Background()
	a1, err := g.Authorize(ctx, AuthorizeRequest{Amount: 100, IdempotencyKey: "attempt-1"})
	require.NoError(t, err)
	a2, err := g.Authorize(ctx, AuthorizeRequest{Amount: 100, IdempotencyKey: "attempt-1"})
	require.NoError(t, err)

	assert.Equal(t, a1.ID, a2.ID)
	assert.Equal(t, 1, g.Authorizations())
}
