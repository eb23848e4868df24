package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ec-checkout/internal/auth"
	"github.com/example/ec-checkout/internal/cart"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/pricing"
	"github.com/example/ec-checkout/internal/domain/reservation"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/infrastructure/store/mocks"
	"github.com/example/ec-checkout/internal/metrics"
	"github.com/example/ec-checkout/internal/orchestrator"
	"github.com/example/ec-checkout/internal/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	handler http.Handler
	jwt     *auth.JWTService
	carts   *cart.MemoryReader
	gateway *payment.MemoryGateway
}

func newTestServer() *testServer {
	catalog := store.NewMemoryCatalog()
	catalog.AddRule(pricing.Rule{
		ID:        "base-v1",
		Layer:     pricing.LayerBase,
		Scope:     pricing.Scope{Kind: pricing.ScopeVariant, ID: "v1"},
		Value:     pricing.FixedPrice{Amount: 1500},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	stock := mocks.NewMockReservationStore()
	stock.SetStock("v1", "w1", 5)
	carts := cart.NewMemoryReader()
	carts.Put("cart-1", []cart.Line{{ID: "l1", VariantID: "v1", WarehouseID: "w1", Quantity: 1}})
	gateway := payment.NewMemoryGateway()

	orch := orchestrator.New(orchestrator.Deps{
		Attempts:     store.NewMemoryAttemptStore(),
		Snapshots:    store.NewMemorySnapshotStore(),
		Reservations: reservation.NewManager(stock, nil),
		Rules:        catalog,
		Discounts:    catalog,
		Carts:        carts,
		Payments:     gateway,
		Orders:       order.NewService(store.NewMemoryEventStore(nil), nil),
	}, orchestrator.Config{BaseCurrency: "USD"}, nil)

	jwt := auth.NewJWTService("api-test-secret", time.Hour)
	m := metrics.NewServer(prometheus.NewRegistry())
	return &testServer{
		handler: NewRouter(NewHandlers(orch, 10, nil), jwt, nil, m),
		jwt:     jwt,
		carts:   carts,
		gateway: gateway,
	}
}

func (s *testServer) do(t *testing.T, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, _, err := s.jwt.GenerateAccessToken(auth.Identity{UserID: userID, Role: role, CustomerGroup: "retail"})
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) orchestrator.View {
	t.Helper()
	var v orchestrator.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.NotNil(t, v.Attempt)
	return v
}

var startBody = map[string]string{"cart_id": "cart-1", "session_id": "sess-1", "currency": "USD"}

// ============================================
// Checkout Endpoint Tests
// ============================================

func TestStartCheckout_RunsToCompletion(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", startBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	v := decodeView(t, rec)
	assert.Equal(t, checkout.StateCompleted, v.Attempt.State)
	assert.Equal(t, "u1", v.Attempt.UserID)
	assert.Equal(t, "retail", v.Attempt.Metadata.Customer.CustomerGroup)
	require.Len(t, v.Snapshots, 1)
	assert.EqualValues(t, 1500, v.Snapshots[0].Total)
}

func TestStartCheckout_ReportsFailureReason(t *testing.T) {
	s := newTestServer()
	s.gateway.AuthorizeHook = func(payment.AuthorizeRequest) error {
		return &payment.DeclinedError{Code: "card_declined"}
	}

	rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)

	v := decodeView(t, rec)
	assert.Equal(t, checkout.StateFailed, v.Attempt.State)
	require.NotNil(t, v.Attempt.FailureReason)
	assert.Equal(t, checkout.FailurePaymentDeclined, v.Attempt.FailureReason.Code)
}

type stubCheckouts struct {
	orchestrator.Orchestrator
	err error
}

func (s *stubCheckouts) Start(context.Context, orchestrator.StartRequest) (*checkout.Attempt, error) {
	return nil, s.err
}

func TestStartCheckout_MapsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"conflict", &checkout.ConflictError{CartID: "cart-1", SessionID: "sess-1", ExistingID: "a-1"}, http.StatusConflict},
		{"step in progress", orchestrator.ErrStepInProgress, http.StatusConflict},
		{"expired", orchestrator.ErrAttemptExpired, http.StatusGone},
		{"not found", checkout.ErrAttemptNotFound, http.StatusNotFound},
		{"internal", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer()
			s.handler = NewRouter(NewHandlers(&stubCheckouts{err: tt.err}, 10, nil), s.jwt, nil, nil)

			rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", startBody)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStartCheckout_ConflictNamesExistingAttempt(t *testing.T) {
	s := newTestServer()
	conflict := &checkout.ConflictError{CartID: "cart-1", SessionID: "sess-1", ExistingID: "a-1"}
	s.handler = NewRouter(NewHandlers(&stubCheckouts{err: conflict}, 10, nil), s.jwt, nil, nil)

	rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", startBody)
	require.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "a-1", body["existing_attempt_id"])
}

func TestStartCheckout_RejectsBadInput(t *testing.T) {
	s := newTestServer()

	rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", map[string]string{"cart_id": "cart-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/checkouts", bytes.NewBufferString("{"))
	token, _, err := s.jwt.GenerateAccessToken(auth.Identity{UserID: "u1"})
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	bad := httptest.NewRecorder()
	s.handler.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestCheckoutRoutes_RequireToken(t *testing.T) {
	s := newTestServer()

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/checkouts", "", "", startBody).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/checkouts/any", "", "", nil).Code)
}

func TestGetCheckout_HidesOtherCustomersAttempts(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeView(t, rec).Attempt.ID

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/checkouts/"+id, "u1", "customer", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/checkouts/"+id, "u2", "customer", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/checkouts/"+id, "ops-1", "ops", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/checkouts/missing", "u1", "customer", nil).Code)
}

func TestCancelCheckout_TerminalAttemptConflicts(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeView(t, rec).Attempt.ID

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/checkouts/"+id+"/cancel", "u1", "customer", nil).Code)
}

func TestAdvanceCheckout_TerminalAttemptIsUnchanged(t *testing.T) {
	s := newTestServer()
	rec := s.do(t, http.MethodPost, "/checkouts", "u1", "customer", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeView(t, rec).Attempt.ID

	adv := s.do(t, http.MethodPost, "/checkouts/"+id+"/advance", "u1", "customer", nil)
	require.Equal(t, http.StatusOK, adv.Code)
	assert.Equal(t, checkout.StateCompleted, decodeView(t, adv).Attempt.State)
}

// ============================================
// Admin And Health Tests
// ============================================

func TestSweep_RequiresOperator(t *testing.T) {
	s := newTestServer()

	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/admin/sweep", "u1", "customer", nil).Code)

	rec := s.do(t, http.MethodPost, "/admin/sweep", "ops-1", "ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"expired":0}`, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	s := newTestServer()
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil).WithContext(context.Background()))
	assert.Equal(t, http.StatusOK, rec.Code)
}
