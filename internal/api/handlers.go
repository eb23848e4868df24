package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ec-checkout/internal/api/middleware"
	"github.com/example/ec-checkout/internal/auth"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Checkouts is the orchestrator surface the handlers drive.
type Checkouts interface {
	Start(ctx context.Context, req orchestrator.StartRequest) (*checkout.Attempt, error)
	Advance(ctx context.Context, attemptID string) (*checkout.Attempt, error)
	Run(ctx context.Context, attemptID string) (*checkout.Attempt, error)
	Cancel(ctx context.Context, attemptID string) (*checkout.Attempt, error)
	Get(ctx context.Context, attemptID string) (*orchestrator.View, error)
	SweepExpired(ctx context.Context, limit int) (int, error)
}

type Handlers struct {
	checkouts  Checkouts
	sweepBatch int
	logger     *zap.Logger
}

func NewHandlers(checkouts Checkouts, sweepBatch int, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sweepBatch <= 0 {
		sweepBatch = 100
	}
	return &Handlers{checkouts: checkouts, sweepBatch: sweepBatch, logger: logger.Named("api")}
}

type startRequest struct {
	CartID          string          `json:"cart_id"`
	SessionID       string          `json:"session_id"`
	Currency        string          `json:"currency"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	PaymentMethodID string          `json:"payment_method_id"`
}

// StartCheckout starts an attempt and runs it to a terminal state.
func (h *Handlers) StartCheckout(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	claims, _ := middleware.ClaimsFrom(r.Context())

	a, err := h.checkouts.Start(r.Context(), orchestrator.StartRequest{
		CartID:    req.CartID,
		SessionID: req.SessionID,
		Customer:  customerContext(claims, req),
	})
	if err != nil {
		h.respondErr(w, err)
		return
	}

	if _, err := h.checkouts.Run(r.Context(), a.ID); err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondView(w, r, a.ID, http.StatusCreated)
}

func (h *Handlers) GetCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.authorize(w, r, id) {
		return
	}
	h.respondView(w, r, id, http.StatusOK)
}

// AdvanceCheckout runs a single step.
func (h *Handlers) AdvanceCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.authorize(w, r, id) {
		return
	}
	if _, err := h.checkouts.Advance(r.Context(), id); err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondView(w, r, id, http.StatusOK)
}

func (h *Handlers) CancelCheckout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.authorize(w, r, id) {
		return
	}
	if _, err := h.checkouts.Cancel(r.Context(), id); err != nil {
		h.respondErr(w, err)
		return
	}
	h.respondView(w, r, id, http.StatusOK)
}

// Sweep expires overdue attempts on demand.
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.checkouts.SweepExpired(r.Context(), h.sweepBatch)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// authorize allows the attempt's owner and operators.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, attemptID string) bool {
	view, err := h.checkouts.Get(r.Context(), attemptID)
	if err != nil {
		h.respondErr(w, err)
		return false
	}
	claims, ok := middleware.ClaimsFrom(r.Context())
	if !ok {
		respondError(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	if isOperator(claims) || view.Attempt.UserID == claims.UserID {
		return true
	}
	// do not reveal other customers' attempts
	respondError(w, "checkout attempt not found", http.StatusNotFound)
	return false
}

func (h *Handlers) respondView(w http.ResponseWriter, r *http.Request, id string, status int) {
	view, err := h.checkouts.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, status, view)
}

func (h *Handlers) respondErr(w http.ResponseWriter, err error) {
	var conflict *checkout.ConflictError
	switch {
	case errors.As(err, &conflict):
		respondJSON(w, http.StatusConflict, map[string]string{
			"error":               err.Error(),
			"existing_attempt_id": conflict.ExistingID,
		})
	case errors.Is(err, checkout.ErrAttemptNotFound):
		respondError(w, "checkout attempt not found", http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		respondError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrStepInProgress),
		errors.Is(err, checkout.ErrTerminal),
		errors.Is(err, checkout.ErrVersionConflict):
		respondError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, orchestrator.ErrAttemptExpired):
		respondError(w, err.Error(), http.StatusGone)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		h.logger.Error("checkout request failed", zap.Error(err))
		respondError(w, "internal error", http.StatusInternalServerError)
	}
}

func customerContext(claims *auth.Claims, req startRequest) checkout.CustomerContext {
	cc := checkout.CustomerContext{
		Currency:        req.Currency,
		ExchangeRate:    req.ExchangeRate,
		PaymentMethodID: req.PaymentMethodID,
	}
	if claims != nil {
		cc.UserID = claims.UserID
		cc.CustomerGroup = claims.CustomerGroup
		cc.Channel = claims.Channel
		cc.AccountID = claims.AccountID
	}
	return cc
}

func isOperator(claims *auth.Claims) bool {
	return claims.Role == "admin" || claims.Role == "ops"
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}
