package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

var (
	ErrAttemptNotFound   = errors.New("checkout attempt not found")
	ErrInvalidTransition = errors.New("invalid checkout state transition")
	ErrTerminal          = errors.New("checkout attempt is terminal")
	ErrVersionConflict   = errors.New("checkout attempt was modified concurrently")
)

// ConflictError is returned by start when the cart and session already have
// an active attempt.
type ConflictError struct {
	CartID     string
	SessionID  string
	ExistingID string
}

func (e *ConflictError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("active checkout already exists for cart %s session %s", e.CartID, e.SessionID)
	}
	return fmt.Sprintf("active checkout %s already exists for cart %s session %s", e.ExistingID, e.CartID, e.SessionID)
}

type FailureCode string

const (
	FailureEmptyCart          FailureCode = "empty_cart"
	FailureInvalidCart        FailureCode = "invalid_cart"
	FailureOutOfStock         FailureCode = "out_of_stock"
	FailurePricingUnresolved  FailureCode = "pricing_unresolved"
	FailurePaymentDeclined    FailureCode = "payment_declined"
	FailureGatewayUnavailable FailureCode = "gateway_unavailable"
	FailureStaleReservation   FailureCode = "stale_reservation"
	FailureCancelled          FailureCode = "cancelled"
	FailureExpired            FailureCode = "expired"
	FailureInternal           FailureCode = "internal"
)

// FailureReason is the machine-readable outcome of a failed attempt.
type FailureReason struct {
	Code    FailureCode     `json:"code"`
	Message string          `json:"message"`
	State   State           `json:"state"`
	Details json.RawMessage `json:"details,omitempty"`
}

// CustomerContext is frozen onto the attempt when it starts.
type CustomerContext struct {
	UserID          string          `json:"user_id,omitempty"`
	CustomerGroup   string          `json:"customer_group,omitempty"`
	Channel         string          `json:"channel,omitempty"`
	AccountID       string          `json:"account_id,omitempty"`
	Currency        string          `json:"currency"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	PaymentMethodID string          `json:"payment_method_id,omitempty"`
}

// Line is a cart line frozen at validation.
type Line struct {
	ID          string `json:"id"`
	VariantID   string `json:"variant_id"`
	CategoryID  string `json:"category_id,omitempty"`
	WarehouseID string `json:"warehouse_id"`
	Quantity    int    `json:"quantity"`
}

// Metadata holds the durable results of completed steps. Each step reads
// what its predecessors wrote and never re-derives it.
type Metadata struct {
	Customer        CustomerContext `json:"customer"`
	Lines           []Line          `json:"lines,omitempty"`
	LockToken       string          `json:"lock_token,omitempty"`
	PricingVersion  int             `json:"pricing_version,omitempty"`
	Amount          money.Money     `json:"amount,omitempty"`
	AuthorizationID string          `json:"authorization_id,omitempty"`
	OrderID         string          `json:"order_id,omitempty"`
	CaptureID       string          `json:"capture_id,omitempty"`
	// CompensationPending marks a failed attempt whose undo did not finish.
	// The sweeper retries it until every hold and charge is gone.
	CompensationPending bool `json:"compensation_pending,omitempty"`
}

// Attempt is one try at turning a cart into a paid order.
type Attempt struct {
	ID            string         `json:"id"`
	CartID        string         `json:"cart_id"`
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id,omitempty"`
	State         State          `json:"state"`
	Phase         string         `json:"phase"`
	FailureReason *FailureReason `json:"failure_reason,omitempty"`
	LockedAt      time.Time      `json:"locked_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
	Metadata      Metadata       `json:"metadata"`
	Version       int            `json:"version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (a *Attempt) IsActive() bool { return !a.State.IsTerminal() }

// Expired reports whether the attempt outlived its window while active.
func (a *Attempt) Expired(now time.Time) bool {
	return a.IsActive() && now.After(a.ExpiresAt)
}

// Transition moves the attempt along the state table.
func (a *Attempt) Transition(to State, now time.Time) error {
	if a.State.IsTerminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, a.State)
	}
	if !a.State.CanTransitionTo(to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, a.State, to)
	}
	a.State = to
	a.Phase = to.Phase()
	a.UpdatedAt = now
	if to == StateCompleted {
		t := now
		a.CompletedAt = &t
	}
	return nil
}

// Fail moves a non-terminal attempt to failed with a reason.
func (a *Attempt) Fail(reason FailureReason, now time.Time) error {
	if reason.State == "" {
		reason.State = a.State
	}
	if err := a.Transition(StateFailed, now); err != nil {
		return err
	}
	a.FailureReason = &reason
	t := now
	a.FailedAt = &t
	return nil
}

// Store persists checkout attempts.
type Store interface {
	// Create inserts a new attempt. It returns *ConflictError when the cart
	// and session already have an active attempt.
	Create(ctx context.Context, a *Attempt) error
	Get(ctx context.Context, id string) (*Attempt, error)
	// Update writes a only if the stored version equals a.Version, then
	// increments a.Version. A mismatch returns ErrVersionConflict.
	Update(ctx context.Context, a *Attempt) error
	// ListExpired returns active attempts whose expires_at is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Attempt, error)
	// ListPendingCompensation returns failed attempts still flagged with
	// CompensationPending, oldest failure first.
	ListPendingCompensation(ctx context.Context, limit int) ([]*Attempt, error)
	// ResolveCompensation clears CompensationPending on a failed attempt.
	// It is the only write a terminal attempt accepts.
	ResolveCompensation(ctx context.Context, id string) error
}
