package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/discount"
	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

var ErrSnapshotInvariant = errors.New("price snapshot totals do not balance")

// BreakdownEntry is one discount contribution to a snapshot.
type BreakdownEntry struct {
	DiscountID string      `json:"discount_id"`
	Amount     money.Money `json:"amount"`
	Layer      string      `json:"layer"`
}

// PriceSnapshot is the frozen price of one cart line for one pricing version
// of a checkout attempt. It is never edited; a re-price writes a new version
// and marks the old one superseded.
type PriceSnapshot struct {
	ID                string           `json:"id" db:"id"`
	CheckoutAttemptID string           `json:"checkout_attempt_id" db:"checkout_attempt_id"`
	CartID            string           `json:"cart_id" db:"cart_id"`
	CartLineID        string           `json:"cart_line_id" db:"cart_line_id"`
	VariantID         string           `json:"variant_id" db:"variant_id"`
	PricingVersion    int              `json:"pricing_version" db:"pricing_version"`
	Quantity          int              `json:"quantity" db:"quantity"`
	UnitPrice         money.Money      `json:"unit_price" db:"unit_price"`
	Subtotal          money.Money      `json:"subtotal" db:"subtotal"`
	DiscountTotal     money.Money      `json:"discount_total" db:"discount_total"`
	TaxTotal          money.Money      `json:"tax_total" db:"tax_total"`
	Total             money.Money      `json:"total" db:"total"`
	DiscountBreakdown []BreakdownEntry `json:"discount_breakdown" db:"-"`
	WinningLayer      Layer            `json:"winning_layer" db:"winning_layer"`
	WinningRuleID     string           `json:"winning_rule_id" db:"winning_rule_id"`
	CurrencyCode      string           `json:"currency_code" db:"currency_code"`
	ExchangeRate      decimal.Decimal  `json:"exchange_rate" db:"exchange_rate"`
	SnapshotAt        time.Time        `json:"snapshot_at" db:"snapshot_at"`
	Superseded        bool             `json:"superseded" db:"superseded"`
	SupersededAt      *time.Time       `json:"superseded_at,omitempty" db:"superseded_at"`

	// Applications holds every stacking decision, including suppressed ones.
	Applications []discount.Application `json:"applications,omitempty" db:"-"`
}

// Validate checks the arithmetic invariants of a snapshot.
func (s *PriceSnapshot) Validate() error {
	if s.Total != s.Subtotal-s.DiscountTotal+s.TaxTotal {
		return fmt.Errorf("%w: total %d != %d - %d + %d", ErrSnapshotInvariant, s.Total, s.Subtotal, s.DiscountTotal, s.TaxTotal)
	}
	var sum money.Money
	for _, b := range s.DiscountBreakdown {
		sum += b.Amount
	}
	if sum != s.DiscountTotal {
		return fmt.Errorf("%w: breakdown sums to %d, discount_total %d", ErrSnapshotInvariant, sum, s.DiscountTotal)
	}
	return nil
}

// SnapshotStore persists price snapshots.
type SnapshotStore interface {
	// Save writes snapshots under version and supersedes every older version
	// of the attempt in one transaction. Saving a version that already
	// exists is a no-op.
	Save(ctx context.Context, attemptID string, version int, snaps []PriceSnapshot) error
	// Current returns the newest non-superseded version.
	Current(ctx context.Context, attemptID string) ([]PriceSnapshot, error)
	// History returns every version, oldest first.
	History(ctx context.Context, attemptID string) ([]PriceSnapshot, error)
	// SupersedeAll marks every snapshot of the attempt superseded.
	SupersedeAll(ctx context.Context, attemptID string, at time.Time) error
}

// Totals sums a set of snapshots.
func Totals(snaps []PriceSnapshot) (subtotal, discount, tax, total money.Money) {
	for _, s := range snaps {
		subtotal += s.Subtotal
		discount += s.DiscountTotal
		tax += s.TaxTotal
		total += s.Total
	}
	return
}
