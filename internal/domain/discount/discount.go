package discount

import (
	"fmt"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

type Mode string

const (
	ModeExclusive Mode = "exclusive"
	ModeStackable Mode = "stackable"
	ModeBestOf    Mode = "best_of"
)

// ParseMode accepts both the discount and the referral vocabularies;
// "non_stackable" is the referral name for exclusive.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "exclusive", "non_stackable":
		return ModeExclusive, nil
	case "stackable", "":
		return ModeStackable, nil
	case "best_of":
		return ModeBestOf, nil
	default:
		return "", fmt.Errorf("unknown stacking mode %q", s)
	}
}

type Strategy string

const (
	// StrategyCompound computes percentages on the running price.
	StrategyCompound Strategy = "compound"
	// StrategyIndependent computes percentages on the original base.
	StrategyIndependent Strategy = "independent"
)

type Scope string

const (
	ScopeItem     Scope = "item"
	ScopeCart     Scope = "cart"
	ScopeShipping Scope = "shipping"
	ScopePayment  Scope = "payment"
)

type Kind string

const (
	KindPercentage  Kind = "percentage"
	KindFixedAmount Kind = "fixed_amount"
)

// Discount is one eligible discount, promotion or referral reward.
type Discount struct {
	ID             string          `json:"id" db:"id"`
	ProgramID      string          `json:"program_id,omitempty" db:"program_id"`
	Source         string          `json:"source" db:"source"`
	Kind           Kind            `json:"kind" db:"kind"`
	Percent        decimal.Decimal `json:"percent" db:"percent"`
	Amount         money.Money     `json:"amount" db:"amount"`
	Mode           Mode            `json:"stacking_mode" db:"stacking_mode"`
	Strategy       Strategy        `json:"stacking_strategy" db:"stacking_strategy"`
	Priority       int             `json:"priority" db:"priority"`
	Scope          Scope           `json:"scope" db:"scope"`
	ApplyBeforeTax bool            `json:"apply_before_tax" db:"apply_before_tax"`

	// Variant and category restrict an item-scope discount; empty means any.
	VariantID  string `json:"variant_id,omitempty" db:"variant_id"`
	CategoryID string `json:"category_id,omitempty" db:"category_id"`
}

// AppliesTo reports whether an item-scope restriction admits the line.
func (d Discount) AppliesTo(variantID, categoryID string) bool {
	if d.VariantID != "" && d.VariantID != variantID {
		return false
	}
	if d.CategoryID != "" && d.CategoryID != categoryID {
		return false
	}
	return true
}

// Caps bound the cumulative discount of a program. Zero values are unset.
type Caps struct {
	MaxDiscountCap          money.Money     `json:"max_discount_cap" db:"max_discount_cap"`
	MaxTotalDiscountPercent decimal.Decimal `json:"max_total_discount_percent" db:"max_total_discount_percent"`
	MaxTotalDiscountAmount  money.Money     `json:"max_total_discount_amount" db:"max_total_discount_amount"`
}

type Program struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
	Caps
}

// Merge keeps the tighter bound of each cap.
func (c Caps) Merge(o Caps) Caps {
	out := c
	if o.MaxDiscountCap > 0 && (out.MaxDiscountCap == 0 || o.MaxDiscountCap < out.MaxDiscountCap) {
		out.MaxDiscountCap = o.MaxDiscountCap
	}
	if o.MaxTotalDiscountAmount > 0 && (out.MaxTotalDiscountAmount == 0 || o.MaxTotalDiscountAmount < out.MaxTotalDiscountAmount) {
		out.MaxTotalDiscountAmount = o.MaxTotalDiscountAmount
	}
	if o.MaxTotalDiscountPercent.IsPositive() && (!out.MaxTotalDiscountPercent.IsPositive() || o.MaxTotalDiscountPercent.LessThan(out.MaxTotalDiscountPercent)) {
		out.MaxTotalDiscountPercent = o.MaxTotalDiscountPercent
	}
	return out
}

// Budget is the tighter of the absolute caps. It bounds the discount of a
// whole cart, so callers share it across lines.
func (c Caps) Budget() (money.Money, bool) {
	switch {
	case c.MaxDiscountCap > 0 && c.MaxTotalDiscountAmount > 0:
		return money.Min(c.MaxDiscountCap, c.MaxTotalDiscountAmount), true
	case c.MaxDiscountCap > 0:
		return c.MaxDiscountCap, true
	case c.MaxTotalDiscountAmount > 0:
		return c.MaxTotalDiscountAmount, true
	}
	return 0, false
}

// PerLine keeps only the caps that scale with each line's base.
func (c Caps) PerLine() Caps {
	return Caps{MaxTotalDiscountPercent: c.MaxTotalDiscountPercent}
}

type Status string

const (
	StatusApplied    Status = "applied"
	StatusSuppressed Status = "suppressed"
	StatusCapped     Status = "capped"
)

// CappedID is the discount id recorded on truncation entries.
const CappedID = "capped"

// Application records one stacking decision. Amounts of suppressed entries
// are zero and capped entries are negative, so the amounts of a line always
// sum to its discount total.
type Application struct {
	DiscountID         string      `json:"discount_id"`
	Status             Status      `json:"status"`
	StackingMode       Mode        `json:"stacking_mode,omitempty"`
	StackingStrategy   Strategy    `json:"stacking_strategy,omitempty"`
	Priority           int         `json:"priority"`
	Scope              Scope       `json:"scope,omitempty"`
	PriceBefore        money.Money `json:"price_before"`
	Amount             money.Money `json:"amount"`
	PriceAfter         money.Money `json:"price_after"`
	ConflictResolution string      `json:"conflict_resolution,omitempty"`
	AppliedWith        []string    `json:"applied_with"`
}
