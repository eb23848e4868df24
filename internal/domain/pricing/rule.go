package pricing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

// Layer is a ranked source of truth for a price.
type Layer string

const (
	LayerManualOverride Layer = "manual_override"
	LayerContract       Layer = "contract"
	LayerCustomerGroup  Layer = "customer_group"
	LayerChannel        Layer = "channel"
	LayerPromotional    Layer = "promotional"
	LayerTiered         Layer = "tiered"
	LayerBase           Layer = "base"
)

var layerRank = map[Layer]int{
	LayerManualOverride: 7,
	LayerContract:       6,
	LayerCustomerGroup:  5,
	LayerChannel:        4,
	LayerPromotional:    3,
	LayerTiered:         2,
	LayerBase:           1,
}

func ParseLayer(s string) (Layer, error) {
	l := Layer(s)
	if _, ok := layerRank[l]; !ok {
		return "", fmt.Errorf("unknown pricing layer %q", s)
	}
	return l, nil
}

// Rank orders layers; higher outranks lower.
func (l Layer) Rank() int { return layerRank[l] }

type ScopeKind string

const (
	ScopeVariant  ScopeKind = "variant"
	ScopeCategory ScopeKind = "category"
	ScopeCustomer ScopeKind = "customer"
	ScopeChannel  ScopeKind = "channel"
	ScopeGlobal   ScopeKind = "global"
)

type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id,omitempty"`
}

// specificity ranks variant over category over everything else.
func (s Scope) specificity() int {
	switch s.Kind {
	case ScopeVariant:
		return 3
	case ScopeCategory:
		return 2
	default:
		return 1
	}
}

func (s Scope) covers(lc LineContext) bool {
	switch s.Kind {
	case ScopeVariant:
		return s.ID == lc.VariantID
	case ScopeCategory:
		return s.ID != "" && s.ID == lc.CategoryID
	case ScopeCustomer:
		return s.ID != "" && (s.ID == lc.UserID || s.ID == lc.AccountID)
	case ScopeChannel:
		return s.ID == lc.Channel
	case ScopeGlobal:
		return true
	default:
		return false
	}
}

// Rule is one pricing-layer entry. Rules are immutable once a snapshot
// references them.
type Rule struct {
	ID         string     `json:"id"`
	Layer      Layer      `json:"pricing_layer"`
	Scope      Scope      `json:"scope"`
	Conditions Conditions `json:"conditions"`
	Value      Value      `json:"-"`
	Priority   int        `json:"priority"`
	// Currency of fixed amounts; empty means the catalog base currency.
	Currency  string    `json:"currency,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ruleJSON struct {
	ID         string          `json:"id"`
	Layer      Layer           `json:"pricing_layer"`
	Scope      Scope           `json:"scope"`
	Conditions Conditions      `json:"conditions"`
	Value      json.RawMessage `json:"value"`
	Priority   int             `json:"priority"`
	Currency   string          `json:"currency,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	v, err := MarshalValue(r.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ruleJSON{
		ID: r.ID, Layer: r.Layer, Scope: r.Scope, Conditions: r.Conditions,
		Value: v, Priority: r.Priority, Currency: r.Currency, CreatedAt: r.CreatedAt,
	})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw ruleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := UnmarshalValue(raw.Value)
	if err != nil {
		return fmt.Errorf("rule %s: %w", raw.ID, err)
	}
	*r = Rule{
		ID: raw.ID, Layer: raw.Layer, Scope: raw.Scope, Conditions: raw.Conditions,
		Value: v, Priority: raw.Priority, Currency: raw.Currency, CreatedAt: raw.CreatedAt,
	}
	return nil
}

// Enforcement of a MAP floor.
type Enforcement string

const (
	EnforcementStrict  Enforcement = "strict"
	EnforcementWarning Enforcement = "warning"
)

// MAPRule is a minimum advertised price for a variant.
type MAPRule struct {
	ID          string      `json:"id" db:"id"`
	VariantID   string      `json:"variant_id" db:"variant_id"`
	Floor       money.Money `json:"floor" db:"floor"`
	Currency    string      `json:"currency,omitempty" db:"currency"`
	Enforcement Enforcement `json:"enforcement_level" db:"enforcement_level"`
	From        *time.Time  `json:"from,omitempty" db:"valid_from"`
	Until       *time.Time  `json:"until,omitempty" db:"valid_until"`
}

func (m MAPRule) activeAt(t time.Time) bool {
	return inWindow(t, m.From, m.Until)
}

// Contract is a B2B agreement between the seller and a customer account.
type Contract struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Active      bool       `json:"active"`
	Approved    bool       `json:"approved"`
	VariantIDs  []string   `json:"variant_ids,omitempty"`
	CategoryIDs []string   `json:"category_ids,omitempty"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
}

// Covers reports whether the contract is in force for the line.
func (c Contract) Covers(lc LineContext) bool {
	if !c.Active || !c.Approved || c.AccountID != lc.AccountID {
		return false
	}
	if !inWindow(lc.At, c.StartsAt, c.EndsAt) {
		return false
	}
	if len(c.VariantIDs) == 0 && len(c.CategoryIDs) == 0 {
		return true
	}
	return contains(c.VariantIDs, lc.VariantID) || (lc.CategoryID != "" && contains(c.CategoryIDs, lc.CategoryID))
}

// LineContext is everything the engine needs to price one cart line.
type LineContext struct {
	VariantID     string
	CategoryID    string
	Quantity      int
	UserID        string
	AccountID     string
	CustomerGroup string
	Channel       string
	Contracts     []Contract
	Currency      money.Currency
	// BaseCurrency is the catalog currency; amounts in it are multiplied by
	// ExchangeRate. A zero rate is treated as 1.
	BaseCurrency string
	ExchangeRate decimal.Decimal
	At           time.Time
}

func (lc LineContext) rate() decimal.Decimal {
	if lc.ExchangeRate.IsZero() {
		return decimal.NewFromInt(1)
	}
	return lc.ExchangeRate
}

// convert expresses an amount quoted in currency code in the line currency.
func (lc LineContext) convert(amount money.Money, code string) decimal.Decimal {
	d := amount.Decimal()
	if code == "" {
		code = lc.BaseCurrency
	}
	if code == lc.Currency.Code {
		return d
	}
	return d.Mul(lc.rate())
}

func inWindow(t time.Time, from, until *time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if until != nil && !t.Before(*until) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
