package pricing

import (
	"fmt"
	"sort"
	"time"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

// UnresolvedError means no layer, not even base, produced a price.
type UnresolvedError struct {
	VariantID string
	Reason    string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("price unresolved for variant %s: %s", e.VariantID, e.Reason)
}

type NoteKind string

const (
	NoteMAPClamped    NoteKind = "map_clamped"
	NoteMAPBelowFloor NoteKind = "map_below_floor"
	NoteNoBase        NoteKind = "relative_without_base"
)

type Note struct {
	Kind    NoteKind `json:"kind"`
	RuleID  string   `json:"rule_id,omitempty"`
	Message string   `json:"message"`
}

// Candidate is one applicable rule and the price it would produce.
type Candidate struct {
	RuleID      string          `json:"rule_id"`
	Layer       Layer           `json:"layer"`
	Priority    int             `json:"priority"`
	Specificity int             `json:"specificity"`
	CreatedAt   time.Time       `json:"created_at"`
	Price       decimal.Decimal `json:"price"`
}

// Resolution is the engine's answer for one line. Candidates are in
// precedence order, so Candidates[0] is the winner. Floor is the strict MAP
// floor in minor units, zero when none applies.
type Resolution struct {
	UnitPrice     money.Money     `json:"unit_price"`
	BasePrice     money.Money     `json:"base_price"`
	WinningLayer  Layer           `json:"winning_layer"`
	WinningRuleID string          `json:"winning_rule_id"`
	Candidates    []Candidate     `json:"candidates"`
	Notes         []Note          `json:"notes,omitempty"`
	Floor         money.Money     `json:"floor"`
	Currency      string          `json:"currency"`
	ExchangeRate  decimal.Decimal `json:"exchange_rate"`
}

// Engine resolves unit prices. It holds no state; the same inputs always
// produce the same Resolution.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

func (e *Engine) ResolvePrice(lc LineContext, rules []Rule, maps []MAPRule) (*Resolution, error) {
	applicable := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if applies(r, lc) {
			applicable = append(applicable, r)
		}
	}

	var notes []Note
	base, hasBase, err := resolveBase(applicable, lc)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(applicable))
	for _, r := range applicable {
		if relative(r.Value) && !hasBase {
			notes = append(notes, Note{Kind: NoteNoBase, RuleID: r.ID, Message: "relative rule skipped, no base price"})
			continue
		}
		if r.Layer == LayerBase && relative(r.Value) {
			continue
		}
		price, err := evaluate(r.Value, r.Currency, base, lc)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if price.IsNegative() {
			price = decimal.Zero
		}
		candidates = append(candidates, Candidate{
			RuleID:      r.ID,
			Layer:       r.Layer,
			Priority:    r.Priority,
			Specificity: r.Scope.specificity(),
			CreatedAt:   r.CreatedAt,
			Price:       price,
		})
	}
	if len(candidates) == 0 {
		return nil, &UnresolvedError{VariantID: lc.VariantID, Reason: "no applicable pricing layer"}
	}
	sortCandidates(candidates)

	winner := candidates[0]
	price := winner.Price

	floor, hasStrict, mapNotes := mapFloor(price, maps, lc)
	notes = append(notes, mapNotes...)
	if hasStrict && price.LessThan(floor) {
		price = floor
	}

	unit := lc.Currency.Round(price)
	var floorMinor money.Money
	if hasStrict {
		floorMinor = money.Money(floor.Ceil().IntPart())
		// rounding down must not undercut a strict floor, and the clamp
		// stays on the currency's increment
		unit = money.Max(unit, lc.Currency.Ceil(floor))
	}

	res := &Resolution{
		UnitPrice:     unit,
		WinningLayer:  winner.Layer,
		WinningRuleID: winner.RuleID,
		Candidates:    candidates,
		Notes:         notes,
		Floor:         floorMinor,
		Currency:      lc.Currency.Code,
		ExchangeRate:  lc.rate(),
	}
	if hasBase {
		res.BasePrice = lc.Currency.Round(base)
	}
	return res, nil
}

func applies(r Rule, lc LineContext) bool {
	if r.Value == nil || !r.Scope.covers(lc) {
		return false
	}
	contractGated := false
	for _, c := range r.Conditions {
		if c.Kind() == KindContract {
			contractGated = true
		}
		if !Matches(c, lc) {
			return false
		}
	}
	if r.Layer == LayerContract && !contractGated {
		return hasContract(lc, "")
	}
	return true
}

// resolveBase picks the base-layer winner, the anchor for relative rules.
func resolveBase(applicable []Rule, lc LineContext) (decimal.Decimal, bool, error) {
	var bases []Candidate
	for _, r := range applicable {
		if r.Layer != LayerBase || relative(r.Value) {
			continue
		}
		p, err := evaluate(r.Value, r.Currency, decimal.Zero, lc)
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		bases = append(bases, Candidate{
			RuleID: r.ID, Layer: r.Layer, Priority: r.Priority,
			Specificity: r.Scope.specificity(), CreatedAt: r.CreatedAt, Price: p,
		})
	}
	if len(bases) == 0 {
		return decimal.Zero, false, nil
	}
	sortCandidates(bases)
	return bases[0].Price, true, nil
}

// sortCandidates orders by layer rank, priority, scope specificity, then
// newest rule. Rule id is the last resort so the order is total.
func sortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Layer.Rank() != b.Layer.Rank() {
			return a.Layer.Rank() > b.Layer.Rank()
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Specificity != b.Specificity {
			return a.Specificity > b.Specificity
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.RuleID < b.RuleID
	})
}

// mapFloor returns the highest strict floor for the line and notes for every
// floor the price falls below.
func mapFloor(price decimal.Decimal, maps []MAPRule, lc LineContext) (decimal.Decimal, bool, []Note) {
	var (
		floor     decimal.Decimal
		hasStrict bool
		notes     []Note
	)
	for _, m := range maps {
		if m.VariantID != lc.VariantID || !m.activeAt(lc.At) {
			continue
		}
		f := lc.convert(m.Floor, m.Currency)
		below := price.LessThan(f)
		switch m.Enforcement {
		case EnforcementStrict:
			if !hasStrict || f.GreaterThan(floor) {
				floor = f
			}
			hasStrict = true
			if below {
				notes = append(notes, Note{Kind: NoteMAPClamped, RuleID: m.ID, Message: fmt.Sprintf("clamped to MAP floor %s", f.StringFixed(0))})
			}
		case EnforcementWarning:
			if below {
				notes = append(notes, Note{Kind: NoteMAPBelowFloor, RuleID: m.ID, Message: fmt.Sprintf("below advertised floor %s", f.StringFixed(0))})
			}
		}
	}
	return floor, hasStrict, notes
}
