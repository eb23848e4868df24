package discount

import (
	"sort"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

// TaxFunc computes tax on a taxable amount.
type TaxFunc func(taxable money.Money) money.Money

// Options carries everything besides the discounts that shapes a result.
// Floor is the lowest final price allowed, typically MAP times quantity.
// Budget, when set, is what is left of a cart-wide discount cap.
type Options struct {
	Caps     Caps
	Floor    money.Money
	Budget   *money.Money
	Tax      TaxFunc
	Currency money.Currency
}

type Result struct {
	BasePrice     money.Money   `json:"base_price"`
	DiscountTotal money.Money   `json:"discount_total"`
	TaxTotal      money.Money   `json:"tax_total"`
	FinalPrice    money.Money   `json:"final_price"`
	Applications  []Application `json:"applications"`
}

type Resolver struct{}

func NewResolver() *Resolver { return &Resolver{} }

// Apply decides which eligible discounts apply to base and in what order.
// Exclusive discounts beat every other mode, best_of contributes its single
// largest discount to the stackable set, and stackables apply in ascending
// priority with before-tax discounts first.
func (r *Resolver) Apply(base money.Money, eligible []Discount, opts Options) *Result {
	res := &Result{BasePrice: base}

	var priced, unpriced []Discount
	for _, d := range eligible {
		if d.Scope == ScopeShipping || d.Scope == ScopePayment {
			unpriced = append(unpriced, d)
			continue
		}
		priced = append(priced, d)
	}

	selected, suppressed := selectDiscounts(base, priced, opts.Currency)
	sort.SliceStable(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if a.ApplyBeforeTax != b.ApplyBeforeTax {
			return a.ApplyBeforeTax
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})

	appliedIDs := make([]string, 0, len(selected))
	for _, d := range selected {
		appliedIDs = append(appliedIDs, d.ID)
	}

	limit, hasLimit := capLimit(base, opts)
	running := base
	var cumulative money.Money
	taxed := false
	capped := false

	applyTax := func() {
		if taxed {
			return
		}
		taxed = true
		if opts.Tax != nil {
			res.TaxTotal = opts.Tax(running)
			running += res.TaxTotal
		}
	}

	for _, d := range selected {
		if !d.ApplyBeforeTax {
			applyTax()
		}
		if capped {
			res.Applications = append(res.Applications, suppressedEntry(d, running, "max discount cap reached", appliedIDs))
			continue
		}

		amount := discountAmount(d, base, running, opts.Currency)
		entry := Application{
			DiscountID:       d.ID,
			Status:           StatusApplied,
			StackingMode:     d.Mode,
			StackingStrategy: d.Strategy,
			Priority:         d.Priority,
			Scope:            d.Scope,
			PriceBefore:      running,
			Amount:           amount,
			PriceAfter:       running - amount,
			AppliedWith:      without(appliedIDs, d.ID),
		}
		res.Applications = append(res.Applications, entry)
		running -= amount
		cumulative += amount

		if hasLimit && cumulative > limit {
			excess := cumulative - limit
			res.Applications = append(res.Applications, Application{
				DiscountID:         CappedID,
				Status:             StatusCapped,
				PriceBefore:        running,
				Amount:             -excess,
				PriceAfter:         running + excess,
				ConflictResolution: "capped",
				AppliedWith:        appliedIDs,
			})
			running += excess
			cumulative = limit
			capped = true
		}
	}
	applyTax()

	for _, s := range suppressed {
		res.Applications = append(res.Applications, suppressedEntry(s.discount, base, s.reason, appliedIDs))
	}
	for _, d := range unpriced {
		res.Applications = append(res.Applications, suppressedEntry(d, base, "scope "+string(d.Scope)+" is not priced on the line", appliedIDs))
	}

	res.DiscountTotal = cumulative
	res.FinalPrice = base - res.DiscountTotal + res.TaxTotal
	return res
}

type suppression struct {
	discount Discount
	reason   string
}

func selectDiscounts(base money.Money, priced []Discount, cur money.Currency) ([]Discount, []suppression) {
	var exclusive, bestOf, stackable []Discount
	for _, d := range priced {
		switch d.Mode {
		case ModeExclusive:
			exclusive = append(exclusive, d)
		case ModeBestOf:
			bestOf = append(bestOf, d)
		default:
			stackable = append(stackable, d)
		}
	}

	var suppressed []suppression
	if len(exclusive) > 0 {
		sort.SliceStable(exclusive, func(i, j int) bool {
			if exclusive[i].Priority != exclusive[j].Priority {
				return exclusive[i].Priority > exclusive[j].Priority
			}
			return exclusive[i].ID < exclusive[j].ID
		})
		winner := exclusive[0]
		reason := "exclusive discount " + winner.ID + " applied"
		for _, d := range priced {
			if d.ID != winner.ID {
				suppressed = append(suppressed, suppression{discount: d, reason: reason})
			}
		}
		return []Discount{winner}, suppressed
	}

	if len(bestOf) > 0 {
		sort.SliceStable(bestOf, func(i, j int) bool {
			ai := discountAmount(bestOf[i], base, base, cur)
			aj := discountAmount(bestOf[j], base, base, cur)
			if ai != aj {
				return ai > aj
			}
			if bestOf[i].Priority != bestOf[j].Priority {
				return bestOf[i].Priority > bestOf[j].Priority
			}
			return bestOf[i].ID < bestOf[j].ID
		})
		winner := bestOf[0]
		for _, d := range bestOf[1:] {
			suppressed = append(suppressed, suppression{discount: d, reason: "best_of: " + winner.ID + " yields a larger benefit"})
		}
		stackable = append(stackable, winner)
	}
	return stackable, suppressed
}

// discountAmount is never more than the running price.
func discountAmount(d Discount, base, running money.Money, cur money.Currency) money.Money {
	var amount money.Money
	switch d.Kind {
	case KindFixedAmount:
		amount = d.Amount
	default:
		against := running
		if d.Strategy == StrategyIndependent {
			against = base
		}
		amount = cur.Round(against.Percent(d.Percent))
	}
	if amount < 0 {
		amount = 0
	}
	return money.Min(amount, money.Max(running, 0))
}

// capLimit is the tightest of the configured caps and the floor headroom.
func capLimit(base money.Money, opts Options) (money.Money, bool) {
	var (
		limit money.Money
		set   bool
	)
	tighten := func(v money.Money) {
		if v < 0 {
			v = 0
		}
		if !set || v < limit {
			limit = v
			set = true
		}
	}
	c := opts.Caps
	if c.MaxDiscountCap > 0 {
		tighten(c.MaxDiscountCap)
	}
	if c.MaxTotalDiscountAmount > 0 {
		tighten(c.MaxTotalDiscountAmount)
	}
	if c.MaxTotalDiscountPercent.IsPositive() {
		tighten(money.Money(base.Percent(c.MaxTotalDiscountPercent).Floor().IntPart()))
	}
	if opts.Budget != nil {
		tighten(*opts.Budget)
	}
	if opts.Floor > 0 {
		tighten(base - opts.Floor)
	}
	return limit, set
}

func suppressedEntry(d Discount, price money.Money, reason string, applied []string) Application {
	return Application{
		DiscountID:         d.ID,
		Status:             StatusSuppressed,
		StackingMode:       d.Mode,
		StackingStrategy:   d.Strategy,
		Priority:           d.Priority,
		Scope:              d.Scope,
		PriceBefore:        price,
		PriceAfter:         price,
		ConflictResolution: reason,
		AppliedWith:        without(applied, d.ID),
	}
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Allocate splits a cart-level amount across lines in proportion to their
// weights, handing leftover minor units to the largest remainders.
func Allocate(amount money.Money, weights []money.Money) []money.Money {
	out := make([]money.Money, len(weights))
	var total money.Money
	for _, w := range weights {
		total += w
	}
	if total <= 0 || amount <= 0 {
		return out
	}

	type rem struct {
		idx int
		r   decimal.Decimal
	}
	rems := make([]rem, 0, len(weights))
	var assigned money.Money
	for i, w := range weights {
		share := amount.Decimal().Mul(w.Decimal()).Div(total.Decimal())
		whole := share.Floor()
		out[i] = money.Money(whole.IntPart())
		assigned += out[i]
		rems = append(rems, rem{idx: i, r: share.Sub(whole)})
	}
	sort.SliceStable(rems, func(i, j int) bool { return rems[i].r.GreaterThan(rems[j].r) })
	for i := 0; assigned < amount && i < len(rems); i++ {
		out[rems[i].idx]++
		assigned++
	}
	return out
}
