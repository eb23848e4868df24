package discount

import (
	"testing"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pct(id string, p int64, mode Mode, priority int) Discount {
	return Discount{
		ID:       id,
		Kind:     KindPercentage,
		Percent:  decimal.NewFromInt(p),
		Mode:     mode,
		Strategy: StrategyCompound,
		Priority: priority,
		Scope:    ScopeItem,
	}
}

func sumAmounts(apps []Application) money.Money {
	var s money.Money
	for _, a := range apps {
		s += a.Amount
	}
	return s
}

func byID(apps []Application, id string) *Application {
	for i := range apps {
		if apps[i].DiscountID == id {
			return &apps[i]
		}
	}
	return nil
}

// ============================================
// Stacking Tests
// ============================================

func TestApply_StackableCompoundsInPriorityOrder(t *testing.T) {
	res := NewResolver().Apply(10000, []Discount{
		pct("second", 15, ModeStackable, 2),
		pct("first", 20, ModeStackable, 1),
	}, Options{})

	require.Len(t, res.Applications, 2)
	assert.Equal(t, "first", res.Applications[0].DiscountID)
	assert.Equal(t, money.Money(2000), res.Applications[0].Amount)
	assert.Equal(t, "second", res.Applications[1].DiscountID)
	assert.Equal(t, money.Money(1200), res.Applications[1].Amount)
	assert.Equal(t, money.Money(6800), res.FinalPrice)
	assert.Equal(t, []string{"second"}, res.Applications[0].AppliedWith)
}

func TestApply_IndependentStrategyUsesBase(t *testing.T) {
	second := pct("second", 15, ModeStackable, 2)
	second.Strategy = StrategyIndependent
	res := NewResolver().Apply(10000, []Discount{pct("first", 20, ModeStackable, 1), second}, Options{})
	assert.Equal(t, money.Money(1500), byID(res.Applications, "second").Amount)
	assert.Equal(t, money.Money(6500), res.FinalPrice)
}

func TestApply_PercentCapTruncatesWithCappedEntry(t *testing.T) {
	res := NewResolver().Apply(10000, []Discount{
		pct("d20", 20, ModeStackable, 1),
		pct("d15", 15, ModeStackable, 2),
	}, Options{Caps: Caps{MaxTotalDiscountPercent: decimal.NewFromInt(25)}})

	assert.Equal(t, money.Money(7500), res.FinalPrice)
	assert.Equal(t, money.Money(2500), res.DiscountTotal)
	capped := byID(res.Applications, CappedID)
	require.NotNil(t, capped)
	assert.Equal(t, StatusCapped, capped.Status)
	assert.Equal(t, "capped", capped.ConflictResolution)
	assert.Equal(t, money.Money(-700), capped.Amount)
	assert.ElementsMatch(t, []string{"d20", "d15"}, capped.AppliedWith)
	assert.Equal(t, res.DiscountTotal, sumAmounts(res.Applications))
}

func TestApply_FloorBoundsDiscount(t *testing.T) {
	res := NewResolver().Apply(10000, []Discount{pct("half", 50, ModeStackable, 1)}, Options{Floor: 8000})
	assert.Equal(t, money.Money(8000), res.FinalPrice)
	assert.Equal(t, res.DiscountTotal, sumAmounts(res.Applications))
}

func TestApply_BudgetBoundsDiscount(t *testing.T) {
	left := money.Money(100)
	res := NewResolver().Apply(3000, []Discount{pct("p20", 20, ModeStackable, 1)}, Options{Budget: &left})

	assert.Equal(t, money.Money(100), res.DiscountTotal)
	assert.Equal(t, money.Money(2900), res.FinalPrice)
	assert.Equal(t, res.DiscountTotal, sumAmounts(res.Applications))
	assert.NotNil(t, byID(res.Applications, CappedID))
}

func TestApply_DiscountsAfterCapAreSuppressed(t *testing.T) {
	fixed := Discount{ID: "fixed", Kind: KindFixedAmount, Amount: 500, Mode: ModeStackable, Priority: 1, Scope: ScopeItem}
	res := NewResolver().Apply(1000, []Discount{fixed, pct("late", 10, ModeStackable, 2)}, Options{Caps: Caps{MaxDiscountCap: 300}})

	assert.Equal(t, money.Money(700), res.FinalPrice)
	late := byID(res.Applications, "late")
	require.NotNil(t, late)
	assert.Equal(t, StatusSuppressed, late.Status)
	assert.Equal(t, money.Money(0), late.Amount)
}

func TestApply_ExclusiveBeatsEverything(t *testing.T) {
	res := NewResolver().Apply(10000, []Discount{
		pct("ex-low", 5, ModeExclusive, 1),
		pct("ex-high", 10, ModeExclusive, 9),
		pct("stack", 30, ModeStackable, 1),
		pct("best", 40, ModeBestOf, 1),
	}, Options{})

	assert.Equal(t, money.Money(9000), res.FinalPrice)
	applied := byID(res.Applications, "ex-high")
	require.NotNil(t, applied)
	assert.Equal(t, StatusApplied, applied.Status)
	for _, id := range []string{"ex-low", "stack", "best"} {
		a := byID(res.Applications, id)
		require.NotNil(t, a, id)
		assert.Equal(t, StatusSuppressed, a.Status)
		assert.Contains(t, a.ConflictResolution, "ex-high")
		assert.Equal(t, []string{"ex-high"}, a.AppliedWith)
	}
	assert.Equal(t, res.DiscountTotal, sumAmounts(res.Applications))
}

func TestApply_BestOfPicksLargestBenefit(t *testing.T) {
	fixed := Discount{ID: "flat", Kind: KindFixedAmount, Amount: 1500, Mode: ModeBestOf, Priority: 2, Scope: ScopeItem}
	res := NewResolver().Apply(10000, []Discount{
		pct("ten", 10, ModeBestOf, 5),
		fixed,
		pct("stack", 5, ModeStackable, 0),
	}, Options{})

	assert.Equal(t, StatusApplied, byID(res.Applications, "flat").Status)
	assert.Equal(t, StatusSuppressed, byID(res.Applications, "ten").Status)
	// stack (priority 0) runs first: 500, then flat 1500
	assert.Equal(t, money.Money(8000), res.FinalPrice)
}

func TestApply_UnpricedScopesAreSuppressed(t *testing.T) {
	ship := pct("ship", 100, ModeStackable, 1)
	ship.Scope = ScopeShipping
	res := NewResolver().Apply(1000, []Discount{ship}, Options{})
	assert.Equal(t, money.Money(1000), res.FinalPrice)
	assert.Equal(t, StatusSuppressed, res.Applications[0].Status)
}

// ============================================
// Tax Ordering Tests
// ============================================

func TestApply_BeforeTaxReducesTaxableBase(t *testing.T) {
	tenPercentTax := func(taxable money.Money) money.Money { return taxable / 10 }

	before := pct("before", 10, ModeStackable, 5)
	before.ApplyBeforeTax = true
	after := Discount{ID: "after", Kind: KindFixedAmount, Amount: 100, Mode: ModeStackable, Priority: 1, Scope: ScopeItem}

	res := NewResolver().Apply(1000, []Discount{after, before}, Options{Tax: tenPercentTax})

	// before-tax runs first despite higher priority: 1000 -> 900, tax 90,
	// gross 990, after-tax 100 -> 890
	assert.Equal(t, "before", res.Applications[0].DiscountID)
	assert.Equal(t, money.Money(90), res.TaxTotal)
	assert.Equal(t, money.Money(200), res.DiscountTotal)
	assert.Equal(t, money.Money(890), res.FinalPrice)
	assert.Equal(t, money.Money(990), res.Applications[1].PriceBefore)
}

func TestParseMode_UnifiesVocabularies(t *testing.T) {
	m, err := ParseMode("non_stackable")
	require.NoError(t, err)
	assert.Equal(t, ModeExclusive, m)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestAllocate_DistributesRemainders(t *testing.T) {
	out := Allocate(1000, []money.Money{1, 1, 1})
	assert.Equal(t, money.Money(1000), out[0]+out[1]+out[2])
	assert.ElementsMatch(t, []money.Money{334, 333, 333}, out)
}

func TestCaps_MergeKeepsTighter(t *testing.T) {
	a := Caps{MaxDiscountCap: 500, MaxTotalDiscountPercent: decimal.NewFromInt(30)}
	b := Caps{MaxDiscountCap: 800, MaxTotalDiscountPercent: decimal.NewFromInt(20), MaxTotalDiscountAmount: 900}
	m := a.Merge(b)
	assert.Equal(t, money.Money(500), m.MaxDiscountCap)
	assert.Equal(t, money.Money(900), m.MaxTotalDiscountAmount)
	assert.True(t, m.MaxTotalDiscountPercent.Equal(decimal.NewFromInt(20)))
}

func TestCaps_BudgetSplitsAbsoluteCaps(t *testing.T) {
	c := Caps{MaxDiscountCap: 500, MaxTotalDiscountAmount: 300, MaxTotalDiscountPercent: decimal.NewFromInt(20)}

	b, ok := c.Budget()
	assert.True(t, ok)
	assert.Equal(t, money.Money(300), b)

	line := c.PerLine()
	assert.Zero(t, line.MaxDiscountCap)
	assert.Zero(t, line.MaxTotalDiscountAmount)
	assert.True(t, line.MaxTotalDiscountPercent.Equal(decimal.NewFromInt(20)))

	_, ok = Caps{MaxTotalDiscountPercent: decimal.NewFromInt(5)}.Budget()
	assert.False(t, ok)
}
