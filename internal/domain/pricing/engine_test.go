package pricing

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func newTestLine() LineContext {
	return LineContext{
		VariantID:    "v1",
		CategoryID:   "cat-shoes",
		Quantity:     1,
		Currency:     money.DefaultCurrency("USD"),
		BaseCurrency: "USD",
		At:           testNow,
	}
}

func baseRule(amount money.Money) Rule {
	return Rule{
		ID:        "base",
		Layer:     LayerBase,
		Scope:     Scope{Kind: ScopeVariant, ID: "v1"},
		Value:     FixedPrice{Amount: amount},
		CreatedAt: testNow.Add(-48 * time.Hour),
	}
}

// ============================================
// Layer Precedence Tests
// ============================================

func TestResolvePrice_ContractOutranksTiered(t *testing.T) {
	lc := newTestLine()
	lc.Quantity = 10
	lc.AccountID = "acct-1"
	lc.Contracts = []Contract{{ID: "k1", AccountID: "acct-1", Active: true, Approved: true, VariantIDs: []string{"v1"}}}

	contract := Rule{ID: "contract", Layer: LayerContract, Scope: Scope{Kind: ScopeVariant, ID: "v1"},
		Conditions: Conditions{ContractCondition{ContractID: "k1"}}, Value: FixedPrice{Amount: 100}, CreatedAt: testNow.Add(-time.Hour)}
	tiered := Rule{ID: "tier", Layer: LayerTiered, Scope: Scope{Kind: ScopeVariant, ID: "v1"},
		Conditions: Conditions{QuantityThreshold{Min: 5}}, Value: FixedPrice{Amount: 90}, CreatedAt: testNow}

	e := NewEngine()
	for _, rules := range [][]Rule{{baseRule(120), contract, tiered}, {tiered, contract, baseRule(120)}} {
		res, err := e.ResolvePrice(lc, rules, nil)
		require.NoError(t, err)
		assert.Equal(t, money.Money(100), res.UnitPrice)
		assert.Equal(t, LayerContract, res.WinningLayer)
	}
}

func TestResolvePrice_ContractRequiresApprovedContract(t *testing.T) {
	lc := newTestLine()
	lc.AccountID = "acct-1"
	lc.Contracts = []Contract{{ID: "k1", AccountID: "acct-1", Active: true, Approved: false}}
	contract := Rule{ID: "contract", Layer: LayerContract, Scope: Scope{Kind: ScopeGlobal}, Value: FixedPrice{Amount: 50}}

	res, err := NewEngine().ResolvePrice(lc, []Rule{baseRule(120), contract}, nil)
	require.NoError(t, err)
	assert.Equal(t, LayerBase, res.WinningLayer)
	assert.Len(t, res.Candidates, 1)
}

func TestResolvePrice_TieBreaks(t *testing.T) {
	tests := []struct {
		name   string
		rules  []Rule
		wantID string
	}{
		{
			name: "higher priority wins",
			rules: []Rule{
				{ID: "low", Layer: LayerPromotional, Scope: Scope{Kind: ScopeVariant, ID: "v1"}, Priority: 1, Value: FixedPrice{Amount: 80}},
				{ID: "high", Layer: LayerPromotional, Scope: Scope{Kind: ScopeGlobal}, Priority: 5, Value: FixedPrice{Amount: 85}},
			},
			wantID: "high",
		},
		{
			name: "variant scope beats category scope",
			rules: []Rule{
				{ID: "cat", Layer: LayerPromotional, Scope: Scope{Kind: ScopeCategory, ID: "cat-shoes"}, Value: FixedPrice{Amount: 80}, CreatedAt: testNow},
				{ID: "var", Layer: LayerPromotional, Scope: Scope{Kind: ScopeVariant, ID: "v1"}, Value: FixedPrice{Amount: 85}, CreatedAt: testNow.Add(-time.Hour)},
			},
			wantID: "var",
		},
		{
			name: "newest rule wins remaining ties",
			rules: []Rule{
				{ID: "old", Layer: LayerPromotional, Scope: Scope{Kind: ScopeVariant, ID: "v1"}, Value: FixedPrice{Amount: 80}, CreatedAt: testNow.Add(-time.Hour)},
				{ID: "new", Layer: LayerPromotional, Scope: Scope{Kind: ScopeVariant, ID: "v1"}, Value: FixedPrice{Amount: 85}, CreatedAt: testNow},
			},
			wantID: "new",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewEngine().ResolvePrice(newTestLine(), append(tt.rules, baseRule(100)), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, res.WinningRuleID)
		})
	}
}

func TestResolvePrice_ConditionsFilterCandidates(t *testing.T) {
	from := testNow.Add(24 * time.Hour)
	rules := []Rule{
		baseRule(100),
		{ID: "future-promo", Layer: LayerPromotional, Scope: Scope{Kind: ScopeGlobal}, Conditions: Conditions{DateWindow{From: &from}}, Value: FixedPrice{Amount: 50}},
		{ID: "vip", Layer: LayerCustomerGroup, Scope: Scope{Kind: ScopeGlobal}, Conditions: Conditions{CustomerGroupCondition{Groups: []string{"vip"}}}, Value: Percentage{Percent: decimal.NewFromInt(-20)}},
		{ID: "app", Layer: LayerChannel, Scope: Scope{Kind: ScopeGlobal}, Conditions: Conditions{ChannelCondition{Channels: []string{"app"}}}, Value: Adjustment{Amount: -5}},
	}

	lc := newTestLine()
	res, err := NewEngine().ResolvePrice(lc, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "base", res.WinningRuleID)

	lc.Channel = "app"
	res, err = NewEngine().ResolvePrice(lc, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "app", res.WinningRuleID)
	assert.Equal(t, money.Money(95), res.UnitPrice)

	lc.CustomerGroup = "vip"
	res, err = NewEngine().ResolvePrice(lc, rules, nil)
	require.NoError(t, err)
	assert.Equal(t, "vip", res.WinningRuleID)
	assert.Equal(t, money.Money(80), res.UnitPrice)
}

// ============================================
// Unresolved / Determinism Tests
// ============================================

func TestResolvePrice_NoRulesIsUnresolved(t *testing.T) {
	_, err := NewEngine().ResolvePrice(newTestLine(), nil, nil)
	var unresolved *UnresolvedError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "v1", unresolved.VariantID)
}

func TestResolvePrice_RelativeWithoutBaseIsUnresolved(t *testing.T) {
	rules := []Rule{{ID: "pct", Layer: LayerPromotional, Scope: Scope{Kind: ScopeGlobal}, Value: Percentage{Percent: decimal.NewFromInt(-10)}}}
	_, err := NewEngine().ResolvePrice(newTestLine(), rules, nil)
	var unresolved *UnresolvedError
	assert.ErrorAs(t, err, &unresolved)
}

func TestResolvePrice_IsDeterministic(t *testing.T) {
	rules := []Rule{
		baseRule(1999),
		{ID: "a", Layer: LayerPromotional, Scope: Scope{Kind: ScopeGlobal}, Value: Percentage{Percent: decimal.RequireFromString("-12.5")}, CreatedAt: testNow},
		{ID: "b", Layer: LayerPromotional, Scope: Scope{Kind: ScopeGlobal}, Value: Percentage{Percent: decimal.NewFromInt(-10)}, CreatedAt: testNow},
	}
	e := NewEngine()
	first, err := e.ResolvePrice(newTestLine(), rules, nil)
	require.NoError(t, err)
	second, err := e.ResolvePrice(newTestLine(), rules, nil)
	require.NoError(t, err)
	assert.Equal(t, first.UnitPrice, second.UnitPrice)
	assert.Equal(t, first.WinningLayer, second.WinningLayer)
	assert.Equal(t, first.WinningRuleID, second.WinningRuleID)
}

// ============================================
// MAP and Rounding Tests
// ============================================

func TestResolvePrice_StrictMAPClamps(t *testing.T) {
	rules := []Rule{baseRule(100), {ID: "promo", Layer: LayerPromotional, Scope: Scope{Kind: ScopeGlobal}, Value: FixedPrice{Amount: 60}}}
	maps := []MAPRule{{ID: "map", VariantID: "v1", Floor: 75, Enforcement: EnforcementStrict}}

	res, err := NewEngine().ResolvePrice(newTestLine(), rules, maps)
	require.NoError(t, err)
	assert.Equal(t, money.Money(75), res.UnitPrice)
	assert.Equal(t, LayerPromotional, res.WinningLayer)
	assert.Equal(t, money.Money(75), res.Floor)
	require.Len(t, res.Notes, 1)
	assert.Equal(t, NoteMAPClamped, res.Notes[0].Kind)
}

func TestResolvePrice_StrictMAPClampStaysOnIncrement(t *testing.T) {
	lc := newTestLine()
	lc.Currency = money.Currency{Code: "USD", Exponent: 2, Rounding: money.RoundNearest, Increment: 5}
	maps := []MAPRule{{ID: "map", VariantID: "v1", Floor: 1002, Enforcement: EnforcementStrict}}

	res, err := NewEngine().ResolvePrice(lc, []Rule{baseRule(998)}, maps)
	require.NoError(t, err)
	assert.Equal(t, money.Money(1005), res.UnitPrice)
	assert.Zero(t, int64(res.UnitPrice)%5)
	assert.Equal(t, money.Money(1002), res.Floor)
}

func TestResolvePrice_WarningMAPOnlyNotes(t *testing.T) {
	rules := []Rule{baseRule(100), {ID: "promo", Layer: LayerPromotional, Scope: Scope{Kind: ScopeGlobal}, Value: FixedPrice{Amount: 60}}}
	maps := []MAPRule{{ID: "map", VariantID: "v1", Floor: 75, Enforcement: EnforcementWarning}}

	res, err := NewEngine().ResolvePrice(newTestLine(), rules, maps)
	require.NoError(t, err)
	assert.Equal(t, money.Money(60), res.UnitPrice)
	assert.Equal(t, money.Money(0), res.Floor)
	require.Len(t, res.Notes, 1)
	assert.Equal(t, NoteMAPBelowFloor, res.Notes[0].Kind)
}

func TestResolvePrice_ConvertsAndRoundsLast(t *testing.T) {
	lc := newTestLine()
	lc.Currency = money.Currency{Code: "EUR", Exponent: 2, Rounding: money.RoundNearest, Increment: 5}
	lc.ExchangeRate = decimal.RequireFromString("0.9137")

	res, err := NewEngine().ResolvePrice(lc, []Rule{baseRule(1000)}, nil)
	require.NoError(t, err)
	// 1000 * 0.9137 = 913.7, nearest 5 -> 915
	assert.Equal(t, money.Money(915), res.UnitPrice)
	assert.Equal(t, "EUR", res.Currency)
}

// ============================================
// Codec Tests
// ============================================

func TestRule_JSONPreservesTaggedUnions(t *testing.T) {
	until := testNow.Add(time.Hour)
	in := Rule{
		ID:    "r1",
		Layer: LayerTiered,
		Scope: Scope{Kind: ScopeCategory, ID: "cat-shoes"},
		Conditions: Conditions{
			QuantityThreshold{Min: 10, Max: 49},
			DateWindow{Until: &until},
			ContractCondition{ContractID: "k1"},
		},
		Value:    Percentage{Percent: decimal.NewFromInt(-15)},
		Priority: 3,
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"quantity_threshold"`)

	var out Rule
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Conditions, 3)
	assert.Equal(t, QuantityThreshold{Min: 10, Max: 49}, out.Conditions[0])
	assert.IsType(t, DateWindow{}, out.Conditions[1])
	assert.Equal(t, ContractCondition{ContractID: "k1"}, out.Conditions[2])
	pct, ok := out.Value.(Percentage)
	require.True(t, ok)
	assert.True(t, pct.Percent.Equal(decimal.NewFromInt(-15)))
}

func TestConditions_UnknownKindFails(t *testing.T) {
	var cs Conditions
	err := json.Unmarshal([]byte(`[{"kind":"moon_phase"}]`), &cs)
	assert.Error(t, err)
}

func TestSnapshot_Validate(t *testing.T) {
	s := PriceSnapshot{Subtotal: 1000, DiscountTotal: 250, TaxTotal: 50, Total: 800,
		DiscountBreakdown: []BreakdownEntry{{DiscountID: "d1", Amount: 300}, {DiscountID: "capped", Amount: -50}}}
	assert.NoError(t, s.Validate())

	s.Total = 801
	assert.ErrorIs(t, s.Validate(), ErrSnapshotInvariant)
}
