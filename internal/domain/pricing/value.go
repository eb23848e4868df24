package pricing

import (
	"encoding/json"
	"fmt"

	"github.com/example/ec-checkout/internal/domain/money"
	"github.com/shopspring/decimal"
)

type ValueKind string

const (
	KindFixed      ValueKind = "fixed"
	KindAdjustment ValueKind = "adjustment"
	KindPercentage ValueKind = "percentage"
)

// Value is how a rule produces a price: FixedPrice, Adjustment or Percentage.
type Value interface {
	ValueKind() ValueKind
}

// FixedPrice sets the unit price outright.
type FixedPrice struct {
	Amount money.Money `json:"amount"`
}

// Adjustment adds a signed amount to the base price.
type Adjustment struct {
	Amount money.Money `json:"amount"`
}

// Percentage adjusts the base price by a signed percent; -10 is ten percent off.
type Percentage struct {
	Percent decimal.Decimal `json:"percent"`
}

func (FixedPrice) ValueKind() ValueKind { return KindFixed }
func (Adjustment) ValueKind() ValueKind { return KindAdjustment }
func (Percentage) ValueKind() ValueKind { return KindPercentage }

// relative values need a resolved base price.
func relative(v Value) bool {
	_, fixed := v.(FixedPrice)
	return !fixed
}

// evaluate returns the unrounded unit price in the line currency.
func evaluate(v Value, ruleCurrency string, base decimal.Decimal, lc LineContext) (decimal.Decimal, error) {
	switch v := v.(type) {
	case FixedPrice:
		return lc.convert(v.Amount, ruleCurrency), nil
	case Adjustment:
		return base.Add(lc.convert(v.Amount, ruleCurrency)), nil
	case Percentage:
		return base.Add(base.Mul(v.Percent).Div(decimal.NewFromInt(100))), nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported pricing value %T", v)
	}
}

type valueEnvelope struct {
	Kind    ValueKind        `json:"kind"`
	Amount  *money.Money     `json:"amount,omitempty"`
	Percent *decimal.Decimal `json:"percent,omitempty"`
}

func MarshalValue(v Value) ([]byte, error) {
	switch v := v.(type) {
	case FixedPrice:
		return json.Marshal(valueEnvelope{Kind: KindFixed, Amount: &v.Amount})
	case Adjustment:
		return json.Marshal(valueEnvelope{Kind: KindAdjustment, Amount: &v.Amount})
	case Percentage:
		return json.Marshal(valueEnvelope{Kind: KindPercentage, Percent: &v.Percent})
	case nil:
		return []byte("null"), nil
	default:
		return nil, fmt.Errorf("unsupported pricing value %T", v)
	}
}

func UnmarshalValue(data []byte) (Value, error) {
	var env valueEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case KindFixed, KindAdjustment:
		if env.Amount == nil {
			return nil, fmt.Errorf("%s value requires amount", env.Kind)
		}
		if env.Kind == KindFixed {
			return FixedPrice{Amount: *env.Amount}, nil
		}
		return Adjustment{Amount: *env.Amount}, nil
	case KindPercentage:
		if env.Percent == nil {
			return nil, fmt.Errorf("percentage value requires percent")
		}
		return Percentage{Percent: *env.Percent}, nil
	default:
		return nil, fmt.Errorf("unknown pricing value kind %q", env.Kind)
	}
}
