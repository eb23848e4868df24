package money

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in integer minor currency units (cents for USD).
type Money int64

// Decimal returns the amount as a decimal of minor units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.NewFromInt(int64(m))
}

// Times multiplies a unit amount by a quantity.
func (m Money) Times(quantity int) Money {
	return m * Money(quantity)
}

// Percent returns p percent of m as an unrounded decimal of minor units.
func (m Money) Percent(p decimal.Decimal) decimal.Decimal {
	return m.Decimal().Mul(p).Div(decimal.NewFromInt(100))
}

func Min(a, b Money) Money {
	if a < b {
		return a
	}
	return b
}

func Max(a, b Money) Money {
	if a > b {
		return a
	}
	return b
}

type RoundingMode string

const (
	RoundNone        RoundingMode = "none"
	RoundUp          RoundingMode = "up"
	RoundDown        RoundingMode = "down"
	RoundNearest     RoundingMode = "nearest"
	RoundNearestUp   RoundingMode = "nearest_up"
	RoundNearestDown RoundingMode = "nearest_down"
)

var ErrUnknownRoundingMode = errors.New("unknown rounding mode")

func ParseRoundingMode(s string) (RoundingMode, error) {
	switch m := RoundingMode(s); m {
	case RoundNone, RoundUp, RoundDown, RoundNearest, RoundNearestUp, RoundNearestDown:
		return m, nil
	case "":
		return RoundNearest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRoundingMode, s)
	}
}

// Currency carries the rounding configuration applied to resolved prices.
// Increment is expressed in minor units: 1 rounds to the cent, 5 to the nickel.
type Currency struct {
	Code      string       `json:"code" db:"code"`
	Exponent  int32        `json:"exponent" db:"exponent"`
	Rounding  RoundingMode `json:"rounding" db:"rounding_mode"`
	Increment int64        `json:"increment" db:"rounding_increment"`
}

// DefaultCurrency is used when a currency has no stored configuration.
func DefaultCurrency(code string) Currency {
	return Currency{Code: code, Exponent: 2, Rounding: RoundNearest, Increment: 1}
}

// Ceil rounds amount up to the next increment regardless of the rounding
// mode, so the result is never below amount.
func (c Currency) Ceil(amount decimal.Decimal) Money {
	inc := c.Increment
	if inc <= 0 || c.Rounding == RoundNone {
		inc = 1
	}
	step := decimal.NewFromInt(inc)
	return Money(amount.Div(step).Ceil().Mul(step).IntPart())
}

// Round converts a decimal amount of minor units into Money using the
// currency's mode and increment. RoundNone drops fractional minor units and
// ignores the increment.
func (c Currency) Round(amount decimal.Decimal) Money {
	if c.Rounding == RoundNone {
		return Money(amount.Truncate(0).IntPart())
	}

	inc := c.Increment
	if inc <= 0 {
		inc = 1
	}
	step := decimal.NewFromInt(inc)
	q := amount.Div(step)
	half := decimal.NewFromFloat(0.5)

	var n decimal.Decimal
	switch c.Rounding {
	case RoundUp:
		n = q.Ceil()
	case RoundDown:
		n = q.Floor()
	case RoundNearestUp:
		n = q.Add(half).Floor()
	case RoundNearestDown:
		n = q.Sub(half).Ceil()
	default:
		n = q.Round(0)
	}
	return Money(n.Mul(step).IntPart())
}

// ParseCurrency reads a "mode:increment" rounding setting such as
// "nearest:5". The increment may be omitted.
func ParseCurrency(code, setting string) (Currency, error) {
	c := DefaultCurrency(code)
	modeStr, incStr, hasInc := strings.Cut(setting, ":")
	mode, err := ParseRoundingMode(strings.TrimSpace(modeStr))
	if err != nil {
		return Currency{}, fmt.Errorf("currency %s: %w", code, err)
	}
	c.Rounding = mode
	if hasInc {
		inc, err := strconv.ParseInt(strings.TrimSpace(incStr), 10, 64)
		if err != nil || inc <= 0 {
			return Currency{}, fmt.Errorf("currency %s: invalid increment %q", code, incStr)
		}
		c.Increment = inc
	}
	return c, nil
}
