package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrPriceOutOfBounds = errors.New("price out of bounds")
	ErrQtyOutOfBounds   = errors.New("qty out of bounds")
	ErrNotionalTooLow   = errors.New("notional below min")
)

// IsRejection reports whether err is a local filter rejection. Rejections are
// never retried and never sent to the exchange.
func IsRejection(err error) bool {
	return errors.Is(err, ErrPriceOutOfBounds) ||
		errors.Is(err, ErrQtyOutOfBounds) ||
		errors.Is(err, ErrNotionalTooLow)
}

// SymbolFilters are the exchange trading rules for one symbol. A zero tick or
// step disables rounding, a zero max disables the upper bound.
type SymbolFilters struct {
	PriceTick   decimal.Decimal
	QtyStep     decimal.Decimal
	MinQty      decimal.Decimal
	MaxQty      decimal.Decimal
	MinPrice    decimal.Decimal
	MaxPrice    decimal.Decimal
	MinNotional decimal.Decimal
}

// Loaded reports whether the filters look like they came from the exchange.
func (f SymbolFilters) Loaded() bool {
	return f.PriceTick.Cmp(decimal.Zero) > 0 && f.QtyStep.Cmp(decimal.Zero) > 0
}

func (f SymbolFilters) RoundPriceDown(v decimal.Decimal) decimal.Decimal {
	return RoundDown(v, f.PriceTick)
}

func (f SymbolFilters) RoundPriceUp(v decimal.Decimal) decimal.Decimal {
	return RoundUp(v, f.PriceTick)
}

func (f SymbolFilters) RoundQtyDown(v decimal.Decimal) decimal.Decimal {
	return RoundDown(v, f.QtyStep)
}

func (f SymbolFilters) FormatPrice(v decimal.Decimal) string {
	return formatToStep(v, f.PriceTick)
}

func (f SymbolFilters) FormatQty(v decimal.Decimal) string {
	return formatToStep(v, f.QtyStep)
}

// ClampPrice pulls v inside [MinPrice, MaxPrice]; unset bounds are ignored.
func (f SymbolFilters) ClampPrice(v decimal.Decimal) decimal.Decimal {
	if f.MaxPrice.Cmp(decimal.Zero) > 0 && v.Cmp(f.MaxPrice) > 0 {
		v = f.RoundPriceDown(f.MaxPrice)
	}
	if f.MinPrice.Cmp(decimal.Zero) > 0 && v.Cmp(f.MinPrice) < 0 {
		v = f.RoundPriceUp(f.MinPrice)
	}
	return v
}

// Validate checks an already rounded limit order against every filter.
func (f SymbolFilters) Validate(price, qty decimal.Decimal) error {
	if price.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: price %s must be positive", ErrPriceOutOfBounds, price)
	}
	if f.MinPrice.Cmp(decimal.Zero) > 0 && price.Cmp(f.MinPrice) < 0 {
		return fmt.Errorf("%w: price %s below min %s", ErrPriceOutOfBounds, price, f.MinPrice)
	}
	if f.MaxPrice.Cmp(decimal.Zero) > 0 && price.Cmp(f.MaxPrice) > 0 {
		return fmt.Errorf("%w: price %s above max %s", ErrPriceOutOfBounds, price, f.MaxPrice)
	}
	if qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: qty %s must be positive", ErrQtyOutOfBounds, qty)
	}
	if f.MinQty.Cmp(decimal.Zero) > 0 && qty.Cmp(f.MinQty) < 0 {
		return fmt.Errorf("%w: qty %s below min %s", ErrQtyOutOfBounds, qty, f.MinQty)
	}
	if f.MaxQty.Cmp(decimal.Zero) > 0 && qty.Cmp(f.MaxQty) > 0 {
		return fmt.Errorf("%w: qty %s above max %s", ErrQtyOutOfBounds, qty, f.MaxQty)
	}
	if f.MinNotional.Cmp(decimal.Zero) > 0 {
		notional := price.Mul(qty)
		if notional.Cmp(f.MinNotional) < 0 {
			return fmt.Errorf("%w: notional %s below min %s", ErrNotionalTooLow, notional, f.MinNotional)
		}
	}
	return nil
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

func RoundUp(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// StepPrecision is the number of significant fractional digits in step,
// e.g. 0.01000000 -> 2, 1 -> 0.
func StepPrecision(step decimal.Decimal) int32 {
	if step.Cmp(decimal.Zero) <= 0 {
		return -1
	}
	s := step.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[i+1:], "0")))
}

func formatToStep(v, step decimal.Decimal) string {
	prec := StepPrecision(step)
	if prec < 0 {
		return v.String()
	}
	return v.StringFixed(prec)
}
