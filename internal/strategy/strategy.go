package strategy

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// OrderPort is the slice of the venue the reconciler may touch.
type OrderPort interface {
	QueryOrder(ctx context.Context, symbol, orderID string) (core.Order, error)
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
}

// CostResolver answers the average cost of held inventory; ok=false means Unknown.
type CostResolver interface {
	Resolve(ctx context.Context) (decimal.Decimal, bool, error)
}

type SellStrategy string

const (
	SellNodeUpper   SellStrategy = "node_upper"
	SellFixedMargin SellStrategy = "fixed_margin"
)

// Params are the per-cycle tunables. They may change between cycles.
type Params struct {
	Symbol       string
	TradeSize    decimal.Decimal
	SellStrategy SellStrategy
	// SellOffset is subtracted from the node upper bound.
	SellOffset decimal.Decimal
	// SellMargin is added to the acquisition price.
	SellMargin decimal.Decimal
	// FeeAllowance is the fraction of a holding that may be missing from the
	// free base balance (base asset commission) before the sell is shrunk
	// instead of reported as a shortfall.
	FeeAllowance decimal.Decimal
}

var ErrNoGrid = errors.New("engine state has no grid")

func (p Params) validate() error {
	if p.Symbol == "" {
		return errors.New("symbol required")
	}
	if p.TradeSize.Cmp(decimal.Zero) <= 0 {
		return errors.New("trade size must be > 0")
	}
	switch p.SellStrategy {
	case SellNodeUpper, SellFixedMargin:
	default:
		return errors.New("unknown sell strategy")
	}
	return nil
}
