package costbasis

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
)

const defaultMaxPages = 50

type Options struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	// UseVenueField consults CostBasisSource before replaying history.
	UseVenueField bool
	MaxPages      int
}

// Resolver answers "what did the inventory we still hold cost". It has no
// memory between calls: every Resolve replays from scratch.
type Resolver struct {
	opts    Options
	history exchange.TradeHistory
	source  exchange.CostBasisSource
	logger  *zap.Logger
}

// NewResolver builds a resolver. source may be nil.
func NewResolver(opts Options, history exchange.TradeHistory, source exchange.CostBasisSource, logger *zap.Logger) *Resolver {
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{opts: opts, history: history, source: source, logger: logger}
}

// Resolve returns the average cost of remaining inventory. ok is false when
// the cost is Unknown; callers must not substitute the market price.
func (r *Resolver) Resolve(ctx context.Context) (decimal.Decimal, bool, error) {
	if r.opts.UseVenueField && r.source != nil {
		avg, err := r.source.AverageCost(ctx, r.opts.BaseAsset)
		switch {
		case err == nil && avg.Cmp(decimal.Zero) > 0:
			return avg, true, nil
		case err == nil, errors.Is(err, core.ErrCostBasisUnavailable):
		default:
			if ctx.Err() != nil {
				return decimal.Zero, false, ctx.Err()
			}
			r.logger.Warn("cost_basis_venue_failed", zap.Error(err))
		}
	}
	if r.history == nil {
		return decimal.Zero, false, nil
	}
	trades, complete, err := r.fetchAll(ctx)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !complete {
		r.logger.Warn("cost_basis_history_truncated",
			zap.Int("max_pages", r.opts.MaxPages),
			zap.Int("trades", len(trades)),
		)
		return decimal.Zero, false, nil
	}
	avg, ok := AverageCost(trades, r.opts.BaseAsset, r.opts.QuoteAsset)
	return avg, ok, nil
}

func (r *Resolver) fetchAll(ctx context.Context) ([]core.Trade, bool, error) {
	var out []core.Trade
	cursor := ""
	for page := 0; page < r.opts.MaxPages; page++ {
		trades, next, err := r.history.ListTrades(ctx, r.opts.Symbol, cursor)
		if err != nil {
			return nil, false, fmt.Errorf("list trades page %d: %w", page, err)
		}
		out = append(out, trades...)
		if next == "" || next == cursor {
			return out, true, nil
		}
		cursor = next
	}
	return out, false, nil
}
