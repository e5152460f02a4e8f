package paper

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

// Synthetic oscillates around Center with the given Amplitude and Period.
type Synthetic struct {
	Center    decimal.Decimal
	Amplitude decimal.Decimal
	Period    time.Duration
	Filters   core.SymbolFilters

	start time.Time
	now   func() time.Time
}

func NewSynthetic(center, amplitude decimal.Decimal, period time.Duration, filters core.SymbolFilters) (*Synthetic, error) {
	if center.Cmp(decimal.Zero) <= 0 {
		return nil, errors.New("synthetic center must be > 0")
	}
	if amplitude.IsNegative() || amplitude.Cmp(center) >= 0 {
		return nil, errors.New("synthetic amplitude must be in [0, center)")
	}
	if period <= 0 {
		period = time.Hour
	}
	return &Synthetic{
		Center:    center,
		Amplitude: amplitude,
		Period:    period,
		Filters:   filters,
		start:     time.Now(),
		now:       time.Now,
	}, nil
}

func (s *Synthetic) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	elapsed := s.now().Sub(s.start)
	phase := 2 * math.Pi * float64(elapsed) / float64(s.Period)
	offset := s.Amplitude.Mul(decimal.NewFromFloat(math.Sin(phase)))
	return s.Filters.RoundPriceDown(s.Center.Add(offset)), nil
}
