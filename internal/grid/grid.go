package grid

import (
	"errors"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"spot-grid/internal/core"
)

type Mode string

const (
	ModeFixed   Mode = "fixed"
	ModeDynamic Mode = "dynamic"
)

var (
	ErrInvalidBounds = errors.New("invalid grid bounds")
	ErrCollapsed     = errors.New("grid collapsed after tick normalization")
)

// Spec describes how to lay out levels. Fixed grids use Min, Max and Nodes;
// dynamic grids center Nodes cells of Width+Gap around the first observed price.
type Spec struct {
	Mode  Mode
	Min   decimal.Decimal
	Max   decimal.Decimal
	Nodes int
	Width decimal.Decimal
	Gap   decimal.Decimal
}

// Grid holds strictly increasing, tick aligned levels. Node i spans
// [Prices[i], Prices[i+1]].
type Grid struct {
	Prices []decimal.Decimal
}

func (g Grid) Empty() bool { return len(g.Prices) < 2 }

func (g Grid) NodeCount() int {
	if g.Empty() {
		return 0
	}
	return len(g.Prices) - 1
}

func (g Grid) PriceAt(index int) decimal.Decimal {
	if index < 0 || index >= len(g.Prices) {
		return decimal.Zero
	}
	return g.Prices[index]
}

// Bounds returns the lower and upper level of node i.
func (g Grid) Bounds(i int) (decimal.Decimal, decimal.Decimal, bool) {
	if i < 0 || i >= g.NodeCount() {
		return decimal.Zero, decimal.Zero, false
	}
	return g.Prices[i], g.Prices[i+1], true
}

// FindNode returns the node whose closed range contains price. The top level
// belongs to the last node.
func (g Grid) FindNode(price decimal.Decimal) (int, bool) {
	n := g.NodeCount()
	if n == 0 {
		return 0, false
	}
	if price.Cmp(g.Prices[0]) < 0 || price.Cmp(g.Prices[n]) > 0 {
		return 0, false
	}
	idx := sort.Search(len(g.Prices), func(i int) bool { return g.Prices[i].Cmp(price) > 0 }) - 1
	if idx >= n {
		idx = n - 1
	}
	return idx, true
}

// Build dispatches on spec.Mode. ref is only used by dynamic grids.
func Build(spec Spec, ref decimal.Decimal, filters core.SymbolFilters) (Grid, error) {
	switch spec.Mode {
	case ModeDynamic:
		return BuildDynamic(ref, spec.Nodes, spec.Width, spec.Gap, filters)
	case ModeFixed, "":
		return BuildFixed(spec.Min, spec.Max, spec.Nodes, filters)
	default:
		return Grid{}, errors.New("unsupported grid mode")
	}
}

func BuildFixed(min, max decimal.Decimal, nodes int, filters core.SymbolFilters) (Grid, error) {
	if nodes <= 0 || min.Cmp(decimal.Zero) <= 0 || max.Cmp(min) <= 0 {
		return Grid{}, ErrInvalidBounds
	}
	step := max.Sub(min).Div(decimal.NewFromInt(int64(nodes)))
	prices := make([]decimal.Decimal, nodes+1)
	for i := 0; i <= nodes; i++ {
		prices[i] = min.Add(step.Mul(decimal.NewFromInt(int64(i))))
	}
	// the division may leave the top a hair under max
	prices[nodes] = max
	return Normalize(Grid{Prices: prices}, filters.PriceTick, true)
}

func BuildDynamic(ref decimal.Decimal, nodes int, width, gap decimal.Decimal, filters core.SymbolFilters) (Grid, error) {
	spacing := width.Add(gap)
	if nodes <= 0 || ref.Cmp(decimal.Zero) <= 0 || spacing.Cmp(decimal.Zero) <= 0 {
		return Grid{}, ErrInvalidBounds
	}
	low := ref.Sub(spacing.Mul(decimal.NewFromInt(int64(nodes / 2))))
	if filters.MinPrice.Cmp(decimal.Zero) > 0 && low.Cmp(filters.MinPrice) < 0 {
		low = filters.MinPrice
	}
	if low.Cmp(decimal.Zero) <= 0 {
		low = spacing
	}
	prices := make([]decimal.Decimal, 0, nodes+1)
	for i := 0; i <= nodes; i++ {
		p := low.Add(spacing.Mul(decimal.NewFromInt(int64(i))))
		if filters.MaxPrice.Cmp(decimal.Zero) > 0 && p.Cmp(filters.MaxPrice) > 0 {
			break
		}
		prices = append(prices, p)
	}
	return Normalize(Grid{Prices: prices}, filters.PriceTick, false)
}

// Normalize rounds every level down to tick. With strict set, two levels
// landing on the same tick is an error; otherwise duplicates are dropped.
func Normalize(g Grid, tick decimal.Decimal, strict bool) (Grid, error) {
	out := make([]decimal.Decimal, 0, len(g.Prices))
	for _, p := range g.Prices {
		rp := core.RoundDown(p, tick)
		if len(out) > 0 && rp.Cmp(out[len(out)-1]) <= 0 {
			if strict {
				return Grid{}, ErrCollapsed
			}
			continue
		}
		out = append(out, rp)
	}
	if len(out) < 2 {
		return Grid{}, ErrCollapsed
	}
	return Grid{Prices: out}, nil
}

// Builder builds the grid once, on the first valid price, and then keeps it.
type Builder struct {
	mu   sync.Mutex
	spec Spec
	grid Grid
}

func NewBuilder(spec Spec) *Builder {
	return &Builder{spec: spec}
}

// Restore installs a previously persisted grid.
func (b *Builder) Restore(g Grid) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.grid.Empty() && !g.Empty() {
		b.grid = g
	}
}

func (b *Builder) Ensure(ref decimal.Decimal, filters core.SymbolFilters) (Grid, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.grid.Empty() {
		return b.grid, nil
	}
	g, err := Build(b.spec, ref, filters)
	if err != nil {
		return Grid{}, err
	}
	b.grid = g
	return g, nil
}

func (b *Builder) Grid() Grid {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.grid
}
