package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"spot-grid/internal/config"
	"spot-grid/internal/core"
	"spot-grid/internal/exchange"
	"spot-grid/internal/exchange/binance"
	"spot-grid/internal/logging"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

func (r report) failed() bool {
	for _, c := range r.Checks {
		if c.Status == statusFail {
			return true
		}
	}
	return false
}

func main() {
	var (
		configPath   string
		timeoutSec   int
		outJSONPath  string
		allowLiveRun bool
		place        bool
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.BoolVar(&place, "place", false, "place one minimum size buy far below market and query it back")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeTestnet && cfg.Mode != config.ModeLive {
		fatal("testnetcheck requires mode=testnet or mode=live")
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	logger, err := logging.New(cfg.Observability.Log)
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	client, err := binance.NewClient(binance.OptionsFromConfig(cfg.Exchange, logger))
	if err != nil {
		fatal(err.Error())
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()
	r := runChecks(ctx, client, cfg.Symbol, place)
	r.Mode = cfg.Mode

	for _, c := range r.Checks {
		logger.Info("check_result",
			zap.String("name", c.Name),
			zap.String("status", string(c.Status)),
			zap.Int64("duration_ms", c.DurationMs),
			zap.String("detail", c.Detail),
			zap.String("error", c.Error),
		)
	}
	if outJSONPath != "" {
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			fatal(err.Error())
		}
		if err := os.WriteFile(outJSONPath, data, 0o644); err != nil {
			fatal(err.Error())
		}
	}
	if r.failed() {
		os.Exit(1)
	}
}

// runChecks exercises every venue call the cycle makes. Later checks that
// need symbol info or a price are skipped when those failed.
func runChecks(ctx context.Context, venue exchange.Exchange, symbol string, place bool) report {
	r := report{StartedAt: time.Now().UTC(), Symbol: symbol}
	run := func(name string, fn func() (string, error)) bool {
		start := time.Now()
		detail, err := fn()
		res := checkResult{Name: name, Status: statusPass, DurationMs: time.Since(start).Milliseconds(), Detail: detail}
		if err != nil {
			res.Status = statusFail
			res.Error = err.Error()
		}
		r.Checks = append(r.Checks, res)
		return err == nil
	}
	skip := func(name, why string) {
		r.Checks = append(r.Checks, checkResult{Name: name, Status: statusSkip, Detail: why})
	}

	var (
		info  core.SymbolInfo
		price decimal.Decimal
	)
	infoOK := run("symbol_info", func() (string, error) {
		var err error
		info, err = venue.SymbolInfo(ctx, symbol)
		if err != nil {
			return "", err
		}
		if !info.Filters.Loaded() {
			return "", errors.New("filters missing price tick or qty step")
		}
		return fmt.Sprintf("base=%s quote=%s tick=%s step=%s min_notional=%s",
			info.BaseAsset, info.QuoteAsset, info.Filters.PriceTick, info.Filters.QtyStep, info.Filters.MinNotional), nil
	})
	priceOK := run("ticker_price", func() (string, error) {
		var err error
		price, err = venue.TickerPrice(ctx, symbol)
		if err != nil {
			return "", err
		}
		if price.Cmp(decimal.Zero) <= 0 {
			return "", fmt.Errorf("non-positive price %s", price)
		}
		return price.String(), nil
	})
	if infoOK {
		run("balances", func() (string, error) {
			b, err := venue.Balances(ctx, info.BaseAsset, info.QuoteAsset)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s=%s %s=%s", info.BaseAsset, b.Free(info.BaseAsset), info.QuoteAsset, b.Free(info.QuoteAsset)), nil
		})
	} else {
		skip("balances", "symbol info unavailable")
	}
	run("open_orders", func() (string, error) {
		open, err := venue.OpenOrders(ctx, symbol)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("count=%d", len(open)), nil
	})
	run("trade_history", func() (string, error) {
		trades, next, err := venue.ListTrades(ctx, symbol, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("first_page=%d more=%t", len(trades), next != ""), nil
	})
	if src, ok := venue.(exchange.CostBasisSource); ok && infoOK {
		run("cost_basis_field", func() (string, error) {
			avg, err := src.AverageCost(ctx, info.BaseAsset)
			if errors.Is(err, core.ErrCostBasisUnavailable) {
				return "unavailable, history replay will be used", nil
			}
			if err != nil {
				return "", err
			}
			return avg.String(), nil
		})
	}

	switch {
	case !place:
		skip("place_and_query", "pass -place to run")
	case !infoOK || !priceOK:
		skip("place_and_query", "symbol info or price unavailable")
	default:
		run("place_and_query", func() (string, error) {
			return placeAndQuery(ctx, venue, info, price)
		})
	}
	r.FinishedAt = time.Now().UTC()
	return r
}

// placeAndQuery rests a minimum notional buy at half the market price. The
// order is left open; cancel it on the venue afterwards.
func placeAndQuery(ctx context.Context, venue exchange.Exchange, info core.SymbolInfo, market decimal.Decimal) (string, error) {
	f := info.Filters
	px := f.ClampPrice(f.RoundPriceDown(market.Div(decimal.NewFromInt(2))))
	if px.Cmp(decimal.Zero) <= 0 {
		return "", errors.New("no valid price below market")
	}
	notional := f.MinNotional
	if notional.Cmp(decimal.Zero) <= 0 {
		notional = decimal.NewFromInt(10)
	}
	qty := f.RoundQtyDown(notional.Div(px)).Add(f.QtyStep)
	if f.MinQty.Cmp(decimal.Zero) > 0 && qty.Cmp(f.MinQty) < 0 {
		qty = f.MinQty
	}
	if err := f.Validate(px, qty); err != nil {
		return "", err
	}
	placed, err := venue.PlaceOrder(ctx, core.Order{
		Symbol: info.Symbol,
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  px,
		Qty:    qty,
	})
	if err != nil {
		return "", err
	}
	got, err := venue.QueryOrder(ctx, info.Symbol, placed.ID)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", placed.ID, err)
	}
	return fmt.Sprintf("order_id=%s client_id=%s status=%s price=%s qty=%s", got.ID, got.ClientID, got.Status, px, qty), nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
