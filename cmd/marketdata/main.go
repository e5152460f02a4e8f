// Command marketdata downloads Binance klines into per-day .jsonl files that
// the paper venue can replay.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spot-grid/internal/exchange/binance"
	"spot-grid/internal/logging"
	"spot-grid/internal/retry"
)

type tickLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Symbol    string `json:"symbol"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Price     string `json:"price"`
	Volume    string `json:"volume"`
}

// dayWriter keeps one file open per UTC day and rotates when the day changes.
type dayWriter struct {
	root string
	day  string
	file *os.File
}

func (w *dayWriter) write(at time.Time, line []byte) error {
	day := at.UTC().Format("2006-01-02")
	if day != w.day || w.file == nil {
		if err := w.close(); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(w.root, day+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		w.file, w.day = f, day
	}
	_, err := w.file.Write(append(line, '\n'))
	return err
}

func (w *dayWriter) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

func main() {
	var (
		baseURL  string
		symbol   string
		interval string
		months   int
		startRaw string
		endRaw   string
		outDir   string
		timeout  int64
	)
	flag.StringVar(&baseURL, "base-url", binance.DefaultRestBaseURL, "exchange REST base url")
	flag.StringVar(&symbol, "symbol", "ETHUSDC", "symbol, e.g. ETHUSDC")
	flag.StringVar(&interval, "interval", "1m", "kline interval, e.g. 1m/5m/15m/1h")
	flag.IntVar(&months, "months", 1, "how many months to fetch back from now")
	flag.StringVar(&startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	flag.StringVar(&endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	flag.StringVar(&outDir, "out-dir", "data", "output root dir")
	flag.Int64Var(&timeout, "timeout-sec", 20, "http timeout seconds")
	flag.Parse()

	logger, err := logging.New(logging.DefaultConfig())
	if err != nil {
		fatal(err.Error())
	}
	defer func() { _ = logger.Sync() }()

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	interval = strings.TrimSpace(interval)
	if symbol == "" || interval == "" {
		fatal("symbol and interval are required")
	}
	start, end, err := resolveWindow(time.Now().UTC(), months, startRaw, endRaw)
	if err != nil {
		fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := binance.NewClientWithOptions(binance.Options{
		RestBaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPTimeoutSec: timeout,
		Logger:         logger,
	})
	defer client.Close()

	target := filepath.Join(outDir, symbol, interval)
	if err := os.MkdirAll(target, 0o755); err != nil {
		fatal(err.Error())
	}
	w := &dayWriter{root: target}
	n, err := download(ctx, client, w, symbol, interval, start, end, logger)
	if closeErr := w.close(); err == nil {
		err = closeErr
	}
	if err != nil {
		logger.Error("marketdata_failed", zap.Error(err), zap.Int("records", n))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("marketdata_done", zap.Int("records", n), zap.String("output", target))
}

func download(ctx context.Context, client *binance.Client, w *dayWriter, symbol, interval string, start, end time.Time, logger *zap.Logger) (int, error) {
	policy := retry.DefaultPolicy()
	policy.Attempts = 5
	policy.OnRetry = func(op string, attempt int, err error) {
		logger.Warn("marketdata_retry", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
	}
	limiter := rate.NewLimiter(rate.Every(120*time.Millisecond), 1)

	total, pages := 0, 0
	cursor := start
	for cursor.Before(end) {
		if err := limiter.Wait(ctx); err != nil {
			return total, err
		}
		batch, err := retry.DoValue(ctx, policy, "klines", func(ctx context.Context) ([]binance.Kline, error) {
			return client.Klines(ctx, symbol, interval, cursor, end.Add(-time.Millisecond), 0)
		})
		if err != nil {
			return total, err
		}
		pages++
		if len(batch) == 0 {
			break
		}
		for _, k := range batch {
			if !k.OpenTime.Before(end) {
				continue
			}
			line, err := json.Marshal(tickLine{
				Time:      k.OpenTime.Format(time.RFC3339),
				Timestamp: k.OpenTime.UnixMilli(),
				Symbol:    symbol,
				Interval:  interval,
				Open:      k.Open.String(),
				High:      k.High.String(),
				Low:       k.Low.String(),
				Close:     k.Close.String(),
				Price:     k.Close.String(),
				Volume:    k.Volume.String(),
			})
			if err != nil {
				return total, err
			}
			if err := w.write(k.OpenTime, line); err != nil {
				return total, err
			}
			total++
		}
		next := batch[len(batch)-1].OpenTime.Add(time.Millisecond)
		if !next.After(cursor) {
			break
		}
		cursor = next
		if pages%20 == 0 {
			logger.Info("marketdata_progress", zap.Int("pages", pages), zap.Int("records", total), zap.Time("cursor", cursor))
		}
	}
	return total, nil
}

func resolveWindow(now time.Time, months int, startRaw, endRaw string) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if months < 1 {
			return time.Time{}, time.Time{}, errors.New("months must be >= 1")
		}
		return now.AddDate(0, -months, 0), now, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, _, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, dateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if dateOnly {
		end = end.Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start, end, nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true, nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
