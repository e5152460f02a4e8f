package config

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultReloadDebounce = 500 * time.Millisecond

// Watcher re-reads the config file when it changes and hands the trading
// section to OnChange. Every other section is frozen at startup; edits to
// those are logged and ignored.
type Watcher struct {
	Path     string
	Current  Config
	OnChange func(TradingConfig)
	Logger   *zap.Logger
	Debounce time.Duration
}

// Run blocks until ctx is done. The directory is watched rather than the file
// so editors that replace the file on save keep triggering reloads.
func (w *Watcher) Run(ctx context.Context) error {
	logger := w.logger()
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultReloadDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	abs, err := filepath.Abs(w.Path)
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			pending = timer.C
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config_watch_error", zap.Error(err))
		case <-pending:
			pending = nil
			w.reload(logger)
		}
	}
}

func (w *Watcher) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}

func (w *Watcher) reload(logger *zap.Logger) {
	next, err := Load(w.Path)
	if err != nil {
		logger.Warn("config_reload_rejected", zap.Error(err))
		return
	}
	if frozen := FrozenChanges(w.Current, next); len(frozen) > 0 {
		logger.Warn("config_frozen_fields_changed", zap.Strings("sections", frozen))
	}
	if reflect.DeepEqual(w.Current.Trading, next.Trading) {
		return
	}
	w.Current.Trading = next.Trading
	logger.Info("config_reloaded",
		zap.String("trade_size", next.Trading.TradeSize.String()),
		zap.String("sell_strategy", string(next.Trading.SellStrategy)),
	)
	if w.OnChange != nil {
		w.OnChange(next.Trading)
	}
}

// FrozenChanges lists the sections of next that differ from prev and cannot
// be applied without a restart.
func FrozenChanges(prev, next Config) []string {
	var out []string
	if prev.Mode != next.Mode || prev.Symbol != next.Symbol || prev.InstanceID != next.InstanceID {
		out = append(out, "identity")
	}
	if !reflect.DeepEqual(prev.Grid, next.Grid) {
		out = append(out, "grid")
	}
	if !reflect.DeepEqual(prev.Exchange, next.Exchange) {
		out = append(out, "exchange")
	}
	if !reflect.DeepEqual(prev.State, next.State) {
		out = append(out, "state")
	}
	return out
}
