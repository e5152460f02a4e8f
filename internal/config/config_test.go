package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const paperBase = `
symbol: ETHUSDC

grid:
  min: "1900"
  max: "1960"
  nodes: 3

trading:
  trade_size: "80"

paper:
  initial_quote: "1000"
  synthetic_center: "1930"
  synthetic_amplitude: "40"
  rules:
    price_tick: "0.01"
    qty_step: "0.0001"
    min_qty: "0.0001"
    min_notional: "5"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, paperBase))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModePaper {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModePaper)
	}
	if cfg.Grid.Mode != GridFixed {
		t.Fatalf("grid.mode = %q, want %q", cfg.Grid.Mode, GridFixed)
	}
	if cfg.Trading.SellStrategy != SellNodeUpper {
		t.Fatalf("trading.sell_strategy = %q, want %q", cfg.Trading.SellStrategy, SellNodeUpper)
	}
	if cfg.Trading.FeeAllowance == nil || !cfg.Trading.FeeAllowance.Equal(decimal.RequireFromString("0.005")) {
		t.Fatalf("trading.fee_allowance = %v, want 0.005", cfg.Trading.FeeAllowance)
	}
	if cfg.Cycle.IntervalSec != 30 || cfg.Cycle.CallTimeoutSec != 10 {
		t.Fatalf("cycle = %+v, want interval 30 timeout 10", cfg.Cycle)
	}
	if cfg.Cycle.Retry.Attempts != 3 || cfg.Cycle.Retry.BaseDelayMs != 300 || cfg.Cycle.Retry.MaxDelayMs != 5000 {
		t.Fatalf("cycle.retry = %+v", cfg.Cycle.Retry)
	}
	if cfg.CostBasis.UseExchangeField == nil || !*cfg.CostBasis.UseExchangeField || cfg.CostBasis.MaxPages != 50 {
		t.Fatalf("cost_basis = %+v", cfg.CostBasis)
	}
	if cfg.Paper.BaseAsset != "ETH" || cfg.Paper.QuoteAsset != "USDC" {
		t.Fatalf("paper assets = %s/%s, want ETH/USDC", cfg.Paper.BaseAsset, cfg.Paper.QuoteAsset)
	}
	if cfg.Paper.PriceSource != PriceSynthetic {
		t.Fatalf("paper.price_source = %q, want synthetic", cfg.Paper.PriceSource)
	}
	if cfg.State.Backend != BackendFile || cfg.State.Dir != "state" || cfg.State.LockStaleSec != 600 {
		t.Fatalf("state = %+v", cfg.State)
	}
	if cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want true", cfg.State.LockTakeover)
	}
	if cfg.Exchange.ClientOrderPrefix != "sg_default" {
		t.Fatalf("exchange.client_order_prefix = %q, want sg_default", cfg.Exchange.ClientOrderPrefix)
	}
	if cfg.Observability.Log.Level != "info" || cfg.Observability.Log.Format != "json" {
		t.Fatalf("observability.log = %+v", cfg.Observability.Log)
	}
	if got := cfg.StateDir(); got != filepath.Join("state", "paper", "ETHUSDC", "default") {
		t.Fatalf("StateDir() = %q", got)
	}
	if cfg.Interval() != 30*time.Second {
		t.Fatalf("Interval() = %v", cfg.Interval())
	}
}

func TestLoadNormalizesSymbolAndInstanceID(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, strings.Replace(paperBase, "symbol: ETHUSDC", "symbol: \" ethusdc \"\ninstance_id: \" Bot_A \"", 1)))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Symbol != "ETHUSDC" {
		t.Fatalf("symbol = %q", cfg.Symbol)
	}
	if cfg.InstanceID != "bot_a" {
		t.Fatalf("instance_id = %q", cfg.InstanceID)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writeTempConfig(t, paperBase+"\nstrategy_regime: on\n"))
	if err == nil {
		t.Fatalf("Load() error = nil, want unknown field error")
	}
	if !strings.Contains(err.Error(), "strategy_regime") {
		t.Fatalf("Load() error = %q, want it to name the field", err.Error())
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := Load(writeTempConfig(t, paperBase+"\n---\n{}\n"))
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadRejectsInvalidGrid(t *testing.T) {
	cases := map[string]struct {
		from, to string
		want     string
	}{
		"max below min":   {`max: "1960"`, `max: "1800"`, "grid.max must be > grid.min"},
		"zero nodes":      {"nodes: 3", "nodes: 0", "grid.nodes"},
		"unknown mode":    {"nodes: 3", "nodes: 3\n  mode: geometric", "grid.mode must be fixed or dynamic"},
		"dynamic no cell": {"nodes: 3", "nodes: 3\n  mode: dynamic", "grid.node_width must be > 0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, strings.Replace(paperBase, tc.from, tc.to, 1)))
			if err == nil {
				t.Fatalf("Load() error = nil, want %q", tc.want)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("Load() error = %v, want ErrInvalid", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %q, want contains %q", err.Error(), tc.want)
			}
		})
	}
}

func TestLoadDynamicGrid(t *testing.T) {
	raw := strings.Replace(paperBase, "nodes: 3", "nodes: 4\n  mode: dynamic\n  node_width: \"10\"\n  node_gap: \"2\"", 1)
	cfg, err := Load(writeTempConfig(t, raw))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Grid.Mode != GridDynamic || !cfg.Grid.NodeWidth.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("grid = %+v", cfg.Grid)
	}
}

func TestLoadRejectsInvalidTrading(t *testing.T) {
	cases := map[string]struct {
		to   string
		want string
	}{
		"zero size":       {`trade_size: "0"`, "trading.trade_size must be > 0"},
		"margin missing":  {"trade_size: \"80\"\n  sell_strategy: fixed_margin", "trading.sell_margin must be > 0"},
		"bad strategy":    {"trade_size: \"80\"\n  sell_strategy: trailing", "trading.sell_strategy"},
		"negative offset": {"trade_size: \"80\"\n  sell_offset: \"-1\"", "trading.sell_offset must be >= 0"},
		"fee allowance":   {"trade_size: \"80\"\n  fee_allowance: \"0.5\"", "trading.fee_allowance"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, strings.Replace(paperBase, `trade_size: "80"`, tc.to, 1)))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %v, want contains %q", err, tc.want)
			}
		})
	}
}

func TestLoadRejectsInvalidMode(t *testing.T) {
	_, err := Load(writeTempConfig(t, "mode: backtest\n"+paperBase))
	if err == nil || !strings.Contains(err.Error(), "mode must be paper, testnet, or live") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	_, err := Load(writeTempConfig(t, "mode: live\n"+paperBase))
	if err == nil || !strings.Contains(err.Error(), "api_key/api_secret are required for live mode") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadTakesSecretsFromEnvironment(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvAPISecret, "env-secret")
	cfg, err := Load(writeTempConfig(t, "mode: testnet\n"+paperBase))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("exchange credentials = %q/%q", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
	if cfg.Exchange.RestBaseURL != "https://testnet.binance.vision" {
		t.Fatalf("rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if !strings.HasPrefix(cfg.Exchange.WSBaseURL, "wss://ws-api.testnet.binance.vision") {
		t.Fatalf("ws_base_url = %q", cfg.Exchange.WSBaseURL)
	}
}

func TestLoadReadsDotEnvBesideConfig(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvTelegramChat, "")
	os.Unsetenv(EnvTelegramToken)
	os.Unsetenv(EnvTelegramChat)
	path := writeTempConfig(t, paperBase+"\nobservability:\n  telegram:\n    enabled: true\n")
	dotenv := "TELEGRAM_BOT_TOKEN=abc\nTELEGRAM_CHAT_ID=42\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(dotenv), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Observability.Telegram.BotToken != "abc" || cfg.Observability.Telegram.ChatID != "42" {
		t.Fatalf("telegram = %+v", cfg.Observability.Telegram)
	}
}

func TestLoadTelegramRequiresCredentials(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")
	t.Setenv(EnvTelegramChat, "")
	_, err := Load(writeTempConfig(t, paperBase+"\nobservability:\n  telegram:\n    enabled: true\n"))
	if err == nil || !strings.Contains(err.Error(), "bot_token is required") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	_, err := Load(writeTempConfig(t, paperBase+"\nobservability:\n  telegram:\n    enabled: false\n    api_base_url: \"not a url\"\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadRejectsInvalidExchangeWSBaseURLScheme(t *testing.T) {
	raw := "mode: live\n" + paperBase + `
exchange:
  api_key: k
  api_secret: s
  ws_base_url: https://ws-api.binance.com/ws-api/v3
`
	_, err := Load(writeTempConfig(t, raw))
	if err == nil || !strings.Contains(err.Error(), "exchange ws_base_url scheme must be ws or wss") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadSessionAuthNeedsKeyPath(t *testing.T) {
	raw := "mode: live\n" + paperBase + `
exchange:
  api_key: k
  api_secret: s
  ws_auth: session
`
	_, err := Load(writeTempConfig(t, raw))
	if err == nil || !strings.Contains(err.Error(), "ws_ed25519_private_key_path is required") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadPaperIgnoresExchangeValidation(t *testing.T) {
	_, err := Load(writeTempConfig(t, paperBase+"\nexchange:\n  recv_window_ms: 999999\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadPaperRequiresSplittableSymbol(t *testing.T) {
	_, err := Load(writeTempConfig(t, strings.Replace(paperBase, "symbol: ETHUSDC", "symbol: ABCDEFGH", 1)))
	if err == nil || !strings.Contains(err.Error(), "paper.base_asset/quote_asset") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadPaperRejectsAmplitudeAboveCenter(t *testing.T) {
	_, err := Load(writeTempConfig(t, strings.Replace(paperBase, `synthetic_amplitude: "40"`, `synthetic_amplitude: "2000"`, 1)))
	if err == nil || !strings.Contains(err.Error(), "synthetic_amplitude") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadPaperReplayNeedsPath(t *testing.T) {
	raw := strings.Replace(paperBase, "paper:\n", "paper:\n  price_source: Replay\n", 1)
	_, err := Load(writeTempConfig(t, raw))
	if err == nil || !strings.Contains(err.Error(), "replay_path") {
		t.Fatalf("Load() error = %v", err)
	}

	raw = strings.Replace(paperBase, "paper:\n", "paper:\n  price_source: replay\n  replay_path: data/ETHUSDC/1m\n  replay_loop: true\n", 1)
	cfg, err := Load(writeTempConfig(t, raw))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Paper.PriceSource != PriceReplay || !cfg.Paper.ReplayLoop {
		t.Fatalf("paper = %+v", cfg.Paper)
	}
}

func TestLoadSQLiteBackend(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, paperBase+"\nstate:\n  backend: SQLite\n  lock_takeover: false\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.Backend != BackendSQLite {
		t.Fatalf("state.backend = %q", cfg.State.Backend)
	}
	if cfg.State.LockTakeover == nil || *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover = %v, want false", cfg.State.LockTakeover)
	}
}

func TestLoadRejectsInvalidBreaker(t *testing.T) {
	_, err := Load(writeTempConfig(t, paperBase+"\ncircuit_breaker:\n  enabled: true\n  cooldown_sec: 7200\n"))
	if err == nil || !strings.Contains(err.Error(), "circuit_breaker.cooldown_sec") {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestFrozenChanges(t *testing.T) {
	prev, err := Parse([]byte(paperBase))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	next, err := Parse([]byte(strings.Replace(strings.Replace(paperBase, "nodes: 3", "nodes: 4", 1), `trade_size: "80"`, `trade_size: "90"`, 1)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := FrozenChanges(prev, next)
	if len(got) != 1 || got[0] != "grid" {
		t.Fatalf("FrozenChanges() = %v, want [grid]", got)
	}
	if len(FrozenChanges(prev, prev)) != 0 {
		t.Fatalf("FrozenChanges(prev, prev) not empty")
	}
}

func TestWatcherAppliesTradingChanges(t *testing.T) {
	path := writeTempConfig(t, paperBase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	changes := make(chan TradingConfig, 4)
	w := &Watcher{
		Path:     path,
		Current:  cfg,
		Debounce: 20 * time.Millisecond,
		OnChange: func(tc TradingConfig) { changes <- tc },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// the watch is registered asynchronously; keep rewriting until it lands
	updated := strings.Replace(paperBase, `trade_size: "80"`, `trade_size: "120"`, 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case tc := <-changes:
			if !tc.TradeSize.Equal(decimal.NewFromInt(120)) {
				t.Fatalf("trade_size = %s, want 120", tc.TradeSize)
			}
			return
		case <-tick.C:
			if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
				t.Fatalf("rewrite config: %v", err)
			}
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}

func TestWatcherIgnoresInvalidRewrite(t *testing.T) {
	path := writeTempConfig(t, paperBase)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	called := false
	w := &Watcher{Path: path, Current: cfg, OnChange: func(TradingConfig) { called = true }}
	if err := os.WriteFile(path, []byte(strings.Replace(paperBase, `trade_size: "80"`, `trade_size: "-1"`, 1)), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	w.reload(w.logger())
	if called {
		t.Fatalf("OnChange called for invalid config")
	}
	if !w.Current.Trading.TradeSize.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("trade_size = %s, want 80", w.Current.Trading.TradeSize)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestDecimalYAML(t *testing.T) {
	var doc struct {
		Quoted Decimal `yaml:"quoted"`
		Bare   Decimal `yaml:"bare"`
		Empty  Decimal `yaml:"empty"`
	}
	if err := yaml.Unmarshal([]byte("quoted: \"0.0001\"\nbare: 1900.50\nempty: \"\"\n"), &doc); err != nil {
		t.Fatal(err)
	}
	if !doc.Quoted.Equal(decimal.RequireFromString("0.0001")) || doc.Bare.String() != "1900.5" || !doc.Empty.IsZero() {
		t.Fatalf("decoded = %+v", doc)
	}

	err := yaml.Unmarshal([]byte("quoted: \"1\"\nbare: abc\n"), &doc)
	if err == nil || !strings.Contains(err.Error(), "line 2") || !strings.Contains(err.Error(), `"abc"`) {
		t.Fatalf("err = %v", err)
	}
	err = yaml.Unmarshal([]byte("quoted: [1, 2]\n"), &doc)
	if err == nil || !strings.Contains(err.Error(), "line 1: expected a decimal scalar") {
		t.Fatalf("err = %v", err)
	}

	out, err := yaml.Marshal(struct {
		V Decimal `yaml:"v"`
	}{V: NewDecimal("0.00010")})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != `v: "0.0001"` {
		t.Fatalf("marshal = %q", out)
	}
}
