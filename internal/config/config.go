package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"spot-grid/internal/logging"
)

type Mode string

type GridMode string

type SellStrategy string

type WSAuth string

type Backend string

type PriceSource string

const (
	ModePaper   Mode = "paper"
	ModeTestnet Mode = "testnet"
	ModeLive    Mode = "live"
)

const (
	GridFixed   GridMode = "fixed"
	GridDynamic GridMode = "dynamic"
)

const (
	SellNodeUpper   SellStrategy = "node_upper"
	SellFixedMargin SellStrategy = "fixed_margin"
)

const (
	WSAuthSignature WSAuth = "signature"
	WSAuthSession   WSAuth = "session"
)

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

const (
	PriceBinance   PriceSource = "binance"
	PriceSynthetic PriceSource = "synthetic"
	PriceReplay    PriceSource = "replay"
)

const (
	EnvAPIKey        = "BINANCE_API_KEY"
	EnvAPISecret     = "BINANCE_API_SECRET"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvTelegramChat  = "TELEGRAM_CHAT_ID"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	Grid           GridConfig           `yaml:"grid"`
	Trading        TradingConfig        `yaml:"trading"`
	Cycle          CycleConfig          `yaml:"cycle"`
	CostBasis      CostBasisConfig      `yaml:"cost_basis"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Paper          PaperConfig          `yaml:"paper"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	HotReload      bool                 `yaml:"hot_reload"`
}

// GridConfig lays out the levels. Fixed grids use min/max/nodes, dynamic
// grids center nodes cells of node_width+node_gap on the first price.
type GridConfig struct {
	Mode      GridMode `yaml:"mode"`
	Min       Decimal  `yaml:"min"`
	Max       Decimal  `yaml:"max"`
	Nodes     int      `yaml:"nodes"`
	NodeWidth Decimal  `yaml:"node_width"`
	NodeGap   Decimal  `yaml:"node_gap"`
}

// TradingConfig holds the tunables that hot reload may change.
type TradingConfig struct {
	TradeSize    Decimal      `yaml:"trade_size"`
	SellStrategy SellStrategy `yaml:"sell_strategy"`
	SellOffset   Decimal      `yaml:"sell_offset"`
	SellMargin   Decimal      `yaml:"sell_margin"`
	FeeAllowance *Decimal     `yaml:"fee_allowance"`
}

type CycleConfig struct {
	IntervalSec     int64       `yaml:"interval_sec"`
	CallTimeoutSec  int64       `yaml:"call_timeout_sec"`
	Retry           RetryConfig `yaml:"retry"`
	RateLimitPerSec float64     `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int         `yaml:"rate_limit_burst"`
}

type RetryConfig struct {
	Attempts    int   `yaml:"attempts"`
	BaseDelayMs int64 `yaml:"base_delay_ms"`
	MaxDelayMs  int64 `yaml:"max_delay_ms"`
}

type CostBasisConfig struct {
	UseExchangeField *bool `yaml:"use_exchange_field"`
	MaxPages         int   `yaml:"max_pages"`
}

type ExchangeConfig struct {
	APIKey              string `yaml:"api_key"`
	APISecret           string `yaml:"api_secret"`
	RestBaseURL         string `yaml:"rest_base_url"`
	WSBaseURL           string `yaml:"ws_base_url"`
	WSAuth              WSAuth `yaml:"ws_auth"`
	WSEd25519KeyPath    string `yaml:"ws_ed25519_private_key_path"`
	RecvWindowMs        int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec      int64  `yaml:"http_timeout_sec"`
	OrderWSKeepaliveSec int64  `yaml:"order_ws_keepalive_sec"`
	ClientOrderPrefix   string `yaml:"client_order_prefix"`
	OnlyOwnOrders       bool   `yaml:"only_own_orders"`
}

type PaperConfig struct {
	BaseAsset          string      `yaml:"base_asset"`
	QuoteAsset         string      `yaml:"quote_asset"`
	InitialBase        Decimal     `yaml:"initial_base"`
	InitialQuote       Decimal     `yaml:"initial_quote"`
	FeeRate            Decimal     `yaml:"fee_rate"`
	PriceSource        PriceSource `yaml:"price_source"`
	SyntheticCenter    Decimal     `yaml:"synthetic_center"`
	SyntheticAmplitude Decimal     `yaml:"synthetic_amplitude"`
	SyntheticPeriodSec int64       `yaml:"synthetic_period_sec"`
	// ReplayPath is a .jsonl tick file or a directory of them.
	ReplayPath string     `yaml:"replay_path"`
	ReplayLoop bool       `yaml:"replay_loop"`
	Rules      PaperRules `yaml:"rules"`
}

type PaperRules struct {
	PriceTick   Decimal `yaml:"price_tick"`
	QtyStep     Decimal `yaml:"qty_step"`
	MinQty      Decimal `yaml:"min_qty"`
	MaxQty      Decimal `yaml:"max_qty"`
	MinPrice    Decimal `yaml:"min_price"`
	MaxPrice    Decimal `yaml:"max_price"`
	MinNotional Decimal `yaml:"min_notional"`
}

type StateConfig struct {
	Backend      Backend `yaml:"backend"`
	Dir          string  `yaml:"dir"`
	LockTakeover *bool   `yaml:"lock_takeover"`
	LockStaleSec int64   `yaml:"lock_stale_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCycleFailures  int   `yaml:"max_cycle_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
	HalfOpenSuccesses int   `yaml:"half_open_successes"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Log      logging.Config `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

// HTTPConfig serves /health and /metrics. An empty addr disables the server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type RuntimeConfig struct {
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
	AlertBatchMs       int64 `yaml:"alert_batch_ms"`
}

// Load reads one YAML document from path. A .env file next to it, when
// present, seeds the process environment first; variables already set win.
func Load(path string) (Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes, normalizes, defaults and validates raw YAML. Secrets left
// empty in the document are taken from the environment.
func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv()
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = os.Getenv(key)
		}
	}
	fill(&c.Exchange.APIKey, EnvAPIKey)
	fill(&c.Exchange.APISecret, EnvAPISecret)
	fill(&c.Observability.Telegram.BotToken, EnvTelegramToken)
	fill(&c.Observability.Telegram.ChatID, EnvTelegramChat)
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Grid.Mode = GridMode(strings.ToLower(strings.TrimSpace(string(c.Grid.Mode))))
	c.Trading.SellStrategy = SellStrategy(strings.ToLower(strings.TrimSpace(string(c.Trading.SellStrategy))))
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSBaseURL = strings.TrimSpace(c.Exchange.WSBaseURL)
	c.Exchange.WSEd25519KeyPath = strings.TrimSpace(c.Exchange.WSEd25519KeyPath)
	c.Exchange.WSAuth = WSAuth(strings.ToLower(strings.TrimSpace(string(c.Exchange.WSAuth))))
	c.Exchange.ClientOrderPrefix = strings.TrimSpace(c.Exchange.ClientOrderPrefix)
	c.Paper.BaseAsset = strings.ToUpper(strings.TrimSpace(c.Paper.BaseAsset))
	c.Paper.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.Paper.QuoteAsset))
	c.Paper.PriceSource = PriceSource(strings.ToLower(strings.TrimSpace(string(c.Paper.PriceSource))))
	c.State.Backend = Backend(strings.ToLower(strings.TrimSpace(string(c.State.Backend))))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.Observability.HTTP.Addr = strings.TrimSpace(c.Observability.HTTP.Addr)
	c.Observability.Log.Format = strings.ToLower(strings.TrimSpace(c.Observability.Log.Format))
	c.Observability.Log.Level = strings.ToLower(strings.TrimSpace(c.Observability.Log.Level))
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Grid.Mode == "" {
		c.Grid.Mode = GridFixed
	}
	if c.Trading.SellStrategy == "" {
		c.Trading.SellStrategy = SellNodeUpper
	}
	if c.Trading.FeeAllowance == nil {
		fee := NewDecimal("0.005")
		c.Trading.FeeAllowance = &fee
	}
	if c.Cycle.IntervalSec == 0 {
		c.Cycle.IntervalSec = 30
	}
	if c.Cycle.CallTimeoutSec == 0 {
		c.Cycle.CallTimeoutSec = 10
	}
	if c.Cycle.Retry.Attempts == 0 {
		c.Cycle.Retry.Attempts = 3
	}
	if c.Cycle.Retry.BaseDelayMs == 0 {
		c.Cycle.Retry.BaseDelayMs = 300
	}
	if c.Cycle.Retry.MaxDelayMs == 0 {
		c.Cycle.Retry.MaxDelayMs = 5000
	}
	if c.Cycle.RateLimitPerSec == 0 {
		c.Cycle.RateLimitPerSec = 10
	}
	if c.Cycle.RateLimitBurst == 0 {
		c.Cycle.RateLimitBurst = 5
	}
	if c.CostBasis.UseExchangeField == nil {
		enabled := true
		c.CostBasis.UseExchangeField = &enabled
	}
	if c.CostBasis.MaxPages == 0 {
		c.CostBasis.MaxPages = 50
	}
	if c.Exchange.WSAuth == "" {
		c.Exchange.WSAuth = WSAuthSignature
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.OrderWSKeepaliveSec == 0 {
		c.Exchange.OrderWSKeepaliveSec = 30
	}
	if c.Exchange.ClientOrderPrefix == "" {
		c.Exchange.ClientOrderPrefix = "sg_" + c.InstanceID
	}
	if c.Exchange.RestBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.RestBaseURL = "https://testnet.binance.vision"
		case ModeLive, ModePaper:
			c.Exchange.RestBaseURL = "https://api.binance.com"
		}
	}
	if c.Exchange.WSBaseURL == "" {
		switch c.Mode {
		case ModeTestnet:
			c.Exchange.WSBaseURL = "wss://ws-api.testnet.binance.vision/ws-api/v3"
		case ModeLive:
			c.Exchange.WSBaseURL = "wss://ws-api.binance.com:443/ws-api/v3"
		}
	}
	if c.Paper.PriceSource == "" {
		c.Paper.PriceSource = PriceSynthetic
	}
	if c.Paper.SyntheticPeriodSec == 0 {
		c.Paper.SyntheticPeriodSec = 3600
	}
	if c.Paper.BaseAsset == "" || c.Paper.QuoteAsset == "" {
		base, quote := splitSymbol(c.Symbol)
		if c.Paper.BaseAsset == "" {
			c.Paper.BaseAsset = base
		}
		if c.Paper.QuoteAsset == "" {
			c.Paper.QuoteAsset = quote
		}
	}
	if c.State.Backend == "" {
		c.State.Backend = BackendFile
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCycleFailures == 0 {
		c.CircuitBreaker.MaxCycleFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 60
	}
	if c.CircuitBreaker.HalfOpenSuccesses == 0 {
		c.CircuitBreaker.HalfOpenSuccesses = 1
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Log.Level == "" {
		c.Observability.Log.Level = "info"
	}
	if c.Observability.Log.Format == "" {
		c.Observability.Log.Format = "json"
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// splitSymbol guesses base and quote for symbols like ETHUSDC.
func splitSymbol(symbol string) (string, string) {
	for _, q := range knownQuotes {
		if len(symbol) > len(q) && strings.HasSuffix(symbol, q) {
			return strings.TrimSuffix(symbol, q), q
		}
	}
	return "", ""
}

func (c Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c Config) validate() error {
	switch c.Mode {
	case ModePaper, ModeTestnet, ModeLive:
	default:
		return fmt.Errorf("mode must be paper, testnet, or live")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 6..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if err := c.Grid.validate(); err != nil {
		return err
	}
	if err := c.Trading.Validate(); err != nil {
		return err
	}
	if c.Cycle.IntervalSec < 1 || c.Cycle.IntervalSec > 3600 {
		return fmt.Errorf("cycle.interval_sec must be between 1 and 3600")
	}
	if c.Cycle.CallTimeoutSec < 1 || c.Cycle.CallTimeoutSec > 120 {
		return fmt.Errorf("cycle.call_timeout_sec must be between 1 and 120")
	}
	if c.Cycle.Retry.Attempts < 1 || c.Cycle.Retry.Attempts > 10 {
		return fmt.Errorf("cycle.retry.attempts must be between 1 and 10")
	}
	if c.Cycle.Retry.BaseDelayMs < 0 || c.Cycle.Retry.MaxDelayMs < c.Cycle.Retry.BaseDelayMs {
		return fmt.Errorf("cycle.retry delays must satisfy 0 <= base_delay_ms <= max_delay_ms")
	}
	if c.Cycle.RateLimitPerSec < 0 || c.Cycle.RateLimitBurst < 1 {
		return fmt.Errorf("cycle.rate_limit_per_sec must be >= 0 and rate_limit_burst >= 1")
	}
	if c.CostBasis.MaxPages < 1 || c.CostBasis.MaxPages > 1000 {
		return fmt.Errorf("cost_basis.max_pages must be between 1 and 1000")
	}
	switch c.State.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("state.backend must be file or sqlite")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCycleFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cycle_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.HalfOpenSuccesses < 1 || c.CircuitBreaker.HalfOpenSuccesses > 20 {
			return fmt.Errorf("circuit_breaker.half_open_successes must be between 1 and 20")
		}
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertBatchMs < 0 || c.Observability.Runtime.AlertBatchMs > 60000 {
		return fmt.Errorf("observability.runtime.alert_batch_ms must be between 0 and 60000")
	}
	switch c.Observability.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("observability.log.format must be json or console")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	if c.Mode == ModePaper {
		return c.Paper.validate()
	}
	return c.Exchange.validate(c.Mode)
}

func (g GridConfig) validate() error {
	if g.Nodes < 1 || g.Nodes > 500 {
		return fmt.Errorf("grid.nodes must be between 1 and 500")
	}
	switch g.Mode {
	case GridFixed:
		if g.Min.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("grid.min must be > 0")
		}
		if g.Max.Cmp(g.Min.Decimal) <= 0 {
			return fmt.Errorf("grid.max must be > grid.min")
		}
	case GridDynamic:
		if g.NodeWidth.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("grid.node_width must be > 0")
		}
		if g.NodeGap.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("grid.node_gap must be >= 0")
		}
	default:
		return fmt.Errorf("grid.mode must be fixed or dynamic")
	}
	return nil
}

// Validate checks the hot reloadable section on its own.
func (t TradingConfig) Validate() error {
	if t.TradeSize.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("trading.trade_size must be > 0")
	}
	switch t.SellStrategy {
	case SellNodeUpper:
		if t.SellOffset.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("trading.sell_offset must be >= 0")
		}
	case SellFixedMargin:
		if t.SellMargin.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("trading.sell_margin must be > 0 for fixed_margin")
		}
	default:
		return fmt.Errorf("trading.sell_strategy must be node_upper or fixed_margin")
	}
	if t.FeeAllowance != nil {
		if t.FeeAllowance.Cmp(decimal.Zero) < 0 || t.FeeAllowance.Cmp(decimal.RequireFromString("0.1")) > 0 {
			return fmt.Errorf("trading.fee_allowance must be between 0 and 0.1")
		}
	}
	return nil
}

func (p PaperConfig) validate() error {
	if p.BaseAsset == "" || p.QuoteAsset == "" {
		return fmt.Errorf("paper.base_asset/quote_asset are required when the symbol cannot be split")
	}
	if p.InitialBase.Cmp(decimal.Zero) < 0 || p.InitialQuote.Cmp(decimal.Zero) < 0 {
		return fmt.Errorf("paper initial balances must be >= 0")
	}
	if p.FeeRate.Cmp(decimal.Zero) < 0 || p.FeeRate.Cmp(decimal.RequireFromString("0.01")) > 0 {
		return fmt.Errorf("paper.fee_rate must be between 0 and 0.01")
	}
	switch p.PriceSource {
	case PriceBinance:
	case PriceSynthetic:
		if p.SyntheticCenter.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("paper.synthetic_center must be > 0")
		}
		if p.SyntheticAmplitude.Cmp(decimal.Zero) < 0 || p.SyntheticAmplitude.Cmp(p.SyntheticCenter.Decimal) >= 0 {
			return fmt.Errorf("paper.synthetic_amplitude must be in [0, synthetic_center)")
		}
		if p.SyntheticPeriodSec < 1 {
			return fmt.Errorf("paper.synthetic_period_sec must be >= 1")
		}
	case PriceReplay:
		if strings.TrimSpace(p.ReplayPath) == "" {
			return fmt.Errorf("paper.replay_path required for replay price source")
		}
	default:
		return fmt.Errorf("paper.price_source must be binance, synthetic or replay")
	}
	r := p.Rules
	for name, v := range map[string]Decimal{
		"price_tick": r.PriceTick, "qty_step": r.QtyStep, "min_qty": r.MinQty, "max_qty": r.MaxQty,
		"min_price": r.MinPrice, "max_price": r.MaxPrice, "min_notional": r.MinNotional,
	} {
		if v.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("paper.rules.%s must be >= 0", name)
		}
	}
	return nil
}

func (e ExchangeConfig) validate(mode Mode) error {
	if e.APIKey == "" || e.APISecret == "" {
		return fmt.Errorf("exchange api_key/api_secret are required for %s mode", mode)
	}
	if e.RestBaseURL == "" || e.WSBaseURL == "" {
		return fmt.Errorf("exchange rest_base_url/ws_base_url are required for %s mode", mode)
	}
	if e.RecvWindowMs < 1 || e.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if e.HTTPTimeoutSec < 1 || e.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if e.OrderWSKeepaliveSec < 1 || e.OrderWSKeepaliveSec > 300 {
		return fmt.Errorf("exchange order_ws_keepalive_sec must be between 1 and 300")
	}
	if err := validateURL(e.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(e.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_base_url %v", err)
	}
	if e.WSAuth != WSAuthSignature && e.WSAuth != WSAuthSession {
		return fmt.Errorf("exchange ws_auth must be signature or session")
	}
	if e.WSAuth == WSAuthSession && e.WSEd25519KeyPath == "" {
		return fmt.Errorf("exchange ws_ed25519_private_key_path is required for session auth")
	}
	return nil
}

func (c Config) Interval() time.Duration {
	return time.Duration(c.Cycle.IntervalSec) * time.Second
}

// StateDir is where this instance keeps its files: <dir>/<mode>/<symbol>/<instance>.
func (c Config) StateDir() string {
	return filepath.Join(c.State.Dir, string(c.Mode), c.Symbol, c.InstanceID)
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 6 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
