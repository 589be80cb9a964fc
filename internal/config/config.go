// Package config defines the top-level configuration for the polyarb engine
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by POLYARB_* environment variables.
type Config struct {
	Engine      EngineConfig      `toml:"engine"`
	Capital     CapitalConfig     `toml:"capital"`
	Market      MarketConfig      `toml:"market"`
	Strategies  StrategiesConfig  `toml:"strategies"`
	Compounding CompoundingConfig `toml:"compounding"`
	Execution   ExecutionConfig   `toml:"execution"`
	Venue       VenueConfig       `toml:"venue"`
	Feeds       FeedsConfig       `toml:"feeds"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	LogLevel    string            `toml:"log_level"`
}

// Engine modes.
const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

// EngineConfig holds the scan loop settings.
type EngineConfig struct {
	// Mode is "dry_run" (simulated fills against live books) or "live".
	Mode            string   `toml:"mode"`
	ScanInterval    duration `toml:"scan_interval"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	// Workers bounds concurrent strategy evaluations; zero means one per
	// strategy.
	Workers int `toml:"workers"`
}

// CapitalConfig holds the risk manager settings. Amounts are USD.
type CapitalConfig struct {
	InitialCapital float64  `toml:"initial_capital"`
	MaxDailyLoss   float64  `toml:"max_daily_loss"`
	ReservationTTL duration `toml:"reservation_ttl"`
	SweepInterval  duration `toml:"sweep_interval"`
	// DayTimezone is an IANA zone name; the trading day starts at its
	// midnight.
	DayTimezone string `toml:"day_timezone"`
}

// MarketConfig holds the aggregator and impulse detector settings, plus
// statically configured markets.
type MarketConfig struct {
	ImpulseWindow    duration    `toml:"impulse_window"`
	ImpulseThreshold float64     `toml:"impulse_threshold"`
	ImpulseDecay     duration    `toml:"impulse_decay"`
	MaxPoints        int         `toml:"max_points"`
	ResyncBuffer     int         `toml:"resync_buffer"`
	Markets          []MarketDef `toml:"markets"`
}

// MarketDef registers a market by hand, or overrides the instrument link of
// a market discovered from the venue.
type MarketDef struct {
	ID         string   `toml:"id"`
	Question   string   `toml:"question"`
	Outcomes   []string `toml:"outcomes"`
	Instrument string   `toml:"instrument"`
	Direction  string   `toml:"direction"`
	// ResolvesAt is RFC 3339.
	ResolvesAt string `toml:"resolves_at"`
}

// StrategyCommon holds the knobs every strategy shares.
type StrategyCommon struct {
	Enabled       bool     `toml:"enabled"`
	Weight        float64  `toml:"weight"`
	MaxPosition   float64  `toml:"max_position"`
	MaxAllocation float64  `toml:"max_allocation"`
	Cooldown      duration `toml:"cooldown"`
}

// StrategiesConfig holds one section per strategy.
type StrategiesConfig struct {
	Latency      LatencyConfig      `toml:"latency_arb"`
	NearResolved NearResolvedConfig `toml:"near_resolved"`
	YesNo        YesNoConfig        `toml:"yes_no_arb"`
	Spread       SpreadConfig       `toml:"spread_trading"`
	Range        RangeConfig        `toml:"range_coverage"`
}

// LatencyConfig tunes latency arbitrage.
type LatencyConfig struct {
	StrategyCommon
	LagWindow     duration `toml:"lag_window"`
	Sensitivity   float64  `toml:"sensitivity"`
	MaxCapture    float64  `toml:"max_capture"`
	MinEdge       float64  `toml:"min_edge"`
	MinConfidence float64  `toml:"min_confidence"`
}

// NearResolvedConfig tunes near-resolved sniping.
type NearResolvedConfig struct {
	StrategyCommon
	MinProbability      float64  `toml:"min_probability"`
	MaxProbability      float64  `toml:"max_probability"`
	MinYield            float64  `toml:"min_yield"`
	MaxTimeToResolution duration `toml:"max_time_to_resolution"`
	MaxPerMarketPct     float64  `toml:"max_per_market_pct"`
	MinPosition         float64  `toml:"min_position"`
}

// YesNoConfig tunes yes/no arbitrage.
type YesNoConfig struct {
	StrategyCommon
	MinSpread float64 `toml:"min_spread"`
}

// SpreadConfig tunes spread trading.
type SpreadConfig struct {
	StrategyCommon
	MinSpread             float64 `toml:"min_spread"`
	Improve               float64 `toml:"improve"`
	OrderSize             float64 `toml:"order_size"`
	MaxInventoryImbalance float64 `toml:"max_inventory_imbalance"`
}

// RangeConfig tunes range coverage.
type RangeConfig struct {
	StrategyCommon
	MaxTotalCost    float64 `toml:"max_total_cost"`
	MinOutcomes     int     `toml:"min_outcomes"`
	TargetProfitPct float64 `toml:"target_profit_pct"`
}

// CompoundingConfig tunes the Kelly allocation.
type CompoundingConfig struct {
	Interval       duration `toml:"interval"`
	KellyFraction  float64  `toml:"kelly_fraction"`
	MinFraction    float64  `toml:"min_fraction"`
	MaxPositionPct float64  `toml:"max_position_pct"`
	HistoryLimit   int      `toml:"history_limit"`
}

// ExecutionConfig tunes order submission.
type ExecutionConfig struct {
	CallTimeout  duration `toml:"call_timeout"`
	MaxAttempts  int      `toml:"max_attempts"`
	BackoffBase  duration `toml:"backoff_base"`
	BackoffMax   duration `toml:"backoff_max"`
	PollInterval duration `toml:"poll_interval"`
	FillTimeout  duration `toml:"fill_timeout"`
	DedupTTL     duration `toml:"dedup_ttl"`
	// MaxPollFailures ends polling after that many venue errors in a row;
	// the order is then stalled and driven again every RedriveInterval.
	MaxPollFailures int      `toml:"max_poll_failures"`
	RedriveInterval duration `toml:"redrive_interval"`
}

// VenueConfig holds the venue REST endpoint and credentials.
type VenueConfig struct {
	BaseURL         string   `toml:"base_url"`
	APIKey          string   `toml:"api_key"`
	APISecret       string   `toml:"api_secret"`
	APIPassphrase   string   `toml:"api_passphrase"`
	Timeout         duration `toml:"timeout"`
	RatePerSecond   float64  `toml:"rate_per_second"`
	Burst           int      `toml:"burst"`
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerCooldown duration `toml:"breaker_cooldown"`
	// DiscoverMarkets registers every active venue market at startup.
	DiscoverMarkets bool `toml:"discover_markets"`
}

// FeedsConfig holds the websocket feeds.
type FeedsConfig struct {
	Tick        TickFeedConfig `toml:"tick"`
	Book        BookFeedConfig `toml:"book"`
	BackoffBase duration       `toml:"backoff_base"`
	BackoffMax  duration       `toml:"backoff_max"`
}

// TickFeedConfig is the exchange price stream.
type TickFeedConfig struct {
	Enabled     bool     `toml:"enabled"`
	URL         string   `toml:"url"`
	Source      string   `toml:"source"`
	Instruments []string `toml:"instruments"`
	BookTicker  bool     `toml:"book_ticker"`
}

// BookFeedConfig is the venue order book stream.
type BookFeedConfig struct {
	Enabled      bool     `toml:"enabled"`
	URL          string   `toml:"url"`
	FetchTimeout duration `toml:"fetch_timeout"`
	RetryDelay   duration `toml:"retry_delay"`
}

// Ledger backends.
const (
	LedgerPostgres = "postgres"
	LedgerSQLite   = "sqlite"
	LedgerMemory   = "memory"
)

// LedgerConfig selects where order records and capital checkpoints live.
type LedgerConfig struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
	// MirrorStream is the redis stream appends are mirrored to. Empty
	// disables mirroring.
	MirrorStream string `toml:"mirror_stream"`
	MirrorBuffer int    `toml:"mirror_buffer"`
	// Archive uploads each session's records to S3 every ArchiveInterval
	// and on shutdown.
	Archive         bool     `toml:"archive"`
	ArchivePrefix   string   `toml:"archive_prefix"`
	ArchiveInterval duration `toml:"archive_interval"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// Namespace prefixes every lock and cache key, so a dry-run and a live
	// engine can share one server.
	Namespace string `toml:"namespace"`
	// LockTTL bounds how long a crashed engine keeps the instance lock.
	LockTTL  duration `toml:"lock_ttl"`
	PriceTTL duration `toml:"price_ttl"`
	// StreamMaxLen caps mirrored streams (approximate trimming).
	StreamMaxLen int64 `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	// SettleKey is required to settle orders over the API; empty falls back
	// to APIKey.
	SettleKey   string   `toml:"settle_key"`
	CORSOrigins []string `toml:"cors_origins"`
	RateLimit   float64  `toml:"rate_limit"`
	RateBurst   int      `toml:"rate_burst"`
	// TrustProxy keys rate limits on X-Forwarded-For; enable only behind a
	// reverse proxy that sets it.
	TrustProxy  bool     `toml:"trust_proxy"`
}

// NotifyConfig holds notification channel credentials and delivery policy.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	QueueSize         int      `toml:"queue_size"`
	MinInterval       duration `toml:"min_interval"`
	MaxAttempts       int      `toml:"max_attempts"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Mode:            ModeDryRun,
			ScanInterval:    duration{time.Second},
			ShutdownTimeout: duration{30 * time.Second},
		},
		Capital: CapitalConfig{
			InitialCapital: 10_000,
			MaxDailyLoss:   500,
			ReservationTTL: duration{30 * time.Second},
			SweepInterval:  duration{time.Second},
			DayTimezone:    "UTC",
		},
		Market: MarketConfig{
			ImpulseWindow:    duration{time.Minute},
			ImpulseThreshold: 0.005,
			ImpulseDecay:     duration{2 * time.Minute},
			MaxPoints:        4096,
			ResyncBuffer:     64,
		},
		Strategies: StrategiesConfig{
			Latency: LatencyConfig{
				StrategyCommon: StrategyCommon{Enabled: true, Weight: 1, MaxPosition: 35_000, Cooldown: duration{30 * time.Second}},
				LagWindow:      duration{15 * time.Minute},
				Sensitivity:    5,
				MaxCapture:     0.5,
				MinEdge:        0.02,
				MinConfidence:  0.5,
			},
			NearResolved: NearResolvedConfig{
				StrategyCommon:      StrategyCommon{Enabled: true, Weight: 1, MaxPosition: 10_000, Cooldown: duration{time.Minute}},
				MinProbability:      0.95,
				MaxProbability:      0.99,
				MinYield:            0.001,
				MaxTimeToResolution: duration{24 * time.Hour},
				MaxPerMarketPct:     0.20,
				MinPosition:         10,
			},
			YesNo: YesNoConfig{
				StrategyCommon: StrategyCommon{Enabled: true, Weight: 1, MaxPosition: 10_000, Cooldown: duration{2 * time.Second}},
				MinSpread:      0.005,
			},
			Spread: SpreadConfig{
				StrategyCommon:        StrategyCommon{Enabled: true, Weight: 1, MaxPosition: 5_000, Cooldown: duration{30 * time.Second}},
				MinSpread:             0.02,
				Improve:               0.001,
				OrderSize:             100,
				MaxInventoryImbalance: 0.3,
			},
			Range: RangeConfig{
				StrategyCommon: StrategyCommon{Enabled: true, Weight: 1, MaxPosition: 5_000, Cooldown: duration{time.Minute}},
				MaxTotalCost:   0.98,
				MinOutcomes:    3,
			},
		},
		Compounding: CompoundingConfig{
			KellyFraction:  0.5,
			MinFraction:    0.01,
			MaxPositionPct: 0.10,
			HistoryLimit:   1000,
		},
		Execution: ExecutionConfig{
			CallTimeout:  duration{2 * time.Second},
			MaxAttempts:  5,
			BackoffBase:  duration{200 * time.Millisecond},
			BackoffMax:   duration{5 * time.Second},
			PollInterval: duration{500 * time.Millisecond},
			FillTimeout:  duration{30 * time.Second},
			DedupTTL:     duration{10 * time.Minute},

			MaxPollFailures: 10,
			RedriveInterval: duration{5 * time.Second},
		},
		Venue: VenueConfig{
			Timeout:         duration{10 * time.Second},
			RatePerSecond:   10,
			Burst:           10,
			BreakerFailures: 5,
			BreakerCooldown: duration{30 * time.Second},
			DiscoverMarkets: true,
		},
		Feeds: FeedsConfig{
			Tick: TickFeedConfig{
				Enabled:     true,
				URL:         "wss://stream.binance.com:9443/stream",
				Source:      "binance",
				Instruments: []string{"BTCUSDT", "ETHUSDT"},
			},
			Book: BookFeedConfig{
				Enabled:      true,
				FetchTimeout: duration{5 * time.Second},
				RetryDelay:   duration{10 * time.Second},
			},
			BackoffBase: duration{time.Second},
			BackoffMax:  duration{time.Minute},
		},
		Ledger: LedgerConfig{
			Backend:       LedgerSQLite,
			SQLitePath:    "polyarb.db",
			MirrorBuffer:    1024,
			ArchivePrefix:   "polyarb",
			ArchiveInterval: duration{5 * time.Minute},
		},
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			Namespace:    "polyarb",
			LockTTL:      duration{30 * time.Second},
			PriceTTL:     duration{5 * time.Minute},
			StreamMaxLen: 100_000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "polyarb-ledger",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateBurst:   40,
		},
		Notify: NotifyConfig{
			QueueSize:   256,
			MinInterval: duration{time.Second},
			MaxAttempts: 3,
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validNotifyEvents = map[string]bool{
	string(domain.NotifyTradeExecuted):   true,
	string(domain.NotifyArbitrageFound):  true,
	string(domain.NotifyPositionClosed):  true,
	string(domain.NotifyOrderRejected):   true,
	string(domain.NotifyDailyLossBreach): true,
	string(domain.NotifyInvariant):       true,
	string(domain.NotifyDailySummary):    true,
	string(domain.NotifyError):           true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found. The error wraps
// domain.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	// Engine
	switch c.Engine.Mode {
	case ModeDryRun, ModeLive:
	default:
		add("engine: unknown mode %q (valid: dry_run, live)", c.Engine.Mode)
	}
	if c.Engine.ScanInterval.Duration <= 0 {
		add("engine: scan_interval must be > 0")
	}
	if c.Engine.ShutdownTimeout.Duration <= 0 {
		add("engine: shutdown_timeout must be > 0")
	}
	if c.Engine.Workers < 0 {
		add("engine: workers must be >= 0")
	}

	// Capital
	if c.Capital.InitialCapital <= 0 {
		add("capital: initial_capital must be > 0")
	}
	if c.Capital.MaxDailyLoss < 0 {
		add("capital: max_daily_loss must be >= 0")
	}
	if c.Capital.ReservationTTL.Duration <= 0 {
		add("capital: reservation_ttl must be > 0")
	}
	if _, err := time.LoadLocation(c.Capital.DayTimezone); err != nil {
		add("capital: day_timezone %q: %v", c.Capital.DayTimezone, err)
	}

	// Market
	if c.Market.ImpulseWindow.Duration <= 0 {
		add("market: impulse_window must be > 0")
	}
	if c.Market.ImpulseThreshold <= 0 {
		add("market: impulse_threshold must be > 0")
	}
	seen := make(map[string]bool, len(c.Market.Markets))
	for i, m := range c.Market.Markets {
		if m.ID == "" {
			add("market: markets[%d]: id must not be empty", i)
			continue
		}
		if seen[m.ID] {
			add("market: markets[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
		if m.Direction != "" && m.Direction != string(domain.ImpulseUp) && m.Direction != string(domain.ImpulseDown) {
			add("market: markets[%d]: direction must be up or down, got %q", i, m.Direction)
		}
		if m.ResolvesAt != "" {
			if _, err := time.Parse(time.RFC3339, m.ResolvesAt); err != nil {
				add("market: markets[%d]: resolves_at must be RFC 3339", i)
			}
		}
	}

	// Strategies
	c.validateStrategies(add)

	// Compounding
	if c.Compounding.KellyFraction <= 0 || c.Compounding.KellyFraction > 1 {
		add("compounding: kelly_fraction must be in (0, 1]")
	}
	if c.Compounding.MinFraction < 0 || c.Compounding.MinFraction >= 1 {
		add("compounding: min_fraction must be in [0, 1)")
	}
	if c.Compounding.MaxPositionPct < 0 || c.Compounding.MaxPositionPct > 1 {
		add("compounding: max_position_pct must be in [0, 1]")
	}

	// Execution
	if c.Execution.CallTimeout.Duration <= 0 {
		add("execution: call_timeout must be > 0")
	}
	if c.Execution.MaxAttempts < 1 {
		add("execution: max_attempts must be >= 1")
	}
	if c.Execution.BackoffBase.Duration > c.Execution.BackoffMax.Duration {
		add("execution: backoff_base must not exceed backoff_max")
	}

	// Venue: live trading and the book feed both need the REST API.
	needsVenue := c.Engine.Mode == ModeLive || c.Feeds.Book.Enabled || c.Venue.DiscoverMarkets
	if needsVenue && c.Venue.BaseURL == "" {
		add("venue: base_url is required for live mode, the book feed or market discovery")
	}
	if c.Engine.Mode == ModeLive && (c.Venue.APIKey == "" || c.Venue.APISecret == "") {
		add("venue: api_key and api_secret are required in live mode")
	}
	if c.Venue.BreakerFailures < 1 {
		add("venue: breaker_failures must be >= 1")
	}

	// Feeds
	if c.Feeds.Tick.Enabled {
		if c.Feeds.Tick.URL == "" {
			add("feeds.tick: url must not be empty when enabled")
		}
		if len(c.Feeds.Tick.Instruments) == 0 {
			add("feeds.tick: instruments must not be empty when enabled")
		}
	}
	if c.Feeds.Book.Enabled && c.Feeds.Book.URL == "" {
		add("feeds.book: url must not be empty when enabled")
	}

	// Ledger
	switch c.Ledger.Backend {
	case LedgerPostgres:
		c.validateDatabase(add)
	case LedgerSQLite:
		if c.Ledger.SQLitePath == "" {
			add("ledger: sqlite_path must not be empty for the sqlite backend")
		}
	case LedgerMemory:
		if c.Engine.Mode == ModeLive {
			add("ledger: the memory backend is not durable and cannot be used in live mode")
		}
	default:
		add("ledger: unknown backend %q (valid: postgres, sqlite, memory)", c.Ledger.Backend)
	}
	if c.Ledger.MirrorStream != "" && !c.Redis.Enabled {
		add("ledger: mirror_stream requires redis.enabled")
	}
	if c.Ledger.Archive && c.S3.Bucket == "" {
		add("ledger: archive requires s3.bucket")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.Namespace == "" || strings.ContainsAny(c.Redis.Namespace, " :*") {
			add("redis: namespace must be non-empty without spaces, colons or wildcards")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			add("redis: lock_ttl must be at least 1s")
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.RateLimit < 0 {
			add("server: rate_limit must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, ev := range c.Notify.Events {
		if !validNotifyEvents[ev] {
			add("notify: unknown event %q", ev)
		}
	}
	if c.Notify.QueueSize < 1 {
		add("notify: queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", domain.ErrConfiguration, strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateStrategies(add func(string, ...any)) {
	commons := map[string]StrategyCommon{
		"latency_arb":    c.Strategies.Latency.StrategyCommon,
		"near_resolved":  c.Strategies.NearResolved.StrategyCommon,
		"yes_no_arb":     c.Strategies.YesNo.StrategyCommon,
		"spread_trading": c.Strategies.Spread.StrategyCommon,
		"range_coverage": c.Strategies.Range.StrategyCommon,
	}
	enabled := 0
	for name, sc := range commons {
		if !sc.Enabled {
			continue
		}
		enabled++
		if sc.Weight < 0 {
			add("strategies.%s: weight must be >= 0", name)
		}
		if sc.MaxPosition <= 0 {
			add("strategies.%s: max_position must be > 0", name)
		}
		if sc.MaxAllocation < 0 {
			add("strategies.%s: max_allocation must be >= 0", name)
		}
	}
	if enabled == 0 {
		add("strategies: at least one strategy must be enabled")
	}

	nr := c.Strategies.NearResolved
	if nr.Enabled && (nr.MinProbability <= 0 || nr.MinProbability > nr.MaxProbability || nr.MaxProbability >= 1) {
		add("strategies.near_resolved: need 0 < min_probability <= max_probability < 1")
	}
	if r := c.Strategies.Range; r.Enabled {
		if r.MaxTotalCost <= 0 || r.MaxTotalCost >= 1 {
			add("strategies.range_coverage: max_total_cost must be in (0, 1)")
		}
		if r.MinOutcomes < 2 {
			add("strategies.range_coverage: min_outcomes must be >= 2")
		}
	}
	if s := c.Strategies.Spread; s.Enabled && (s.MaxInventoryImbalance <= 0 || s.MaxInventoryImbalance > 1) {
		add("strategies.spread_trading: max_inventory_imbalance must be in (0, 1]")
	}
	if l := c.Strategies.Latency; l.Enabled && (l.MaxCapture <= 0 || l.MaxCapture >= 1) {
		add("strategies.latency_arb: max_capture must be in (0, 1)")
	}
}

func (c *Config) validateDatabase(add func(string, ...any)) {
	if strings.TrimSpace(c.Database.DSN) == "" {
		if c.Database.Host == "" {
			add("database: host must not be empty (or set database.dsn)")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			add("database: port must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.Database == "" {
			add("database: database must not be empty")
		}
	}
	if c.Database.PoolMaxConns < 1 {
		add("database: pool_max_conns must be >= 1")
	}
	if c.Database.PoolMinConns < 0 {
		add("database: pool_min_conns must be >= 0")
	}
	if c.Database.PoolMinConns > c.Database.PoolMaxConns {
		add("database: pool_min_conns must not exceed pool_max_conns")
	}
}
