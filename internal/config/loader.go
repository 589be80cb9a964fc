package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLYARB_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w: %v", path, domain.ErrConfiguration, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: %s: %w: unknown keys %s", path, domain.ErrConfiguration, strings.Join(keys, ", "))
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLYARB_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.Mode, "POLYARB_ENGINE_MODE")
	setDuration(&cfg.Engine.ScanInterval, "POLYARB_ENGINE_SCAN_INTERVAL")
	setDuration(&cfg.Engine.ShutdownTimeout, "POLYARB_ENGINE_SHUTDOWN_TIMEOUT")
	setInt(&cfg.Engine.Workers, "POLYARB_ENGINE_WORKERS")

	// ── Capital ──
	setFloat64(&cfg.Capital.InitialCapital, "POLYARB_CAPITAL_INITIAL_CAPITAL")
	setFloat64(&cfg.Capital.MaxDailyLoss, "POLYARB_CAPITAL_MAX_DAILY_LOSS")
	setDuration(&cfg.Capital.ReservationTTL, "POLYARB_CAPITAL_RESERVATION_TTL")
	setStr(&cfg.Capital.DayTimezone, "POLYARB_CAPITAL_DAY_TIMEZONE")

	// ── Market ──
	setDuration(&cfg.Market.ImpulseWindow, "POLYARB_MARKET_IMPULSE_WINDOW")
	setFloat64(&cfg.Market.ImpulseThreshold, "POLYARB_MARKET_IMPULSE_THRESHOLD")
	setDuration(&cfg.Market.ImpulseDecay, "POLYARB_MARKET_IMPULSE_DECAY")

	// ── Strategies ──
	setBool(&cfg.Strategies.Latency.Enabled, "POLYARB_STRATEGIES_LATENCY_ARB_ENABLED")
	setBool(&cfg.Strategies.NearResolved.Enabled, "POLYARB_STRATEGIES_NEAR_RESOLVED_ENABLED")
	setBool(&cfg.Strategies.YesNo.Enabled, "POLYARB_STRATEGIES_YES_NO_ARB_ENABLED")
	setBool(&cfg.Strategies.Spread.Enabled, "POLYARB_STRATEGIES_SPREAD_TRADING_ENABLED")
	setBool(&cfg.Strategies.Range.Enabled, "POLYARB_STRATEGIES_RANGE_COVERAGE_ENABLED")

	// ── Compounding ──
	setDuration(&cfg.Compounding.Interval, "POLYARB_COMPOUNDING_INTERVAL")
	setFloat64(&cfg.Compounding.KellyFraction, "POLYARB_COMPOUNDING_KELLY_FRACTION")
	setFloat64(&cfg.Compounding.MaxPositionPct, "POLYARB_COMPOUNDING_MAX_POSITION_PCT")

	// ── Execution ──
	setDuration(&cfg.Execution.CallTimeout, "POLYARB_EXECUTION_CALL_TIMEOUT")
	setInt(&cfg.Execution.MaxAttempts, "POLYARB_EXECUTION_MAX_ATTEMPTS")
	setDuration(&cfg.Execution.FillTimeout, "POLYARB_EXECUTION_FILL_TIMEOUT")
	setDuration(&cfg.Execution.RedriveInterval, "POLYARB_EXECUTION_REDRIVE_INTERVAL")

	// ── Venue ──
	setStr(&cfg.Venue.BaseURL, "POLYARB_VENUE_BASE_URL")
	setStr(&cfg.Venue.APIKey, "POLYARB_VENUE_API_KEY")
	setStr(&cfg.Venue.APISecret, "POLYARB_VENUE_API_SECRET")
	setStr(&cfg.Venue.APIPassphrase, "POLYARB_VENUE_API_PASSPHRASE")
	setFloat64(&cfg.Venue.RatePerSecond, "POLYARB_VENUE_RATE_PER_SECOND")
	setBool(&cfg.Venue.DiscoverMarkets, "POLYARB_VENUE_DISCOVER_MARKETS")

	// ── Feeds ──
	setBool(&cfg.Feeds.Tick.Enabled, "POLYARB_FEEDS_TICK_ENABLED")
	setStr(&cfg.Feeds.Tick.URL, "POLYARB_FEEDS_TICK_URL")
	setStringSlice(&cfg.Feeds.Tick.Instruments, "POLYARB_FEEDS_TICK_INSTRUMENTS")
	setBool(&cfg.Feeds.Book.Enabled, "POLYARB_FEEDS_BOOK_ENABLED")
	setStr(&cfg.Feeds.Book.URL, "POLYARB_FEEDS_BOOK_URL")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "POLYARB_LEDGER_BACKEND")
	setStr(&cfg.Ledger.SQLitePath, "POLYARB_LEDGER_SQLITE_PATH")
	setStr(&cfg.Ledger.MirrorStream, "POLYARB_LEDGER_MIRROR_STREAM")
	setBool(&cfg.Ledger.Archive, "POLYARB_LEDGER_ARCHIVE")
	setDuration(&cfg.Ledger.ArchiveInterval, "POLYARB_LEDGER_ARCHIVE_INTERVAL")

	// ── Database ──
	setStr(&cfg.Database.DSN, "POLYARB_DATABASE_DSN")
	setStr(&cfg.Database.Host, "POLYARB_DATABASE_HOST")
	setInt(&cfg.Database.Port, "POLYARB_DATABASE_PORT")
	setStr(&cfg.Database.Database, "POLYARB_DATABASE_DATABASE")
	setStr(&cfg.Database.User, "POLYARB_DATABASE_USER")
	setStr(&cfg.Database.Password, "POLYARB_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "POLYARB_DATABASE_SSL_MODE")
	setBool(&cfg.Database.RunMigrations, "POLYARB_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "POLYARB_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "POLYARB_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLYARB_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLYARB_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "POLYARB_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "POLYARB_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POLYARB_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLYARB_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLYARB_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POLYARB_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLYARB_S3_SECRET_KEY")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "POLYARB_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "POLYARB_SERVER_PORT")
	setStr(&cfg.Server.APIKey, "POLYARB_SERVER_API_KEY")
	setStr(&cfg.Server.SettleKey, "POLYARB_SERVER_SETTLE_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "POLYARB_SERVER_CORS_ORIGINS")
	setBool(&cfg.Server.TrustProxy, "POLYARB_SERVER_TRUST_PROXY")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "POLYARB_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "POLYARB_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "POLYARB_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "POLYARB_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "POLYARB_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
