package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/polyarb/internal/blob/s3"
	"github.com/alanyoungcy/polyarb/internal/cache/redis"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/ledger"
	"github.com/alanyoungcy/polyarb/internal/notify"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
	"github.com/alanyoungcy/polyarb/internal/store/postgres"
	"github.com/alanyoungcy/polyarb/internal/store/sqlite"
)

// Dependencies bundles the storage and messaging backends the engine and the
// CLI commands run on. It is constructed by Wire and torn down by the
// returned cleanup function. Optional backends are nil when disabled.
type Dependencies struct {
	// Stores
	LedgerStore  domain.LedgerStore
	Checkpointer domain.CapitalCheckpointer
	AuditLog     domain.AuditLog

	// Redis
	Redis      *redis.Client
	Locks      *redis.LockManager
	PriceCache *redis.PriceCache
	SignalBus  domain.SignalBus

	// Blob storage
	Archiver *s3blob.RecordArchiver

	// Health checks keyed by backend name.
	Health map[string]handler.HealthCheck
}

// Wire constructs the backends selected by cfg and returns them together with
// a cleanup function that should be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Ledger backend ---
	switch cfg.Ledger.Backend {
	case config.LedgerPostgres:
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.LedgerStore = postgres.NewLedgerStore(pool)
		deps.Checkpointer = postgres.NewCapitalStore(pool)
		deps.AuditLog = postgres.NewAuditStore(pool)
		deps.Health["postgres"] = pgClient.Health

	case config.LedgerSQLite:
		store, err := sqlite.Open(ctx, cfg.Ledger.SQLitePath)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: sqlite: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })

		deps.LedgerStore = store
		deps.Checkpointer = store
		deps.AuditLog = store.Audit()
		deps.Health["sqlite"] = store.Health

	case config.LedgerMemory:
		deps.LedgerStore = ledger.NewMemoryStore()

	default:
		return nil, nil, fmt.Errorf("wire: ledger backend %q: %w", cfg.Ledger.Backend, domain.ErrConfiguration)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redisClientConfig(cfg.Redis))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.Locks = redis.NewLockManager(redisClient)
		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Health["redis"] = redisClient.Ping
	}

	// --- S3 ledger archive ---
	if cfg.Ledger.Archive {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.Archiver = s3blob.NewRecordArchiver(s3blob.NewObjects(s3Client), cfg.Ledger.ArchivePrefix)
		deps.Health["s3"] = s3Client.Health
	}

	return deps, cleanup, nil
}

// newNotifier builds the notifier with every configured sender. The log
// sender is always present so notifications leave a trace without any chat
// credentials; extra senders (the websocket hub) are appended.
func newNotifier(cfg config.NotifyConfig, logger *slog.Logger, extra ...notify.Sender) *notify.Notifier {
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.DiscordWebhookURL))
	}
	senders = append(senders, extra...)
	return notify.NewNotifier(notifyConfig(cfg), senders, logger)
}

func redisClientConfig(c config.RedisConfig) redis.ClientConfig {
	return redis.ClientConfig{
		Addr:       c.Addr,
		Password:   c.Password,
		DB:         c.DB,
		PoolSize:   c.PoolSize,
		MaxRetries: c.MaxRetries,
		TLSEnabled: c.TLSEnabled,
		Namespace:  c.Namespace,
	}
}
