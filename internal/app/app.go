// Package app provides the top-level application lifecycle management for the
// polyarb engine. It wires together the storage backends, the trading core,
// the feeds, notifications and the HTTP API, and runs them until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/polyarb/internal/cache/redis"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/ledger"
)

// engineLockKey names the redis lock that keeps a second engine off the same
// ledger.
const engineLockKey = "engine"

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, takes the engine
// lock when redis is enabled, builds the engine and blocks until the context
// is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Engine.Mode),
		slog.String("ledger", a.cfg.Ledger.Backend),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	var lost <-chan struct{}
	if deps.Locks != nil {
		l, unlock, err := deps.Locks.Hold(ctx, engineLockKey, a.cfg.Redis.LockTTL.Duration, a.logger)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return fmt.Errorf("app: another engine is running: %w", err)
			}
			return fmt.Errorf("app: engine lock: %w", err)
		}
		lost = l
		a.closers = append(a.closers, unlock)
	}

	engine, err := NewEngine(ctx, a.cfg, deps, a.logger)
	if err != nil {
		return err
	}

	a.audit(deps.AuditLog, domain.AuditEngineStarted, map[string]any{
		"mode":   a.cfg.Engine.Mode,
		"ledger": a.cfg.Ledger.Backend,
	})
	runErr := engine.Run(ctx, lost)

	detail := map[string]any{"total_capital": engine.Capital().Ledger().TotalCapital.String()}
	if runErr != nil {
		detail["error"] = runErr.Error()
	}
	a.audit(deps.AuditLog, domain.AuditEngineStopped, detail)
	return runErr
}

// audit records a lifecycle entry. It runs outside the engine's context so
// the stop entry is written after cancellation.
func (a *App) audit(log domain.AuditLog, event string, detail map[string]any) {
	if log == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := log.Log(ctx, event, detail); err != nil {
		a.logger.Warn("audit write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenLedger wires the storage backends for offline commands and returns the
// ledger store with a cleanup function. Redis and the engine lock are not
// touched.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	offline := *cfg
	offline.Redis.Enabled = false
	return Wire(ctx, &offline, logger)
}

// ReadMirror returns the records the running engine mirrored to the redis
// ledger stream. Only redis is connected; the ledger database is not opened.
func ReadMirror(ctx context.Context, cfg *config.Config) ([]domain.OrderStateRecord, error) {
	if !cfg.Redis.Enabled {
		return nil, fmt.Errorf("app: the ledger mirror needs redis.enabled: %w", domain.ErrConfiguration)
	}
	client, err := redis.New(ctx, redisClientConfig(cfg.Redis))
	if err != nil {
		return nil, err
	}
	defer client.Close()
	bus := redis.NewSignalBus(client, cfg.Redis.StreamMaxLen)
	return ledger.ReadMirror(ctx, bus, cfg.Ledger.MirrorStream)
}
