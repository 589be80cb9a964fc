package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/cache/redis"
	"github.com/alanyoungcy/polyarb/internal/compounding"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/executor"
	"github.com/alanyoungcy/polyarb/internal/feed"
	"github.com/alanyoungcy/polyarb/internal/ledger"
	"github.com/alanyoungcy/polyarb/internal/market"
	"github.com/alanyoungcy/polyarb/internal/metrics"
	"github.com/alanyoungcy/polyarb/internal/notify"
	"github.com/alanyoungcy/polyarb/internal/orchestrator"
	"github.com/alanyoungcy/polyarb/internal/platform/venue"
	"github.com/alanyoungcy/polyarb/internal/risk"
	"github.com/alanyoungcy/polyarb/internal/server"
	"github.com/alanyoungcy/polyarb/internal/server/handler"
	"github.com/alanyoungcy/polyarb/internal/server/ws"
	"github.com/alanyoungcy/polyarb/internal/strategy"
)

// Engine is the assembled trading engine: every component built from one
// configuration, ready to run.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics     *metrics.Metrics
	aggregator  *market.Aggregator
	registry    *strategy.Registry
	capital     *risk.Manager
	journal     *ledger.Journal
	executor    *executor.Executor
	coordinator *compounding.Coordinator
	loop        *orchestrator.Orchestrator
	notifier    *notify.Notifier
	audit       *auditObserver

	// Optional parts; nil when disabled.
	prices   *redis.PriceCache
	hub      *ws.Hub
	server   *server.Server
	tickFeed *feed.TickFeed
	bookFeed *feed.BookFeed
}

// NewEngine builds the engine on top of deps. It registers markets, restores
// the capital checkpoint and resumes the orders the ledger shows as open, so
// the caller must already hold the engine lock when one is used.
func NewEngine(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Engine, error) {
	e := &Engine{cfg: cfg, logger: logger.With(slog.String("component", "engine"))}
	e.metrics = metrics.New()

	var extra []notify.Sender
	if cfg.Server.Enabled {
		e.hub = ws.NewHub(deps.SignalBus, cfg.Engine.Mode, logger)
		extra = append(extra, e.hub)
	}
	e.notifier = newNotifier(cfg.Notify, logger, extra...)
	events := &eventPublisher{bus: deps.SignalBus, hub: e.hub, logger: e.logger}

	// --- Markets ---
	e.aggregator = market.New(marketConfig(cfg.Market), logger)
	e.aggregator.SetObserver(e.metrics)

	var client *venue.Client
	if cfg.Venue.BaseURL != "" {
		client = venue.NewClient(venueConfig(cfg.Venue), logger)
	}
	var discovered []domain.MarketMeta
	if client != nil && cfg.Venue.DiscoverMarkets {
		var err error
		discovered, err = client.Markets(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: discover markets: %w", err)
		}
	}
	metas, err := mergeMarkets(discovered, cfg.Market.Markets)
	if err != nil {
		return nil, err
	}
	for _, meta := range metas {
		e.aggregator.Register(meta)
	}
	e.logger.InfoContext(ctx, "markets registered",
		slog.Int("discovered", len(discovered)),
		slog.Int("configured", len(cfg.Market.Markets)),
		slog.Int("total", len(metas)),
	)

	// --- Strategies ---
	settings := strategySettings(cfg.Strategies)
	commons := settings.Commons()
	e.registry = strategy.Build(settings)

	// --- Capital ---
	rcfg, err := riskConfig(cfg.Capital, commons)
	if err != nil {
		return nil, err
	}
	e.capital = risk.NewManager(rcfg, deps.Checkpointer, logger)
	if err := e.capital.Restore(ctx); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("app: restore capital: %w", err)
	}

	// --- Ledger ---
	opts := ledger.Options{MirrorBuffer: cfg.Ledger.MirrorBuffer, ArchiveInterval: cfg.Ledger.ArchiveInterval.Duration}
	if deps.SignalBus != nil && cfg.Ledger.MirrorStream != "" {
		opts.Mirror = deps.SignalBus
		opts.Stream = cfg.Ledger.MirrorStream
	}
	if deps.Archiver != nil {
		opts.Archive = deps.Archiver
	}
	e.journal = ledger.NewJournal(deps.LedgerStore, opts, logger)

	// --- Compounding ---
	e.coordinator = compounding.New(
		compoundingConfig(cfg.Compounding, cfg.Engine.ScanInterval.Duration, commons),
		e.capital, e.journal, logger,
	)

	capitalObservers := risk.Observers{e.metrics, notify.NewCapitalEvents(e.notifier, e.coordinator.Stats)}
	if deps.AuditLog != nil {
		e.audit = newAuditObserver(deps.AuditLog, e.logger)
		capitalObservers = append(capitalObservers, e.audit)
	}
	e.capital.SetObserver(capitalObservers)

	// --- Execution ---
	var orders domain.VenueOrderAPI
	switch {
	case cfg.Engine.Mode == config.ModeDryRun:
		orders = executor.NewSimulatedVenue(e.aggregator)
	case client != nil:
		orders = client
	default:
		return nil, fmt.Errorf("app: live mode needs venue.base_url: %w", domain.ErrConfiguration)
	}
	e.executor = executor.New(executorConfig(cfg.Execution), orders, e.journal, e.capital, logger)
	e.executor.AddObserver(e.metrics)
	e.executor.AddObserver(e.registry)
	e.executor.AddObserver(notify.NewOrderEvents(e.notifier))

	resumed, err := e.executor.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: recover orders: %w", err)
	}
	if resumed > 0 {
		e.logger.InfoContext(ctx, "resumed open orders", slog.Int("orders", resumed))
	}

	// --- Scan loop ---
	e.loop = orchestrator.New(orchestratorConfig(cfg.Engine), e.aggregator, e.registry, e.capital, e.executor, e.coordinator, e.notifier, logger)
	e.loop.SetObserver(orchestrator.Observers{e.metrics, events})

	// --- Feeds ---
	backoff := feedBackoff(cfg.Feeds)
	if cfg.Feeds.Tick.Enabled {
		var cache feed.TickCache
		if deps.PriceCache != nil {
			cache = deps.PriceCache
			e.prices = deps.PriceCache
		}
		e.tickFeed = feed.NewTickFeed(feed.TickFeedConfig{
			URL:         cfg.Feeds.Tick.URL,
			Source:      cfg.Feeds.Tick.Source,
			Instruments: cfg.Feeds.Tick.Instruments,
			BookTicker:  cfg.Feeds.Tick.BookTicker,
			Backoff:     backoff,
		}, e.aggregator, cache, events.Impulse, logger)
	}
	if cfg.Feeds.Book.Enabled {
		if client == nil {
			return nil, fmt.Errorf("app: book feed needs venue.base_url for snapshots: %w", domain.ErrConfiguration)
		}
		e.bookFeed = feed.NewBookFeed(feed.BookFeedConfig{
			URL:          cfg.Feeds.Book.URL,
			Markets:      marketIDs(metas),
			Backoff:      backoff,
			FetchTimeout: cfg.Feeds.Book.FetchTimeout.Duration,
			RetryDelay:   cfg.Feeds.Book.RetryDelay.Duration,
		}, e.aggregator, client, logger)
	}

	// --- HTTP API ---
	if cfg.Server.Enabled {
		var settle handler.OrderSettler = e.executor
		if e.audit != nil {
			settle = auditedSettler{next: e.executor, audit: e.audit}
		}
		handlers := server.Handlers{
			Health: handler.NewHealthHandler(deps.Health, logger),
			Status: handler.NewStatusHandler(handler.StatusDeps{
				Mode:        cfg.Engine.Mode,
				Capital:     e.capital,
				Orders:      e.executor,
				Cycles:      e.loop,
				Compounding: e.coordinator,
				Feeds:       e.feedStats,
			}),
			Orders:  handler.NewOrderHandler(e.executor, e.journal, settle, logger),
			Metrics: e.metrics.Handler(),
		}
		if deps.AuditLog != nil {
			handlers.Audit = handler.NewAuditHandler(deps.AuditLog, logger)
		}
		e.server = server.NewServer(server.Config{
			Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
			CORSOrigins: cfg.Server.CORSOrigins,
			APIKey:      cfg.Server.APIKey,
			SettleKey:   cfg.Server.SettleKey,
			RateLimit:   cfg.Server.RateLimit,
			RateBurst:   cfg.Server.RateBurst,
			TrustProxy:  cfg.Server.TrustProxy,
		}, handlers, e.hub, logger)
	}

	return e, nil
}

// Run starts every component and blocks until ctx is cancelled, a component
// fails, or lost is closed. The scan loop drains in-flight orders and flushes
// the ledger and the capital checkpoint before Run returns.
func (e *Engine) Run(ctx context.Context, lost <-chan struct{}) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.capital.Run(gctx) })
	g.Go(func() error { return e.journal.Run(gctx) })
	g.Go(func() error { return e.notifier.Run(gctx) })
	if e.hub != nil {
		g.Go(func() error { return e.hub.Run(gctx) })
	}
	if e.server != nil {
		g.Go(func() error { return e.server.Run(gctx, e.cfg.Engine.ShutdownTimeout.Duration) })
	}
	if e.tickFeed != nil {
		g.Go(func() error { return e.tickFeed.Run(gctx) })
	}
	if e.bookFeed != nil {
		g.Go(func() error { return e.bookFeed.Run(gctx) })
	}
	if lost != nil {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-lost:
				return fmt.Errorf("app: engine lock lost: %w", domain.ErrLockHeld)
			}
		})
	}
	g.Go(func() error { return e.loop.Run(gctx) })

	err := g.Wait()
	if e.audit != nil {
		e.audit.Wait()
	}
	return err
}

// feedStats reports feed and delivery counters for the status endpoint,
// with the latest cached price of every tick instrument when redis is on.
func (e *Engine) feedStats(ctx context.Context) map[string]any {
	out := map[string]any{
		"notifications": map[string]any{
			"sent":    e.notifier.Sent(),
			"dropped": e.notifier.Dropped(),
		},
	}
	if e.tickFeed != nil {
		out["tick"] = map[string]any{
			"ticks":     e.tickFeed.Ticks(),
			"last_tick": e.tickFeed.LastTick(),
		}
	}
	if e.prices != nil {
		keys := make([]string, len(e.cfg.Feeds.Tick.Instruments))
		for i, inst := range e.cfg.Feeds.Tick.Instruments {
			keys[i] = redis.TickKey(e.cfg.Feeds.Tick.Source, inst)
		}
		prices, err := e.prices.GetPrices(ctx, keys)
		if err != nil {
			e.logger.WarnContext(ctx, "cached prices unavailable", slog.String("error", err.Error()))
		} else {
			out["prices"] = prices
		}
	}
	if e.bookFeed != nil {
		updates, rejected, resynced, connected := e.bookFeed.Stats()
		out["book"] = map[string]any{
			"updates":   updates,
			"rejected":  rejected,
			"resynced":  resynced,
			"connected": connected,
		}
	}
	if e.hub != nil {
		out["ws_clients"] = e.hub.ClientCount()
	}
	return out
}

// Executor exposes the execution engine.
func (e *Engine) Executor() *executor.Executor { return e.executor }

// Capital exposes the capital manager.
func (e *Engine) Capital() *risk.Manager { return e.capital }

// Loop exposes the scan loop.
func (e *Engine) Loop() *orchestrator.Orchestrator { return e.loop }
