package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// BookSink consumes venue book updates and asks for resyncs; the market
// aggregator implements it.
type BookSink interface {
	IngestBook(u domain.BookUpdate) error
	Resyncs() <-chan domain.ResyncRequest
}

// SnapshotFetcher returns a full book over REST.
type SnapshotFetcher interface {
	BookSnapshot(ctx context.Context, marketID string) (domain.BookUpdate, error)
}

// BookFeedConfig configures a BookFeed.
type BookFeedConfig struct {
	URL     string
	Markets []string
	Backoff Backoff
	// FetchTimeout bounds one snapshot request.
	FetchTimeout time.Duration
	// RetryDelay is how long a resync waits after its fetch attempts ran out
	// before it is tried again.
	RetryDelay time.Duration
}

// BookFeed streams sequenced venue book updates into the aggregator and
// serves its resync requests with REST snapshots. Every (re)connect fetches a
// fresh snapshot of every market.
type BookFeed struct {
	cfg     BookFeedConfig
	sink    BookSink
	fetcher SnapshotFetcher
	logger  *slog.Logger

	retry chan domain.ResyncRequest

	updates   atomic.Int64
	rejected  atomic.Int64
	resynced  atomic.Int64
	connected atomic.Bool
}

// NewBookFeed creates a BookFeed.
func NewBookFeed(cfg BookFeedConfig, sink BookSink, fetcher SnapshotFetcher, logger *slog.Logger) *BookFeed {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	return &BookFeed{
		cfg:     cfg,
		sink:    sink,
		fetcher: fetcher,
		logger:  logger.With(slog.String("component", "book_feed")),
		retry:   make(chan domain.ResyncRequest, len(cfg.Markets)+1),
	}
}

// Run streams and serves resyncs until ctx is cancelled.
func (f *BookFeed) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.serveResyncs(ctx) })
	g.Go(func() error {
		if f.cfg.URL == "" || len(f.cfg.Markets) == 0 {
			f.logger.Info("no book stream configured, serving resyncs only")
			<-ctx.Done()
			return nil
		}
		return reconnect(ctx, f.logger, f.cfg.Backoff, func(ctx context.Context) (bool, error) {
			defer f.connected.Store(false)
			return session(ctx, f.cfg.URL, func(conn *websocket.Conn) error {
				if err := conn.WriteJSON(subscribeMsg{Type: "subscribe", Channel: "book", Markets: f.cfg.Markets}); err != nil {
					return err
				}
				f.connected.Store(true)
				f.logger.Info("book feed subscribed", slog.Int("markets", len(f.cfg.Markets)))
				go f.snapshotAll(ctx)
				return nil
			}, f.handle)
		})
	})
	return g.Wait()
}

type subscribeMsg struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Markets []string `json:"markets"`
}

// wireUpdate is one venue stream message.
type wireUpdate struct {
	Type      string               `json:"type"`
	MarketID  string               `json:"market"`
	Sequence  uint64               `json:"seq"`
	Timestamp int64                `json:"ts"` // unix millis
	Levels    []domain.LevelChange `json:"levels"`
}

func (f *BookFeed) handle(msg []byte) {
	var w wireUpdate
	if err := json.Unmarshal(msg, &w); err != nil {
		f.logger.Debug("book decode failed", slog.String("error", err.Error()))
		return
	}
	var kind domain.BookUpdateKind
	switch w.Type {
	case "snapshot":
		kind = domain.BookUpdateSnapshot
	case "diff", "delta":
		kind = domain.BookUpdateDiff
	default:
		return
	}
	f.updates.Add(1)
	f.ingest(domain.BookUpdate{
		VenueMarketID: w.MarketID,
		Kind:          kind,
		Sequence:      w.Sequence,
		Levels:        w.Levels,
		Timestamp:     time.UnixMilli(w.Timestamp).UTC(),
	})
}

func (f *BookFeed) ingest(u domain.BookUpdate) {
	err := f.sink.IngestBook(u)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		// Not a market we trade.
	default:
		// The aggregator has already queued a resync for the market.
		f.rejected.Add(1)
		f.logger.Debug("book update rejected",
			slog.String("market", u.VenueMarketID),
			slog.Uint64("seq", u.Sequence),
			slog.String("error", err.Error()),
		)
	}
}

func (f *BookFeed) snapshotAll(ctx context.Context) {
	for _, id := range f.cfg.Markets {
		if ctx.Err() != nil {
			return
		}
		f.resync(ctx, domain.ResyncRequest{VenueMarketID: id, RequestedAt: time.Now()})
	}
}

// serveResyncs answers the aggregator's resync requests. A request whose
// fetch keeps failing is retried after RetryDelay, since the aggregator does
// not ask twice for the same gap.
func (f *BookFeed) serveResyncs(ctx context.Context) error {
	for {
		var req domain.ResyncRequest
		select {
		case <-ctx.Done():
			return nil
		case req = <-f.sink.Resyncs():
		case req = <-f.retry:
		}
		f.resync(ctx, req)
	}
}

func (f *BookFeed) resync(ctx context.Context, req domain.ResyncRequest) {
	policy := retrypolicy.NewBuilder[domain.BookUpdate]().
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxAttempts(3).
		ReturnLastFailure().
		Build()

	snap, err := failsafe.With[domain.BookUpdate](policy).
		WithContext(ctx).
		Get(func() (domain.BookUpdate, error) {
			fctx, cancel := context.WithTimeout(ctx, f.cfg.FetchTimeout)
			defer cancel()
			return f.fetcher.BookSnapshot(fctx, req.VenueMarketID)
		})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		f.logger.Warn("snapshot fetch failed",
			slog.String("market", req.VenueMarketID),
			slog.String("error", err.Error()),
		)
		time.AfterFunc(f.cfg.RetryDelay, func() {
			select {
			case f.retry <- req:
			default:
			}
		})
		return
	}

	f.resynced.Add(1)
	f.ingest(snap)
	f.logger.Info("market resynced",
		slog.String("market", req.VenueMarketID),
		slog.Uint64("seq", snap.Sequence),
	)
}

// Stats reports stream counters.
func (f *BookFeed) Stats() (updates, rejected, resynced int64, connected bool) {
	return f.updates.Load(), f.rejected.Load(), f.resynced.Load(), f.connected.Load()
}
