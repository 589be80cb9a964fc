// Package market merges external price ticks and venue book updates into
// immutable per-market snapshots.
package market

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orderbook"
)

// Observer receives aggregator events. Implementations must not block.
type Observer interface {
	TickIngested(tick domain.PriceTick)
	ImpulseRaised(imp domain.Impulse)
	BookRejected(marketID string, err error)
	ResyncRequested(req domain.ResyncRequest)
}

type nopObserver struct{}

func (nopObserver) TickIngested(domain.PriceTick) {}
func (nopObserver) ImpulseRaised(domain.Impulse) {}
func (nopObserver) BookRejected(string, error) {}
func (nopObserver) ResyncRequested(domain.ResyncRequest) {}

// Config tunes the aggregator.
type Config struct {
	Impulse ImpulseConfig
	// ResyncBuffer is the capacity of the resync request channel.
	ResyncBuffer int
}

// marketState is the writer-side state of one market. Guarded by
// Aggregator.mu.
type marketState struct {
	meta     domain.MarketMeta
	book     *orderbook.Book
	awaiting bool
	// requested is set once a resync for the current gap has been queued.
	requested bool
}

// Aggregator is the single writer of market state. Writers serialize on an
// ingestion mutex; readers load the last published snapshot and never take it.
type Aggregator struct {
	mu      sync.Mutex
	markets map[string]*marketState
	snaps   sync.Map // market id -> *domain.MarketSnapshot
	// suspended mirrors marketState.awaiting for readers.
	suspended sync.Map // market id -> struct{}
	impulses  *ImpulseDetector
	resyncs   chan domain.ResyncRequest
	observer  Observer
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an Aggregator.
func New(cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.ResyncBuffer <= 0 {
		cfg.ResyncBuffer = 64
	}
	return &Aggregator{
		markets:  make(map[string]*marketState),
		impulses: NewImpulseDetector(cfg.Impulse),
		resyncs:  make(chan domain.ResyncRequest, cfg.ResyncBuffer),
		observer: nopObserver{},
		logger:   logger.With(slog.String("component", "aggregator")),
		now:      time.Now,
	}
}

// SetObserver installs an event observer.
func (a *Aggregator) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	a.observer = o
}

// SetClock overrides the clock used to stamp snapshots.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Register starts following a market. Registering an already known market
// updates its metadata and keeps its book.
func (a *Aggregator) Register(meta domain.MarketMeta) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st, ok := a.markets[meta.VenueMarketID]; ok {
		st.meta = meta
		return
	}
	a.markets[meta.VenueMarketID] = &marketState{
		meta: meta,
		book: orderbook.New(meta.VenueMarketID, meta.Outcomes),
	}
}

// Markets returns the metadata of every registered market, ordered by id.
func (a *Aggregator) Markets() []domain.MarketMeta {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.MarketMeta, 0, len(a.markets))
	for _, st := range a.markets {
		out = append(out, st.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueMarketID < out[j].VenueMarketID })
	return out
}

// Resyncs delivers requests for fresh full snapshots.
func (a *Aggregator) Resyncs() <-chan domain.ResyncRequest { return a.resyncs }

// Impulses exposes the impulse detector.
func (a *Aggregator) Impulses() *ImpulseDetector { return a.impulses }

// IngestTick records an external price tick. It returns the impulse the tick
// raised, if any.
func (a *Aggregator) IngestTick(tick domain.PriceTick) (*domain.Impulse, error) {
	imp, err := a.impulses.Track(tick)
	if err != nil {
		return nil, err
	}
	a.observer.TickIngested(tick)
	if imp != nil {
		a.observer.ImpulseRaised(*imp)
		a.logger.Info("impulse detected",
			slog.String("instrument", imp.Instrument),
			slog.String("direction", string(imp.Direction)),
			slog.Float64("change_pct", imp.ChangePct),
			slog.Float64("confidence", imp.Confidence),
		)
	}
	return imp, nil
}

// IngestBook applies a venue book update. Snapshots replace the book and clear
// any pending resync. A diff that is gapped, crossed or out of range returns
// domain.ErrDataIntegrity without touching the book and queues one resync
// request for the market. Duplicate diffs are ignored.
func (a *Aggregator) IngestBook(u domain.BookUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.markets[u.VenueMarketID]
	if !ok {
		return fmt.Errorf("market: book %s: %w", u.VenueMarketID, domain.ErrNotFound)
	}

	switch u.Kind {
	case domain.BookUpdateSnapshot:
		if err := st.book.ApplySnapshot(u); err != nil {
			a.reject(st, u, err)
			return err
		}
		st.awaiting = false
		st.requested = false
		a.suspended.Delete(u.VenueMarketID)
	case domain.BookUpdateDiff:
		if st.awaiting {
			err := fmt.Errorf("market: diff %s seq %d: %w: awaiting resync", u.VenueMarketID, u.Sequence, domain.ErrDataIntegrity)
			a.reject(st, u, err)
			return err
		}
		err := st.book.ApplyDiff(u)
		if errors.Is(err, orderbook.ErrStale) {
			return nil
		}
		if err != nil {
			a.reject(st, u, err)
			return err
		}
	default:
		return fmt.Errorf("market: book %s: %w: unknown kind %q", u.VenueMarketID, domain.ErrDataIntegrity, u.Kind)
	}

	a.publish(st)
	return nil
}

// reject marks the market as awaiting a resync and queues one request.
// The caller must hold a.mu.
func (a *Aggregator) reject(st *marketState, u domain.BookUpdate, err error) {
	a.observer.BookRejected(u.VenueMarketID, err)
	st.awaiting = true
	a.suspended.Store(u.VenueMarketID, struct{}{})
	if st.requested {
		return
	}
	req := domain.ResyncRequest{
		VenueMarketID: u.VenueMarketID,
		LastSequence:  st.book.Sequence(),
		GotSequence:   u.Sequence,
		RequestedAt:   a.now(),
	}
	select {
	case a.resyncs <- req:
		st.requested = true
		a.observer.ResyncRequested(req)
		a.logger.Warn("book rejected, resync requested",
			slog.String("market", u.VenueMarketID),
			slog.Uint64("last_seq", req.LastSequence),
			slog.Uint64("got_seq", req.GotSequence),
			slog.String("error", err.Error()),
		)
	default:
		// Retried on the next rejected update.
		a.logger.Warn("resync queue full", slog.String("market", u.VenueMarketID))
	}
}

// publish stores a fresh immutable snapshot. The caller must hold a.mu.
func (a *Aggregator) publish(st *marketState) {
	snap := st.book.Snapshot(st.meta, st.book.UpdatedAt())
	a.snaps.Store(st.meta.VenueMarketID, &snap)
}

// AwaitingResync reports whether a market's book is suspended until the next
// full snapshot.
func (a *Aggregator) AwaitingResync(marketID string) bool {
	_, ok := a.suspended.Load(marketID)
	return ok
}

// Snapshot returns an immutable copy of one market, stamped with the current
// time and the active impulse of its linked instrument.
func (a *Aggregator) Snapshot(marketID string) (domain.MarketSnapshot, bool) {
	return a.snapshotAt(marketID, a.now())
}

func (a *Aggregator) snapshotAt(marketID string, now time.Time) (domain.MarketSnapshot, bool) {
	v, ok := a.snaps.Load(marketID)
	if !ok {
		return domain.MarketSnapshot{}, false
	}
	snap := v.(*domain.MarketSnapshot).Clone()
	snap.AsOf = now
	if snap.Instrument != "" {
		if imp, ok := a.impulses.Active(snap.Instrument, now); ok {
			snap.Impulse = &imp
		}
	}
	return snap, true
}

// Snapshots returns copies of every market with a valid book, ordered by id and
// all stamped with the same instant. Markets awaiting a resync are left out.
func (a *Aggregator) Snapshots() []domain.MarketSnapshot {
	now := a.now()

	var ids []string
	a.snaps.Range(func(k, _ any) bool {
		id := k.(string)
		if !a.AwaitingResync(id) {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)

	out := make([]domain.MarketSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, ok := a.snapshotAt(id, now); ok {
			out = append(out, snap)
		}
	}
	return out
}
