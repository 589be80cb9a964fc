package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// TickSink consumes normalized ticks; the market aggregator implements it.
type TickSink interface {
	IngestTick(tick domain.PriceTick) (*domain.Impulse, error)
}

// TickCache keeps the latest tick per source and instrument.
type TickCache interface {
	SetTick(ctx context.Context, tick domain.PriceTick) error
}

// TickFeedConfig configures a TickFeed.
type TickFeedConfig struct {
	// URL is the combined-stream endpoint, e.g.
	// "wss://stream.binance.com:9443/stream".
	URL         string
	Source      string
	Instruments []string
	// BookTicker subscribes to best bid/ask and ticks the mid; otherwise
	// trades are streamed.
	BookTicker bool
	Backoff    Backoff
}

// TickFeed streams exchange prices into the aggregator. Each tick is also
// written to the cache when one is set, and impulses it raises are handed
// to OnImpulse.
type TickFeed struct {
	cfg       TickFeedConfig
	sink      TickSink
	cache     TickCache
	onImpulse func(context.Context, domain.Impulse)
	logger    *slog.Logger
	now       func() time.Time

	ticks    atomic.Int64
	lastTick atomic.Int64
}

// NewTickFeed creates a TickFeed. cache and onImpulse may be nil.
func NewTickFeed(cfg TickFeedConfig, sink TickSink, cache TickCache, onImpulse func(context.Context, domain.Impulse), logger *slog.Logger) *TickFeed {
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = DefaultBackoff()
	}
	return &TickFeed{
		cfg:       cfg,
		sink:      sink,
		cache:     cache,
		onImpulse: onImpulse,
		logger:    logger.With(slog.String("component", "tick_feed"), slog.String("source", cfg.Source)),
		now:       time.Now,
	}
}

// StreamURL returns the combined-stream URL for the configured instruments.
func (f *TickFeed) StreamURL() string {
	suffix := "@trade"
	if f.cfg.BookTicker {
		suffix = "@bookTicker"
	}
	streams := make([]string, 0, len(f.cfg.Instruments))
	for _, inst := range f.cfg.Instruments {
		streams = append(streams, strings.ToLower(inst)+suffix)
	}
	return f.cfg.URL + "?streams=" + strings.Join(streams, "/")
}

// Run streams until ctx is cancelled.
func (f *TickFeed) Run(ctx context.Context) error {
	if len(f.cfg.Instruments) == 0 {
		f.logger.Info("no instruments configured, tick feed idle")
		<-ctx.Done()
		return nil
	}
	f.logger.Info("tick feed starting", slog.Int("instruments", len(f.cfg.Instruments)))
	defer f.logger.Info("tick feed stopped")

	url := f.StreamURL()
	return reconnect(ctx, f.logger, f.cfg.Backoff, func(ctx context.Context) (bool, error) {
		return session(ctx, url, func(*websocket.Conn) error {
			f.logger.Info("tick feed connected")
			return nil
		}, func(msg []byte) { f.handle(ctx, msg) })
	})
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeEvent struct {
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

type bookTickerEvent struct {
	Symbol string `json:"s"`
	Bid    string `json:"b"`
	Ask    string `json:"a"`
}

func (f *TickFeed) handle(ctx context.Context, msg []byte) {
	tick, ok, err := f.parse(msg)
	if err != nil {
		f.logger.Debug("tick decode failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	f.ticks.Add(1)
	f.lastTick.Store(tick.Timestamp.UnixNano())

	imp, err := f.sink.IngestTick(tick)
	if err != nil {
		f.logger.Debug("tick rejected",
			slog.String("instrument", tick.Instrument),
			slog.String("error", err.Error()),
		)
		return
	}
	if f.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := f.cache.SetTick(cctx, tick); err != nil {
			f.logger.Debug("tick cache write failed", slog.String("error", err.Error()))
		}
		cancel()
	}
	if imp != nil && f.onImpulse != nil {
		f.onImpulse(ctx, *imp)
	}
}

// parse decodes one combined-stream message. Messages for other streams
// (subscription acks and the like) report ok=false.
func (f *TickFeed) parse(msg []byte) (domain.PriceTick, bool, error) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return domain.PriceTick{}, false, err
	}

	switch {
	case strings.HasSuffix(env.Stream, "@trade"):
		var ev tradeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return domain.PriceTick{}, false, err
		}
		price, err := strconv.ParseFloat(ev.Price, 64)
		if err != nil {
			return domain.PriceTick{}, false, fmt.Errorf("trade price %q: %w", ev.Price, err)
		}
		ts := f.now()
		if ev.TradeTime > 0 {
			ts = time.UnixMilli(ev.TradeTime).UTC()
		}
		return domain.PriceTick{Source: f.cfg.Source, Instrument: ev.Symbol, Price: price, Timestamp: ts}, true, nil

	case strings.HasSuffix(env.Stream, "@bookTicker"):
		var ev bookTickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return domain.PriceTick{}, false, err
		}
		bid, err := strconv.ParseFloat(ev.Bid, 64)
		if err != nil {
			return domain.PriceTick{}, false, fmt.Errorf("bid %q: %w", ev.Bid, err)
		}
		ask, err := strconv.ParseFloat(ev.Ask, 64)
		if err != nil {
			return domain.PriceTick{}, false, fmt.Errorf("ask %q: %w", ev.Ask, err)
		}
		return domain.PriceTick{Source: f.cfg.Source, Instrument: ev.Symbol, Price: (bid + ask) / 2, Timestamp: f.now()}, true, nil
	}
	return domain.PriceTick{}, false, nil
}

// Ticks returns the number of ticks received.
func (f *TickFeed) Ticks() int64 { return f.ticks.Load() }

// LastTick returns the timestamp of the latest tick, zero before the first.
func (f *TickFeed) LastTick() time.Time {
	n := f.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
