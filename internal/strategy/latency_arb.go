package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// LatencyConfig tunes LatencyArb.
type LatencyConfig struct {
	Common
	// LagWindow bounds how long after an impulse the venue is assumed to lag.
	LagWindow time.Duration
	// Sensitivity converts the instrument's fractional move into the expected
	// move of the favoured outcome, in probability points.
	Sensitivity float64
	// MaxCapture is the share of the expected move the venue may already have
	// priced in before the opportunity is considered gone.
	MaxCapture float64
	// MinEdge is the smallest remaining move worth trading.
	MinEdge       float64
	MinConfidence float64
}

// DefaultLatencyConfig returns the stock tuning.
func DefaultLatencyConfig() LatencyConfig {
	return LatencyConfig{
		Common:        Common{Enabled: true, Weight: 1, MaxPosition: 35_000, Cooldown: 30 * time.Second},
		LagWindow:     15 * time.Minute,
		Sensitivity:   5,
		MaxCapture:    0.5,
		MinEdge:       0.02,
		MinConfidence: 0.5,
	}
}

// LatencyArb trades venue markets linked to an external instrument while the
// venue has not yet repriced an impulse seen on the exchanges.
type LatencyArb struct {
	cfg      LatencyConfig
	cooldown *cooldown

	mu sync.Mutex
	// baselines holds the favoured outcome's mid when an impulse was first
	// seen, per impulse and market.
	baselines map[string]baseline
}

type baseline struct {
	mid        float64
	detectedAt time.Time
}

// NewLatencyArb creates a latency arbitrage strategy.
func NewLatencyArb(cfg LatencyConfig) *LatencyArb {
	return &LatencyArb{
		cfg:       cfg,
		cooldown:  newCooldown(cfg.Cooldown),
		baselines: make(map[string]baseline),
	}
}

// ID returns the strategy identifier.
func (l *LatencyArb) ID() string { return IDLatency }

// Evaluate fires while the lag window of the snapshot's impulse is open and the
// venue has captured less than MaxCapture of the expected move.
func (l *LatencyArb) Evaluate(snap domain.MarketSnapshot, capital float64) []domain.TradeIntent {
	imp := snap.Impulse
	if imp == nil || snap.Instrument == "" || snap.Direction == "" {
		return nil
	}
	if imp.Instrument != snap.Instrument {
		return nil
	}
	elapsed := snap.AsOf.Sub(imp.DetectedAt)
	if elapsed < 0 || elapsed >= l.cfg.LagWindow {
		return nil
	}
	if imp.Confidence < l.cfg.MinConfidence {
		return nil
	}

	yes, no, ok := binaryLabels(snap)
	if !ok {
		return nil
	}
	favoured := no
	if imp.Direction == snap.Direction {
		favoured = yes
	}
	q, ok := snap.Outcome(favoured)
	if !ok || !q.HasAsk() {
		return nil
	}

	base := l.baseline(imp, snap.VenueMarketID, q.Mid(), snap.AsOf)
	expected := math.Abs(imp.ChangePct) * l.cfg.Sensitivity
	captured := q.Mid() - base
	if captured >= l.cfg.MaxCapture*expected {
		return nil
	}
	edge := expected - math.Max(captured, 0)
	// The edge can never exceed what the share can still gain.
	edge = math.Min(edge, 1-q.AskPrice)
	if edge < l.cfg.MinEdge {
		return nil
	}

	size := sizeFor(l.cfg.MaxPosition, l.cfg.MaxPosition, capital)
	if size == 0 {
		return nil
	}
	if !l.cooldown.tryFire(snap.VenueMarketID+"/"+imp.ID, snap.AsOf) {
		return nil
	}

	in := newIntent(IDLatency, snap)
	in.Side = domain.SideBuy
	in.Outcome = favoured
	in.Size = size
	in.LimitPrice = q.AskPrice
	in.ExpectedEdge = edge
	in.Reason = fmt.Sprintf("%s %s %.2f%% %s ago, venue captured %.4f of %.4f",
		imp.Instrument, imp.Direction, imp.ChangePct*100, elapsed.Round(time.Second), captured, expected)
	return []domain.TradeIntent{in}
}

// baseline returns the mid recorded when the impulse was first seen for the
// market, recording mid if it is new.
func (l *LatencyArb) baseline(imp *domain.Impulse, marketID string, mid float64, now time.Time) float64 {
	key := imp.ID + "/" + marketID

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.baselines[key]; ok {
		return b.mid
	}
	for k, b := range l.baselines {
		if now.Sub(b.detectedAt) >= l.cfg.LagWindow {
			delete(l.baselines, k)
		}
	}
	l.baselines[key] = baseline{mid: mid, detectedAt: imp.DetectedAt}
	return mid
}
