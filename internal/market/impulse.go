package market

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// PricePoint records a single price observation at a point in time.
type PricePoint struct {
	Price float64
	Time  time.Time
}

// ImpulseConfig tunes impulse detection.
type ImpulseConfig struct {
	// Window is how far back the change is measured.
	Window time.Duration
	// Threshold is the absolute fractional change that raises the flag.
	Threshold float64
	// Decay is how long a raised flag stays up.
	Decay time.Duration
	// MaxPoints bounds each series.
	MaxPoints int
}

type seriesKey struct {
	instrument string
	source     string
}

// ImpulseDetector keeps a rolling window of ticks per instrument and source and
// raises an impulse flag when the instrument moves more than the threshold
// within the window.
type ImpulseDetector struct {
	cfg    ImpulseConfig
	series map[seriesKey][]PricePoint
	// sources lists, per instrument, every source seen, in first-seen order.
	sources map[string][]string
	active  map[string]domain.Impulse
	newID   func() string
	mu      sync.RWMutex
}

// NewImpulseDetector creates a detector with the given tuning.
func NewImpulseDetector(cfg ImpulseConfig) *ImpulseDetector {
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = 4096
	}
	return &ImpulseDetector{
		cfg:     cfg,
		series:  make(map[seriesKey][]PricePoint),
		sources: make(map[string][]string),
		active:  make(map[string]domain.Impulse),
		newID:   uuid.NewString,
	}
}

// Track records a tick and re-evaluates the instrument's flag. It returns the
// impulse when this tick raised a new one. Within one source ticks must arrive
// in timestamp order; an older tick is rejected.
func (d *ImpulseDetector) Track(tick domain.PriceTick) (*domain.Impulse, error) {
	if tick.Price <= 0 || math.IsNaN(tick.Price) {
		return nil, fmt.Errorf("market: tick %s/%s: %w: price %v", tick.Source, tick.Instrument, domain.ErrDataIntegrity, tick.Price)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := seriesKey{instrument: tick.Instrument, source: tick.Source}
	pts, seen := d.series[key]
	if n := len(pts); n > 0 && tick.Timestamp.Before(pts[n-1].Time) {
		return nil, fmt.Errorf("market: tick %s/%s: %w: %s before %s", tick.Source, tick.Instrument,
			domain.ErrDataIntegrity, tick.Timestamp.Format(time.RFC3339Nano), pts[n-1].Time.Format(time.RFC3339Nano))
	}
	if !seen {
		d.sources[tick.Instrument] = append(d.sources[tick.Instrument], tick.Source)
	}
	pts = append(pts, PricePoint{Price: tick.Price, Time: tick.Timestamp})
	d.series[key] = d.trim(pts, tick.Timestamp)

	if cur, ok := d.active[tick.Instrument]; ok && !cur.Active(tick.Timestamp) {
		delete(d.active, tick.Instrument)
	}

	change, from, ok := d.change(key)
	if !ok || math.Abs(change) < d.cfg.Threshold {
		return nil, nil
	}
	dir := domain.ImpulseUp
	if change < 0 {
		dir = domain.ImpulseDown
	}

	if cur, ok := d.active[tick.Instrument]; ok && cur.Direction == dir {
		// Same move still in progress: refresh its figures, keep its clock.
		cur.ToPrice = tick.Price
		cur.ChangePct = change
		cur.Confidence = d.confidence(tick.Instrument, dir)
		d.active[tick.Instrument] = cur
		return nil, nil
	}

	imp := domain.Impulse{
		ID:         d.newID(),
		Instrument: tick.Instrument,
		Source:     tick.Source,
		Direction:  dir,
		FromPrice:  from,
		ToPrice:    tick.Price,
		ChangePct:  change,
		Confidence: d.confidence(tick.Instrument, dir),
		DetectedAt: tick.Timestamp,
		ExpiresAt:  tick.Timestamp.Add(d.cfg.Decay),
	}
	d.active[tick.Instrument] = imp
	out := imp
	return &out, nil
}

// Active returns the raised flag of an instrument at now, if any.
func (d *ImpulseDetector) Active(instrument string, now time.Time) (domain.Impulse, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	imp, ok := d.active[instrument]
	if !ok || !imp.Active(now) {
		return domain.Impulse{}, false
	}
	return imp, true
}

// ActiveAll returns every raised flag at now, ordered by instrument.
func (d *ImpulseDetector) ActiveAll(now time.Time) []domain.Impulse {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]domain.Impulse, 0, len(d.active))
	for _, imp := range d.active {
		if imp.Active(now) {
			out = append(out, imp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// GetHistory returns a copy of the retained series of one source.
func (d *ImpulseDetector) GetHistory(instrument, source string) []PricePoint {
	d.mu.RLock()
	defer d.mu.RUnlock()

	src := d.series[seriesKey{instrument: instrument, source: source}]
	if len(src) == 0 {
		return nil
	}
	out := make([]PricePoint, len(src))
	copy(out, src)
	return out
}

// Latest returns the most recent price of an instrument across sources.
func (d *ImpulseDetector) Latest(instrument string) (PricePoint, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var best PricePoint
	found := false
	for _, src := range d.sources[instrument] {
		pts := d.series[seriesKey{instrument: instrument, source: src}]
		if len(pts) == 0 {
			continue
		}
		last := pts[len(pts)-1]
		if !found || last.Time.After(best.Time) {
			best, found = last, true
		}
	}
	return best, found
}

// change returns the fractional move of one series over the window. The head
// of a trimmed series is the reference price.
// The caller must hold d.mu.
func (d *ImpulseDetector) change(key seriesKey) (change, from float64, ok bool) {
	pts := d.series[key]
	if len(pts) < 2 || pts[0].Price == 0 {
		return 0, 0, false
	}
	from = pts[0].Price
	return (pts[len(pts)-1].Price - from) / from, from, true
}

// confidence is the share of the instrument's sources whose own window change
// points in dir. The caller must hold d.mu.
func (d *ImpulseDetector) confidence(instrument string, dir domain.ImpulseDirection) float64 {
	var withData, confirming int
	for _, src := range d.sources[instrument] {
		c, _, ok := d.change(seriesKey{instrument: instrument, source: src})
		if !ok {
			continue
		}
		withData++
		if (dir == domain.ImpulseUp && c > 0) || (dir == domain.ImpulseDown && c < 0) {
			confirming++
		}
	}
	if withData == 0 {
		return 0
	}
	return float64(confirming) / float64(withData)
}

// trim drops points so the head is the latest point at or before now-Window,
// falling back to the oldest retained point. Each point is dropped at most
// once, so the amortized cost per tick is constant.
func (d *ImpulseDetector) trim(pts []PricePoint, now time.Time) []PricePoint {
	cutoff := now.Add(-d.cfg.Window)
	i := 0
	for i+1 < len(pts) && !pts[i+1].Time.After(cutoff) {
		i++
	}
	if over := len(pts) - i - d.cfg.MaxPoints; over > 0 {
		i += over
	}
	if i > 0 {
		pts = pts[i:]
	}
	return pts
}
