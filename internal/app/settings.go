package app

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/compounding"
	"github.com/alanyoungcy/polyarb/internal/config"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/executor"
	"github.com/alanyoungcy/polyarb/internal/feed"
	"github.com/alanyoungcy/polyarb/internal/market"
	"github.com/alanyoungcy/polyarb/internal/notify"
	"github.com/alanyoungcy/polyarb/internal/orchestrator"
	"github.com/alanyoungcy/polyarb/internal/platform/venue"
	"github.com/alanyoungcy/polyarb/internal/risk"
	"github.com/alanyoungcy/polyarb/internal/strategy"
)

// The functions below translate the file configuration into the settings
// each component takes. They hold no state and never touch the network.

func strategySettings(c config.StrategiesConfig) strategy.Settings {
	common := func(sc config.StrategyCommon) strategy.Common {
		return strategy.Common{
			Enabled:       sc.Enabled,
			Weight:        sc.Weight,
			MaxPosition:   sc.MaxPosition,
			MaxAllocation: sc.MaxAllocation,
			Cooldown:      sc.Cooldown.Duration,
		}
	}
	return strategy.Settings{
		Latency: strategy.LatencyConfig{
			Common:        common(c.Latency.StrategyCommon),
			LagWindow:     c.Latency.LagWindow.Duration,
			Sensitivity:   c.Latency.Sensitivity,
			MaxCapture:    c.Latency.MaxCapture,
			MinEdge:       c.Latency.MinEdge,
			MinConfidence: c.Latency.MinConfidence,
		},
		NearResolved: strategy.NearResolvedConfig{
			Common:              common(c.NearResolved.StrategyCommon),
			MinProbability:      c.NearResolved.MinProbability,
			MaxProbability:      c.NearResolved.MaxProbability,
			MinYield:            c.NearResolved.MinYield,
			MaxTimeToResolution: c.NearResolved.MaxTimeToResolution.Duration,
			MaxPerMarketPct:     c.NearResolved.MaxPerMarketPct,
			MinPosition:         c.NearResolved.MinPosition,
		},
		YesNo: strategy.YesNoConfig{
			Common:    common(c.YesNo.StrategyCommon),
			MinSpread: c.YesNo.MinSpread,
		},
		Spread: strategy.SpreadConfig{
			Common:                common(c.Spread.StrategyCommon),
			MinSpread:             c.Spread.MinSpread,
			Improve:               c.Spread.Improve,
			OrderSize:             c.Spread.OrderSize,
			MaxInventoryImbalance: c.Spread.MaxInventoryImbalance,
		},
		Range: strategy.RangeConfig{
			Common:          common(c.Range.StrategyCommon),
			MaxTotalCost:    c.Range.MaxTotalCost,
			MinOutcomes:     c.Range.MinOutcomes,
			TargetProfitPct: c.Range.TargetProfitPct,
		},
	}
}

// riskConfig builds the capital manager settings. Initial ceilings come from
// each strategy's max_allocation until the first compounding run replaces
// them.
func riskConfig(c config.CapitalConfig, commons map[string]strategy.Common) (risk.Config, error) {
	loc, err := time.LoadLocation(c.DayTimezone)
	if err != nil {
		return risk.Config{}, fmt.Errorf("app: capital: day_timezone %q: %w: %v", c.DayTimezone, domain.ErrConfiguration, err)
	}
	ceilings := make(map[string]decimal.Decimal)
	for id, sc := range commons {
		if sc.Enabled && sc.MaxAllocation > 0 {
			ceilings[id] = decimal.NewFromFloat(sc.MaxAllocation)
		}
	}
	return risk.Config{
		InitialCapital: decimal.NewFromFloat(c.InitialCapital),
		MaxDailyLoss:   decimal.NewFromFloat(c.MaxDailyLoss),
		ReservationTTL: c.ReservationTTL.Duration,
		SweepInterval:  c.SweepInterval.Duration,
		DayLocation:    loc,
		Ceilings:       ceilings,
	}, nil
}

func marketConfig(c config.MarketConfig) market.Config {
	return market.Config{
		Impulse: market.ImpulseConfig{
			Window:    c.ImpulseWindow.Duration,
			Threshold: c.ImpulseThreshold,
			Decay:     c.ImpulseDecay.Duration,
			MaxPoints: c.MaxPoints,
		},
		ResyncBuffer: c.ResyncBuffer,
	}
}

func compoundingConfig(c config.CompoundingConfig, scan time.Duration, commons map[string]strategy.Common) compounding.Config {
	interval := c.Interval.Duration
	if interval <= 0 {
		interval = scan
	}
	budgets := make(map[string]compounding.Budget, len(commons))
	for id, sc := range commons {
		if !sc.Enabled {
			continue
		}
		budgets[id] = compounding.Budget{Weight: sc.Weight, MaxAllocation: sc.MaxAllocation}
	}
	return compounding.Config{
		Interval:       interval,
		KellyFraction:  c.KellyFraction,
		MinFraction:    c.MinFraction,
		MaxPositionPct: c.MaxPositionPct,
		Budgets:        budgets,
		HistoryLimit:   c.HistoryLimit,
	}
}

func executorConfig(c config.ExecutionConfig) executor.Config {
	return executor.Config{
		CallTimeout:  c.CallTimeout.Duration,
		MaxAttempts:  c.MaxAttempts,
		BackoffBase:  c.BackoffBase.Duration,
		BackoffMax:   c.BackoffMax.Duration,
		PollInterval: c.PollInterval.Duration,
		FillTimeout:  c.FillTimeout.Duration,
		DedupTTL:     c.DedupTTL.Duration,

		MaxPollFailures: c.MaxPollFailures,
		RedriveInterval: c.RedriveInterval.Duration,
	}
}

func orchestratorConfig(c config.EngineConfig) orchestrator.Config {
	return orchestrator.Config{
		ScanInterval:    c.ScanInterval.Duration,
		ShutdownTimeout: c.ShutdownTimeout.Duration,
		Workers:         c.Workers,
	}
}

func venueConfig(c config.VenueConfig) venue.Config {
	return venue.Config{
		BaseURL: c.BaseURL,
		Credentials: venue.Credentials{
			Key:        c.APIKey,
			Secret:     c.APISecret,
			Passphrase: c.APIPassphrase,
		},
		Timeout:         c.Timeout.Duration,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
		BreakerFailures: uint32(max(c.BreakerFailures, 0)),
		BreakerCooldown: c.BreakerCooldown.Duration,
	}
}

func notifyConfig(c config.NotifyConfig) notify.Config {
	nc := notify.DefaultConfig()
	nc.Events = c.Events
	if c.QueueSize > 0 {
		nc.QueueSize = c.QueueSize
	}
	nc.MinInterval = c.MinInterval.Duration
	if c.MaxAttempts > 0 {
		nc.MaxAttempts = c.MaxAttempts
	}
	return nc
}

func feedBackoff(c config.FeedsConfig) feed.Backoff {
	b := feed.DefaultBackoff()
	if c.BackoffBase.Duration > 0 {
		b.Base = c.BackoffBase.Duration
	}
	if c.BackoffMax.Duration > 0 {
		b.Max = c.BackoffMax.Duration
	}
	return b
}

// marketMeta converts a configured market definition.
func marketMeta(def config.MarketDef) (domain.MarketMeta, error) {
	meta := domain.MarketMeta{
		VenueMarketID: def.ID,
		Question:      def.Question,
		Outcomes:      append([]string(nil), def.Outcomes...),
		Instrument:    def.Instrument,
		Direction:     domain.ImpulseDirection(def.Direction),
	}
	if def.ResolvesAt != "" {
		at, err := time.Parse(time.RFC3339, def.ResolvesAt)
		if err != nil {
			return domain.MarketMeta{}, fmt.Errorf("app: market %s: resolves_at: %w: %v", def.ID, domain.ErrConfiguration, err)
		}
		meta.ResolvesAt = at
	}
	return meta, nil
}

// mergeMarkets overlays the configured definitions on the discovered
// markets. A definition for a discovered market fills in the fields the venue
// does not know (instrument link, direction) and overrides any it sets; a
// definition for an unknown id registers a new market.
func mergeMarkets(discovered []domain.MarketMeta, defs []config.MarketDef) ([]domain.MarketMeta, error) {
	out := make([]domain.MarketMeta, len(discovered))
	copy(out, discovered)
	index := make(map[string]int, len(out))
	for i, m := range out {
		index[m.VenueMarketID] = i
	}

	for _, def := range defs {
		meta, err := marketMeta(def)
		if err != nil {
			return nil, err
		}
		i, ok := index[def.ID]
		if !ok {
			index[def.ID] = len(out)
			out = append(out, meta)
			continue
		}
		cur := &out[i]
		if meta.Question != "" {
			cur.Question = meta.Question
		}
		if len(meta.Outcomes) > 0 {
			cur.Outcomes = meta.Outcomes
		}
		if meta.Instrument != "" {
			cur.Instrument = meta.Instrument
		}
		if meta.Direction != "" {
			cur.Direction = meta.Direction
		}
		if !meta.ResolvesAt.IsZero() {
			cur.ResolvesAt = meta.ResolvesAt
		}
	}
	return out, nil
}

func marketIDs(metas []domain.MarketMeta) []string {
	ids := make([]string, len(metas))
	for i, m := range metas {
		ids[i] = m.VenueMarketID
	}
	return ids
}
