package strategy

// Settings carries the tuning of every strategy.
type Settings struct {
	Latency      LatencyConfig
	NearResolved NearResolvedConfig
	YesNo        YesNoConfig
	Spread       SpreadConfig
	Range        RangeConfig
}

// DefaultSettings returns the stock tuning of every strategy.
func DefaultSettings() Settings {
	return Settings{
		Latency:      DefaultLatencyConfig(),
		NearResolved: DefaultNearResolvedConfig(),
		YesNo:        DefaultYesNoConfig(),
		Spread:       DefaultSpreadConfig(),
		Range:        DefaultRangeConfig(),
	}
}

// Commons returns the shared knobs keyed by strategy id.
func (s Settings) Commons() map[string]Common {
	return map[string]Common{
		IDLatency:      s.Latency.Common,
		IDNearResolved: s.NearResolved.Common,
		IDYesNo:        s.YesNo.Common,
		IDSpread:       s.Spread.Common,
		IDRange:        s.Range.Common,
	}
}

// Build registers every enabled strategy.
func Build(s Settings) *Registry {
	r := NewRegistry()
	if s.Latency.Enabled {
		r.Register(NewLatencyArb(s.Latency))
	}
	if s.NearResolved.Enabled {
		r.Register(NewNearResolved(s.NearResolved))
	}
	if s.YesNo.Enabled {
		r.Register(NewYesNoArb(s.YesNo))
	}
	if s.Spread.Enabled {
		r.Register(NewSpreadTrading(s.Spread))
	}
	if s.Range.Enabled {
		r.Register(NewRangeCoverage(s.Range))
	}
	return r
}
