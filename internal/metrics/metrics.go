// Package metrics exposes the engine's Prometheus collectors. Metrics
// implements the observer interfaces of the aggregator, the capital manager,
// the execution engine and the orchestrator, so wiring it in is a matter of
// registering one value everywhere.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orchestrator"
)

const namespace = "polyarb"

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks       *prometheus.CounterVec
	impulses    *prometheus.CounterVec
	bookRejects *prometheus.CounterVec
	resyncs     *prometheus.CounterVec

	allocations *prometheus.CounterVec
	invariant   prometheus.Counter
	dayRolls    prometheus.Counter
	capital     *prometheus.GaugeVec
	allocated   *prometheus.GaugeVec

	transitions *prometheus.CounterVec
	attempts    prometheus.Histogram
	realized    *prometheus.CounterVec

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	intents       prometheus.Counter
	submitted     prometheus.Counter
	rejected      *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "External price ticks ingested by source.",
		}, []string{"source"}),
		impulses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "impulses_total",
			Help: "Impulses raised by instrument and direction.",
		}, []string{"instrument", "direction"}),
		bookRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "book_updates_rejected_total",
			Help: "Venue book updates rejected by market.",
		}, []string{"market"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "resyncs_requested_total",
			Help: "Book resync requests by market.",
		}, []string{"market"}),

		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocations_total",
			Help: "Allocation decisions by strategy and result.",
		}, []string{"strategy", "result"}),
		invariant: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "capital_invariant_violations_total",
			Help: "Capital invariant check failures.",
		}),
		dayRolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "day_rollovers_total",
			Help: "Daily loss window resets.",
		}),
		capital: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "capital",
			Help: "Capital ledger figures in quote currency.",
		}, []string{"kind"}),
		allocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "capital_allocated",
			Help: "Capital currently allocated by strategy.",
		}, []string{"strategy"}),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "order_transitions_total",
			Help: "Order state transitions by strategy and new state.",
		}, []string{"strategy", "state"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "order_attempts",
			Help:    "Submission attempts per order that left the submitting state.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		realized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlements_total",
			Help: "Settled orders by strategy and outcome.",
		}, []string{"strategy", "outcome"}),

		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Completed scan cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Scan cycle duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		intents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_total",
			Help: "Trade intents proposed by strategies.",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_submitted_total",
			Help: "Intents handed to the execution engine.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "intents_rejected_total",
			Help: "Intents refused by the capital manager by reason.",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.impulses, m.bookRejects, m.resyncs,
		m.allocations, m.invariant, m.dayRolls, m.capital, m.allocated,
		m.transitions, m.attempts, m.realized,
		m.cycles, m.cycleDuration, m.intents, m.submitted, m.rejected,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Aggregator events.

func (m *Metrics) TickIngested(tick domain.PriceTick) {
	m.ticks.WithLabelValues(tick.Source).Inc()
}

func (m *Metrics) ImpulseRaised(imp domain.Impulse) {
	m.impulses.WithLabelValues(imp.Instrument, string(imp.Direction)).Inc()
}

func (m *Metrics) BookRejected(marketID string, _ error) {
	m.bookRejects.WithLabelValues(marketID).Inc()
}

func (m *Metrics) ResyncRequested(req domain.ResyncRequest) {
	m.resyncs.WithLabelValues(req.VenueMarketID).Inc()
}

// Capital manager events.

func (m *Metrics) AllocationDecided(intent domain.TradeIntent, err error) {
	m.allocations.WithLabelValues(intent.StrategyID, allocationResult(err)).Inc()
}

func (m *Metrics) LedgerChanged(l domain.CapitalLedger) {
	m.capital.WithLabelValues("total").Set(l.TotalCapital.InexactFloat64())
	m.capital.WithLabelValues("free").Set(l.Free().InexactFloat64())
	m.capital.WithLabelValues("realized_pnl").Set(l.RealizedPnL.InexactFloat64())
	m.capital.WithLabelValues("daily_loss").Set(l.DailyLoss.InexactFloat64())
	m.allocated.Reset()
	for id, amt := range l.Allocated {
		m.allocated.WithLabelValues(id).Set(amt.InexactFloat64())
	}
}

func (m *Metrics) InvariantViolated(error) { m.invariant.Inc() }

func (m *Metrics) DayRolled(domain.CapitalLedger) { m.dayRolls.Inc() }

// Execution engine events.

func (m *Metrics) OrderUpdated(prev, cur domain.Order) {
	if prev.State != cur.State {
		m.transitions.WithLabelValues(cur.StrategyID, string(cur.State)).Inc()
		if prev.State == domain.OrderSubmitting {
			m.attempts.Observe(float64(cur.Attempts))
		}
	}
	if cur.Settled && !prev.Settled {
		outcome := "flat"
		switch {
		case cur.RealizedPnL > 0:
			outcome = "win"
		case cur.RealizedPnL < 0:
			outcome = "loss"
		}
		m.realized.WithLabelValues(cur.StrategyID, outcome).Inc()
	}
}

// CycleCompleted records one orchestrator cycle.
func (m *Metrics) CycleCompleted(r orchestrator.CycleReport) {
	m.cycles.Inc()
	m.cycleDuration.Observe(r.Duration.Seconds())
	m.intents.Add(float64(r.Intents))
	m.submitted.Add(float64(r.Submitted))
	for reason, n := range r.Rejected {
		m.rejected.WithLabelValues(reason).Add(float64(n))
	}
}

func allocationResult(err error) string {
	switch {
	case err == nil:
		return "approved"
	case errors.Is(err, domain.ErrDailyLossLimit):
		return "daily_loss"
	case errors.Is(err, domain.ErrStrategyLimit):
		return "strategy_limit"
	case errors.Is(err, domain.ErrCapitalExhausted):
		return "capital"
	default:
		return "invalid"
	}
}
