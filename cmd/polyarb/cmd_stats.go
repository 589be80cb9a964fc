package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyarb/internal/app"
	"github.com/alanyoungcy/polyarb/internal/compounding"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

var (
	statsSince  time.Duration
	statsFormat string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-strategy performance from the ledger",
	Long: `Stats reads the settlement records of the order ledger and prints each
strategy's trades, win rate, pnl and the Kelly fraction compounding would
give it.`,
	Example: `  polyarb stats
  polyarb stats --since 168h --format json`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().DurationVar(&statsSince, "since", 0, "only count records newer than this (0 = all)")
	statsCmd.Flags().StringVar(&statsFormat, "format", "table", "output format: table, json")
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	deps, cleanup, err := app.OpenLedger(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var since time.Time
	if statsSince > 0 {
		since = time.Now().Add(-statsSince)
	}
	recs, err := deps.LedgerStore.List(cmd.Context(), since)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	rows := statsRows(domain.AggregateStats(recs), cfg.Compounding.KellyFraction)

	switch statsFormat {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "table":
		return writeStatsTable(cmd.OutOrStdout(), rows)
	default:
		return fmt.Errorf("stats: unknown format %q", statsFormat)
	}
}

type statsRow struct {
	domain.StrategyStats
	HitRate float64 `json:"win_rate"`
	Payoff  float64 `json:"payoff"`
	Kelly   float64 `json:"kelly"`
}

// statsRows adds the compounding view of each strategy, ordered by id.
func statsRows(stats map[string]domain.StrategyStats, kellyFraction float64) []statsRow {
	rows := make([]statsRow, 0, len(stats))
	for _, st := range domain.SortedStats(stats) {
		p := compounding.SmoothedWinRate(st)
		b := compounding.PayoffRatio(st)
		rows = append(rows, statsRow{
			StrategyStats: st,
			HitRate:       st.WinRate(),
			Payoff:        b,
			Kelly:         compounding.Kelly(p, b) * kellyFraction,
		})
	}
	return rows
}

func writeStatsTable(out io.Writer, rows []statsRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(out, "no settled trades")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "STRATEGY\tTRADES\tWINS\tWIN RATE\tPNL\tPAYOFF\tKELLY\t")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\t%.2f\t%.2f\t%.3f\t\n",
			r.StrategyID, r.Trades, r.Wins, r.HitRate*100, r.PnL, r.Payoff, r.Kelly)
	}
	return w.Flush()
}
