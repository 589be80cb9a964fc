package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/polyarb/internal/app"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

var (
	replayArchive string
	replayDay     string
	replayStream  bool
	replayRecords bool
)

var replayCmd = &cobra.Command{
	Use:   "replay [order-id]",
	Short: "Rebuild orders from their ledger records",
	Long: `Replay folds an order's ledger records into its final state and prints
it as JSON. With --archive the records come from one S3 archive part,
with --archive-day from every session archived on that UTC day, instead of
the ledger database. With --stream they come from the redis mirror of a
running engine. Without an order id every order found is rebuilt.`,
	Example: `  polyarb replay 0b9c6c1e-8f7c-4b8e-9d1e-3f1c2a7b5d40
  polyarb replay --records 0b9c6c1e-8f7c-4b8e-9d1e-3f1c2a7b5d40
  polyarb replay --archive polyarb/ledger/2026-07-01/session-000001.jsonl
  polyarb replay --archive-day 2026-07-01
  polyarb replay --stream`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayArchive, "archive", "", "S3 key of a ledger archive to read instead of the database")
	replayCmd.Flags().StringVar(&replayDay, "archive-day", "", "read every session archived on this UTC day (YYYY-MM-DD)")
	replayCmd.Flags().BoolVar(&replayStream, "stream", false, "read the redis ledger mirror instead of the database")
	replayCmd.MarkFlagsMutuallyExclusive("archive", "archive-day", "stream")
	replayCmd.Flags().BoolVar(&replayRecords, "records", false, "include the records each order was rebuilt from")
}

func runReplay(cmd *cobra.Command, args []string) error {
	var orderID string
	if len(args) == 1 {
		orderID = args[0]
	}
	fromArchive := replayArchive != "" || replayDay != ""
	if orderID == "" && !fromArchive && !replayStream {
		return fmt.Errorf("replay: an order id, --archive, --archive-day or --stream is required")
	}
	var day time.Time
	if replayDay != "" {
		d, err := time.Parse(time.DateOnly, replayDay)
		if err != nil {
			return fmt.Errorf("replay: --archive-day: %w", err)
		}
		day = d
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if replayStream {
		recs, err := app.ReadMirror(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		return writeReplay(cmd, recs, orderID)
	}
	if fromArchive {
		cfg.Ledger.Archive = true
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	deps, cleanup, err := app.OpenLedger(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var recs []domain.OrderStateRecord
	switch {
	case replayArchive != "":
		recs, err = deps.Archiver.Load(cmd.Context(), replayArchive)
	case replayDay != "":
		recs, err = deps.Archiver.LoadDay(cmd.Context(), day)
	default:
		recs, err = deps.LedgerStore.ListOrder(cmd.Context(), orderID)
	}
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	return writeReplay(cmd, recs, orderID)
}

func writeReplay(cmd *cobra.Command, recs []domain.OrderStateRecord, orderID string) error {
	replayed, err := replayOrders(recs, orderID)
	if err != nil {
		return err
	}
	if !replayRecords {
		for i := range replayed {
			replayed[i].Records = nil
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(replayed)
}

type replayedOrder struct {
	Order   domain.Order              `json:"order"`
	Records []domain.OrderStateRecord `json:"records,omitempty"`
}

// replayOrders groups records by order and folds each group. A non-empty
// orderID keeps only that order; finding none of its records is an error.
func replayOrders(recs []domain.OrderStateRecord, orderID string) ([]replayedOrder, error) {
	groups := domain.GroupByOrder(recs)
	var ids []string
	if orderID != "" {
		if _, ok := groups[orderID]; !ok {
			return nil, fmt.Errorf("replay %s: %w", orderID, domain.ErrNotFound)
		}
		ids = []string{orderID}
	} else {
		for id := range groups {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	out := make([]replayedOrder, 0, len(ids))
	for _, id := range ids {
		o, err := domain.ReplayOrder(groups[id])
		if err != nil {
			return nil, err
		}
		out = append(out, replayedOrder{Order: o, Records: groups[id]})
	}
	return out, nil
}
