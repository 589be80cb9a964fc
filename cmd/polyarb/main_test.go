package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func rec(seq int64, kind domain.RecordKind, o domain.Order) domain.OrderStateRecord {
	return domain.OrderStateRecord{Seq: seq, Kind: kind, OrderID: o.ID, Order: o, RecordedAt: t0.Add(time.Duration(seq) * time.Second)}
}

func TestReplayOrdersGroupsAndFolds(t *testing.T) {
	a := domain.Order{ID: "a", StrategyID: "yes_no_arb", State: domain.OrderCreated}
	b := domain.Order{ID: "b", StrategyID: "spread_trading", State: domain.OrderCreated}
	aSub := a
	aSub.State = domain.OrderSubmitting

	recs := []domain.OrderStateRecord{
		rec(1, domain.RecordTransition, b),
		rec(2, domain.RecordTransition, a),
		rec(3, domain.RecordTransition, aSub),
	}

	all, err := replayOrders(recs, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Order.ID)
	assert.Equal(t, domain.OrderSubmitting, all[0].Order.State)
	assert.Len(t, all[0].Records, 2)
	assert.Equal(t, "b", all[1].Order.ID)

	one, err := replayOrders(recs, "b")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "spread_trading", one[0].Order.StrategyID)

	_, err = replayOrders(recs, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatsTable(t *testing.T) {
	rows := statsRows(map[string]domain.StrategyStats{
		"yes_no_arb":    {StrategyID: "yes_no_arb", Trades: 4, Wins: 3, Losses: 1, PnL: 25, GrossWin: 30, GrossLoss: 5},
		"near_resolved": {StrategyID: "near_resolved", Trades: 1, Wins: 1, PnL: 2, GrossWin: 2},
	}, 0.5)
	require.Len(t, rows, 2)
	assert.Equal(t, "near_resolved", rows[0].StrategyID)
	assert.InDelta(t, 0.75, rows[1].HitRate, 1e-9)
	assert.Greater(t, rows[1].Kelly, 0.0)

	var out bytes.Buffer
	require.NoError(t, writeStatsTable(&out, rows))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "STRATEGY")
	assert.Contains(t, lines[2], "75.0%")

	out.Reset()
	require.NoError(t, writeStatsTable(&out, nil))
	assert.Equal(t, "no settled trades\n", out.String())
}

func TestConfigCheckMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polyarb.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[venue]
base_url = "https://venue.example"
api_key = "key-123"
api_secret = "secret-456"

[feeds.book]
url = "wss://venue.example/ws"
`), 0o600))

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs([]string{"config", "check", "--config", path, "--format", "json"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.NotContains(t, out.String(), "secret-456")
	assert.Contains(t, errOut.String(), "ok")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Contains(t, decoded, "Venue")
}
