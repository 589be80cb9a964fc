package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: "postgres://x@y/z", Host: "ignored"},
			want: "postgres://x@y/z",
		},
		{
			name: "defaults port and sslmode",
			cfg:  ClientConfig{Host: "db", Database: "polyarb", User: "arb", Password: "pw"},
			want: "postgres://arb:pw@db:5432/polyarb?sslmode=disable",
		},
		{
			name: "custom port",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "polyarb", User: "arb", Password: "pw", SSLMode: "require"},
			want: "postgres://arb:pw@db:6543/polyarb?sslmode=require",
		},
		{
			name: "escapes credentials",
			cfg:  ClientConfig{Host: "db", Database: "polyarb", User: "arb", Password: "p@ss/w:rd"},
			want: "postgres://arb:p%40ss%2Fw%3Ard@db:5432/polyarb?sslmode=disable",
		},
		{
			name: "user without password",
			cfg:  ClientConfig{Host: "db", Database: "polyarb", User: "arb"},
			want: "postgres://arb@db:5432/polyarb?sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DSN(tt.cfg))
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"001_order_ledger.sql", "002_capital_checkpoint.sql", "003_audit_log.sql", "004_settlement_seq_index.sql"}, names)
}

func TestLoadMigrationsChecksums(t *testing.T) {
	migrations, err := loadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 4)
	for i, m := range migrations {
		assert.Len(t, m.sum, 32, m.name)
		assert.NotEmpty(t, m.sql, m.name)
		if i > 0 {
			assert.Less(t, migrations[i-1].name, m.name)
			assert.NotEqual(t, migrations[i-1].sum, m.sum)
		}
	}
}

func TestTerminalStatesMatchDomain(t *testing.T) {
	for _, s := range terminalStates() {
		assert.True(t, domain.OrderState(s).IsTerminal(), s)
	}
	assert.Len(t, terminalStates(), 3)
}
