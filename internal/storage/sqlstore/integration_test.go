//go:build integration

package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/storage/storagetest"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a container and returns its DSN.
func setupPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("oracle"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresStore(t *testing.T) {
	dsn := setupPostgres(t)
	logger, _ := test.NewNullLogger()

	for _, driver := range []string{"pgx", "pq"} {
		t.Run(driver, func(t *testing.T) {
			storagetest.Run(t, func(t *testing.T) storage.Store {
				ctx := context.Background()
				s, err := Open(ctx, Config{Dialect: Postgres, DSN: dsn, PostgresDriver: driver}, logger)
				require.NoError(t, err)
				_, err = s.db.ExecContext(ctx, "TRUNCATE trades, positions")
				require.NoError(t, err)
				_, err = s.db.ExecContext(ctx, "UPDATE risk_state SET day = '', starting_equity = 0, daily_realized_pnl = 0, consecutive_losses = 0, total_trades = 0, wins = 0, losses = 0")
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			})
		})
	}
}
