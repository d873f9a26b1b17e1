package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/config"
	"github.com/eddiefleurent/trade_oracle/internal/lock"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/storage/sqlstore"
	"github.com/eddiefleurent/trade_oracle/internal/storage/storagetest"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paperConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = config.DriverMemory
	cfg.Server.Addr = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func TestNew_WiresPaperStack(t *testing.T) {
	logger, hook := test.NewNullLogger()
	a, err := New(context.Background(), paperConfig(t), logger)
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Broker)
	assert.NotNil(t, a.Quotes)
	assert.IsType(t, &lock.LocalLocker{}, a.Locker)
	assert.IsType(t, &storage.JSONStorage{}, a.Store)
	assert.ElementsMatch(t, []string{"iron_condor", "iv_mean_reversion", "momentum", "strangle"}, a.Registry.Names())
	assert.False(t, a.Enabled["iron_condor"], "strategies are disabled by default")
	assert.NotNil(t, a.Server)
	assert.NotNil(t, a.Monitor)
	assert.NotNil(t, a.Trader)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Application initialized", hook.LastEntry().Message)
}

func TestNew_SQLiteStore(t *testing.T) {
	cfg := paperConfig(t)
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "oracle.db")

	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.Close()
	assert.IsType(t, &sqlstore.Store{}, a.Store)

	pos, entry := storagetest.Position("pos-1", time.Now().UTC())
	require.NoError(t, a.Store.CreatePosition(context.Background(), pos, entry))
	got, err := a.Store.GetPosition(context.Background(), "pos-1")
	require.NoError(t, err)
	assert.Equal(t, "strangle", got.Strategy)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		errMsg string
	}{
		{
			name:   "unknown provider",
			mutate: func(c *config.Config) { c.Broker.Provider = "ib" },
			errMsg: `unknown broker provider "ib"`,
		},
		{
			name:   "unknown file driver",
			mutate: func(c *config.Config) { c.Storage.Driver = "bolt" },
			errMsg: "opening bolt store",
		},
		{
			name: "redis unreachable",
			mutate: func(c *config.Config) {
				c.Redis.Enabled = true
				c.Redis.Addr = "127.0.0.1:1"
			},
			errMsg: "connecting to redis",
		},
		{
			name:   "bad alert level",
			mutate: func(c *config.Config) { c.Alerts.MinLevel = "LOUD" },
			errMsg: "alerts:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := paperConfig(t)
			tt.mutate(cfg)
			logger, _ := test.NewNullLogger()
			a, err := New(context.Background(), cfg, logger)
			require.Error(t, err)
			assert.Nil(t, a)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Environment.LogLevel = "debug"
	cfg.Environment.LogFormat = "json"

	var buf bytes.Buffer
	logger := NewLogger(&cfg, &buf)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}

func TestServe_StopsOnCancel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	a, err := New(context.Background(), paperConfig(t), logger)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, "Trade oracle stopped", hook.LastEntry().Message)
}

func TestServe_RunsEntrySchedulerWhenAutoTrade(t *testing.T) {
	cfg := paperConfig(t)
	cfg.Schedule.AutoTrade = true
	require.NoError(t, cfg.Validate())

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	a, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	assert.Eventually(t, func() bool { return logged(hook, "Entry cycle complete") }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.True(t, logged(hook, "Entry scheduler stopped"))
}

func TestServe_EntrySchedulerOffByDefault(t *testing.T) {
	logger, hook := test.NewNullLogger()
	a, err := New(context.Background(), paperConfig(t), logger)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	require.NoError(t, a.Serve(ctx))
	assert.False(t, logged(hook, "Entry scheduler starting"))
}

func TestTradeOnce_DisabledStrategies(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), paperConfig(t), logger)
	require.NoError(t, err)
	defer a.Close()

	report, err := a.TradeOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Entries)
	assert.Len(t, report.Skipped, 4)
	for _, s := range report.Skipped {
		assert.Equal(t, SkipDisabled, s.Reason)
	}
}

func logged(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func TestServe_LiveModeHonoursCancelDuringConfirm(t *testing.T) {
	cfg := paperConfig(t)
	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.Close()
	// Live mode is only reachable with a real broker; flip it after wiring.
	cfg.Environment.Mode = "live"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, a.Serve(ctx), context.Canceled)
}

func TestTickOnce_NoPositions(t *testing.T) {
	logger, _ := test.NewNullLogger()
	a, err := New(context.Background(), paperConfig(t), logger)
	require.NoError(t, err)
	defer a.Close()

	report := a.TickOnce(context.Background())
	assert.Equal(t, 0, report.Open)
	assert.Empty(t, report.Exits)
}
