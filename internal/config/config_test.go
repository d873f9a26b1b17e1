package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	configPath := filepath.Join("..", "..", "config.yaml.example")
	cfg, err := Load(configPath)
	require.NoError(t, err, "example config should load")

	assert.True(t, cfg.IsPaperTrading())
	assert.Equal(t, "SPY", cfg.Strategies.Underlying)
	assert.True(t, cfg.Strategies.IronCondor.Enabled)
	assert.Equal(t, time.Minute, cfg.Schedule.MonitorInterval)
	require.NotNil(t, cfg.Schedule.SessionStart)
	assert.Equal(t, "09:30", cfg.Schedule.SessionStart.String())
}

func TestLoad_InvalidPath(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	assert.Error(t, err)
}

func TestParse_EmptyUsesDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Broker.Provider, cfg.Broker.Provider)
	assert.True(t, cfg.Risk.MaxRiskPerTrade.Equal(risk.CeilingRiskPerTrade))
	assert.Equal(t, DriverJSON, cfg.Storage.Driver)
	assert.Nil(t, cfg.Schedule.SessionStart)
	assert.False(t, cfg.Schedule.AutoTrade)
	assert.Equal(t, 5*time.Minute, cfg.Schedule.EntryInterval)
}

func TestParse_OverridesKeepOtherDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
strategies:
  strangle:
    enabled: true
    delta_target: 0.20
    event_dates: ["2026-03-18"]
execution:
  commission_per_contract: 0.50
`))
	require.NoError(t, err)

	st := cfg.Strategies.Strangle
	assert.True(t, st.Enabled)
	assert.InDelta(t, 0.20, st.DeltaTarget, 1e-9)
	assert.Equal(t, []string{"2026-03-18"}, st.EventDates)
	// Untouched fields keep the strategy defaults.
	assert.Equal(t, strategy.DefaultStrangleConfig().DTETarget, st.DTETarget)
	assert.True(t, cfg.Execution.CommissionPerContract.Equal(decimal.RequireFromString("0.50")))
	assert.Equal(t, Default().Execution.FillTimeout, cfg.Execution.FillTimeout)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("broker:\n  use_otoco: true\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_ORACLE_TOKEN", "s3cret")
	cfg, err := Parse([]byte("server:\n  auth_token: ${TEST_ORACLE_TOKEN}\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Server.AuthToken)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "bad mode",
			mutate:  func(c *Config) { c.Environment.Mode = "demo" },
			wantErr: "environment.mode",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Environment.LogLevel = "loud" },
			wantErr: "environment.log_level",
		},
		{
			name:    "paper broker in live mode",
			mutate:  func(c *Config) { c.Environment.Mode = "live" },
			wantErr: "cannot run in live mode",
		},
		{
			name: "tradier without account",
			mutate: func(c *Config) {
				c.Broker.Provider = ProviderTradier
				c.Broker.APIKey = "key"
			},
			wantErr: "broker.account_id",
		},
		{
			name: "alpaca without secret",
			mutate: func(c *Config) {
				c.Broker.Provider = ProviderAlpaca
				c.Broker.APIKey = "key"
			},
			wantErr: "broker.api_secret",
		},
		{
			name: "auto trade without entry interval",
			mutate: func(c *Config) {
				c.Schedule.AutoTrade = true
				c.Schedule.EntryInterval = 0
			},
			wantErr: "schedule.entry_interval",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Broker.Provider = "ibkr" },
			wantErr: "broker.provider",
		},
		{
			name: "session start without end",
			mutate: func(c *Config) {
				start := exits.MustClock("09:30")
				c.Schedule.SessionStart = &start
			},
			wantErr: "set together",
		},
		{
			name: "session end before start",
			mutate: func(c *Config) {
				start, end := exits.MustClock("16:00"), exits.MustClock("09:30")
				c.Schedule.SessionStart, c.Schedule.SessionEnd = &start, &end
			},
			wantErr: "session window",
		},
		{
			name:    "zero fill timeout",
			mutate:  func(c *Config) { c.Execution.FillTimeout = 0 },
			wantErr: "execution.fill_timeout",
		},
		{
			name:    "negative commission",
			mutate:  func(c *Config) { c.Execution.CommissionPerContract = decimal.NewFromInt(-1) },
			wantErr: "commission_per_contract",
		},
		{
			name:    "risk given as percent",
			mutate:  func(c *Config) { c.Risk.MaxRiskPerTrade = decimal.NewFromInt(2) },
			wantErr: "risk.max_risk_per_trade",
		},
		{
			name:    "momentum fast not faster",
			mutate:  func(c *Config) { c.Strategies.Momentum.FastEMA = 30 },
			wantErr: "fast_ema",
		},
		{
			name:    "iv ranks inverted",
			mutate:  func(c *Config) { c.Strategies.IVMeanReversion.LowRank = 0.8 },
			wantErr: "iv_mean_reversion ranks",
		},
		{
			name:    "strangle exit after entry",
			mutate:  func(c *Config) { c.Strategies.Strangle.ExitDTE = 60 },
			wantErr: "exit_dte",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Storage.Driver = DriverPostgres },
			wantErr: "storage.dsn",
		},
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.Storage.Driver = "mongo" },
			wantErr: "storage.driver",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Redis.Enabled, c.Redis.Addr = true, "" },
			wantErr: "redis.addr",
		},
		{
			name:    "bad alert level",
			mutate:  func(c *Config) { c.Alerts.MinLevel = "PANIC" },
			wantErr: "alerts.min_level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLocation(t *testing.T) {
	cfg := Default()
	cfg.Schedule.Timezone = "Not/AZone"
	loc := cfg.Location()
	require.NotNil(t, loc)
	// Falls back to New York (or the fixed ET zone without tzdata).
	assert.Contains(t, []string{"America/New_York", "ET"}, loc.String())
}

func TestComponentConfigs(t *testing.T) {
	cfg := Default()
	cfg.Risk.DailyLossLimit = decimal.RequireFromString("0.01")
	cfg.Broker.MaxRetries = 5

	limits := cfg.RiskLimits()
	assert.True(t, limits.DailyLossLimit.Equal(decimal.RequireFromString("0.01")))
	assert.Equal(t, risk.CeilingConsecutiveLosses, limits.MaxConsecutiveLosses)

	eng := cfg.EngineConfig()
	assert.Equal(t, cfg.Execution.LockTTL, eng.LockTTL)
	assert.NotNil(t, eng.Location)

	mon := cfg.MonitorConfig()
	assert.Equal(t, cfg.Schedule.MonitorInterval, mon.Interval)
	assert.Equal(t, 5, mon.Retry.MaxRetries)
	assert.Equal(t, cfg.Broker.Timeout, mon.Retry.Timeout)
}

func TestBuildStrategies(t *testing.T) {
	cfg := Default()
	cfg.Strategies.Momentum.Enabled = true

	all, enabled := cfg.BuildStrategies(nil)
	reg := strategy.NewRegistry(all...)
	assert.Equal(t, []string{
		strategy.IronCondorName, strategy.IVMeanReversionName,
		strategy.MomentumName, strategy.StrangleName,
	}, reg.Names())
	assert.True(t, enabled[strategy.MomentumName])
	assert.False(t, enabled[strategy.StrangleName])
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TEST_ORACLE_ADDR=:9191\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  addr: ${TEST_ORACLE_ADDR}\n"), 0o600))
	t.Chdir(dir)
	t.Cleanup(func() { _ = os.Unsetenv("TEST_ORACLE_ADDR") })

	cfg, err := Load("config.yaml")
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.Server.Addr)
}
