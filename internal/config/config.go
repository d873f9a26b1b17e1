// Package config provides configuration management for the trading oracle.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/alert"
	"github.com/eddiefleurent/trade_oracle/internal/execution"
	"github.com/eddiefleurent/trade_oracle/internal/exits"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/monitor"
	"github.com/eddiefleurent/trade_oracle/internal/retry"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

const defaultTimezone = "America/New_York"

// Broker providers.
const (
	ProviderPaper   = "paper"
	ProviderTradier = "tradier"
	ProviderAlpaca  = "alpaca"
)

// Storage drivers.
const (
	DriverJSON     = "json"
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Risk        RiskConfig        `yaml:"risk"`
	Strategies  StrategiesConfig  `yaml:"strategies"`
	Storage     StorageConfig     `yaml:"storage"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       RedisConfig       `yaml:"redis"`
	Server      ServerConfig      `yaml:"server"`
	Alerts      AlertsConfig      `yaml:"alerts"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider     string          `yaml:"provider"` // paper | tradier | alpaca
	APIKey       string          `yaml:"api_key"`
	APISecret    string          `yaml:"api_secret"`
	AccountID    string          `yaml:"account_id"`
	APIEndpoint  string          `yaml:"api_endpoint"`
	DataEndpoint string          `yaml:"data_endpoint"`
	Sandbox      bool            `yaml:"sandbox"`
	Timeout      time.Duration   `yaml:"timeout"`
	MaxRetries   int             `yaml:"max_retries"`
	RetryBackoff time.Duration   `yaml:"retry_backoff"`
	PaperEquity  decimal.Decimal `yaml:"paper_equity"`
}

// ScheduleConfig defines the exchange timezone and the monitor cadence.
type ScheduleConfig struct {
	Timezone        string        `yaml:"timezone"` // e.g., "America/New_York"
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// SessionStart and SessionEnd restrict monitor passes to weekday market hours.
	SessionStart       *exits.Clock `yaml:"session_start"`
	SessionEnd         *exits.Clock `yaml:"session_end"`
	MaxConcurrentExits int          `yaml:"max_concurrent_exits"`
	// AutoTrade lets serve open positions from enabled strategies every EntryInterval.
	AutoTrade     bool          `yaml:"auto_trade"`
	EntryInterval time.Duration `yaml:"entry_interval"`
}

// ExecutionConfig defines order timing for the execution engine.
type ExecutionConfig struct {
	SubmitDelay           time.Duration   `yaml:"submit_delay"`
	PollInterval          time.Duration   `yaml:"poll_interval"`
	FillTimeout           time.Duration   `yaml:"fill_timeout"`
	CallTimeout           time.Duration   `yaml:"call_timeout"`
	FlattenTimeout        time.Duration   `yaml:"flatten_timeout"`
	LockTTL               time.Duration   `yaml:"lock_ttl"`
	CommissionPerContract decimal.Decimal `yaml:"commission_per_contract"`
}

// RiskConfig defines portfolio limits as fractions of equity. Values above the
// hardcoded ceilings are capped when the validator is built.
type RiskConfig struct {
	MaxRiskPerTrade      decimal.Decimal `yaml:"max_risk_per_trade"`
	MaxPositionSize      decimal.Decimal `yaml:"max_position_size"`
	DailyLossLimit       decimal.Decimal `yaml:"daily_loss_limit"`
	MaxConsecutiveLosses int             `yaml:"max_consecutive_losses"`
}

// StrategiesConfig selects the strategies to register and their parameters.
type StrategiesConfig struct {
	Underlying      string                  `yaml:"underlying"`
	IronCondor      IronCondorSettings      `yaml:"iron_condor"`
	Momentum        MomentumSettings        `yaml:"momentum"`
	IVMeanReversion IVMeanReversionSettings `yaml:"iv_mean_reversion"`
	Strangle        StrangleSettings        `yaml:"strangle"`
}

// IronCondorSettings enables the 0DTE iron condor.
type IronCondorSettings struct {
	Enabled                   bool `yaml:"enabled"`
	strategy.IronCondorConfig `yaml:",inline"`
}

// MomentumSettings enables the momentum option buyer.
type MomentumSettings struct {
	Enabled                 bool `yaml:"enabled"`
	strategy.MomentumConfig `yaml:",inline"`
}

// IVMeanReversionSettings enables the IV mean reversion strategy.
type IVMeanReversionSettings struct {
	Enabled                        bool `yaml:"enabled"`
	strategy.IVMeanReversionConfig `yaml:",inline"`
}

// StrangleSettings enables the 45 DTE short strangle.
type StrangleSettings struct {
	Enabled                 bool `yaml:"enabled"`
	strategy.StrangleConfig `yaml:",inline"`
}

// StorageConfig defines where positions, trades and risk state live.
type StorageConfig struct {
	Driver         string `yaml:"driver"` // json | memory | sqlite | postgres
	Path           string `yaml:"path"`
	DSN            string `yaml:"dsn"`
	PostgresDriver string `yaml:"postgres_driver"` // pgx | pq
}

// CacheConfig defines the quote cache.
type CacheConfig struct {
	QuoteTTL time.Duration `yaml:"quote_ttl"`
}

// RedisConfig enables the distributed close lock.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TLS      bool   `yaml:"tls"`
	Prefix   string `yaml:"prefix"`
}

// ServerConfig defines the HTTP API.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AuthToken      string        `yaml:"auth_token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// AlertsConfig defines alert delivery.
type AlertsConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	MinLevel   string `yaml:"min_level"` // INFO | WARNING | CRITICAL
}

// Default returns a configuration that runs the paper broker with the JSON store.
func Default() Config {
	return Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info", LogFormat: "text"},
		Broker: BrokerConfig{
			Provider:     ProviderPaper,
			Sandbox:      true,
			Timeout:      10 * time.Second,
			MaxRetries:   retry.DefaultConfig.MaxRetries,
			RetryBackoff: retry.DefaultConfig.InitialBackoff,
			PaperEquity:  decimal.NewFromInt(100000),
		},
		Schedule: ScheduleConfig{
			Timezone:           defaultTimezone,
			MonitorInterval:    monitor.DefaultConfig.Interval,
			MaxConcurrentExits: monitor.DefaultConfig.MaxConcurrentExits,
			EntryInterval:      5 * time.Minute,
		},
		Execution: ExecutionConfig{
			SubmitDelay:           execution.DefaultConfig.SubmitDelay,
			PollInterval:          execution.DefaultConfig.PollInterval,
			FillTimeout:           execution.DefaultConfig.FillTimeout,
			CallTimeout:           execution.DefaultConfig.CallTimeout,
			FlattenTimeout:        execution.DefaultConfig.FlattenTimeout,
			LockTTL:               execution.DefaultConfig.LockTTL,
			CommissionPerContract: execution.DefaultConfig.CommissionPerContract,
		},
		Risk: RiskConfig{
			MaxRiskPerTrade:      risk.CeilingRiskPerTrade,
			MaxPositionSize:      risk.CeilingPositionSize,
			DailyLossLimit:       risk.CeilingDailyLoss,
			MaxConsecutiveLosses: risk.CeilingConsecutiveLosses,
		},
		Strategies: StrategiesConfig{
			Underlying:      "SPY",
			IronCondor:      IronCondorSettings{IronCondorConfig: strategy.DefaultIronCondorConfig()},
			Momentum:        MomentumSettings{MomentumConfig: strategy.DefaultMomentumConfig()},
			IVMeanReversion: IVMeanReversionSettings{IVMeanReversionConfig: strategy.DefaultIVMeanReversionConfig()},
			Strangle:        StrangleSettings{StrangleConfig: strategy.DefaultStrangleConfig()},
		},
		Storage: StorageConfig{Driver: DriverJSON, Path: "data/positions.json", PostgresDriver: "pgx"},
		Cache:   CacheConfig{QuoteTTL: 2 * time.Second},
		Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "trade_oracle:lock:"},
		Server:  ServerConfig{Addr: ":8080", RequestTimeout: 60 * time.Second},
		Alerts:  AlertsConfig{MinLevel: alert.Warning.String()},
	}
}

// Load reads and parses the configuration file from the specified path.
// A .env file in the working directory is loaded first when present.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data, decodes it over the defaults
// and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	config := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if _, err := logrus.ParseLevel(c.Environment.LogLevel); err != nil {
		return fmt.Errorf("environment.log_level invalid: %w", err)
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	// Broker
	switch c.Broker.Provider {
	case ProviderPaper:
		if c.Environment.Mode == "live" {
			return fmt.Errorf("broker.provider 'paper' cannot run in live mode")
		}
		if !c.Broker.PaperEquity.IsPositive() {
			return fmt.Errorf("broker.paper_equity must be > 0")
		}
	case ProviderTradier:
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case ProviderAlpaca:
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			return fmt.Errorf("broker.api_key and broker.api_secret are required")
		}
	default:
		return fmt.Errorf("broker.provider must be one of paper, tradier, alpaca")
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be > 0")
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries must be >= 0")
	}

	// Schedule
	if c.Schedule.MonitorInterval <= 0 {
		return fmt.Errorf("schedule.monitor_interval must be > 0")
	}
	if c.Schedule.MaxConcurrentExits <= 0 {
		return fmt.Errorf("schedule.max_concurrent_exits must be > 0")
	}
	if c.Schedule.AutoTrade && c.Schedule.EntryInterval <= 0 {
		return fmt.Errorf("schedule.entry_interval must be > 0 when auto_trade is on")
	}
	if (c.Schedule.SessionStart == nil) != (c.Schedule.SessionEnd == nil) {
		return fmt.Errorf("schedule.session_start and schedule.session_end must be set together")
	}
	if c.Schedule.SessionStart != nil && !c.Schedule.SessionStart.Before(*c.Schedule.SessionEnd) {
		return fmt.Errorf("schedule session window invalid (start must be before end)")
	}

	// Execution
	for name, d := range map[string]time.Duration{
		"poll_interval":   c.Execution.PollInterval,
		"fill_timeout":    c.Execution.FillTimeout,
		"call_timeout":    c.Execution.CallTimeout,
		"flatten_timeout": c.Execution.FlattenTimeout,
		"lock_ttl":        c.Execution.LockTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("execution.%s must be > 0", name)
		}
	}
	if c.Execution.SubmitDelay < 0 {
		return fmt.Errorf("execution.submit_delay must be >= 0")
	}
	if c.Execution.CommissionPerContract.IsNegative() {
		return fmt.Errorf("execution.commission_per_contract must be >= 0")
	}

	// Risk
	one := decimal.NewFromInt(1)
	for name, v := range map[string]decimal.Decimal{
		"max_risk_per_trade": c.Risk.MaxRiskPerTrade,
		"max_position_size":  c.Risk.MaxPositionSize,
		"daily_loss_limit":   c.Risk.DailyLossLimit,
	} {
		if !v.IsPositive() || v.GreaterThan(one) {
			return fmt.Errorf("risk.%s must be a fraction in (0,1]", name)
		}
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("risk.max_consecutive_losses must be > 0")
	}

	if err := c.Strategies.validate(); err != nil {
		return err
	}

	// Storage
	switch c.Storage.Driver {
	case DriverJSON, DriverMemory:
	case DriverSQLite:
		if c.Storage.DSN == "" && c.Storage.Path == "" {
			return fmt.Errorf("storage.dsn or storage.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
		if c.Storage.PostgresDriver != "pgx" && c.Storage.PostgresDriver != "pq" {
			return fmt.Errorf("storage.postgres_driver must be 'pgx' or 'pq'")
		}
	default:
		return fmt.Errorf("storage.driver must be one of json, memory, sqlite, postgres")
	}

	if c.Cache.QuoteTTL < 0 {
		return fmt.Errorf("cache.quote_ttl must be >= 0")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, err := alert.ParseLevel(c.Alerts.MinLevel); err != nil {
		return fmt.Errorf("alerts.min_level invalid: %w", err)
	}
	return nil
}

func (s *StrategiesConfig) validate() error {
	if s.Underlying == "" {
		return fmt.Errorf("strategies.underlying is required")
	}

	ic := s.IronCondor
	if ic.TargetDelta <= 0 || ic.TargetDelta >= 1 {
		return fmt.Errorf("strategies.iron_condor.target_delta must be in (0,1)")
	}
	if !ic.WingWidth.IsPositive() {
		return fmt.Errorf("strategies.iron_condor.wing_width must be > 0")
	}
	if !ic.EntryStart.Before(ic.EntryEnd) {
		return fmt.Errorf("strategies.iron_condor entry window invalid (start must be before end)")
	}

	m := s.Momentum
	if m.FastEMA <= 0 || m.FastEMA >= m.SlowEMA {
		return fmt.Errorf("strategies.momentum.fast_ema must be > 0 and < slow_ema")
	}
	if m.RSIPeriod <= 0 || m.RSIOversold >= m.RSIOverbought {
		return fmt.Errorf("strategies.momentum RSI settings invalid")
	}
	if !m.EntryStart.Before(m.EntryEnd) {
		return fmt.Errorf("strategies.momentum entry window invalid (start must be before end)")
	}

	iv := s.IVMeanReversion
	if iv.LowRank < 0 || iv.HighRank > 1 || iv.LowRank >= iv.HighRank {
		return fmt.Errorf("strategies.iv_mean_reversion ranks must satisfy 0 <= low_rank < high_rank <= 1")
	}
	if iv.MinDTE <= 0 || iv.MinDTE > iv.MaxDTE {
		return fmt.Errorf("strategies.iv_mean_reversion DTE range must be positive with min_dte <= max_dte")
	}
	if iv.OptionType != models.OptionPut && iv.OptionType != models.OptionCall {
		return fmt.Errorf("strategies.iv_mean_reversion.option_type must be 'put' or 'call'")
	}

	st := s.Strangle
	if st.DeltaTarget <= 0 || st.DeltaTarget >= 1 {
		return fmt.Errorf("strategies.strangle.delta_target must be in (0,1)")
	}
	if st.DTETarget <= 0 || st.ExitDTE >= st.DTETarget {
		return fmt.Errorf("strategies.strangle.exit_dte must be < dte_target")
	}
	if st.ProfitTarget.LessThanOrEqual(decimal.Zero) || st.ProfitTarget.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("strategies.strangle.profit_target must be in (0,1)")
	}
	if st.StopMultiple.LessThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("strategies.strangle.stop_multiple must be > 1")
	}
	return nil
}

// IsPaperTrading returns true if the oracle is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the exchange timezone, falling back to America/New_York and
// then a fixed Eastern offset when tzdata is missing.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err == nil {
		return loc
	}
	if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
		return fallbackLoc
	}
	// Final fallback to DST-agnostic FixedZone
	return time.FixedZone("ET", -5*60*60)
}

// RiskLimits maps the risk section onto validator limits.
func (c *Config) RiskLimits() risk.Limits {
	return risk.Limits{
		MaxRiskPerTrade:      c.Risk.MaxRiskPerTrade,
		MaxPositionSize:      c.Risk.MaxPositionSize,
		DailyLossLimit:       c.Risk.DailyLossLimit,
		MaxConsecutiveLosses: c.Risk.MaxConsecutiveLosses,
	}
}

// RetryConfig returns the policy for read-only broker calls.
func (c *Config) RetryConfig() retry.Config {
	cfg := retry.DefaultConfig
	cfg.MaxRetries = c.Broker.MaxRetries
	if c.Broker.RetryBackoff > 0 {
		cfg.InitialBackoff = c.Broker.RetryBackoff
	}
	cfg.Timeout = c.Broker.Timeout
	return cfg
}

// EngineConfig returns the execution engine settings.
func (c *Config) EngineConfig() execution.Config {
	return execution.Config{
		SubmitDelay:           c.Execution.SubmitDelay,
		PollInterval:          c.Execution.PollInterval,
		FillTimeout:           c.Execution.FillTimeout,
		CallTimeout:           c.Execution.CallTimeout,
		FlattenTimeout:        c.Execution.FlattenTimeout,
		LockTTL:               c.Execution.LockTTL,
		CommissionPerContract: c.Execution.CommissionPerContract,
		Location:              c.Location(),
	}
}

// MonitorConfig returns the position monitor settings.
func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:           c.Schedule.MonitorInterval,
		MaxConcurrentExits: c.Schedule.MaxConcurrentExits,
		SessionStart:       c.Schedule.SessionStart,
		SessionEnd:         c.Schedule.SessionEnd,
		Location:           c.Location(),
		Retry:              c.RetryConfig(),
	}
}

// BuildStrategies builds every strategy with its configured parameters so
// open positions keep their exit policies, and reports which strategies may
// open new positions.
func (c *Config) BuildStrategies(logger logrus.FieldLogger) ([]strategy.Strategy, map[string]bool) {
	s := c.Strategies
	all := []strategy.Strategy{
		strategy.NewIronCondor(s.IronCondor.IronCondorConfig, logger),
		strategy.NewMomentum(s.Momentum.MomentumConfig, logger),
		strategy.NewIVMeanReversion(s.IVMeanReversion.IVMeanReversionConfig, logger),
		strategy.NewStrangle(s.Strangle.StrangleConfig, logger),
	}
	enabled := map[string]bool{
		strategy.IronCondorName:      s.IronCondor.Enabled,
		strategy.MomentumName:        s.Momentum.Enabled,
		strategy.IVMeanReversionName: s.IVMeanReversion.Enabled,
		strategy.StrangleName:        s.Strangle.Enabled,
	}
	return all, enabled
}
