// Package app wires configuration into running components.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/eddiefleurent/trade_oracle/internal/alert"
	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/config"
	"github.com/eddiefleurent/trade_oracle/internal/execution"
	"github.com/eddiefleurent/trade_oracle/internal/lock"
	"github.com/eddiefleurent/trade_oracle/internal/mock"
	"github.com/eddiefleurent/trade_oracle/internal/monitor"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/eddiefleurent/trade_oracle/internal/server"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/storage/sqlstore"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	"github.com/sirupsen/logrus"
)

// App holds every long-lived component.
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Broker    broker.Broker
	Quotes    *broker.CachedQuotes
	Store     storage.Store
	Locker    lock.Locker
	Notifier  alert.Notifier
	Validator *risk.Validator
	Registry  *strategy.Registry
	Enabled   map[string]bool
	Engine    *execution.Engine
	Hub       *server.Hub
	Monitor   *monitor.Monitor
	Trader    *Trader
	Server    *server.Server

	closers []func() error
}

// NewLogger builds the process logger from the environment section.
func NewLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out == nil {
		out = os.Stdout
	}
	logger.SetOutput(out)
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Environment.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// New builds the application. On error every resource opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg, nil)
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	logger.WithFields(logrus.Fields{
		"mode":       cfg.Environment.Mode,
		"provider":   cfg.Broker.Provider,
		"storage":    cfg.Storage.Driver,
		"strategies": a.Registry.Names(),
	}).Info("Application initialized")
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.Logger

	base, err := newBroker(cfg, logger)
	if err != nil {
		return err
	}
	a.Broker = broker.NewCircuitBreakerBroker(base, logger)

	a.Quotes, err = broker.NewCachedQuotes(a.Broker, cfg.Cache.QuoteTTL)
	if err != nil {
		return fmt.Errorf("creating quote cache: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.Quotes.Close()
		return nil
	})

	a.Store, err = openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Store.Close)

	if err := a.setupLocker(ctx); err != nil {
		return err
	}

	minLevel, err := alert.ParseLevel(cfg.Alerts.MinLevel)
	if err != nil {
		return fmt.Errorf("alerts: %w", err)
	}
	var senders []alert.Sender
	if cfg.Alerts.WebhookURL != "" {
		senders = append(senders, alert.NewWebhookSender(cfg.Alerts.WebhookURL))
	}
	a.Notifier = alert.NewMulti(logger, minLevel, senders...)

	a.Validator = risk.NewValidator(cfg.RiskLimits(), logger)

	strategies, enabled := cfg.BuildStrategies(logger)
	a.Registry = strategy.NewRegistry(strategies...)
	a.Enabled = enabled

	a.Engine = execution.NewEngine(a.Broker, a.Store, a.Locker, a.Notifier, logger, cfg.EngineConfig())
	a.Hub = server.NewHub(logger)
	a.Monitor = monitor.NewMonitor(a.Store, a.Quotes, a.Engine, a.Registry, a.Hub, logger, cfg.MonitorConfig())
	a.Trader = NewTrader(TraderDeps{
		Broker:     a.Broker,
		Store:      a.Store,
		Validator:  a.Validator,
		Engine:     a.Engine,
		Strategies: a.Registry,
		Enabled:    a.Enabled,
		Hub:        a.Hub,
	}, logger, TraderConfig{
		Interval:     cfg.Schedule.EntryInterval,
		Underlying:   cfg.Strategies.Underlying,
		Location:     cfg.Location(),
		SessionStart: cfg.Schedule.SessionStart,
		SessionEnd:   cfg.Schedule.SessionEnd,
	})
	a.Server = server.NewServer(server.Deps{
		Broker:     a.Broker,
		Store:      a.Store,
		Validator:  a.Validator,
		Engine:     a.Engine,
		Strategies: a.Registry,
		Enabled:    a.Enabled,
		Hub:        a.Hub,
	}, logger, server.Config{
		Addr:           cfg.Server.Addr,
		AuthToken:      cfg.Server.AuthToken,
		RequestTimeout: cfg.Server.RequestTimeout,
		Underlying:     cfg.Strategies.Underlying,
		Location:       cfg.Location(),
	})
	return nil
}

func newBroker(cfg *config.Config, logger logrus.FieldLogger) (broker.Broker, error) {
	b := cfg.Broker
	switch b.Provider {
	case config.ProviderPaper:
		return mock.NewPaperBroker(b.PaperEquity), nil
	case config.ProviderTradier:
		opts := []broker.TradierOption{
			broker.WithTimeout(b.Timeout),
			broker.WithLogger(logger),
		}
		if b.APIEndpoint != "" {
			opts = append(opts, broker.WithBaseURL(b.APIEndpoint))
		}
		return broker.NewTradierClient(b.APIKey, b.AccountID, b.Sandbox, opts...), nil
	case config.ProviderAlpaca:
		return broker.NewAlpacaClient(broker.AlpacaConfig{
			APIKey:    b.APIKey,
			APISecret: b.APISecret,
			BaseURL:   b.APIEndpoint,
			DataURL:   b.DataEndpoint,
		}), nil
	default:
		return nil, fmt.Errorf("unknown broker provider %q", b.Provider)
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger logrus.FieldLogger) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		s, err := sqlstore.Open(ctx, sqlstore.Config{Dialect: sqlstore.SQLite, DSN: dsn}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:        sqlstore.Postgres,
			DSN:            cfg.DSN,
			PostgresDriver: cfg.PostgresDriver,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := storage.NewStore(cfg.Driver, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
		}
		return s, nil
	}
}

func (a *App) setupLocker(ctx context.Context) error {
	r := a.Config.Redis
	if !r.Enabled {
		a.Locker = lock.NewLocalLocker()
		return nil
	}
	rdb, err := lock.NewRedisClient(ctx, lock.RedisConfig{
		Addr:       r.Addr,
		Password:   r.Password,
		DB:         r.DB,
		TLSEnabled: r.TLS,
		Prefix:     r.Prefix,
	})
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	a.closers = append(a.closers, rdb.Close)
	a.Locker = lock.NewRedisLocker(rdb, r.Prefix)
	a.Logger.WithField("addr", r.Addr).Info("Using redis close lock")
	return nil
}

// Close releases resources in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
