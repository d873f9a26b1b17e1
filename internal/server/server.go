// Package server exposes signals, risk checks, execution and positions over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/broker"
	"github.com/eddiefleurent/trade_oracle/internal/execution"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Executor opens and unwinds positions.
type Executor interface {
	Execute(ctx context.Context, trade models.CandidateTrade, approval models.Approval) (*execution.Result, error)
	Unwind(ctx context.Context, positionID string, reason models.ExitReason, detail string) (*execution.CloseResult, error)
}

// Config contains configuration for the API server.
type Config struct {
	Addr      string
	AuthToken string
	// RequestTimeout bounds every route except the websocket stream.
	RequestTimeout time.Duration
	// Underlying is used by /signal when the request names none.
	Underlying string
	Location   *time.Location
}

// DefaultConfig is the default configuration for the API server.
var DefaultConfig = Config{
	Addr:           ":8080",
	RequestTimeout: 60 * time.Second,
	Underlying:     "SPY",
}

func (c Config) sanitized() Config {
	if c.Addr == "" {
		c.Addr = DefaultConfig.Addr
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if c.Underlying == "" {
		c.Underlying = DefaultConfig.Underlying
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Deps are the collaborators behind the routes. Hub and Enabled are optional;
// a nil Enabled map allows every registered strategy.
type Deps struct {
	Broker     broker.Broker
	Store      storage.Store
	Validator  *risk.Validator
	Engine     Executor
	Strategies *strategy.Registry
	Enabled    map[string]bool
	Hub        *Hub
}

// Server is the HTTP API.
type Server struct {
	router *chi.Mux
	server *http.Server
	deps   Deps
	logger logrus.FieldLogger
	config Config
	now    func() time.Time
}

// NewServer wires the routes. It panics when a required collaborator is nil.
func NewServer(deps Deps, logger logrus.FieldLogger, config ...Config) *Server {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if deps.Broker == nil || deps.Store == nil || deps.Validator == nil || deps.Engine == nil || deps.Strategies == nil {
		panic("server.NewServer: broker, store, validator, engine and strategies are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: logger.WithField("component", "server"),
		config: cfg.sanitized(),
		now:    time.Now,
	}
	s.setupRoutes()
	return s
}

// SetClock overrides the time source (tests).
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	if s.config.AuthToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", promhttp.Handler().ServeHTTP)
	if s.deps.Hub != nil {
		s.router.Get("/ws", s.deps.Hub.HandleWS)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.config.RequestTimeout))

		r.Post("/signal", s.handleSignal)
		r.Post("/risk/approve", s.handleApprove)
		r.Get("/risk/limits", s.handleRiskLimits)
		r.Get("/risk/state", s.handleRiskState)
		r.Post("/execution/order", s.handleOrder)
		r.Post("/execution/order/multi-leg", s.handleMultiLegOrder)

		r.Get("/positions", s.handleListPositions)
		r.Get("/positions/{id}", s.handleGetPosition)
		r.Get("/positions/{id}/trades", s.handlePositionTrades)
		r.Post("/positions/{id}/close", s.handleClosePosition)

		r.Get("/performance", s.handlePerformance)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.config.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request through logrus.
func requestLogger(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     ww.Status(),
					"bytes":      ww.BytesWritten(),
					"duration":   time.Since(start).String(),
					"request_id": middleware.GetReqID(r.Context()),
				}).Debug("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.Addr).Info("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("listen and serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
