package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/execution"
	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/performance"
	"github.com/eddiefleurent/trade_oracle/internal/risk"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	"github.com/eddiefleurent/trade_oracle/internal/strategy"
	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// readJSON decodes a strict JSON body. An empty body is allowed when optional.
func readJSON(r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// tradingDay is today's risk-state key in exchange time.
func (s *Server) tradingDay() string {
	return models.TradingDay(s.now(), s.config.Location)
}

func (s *Server) portfolio(ctx context.Context) (models.PortfolioSnapshot, models.RiskState, error) {
	return risk.LoadPortfolio(ctx, s.deps.Broker, s.deps.Store, s.tradingDay())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   s.now().UTC(),
	})
}

type signalRequest struct {
	Strategy   string          `json:"strategy"`
	Underlying string          `json:"underlying,omitempty"`
	Spot       decimal.Decimal `json:"spot"`
	Bars       []strategy.Bar  `json:"bars,omitempty"`
	IVHistory  []float64       `json:"iv_history,omitempty"`
	// Quantity overrides half-Kelly sizing when positive.
	Quantity int `json:"quantity,omitempty"`
}

type signalResponse struct {
	Signal            *models.CandidateTrade `json:"signal"`
	Reason            string                 `json:"reason,omitempty"`
	SuggestedQuantity int                    `json:"suggested_quantity"`
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := readJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	strat, err := s.deps.Strategies.Get(req.Strategy)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.deps.Enabled != nil && !s.deps.Enabled[req.Strategy] {
		writeError(w, http.StatusConflict, "strategy "+req.Strategy+" is disabled")
		return
	}
	underlying := req.Underlying
	if underlying == "" {
		underlying = s.config.Underlying
	}
	log := s.logger.WithFields(logrus.Fields{"strategy": req.Strategy, "underlying": underlying})

	candidate, err := strat.Generate(r.Context(), strategy.Snapshot{
		Underlying: underlying,
		Now:        s.now(),
		Location:   s.config.Location,
		Spot:       req.Spot,
		Bars:       req.Bars,
		IVHistory:  req.IVHistory,
		Market:     s.deps.Broker,
	})
	if errors.Is(err, strategy.ErrNoSignal) {
		writeJSON(w, http.StatusOK, signalResponse{Reason: err.Error()})
		return
	}
	if err != nil {
		log.WithError(err).Warn("Signal generation failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	qty := req.Quantity
	if qty <= 0 {
		qty, err = s.suggestQuantity(r.Context(), candidate)
		if err != nil {
			log.WithError(err).Warn("Sizing failed")
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	candidate.Quantity = qty
	resp := signalResponse{Signal: candidate, SuggestedQuantity: qty, Reason: candidate.Reasoning}
	if qty == 0 {
		resp.Reason = "edge does not justify a trade at current risk limits"
	}
	log.WithFields(logrus.Fields{"quantity": qty, "net_price": candidate.NetPrice.StringFixed(2)}).Info("Signal generated")
	writeJSON(w, http.StatusOK, resp)
}

// suggestQuantity sizes with half-Kelly from the strategy's closed trades.
func (s *Server) suggestQuantity(ctx context.Context, c *models.CandidateTrade) (int, error) {
	trades, err := s.deps.Store.ListTrades(ctx, storage.TradeFilter{Kind: models.TradeExit})
	if err != nil {
		return 0, err
	}
	stats := performance.Stats(trades, c.Strategy)
	equity, err := s.deps.Broker.GetAccountEquity(ctx)
	if err != nil {
		return 0, err
	}
	return s.deps.Validator.SuggestQuantity(&stats, equity, c.MaxLossPerUnit), nil
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var trade models.CandidateTrade
	if err := readJSON(r, &trade, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	snap, _, err := s.portfolio(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Validator.Approve(trade, snap))
}

func (s *Server) handleRiskLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Validator.Limits())
}

type riskStateResponse struct {
	State     models.RiskState         `json:"state"`
	Portfolio models.PortfolioSnapshot `json:"portfolio"`
	Limits    risk.Limits              `json:"limits"`
}

func (s *Server) handleRiskState(w http.ResponseWriter, r *http.Request) {
	snap, rs, err := s.portfolio(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, riskStateResponse{State: rs, Portfolio: snap, Limits: s.deps.Validator.Limits()})
}

type orderResponse struct {
	Approval models.Approval   `json:"approval"`
	Result   *execution.Result `json:"result,omitempty"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, false)
}

func (s *Server) handleMultiLegOrder(w http.ResponseWriter, r *http.Request) {
	s.execute(w, r, true)
}

// execute approves then submits a trade. Single and multi-leg routes refuse
// each other's shapes.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, multiLeg bool) {
	var trade models.CandidateTrade
	if err := readJSON(r, &trade, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	switch {
	case multiLeg && len(trade.Legs) < 2:
		writeError(w, http.StatusBadRequest, "multi-leg orders need at least two legs; use /execution/order")
		return
	case !multiLeg && len(trade.Legs) != 1:
		writeError(w, http.StatusBadRequest, "single orders take exactly one leg; use /execution/order/multi-leg")
		return
	}
	if err := trade.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, _, err := s.portfolio(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	approval := s.deps.Validator.Approve(trade, snap)
	if !approval.Approved {
		writeJSON(w, http.StatusUnprocessableEntity, orderResponse{Approval: approval})
		return
	}

	// Execution must finish or roll back even if the client goes away.
	result, err := s.deps.Engine.Execute(context.WithoutCancel(r.Context()), trade, approval)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, execution.ErrInvalidTrade) || errors.Is(err, execution.ErrNotApproved) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	status := http.StatusCreated
	if !result.Success {
		status = http.StatusBadGateway
	}
	if result.Success && s.deps.Hub != nil {
		s.deps.Hub.Publish(TopicPosition, result.Position)
	}
	writeJSON(w, status, orderResponse{Approval: approval, Result: result})
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.Filter{
		Status:   models.PositionStatus(q.Get("status")),
		Strategy: q.Get("strategy"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	positions, err := s.deps.Store.ListPositions(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list positions")
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, err := s.deps.Store.GetPosition(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("position_id", id).Error("Failed to load position")
		writeError(w, http.StatusInternalServerError, "failed to load position")
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handlePositionTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trades, err := s.deps.Store.ListTrades(r.Context(), storage.TradeFilter{PositionID: id})
	if err != nil {
		s.logger.WithError(err).WithField("position_id", id).Error("Failed to list trades")
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if trades == nil {
		trades = []models.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, trades)
}

type closeRequest struct {
	Detail string `json:"detail,omitempty"`
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req closeRequest
	if err := readJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	detail := req.Detail
	if detail == "" {
		detail = "closed via API"
	}

	result, err := s.deps.Engine.Unwind(context.WithoutCancel(r.Context()), id, models.ExitManual, detail)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("position_id", id).Error("Manual close failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	switch {
	case result.Success || result.AlreadyClosed:
	case result.InProgress:
		status = http.StatusConflict
	default:
		status = http.StatusBadGateway
	}
	if result.Success && s.deps.Hub != nil {
		s.deps.Hub.Publish(TopicExit, result)
	}
	writeJSON(w, status, result)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Store.ListTrades(r.Context(), storage.TradeFilter{Kind: models.TradeExit})
	if err != nil {
		s.logger.WithError(err).Error("Failed to list trades")
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	month := r.URL.Query().Get("month")
	if month != "" {
		if _, err := time.Parse("2006-01", month); err != nil {
			writeError(w, http.StatusBadRequest, "month must be YYYY-MM")
			return
		}
	}
	writeJSON(w, http.StatusOK, performance.BuildReport(trades, month, performance.DefaultCriteria(), s.now()))
}
