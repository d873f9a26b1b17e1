// Package storage persists positions, the append-only trade log and risk state.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

// Store defines the contract for position and trade persistence.
//
// Implementations must be safe for concurrent use. ClosePosition must be atomic:
// the status check, the position update, the exit trade record and the risk
// state update either all happen or none do.
type Store interface {
	// CreatePosition inserts an open position together with its entry trade record.
	CreatePosition(ctx context.Context, pos *models.Position, entry *models.TradeRecord) error
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	ListPositions(ctx context.Context, filter Filter) ([]models.Position, error)
	// UpdateMarks only touches current price and unrealized P&L of an open position.
	UpdateMarks(ctx context.Context, id string, mark Mark) error
	// ClosePosition closes the position if it is still open. It reports false,
	// without error, when the position was already closed.
	ClosePosition(ctx context.Context, req CloseRequest) (bool, error)
	ListTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error)
	GetRiskState(ctx context.Context) (models.RiskState, error)
	// EnsureRiskDay rolls the risk state to day, setting the starting equity
	// when the day is new.
	EnsureRiskDay(ctx context.Context, day string, startingEquity decimal.Decimal) (models.RiskState, error)
	Close() error
}

// Filter narrows ListPositions. Zero values match everything.
type Filter struct {
	Status   models.PositionStatus
	Strategy string
	Limit    int
}

func (f Filter) matches(p *models.Position) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Strategy != "" && p.Strategy != f.Strategy {
		return false
	}
	return true
}

// TradeFilter narrows ListTrades.
type TradeFilter struct {
	PositionID string
	Kind       models.TradeKind
	Limit      int
}

func (f TradeFilter) matches(t *models.TradeRecord) bool {
	if f.PositionID != "" && t.PositionID != f.PositionID {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	return true
}

// Mark is a mark-to-market update from the monitor.
type Mark struct {
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	At            time.Time
}

// CloseRequest carries everything written when a position closes.
type CloseRequest struct {
	PositionID  string
	Reason      models.ExitReason
	Detail      string
	RealizedPnL decimal.Decimal
	ClosedAt    time.Time
	Day         string // trading day in exchange time, for the risk state
	Trade       *models.TradeRecord
}

// Validate checks the request before any write.
func (r CloseRequest) Validate() error {
	if r.PositionID == "" {
		return fmt.Errorf("position id is required")
	}
	if !r.Reason.Valid() {
		return fmt.Errorf("invalid exit reason %q", r.Reason)
	}
	if r.Day == "" {
		return fmt.Errorf("trading day is required")
	}
	if r.Trade == nil {
		return fmt.Errorf("exit trade record is required")
	}
	return nil
}

// ApplyClose mutates pos into its closed form. Exit fills are matched to legs by symbol.
func ApplyClose(pos *models.Position, req CloseRequest) {
	closedAt := req.ClosedAt
	pos.Status = models.PositionClosed
	pos.ClosedAt = &closedAt
	pos.ExitReason = req.Reason
	pos.ExitDetail = req.Detail
	pos.RealizedPnL = decimal.NewNullDecimal(req.RealizedPnL)
	pos.UnrealizedPnL = decimal.Zero
	for _, f := range req.Trade.Fills {
		for i := range pos.Legs {
			if pos.Legs[i].Symbol == f.Symbol {
				pos.Legs[i].ExitFillPrice = decimal.NewNullDecimal(f.FillPrice)
				pos.Legs[i].ExitOrderID = f.OrderID
			}
		}
	}
}

// RollRiskDay moves rs to day. It reports whether anything changed; a day that
// already has a starting equity is left alone.
func RollRiskDay(rs *models.RiskState, day string, startingEquity decimal.Decimal, now time.Time) bool {
	if rs.Day == day && rs.StartingEquity.IsPositive() {
		return false
	}
	rs.Roll(day, startingEquity)
	if !rs.StartingEquity.IsPositive() && startingEquity.IsPositive() {
		rs.StartingEquity = startingEquity
	}
	rs.UpdatedAt = now
	return true
}

// ValidateNew checks a position before insert.
func ValidateNew(pos *models.Position, entry *models.TradeRecord) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position id is required")
	}
	if pos.Status != models.PositionOpen {
		return fmt.Errorf("new position %s must be open, got %q", pos.ID, pos.Status)
	}
	if len(pos.Legs) == 0 {
		return fmt.Errorf("position %s has no legs", pos.ID)
	}
	for _, l := range pos.Legs {
		if !l.FillPrice.Valid {
			return fmt.Errorf("position %s leg %s has no fill price", pos.ID, l.Symbol)
		}
	}
	if entry == nil || entry.PositionID != pos.ID {
		return fmt.Errorf("position %s requires a matching entry trade record", pos.ID)
	}
	return nil
}

// NewStore opens the store selected by driver.
func NewStore(driver, pathOrDSN string) (Store, error) {
	switch driver {
	case "", "json":
		return NewJSONStorage(pathOrDSN)
	case "memory":
		return NewJSONStorage("")
	default:
		return nil, fmt.Errorf("storage driver %q is not a file store", driver)
	}
}

var _ Store = (*JSONStorage)(nil)
