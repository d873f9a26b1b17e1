package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// JSONStorage keeps all state in memory and rewrites a single JSON file after
// every mutation. An empty path keeps the store memory-only.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *fileData
	index    map[string]int
}

type fileData struct {
	Positions   []*models.Position   `json:"positions"`
	Trades      []models.TradeRecord `json:"trades"`
	RiskState   models.RiskState     `json:"risk_state"`
	LastUpdated time.Time            `json:"last_updated"`
}

// NewJSONStorage opens or creates the store at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		filepath: path,
		data:     &fileData{},
		index:    make(map[string]int),
	}
	if path == "" {
		return s, nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat storage file: %w", err)
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("unmarshaling data: %w", err)
	}
	s.data = &data
	s.reindex()
	return nil
}

func (s *JSONStorage) reindex() {
	s.index = make(map[string]int, len(s.data.Positions))
	for i, p := range s.data.Positions {
		s.index[p.ID] = i
	}
}

// saveLocked writes the file. Callers hold the write lock.
func (s *JSONStorage) saveLocked() error {
	if s.filepath == "" {
		return nil
	}
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling data: %w", err)
	}
	if dir := filepath.Dir(s.filepath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating storage dir: %w", err)
		}
	}
	tmp := s.filepath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, s.filepath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// snapshot copies the mutable parts so a failed save can be rolled back.
type snapshot struct {
	positions []*models.Position
	trades    int
	risk      models.RiskState
}

func (s *JSONStorage) snapshotLocked() snapshot {
	ps := make([]*models.Position, len(s.data.Positions))
	for i, p := range s.data.Positions {
		ps[i] = p.Clone()
	}
	return snapshot{positions: ps, trades: len(s.data.Trades), risk: s.data.RiskState}
}

func (s *JSONStorage) restoreLocked(snap snapshot) {
	s.data.Positions = snap.positions
	s.data.Trades = s.data.Trades[:snap.trades]
	s.data.RiskState = snap.risk
	s.reindex()
}

func (s *JSONStorage) CreatePosition(ctx context.Context, pos *models.Position, entry *models.TradeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateNew(pos, entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[pos.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, pos.ID)
	}
	snap := s.snapshotLocked()
	s.data.Positions = append(s.data.Positions, pos.Clone())
	s.index[pos.ID] = len(s.data.Positions) - 1
	s.data.Trades = append(s.data.Trades, *entry)
	if err := s.saveLocked(); err != nil {
		s.restoreLocked(snap)
		return err
	}
	return nil
}

func (s *JSONStorage) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.data.Positions[i].Clone(), nil
}

// ListPositions returns positions ordered by open time, oldest first.
func (s *JSONStorage) ListPositions(ctx context.Context, filter Filter) ([]models.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]models.Position, 0, len(s.data.Positions))
	for _, p := range s.data.Positions {
		if filter.matches(p) {
			out = append(out, *p.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *JSONStorage) UpdateMarks(ctx context.Context, id string, mark Mark) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	p := s.data.Positions[i]
	if !p.IsOpen() {
		return fmt.Errorf("%w: %s", ErrPositionNotOpen, id)
	}
	prev := *p
	at := mark.At
	p.CurrentPrice = mark.CurrentPrice
	p.UnrealizedPnL = mark.UnrealizedPnL
	p.MarkedAt = &at
	if err := s.saveLocked(); err != nil {
		*p = prev
		return err
	}
	return nil
}

func (s *JSONStorage) ClosePosition(ctx context.Context, req CloseRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := req.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[req.PositionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotFound, req.PositionID)
	}
	if !s.data.Positions[i].IsOpen() {
		return false, nil
	}

	snap := s.snapshotLocked()
	ApplyClose(s.data.Positions[i], req)
	s.data.Trades = append(s.data.Trades, *req.Trade)
	s.data.RiskState.ApplyClose(req.RealizedPnL, req.Day, req.ClosedAt)
	if err := s.saveLocked(); err != nil {
		s.restoreLocked(snap)
		return false, err
	}
	return true, nil
}

// ListTrades returns trade records in insertion order.
func (s *JSONStorage) ListTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TradeRecord, 0, len(s.data.Trades))
	for i := range s.data.Trades {
		if filter.matches(&s.data.Trades[i]) {
			t := s.data.Trades[i]
			t.Fills = append([]models.LegFill(nil), t.Fills...)
			out = append(out, t)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *JSONStorage) GetRiskState(ctx context.Context) (models.RiskState, error) {
	if err := ctx.Err(); err != nil {
		return models.RiskState{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.RiskState, nil
}

func (s *JSONStorage) EnsureRiskDay(ctx context.Context, day string, startingEquity decimal.Decimal) (models.RiskState, error) {
	if err := ctx.Err(); err != nil {
		return models.RiskState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.data.RiskState
	if !RollRiskDay(&s.data.RiskState, day, startingEquity, time.Now().UTC()) {
		return s.data.RiskState, nil
	}
	if err := s.saveLocked(); err != nil {
		s.data.RiskState = prev
		return models.RiskState{}, err
	}
	return s.data.RiskState, nil
}

// Close flushes the file once more.
func (s *JSONStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}
