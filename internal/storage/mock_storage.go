package storage

import (
	"context"
	"sync"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/shopspring/decimal"
)

// MockStorage is an in-memory Store with injectable failures for tests.
type MockStorage struct {
	*JSONStorage

	mu          sync.Mutex
	createErr   error
	closeErr    error
	marksErr    error
	listErr     error
	closeCalls  int
	createCalls int
}

// NewMockStorage returns an empty memory-only store.
func NewMockStorage() *MockStorage {
	s, _ := NewJSONStorage("")
	return &MockStorage{JSONStorage: s}
}

// SetCreateError makes CreatePosition fail with err until cleared with nil.
func (m *MockStorage) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetCloseError makes ClosePosition fail with err until cleared with nil.
func (m *MockStorage) SetCloseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

func (m *MockStorage) SetMarksError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marksErr = err
}

func (m *MockStorage) SetListError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// CloseCalls returns how many times ClosePosition was invoked.
func (m *MockStorage) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCalls
}

func (m *MockStorage) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

func (m *MockStorage) CreatePosition(ctx context.Context, pos *models.Position, entry *models.TradeRecord) error {
	m.mu.Lock()
	m.createCalls++
	err := m.createErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.JSONStorage.CreatePosition(ctx, pos, entry)
}

func (m *MockStorage) ClosePosition(ctx context.Context, req CloseRequest) (bool, error) {
	m.mu.Lock()
	m.closeCalls++
	err := m.closeErr
	m.mu.Unlock()
	if err != nil {
		return false, err
	}
	return m.JSONStorage.ClosePosition(ctx, req)
}

func (m *MockStorage) UpdateMarks(ctx context.Context, id string, mark Mark) error {
	m.mu.Lock()
	err := m.marksErr
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.JSONStorage.UpdateMarks(ctx, id, mark)
}

func (m *MockStorage) ListPositions(ctx context.Context, filter Filter) ([]models.Position, error) {
	m.mu.Lock()
	err := m.listErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.JSONStorage.ListPositions(ctx, filter)
}

// SeedRiskState overwrites the risk state directly.
func (m *MockStorage) SeedRiskState(rs models.RiskState) {
	m.JSONStorage.mu.Lock()
	defer m.JSONStorage.mu.Unlock()
	m.JSONStorage.data.RiskState = rs
}

// SeedDay is shorthand for a fresh day with the given starting equity.
func (m *MockStorage) SeedDay(day string, equity decimal.Decimal) {
	m.SeedRiskState(models.RiskState{Day: day, StartingEquity: equity})
}

var _ Store = (*MockStorage)(nil)
