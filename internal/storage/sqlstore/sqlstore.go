// Package sqlstore implements storage.Store on database/sql for PostgreSQL and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/trade_oracle/internal/models"
	"github.com/eddiefleurent/trade_oracle/internal/storage"
	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // registers "sqlite"
)

// Dialect selects SQL flavour and migration set.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// timeLayout is fixed-width so SQLite text timestamps sort correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config selects the database.
type Config struct {
	Dialect Dialect
	DSN     string
	// PostgresDriver is "pgx" (default) or "pq".
	PostgresDriver string
}

// Store is a SQL-backed storage.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  logrus.FieldLogger
}

var _ storage.Store = (*Store)(nil)

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config, logger logrus.FieldLogger) (*Store, error) {
	driver, err := driverName(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Dialect == SQLite {
		// one connection serializes writers and keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db, cfg.Dialect, logger)
	if cfg.Dialect == SQLite {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{"dialect": cfg.Dialect, "driver": driver}).Info("SQL storage connected")
	return s, nil
}

func driverName(cfg Config) (string, error) {
	switch cfg.Dialect {
	case SQLite:
		return "sqlite", nil
	case Postgres:
		switch cfg.PostgresDriver {
		case "", "pgx":
			return "pgx", nil
		case "pq":
			return "postgres", nil
		default:
			return "", fmt.Errorf("unknown postgres driver %q", cfg.PostgresDriver)
		}
	default:
		return "", fmt.Errorf("unknown SQL dialect %q", cfg.Dialect)
	}
}

// New wraps an existing handle without migrating.
func New(db *sql.DB, dialect Dialect, logger logrus.FieldLogger) *Store {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		logger = l
	}
	return &Store{db: db, dialect: dialect, logger: logger.WithField("component", "sqlstore")}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) forUpdate() string {
	if s.dialect == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

func (s *Store) timeArg(t time.Time) any {
	if s.dialect == Postgres {
		return t.UTC()
	}
	return t.UTC().Format(timeLayout)
}

func (s *Store) nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return s.timeArg(*t)
}

// timeValue scans TIMESTAMPTZ values and SQLite text timestamps.
type timeValue struct {
	Time  time.Time
	Valid bool
}

func (tv *timeValue) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		tv.Time, tv.Valid = time.Time{}, false
		return nil
	case time.Time:
		tv.Time, tv.Valid = v, true
		return nil
	case string:
		return tv.parse(v)
	case []byte:
		return tv.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
}

func (tv *timeValue) parse(v string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			tv.Time, tv.Valid = t, true
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", v)
}

func (tv timeValue) ptr() *time.Time {
	if !tv.Valid {
		return nil
	}
	t := tv.Time
	return &t
}

const positionColumns = `id, strategy, underlying, status, legs, entry_credit, max_loss, entry_commission,
	entry_trade_id, opened_at, closed_at, exit_reason, exit_detail, realized_pnl, current_price,
	unrealized_pnl, marked_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*models.Position, error) {
	var (
		p                  models.Position
		legs               []byte
		opened, closed     timeValue
		marked             timeValue
		status, exitReason string
	)
	err := row.Scan(&p.ID, &p.Strategy, &p.Underlying, &status, &legs, &p.EntryCredit, &p.MaxLoss,
		&p.EntryCommission, &p.EntryTradeID, &opened, &closed, &exitReason, &p.ExitDetail,
		&p.RealizedPnL, &p.CurrentPrice, &p.UnrealizedPnL, &marked)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(legs, &p.Legs); err != nil {
		return nil, fmt.Errorf("decode legs of %s: %w", p.ID, err)
	}
	p.Status = models.PositionStatus(status)
	p.ExitReason = models.ExitReason(exitReason)
	p.OpenedAt = opened.Time
	p.ClosedAt = closed.ptr()
	p.MarkedAt = marked.ptr()
	return &p, nil
}

func (s *Store) CreatePosition(ctx context.Context, pos *models.Position, entry *models.TradeRecord) error {
	if err := storage.ValidateNew(pos, entry); err != nil {
		return err
	}
	legs, err := json.Marshal(pos.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM positions WHERE id = ?`), pos.ID).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", storage.ErrDuplicate, pos.ID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check position %s: %w", pos.ID, err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		pos.ID, pos.Strategy, pos.Underlying, string(pos.Status), string(legs), pos.EntryCredit, pos.MaxLoss,
		pos.EntryCommission, pos.EntryTradeID, s.timeArg(pos.OpenedAt), s.nullTimeArg(pos.ClosedAt),
		string(pos.ExitReason), pos.ExitDetail, pos.RealizedPnL, pos.CurrentPrice, pos.UnrealizedPnL,
		s.nullTimeArg(pos.MarkedAt))
	if err != nil {
		return fmt.Errorf("insert position %s: %w", pos.ID, err)
	}
	if err := s.insertTrade(ctx, tx, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) insertTrade(ctx context.Context, tx *sql.Tx, t *models.TradeRecord) error {
	fills, err := json.Marshal(t.Fills)
	if err != nil {
		return fmt.Errorf("encode fills: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`INSERT INTO trades (id, position_id, opening_trade_id, kind,
		strategy, underlying, fills, entry_price, exit_price, commission, slippage, pnl, reason, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.PositionID, t.OpeningTradeID, string(t.Kind), t.Strategy, t.Underlying, string(fills),
		t.EntryPrice, t.ExitPrice, t.Commission, t.Slippage, t.PnL, t.Reason, s.timeArg(t.Timestamp))
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+positionColumns+` FROM positions WHERE id = ?`), id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

// ListPositions returns positions ordered by open time, oldest first. A limit
// keeps the newest rows.
func (s *Store) ListPositions(ctx context.Context, filter storage.Filter) ([]models.Position, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Strategy != "" {
		where = append(where, "strategy = ?")
		args = append(args, filter.Strategy)
	}
	q := `SELECT ` + positionColumns + ` FROM positions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		q += " ORDER BY opened_at DESC, id DESC LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		q += " ORDER BY opened_at ASC, id ASC"
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	if filter.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *Store) UpdateMarks(ctx context.Context, id string, mark storage.Mark) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE positions SET current_price = ?, unrealized_pnl = ?, marked_at = ?
		WHERE id = ? AND status = ?`),
		mark.CurrentPrice, mark.UnrealizedPnL, s.timeArg(mark.At), id, string(models.PositionOpen))
	if err != nil {
		return fmt.Errorf("update marks %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update marks %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetPosition(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", storage.ErrPositionNotOpen, id)
}

func (s *Store) ClosePosition(ctx context.Context, req storage.CloseRequest) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+positionColumns+` FROM positions WHERE id = ?`+s.forUpdate()), req.PositionID)
	pos, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", storage.ErrNotFound, req.PositionID)
	}
	if err != nil {
		return false, fmt.Errorf("load position %s: %w", req.PositionID, err)
	}
	if !pos.IsOpen() {
		return false, nil
	}

	storage.ApplyClose(pos, req)
	legs, err := json.Marshal(pos.Legs)
	if err != nil {
		return false, fmt.Errorf("encode legs: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`UPDATE positions SET status = ?, legs = ?, closed_at = ?, exit_reason = ?,
		exit_detail = ?, realized_pnl = ?, unrealized_pnl = ? WHERE id = ? AND status = ?`),
		string(pos.Status), string(legs), s.nullTimeArg(pos.ClosedAt), string(pos.ExitReason), pos.ExitDetail,
		pos.RealizedPnL, pos.UnrealizedPnL, pos.ID, string(models.PositionOpen))
	if err != nil {
		return false, fmt.Errorf("close position %s: %w", pos.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, fmt.Errorf("close position %s: %w", pos.ID, err)
	} else if n == 0 {
		return false, nil
	}

	if err := s.insertTrade(ctx, tx, req.Trade); err != nil {
		return false, err
	}

	rs, err := s.loadRiskState(ctx, tx, true)
	if err != nil {
		return false, err
	}
	rs.ApplyClose(req.RealizedPnL, req.Day, req.ClosedAt)
	if err := s.saveRiskState(ctx, tx, rs); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListTrades returns trade records in insertion order. A limit keeps the newest rows.
func (s *Store) ListTrades(ctx context.Context, filter storage.TradeFilter) ([]models.TradeRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.PositionID != "" {
		where = append(where, "position_id = ?")
		args = append(args, filter.PositionID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	q := `SELECT id, position_id, opening_trade_id, kind, strategy, underlying, fills, entry_price,
		exit_price, commission, slippage, pnl, reason, ts FROM trades`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		q += " ORDER BY seq DESC LIMIT ?"
		args = append(args, filter.Limit)
	} else {
		q += " ORDER BY seq ASC"
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []models.TradeRecord
	for rows.Next() {
		var (
			t     models.TradeRecord
			kind  string
			fills []byte
			ts    timeValue
		)
		if err := rows.Scan(&t.ID, &t.PositionID, &t.OpeningTradeID, &kind, &t.Strategy, &t.Underlying,
			&fills, &t.EntryPrice, &t.ExitPrice, &t.Commission, &t.Slippage, &t.PnL, &t.Reason, &ts); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if err := json.Unmarshal(fills, &t.Fills); err != nil {
			return nil, fmt.Errorf("decode fills of %s: %w", t.ID, err)
		}
		t.Kind = models.TradeKind(kind)
		t.Timestamp = ts.Time
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if filter.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) loadRiskState(ctx context.Context, q querier, lock bool) (models.RiskState, error) {
	query := `SELECT day, starting_equity, daily_realized_pnl, consecutive_losses, total_trades, wins,
		losses, updated_at FROM risk_state WHERE id = 1`
	if lock {
		query += s.forUpdate()
	}
	var (
		rs      models.RiskState
		updated timeValue
	)
	err := q.QueryRowContext(ctx, query).Scan(&rs.Day, &rs.StartingEquity, &rs.DailyRealizedPnL,
		&rs.ConsecutiveLosses, &rs.TotalTrades, &rs.Wins, &rs.Losses, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RiskState{}, nil
	}
	if err != nil {
		return models.RiskState{}, fmt.Errorf("load risk state: %w", err)
	}
	if updated.Valid && updated.Time.Unix() > 0 {
		rs.UpdatedAt = updated.Time
	}
	return rs, nil
}

func (s *Store) saveRiskState(ctx context.Context, tx *sql.Tx, rs models.RiskState) error {
	_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO risk_state (id, day, starting_equity, daily_realized_pnl,
		consecutive_losses, total_trades, wins, losses, updated_at) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET day = excluded.day, starting_equity = excluded.starting_equity,
		daily_realized_pnl = excluded.daily_realized_pnl, consecutive_losses = excluded.consecutive_losses,
		total_trades = excluded.total_trades, wins = excluded.wins, losses = excluded.losses,
		updated_at = excluded.updated_at`),
		rs.Day, rs.StartingEquity, rs.DailyRealizedPnL, rs.ConsecutiveLosses, rs.TotalTrades, rs.Wins,
		rs.Losses, s.timeArg(rs.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

func (s *Store) GetRiskState(ctx context.Context) (models.RiskState, error) {
	return s.loadRiskState(ctx, s.db, false)
}

func (s *Store) EnsureRiskDay(ctx context.Context, day string, startingEquity decimal.Decimal) (models.RiskState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.RiskState{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rs, err := s.loadRiskState(ctx, tx, true)
	if err != nil {
		return models.RiskState{}, err
	}
	if !storage.RollRiskDay(&rs, day, startingEquity, time.Now().UTC()) {
		return rs, nil
	}
	if err := s.saveRiskState(ctx, tx, rs); err != nil {
		return models.RiskState{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.RiskState{}, fmt.Errorf("commit: %w", err)
	}
	s.logger.WithFields(logrus.Fields{"day": rs.Day, "starting_equity": rs.StartingEquity.String()}).Info("Risk day rolled")
	return rs, nil
}
