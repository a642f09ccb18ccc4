package portfolio

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/apperr"
	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

// Store is the sqlite/database-sql-backed Portfolio State Store (spec.md §2).
// It talks to database/sql only — swapping the modernc.org/sqlite driver for
// a Postgres one at deploy time is a one-line change in the DSN/driver name
// passed to sql.Open, matching the teacher's own store package.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB and ensures the schema exists.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("portfolio: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS portfolio_positions (
			position_id TEXT PRIMARY KEY,
			instrument TEXT NOT NULL,
			layer TEXT NOT NULL,
			status TEXT NOT NULL,
			entry_timestamp DATETIME,
			entry_price REAL,
			lots INTEGER,
			quantity INTEGER,
			initial_stop REAL,
			current_stop REAL,
			highest_close REAL,
			unrealized_pnl REAL DEFAULT 0,
			realized_pnl REAL DEFAULT 0,
			atr_at_entry REAL,
			limiter TEXT,
			is_base_position BOOLEAN,
			pyramid_count INTEGER DEFAULT 0,
			rollover_status TEXT DEFAULT 'none',
			rollover_count INTEGER DEFAULT 0,
			original_expiry TEXT,
			legs_json TEXT DEFAULT '[]',
			futures_symbol TEXT,
			contract_month TEXT,
			broker_order_id TEXT,
			strategy_id TEXT,
			exit_timestamp DATETIME,
			exit_price REAL,
			exit_reason TEXT,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open_layer
			ON portfolio_positions(instrument, layer)
			WHERE status IN ('open', 'closing', 'partial')`,
		`CREATE TABLE IF NOT EXISTS portfolio_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			initial_capital REAL NOT NULL,
			closed_equity REAL NOT NULL,
			equity_high REAL NOT NULL,
			total_risk_amount REAL DEFAULT 0,
			total_risk_pct REAL DEFAULT 0,
			total_vol_amount REAL DEFAULT 0,
			margin_used REAL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS pyramiding_state (
			instrument TEXT PRIMARY KEY,
			last_pyramid_entry_price REAL,
			base_position_id TEXT,
			updated_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS capital_transactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			amount REAL NOT NULL,
			equity_before REAL NOT NULL,
			equity_after REAL NOT NULL,
			position_id TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS instance_metadata (
			instance_id TEXT PRIMARY KEY,
			started_at DATETIME,
			last_heartbeat DATETIME,
			last_signal_processed DATETIME,
			is_leader BOOLEAN DEFAULT 0,
			leader_acquired_at DATETIME,
			status TEXT DEFAULT 'standby'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InitPortfolioState seeds the single portfolio_state row if absent
// (spec.md §3: "Portfolio State (single row)").
func (s *Store) InitPortfolioState(initialCapital float64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO portfolio_state (id, initial_capital, closed_equity, equity_high, version)
		VALUES (1, ?, ?, ?, 1)
	`, initialCapital, initialCapital, initialCapital)
	return err
}

// GetState returns the current single-row portfolio state.
func (s *Store) GetState() (*PortfolioState, error) {
	var st PortfolioState
	err := s.db.QueryRow(`
		SELECT initial_capital, closed_equity, equity_high, total_risk_amount,
		       total_risk_pct, total_vol_amount, margin_used, version
		FROM portfolio_state WHERE id = 1
	`).Scan(&st.InitialCapital, &st.ClosedEquity, &st.EquityHigh,
		&st.TotalRiskAmount, &st.TotalRiskPct, &st.TotalVolAmount, &st.MarginUsed, &st.Version)
	if err != nil {
		return nil, fmt.Errorf("portfolio: get state: %w", err)
	}
	return &st, nil
}

// UpdateState performs an optimistically-locked write of the portfolio state
// row (spec.md §4.7: "All state changes use optimistic locking on the
// affected row's version column"). Returns apperr.StateConflictError if the
// version no longer matches.
func (s *Store) UpdateState(st *PortfolioState) error {
	res, err := s.db.Exec(`
		UPDATE portfolio_state SET
			closed_equity = ?, equity_high = ?, total_risk_amount = ?,
			total_risk_pct = ?, total_vol_amount = ?, margin_used = ?,
			version = version + 1
		WHERE id = 1 AND version = ?
	`, st.ClosedEquity, st.EquityHigh, st.TotalRiskAmount, st.TotalRiskPct,
		st.TotalVolAmount, st.MarginUsed, st.Version)
	if err != nil {
		return fmt.Errorf("portfolio: update state: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return &apperr.StateConflictError{Entity: "portfolio_state", ID: "1"}
	}
	st.Version++
	return nil
}

// CreatePosition inserts a new Position row. The unique partial index on
// (instrument, layer) for open/closing/partial rows enforces "at most one
// open position per (instrument, layer)" (spec.md §3 invariant).
func (s *Store) CreatePosition(p *Position) error {
	legsJSON, err := json.Marshal(p.Legs)
	if err != nil {
		return err
	}
	p.Version = 1
	_, err = s.db.Exec(`
		INSERT INTO portfolio_positions (
			position_id, instrument, layer, status, entry_timestamp, entry_price,
			lots, quantity, initial_stop, current_stop, highest_close,
			atr_at_entry, limiter, is_base_position, pyramid_count, rollover_status, rollover_count,
			original_expiry, legs_json, futures_symbol, contract_month, broker_order_id,
			strategy_id, version
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, p.PositionID, string(p.Instrument), p.Layer, string(p.Status), p.EntryTimestamp, p.EntryPrice,
		p.Lots, p.Quantity, p.InitialStop, p.CurrentStop, p.HighestClose,
		p.ATRAtEntry, string(p.Limiter), p.IsBasePosition, p.PyramidCount, string(p.RolloverStatus), p.RolloverCount,
		p.OriginalExpiry, string(legsJSON), p.FuturesSymbol, p.ContractMonth, p.BrokerOrderID,
		p.StrategyID, p.Version)
	if err != nil {
		return fmt.Errorf("portfolio: create position: %w", err)
	}
	return nil
}

// GetOpenPosition returns the open/closing/partial position for
// (instrument, layer), or sql.ErrNoRows if none exists.
func (s *Store) GetOpenPosition(inst instrument.Name, layer string) (*Position, error) {
	row := s.db.QueryRow(`
		SELECT `+positionColumns+`
		FROM portfolio_positions
		WHERE instrument = ? AND layer = ? AND status IN ('open', 'closing', 'partial')
	`, string(inst), layer)
	return scanPosition(row)
}

// GetPosition returns a position by id regardless of status.
func (s *Store) GetPosition(positionID string) (*Position, error) {
	row := s.db.QueryRow(`SELECT `+positionColumns+` FROM portfolio_positions WHERE position_id = ?`, positionID)
	return scanPosition(row)
}

// ListOpenPositions returns every open/closing/partial position for an
// instrument, used by EXIT-without-layer to close "all open layers"
// (spec.md §4.7).
func (s *Store) ListOpenPositions(inst instrument.Name) ([]*Position, error) {
	rows, err := s.db.Query(`
		SELECT `+positionColumns+`
		FROM portfolio_positions
		WHERE instrument = ? AND status IN ('open', 'closing', 'partial')
		ORDER BY layer
	`, string(inst))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAllOpenPositions returns every open/closing/partial position across
// instruments, used by the rollover scanner and EOD monitor.
func (s *Store) ListAllOpenPositions() ([]*Position, error) {
	rows, err := s.db.Query(`
		SELECT ` + positionColumns + `
		FROM portfolio_positions
		WHERE status IN ('open', 'closing', 'partial')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Position
	for rows.Next() {
		p, err := scanPositionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const positionColumns = `
	position_id, instrument, layer, status, entry_timestamp, entry_price,
	lots, quantity, initial_stop, current_stop, highest_close, unrealized_pnl,
	realized_pnl, atr_at_entry, limiter, is_base_position, pyramid_count, rollover_status,
	rollover_count, original_expiry, legs_json, futures_symbol, contract_month,
	broker_order_id, strategy_id, exit_timestamp, exit_price, exit_reason, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row *sql.Row) (*Position, error) {
	return scanPositionRows(row)
}

func scanPositionRows(row rowScanner) (*Position, error) {
	var p Position
	var instStr, limiterStr, rolloverStr, legsJSON string
	var exitTS sql.NullTime
	var exitPrice, exitReason sql.NullString
	var exitPriceF sql.NullFloat64
	_ = exitPrice
	var status string

	err := row.Scan(
		&p.PositionID, &instStr, &p.Layer, &status, &p.EntryTimestamp, &p.EntryPrice,
		&p.Lots, &p.Quantity, &p.InitialStop, &p.CurrentStop, &p.HighestClose, &p.UnrealizedPnL,
		&p.RealizedPnL, &p.ATRAtEntry, &limiterStr, &p.IsBasePosition, &p.PyramidCount, &rolloverStr,
		&p.RolloverCount, &p.OriginalExpiry, &legsJSON, &p.FuturesSymbol, &p.ContractMonth,
		&p.BrokerOrderID, &p.StrategyID, &exitTS, &exitPriceF, &exitReason, &p.Version,
	)
	if err != nil {
		return nil, err
	}
	p.Instrument = instrument.Name(instStr)
	p.Status = PositionStatus(status)
	p.Limiter = Limiter(limiterStr)
	p.RolloverStatus = RolloverStatus(rolloverStr)
	if exitTS.Valid {
		t := exitTS.Time
		p.ExitTimestamp = &t
	}
	if exitPriceF.Valid {
		p.ExitPrice = exitPriceF.Float64
	}
	if exitReason.Valid {
		p.ExitReason = exitReason.String
	}
	_ = json.Unmarshal([]byte(legsJSON), &p.Legs)
	return &p, nil
}

// UpdatePosition performs an optimistically-locked update of a position row.
func (s *Store) UpdatePosition(p *Position) error {
	legsJSON, err := json.Marshal(p.Legs)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE portfolio_positions SET
			status = ?, current_stop = ?, highest_close = ?, unrealized_pnl = ?,
			realized_pnl = ?, limiter = ?, pyramid_count = ?, rollover_status = ?, rollover_count = ?,
			legs_json = ?, broker_order_id = ?, exit_timestamp = ?, exit_price = ?,
			exit_reason = ?, version = version + 1
		WHERE position_id = ? AND version = ?
	`, string(p.Status), p.CurrentStop, p.HighestClose, p.UnrealizedPnL,
		p.RealizedPnL, string(p.Limiter), p.PyramidCount, string(p.RolloverStatus), p.RolloverCount,
		string(legsJSON), p.BrokerOrderID, p.ExitTimestamp, nullFloat(p.ExitPrice, p.ExitTimestamp != nil),
		p.ExitReason, p.PositionID, p.Version)
	if err != nil {
		return fmt.Errorf("portfolio: update position %s: %w", p.PositionID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return &apperr.StateConflictError{Entity: "portfolio_positions", ID: p.PositionID}
	}
	p.Version++
	return nil
}

func nullFloat(f float64, valid bool) interface{} {
	if !valid {
		return nil
	}
	return f
}

// GetPyramidingState returns the pyramiding bookkeeping for an instrument,
// or (nil, nil) if none is recorded.
func (s *Store) GetPyramidingState(inst instrument.Name) (*PyramidingState, error) {
	var p PyramidingState
	var instStr string
	err := s.db.QueryRow(`
		SELECT instrument, last_pyramid_entry_price, base_position_id, updated_at
		FROM pyramiding_state WHERE instrument = ?
	`, string(inst)).Scan(&instStr, &p.LastPyramidEntryPrice, &p.BasePositionID, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Instrument = instrument.Name(instStr)
	return &p, nil
}

// SetPyramidingState upserts the pyramiding state for an instrument
// (spec.md §3: set on BASE_ENTRY acceptance, advanced on each PYRAMID).
func (s *Store) SetPyramidingState(p *PyramidingState) error {
	_, err := s.db.Exec(`
		INSERT INTO pyramiding_state (instrument, last_pyramid_entry_price, base_position_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instrument) DO UPDATE SET
			last_pyramid_entry_price = excluded.last_pyramid_entry_price,
			base_position_id = excluded.base_position_id,
			updated_at = excluded.updated_at
	`, string(p.Instrument), p.LastPyramidEntryPrice, p.BasePositionID, p.UpdatedAt)
	return err
}

// ClearPyramidingState removes bookkeeping when the base layer closes
// (spec.md §3 lifecycle: "Pyramiding state for an instrument is cleared when
// the base layer closes").
func (s *Store) ClearPyramidingState(inst instrument.Name) error {
	_, err := s.db.Exec(`DELETE FROM pyramiding_state WHERE instrument = ?`, string(inst))
	return err
}

// AppendCapitalTransaction writes one signed ledger entry (spec.md §3
// "Capital Transactions"). Callers pass equityBefore/After for the running
// closed_equity at the moment of the transaction.
func (s *Store) AppendCapitalTransaction(tx *CapitalTransaction) error {
	res, err := s.db.Exec(`
		INSERT INTO capital_transactions (type, amount, equity_before, equity_after, position_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(tx.Type), tx.Amount, tx.EquityBefore, tx.EquityAfter, tx.PositionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("portfolio: append capital transaction: %w", err)
	}
	id, _ := res.LastInsertId()
	tx.ID = id
	return nil
}

// SumLedger returns SUM(amount) over the capital_transactions ledger, used
// by the testable-property check `SUM(amount) + initial offset ==
// closed_equity` (spec.md §8).
func (s *Store) SumLedger() (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(amount) FROM capital_transactions`).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Float64, nil
}

// UpsertHeartbeat records or refreshes an instance's heartbeat row
// (spec.md §4.9 "Heartbeat & audit cleanup").
func (s *Store) UpsertHeartbeat(m *InstanceMetadata) error {
	_, err := s.db.Exec(`
		INSERT INTO instance_metadata (instance_id, started_at, last_heartbeat, is_leader, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			last_heartbeat = excluded.last_heartbeat,
			is_leader = excluded.is_leader,
			status = excluded.status
	`, m.InstanceID, m.StartedAt, m.LastHeartbeat, m.IsLeader, string(m.Status))
	return err
}

// SetLeaderFlag updates the DB-backup leadership flag under a transaction
// (spec.md §4.8 "Backup lock: instance_metadata.is_leader under DB
// transaction").
func (s *Store) SetLeaderFlag(instanceID string, isLeader bool, acquiredAt *time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if isLeader {
		if _, err := tx.Exec(`UPDATE instance_metadata SET is_leader = 0 WHERE instance_id != ?`, instanceID); err != nil {
			return err
		}
	}
	_, err = tx.Exec(`
		UPDATE instance_metadata SET is_leader = ?, leader_acquired_at = ? WHERE instance_id = ?
	`, isLeader, acquiredAt, instanceID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetInstance returns the metadata row for instanceID.
func (s *Store) GetInstance(instanceID string) (*InstanceMetadata, error) {
	var m InstanceMetadata
	var status string
	var acquiredAt sql.NullTime
	var lastSignal sql.NullTime
	err := s.db.QueryRow(`
		SELECT instance_id, started_at, last_heartbeat, last_signal_processed, is_leader, leader_acquired_at, status
		FROM instance_metadata WHERE instance_id = ?
	`, instanceID).Scan(&m.InstanceID, &m.StartedAt, &m.LastHeartbeat, &lastSignal, &m.IsLeader, &acquiredAt, &status)
	if err != nil {
		return nil, err
	}
	m.Status = InstanceStatus(status)
	if acquiredAt.Valid {
		t := acquiredAt.Time
		m.LeaderAcquiredAt = &t
	}
	if lastSignal.Valid {
		t := lastSignal.Time
		m.LastSignalProcessed = &t
	}
	return &m, nil
}

// CountOpenPositionsForLayer reports whether a position already exists for
// (instrument, layer) in a non-terminal status, used by the engine's
// "no existing open base" check (spec.md §4.7 BASE_ENTRY dispatch).
func (s *Store) CountOpenPositionsForLayer(inst instrument.Name, layer string) (int, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM portfolio_positions
		WHERE instrument = ? AND layer = ? AND status IN ('open', 'closing', 'partial')
	`, string(inst), layer).Scan(&n)
	return n, err
}
