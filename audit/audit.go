// Package audit is the dedicated order-execution and signal-audit trail.
// It writes structured records via logrus (kept as a second, independent
// sink from the engine's zerolog-based operational logger, matching the
// teacher's use of logrus for a distinct trader-decision log), and owns
// the database rows subject to the 90-day retention policy (spec.md §2
// "Audit Trail", §4.9 "retention cleanup").
package audit

import (
	"database/sql"
	"time"

	"github.com/sirupsen/logrus"
)

// RetentionDays is the spec's documented retention window for
// signal_audit and order_execution_log rows.
const RetentionDays = 90

// Sink writes audit records to both the logrus trail and the database.
type Sink struct {
	db  *sql.DB
	log *logrus.Logger
}

// New builds a Sink backed by db and a dedicated logrus logger configured
// for structured (JSON) output, independent of the engine's zerolog
// component loggers.
func New(db *sql.DB) (*Sink, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signal_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			kind TEXT NOT NULL,
			instrument TEXT NOT NULL,
			raw_payload TEXT,
			outcome TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS order_execution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id TEXT,
			broker_order_id TEXT,
			symbol TEXT,
			side TEXT,
			quantity INTEGER,
			price REAL,
			status TEXT,
			detail TEXT,
			created_at DATETIME NOT NULL
		)
	`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_signal_audit_created ON signal_audit(created_at)`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_order_log_created ON order_execution_log(created_at)`); err != nil {
		return nil, err
	}

	return &Sink{db: db, log: l}, nil
}

// SignalOutcome records why a signal was accepted or rejected.
func (s *Sink) SignalOutcome(fingerprint, kind, instrument, rawPayload, outcome, reason string) {
	now := time.Now().UTC()
	s.log.WithFields(logrus.Fields{
		"fingerprint": fingerprint,
		"kind":        kind,
		"instrument":  instrument,
		"outcome":     outcome,
		"reason":      reason,
	}).Info("signal processed")

	if _, err := s.db.Exec(`
		INSERT INTO signal_audit (fingerprint, kind, instrument, raw_payload, outcome, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, fingerprint, kind, instrument, rawPayload, outcome, reason, now); err != nil {
		s.log.WithError(err).Error("failed to persist signal audit row")
	}
}

// OrderExecution records one broker-facing order outcome.
func (s *Sink) OrderExecution(positionID, brokerOrderID, symbol, side string, quantity int, price float64, status, detail string) {
	now := time.Now().UTC()
	s.log.WithFields(logrus.Fields{
		"position_id":     positionID,
		"broker_order_id": brokerOrderID,
		"symbol":          symbol,
		"side":            side,
		"quantity":        quantity,
		"price":           price,
		"status":          status,
	}).Info("order executed")

	if _, err := s.db.Exec(`
		INSERT INTO order_execution_log (position_id, broker_order_id, symbol, side, quantity, price, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, positionID, brokerOrderID, symbol, side, quantity, price, status, detail, now); err != nil {
		s.log.WithError(err).Error("failed to persist order execution row")
	}
}

// Cleanup deletes audit rows older than RetentionDays, as run by the
// scheduler's nightly housekeeping task (spec.md §4.9).
func (s *Sink) Cleanup(now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -RetentionDays)
	var total int64

	res, err := s.db.Exec(`DELETE FROM signal_audit WHERE created_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = s.db.Exec(`DELETE FROM order_execution_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return total, err
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}
