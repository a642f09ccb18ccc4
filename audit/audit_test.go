package audit

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_CreatesTables(t *testing.T) {
	db := openTestDB(t)
	sink, err := New(db)
	require.NoError(t, err)
	require.NotNil(t, sink)

	_, err = db.Exec(`SELECT fingerprint FROM signal_audit LIMIT 1`)
	require.NoError(t, err)
	_, err = db.Exec(`SELECT broker_order_id FROM order_execution_log LIMIT 1`)
	require.NoError(t, err)
}

func TestSignalOutcome_InsertsRow(t *testing.T) {
	db := openTestDB(t)
	sink, err := New(db)
	require.NoError(t, err)

	sink.SignalOutcome("fp-1", "BASE_ENTRY", "BANK_NIFTY", `{"price":48000}`, "ACCEPTED", "")

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM signal_audit WHERE fingerprint = ?`, "fp-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestOrderExecution_InsertsRow(t *testing.T) {
	db := openTestDB(t)
	sink, err := New(db)
	require.NoError(t, err)

	sink.OrderExecution("pos-1", "ord-1", "BANKNIFTY260205PE", "SELL", 4, 48000.5, "FILLED", "")

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM order_execution_log WHERE position_id = ?`, "pos-1").Scan(&count))
	require.Equal(t, 1, count)
}

func TestCleanup_DeletesOnlyRowsOlderThanRetention(t *testing.T) {
	db := openTestDB(t)
	sink, err := New(db)
	require.NoError(t, err)

	now := time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -(RetentionDays + 1))
	recent := now.AddDate(0, 0, -1)

	_, err = db.Exec(`INSERT INTO signal_audit (fingerprint, kind, instrument, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
		"old", "BASE_ENTRY", "BANK_NIFTY", "ACCEPTED", old)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO signal_audit (fingerprint, kind, instrument, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
		"recent", "BASE_ENTRY", "BANK_NIFTY", "ACCEPTED", recent)
	require.NoError(t, err)

	deleted, err := sink.Cleanup(now)
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	var remaining string
	require.NoError(t, db.QueryRow(`SELECT fingerprint FROM signal_audit`).Scan(&remaining))
	require.Equal(t, "recent", remaining)
}
