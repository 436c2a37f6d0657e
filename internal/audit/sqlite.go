package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	at          TEXT NOT NULL,
	kind        TEXT NOT NULL,
	straddle_id TEXT NOT NULL DEFAULT '',
	leg         TEXT NOT NULL DEFAULT '',
	instrument  TEXT NOT NULL DEFAULT '',
	level       INTEGER NOT NULL DEFAULT 0,
	price       TEXT NOT NULL DEFAULT '0',
	pnl         TEXT NOT NULL DEFAULT '0',
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_events_at ON audit_events(at);
`

// SQLiteJournal persists events in a SQLite file. Money columns hold exact decimal strings.
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLite opens or creates the journal at path.
func OpenSQLite(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("mkdir journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Close closes the database.
func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

// Record inserts e.
func (j *SQLiteJournal) Record(ctx context.Context, e Event) error {
	e = Stamp(e, time.Now())
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, at, kind, straddle_id, leg, instrument, level, price, pnl, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.At.UTC().Format(time.RFC3339Nano), string(e.Kind), e.StraddleID, string(e.Leg),
		e.Instrument, e.Level, util.Money(e.Price).String(), util.Money(e.PnL).String(), e.Reason)
	if err != nil {
		return fmt.Errorf("record %s: %w", e.Kind, err)
	}
	return nil
}

// Events returns events at or after since, oldest first.
func (j *SQLiteJournal) Events(ctx context.Context, since time.Time) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, at, kind, straddle_id, leg, instrument, level, price, pnl, reason
		 FROM audit_events WHERE at >= ? ORDER BY at, rowid`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e             Event
			at, kind, leg string
			price, pnl    string
		)
		if err := rows.Scan(&e.ID, &at, &kind, &e.StraddleID, &leg, &e.Instrument, &e.Level, &price, &pnl, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse event time %q: %w", at, err)
		}
		e.Kind = Kind(kind)
		e.Leg = models.OptionKind(leg)
		e.Price = decimal.RequireFromString(price).InexactFloat64()
		e.PnL = decimal.RequireFromString(pnl).InexactFloat64()
		out = append(out, e)
	}
	return out, rows.Err()
}

// RealizedPnL sums the P&L of straddle exits at or after since.
func (j *SQLiteJournal) RealizedPnL(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT pnl FROM audit_events WHERE kind = ? AND at >= ?`,
		string(StraddleExited), since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return decimal.Zero, fmt.Errorf("query pnl: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return decimal.Zero, fmt.Errorf("scan pnl: %w", err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse pnl %q: %w", s, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}
