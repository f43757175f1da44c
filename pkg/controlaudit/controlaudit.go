// Package controlaudit is an append-only ledger of control messages
// processed by the daemon, backed by a pure-Go modernc.org/sqlite
// database distinct from the SQLCipher-encrypted store in pkg/store.
// The ledger is not a trust boundary; unlike access tokens, control
// messages (verify device, accept SAS, export keys) carry no secrets
// worth encrypting at rest, so a plain unencrypted database suffices.
package controlaudit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded control-message dispatch.
type Entry struct {
	ID          int64
	Timestamp   time.Time
	UserID      string
	MessageType string
	Detail      string
	Ok          bool
}

// Ledger is the append-only control-message audit trail.
type Ledger struct {
	db *sql.DB
}

// Open opens (creating if necessary) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, fmt.Errorf("controlaudit: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("controlaudit: ping: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS ledger (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		message_type TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		ok INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger(user_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("controlaudit: init schema: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Record appends an entry to the ledger.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO ledger (ts, user_id, message_type, detail, ok) VALUES (?, ?, ?, ?, ?)`,
		e.Timestamp.Unix(), e.UserID, e.MessageType, e.Detail, boolToInt(e.Ok),
	)
	return err
}

// Recent returns the most recent n entries, newest first.
func (l *Ledger) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, ts, user_id, message_type, detail, ok FROM ledger ORDER BY id DESC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts int64
		var ok int
		if err := rows.Scan(&e.ID, &ts, &e.UserID, &e.MessageType, &e.Detail, &ok); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(ts, 0).UTC()
		e.Ok = ok != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// Compact deletes ledger rows older than before, used by the periodic
// housekeeping job.
func (l *Ledger) Compact(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM ledger WHERE ts < ?`, before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close closes the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
