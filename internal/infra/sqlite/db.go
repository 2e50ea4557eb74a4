// Package sqlite is the card ledger on an embedded SQLite database.
// Card balances are a cache of the transactions table: every change goes
// through an appended entry inside one SQL transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// FileName is the database file created by Open inside its directory.
const FileName = "cardesk.db"

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DB is the SQLite-backed ledger.
type DB struct {
	db  *sql.DB
	log *log.Entry
	now func() time.Time
}

// Open opens (or creates) the ledger database inside dir.
func Open(dir string) (*DB, error) {
	return OpenFile(filepath.Join(dir, FileName))
}

// OpenFile opens (or creates) the ledger database at path and migrates it.
func OpenFile(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// One writer; transactions serialize on the single connection.
	sqldb.SetMaxOpenConns(1)

	d := &DB{
		db:  sqldb,
		log: log.WithField("component", "ledger"),
		now: time.Now,
	}
	if err := d.migrate(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return d, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks that the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the ledger schema. Each string is a single statement.
// Amounts are stored as decimal strings.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS cards (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			card_uid       TEXT NOT NULL UNIQUE,
			balance        TEXT NOT NULL DEFAULT '0',
			offer_percent  TEXT NOT NULL DEFAULT '0',
			created_at     TEXT NOT NULL,
			last_topped_at TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			card_uid            TEXT NOT NULL REFERENCES cards(card_uid) ON DELETE CASCADE,
			type                TEXT NOT NULL,
			amount              TEXT NOT NULL,
			balance_after       TEXT NOT NULL,
			employee            TEXT NOT NULL DEFAULT '',
			timestamp           TEXT NOT NULL,
			notes               TEXT NOT NULL DEFAULT '',
			amount_before_offer TEXT NOT NULL DEFAULT '0',
			offer_amount        TEXT NOT NULL DEFAULT '0',
			offer_percent       TEXT NOT NULL DEFAULT '0'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_card ON transactions(card_uid, id)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_time ON transactions(timestamp)`,
	}
}

func (d *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := d.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// withTx runs fn in a transaction, committing on nil error.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
