package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

type DB struct {
	conn     *sql.DB
	locks    *keyedMutex
	hashCost int
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One writer connection: every statement and transaction is serialized by SQLite
	// instead of failing with SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, locks: newKeyedMutex(), hashCost: bcrypt.DefaultCost}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// SetHashCost changes the bcrypt cost used for new passwords.
func (db *DB) SetHashCost(cost int) {
	db.hashCost = cost
}

// Ping checks that the database answers.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			status INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS reactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user TEXT NOT NULL,
			reaction TEXT NOT NULL,
			UNIQUE(message_id, user, reaction)
		)`,
	}

	for _, query := range tables {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, receiver, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id)`,
	}
	for _, query := range indexes {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// migrate adds columns introduced after the first schema and folds the legacy
// boolean seen flag into the status column.
func (db *DB) migrate() error {
	columns := []struct {
		table, column, ddl string
	}{
		{"users", "created_at", "ALTER TABLE users ADD COLUMN created_at INTEGER NOT NULL DEFAULT 0"},
		{"users", "profile_pic_url", "ALTER TABLE users ADD COLUMN profile_pic_url TEXT NOT NULL DEFAULT ''"},
		{"users", "last_seen", "ALTER TABLE users ADD COLUMN last_seen INTEGER"},
		{"messages", "status", "ALTER TABLE messages ADD COLUMN status INTEGER NOT NULL DEFAULT 0"},
		{"messages", "kind", "ALTER TABLE messages ADD COLUMN kind TEXT NOT NULL DEFAULT 'text'"},
		{"messages", "file_type", "ALTER TABLE messages ADD COLUMN file_type TEXT NOT NULL DEFAULT ''"},
		{"messages", "edited_at", "ALTER TABLE messages ADD COLUMN edited_at INTEGER"},
	}

	for _, c := range columns {
		if db.columnExists(c.table, c.column) {
			continue
		}
		if _, err := db.conn.Exec(c.ddl); err != nil {
			return err
		}
	}

	if db.columnExists("messages", "seen") {
		if _, err := db.conn.Exec("UPDATE messages SET status = 2 WHERE seen = 1 AND status < 2"); err != nil {
			return err
		}
	}

	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// inTx runs fn inside a transaction and commits when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
