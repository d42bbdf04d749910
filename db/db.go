package db

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"chatrelay/clock"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNoRows             = errors.New("no rows found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")

	// ErrStore matches every *Error; callers should retry or surface the failure.
	ErrStore = errors.New("store failure")
)

// Error wraps a failed transactional operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "db: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrStore }

type DB struct {
	conn  *sql.DB
	clock *clock.Clock
}

func New(path string, clk *clock.Clock) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if clk == nil {
		clk = clock.New(time.UTC)
	}

	db := &DB{conn: conn, clock: clk}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			is_admin INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			is_read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient_id, is_read, timestamp)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	// Auto-migration for new columns
	if err := db.migrate(); err != nil {
		return err
	}

	return nil
}

// migrate adds columns introduced after the first schema version.
func (db *DB) migrate() error {
	columns := []struct {
		table, column, ddl string
	}{
		{"users", "patronymic", "ALTER TABLE users ADD COLUMN patronymic TEXT NOT NULL DEFAULT ''"},
		{"messages", "message_type", "ALTER TABLE messages ADD COLUMN message_type TEXT NOT NULL DEFAULT 'user_message'"},
		{"messages", "is_archived", "ALTER TABLE messages ADD COLUMN is_archived INTEGER NOT NULL DEFAULT 0"},
	}

	for _, c := range columns {
		if db.columnExists(c.table, c.column) {
			continue
		}
		if _, err := db.conn.Exec(c.ddl); err != nil {
			return err
		}
		log.Printf("Migrated %s: added column %s", c.table, c.column)
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

// withTx runs fn in one transaction, rolling back when fn fails.
func (db *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return &Error{Op: op, Err: err}
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("Rollback of %s failed: %v", op, rbErr)
		}
		return &Error{Op: op, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &Error{Op: op, Err: err}
	}
	return nil
}
