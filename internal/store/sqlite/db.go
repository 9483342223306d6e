// Package sqlite is the durable store for scheduled exits and order states.
// It is the source of truth across restarts; in-memory timers and poll
// tasks are caches of what lives here.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trading-squareoff/internal/markethours"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Config configures the SQLite store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/squareoff.db"
}

// Store implements model.ExitStore and model.OrderStore.
type Store struct {
	db *sql.DB
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database with WAL mode and immediate
// transactions, then applies the schema.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.DBPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer: every transition is serialized through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	slog.Info("sqlite store opened", "path", cfg.DBPath)
	return &Store{db: db}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_exits (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id            TEXT    NOT NULL,
			user_id                TEXT    NOT NULL,
			symbol                 TEXT    NOT NULL,
			exchange               TEXT    NOT NULL DEFAULT '',
			product_type           TEXT    NOT NULL DEFAULT '',
			scheduled_exit_time    TEXT    NOT NULL,
			scheduled_for_date     INTEGER NOT NULL,
			status                 TEXT    NOT NULL,
			execution_attempts     INTEGER NOT NULL DEFAULT 0,
			last_execution_attempt INTEGER,
			last_execution_error   TEXT    NOT NULL DEFAULT '',
			in_flight              INTEGER NOT NULL DEFAULT 0,
			scheduled_by_process   TEXT    NOT NULL DEFAULT '',
			scheduled_by_version   TEXT    NOT NULL DEFAULT '',
			scheduled_at           INTEGER,
			executed_at            INTEGER,
			execution_method       TEXT    NOT NULL DEFAULT '',
			execution_details      TEXT,
			version                INTEGER NOT NULL DEFAULT 1,
			created_at             INTEGER NOT NULL,
			updated_at             INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS ux_exits_active_position
			ON scheduled_exits(position_id) WHERE status IN ('PENDING', 'EXECUTING');
		CREATE INDEX IF NOT EXISTS idx_exits_status_date ON scheduled_exits(status, scheduled_for_date);
		CREATE INDEX IF NOT EXISTS idx_exits_user ON scheduled_exits(user_id);

		CREATE TABLE IF NOT EXISTS exit_audit_log (
			exit_id    INTEGER NOT NULL REFERENCES scheduled_exits(id) ON DELETE CASCADE,
			seq        INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			action     TEXT    NOT NULL,
			details    TEXT    NOT NULL DEFAULT '',
			process_id TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (exit_id, seq)
		);

		CREATE TABLE IF NOT EXISTS order_states (
			order_id              TEXT    PRIMARY KEY,
			trade_execution_id    TEXT    NOT NULL DEFAULT '',
			user_id               TEXT    NOT NULL,
			symbol                TEXT    NOT NULL,
			exchange              TEXT    NOT NULL DEFAULT '',
			order_type            TEXT    NOT NULL DEFAULT '',
			transaction_type      TEXT    NOT NULL,
			product_type          TEXT    NOT NULL DEFAULT '',
			quantity              INTEGER NOT NULL,
			price                 INTEGER NOT NULL DEFAULT 0,
			placement_status      TEXT    NOT NULL,
			confirmation_status   TEXT    NOT NULL,
			execution_status      TEXT    NOT NULL,
			executed_quantity     INTEGER NOT NULL DEFAULT 0,
			executed_price        INTEGER NOT NULL DEFAULT 0,
			pending_quantity      INTEGER NOT NULL DEFAULT 0,
			confirmation_attempts INTEGER NOT NULL DEFAULT 0,
			total_confirmation_ns INTEGER NOT NULL DEFAULT 0,
			last_status_check     INTEGER,
			partial_since         INTEGER,
			error                 TEXT    NOT NULL DEFAULT '',
			status_message        TEXT    NOT NULL DEFAULT '',
			needs_manual_review   INTEGER NOT NULL DEFAULT 0,
			manual_review_reason  TEXT    NOT NULL DEFAULT '',
			version               INTEGER NOT NULL DEFAULT 1,
			created_at            INTEGER NOT NULL,
			updated_at            INTEGER NOT NULL,
			CHECK (executed_quantity <= quantity)
		);

		CREATE INDEX IF NOT EXISTS idx_orders_confirmation ON order_states(confirmation_status);
		CREATE INDEX IF NOT EXISTS idx_orders_user ON order_states(user_id);

		CREATE TABLE IF NOT EXISTS order_status_history (
			order_id TEXT    NOT NULL REFERENCES order_states(order_id) ON DELETE CASCADE,
			seq      INTEGER NOT NULL,
			status   TEXT    NOT NULL,
			ts       INTEGER NOT NULL,
			details  TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (order_id, seq)
		);
	`)
	return err
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── column helpers ──

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).In(markethours.IST) }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.Warn("sqlite rollback failed", "err", err)
	}
}
