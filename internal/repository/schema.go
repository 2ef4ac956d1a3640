package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Таблицы создаются идемпотентно при старте.
// Отличия диалектов: автоинкремент и тип времени.

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tp_state (
		contract      TEXT PRIMARY KEY,
		tp1_done      BOOLEAN NOT NULL DEFAULT FALSE,
		peak_roi      DOUBLE PRECISION,
		trail_armed   BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_qty DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS milestone_state (
		symbol     TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id          BIGSERIAL PRIMARY KEY,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		status      TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		tp_percent  DOUBLE PRECISION NOT NULL DEFAULT 0,
		sl_percent  DOUBLE PRECISION NOT NULL DEFAULT 0,
		exit_price  DOUBLE PRECISION,
		exit_source TEXT,
		exit_reason TEXT,
		opened_at   TIMESTAMPTZ NOT NULL,
		closed_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status)`,
	`CREATE TABLE IF NOT EXISTS engine_events (
		id        TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		engine    TEXT NOT NULL,
		contract  TEXT NOT NULL,
		state     TEXT NOT NULL,
		severity  TEXT NOT NULL,
		text      TEXT NOT NULL,
		roi       DOUBLE PRECISION,
		peak      DOUBLE PRECISION,
		meta      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_engine_events_ts ON engine_events (timestamp DESC)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tp_state (
		contract      TEXT PRIMARY KEY,
		tp1_done      BOOLEAN NOT NULL DEFAULT 0,
		peak_roi      REAL,
		trail_armed   BOOLEAN NOT NULL DEFAULT 0,
		last_seen_qty REAL NOT NULL DEFAULT 0,
		updated_at    DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS milestone_state (
		symbol     TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol      TEXT NOT NULL,
		side        TEXT NOT NULL,
		status      TEXT NOT NULL,
		entry_price REAL NOT NULL DEFAULT 0,
		tp_percent  REAL NOT NULL DEFAULT 0,
		sl_percent  REAL NOT NULL DEFAULT 0,
		exit_price  REAL,
		exit_source TEXT,
		exit_reason TEXT,
		opened_at   DATETIME NOT NULL,
		closed_at   DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (status)`,
	`CREATE TABLE IF NOT EXISTS engine_events (
		id        TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		engine    TEXT NOT NULL,
		contract  TEXT NOT NULL,
		state     TEXT NOT NULL,
		severity  TEXT NOT NULL,
		text      TEXT NOT NULL,
		roi       REAL,
		peak      REAL,
		meta      TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_engine_events_ts ON engine_events (timestamp DESC)`,
}

// Migrate создаёт таблицы, если их нет
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	stmts := postgresSchema
	if dialect == DialectSQLite {
		stmts = sqliteSchema
	}

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
