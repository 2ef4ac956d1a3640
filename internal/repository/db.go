// Package repository - слой доступа к данным: состояние движков (TpState,
// снимки milestone), журнал сделок и журнал событий.
//
// Поддерживаются PostgreSQL (lib/pq) и SQLite (modernc.org/sqlite).
// Запросы пишутся с плейсхолдерами $N и переписываются под диалект.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"riskguard/internal/config"
)

// Dialect - диалект SQL
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rebind переписывает $N в ?N для SQLite
func (d Dialect) rebind(query string) string {
	if d != DialectSQLite {
		return query
	}
	return placeholderRe.ReplaceAllString(query, "?$1")
}

// Open открывает базу данных по конфигурации и проверяет соединение
func Open(cfg config.DatabaseConfig) (*sql.DB, Dialect, error) {
	dialect := Dialect(cfg.Driver)

	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, "", fmt.Errorf("create sqlite dir: %w", err)
			}
		}
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(string(dialect), cfg.DSN())
	if err != nil {
		return nil, "", err
	}

	if dialect == DialectSQLite {
		// SQLite не любит параллельных писателей
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}

	return db, dialect, nil
}
