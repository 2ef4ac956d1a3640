package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"riskguard/internal/models"
)

// Ошибки журнала сделок
var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrTradeNotOpen  = models.ErrTradeNotOpen
)

// LedgerRepository - журнал сделок (таблица trades)
//
// Ядро только читает открытые сделки и отмечает закрытие при сверке.
// Открытие сделок делает внешний слой входа; Create нужен для dry-run и тестов.
type LedgerRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewLedgerRepository создает новый экземпляр репозитория
func NewLedgerRepository(db *sql.DB, dialect Dialect) *LedgerRepository {
	return &LedgerRepository{db: db, dialect: dialect}
}

// Create добавляет открытую сделку
func (r *LedgerRepository) Create(ctx context.Context, trade *models.Trade) error {
	query := r.dialect.rebind(`
		INSERT INTO trades (symbol, side, status, entry_price, tp_percent, sl_percent, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`)

	if trade.Status == "" {
		trade.Status = models.TradeStatusOpen
	}
	trade.Symbol = models.NormalizeSymbol(trade.Symbol)

	return r.db.QueryRowContext(ctx, query,
		trade.Symbol,
		string(trade.Side),
		trade.Status,
		trade.EntryPrice,
		trade.TPPercent,
		trade.SLPercent,
		time.Now().UTC(),
	).Scan(&trade.ID)
}

// OpenTrades возвращает все открытые сделки
func (r *LedgerRepository) OpenTrades(ctx context.Context) ([]models.Trade, error) {
	query := r.dialect.rebind(`
		SELECT id, symbol, side, status, entry_price, tp_percent, sl_percent
		FROM trades
		WHERE status = $1
		ORDER BY id`)

	rows, err := r.db.QueryContext(ctx, query, models.TradeStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var side string
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &t.Status, &t.EntryPrice, &t.TPPercent, &t.SLPercent); err != nil {
			return nil, err
		}
		t.Side = models.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecordExit закрывает сделку локально.
// Повторный вызов для уже закрытой сделки возвращает ErrTradeNotOpen.
func (r *LedgerRepository) RecordExit(ctx context.Context, exit models.TradeExit) error {
	query := r.dialect.rebind(`
		UPDATE trades
		SET status = $1, exit_price = $2, exit_source = $3, exit_reason = $4, closed_at = $5
		WHERE id = $6 AND status = $7`)

	if exit.ClosedAt.IsZero() {
		exit.ClosedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, query,
		models.TradeStatusClosed,
		exit.ExitPrice,
		exit.Source,
		exit.Reason,
		exit.ClosedAt,
		exit.TradeID,
		models.TradeStatusOpen,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrTradeNotOpen
	}
	return nil
}

// GetByID возвращает сделку по ID
func (r *LedgerRepository) GetByID(ctx context.Context, id int64) (*models.Trade, error) {
	query := r.dialect.rebind(`
		SELECT id, symbol, side, status, entry_price, tp_percent, sl_percent
		FROM trades
		WHERE id = $1`)

	var t models.Trade
	var side string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Symbol, &side, &t.Status, &t.EntryPrice, &t.TPPercent, &t.SLPercent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	t.Side = models.Side(side)
	return &t, nil
}
