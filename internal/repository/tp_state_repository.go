package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"riskguard/internal/models"
)

// TpStateRepository - работа с таблицей tp_state
//
// Одна строка на контракт (SYMBOL:side). peak_roi = NULL, пока трейлинг не взведён.
type TpStateRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewTpStateRepository создает новый экземпляр репозитория
func NewTpStateRepository(db *sql.DB, dialect Dialect) *TpStateRepository {
	return &TpStateRepository{db: db, dialect: dialect}
}

// Get возвращает состояние контракта или (nil, nil), если его нет
func (r *TpStateRepository) Get(ctx context.Context, contract string) (*models.TpState, error) {
	query := r.dialect.rebind(`
		SELECT contract, tp1_done, peak_roi, trail_armed, last_seen_qty, updated_at
		FROM tp_state
		WHERE contract = $1`)

	state, err := scanTpState(r.db.QueryRowContext(ctx, query, contract))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return state, nil
}

// Upsert сохраняет состояние (вставка или обновление)
func (r *TpStateRepository) Upsert(ctx context.Context, state *models.TpState) error {
	query := r.dialect.rebind(`
		INSERT INTO tp_state (contract, tp1_done, peak_roi, trail_armed, last_seen_qty, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (contract) DO UPDATE SET
			tp1_done = EXCLUDED.tp1_done,
			peak_roi = EXCLUDED.peak_roi,
			trail_armed = EXCLUDED.trail_armed,
			last_seen_qty = EXCLUDED.last_seen_qty,
			updated_at = EXCLUDED.updated_at`)

	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, query,
		state.Contract,
		state.TP1Done,
		state.PeakOrNil(),
		state.TrailArmed,
		state.LastSeenQty,
		state.UpdatedAt,
	)
	return err
}

// Delete удаляет состояние контракта (отсутствие строки не ошибка)
func (r *TpStateRepository) Delete(ctx context.Context, contract string) error {
	query := r.dialect.rebind(`DELETE FROM tp_state WHERE contract = $1`)
	_, err := r.db.ExecContext(ctx, query, contract)
	return err
}

// List возвращает все сохранённые состояния
func (r *TpStateRepository) List(ctx context.Context) ([]*models.TpState, error) {
	query := `
		SELECT contract, tp1_done, peak_roi, trail_armed, last_seen_qty, updated_at
		FROM tp_state
		ORDER BY contract`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*models.TpState
	for rows.Next() {
		state, err := scanTpState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTpState(row rowScanner) (*models.TpState, error) {
	state := &models.TpState{}
	var peak sql.NullFloat64
	err := row.Scan(
		&state.Contract,
		&state.TP1Done,
		&peak,
		&state.TrailArmed,
		&state.LastSeenQty,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if peak.Valid {
		state.SetPeakFromNullable(&peak.Float64)
	} else {
		state.SetPeakFromNullable(nil)
	}
	return state, nil
}
