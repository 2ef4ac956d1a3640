package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	jsoniter "github.com/json-iterator/go"

	"riskguard/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MilestoneRepository - работа с таблицей milestone_state
//
// Снимок хранится целиком в JSON: схема состояния меняется вместе с
// планировщиком, а читается только при Open.
type MilestoneRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewMilestoneRepository создает новый экземпляр репозитория
func NewMilestoneRepository(db *sql.DB, dialect Dialect) *MilestoneRepository {
	return &MilestoneRepository{db: db, dialect: dialect}
}

// Save сохраняет снимок символа
func (r *MilestoneRepository) Save(ctx context.Context, snap *models.MilestoneSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	query := r.dialect.rebind(`
		INSERT INTO milestone_state (symbol, payload, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at`)

	_, err = r.db.ExecContext(ctx, query, snap.Symbol, string(payload), time.Now().UTC())
	return err
}

// Load возвращает снимок символа или (nil, nil)
func (r *MilestoneRepository) Load(ctx context.Context, symbol string) (*models.MilestoneSnapshot, error) {
	query := r.dialect.rebind(`SELECT payload FROM milestone_state WHERE symbol = $1`)

	var payload string
	if err := r.db.QueryRowContext(ctx, query, symbol).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	snap := &models.MilestoneSnapshot{}
	if err := json.Unmarshal([]byte(payload), snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Delete удаляет снимок символа
func (r *MilestoneRepository) Delete(ctx context.Context, symbol string) error {
	query := r.dialect.rebind(`DELETE FROM milestone_state WHERE symbol = $1`)
	_, err := r.db.ExecContext(ctx, query, symbol)
	return err
}
