package repository

import (
	"context"
	"database/sql"
	"time"

	"riskguard/internal/models"
)

// EventRepository - журнал событий движков (таблица engine_events)
type EventRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewEventRepository создает новый экземпляр репозитория
func NewEventRepository(db *sql.DB, dialect Dialect) *EventRepository {
	return &EventRepository{db: db, dialect: dialect}
}

// Insert сохраняет событие
func (r *EventRepository) Insert(ctx context.Context, event *models.Event) error {
	var meta []byte
	if len(event.Meta) > 0 {
		var err error
		meta, err = json.Marshal(event.Meta)
		if err != nil {
			return err
		}
	}

	query := r.dialect.rebind(`
		INSERT INTO engine_events (id, timestamp, engine, contract, state, severity, text, roi, peak, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)

	_, err := r.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.Engine,
		event.Contract,
		event.State,
		event.Severity,
		event.Text,
		event.ROI,
		event.Peak,
		nullableText(meta),
	)
	return err
}

// Recent возвращает последние limit событий (новые первыми)
func (r *EventRepository) Recent(ctx context.Context, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := r.dialect.rebind(`
		SELECT id, timestamp, engine, contract, state, severity, text, roi, peak, meta
		FROM engine_events
		ORDER BY timestamp DESC
		LIMIT $1`)

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		e := &models.Event{}
		var roi, peak sql.NullFloat64
		var meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Engine, &e.Contract, &e.State, &e.Severity, &e.Text, &roi, &peak, &meta); err != nil {
			return nil, err
		}
		if roi.Valid {
			e.ROI = models.Float(roi.Float64)
		}
		if peak.Valid {
			e.Peak = models.Float(peak.Float64)
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.Meta); err != nil {
				return nil, err
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteOlderThan удаляет события старше before, возвращает число удалённых
func (r *EventRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	query := r.dialect.rebind(`DELETE FROM engine_events WHERE timestamp < $1`)

	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func nullableText(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
