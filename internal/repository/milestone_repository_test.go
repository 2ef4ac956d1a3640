package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/models"
)

// ============================================================
// MilestoneRepository Tests
// ============================================================

func sampleMilestone() *models.MilestoneSnapshot {
	stop := 118.5
	return &models.MilestoneSnapshot{
		Symbol:        "BTCUSDT",
		Side:          models.SideLong,
		Entry:         100,
		SizeOrig:      4,
		SizeLive:      2,
		Leverage:      10,
		MilestonesHit: []int{1, 2},
		Partials:      []float64{1, 1},
		TrailStop:     &stop,
		Armed:         true,
		RealizedUSD:   15,
		Reentry: models.ReentryPlan{
			Armed:        true,
			TriggerPrice: 104.26,
			BudgetUSD:    15,
			Tag:          "reentry-btcusdt-1",
			Level:        "rails_12h",
			ExpiresAt:    time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC),
		},
		OpenedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMilestoneRepositorySave(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO milestone_state .+ ON CONFLICT \(symbol\) DO UPDATE`).
		WithArgs("BTCUSDT", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewMilestoneRepository(db, DialectPostgres)
	require.NoError(t, repo.Save(context.Background(), sampleMilestone()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMilestoneRepositorySaveSQLitePlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`VALUES \(\?1, \?2, \?3\)`).
		WithArgs("BTCUSDT", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	repo := NewMilestoneRepository(db, DialectSQLite)
	require.NoError(t, repo.Save(context.Background(), sampleMilestone()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMilestoneRepositoryLoad(t *testing.T) {
	want := sampleMilestone()
	payload, err := json.Marshal(want)
	require.NoError(t, err)

	tests := []struct {
		name      string
		mockSetup func(mock sqlmock.Sqlmock)
		expectNil bool
		expectErr bool
	}{
		{
			name: "found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT payload FROM milestone_state WHERE symbol = \$1`).
					WithArgs("BTCUSDT").
					WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))
			},
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT payload FROM milestone_state`).
					WithArgs("BTCUSDT").
					WillReturnError(sql.ErrNoRows)
			},
			expectNil: true,
		},
		{
			name: "corrupt payload",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT payload FROM milestone_state`).
					WithArgs("BTCUSDT").
					WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow("{not json"))
			},
			expectErr: true,
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT payload FROM milestone_state`).
					WithArgs("BTCUSDT").
					WillReturnError(errors.New("connection reset"))
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.mockSetup(mock)

			got, err := NewMilestoneRepository(db, DialectPostgres).Load(context.Background(), "BTCUSDT")
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.expectNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, want.MilestonesHit, got.MilestonesHit)
			assert.Equal(t, want.SizeLive, got.SizeLive)
			require.NotNil(t, got.TrailStop)
			assert.Equal(t, *want.TrailStop, *got.TrailStop)
			assert.Equal(t, want.Reentry.Tag, got.Reentry.Tag)
			assert.True(t, want.Reentry.ExpiresAt.Equal(got.Reentry.ExpiresAt))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMilestoneRepositoryDelete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM milestone_state WHERE symbol = \$1`).
		WithArgs("BTCUSDT").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewMilestoneRepository(db, DialectPostgres).Delete(context.Background(), "BTCUSDT"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
