package repository

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"riskguard/internal/models"
)

// ============================================================
// TpStateRepository Tests
// ============================================================

var tpStateColumns = []string{"contract", "tp1_done", "peak_roi", "trail_armed", "last_seen_qty", "updated_at"}

func TestNewTpStateRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewTpStateRepository(db, DialectPostgres)
	if repo == nil {
		t.Fatal("NewTpStateRepository returned nil")
	}
	if repo.db != db {
		t.Error("db not set correctly")
	}
}

func TestTpStateRepositoryGet(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name        string
		mockSetup   func(mock sqlmock.Sqlmock)
		expectNil   bool
		expectPeak  float64
		expectError bool
	}{
		{
			name: "armed state",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows(tpStateColumns).
					AddRow("BTCUSDT:long", true, 120.5, true, 0.6, now)
				mock.ExpectQuery(`SELECT .+ FROM tp_state WHERE contract = \$1`).
					WithArgs("BTCUSDT:long").
					WillReturnRows(rows)
			},
			expectPeak: 120.5,
		},
		{
			name: "peak not set",
			mockSetup: func(mock sqlmock.Sqlmock) {
				rows := sqlmock.NewRows(tpStateColumns).
					AddRow("BTCUSDT:long", false, nil, false, 1.0, now)
				mock.ExpectQuery(`SELECT .+ FROM tp_state`).
					WithArgs("BTCUSDT:long").
					WillReturnRows(rows)
			},
			expectPeak: math.Inf(-1),
		},
		{
			name: "not found",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM tp_state`).
					WithArgs("BTCUSDT:long").
					WillReturnError(sql.ErrNoRows)
			},
			expectNil: true,
		},
		{
			name: "database error",
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`SELECT .+ FROM tp_state`).
					WithArgs("BTCUSDT:long").
					WillReturnError(errors.New("connection refused"))
			},
			expectNil:   true,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewTpStateRepository(db, DialectPostgres)
			state, err := repo.Get(context.Background(), "BTCUSDT:long")

			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.expectNil {
				if state != nil {
					t.Errorf("expected nil state, got %+v", state)
				}
			} else {
				if state == nil {
					t.Fatal("expected state, got nil")
				}
				if state.PeakROI != tt.expectPeak {
					t.Errorf("PeakROI = %v, want %v", state.PeakROI, tt.expectPeak)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestTpStateRepositoryUpsert(t *testing.T) {
	tests := []struct {
		name        string
		state       *models.TpState
		peakArg     interface{}
		dbErr       error
		expectError bool
	}{
		{
			name:    "fresh state stores NULL peak",
			state:   models.NewTpState("ETHUSDT:short", 2),
			peakArg: nil,
		},
		{
			name: "armed state",
			state: &models.TpState{
				Contract:    "ETHUSDT:short",
				TP1Done:     true,
				PeakROI:     140,
				TrailArmed:  true,
				LastSeenQty: 1.2,
			},
			peakArg: 140.0,
		},
		{
			name:        "database error",
			state:       models.NewTpState("ETHUSDT:short", 2),
			peakArg:     nil,
			dbErr:       errors.New("disk full"),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			exp := mock.ExpectExec(`INSERT INTO tp_state .+ ON CONFLICT \(contract\) DO UPDATE`).
				WithArgs(tt.state.Contract, tt.state.TP1Done, tt.peakArg, tt.state.TrailArmed, tt.state.LastSeenQty, sqlmock.AnyArg())
			if tt.dbErr != nil {
				exp.WillReturnError(tt.dbErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, 1))
			}

			repo := NewTpStateRepository(db, DialectPostgres)
			err = repo.Upsert(context.Background(), tt.state)

			if tt.expectError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.expectError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.state.UpdatedAt.IsZero() {
				t.Error("UpdatedAt should be set")
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestTpStateRepositoryDeleteAndList(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`DELETE FROM tp_state WHERE contract = \$1`).
		WithArgs("BTCUSDT:long").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows(tpStateColumns).
		AddRow("BTCUSDT:long", true, 90.0, true, 0.6, time.Now()).
		AddRow("ETHUSDT:short", false, nil, false, 3.0, time.Now())
	mock.ExpectQuery(`SELECT .+ FROM tp_state ORDER BY contract`).WillReturnRows(rows)

	repo := NewTpStateRepository(db, DialectPostgres)
	ctx := context.Background()

	if err := repo.Delete(ctx, "BTCUSDT:long"); err != nil {
		t.Errorf("Delete: unexpected error: %v", err)
	}

	states, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: unexpected error: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if !math.IsInf(states[1].PeakROI, -1) {
		t.Errorf("expected -Inf peak for unarmed state, got %v", states[1].PeakROI)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDialectRebind(t *testing.T) {
	query := `SELECT a FROM t WHERE x = $1 AND y = $12`

	if got := DialectPostgres.rebind(query); got != query {
		t.Errorf("postgres rebind changed query: %s", got)
	}
	want := `SELECT a FROM t WHERE x = ?1 AND y = ?12`
	if got := DialectSQLite.rebind(query); got != want {
		t.Errorf("sqlite rebind = %s, want %s", got, want)
	}
}
