package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"riskguard/internal/models"
)

// Префиксы ключей
const (
	tpStatePrefix   = "tp/"
	milestonePrefix = "ms/"
)

// BadgerStore - встроенное KV-хранилище состояния движков
//
// Используется вместо SQL, когда состояние не должно зависеть от внешней БД.
// Ключи: tp/<SYMBOL:side> -> TpState, ms/<SYMBOL> -> MilestoneSnapshot (JSON).
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions - параметры открытия
type BadgerOptions struct {
	Path     string
	InMemory bool
}

// OpenBadger открывает хранилище
func OpenBadger(opts BadgerOptions) (*BadgerStore, error) {
	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if strings.TrimSpace(opts.Path) == "" {
			return nil, errors.New("badger: path is required")
		}
		bopts = badger.DefaultOptions(opts.Path)
	}

	db, err := badger.Open(bopts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

// Close закрывает хранилище
func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TpStates возвращает представление хранилища для TpState
func (s *BadgerStore) TpStates() *BadgerTpStates {
	return &BadgerTpStates{s: s}
}

// Milestones возвращает представление хранилища для снимков milestone
func (s *BadgerStore) Milestones() *BadgerMilestones {
	return &BadgerMilestones{s: s}
}

func (s *BadgerStore) get(key string, out interface{}) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	return found, err
}

func (s *BadgerStore) set(key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (s *BadgerStore) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// scan вызывает fn для значения каждого ключа с префиксом
func (s *BadgerStore) scan(prefix string, fn func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============ TpState ============

// tpStateRecord - TpState в хранилище (-Inf хранится как null)
type tpStateRecord struct {
	Contract    string    `json:"contract"`
	TP1Done     bool      `json:"tp1_done"`
	PeakROI     *float64  `json:"peak_roi"`
	TrailArmed  bool      `json:"trail_armed"`
	LastSeenQty float64   `json:"last_seen_qty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r tpStateRecord) state() *models.TpState {
	s := &models.TpState{
		Contract:    r.Contract,
		TP1Done:     r.TP1Done,
		TrailArmed:  r.TrailArmed,
		LastSeenQty: r.LastSeenQty,
		UpdatedAt:   r.UpdatedAt,
	}
	s.SetPeakFromNullable(r.PeakROI)
	return s
}

// BadgerTpStates - TpState в badger
type BadgerTpStates struct {
	s *BadgerStore
}

// Get возвращает состояние контракта или (nil, nil)
func (b *BadgerTpStates) Get(_ context.Context, contract string) (*models.TpState, error) {
	var rec tpStateRecord
	found, err := b.s.get(tpStatePrefix+contract, &rec)
	if err != nil || !found {
		return nil, err
	}
	return rec.state(), nil
}

// Upsert сохраняет состояние
func (b *BadgerTpStates) Upsert(_ context.Context, state *models.TpState) error {
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	return b.s.set(tpStatePrefix+state.Contract, tpStateRecord{
		Contract:    state.Contract,
		TP1Done:     state.TP1Done,
		PeakROI:     state.PeakOrNil(),
		TrailArmed:  state.TrailArmed,
		LastSeenQty: state.LastSeenQty,
		UpdatedAt:   state.UpdatedAt,
	})
}

// Delete удаляет состояние
func (b *BadgerTpStates) Delete(_ context.Context, contract string) error {
	return b.s.delete(tpStatePrefix + contract)
}

// List возвращает все состояния (по возрастанию ключа)
func (b *BadgerTpStates) List(_ context.Context) ([]*models.TpState, error) {
	var states []*models.TpState
	err := b.s.scan(tpStatePrefix, func(val []byte) error {
		var rec tpStateRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		states = append(states, rec.state())
		return nil
	})
	return states, err
}

// ============ Milestone ============

// BadgerMilestones - снимки milestone в badger
type BadgerMilestones struct {
	s *BadgerStore
}

// Save сохраняет снимок
func (b *BadgerMilestones) Save(_ context.Context, snap *models.MilestoneSnapshot) error {
	return b.s.set(milestonePrefix+snap.Symbol, snap)
}

// Load возвращает снимок или (nil, nil)
func (b *BadgerMilestones) Load(_ context.Context, symbol string) (*models.MilestoneSnapshot, error) {
	snap := &models.MilestoneSnapshot{}
	found, err := b.s.get(milestonePrefix+symbol, snap)
	if err != nil || !found {
		return nil, err
	}
	return snap, nil
}

// Delete удаляет снимок
func (b *BadgerMilestones) Delete(_ context.Context, symbol string) error {
	return b.s.delete(milestonePrefix + symbol)
}
