package models

import (
	"errors"
	"math"
	"time"
)

// TpState - сохраняемое состояние ROI trailing монитора для одного контракта
//
// Инварианты:
// - TrailArmed => TP1Done
// - PeakROI не убывает, пока трейлинг взведён
// - PeakROI = -Inf, пока трейлинг не взведён
type TpState struct {
	Contract    string    `json:"contract" db:"contract"`
	TP1Done     bool      `json:"tp1_done" db:"tp1_done"`
	PeakROI     float64   `json:"-" db:"peak_roi"`
	TrailArmed  bool      `json:"trail_armed" db:"trail_armed"`
	LastSeenQty float64   `json:"last_seen_qty" db:"last_seen_qty"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// NewTpState создаёт состояние для впервые увиденной позиции
func NewTpState(contract string, qty float64) *TpState {
	return &TpState{
		Contract:    contract,
		PeakROI:     math.Inf(-1),
		LastSeenQty: qty,
	}
}

// PeakOrNil возвращает пик для хранения (nil пока пик не определён).
// -Inf не сериализуется в JSON и не везде поддерживается в SQL.
func (s *TpState) PeakOrNil() *float64 {
	if math.IsInf(s.PeakROI, -1) || math.IsNaN(s.PeakROI) {
		return nil
	}
	v := s.PeakROI
	return &v
}

// SetPeakFromNullable восстанавливает пик из хранилища
func (s *TpState) SetPeakFromNullable(v *float64) {
	if v == nil {
		s.PeakROI = math.Inf(-1)
		return
	}
	s.PeakROI = *v
}

// Clone возвращает копию состояния
func (s *TpState) Clone() *TpState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// tpStateJSON - представление TpState для JSON (API, badger)
type tpStateJSON struct {
	Contract    string    `json:"contract"`
	TP1Done     bool      `json:"tp1_done"`
	PeakROI     *float64  `json:"peak_roi"`
	TrailArmed  bool      `json:"trail_armed"`
	LastSeenQty float64   `json:"last_seen_qty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToJSON возвращает сериализуемое представление
func (s *TpState) ToJSON() interface{} {
	return tpStateJSON{
		Contract:    s.Contract,
		TP1Done:     s.TP1Done,
		PeakROI:     s.PeakOrNil(),
		TrailArmed:  s.TrailArmed,
		LastSeenQty: s.LastSeenQty,
		UpdatedAt:   s.UpdatedAt,
	}
}

// Trade - запись журнала сделок (только чтение для ядра)
//
// Определяет, какие позиции отслеживает ROI trailing монитор.
type Trade struct {
	ID         int64   `json:"id" db:"id"`
	Symbol     string  `json:"symbol" db:"symbol"`
	Side       Side    `json:"side" db:"side"`
	Status     string  `json:"status" db:"status"`
	EntryPrice float64 `json:"entry_price" db:"entry_price"`
	TPPercent  float64 `json:"tp_percent" db:"tp_percent"`
	SLPercent  float64 `json:"sl_percent" db:"sl_percent"`
}

// ErrTradeNotOpen - сделка уже закрыта в журнале (повторная сверка)
var ErrTradeNotOpen = errors.New("trade is not open")

// Статусы сделки в журнале
const (
	TradeStatusOpen   = "open"
	TradeStatusClosed = "closed"
)

// Key возвращает ключ контракта сделки
func (t Trade) Key() string {
	return ContractKey(t.Symbol, t.Side)
}

// HasTargets - есть ли у сделки настроенные TP/SL проценты
func (t Trade) HasTargets() bool {
	return t.TPPercent > 0 || t.SLPercent > 0
}

// TradeExit - результат локального закрытия сделки
type TradeExit struct {
	TradeID   int64     `json:"trade_id"`
	ExitPrice float64   `json:"exit_price"`
	Source    string    `json:"source"` // quote, mark, entry
	Reason    string    `json:"reason"`
	ClosedAt  time.Time `json:"closed_at"`
}
