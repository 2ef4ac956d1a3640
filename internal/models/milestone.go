package models

import "time"

// ReentryPlan - условное повторное добавление объёма
//
// Финансируется только уже зафиксированной прибылью, ограничен сроком действия.
type ReentryPlan struct {
	Armed        bool      `json:"armed"`
	TriggerPrice float64   `json:"trigger_price"`
	ExpiresAt    time.Time `json:"expires_at"`
	BudgetUSD    float64   `json:"budget_usd"`
	Tag          string    `json:"tag"`
	Level        string    `json:"level,omitempty"` // rails_12h, fib_0.382, ...
	Dipped       bool      `json:"dipped"`          // цена побывала по ту сторону триггера
}

// MilestoneSnapshot - сохраняемый снимок состояния milestone планировщика
//
// Сохраняется после каждого изменения, восстанавливается при Open,
// чтобы рестарт не приводил к повторной частичной фиксации.
type MilestoneSnapshot struct {
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Entry           float64     `json:"entry"`
	SizeOrig        float64     `json:"size_orig"`
	SizeLive        float64     `json:"size_live"`
	Leverage        float64     `json:"leverage"`
	Multiplier      float64     `json:"multiplier"`
	LotSize         float64     `json:"lot_size"`
	MinQty          float64     `json:"min_qty"`
	PeakPrice       float64     `json:"peak_price"`
	PeakROI         *float64    `json:"peak_roi,omitempty"`
	MilestonesHit   []int       `json:"milestones_hit"`
	Partials        []float64   `json:"partials"`
	TrailStop       *float64    `json:"trail_stop,omitempty"`
	Armed           bool        `json:"armed"`
	RealizedUSD     float64     `json:"realized_usd"`
	ReentrySpentUSD float64     `json:"reentry_spent_usd"`
	Reentry         ReentryPlan `json:"reentry"`
	OpenedAt        time.Time   `json:"opened_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// TrendPhase - фаза тренда от внешнего сигнального слоя
type TrendPhase string

const (
	PhaseUnknown   TrendPhase = ""
	PhaseUptrend   TrendPhase = "uptrend"
	PhaseDowntrend TrendPhase = "downtrend"
	PhaseRange     TrendPhase = "range"
	PhaseReversal  TrendPhase = "reversal"
	PhasePeak      TrendPhase = "peak"
)

// IsExhaustion - фазы, в которых допустим выход по низкой уверенности
func (p TrendPhase) IsExhaustion() bool {
	return p == PhaseReversal || p == PhasePeak
}
