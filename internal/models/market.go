package models

import "time"

// Горизонты rails
const (
	Horizon12h = "12h"
	Horizon24h = "24h"
)

// RailBand - минимум/максимум цены за горизонт
type RailBand struct {
	ATL float64 `json:"atl"`
	ATH float64 `json:"ath"`
}

// Valid - полоса заполнена
func (b RailBand) Valid() bool {
	return b.ATL > 0 && b.ATH > 0 && b.ATH >= b.ATL
}

// Rails - многогоризонтные полосы цены (поддержка/сопротивление)
type Rails map[string]RailBand

// Band возвращает полосу горизонта, если она валидна
func (r Rails) Band(horizon string) (RailBand, bool) {
	if r == nil {
		return RailBand{}, false
	}
	b, ok := r[horizon]
	if !ok || !b.Valid() {
		return RailBand{}, false
	}
	return b, true
}

// Сигналы MACD / Bollinger
const (
	SignalBullish = "bullish"
	SignalBearish = "bearish"

	BBLowerTouch = "lower_touch"
	BBUpperTouch = "upper_touch"

	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"

	FibCrossUp   = "up"
	FibCrossDown = "down"
)

// Уровни Фибоначчи (ключи TA.Fib)
const (
	Fib0382 = "0.382"
	Fib05   = "0.5"
	Fib0618 = "0.618"
)

// TA - технический контекст символа
//
// Все поля опциональны: нулевые значения означают "нет данных".
type TA struct {
	Symbol          string             `json:"symbol"`
	Price           float64            `json:"price"`
	RSI             float64            `json:"rsi"`
	MACDSignal      string             `json:"macd_signal"`
	BBSignal        string             `json:"bb_signal"`
	VolumeSpike     bool               `json:"volume_spike"`
	Trend           string             `json:"trend"`
	Phase           TrendPhase         `json:"phase"`
	Confidence      float64            `json:"confidence"`
	Fib             map[string]float64 `json:"fib"`
	FibCross        string             `json:"fib_cross"`
	Range12h        *RailBand          `json:"range_12h,omitempty"`
	Range24h        *RailBand          `json:"range_24h,omitempty"`
	ExpectedMovePct float64            `json:"expected_move_pct"`
	TodayMovePct    float64            `json:"today_move_pct"`
	UpdatedAt       time.Time          `json:"updated_at"`
}
