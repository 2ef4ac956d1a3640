package models

import (
	"strings"
	"time"
)

// Side - направление позиции
type Side string

const (
	SideLong  Side = "long"  // длинная позиция (ставка на рост)
	SideShort Side = "short" // короткая позиция (ставка на падение)
)

// Valid проверяет, что сторона известна
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign возвращает +1 для long и -1 для short
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// ROIUnit - в каких единицах биржа отдала ROI
type ROIUnit string

const (
	ROIUnitUnknown  ROIUnit = ""         // не указано, определяется эвристикой
	ROIUnitFraction ROIUnit = "fraction" // 0.35 = 35%
	ROIUnitPercent  ROIUnit = "percent"  // 35 = 35%
)

// PositionSnapshot - снимок открытой позиции с биржи
//
// Биржа - единственный источник истины по цене, размеру и стороне.
// Снимок обновляется на каждом опросе и никогда не изменяется движками.
type PositionSnapshot struct {
	Symbol           string    `json:"symbol"`
	Side             Side      `json:"side"`
	EntryPrice       float64   `json:"entry_price"`
	MarkPrice        float64   `json:"mark_price"`
	Size             float64   `json:"size"`       // всегда положительный, в контрактах
	Leverage         float64   `json:"leverage"`
	Multiplier       float64   `json:"multiplier"` // размер контракта, 1 для линейных USDT-M
	LiquidationPrice float64   `json:"liquidation_price"`
	ROI              *float64  `json:"roi,omitempty"` // ROI/ROE от биржи, если есть
	ROIUnit          ROIUnit   `json:"roi_unit,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Key возвращает нормализованный ключ контракта
func (p PositionSnapshot) Key() string {
	return ContractKey(p.Symbol, p.Side)
}

// ContractMultiplier возвращает множитель контракта (0 трактуется как 1)
func (p PositionSnapshot) ContractMultiplier() float64 {
	if p.Multiplier <= 0 {
		return 1
	}
	return p.Multiplier
}

// NormalizeSymbol приводит символ к виду BTCUSDT
// (BTC/USDT, btc-usdt, BTC_USDT:USDT -> BTCUSDT)
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.Index(s, ":"); i > 0 {
		s = s[:i]
	}
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

// ContractKey - ключ контракта для TpState и close lock: SYMBOL:side
func ContractKey(symbol string, side Side) string {
	return NormalizeSymbol(symbol) + ":" + string(side)
}
