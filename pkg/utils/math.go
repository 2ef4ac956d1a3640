package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// math.go - математические утилиты для управления позицией
//
// Назначение:
// Округление объёмов до шага биржи и точный учёт размера позиции.
// Все функции чистые (pure functions) без побочных эффектов.
//
// Объёмы считаются через decimal: частичные закрытия 0.1 + 0.2
// не должны оставлять "пыль" вида 0.30000000000000004.

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Используется для объёма частичного закрытия: округление вниз гарантирует,
// что мы не закроем больше, чем осталось.
//
// Примеры:
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - RoundToLotSize(1.999, 0.01) = 1.99
//   - Если lotSize <= 0, возвращает исходное значение
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	lot := decimal.NewFromFloat(lotSize)
	f, _ := v.Div(lot).Floor().Mul(lot).Float64()
	return f
}

// RoundToLotSizeNearest округляет к ближайшему кратному lotSize.
func RoundToLotSizeNearest(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	lot := decimal.NewFromFloat(lotSize)
	f, _ := v.Div(lot).Round(0).Mul(lot).Float64()
	return f
}

// RoundQty округляет объём к шагу биржи с учётом минимального размера.
//
// Возвращает 0, если после округления объём меньше minQty.
func RoundQty(value, lotSize, minQty float64) float64 {
	q := RoundToLotSizeNearest(value, lotSize)
	if q <= 0 {
		return 0
	}
	if minQty > 0 && q < minQty {
		return 0
	}
	return q
}

// SubQty - точное вычитание объёмов (не опускается ниже нуля)
func SubQty(a, b float64) float64 {
	r := decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b))
	if r.IsNegative() {
		return 0
	}
	f, _ := r.Float64()
	return f
}

// SumQty - точная сумма объёмов
func SumQty(values ...float64) float64 {
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	f, _ := sum.Float64()
	return f
}

// IsFinite - число не NaN и не ±Inf
func IsFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

// LinearRamp линейно отображает x из [x0, x1] в [y0, y1] с насыщением на краях.
func LinearRamp(x, x0, x1, y0, y1 float64) float64 {
	if x1 == x0 {
		return y1
	}
	t := Clamp((x-x0)/(x1-x0), 0, 1)
	return y0 + t*(y1-y0)
}

// PercentDistance - расстояние между ценами в процентах от base
func PercentDistance(a, b, base float64) float64 {
	if base <= 0 {
		return math.Inf(1)
	}
	return math.Abs(a-b) / base * 100
}
