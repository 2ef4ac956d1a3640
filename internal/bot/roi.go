package bot

import (
	"errors"
	"fmt"
	"math"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// ErrROIIndeterminate - ни ROI биржи, ни pnl/margin не дают конечного значения
var ErrROIIndeterminate = errors.New("roi indeterminate")

// ROIError несёт сырые входные данные для диагностики
type ROIError struct {
	Symbol      string
	Entry       float64
	Mark        float64
	Size        float64
	Leverage    float64
	Multiplier  float64
	ExchangeROI *float64
}

func (e *ROIError) Error() string {
	ex := "nil"
	if e.ExchangeROI != nil {
		ex = fmt.Sprintf("%g", *e.ExchangeROI)
	}
	return fmt.Sprintf("%s: %s (entry=%g mark=%g size=%g leverage=%g multiplier=%g exchange_roi=%s)",
		ErrROIIndeterminate, e.Symbol, e.Entry, e.Mark, e.Size, e.Leverage, e.Multiplier, ex)
}

// Unwrap позволяет errors.Is(err, ErrROIIndeterminate)
func (e *ROIError) Unwrap() error {
	return ErrROIIndeterminate
}

// ComputeROI возвращает ROI позиции в процентах.
//
// Порядок: ROI биржи (доли приводятся к процентам), затем pnl/initialMargin×100.
func ComputeROI(p models.PositionSnapshot) (float64, error) {
	derived, derivedOK := DerivedROI(p.Side, p.EntryPrice, p.MarkPrice, p.Size, p.Leverage, p.ContractMultiplier())

	if p.ROI != nil && utils.IsFinite(*p.ROI) {
		return normalizeExchangeROI(*p.ROI, p.ROIUnit, derived, derivedOK), nil
	}
	if derivedOK {
		return derived, nil
	}

	return 0, &ROIError{
		Symbol:      p.Symbol,
		Entry:       p.EntryPrice,
		Mark:        p.MarkPrice,
		Size:        p.Size,
		Leverage:    p.Leverage,
		Multiplier:  p.Multiplier,
		ExchangeROI: p.ROI,
	}
}

// DerivedROI - ROI из pnl и начальной маржи
//
//	pnl    = (mark - entry) × size × multiplier × sign(side)
//	margin = entry × size × multiplier / leverage
func DerivedROI(side models.Side, entry, mark, size, leverage, multiplier float64) (float64, bool) {
	if multiplier <= 0 {
		multiplier = 1
	}
	if entry <= 0 || size <= 0 || leverage <= 0 {
		return 0, false
	}
	margin := entry * size * multiplier / leverage
	roi := UnrealizedPNL(side, entry, mark, size, multiplier) / margin * 100
	if !utils.IsFinite(roi) {
		return 0, false
	}
	return roi, true
}

// UnrealizedPNL - нереализованный PnL в USD
func UnrealizedPNL(side models.Side, entry, mark, size, multiplier float64) float64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	return (mark - entry) * size * multiplier * side.Sign()
}

// normalizeExchangeROI приводит ROI биржи к процентам.
// Без явной единицы выбирается интерпретация, ближайшая к расчётному ROI;
// без расчётного ROI значения |r| ≤ 1 считаются долей.
func normalizeExchangeROI(r float64, unit models.ROIUnit, derived float64, derivedOK bool) float64 {
	switch unit {
	case models.ROIUnitFraction:
		return r * 100
	case models.ROIUnitPercent:
		return r
	}
	if derivedOK {
		if math.Abs(r*100-derived) < math.Abs(r-derived) {
			return r * 100
		}
		return r
	}
	if math.Abs(r) <= 1 {
		return r * 100
	}
	return r
}
