package bot

import (
	"math"

	"riskguard/internal/config"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Scores - оценки rescue в диапазоне [0, 100]
type Scores struct {
	Danger    float64 `json:"danger"`
	Structure float64 `json:"structure"`
	Momentum  float64 `json:"momentum"`
	Context   float64 `json:"context"`
	Composite float64 `json:"composite"` // только для наблюдения
}

// Нейтральное значение оценки без данных
const neutralScore = 50

// ScoreInput - данные для расчёта оценок
type ScoreInput struct {
	Side        models.Side
	ROI         float64
	Mark        float64
	Liquidation float64
	Rails       models.Rails
	TA          *models.TA
}

// ComputeScores считает все четыре оценки и композит
func ComputeScores(cfg config.RescueConfig, in ScoreInput) Scores {
	s := Scores{
		Danger:    dangerScore(cfg, in.ROI, in.Mark, in.Liquidation),
		Structure: structureScore(cfg, in.Side, in.Mark, in.Rails, in.TA),
		Momentum:  momentumScore(in.Side, in.TA),
		Context:   contextScore(in.TA),
	}
	s.Composite = 0.40*s.Danger + 0.30*math.Max(s.Momentum, s.Structure) + 0.30*s.Context
	return s
}

// dangerScore = 0.6 × неблагоприятный ROI + 0.4 × близость ликвидации
func dangerScore(cfg config.RescueConfig, roi, mark, liq float64) float64 {
	perPoint := cfg.AdversePctPerPoint
	if perPoint <= 0 {
		perPoint = 1.2
	}
	adverse := utils.Clamp(math.Max(0, -roi)/perPoint, 0, 100)

	liqRamp := 0.0
	if liq > 0 && mark > 0 {
		dist := utils.PercentDistance(mark, liq, mark)
		if dist < 2 {
			// последние 2% до ликвидации - резкий рост
			liqRamp = utils.LinearRamp(dist, 2, 0, 60, 100)
		} else {
			liqRamp = utils.LinearRamp(dist, 10, 2, 0, 60)
		}
	}

	return utils.Clamp(0.6*adverse+0.4*liqRamp, 0, 100)
}

// structureScore - близость цены к экстремуму диапазона в пользу позиции
// (ATL для long, ATH для short) плюс бонус за пересечение уровня Фибоначчи
func structureScore(cfg config.RescueConfig, side models.Side, price float64, rails models.Rails, ta *models.TA) float64 {
	band, ok := rangeBand(rails, ta)
	if !ok || price <= 0 {
		return 0
	}
	prox := cfg.StructureProximityPct
	if prox <= 0 {
		prox = 0.4
	}

	level := band.ATL
	broken := price < band.ATL*(1-prox/100)
	if side == models.SideShort {
		level = band.ATH
		broken = price > band.ATH*(1+prox/100)
	}

	score := 0.0
	if !broken {
		dist := utils.PercentDistance(price, level, price)
		if dist <= prox {
			score = utils.LinearRamp(dist, prox, 0, 70, 100)
		} else {
			score = utils.LinearRamp(dist, prox, 4*prox, 40, 0)
		}
	}

	if ta != nil {
		if (side == models.SideLong && ta.FibCross == models.FibCrossUp) ||
			(side == models.SideShort && ta.FibCross == models.FibCrossDown) {
			score += 15
		}
	}
	return utils.Clamp(score, 0, 100)
}

// rangeBand - диапазон 12h, иначе 24h; сначала rails, затем TA
func rangeBand(rails models.Rails, ta *models.TA) (models.RailBand, bool) {
	if b, ok := rails.Band(models.Horizon12h); ok {
		return b, true
	}
	if b, ok := rails.Band(models.Horizon24h); ok {
		return b, true
	}
	if ta != nil {
		if ta.Range12h != nil && ta.Range12h.Valid() {
			return *ta.Range12h, true
		}
		if ta.Range24h != nil && ta.Range24h.Valid() {
			return *ta.Range24h, true
		}
	}
	return models.RailBand{}, false
}

// momentumScore - 50 ± согласие сигналов со стороной позиции
func momentumScore(side models.Side, ta *models.TA) float64 {
	if ta == nil {
		return neutralScore
	}
	dir := side.Sign()
	bull := 0.0

	trendDir := 0.0
	switch ta.Trend {
	case models.TrendUp:
		trendDir = 1
	case models.TrendDown:
		trendDir = -1
	}
	bull += 10 * trendDir

	switch ta.MACDSignal {
	case models.SignalBullish:
		bull += 10
	case models.SignalBearish:
		bull -= 10
	}

	switch ta.BBSignal {
	case models.BBLowerTouch:
		bull += 8
	case models.BBUpperTouch:
		bull -= 8
	}

	// всплеск объёма усиливает текущий тренд
	if ta.VolumeSpike {
		bull += 7 * trendDir
	}

	if ta.RSI > 0 {
		switch {
		case ta.RSI < 30:
			bull += 10
		case ta.RSI < 40:
			bull += 5
		case ta.RSI > 70:
			bull -= 10
		case ta.RSI > 60:
			bull -= 5
		}
	}

	return utils.Clamp(neutralScore+dir*bull, 0, 100)
}

// contextScore - сегодняшнее движение относительно ожидаемого.
// От 140% ожидаемого вероятность возврата к среднему высокая.
func contextScore(ta *models.TA) float64 {
	if ta == nil || ta.ExpectedMovePct <= 0 {
		return neutralScore
	}
	ratio := math.Abs(ta.TodayMovePct) / ta.ExpectedMovePct
	if ratio >= 1.4 {
		return utils.LinearRamp(ratio, 1.4, 2.5, 75, 100)
	}
	return utils.LinearRamp(ratio, 0, 1.4, 20, 75)
}
