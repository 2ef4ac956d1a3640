package marketctx

import (
	"math"

	"github.com/markcheno/go-talib"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Индикаторы считаются по закрытиям свечей через go-talib. При недостатке
// данных функции возвращают нейтральные значения ("", 0, false), а не ошибку:
// talib сам длину ряда не проверяет.

// closes извлекает цены закрытия
func closes(klines []exchange.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// Периоды MACD(12,26,9)
const (
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// EMASeries - ряд EMA (первое значение - SMA первых period точек).
// Длина результата len(values)-period+1, nil при нехватке данных.
func EMASeries(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	return talib.Ema(values, period)[period-1:]
}

// RSI - индекс относительной силы по Уайлдеру (0 при нехватке данных).
// На ряде без изменений цены возвращает 50.
func RSI(values []float64, period int) float64 {
	if period < 2 || len(values) <= period {
		return 0
	}
	if flat(values) {
		return 50
	}
	out := talib.Rsi(values, period)
	return out[len(out)-1]
}

// MACDSignal - bullish, если гистограмма MACD(12,26,9) > 0, bearish если < 0
func MACDSignal(values []float64) string {
	if len(values) < macdSlow+macdSignal-1 {
		return ""
	}
	_, _, hist := talib.Macd(values, macdFast, macdSlow, macdSignal)

	switch h := hist[len(hist)-1]; {
	case h > 0:
		return models.SignalBullish
	case h < 0:
		return models.SignalBearish
	default:
		return ""
	}
}

// BollingerTouch - касание нижней/верхней полосы Боллинджера (period, k·σ)
func BollingerTouch(values []float64, period int, k float64) string {
	if len(values) < period || period <= 1 {
		return ""
	}
	upper, _, lower := talib.BBands(values, period, k, k, talib.SMA)

	n := len(values) - 1
	last := values[n]
	switch {
	case last <= lower[n]:
		return models.BBLowerTouch
	case last >= upper[n]:
		return models.BBUpperTouch
	default:
		return ""
	}
}

func flat(values []float64) bool {
	for _, v := range values[1:] {
		if v != values[0] {
			return false
		}
	}
	return true
}

// VolumeSpike - объём последней свечи не меньше factor средних предыдущих lookback
func VolumeSpike(klines []exchange.Kline, lookback int, factor float64) bool {
	if len(klines) < lookback+1 || lookback <= 0 {
		return false
	}
	prev := klines[len(klines)-1-lookback : len(klines)-1]
	avg := 0.0
	for _, k := range prev {
		avg += k.Volume
	}
	avg /= float64(lookback)
	return avg > 0 && klines[len(klines)-1].Volume >= avg*factor
}

// Trend - направление по EMA20/EMA50
func Trend(values []float64) string {
	e20 := EMASeries(values, 20)
	e50 := EMASeries(values, 50)
	if e50 == nil {
		return ""
	}

	last := values[len(values)-1]
	fast := e20[len(e20)-1]
	slow := e50[len(e50)-1]
	switch {
	case last > fast && fast > slow:
		return models.TrendUp
	case last < fast && fast < slow:
		return models.TrendDown
	default:
		return models.TrendFlat
	}
}

// FibLevels - уровни коррекции от максимума к минимуму диапазона
func FibLevels(band models.RailBand) map[string]float64 {
	if !band.Valid() {
		return nil
	}
	span := band.ATH - band.ATL
	return map[string]float64{
		models.Fib0382: band.ATH - span*0.382,
		models.Fib05:   band.ATH - span*0.5,
		models.Fib0618: band.ATH - span*0.618,
	}
}

// FibCross - пересечение уровня Фибоначчи между двумя последними закрытиями
func FibCross(prev, last float64, levels map[string]float64) string {
	for _, lvl := range levels {
		if prev < lvl && last >= lvl {
			return models.FibCrossUp
		}
		if prev > lvl && last <= lvl {
			return models.FibCrossDown
		}
	}
	return ""
}

// railBand - минимум и максимум за последние n свечей
func railBand(klines []exchange.Kline, n int) (models.RailBand, bool) {
	if len(klines) == 0 || n <= 0 {
		return models.RailBand{}, false
	}
	if n > len(klines) {
		n = len(klines)
	}

	band := models.RailBand{ATL: math.Inf(1), ATH: math.Inf(-1)}
	for _, k := range klines[len(klines)-n:] {
		band.ATL = math.Min(band.ATL, k.Low)
		band.ATH = math.Max(band.ATH, k.High)
	}
	return band, band.Valid()
}

// dailyMoves - средний дневной диапазон (%) по завершённым дням и диапазон текущего дня
func dailyMoves(days []exchange.Kline) (expected, today float64) {
	if len(days) == 0 {
		return 0, 0
	}

	rangePct := func(k exchange.Kline) float64 {
		if k.Open <= 0 {
			return 0
		}
		return (k.High - k.Low) / k.Open * 100
	}

	today = rangePct(days[len(days)-1])
	if len(days) < 2 {
		return 0, today
	}

	sum := 0.0
	for _, k := range days[:len(days)-1] {
		sum += rangePct(k)
	}
	return sum / float64(len(days)-1), today
}

// Phase классифицирует фазу тренда и уверенность (0-100):
//   - up/down: RSI в зоне перегрева у края 24h диапазона -> peak,
//     MACD против тренда -> reversal, иначе тренд;
//   - flat: range.
func Phase(ta *models.TA) (models.TrendPhase, float64) {
	pos := 0.5
	if ta.Range24h != nil && ta.Range24h.ATH > ta.Range24h.ATL {
		pos = (ta.Price - ta.Range24h.ATL) / (ta.Range24h.ATH - ta.Range24h.ATL)
	}

	confidence := 50.0
	switch ta.Trend {
	case models.TrendUp:
		switch {
		case ta.RSI >= 70 && pos >= 0.9:
			confidence += confirm(ta.BBSignal == models.BBUpperTouch, 20) + confirm(ta.VolumeSpike, 10) + confirm(ta.RSI >= 80, 10)
			return models.PhasePeak, utils.Clamp(confidence, 0, 100)
		case ta.MACDSignal == models.SignalBearish:
			confidence += confirm(ta.RSI < 50, 15) + confirm(ta.VolumeSpike, 10)
			return models.PhaseReversal, utils.Clamp(confidence, 0, 100)
		default:
			confidence += confirm(ta.MACDSignal == models.SignalBullish, 20) + confirm(ta.VolumeSpike, 10)
			return models.PhaseUptrend, utils.Clamp(confidence, 0, 100)
		}
	case models.TrendDown:
		switch {
		case ta.RSI > 0 && ta.RSI <= 30 && pos <= 0.1:
			confidence += confirm(ta.BBSignal == models.BBLowerTouch, 20) + confirm(ta.VolumeSpike, 10) + confirm(ta.RSI <= 20, 10)
			return models.PhasePeak, utils.Clamp(confidence, 0, 100)
		case ta.MACDSignal == models.SignalBullish:
			confidence += confirm(ta.RSI > 50, 15) + confirm(ta.VolumeSpike, 10)
			return models.PhaseReversal, utils.Clamp(confidence, 0, 100)
		default:
			confidence += confirm(ta.MACDSignal == models.SignalBearish, 20) + confirm(ta.VolumeSpike, 10)
			return models.PhaseDowntrend, utils.Clamp(confidence, 0, 100)
		}
	case models.TrendFlat:
		return models.PhaseRange, confidence
	default:
		return models.PhaseUnknown, 0
	}
}

func confirm(ok bool, points float64) float64 {
	if ok {
		return points
	}
	return 0
}
