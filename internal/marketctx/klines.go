package marketctx

import (
	"context"
	"fmt"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

// Интервалы и глубина истории
const (
	railsInterval = "1h"
	railsLimit    = 24

	taInterval = "15m"
	taLimit    = 120

	dayInterval = "1d"
	dayLimit    = 15
)

// KlineProvider считает rails и TA по свечам биржи
type KlineProvider struct {
	src exchange.KlineSource
	now func() time.Time
}

// NewKlineProvider создаёт провайдер поверх источника свечей
func NewKlineProvider(src exchange.KlineSource) *KlineProvider {
	return &KlineProvider{src: src, now: time.Now}
}

// GetRails - 12h и 24h ATL/ATH по часовым свечам
func (p *KlineProvider) GetRails(ctx context.Context, symbol string) (models.Rails, error) {
	hourly, err := p.src.Klines(ctx, symbol, railsInterval, railsLimit)
	if err != nil {
		return nil, fmt.Errorf("rails %s: %w", symbol, err)
	}
	return railsFromHourly(hourly), nil
}

func railsFromHourly(hourly []exchange.Kline) models.Rails {
	rails := models.Rails{}
	if b, ok := railBand(hourly, 12); ok {
		rails[models.Horizon12h] = b
	}
	if b, ok := railBand(hourly, 24); ok {
		rails[models.Horizon24h] = b
	}
	if len(rails) == 0 {
		return nil
	}
	return rails
}

// GetTA - индикаторы по 15m свечам, диапазоны по 1h, дневной контекст по 1d.
// Нет 15m свечей - ошибка; нет 1h/1d - соответствующие поля остаются пустыми.
func (p *KlineProvider) GetTA(ctx context.Context, symbol string) (*models.TA, error) {
	symbol = models.NormalizeSymbol(symbol)

	bars, err := p.src.Klines(ctx, symbol, taInterval, taLimit)
	if err != nil {
		return nil, fmt.Errorf("ta %s: %w", symbol, err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("ta %s: %w", symbol, exchange.ErrNoData)
	}

	cl := closes(bars)
	ta := &models.TA{
		Symbol:      symbol,
		Price:       cl[len(cl)-1],
		RSI:         RSI(cl, 14),
		MACDSignal:  MACDSignal(cl),
		BBSignal:    BollingerTouch(cl, 20, 2),
		VolumeSpike: VolumeSpike(bars, 20, 2),
		Trend:       Trend(cl),
		UpdatedAt:   p.now(),
	}

	if hourly, err := p.src.Klines(ctx, symbol, railsInterval, railsLimit); err == nil {
		if b, ok := railBand(hourly, 12); ok {
			ta.Range12h = &b
		}
		if b, ok := railBand(hourly, 24); ok {
			ta.Range24h = &b
		}
	}

	// Уровни Фибоначчи от 24h диапазона, fallback 12h
	switch {
	case ta.Range24h != nil:
		ta.Fib = FibLevels(*ta.Range24h)
	case ta.Range12h != nil:
		ta.Fib = FibLevels(*ta.Range12h)
	}
	if len(cl) >= 2 && ta.Fib != nil {
		ta.FibCross = FibCross(cl[len(cl)-2], cl[len(cl)-1], ta.Fib)
	}

	if days, err := p.src.Klines(ctx, symbol, dayInterval, dayLimit); err == nil {
		ta.ExpectedMovePct, ta.TodayMovePct = dailyMoves(days)
	}

	ta.Phase, ta.Confidence = Phase(ta)
	return ta, nil
}
