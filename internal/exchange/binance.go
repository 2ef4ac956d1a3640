package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/models"
	"riskguard/pkg/ratelimit"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

const binanceName = "binance"

// Веса запросов USDⓈ-M futures
const (
	weightPositionRisk = 5
	weightOrder        = 1
	weightPrice        = 1
	weightPremiumIndex = 1
	weightKlines       = 5
	weightExchangeInfo = 1
)

// Binance - адаптер USDⓈ-M futures (one-way режим позиций)
//
// Чтения (позиции, котировки, свечи, лимиты) повторяются через retry.ReadConfig.
// Ордера отправляются ровно один раз.
type Binance struct {
	client  *futures.Client
	limiter *ratelimit.MultiLimiter
	readCfg retry.Config
	log     *utils.Logger

	limits   map[string]*Limits
	limitsMu sync.RWMutex
}

// NewBinance создаёт адаптер. httpClient может быть nil.
func NewBinance(cfg config.ExchangeConfig, httpClient *http.Client, log *utils.Logger) *Binance {
	futures.UseTestnet = cfg.Testnet

	client := binance.NewFuturesClient(cfg.APIKey, cfg.SecretKey)
	if httpClient != nil {
		client.HTTPClient = httpClient
	}

	limiter := ratelimit.NewMultiLimiter()
	limiter.Add(ratelimit.CategoryOrders, cfg.OrderRate, cfg.OrderRate*2)
	limiter.Add(ratelimit.CategoryMarket, cfg.MarketRate, cfg.MarketRate*2)
	limiter.Add(ratelimit.CategoryRisk, cfg.RiskRate, cfg.RiskRate*2)

	if log == nil {
		log = utils.L()
	}
	log = log.WithComponent("binance")

	readCfg := retry.ReadConfig()
	readCfg.RetryIf = isRetryableBinance
	readCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Debug("retrying read request",
			utils.Int("attempt", attempt),
			utils.Err(err),
			utils.Dur("delay", delay))
	}

	return &Binance{
		client:  client,
		limiter: limiter,
		readCfg: readCfg,
		log:     log,
		limits:  make(map[string]*Limits),
	}
}

// GetName возвращает имя биржи
func (b *Binance) GetName() string {
	return binanceName
}

// Close закрывает idle соединения
func (b *Binance) Close() error {
	CloseIdle(b.client.HTTPClient)
	return nil
}

// ============================================================
// Позиции
// ============================================================

// FetchOpenPositions возвращает все ненулевые позиции аккаунта
func (b *Binance) FetchOpenPositions(ctx context.Context) ([]models.PositionSnapshot, error) {
	risks, err := retry.DoWithResult(ctx, func() ([]*futures.PositionRisk, error) {
		if err := b.limiter.WaitN(ctx, ratelimit.CategoryRisk, weightPositionRisk); err != nil {
			return nil, err
		}
		return b.client.NewGetPositionRiskService().Do(ctx)
	}, b.readCfg)
	if err != nil {
		return nil, wrapBinanceError("fetch positions", err)
	}

	now := time.Now()
	out := make([]models.PositionSnapshot, 0, len(risks))
	for _, p := range risks {
		snap, ok := positionFromRisk(p, now)
		if !ok {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// positionFromRisk переводит ответ positionRisk в снимок.
// Нулевые позиции и записи с неразборчивыми числами пропускаются.
func positionFromRisk(p *futures.PositionRisk, now time.Time) (models.PositionSnapshot, bool) {
	amt, err := strconv.ParseFloat(p.PositionAmt, 64)
	if err != nil || amt == 0 {
		return models.PositionSnapshot{}, false
	}

	side := models.SideLong
	if amt < 0 {
		side = models.SideShort
		amt = -amt
	}

	entry, err := strconv.ParseFloat(p.EntryPrice, 64)
	if err != nil {
		return models.PositionSnapshot{}, false
	}
	mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
	leverage, _ := strconv.ParseFloat(p.Leverage, 64)
	liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)

	return models.PositionSnapshot{
		Symbol:           models.NormalizeSymbol(p.Symbol),
		Side:             side,
		EntryPrice:       entry,
		MarkPrice:        mark,
		Size:             amt,
		Leverage:         leverage,
		Multiplier:       1,
		LiquidationPrice: liq,
		UpdatedAt:        now,
	}, true
}

// findPosition ищет открытую позицию символа и стороны
func (b *Binance) findPosition(ctx context.Context, symbol string, side models.Side) (*models.PositionSnapshot, error) {
	risks, err := retry.DoWithResult(ctx, func() ([]*futures.PositionRisk, error) {
		if err := b.limiter.WaitN(ctx, ratelimit.CategoryRisk, weightPositionRisk); err != nil {
			return nil, err
		}
		return b.client.NewGetPositionRiskService().Symbol(symbol).Do(ctx)
	}, b.readCfg)
	if err != nil {
		return nil, wrapBinanceError("fetch position", err)
	}

	now := time.Now()
	for _, p := range risks {
		if snap, ok := positionFromRisk(p, now); ok && snap.Side == side {
			return &snap, nil
		}
	}
	return nil, ErrNoPosition
}

// ============================================================
// Ордера
// ============================================================

// PartialClose закрывает qty контрактов reduce-only ордером
func (b *Binance) PartialClose(ctx context.Context, symbol string, side models.Side, qty float64) (*OrderResult, error) {
	symbol = models.NormalizeSymbol(symbol)
	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		return nil, err
	}

	q := utils.RoundToLotSize(qty, limits.QtyStep)
	if q <= 0 || q < limits.MinOrderQty {
		return nil, fmt.Errorf("partial close %s %.8f: %w", symbol, qty, ErrInvalidQty)
	}

	return b.placeMarket(ctx, symbol, CloseSide(side), q, limits.QtyStep, true, "")
}

// CloseAll закрывает весь остаток позиции
func (b *Binance) CloseAll(ctx context.Context, symbol string, side models.Side) (*OrderResult, error) {
	symbol = models.NormalizeSymbol(symbol)
	pos, err := b.findPosition(ctx, symbol, side)
	if err != nil {
		return nil, err
	}

	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		return nil, err
	}

	return b.placeMarket(ctx, symbol, CloseSide(side), pos.Size, limits.QtyStep, true, "")
}

// OpenAdd увеличивает позицию на notional USD по последней цене
func (b *Binance) OpenAdd(ctx context.Context, req AddRequest) (*OrderResult, error) {
	symbol := models.NormalizeSymbol(req.Symbol)

	price, err := b.LastPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	limits, err := b.GetLimits(ctx, symbol)
	if err != nil {
		return nil, err
	}

	qty := utils.RoundToLotSize(req.NotionalUSD/price, limits.QtyStep)
	if qty <= 0 || qty < limits.MinOrderQty {
		return nil, fmt.Errorf("open add %s notional %.2f: %w", symbol, req.NotionalUSD, ErrInvalidQty)
	}

	if req.Leverage > 0 {
		if err := b.limiter.Wait(ctx, ratelimit.CategoryOrders); err == nil {
			_, err := b.client.NewChangeLeverageService().Symbol(symbol).Leverage(int(req.Leverage)).Do(ctx)
			if err != nil {
				// Плечо уже могло стоять; ордер всё равно отправляем
				b.log.Warn("change leverage failed", utils.Symbol(symbol), utils.Err(err))
			}
		}
	}

	return b.placeMarket(ctx, symbol, OpenSide(req.Side), qty, limits.QtyStep, false, req.Tag)
}

// placeMarket отправляет рыночный ордер (без повторов)
func (b *Binance) placeMarket(ctx context.Context, symbol, side string, qty, step float64, reduceOnly bool, tag string) (*OrderResult, error) {
	if err := b.limiter.WaitN(ctx, ratelimit.CategoryOrders, weightOrder); err != nil {
		return nil, err
	}

	clientID := clientOrderID(tag)
	futSide := futures.SideTypeBuy
	if side == SideSell {
		futSide = futures.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(futSide).
		Type(futures.OrderTypeMarket).
		Quantity(formatQty(qty, step)).
		NewClientOrderID(clientID)
	if reduceOnly {
		svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, wrapBinanceError("create order", err)
	}

	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	executed, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	if executed == 0 {
		executed = qty
	}

	b.log.Info("order submitted",
		utils.Symbol(symbol),
		utils.String("side", side),
		utils.Qty(executed),
		utils.Bool("reduce_only", reduceOnly),
		utils.String("client_order_id", clientID))

	return &OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Qty:           executed,
		AvgPrice:      avg,
		Status:        strings.ToLower(string(resp.Status)),
		CreatedAt:     time.Now(),
	}, nil
}

// clientOrderID - тег вызывающего или rg-<uuid>; Binance допускает до 36 символов
func clientOrderID(tag string) string {
	if tag != "" {
		if len(tag) > 36 {
			return tag[:36]
		}
		return tag
	}
	return "rg-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// formatQty форматирует объём с точностью шага лота
func formatQty(qty, step float64) string {
	d := decimal.NewFromFloat(qty)
	if step <= 0 {
		return d.String()
	}
	prec := -decimal.NewFromFloat(step).Exponent()
	if prec < 0 {
		prec = 0
	}
	return d.StringFixed(prec)
}

// ============================================================
// Котировки и свечи
// ============================================================

// LastPrice - цена последней сделки
func (b *Binance) LastPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = models.NormalizeSymbol(symbol)
	prices, err := retry.DoWithResult(ctx, func() ([]*futures.SymbolPrice, error) {
		if err := b.limiter.WaitN(ctx, ratelimit.CategoryMarket, weightPrice); err != nil {
			return nil, err
		}
		return b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	}, b.readCfg)
	if err != nil {
		return 0, wrapBinanceError("last price", err)
	}

	for _, p := range prices {
		if models.NormalizeSymbol(p.Symbol) == symbol {
			return parsePositive(p.Price)
		}
	}
	return 0, fmt.Errorf("last price %s: %w", symbol, ErrNoData)
}

// MarkPrice - mark price из premiumIndex
func (b *Binance) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = models.NormalizeSymbol(symbol)
	idx, err := retry.DoWithResult(ctx, func() ([]*futures.PremiumIndex, error) {
		if err := b.limiter.WaitN(ctx, ratelimit.CategoryMarket, weightPremiumIndex); err != nil {
			return nil, err
		}
		return b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	}, b.readCfg)
	if err != nil {
		return 0, wrapBinanceError("mark price", err)
	}

	for _, p := range idx {
		if models.NormalizeSymbol(p.Symbol) == symbol {
			return parsePositive(p.MarkPrice)
		}
	}
	return 0, fmt.Errorf("mark price %s: %w", symbol, ErrNoData)
}

// Klines - свечи интервала interval (1m, 5m, 1h, ...)
func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	symbol = models.NormalizeSymbol(symbol)
	raw, err := retry.DoWithResult(ctx, func() ([]*futures.Kline, error) {
		if err := b.limiter.WaitN(ctx, ratelimit.CategoryMarket, weightKlines); err != nil {
			return nil, err
		}
		return b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	}, b.readCfg)
	if err != nil {
		return nil, wrapBinanceError("klines", err)
	}

	out := make([]Kline, 0, len(raw))
	for _, k := range raw {
		open, err1 := strconv.ParseFloat(k.Open, 64)
		high, err2 := strconv.ParseFloat(k.High, 64)
		low, err3 := strconv.ParseFloat(k.Low, 64)
		cl, err4 := strconv.ParseFloat(k.Close, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			continue
		}
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		out = append(out, Kline{
			OpenTime: time.UnixMilli(k.OpenTime),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    cl,
			Volume:   vol,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, ErrNoData)
	}
	return out, nil
}

// ============================================================
// Лимиты
// ============================================================

// GetLimits возвращает шаг лота и минимальный объём (кешируется)
func (b *Binance) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	symbol = models.NormalizeSymbol(symbol)

	b.limitsMu.RLock()
	l, ok := b.limits[symbol]
	b.limitsMu.RUnlock()
	if ok {
		return l, nil
	}

	info, err := retry.DoWithResult(ctx, func() (*futures.ExchangeInfo, error) {
		if err := b.limiter.WaitN(ctx, ratelimit.CategoryMarket, weightExchangeInfo); err != nil {
			return nil, err
		}
		return b.client.NewExchangeInfoService().Do(ctx)
	}, b.readCfg)
	if err != nil {
		return nil, wrapBinanceError("exchange info", err)
	}

	b.limitsMu.Lock()
	defer b.limitsMu.Unlock()
	for _, s := range info.Symbols {
		lot := s.LotSizeFilter()
		if lot == nil {
			continue
		}
		minQty, _ := strconv.ParseFloat(lot.MinQuantity, 64)
		maxQty, _ := strconv.ParseFloat(lot.MaxQuantity, 64)
		step, _ := strconv.ParseFloat(lot.StepSize, 64)
		b.limits[s.Symbol] = &Limits{
			Symbol:      s.Symbol,
			MinOrderQty: minQty,
			MaxOrderQty: maxQty,
			QtyStep:     step,
		}
	}

	if l, ok := b.limits[symbol]; ok {
		return l, nil
	}
	return nil, fmt.Errorf("limits %s: %w", symbol, ErrUnknownSymbol)
}

// ============================================================
// Ошибки
// ============================================================

// wrapBinanceError превращает ошибку SDK в ExchangeError
func wrapBinanceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*common.APIError); ok {
		return &ExchangeError{
			Exchange: binanceName,
			Code:     strconv.FormatInt(apiErr.Code, 10),
			Message:  op + ": " + apiErr.Message,
			Original: err,
		}
	}
	return &ExchangeError{
		Exchange: binanceName,
		Message:  op + ": " + err.Error(),
		Original: err,
	}
}

// isRetryableBinance - повторяем сетевые ошибки и перегрузку, но не отказы API
func isRetryableBinance(err error) bool {
	if !retry.RetryIfNotContext(err) {
		return false
	}
	if apiErr, ok := err.(*common.APIError); ok {
		switch apiErr.Code {
		case -1001, -1003, -1007, -1021: // disconnected, too many requests, timeout, timestamp
			return true
		default:
			return false
		}
	}
	return true
}

func parsePositive(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", s, err)
	}
	if v <= 0 || !utils.IsFinite(v) {
		return 0, ErrNonFinitePrice
	}
	return v, nil
}
