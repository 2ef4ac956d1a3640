package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Paper - бумажная биржа в памяти
//
// Используется в режиме EXCHANGE_MODE=paper (dry-run) и как тестовый двойник.
// Исполняет рыночные ордера мгновенно по последней цене, ведёт журнал ордеров.
type Paper struct {
	mu        sync.Mutex
	positions map[string]*models.PositionSnapshot // ContractKey -> позиция
	last      map[string]float64
	mark      map[string]float64
	klines    map[string][]Kline // symbol|interval
	limits    map[string]*Limits
	orders    []OrderResult
	realized  float64

	// Внедрение ошибок для тестов
	fetchErr  error
	submitErr error
	priceErr  error
	markErr   error

	seq atomic.Int64
}

// NewPaper создаёт пустую бумажную биржу
func NewPaper() *Paper {
	return &Paper{
		positions: make(map[string]*models.PositionSnapshot),
		last:      make(map[string]float64),
		mark:      make(map[string]float64),
		klines:    make(map[string][]Kline),
		limits:    make(map[string]*Limits),
	}
}

// GetName возвращает имя биржи
func (p *Paper) GetName() string { return "paper" }

// Close ничего не делает
func (p *Paper) Close() error { return nil }

// ============================================================
// Управление состоянием
// ============================================================

// SetPosition создаёт или заменяет позицию
func (p *Paper) SetPosition(pos models.PositionSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos.Symbol = models.NormalizeSymbol(pos.Symbol)
	if pos.MarkPrice == 0 {
		pos.MarkPrice = pos.EntryPrice
	}
	if pos.UpdatedAt.IsZero() {
		pos.UpdatedAt = time.Now()
	}
	cp := pos
	p.positions[pos.Key()] = &cp
	if _, ok := p.last[pos.Symbol]; !ok {
		p.last[pos.Symbol] = pos.MarkPrice
	}
}

// RemovePosition удаляет позицию (имитация закрытия вне бота)
func (p *Paper) RemovePosition(symbol string, side models.Side) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, models.ContractKey(symbol, side))
}

// SetPrice задаёт последнюю и mark цену символа, обновляя позиции
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbol = models.NormalizeSymbol(symbol)
	p.last[symbol] = price
	p.mark[symbol] = price
	for _, pos := range p.positions {
		if pos.Symbol == symbol {
			pos.MarkPrice = price
			pos.UpdatedAt = time.Now()
		}
	}
}

// SetPositionROI задаёт ROI, который биржа сообщает для позиции
func (p *Paper) SetPositionROI(symbol string, side models.Side, roi float64, unit models.ROIUnit) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[models.ContractKey(symbol, side)]; ok {
		v := roi
		pos.ROI = &v
		pos.ROIUnit = unit
	}
}

// SetMarkOnly задаёт mark без last (last становится недоступной)
func (p *Paper) SetMarkOnly(symbol string, mark float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = models.NormalizeSymbol(symbol)
	delete(p.last, symbol)
	p.mark[symbol] = mark
}

// ClearPrices удаляет все котировки символа
func (p *Paper) ClearPrices(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = models.NormalizeSymbol(symbol)
	delete(p.last, symbol)
	delete(p.mark, symbol)
}

// SetKlines задаёт свечи символа и интервала
func (p *Paper) SetKlines(symbol, interval string, klines []Kline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.klines[models.NormalizeSymbol(symbol)+"|"+interval] = append([]Kline(nil), klines...)
}

// SetLimits задаёт торговые ограничения символа
func (p *Paper) SetLimits(l Limits) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l.Symbol = models.NormalizeSymbol(l.Symbol)
	p.limits[l.Symbol] = &l
}

// FailFetch - все FetchOpenPositions возвращают err (nil сбрасывает)
func (p *Paper) FailFetch(err error) {
	p.mu.Lock()
	p.fetchErr = err
	p.mu.Unlock()
}

// FailSubmit - все ордера возвращают err (nil сбрасывает)
func (p *Paper) FailSubmit(err error) {
	p.mu.Lock()
	p.submitErr = err
	p.mu.Unlock()
}

// FailQuotes - LastPrice и MarkPrice возвращают ошибки
func (p *Paper) FailQuotes(lastErr, markErr error) {
	p.mu.Lock()
	p.priceErr = lastErr
	p.markErr = markErr
	p.mu.Unlock()
}

// Orders возвращает копию журнала исполненных ордеров
func (p *Paper) Orders() []OrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderResult(nil), p.orders...)
}

// Position возвращает копию позиции
func (p *Paper) Position(symbol string, side models.Side) (models.PositionSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[models.ContractKey(symbol, side)]
	if !ok {
		return models.PositionSnapshot{}, false
	}
	return *pos, true
}

// Realized - суммарный реализованный PnL бумажного счёта
func (p *Paper) Realized() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realized
}

// ============================================================
// Интерфейсы возможностей
// ============================================================

// FetchOpenPositions возвращает копии открытых позиций
func (p *Paper) FetchOpenPositions(ctx context.Context) ([]models.PositionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}

	out := make([]models.PositionSnapshot, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// PartialClose уменьшает позицию на qty
func (p *Paper) PartialClose(ctx context.Context, symbol string, side models.Side, qty float64) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}

	pos, ok := p.positions[models.ContractKey(symbol, side)]
	if !ok {
		return nil, ErrNoPosition
	}
	if qty <= 0 {
		return nil, ErrInvalidQty
	}
	if qty > pos.Size {
		qty = pos.Size
	}
	return p.reduceLocked(pos, qty), nil
}

// CloseAll закрывает весь остаток позиции
func (p *Paper) CloseAll(ctx context.Context, symbol string, side models.Side) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}

	pos, ok := p.positions[models.ContractKey(symbol, side)]
	if !ok {
		return nil, ErrNoPosition
	}
	return p.reduceLocked(pos, pos.Size), nil
}

// OpenAdd увеличивает позицию (или открывает новую) на notional USD
func (p *Paper) OpenAdd(ctx context.Context, req AddRequest) (*OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.submitErr != nil {
		return nil, p.submitErr
	}

	symbol := models.NormalizeSymbol(req.Symbol)
	price := p.last[symbol]
	if price <= 0 {
		return nil, fmt.Errorf("open add %s: %w", symbol, ErrNoData)
	}

	step := 0.0
	if l, ok := p.limits[symbol]; ok {
		step = l.QtyStep
	}
	qty := utils.RoundToLotSize(req.NotionalUSD/price, step)
	if qty <= 0 {
		return nil, ErrInvalidQty
	}

	key := models.ContractKey(symbol, req.Side)
	pos, ok := p.positions[key]
	if !ok {
		pos = &models.PositionSnapshot{
			Symbol:     symbol,
			Side:       req.Side,
			EntryPrice: price,
			MarkPrice:  price,
			Leverage:   req.Leverage,
			Multiplier: 1,
		}
		p.positions[key] = pos
	}

	// Средняя цена входа взвешивается по объёму
	newSize := utils.SumQty(pos.Size, qty)
	pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / newSize
	pos.Size = newSize
	pos.UpdatedAt = time.Now()

	return p.recordLocked(symbol, OpenSide(req.Side), qty, price, req.Tag), nil
}

// reduceLocked уменьшает позицию и фиксирует PnL (под mu)
func (p *Paper) reduceLocked(pos *models.PositionSnapshot, qty float64) *OrderResult {
	price := p.last[pos.Symbol]
	if price <= 0 {
		price = pos.MarkPrice
	}
	p.realized += (price - pos.EntryPrice) * qty * pos.ContractMultiplier() * pos.Side.Sign()

	pos.Size = utils.SubQty(pos.Size, qty)
	res := p.recordLocked(pos.Symbol, CloseSide(pos.Side), qty, price, "")
	if pos.Size <= 0 {
		delete(p.positions, pos.Key())
	}
	return res
}

func (p *Paper) recordLocked(symbol, side string, qty, price float64, tag string) *OrderResult {
	id := p.seq.Add(1)
	if tag == "" {
		tag = "paper-" + strconv.FormatInt(id, 10)
	}
	res := OrderResult{
		OrderID:       strconv.FormatInt(id, 10),
		ClientOrderID: tag,
		Symbol:        symbol,
		Side:          side,
		Qty:           qty,
		AvgPrice:      price,
		Status:        OrderStatusFilled,
		CreatedAt:     time.Now(),
	}
	p.orders = append(p.orders, res)
	return &res
}

// LastPrice - последняя цена
func (p *Paper) LastPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.priceErr != nil {
		return 0, p.priceErr
	}
	if v, ok := p.last[models.NormalizeSymbol(symbol)]; ok && v > 0 {
		return v, nil
	}
	return 0, fmt.Errorf("last price %s: %w", symbol, ErrNoData)
}

// MarkPrice - mark цена
func (p *Paper) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.markErr != nil {
		return 0, p.markErr
	}
	if v, ok := p.mark[models.NormalizeSymbol(symbol)]; ok && v > 0 {
		return v, nil
	}
	return 0, fmt.Errorf("mark price %s: %w", symbol, ErrNoData)
}

// Klines возвращает последние limit свечей
func (p *Paper) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.klines[models.NormalizeSymbol(symbol)+"|"+interval]
	if !ok || len(k) == 0 {
		return nil, fmt.Errorf("klines %s %s: %w", symbol, interval, ErrNoData)
	}
	if limit > 0 && len(k) > limit {
		k = k[len(k)-limit:]
	}
	return append([]Kline(nil), k...), nil
}

// GetLimits возвращает лимиты символа (шаг 0.001 по умолчанию)
func (p *Paper) GetLimits(ctx context.Context, symbol string) (*Limits, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = models.NormalizeSymbol(symbol)
	if l, ok := p.limits[symbol]; ok {
		cp := *l
		return &cp, nil
	}
	return &Limits{Symbol: symbol, MinOrderQty: 0.001, QtyStep: 0.001}, nil
}
