package exchange

import (
	"context"
	"errors"
	"time"

	"riskguard/internal/models"
)

// Биржа - единственный источник истины по цене, размеру и стороне позиции.
// Движки видят её через узкие интерфейсы возможностей, чтобы тесты и
// dry-run могли подставить бумажную биржу.

// PositionSource - открытые позиции аккаунта
type PositionSource interface {
	FetchOpenPositions(ctx context.Context) ([]models.PositionSnapshot, error)
}

// Executor - отправка ордеров. Все вызовы проходят через close lock.
type Executor interface {
	// PartialClose закрывает qty контрактов позиции (reduce-only)
	PartialClose(ctx context.Context, symbol string, side models.Side, qty float64) (*OrderResult, error)

	// CloseAll закрывает весь остаток позиции (reduce-only)
	CloseAll(ctx context.Context, symbol string, side models.Side) (*OrderResult, error)

	// OpenAdd увеличивает позицию на заданный notional в USD
	OpenAdd(ctx context.Context, req AddRequest) (*OrderResult, error)
}

// QuoteSource - котировки
type QuoteSource interface {
	LastPrice(ctx context.Context, symbol string) (float64, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
}

// KlineSource - свечи для расчёта rails и TA
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// LimitsSource - торговые ограничения символа (шаг лота, минимальный объём)
type LimitsSource interface {
	GetLimits(ctx context.Context, symbol string) (*Limits, error)
}

// Exchange - полный набор возможностей адаптера биржи
type Exchange interface {
	GetName() string
	PositionSource
	Executor
	QuoteSource
	KlineSource
	LimitsSource
	Close() error
}

// AddRequest - запрос на увеличение позиции
type AddRequest struct {
	Symbol      string
	Side        models.Side
	NotionalUSD float64
	Leverage    float64
	Tag         string // клиентский идентификатор (reentry-..., dca-...)
}

// OrderResult - подтверждение биржи по ордеру
type OrderResult struct {
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"` // buy, sell
	Qty           float64   `json:"qty"`
	AvgPrice      float64   `json:"avg_price"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// Kline - свеча
type Kline struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Limits содержит торговые ограничения биржи
type Limits struct {
	Symbol      string  `json:"symbol"`
	MinOrderQty float64 `json:"min_order_qty"` // минимальный размер ордера
	MaxOrderQty float64 `json:"max_order_qty"` // максимальный размер ордера
	QtyStep     float64 `json:"qty_step"`      // шаг количества (lot size)
}

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return e.Exchange + ": [" + e.Code + "] " + e.Message
	}
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Ошибки адаптеров
var (
	ErrNoPosition     = errors.New("no open position")
	ErrNoData         = errors.New("market data unavailable")
	ErrInvalidQty     = errors.New("quantity below exchange minimum")
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrNonFinitePrice = errors.New("price is not finite")
)

// Order side constants
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order status constants
const (
	OrderStatusFilled   = "filled"
	OrderStatusNew      = "new"
	OrderStatusRejected = "rejected"
)

// CloseSide - сторона ордера, закрывающего позицию
func CloseSide(side models.Side) string {
	if side == models.SideShort {
		return SideBuy
	}
	return SideSell
}

// OpenSide - сторона ордера, увеличивающего позицию
func OpenSide(side models.Side) string {
	if side == models.SideShort {
		return SideSell
	}
	return SideBuy
}
