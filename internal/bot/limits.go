package bot

import (
	"context"
	"sync"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

// LimitsCache - кэш торговых ограничений символа
//
// Без источника или при ошибке возвращает нулевые лимиты:
// объём тогда не округляется и минимум не проверяется.
type LimitsCache struct {
	src     exchange.LimitsSource
	timeout time.Duration

	mu sync.RWMutex
	m  map[string]exchange.Limits
}

// NewLimitsCache создаёт кэш; src может быть nil
func NewLimitsCache(src exchange.LimitsSource, timeout time.Duration) *LimitsCache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LimitsCache{src: src, timeout: timeout, m: make(map[string]exchange.Limits)}
}

// Get возвращает лимиты символа
func (c *LimitsCache) Get(ctx context.Context, symbol string) exchange.Limits {
	symbol = models.NormalizeSymbol(symbol)
	if c == nil || c.src == nil {
		return exchange.Limits{Symbol: symbol}
	}

	c.mu.RLock()
	l, ok := c.m[symbol]
	c.mu.RUnlock()
	if ok {
		return l
	}

	lctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	fetched, err := c.src.GetLimits(lctx, symbol)
	if err != nil || fetched == nil {
		return exchange.Limits{Symbol: symbol}
	}

	c.mu.Lock()
	c.m[symbol] = *fetched
	c.mu.Unlock()
	return *fetched
}
