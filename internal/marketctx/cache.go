package marketctx

import (
	"context"
	"sync"
	"time"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Устаревшее значение отдаётся при ошибке не дольше staleFactor×ttl
const staleFactor = 2

// CachedProvider кеширует ответы провайдера на ttl.
// При ошибке обновления отдаёт устаревшее значение, пока его возраст
// не превысил maxStale; дальше ошибка пробрасывается и движки
// переходят на деградированный режим.
type CachedProvider struct {
	inner    Provider
	ttl      time.Duration
	maxStale time.Duration
	now      func() time.Time
	log   *utils.Logger

	mu    sync.Mutex
	rails map[string]cachedRails
	ta    map[string]cachedTA
}

type cachedRails struct {
	value models.Rails
	at    time.Time
}

type cachedTA struct {
	value *models.TA
	at    time.Time
}

// NewCachedProvider оборачивает inner кешем
func NewCachedProvider(inner Provider, ttl time.Duration, log *utils.Logger) *CachedProvider {
	if log == nil {
		log = utils.NopLogger()
	}
	return &CachedProvider{
		inner:    inner,
		ttl:      ttl,
		maxStale: staleFactor * ttl,
		now:      time.Now,
		log:   log.WithComponent("marketctx"),
		rails: make(map[string]cachedRails),
		ta:    make(map[string]cachedTA),
	}
}

// GetRails возвращает rails из кеша или провайдера
func (c *CachedProvider) GetRails(ctx context.Context, symbol string) (models.Rails, error) {
	symbol = models.NormalizeSymbol(symbol)

	c.mu.Lock()
	entry, ok := c.rails[symbol]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.at) < c.ttl {
		return entry.value, nil
	}

	rails, err := c.inner.GetRails(ctx, symbol)
	if err != nil {
		if ok && c.now().Sub(entry.at) < c.maxStale {
			c.log.Debug("serving stale rails", utils.Symbol(symbol), utils.Err(err))
			return entry.value, nil
		}
		if ok {
			c.mu.Lock()
			delete(c.rails, symbol)
			c.mu.Unlock()
			c.log.Warn("cached rails too old, dropping", utils.Symbol(symbol), utils.Err(err))
		}
		return nil, err
	}

	c.mu.Lock()
	c.rails[symbol] = cachedRails{value: rails, at: c.now()}
	c.mu.Unlock()
	return rails, nil
}

// GetTA возвращает TA из кеша или провайдера
func (c *CachedProvider) GetTA(ctx context.Context, symbol string) (*models.TA, error) {
	symbol = models.NormalizeSymbol(symbol)

	c.mu.Lock()
	entry, ok := c.ta[symbol]
	c.mu.Unlock()
	if ok && c.now().Sub(entry.at) < c.ttl {
		return entry.value, nil
	}

	ta, err := c.inner.GetTA(ctx, symbol)
	if err != nil {
		if ok && c.now().Sub(entry.at) < c.maxStale {
			c.log.Debug("serving stale ta", utils.Symbol(symbol), utils.Err(err))
			return entry.value, nil
		}
		if ok {
			c.mu.Lock()
			delete(c.ta, symbol)
			c.mu.Unlock()
			c.log.Warn("cached ta too old, dropping", utils.Symbol(symbol), utils.Err(err))
		}
		return nil, err
	}

	c.mu.Lock()
	c.ta[symbol] = cachedTA{value: ta, at: c.now()}
	c.mu.Unlock()
	return ta, nil
}

// Forget удаляет символ из кеша (позиция закрыта)
func (c *CachedProvider) Forget(symbol string) {
	symbol = models.NormalizeSymbol(symbol)
	c.mu.Lock()
	delete(c.rails, symbol)
	delete(c.ta, symbol)
	c.mu.Unlock()
}
