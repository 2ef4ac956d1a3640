package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket для исходящих запросов к бирже
//
// Ведро наполняется со скоростью rate токенов/сек до ёмкости burst.
// Запрос с весом w забирает w токенов (у Binance разные эндпоинты
// имеют разный weight).
//
//	limiter := NewRateLimiter(20, 40)
//	if err := limiter.WaitN(ctx, 5); err != nil { ... }
type RateLimiter struct {
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewRateLimiter создаёт лимитер (rate <= 0 -> 10/s, burst < rate -> 2*rate)
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate * 2
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// refill вызывается под mu
func (rl *RateLimiter) refill() {
	now := time.Now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// Wait ждёт один токен
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.WaitN(ctx, 1)
}

// WaitN ждёт n токенов или отмены контекста.
// Вес больше burst урезается до burst, иначе ожидание было бы бесконечным.
func (rl *RateLimiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	for {
		rl.mu.Lock()
		need := float64(n)
		if need > rl.burst {
			need = rl.burst
		}
		rl.refill()
		if rl.tokens >= need {
			rl.tokens -= need
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((need - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens - текущее число токенов (для метрик)
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// ============================================================
// MultiLimiter - раздельные лимиты по категориям запросов
// ============================================================

// Категории запросов к бирже
const (
	CategoryOrders = "orders" // создание ордеров
	CategoryMarket = "market" // котировки, свечи, exchangeInfo
	CategoryRisk   = "risk"   // позиции и аккаунт
)

// MultiLimiter держит отдельный bucket на категорию.
// Категория без лимита не ограничивается.
type MultiLimiter struct {
	limiters map[string]*RateLimiter
	mu       sync.RWMutex
}

// NewMultiLimiter создаёт пустой MultiLimiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*RateLimiter)}
}

// Add задаёт лимит категории
func (ml *MultiLimiter) Add(category string, rate, burst float64) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ml.limiters[category] = NewRateLimiter(rate, burst)
}

// Wait ждёт токен категории
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	return ml.WaitN(ctx, category, 1)
}

// WaitN ждёт n токенов категории
func (ml *MultiLimiter) WaitN(ctx context.Context, category string, n int) error {
	ml.mu.RLock()
	l, ok := ml.limiters[category]
	ml.mu.RUnlock()
	if !ok {
		return nil
	}
	return l.WaitN(ctx, n)
}

// Get возвращает лимитер категории (nil если не задан)
func (ml *MultiLimiter) Get(category string) *RateLimiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.limiters[category]
}
