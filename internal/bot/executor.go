package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Действия исполнителя (метки метрик и событий)
const (
	ActionPartialClose = "partial_close"
	ActionCloseAll     = "close_all"
	ActionOpenAdd      = "open_add"
)

// ErrLocked - контракт занят другой отправкой в окне close lock
var ErrLocked = errors.New("contract locked by a recent submission")

// ErrRejected - биржа вернула ответ без исполнения
var ErrRejected = errors.New("order rejected by exchange")

// ErrNoExecutor - движок создан без исполнителя (только наблюдение)
var ErrNoExecutor = errors.New("no executor configured")

// noopExecutor - исполнитель по умолчанию: всё отклоняет
type noopExecutor struct{}

func (noopExecutor) PartialClose(context.Context, string, models.Side, float64) (*exchange.OrderResult, error) {
	return nil, ErrNoExecutor
}

func (noopExecutor) CloseAll(context.Context, string, models.Side) (*exchange.OrderResult, error) {
	return nil, ErrNoExecutor
}

func (noopExecutor) OpenAdd(context.Context, exchange.AddRequest) (*exchange.OrderResult, error) {
	return nil, ErrNoExecutor
}

// GuardedExecutor - отправка ордеров через close lock
//
// Правила:
// - ключ блокировки = SYMBOL:side, общий для всех движков
// - после успешной отправки ключ держится до истечения окна
// - при ошибке ключ освобождается, следующий цикл решает заново
// - каждый вызов ограничен таймаутом
type GuardedExecutor struct {
	exec    exchange.Executor
	lock    Locker
	timeout time.Duration
	log     *utils.Logger
}

// NewGuardedExecutor создаёт исполнитель
func NewGuardedExecutor(exec exchange.Executor, lock Locker, timeout time.Duration, log *utils.Logger) *GuardedExecutor {
	if exec == nil {
		exec = noopExecutor{}
	}
	if lock == nil {
		lock = NewCloseLock(0, 0)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = utils.NopLogger()
	}
	return &GuardedExecutor{exec: exec, lock: lock, timeout: timeout, log: log.WithComponent("executor")}
}

// PartialClose закрывает qty контрактов
func (g *GuardedExecutor) PartialClose(ctx context.Context, engine, symbol string, side models.Side, qty float64) (*exchange.OrderResult, error) {
	return g.submit(ctx, engine, ActionPartialClose, models.ContractKey(symbol, side), func(ctx context.Context) (*exchange.OrderResult, error) {
		return g.exec.PartialClose(ctx, symbol, side, qty)
	})
}

// CloseAll закрывает весь остаток
func (g *GuardedExecutor) CloseAll(ctx context.Context, engine, symbol string, side models.Side) (*exchange.OrderResult, error) {
	return g.submit(ctx, engine, ActionCloseAll, models.ContractKey(symbol, side), func(ctx context.Context) (*exchange.OrderResult, error) {
		return g.exec.CloseAll(ctx, symbol, side)
	})
}

// OpenAdd увеличивает позицию
func (g *GuardedExecutor) OpenAdd(ctx context.Context, engine string, req exchange.AddRequest) (*exchange.OrderResult, error) {
	return g.submit(ctx, engine, ActionOpenAdd, models.ContractKey(req.Symbol, req.Side), func(ctx context.Context) (*exchange.OrderResult, error) {
		return g.exec.OpenAdd(ctx, req)
	})
}

func (g *GuardedExecutor) submit(
	ctx context.Context,
	engine, action, key string,
	call func(ctx context.Context) (*exchange.OrderResult, error),
) (*exchange.OrderResult, error) {
	if !g.lock.TryAcquire(key) {
		CloseLockContention.WithLabelValues(action).Inc()
		RecordAction(engine, action, "locked")
		return nil, fmt.Errorf("%s %s: %w", action, key, ErrLocked)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	res, err := call(callCtx)
	latency := float64(time.Since(start).Microseconds()) / 1000

	if err == nil && (res == nil || res.Status == exchange.OrderStatusRejected) {
		err = ErrRejected
	}
	if err != nil {
		g.lock.Release(key)
		RecordAction(engine, action, "failed")
		g.log.Warn("submission failed",
			utils.Contract(key),
			utils.String("engine", engine),
			utils.Action(action),
			utils.Latency(latency),
			utils.Err(err))
		return nil, fmt.Errorf("%s %s: %w", action, key, err)
	}

	RecordAction(engine, action, "success")
	RecordSubmission(action, latency)
	g.log.Info("submission confirmed",
		utils.Contract(key),
		utils.String("engine", engine),
		utils.Action(action),
		utils.Qty(res.Qty),
		utils.Price(res.AvgPrice),
		utils.String("order_id", res.OrderID),
		utils.Latency(latency))
	return res, nil
}
