package bot

import (
	"context"
	"errors"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Ledger - журнал сделок: какие позиции считаются открытыми локально
type Ledger interface {
	OpenTrades(ctx context.Context) ([]models.Trade, error)
	RecordExit(ctx context.Context, exit models.TradeExit) error
}

// NoopLedger - журнал по умолчанию: открытых сделок нет
type NoopLedger struct{}

func (NoopLedger) OpenTrades(context.Context) ([]models.Trade, error) { return nil, nil }
func (NoopLedger) RecordExit(context.Context, models.TradeExit) error { return nil }

// Источники цены выхода при сверке
const (
	ExitSourceQuote = "quote"
	ExitSourceMark  = "mark"
	ExitSourceEntry = "entry"

	exitReasonAbsent = "absent_on_exchange"
)

// Reconciler - сверка локально открытых сделок с биржей
//
// Сделка, которой нет в списке живых позиций, закрыта биржей или вручную.
// Сверка только пишет журнал и удаляет TpState, ордера не отправляет.
type Reconciler struct {
	ledger   Ledger
	quotes   exchange.QuoteSource
	store    *TpStateStore
	observer *Observer
	timeout  time.Duration
	log      *utils.Logger
}

// NewReconciler создаёт сверку; quotes может быть nil (цена входа)
func NewReconciler(ledger Ledger, quotes exchange.QuoteSource, store *TpStateStore, observer *Observer, timeout time.Duration, log *utils.Logger) *Reconciler {
	if ledger == nil {
		ledger = NoopLedger{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = utils.NopLogger()
	}
	return &Reconciler{
		ledger:   ledger,
		quotes:   quotes,
		store:    store,
		observer: observer,
		timeout:  timeout,
		log:      log.WithComponent("reconcile"),
	}
}

// Reconcile закрывает локально сделки, отсутствующие на бирже,
// и возвращает сделки, для которых есть живая позиция
func (r *Reconciler) Reconcile(ctx context.Context, trades []models.Trade, live []models.PositionSnapshot) []models.Trade {
	liveKeys := make(map[string]struct{}, len(live))
	for _, p := range live {
		liveKeys[p.Key()] = struct{}{}
	}

	remaining := make([]models.Trade, 0, len(trades))
	for _, t := range trades {
		if _, ok := liveKeys[t.Key()]; ok {
			remaining = append(remaining, t)
			continue
		}
		r.closeLocally(ctx, t)
	}
	return remaining
}

func (r *Reconciler) closeLocally(ctx context.Context, t models.Trade) {
	key := t.Key()
	price, source := r.resolveExitPrice(ctx, t)

	wctx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.ledger.RecordExit(wctx, models.TradeExit{
		TradeID:   t.ID,
		ExitPrice: price,
		Source:    source,
		Reason:    exitReasonAbsent,
		ClosedAt:  time.Now().UTC(),
	})
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, models.ErrTradeNotOpen):
		// уже закрыта предыдущей сверкой
		if r.store != nil {
			r.store.Delete(ctx, key)
		}
		return
	default:
		RecordPersistenceError("ledger")
		r.log.Warn("record exit failed", utils.Contract(key), utils.Int64("trade_id", t.ID), utils.Err(err))
		return
	}

	if r.store != nil {
		r.store.Delete(ctx, key)
	}
	EvaluationsTotal.WithLabelValues(models.EngineReconcile).Inc()

	e := newEvent(models.EngineReconcile, key, models.EventStateReconciled, "position absent on exchange, closed locally")
	e.Meta = map[string]interface{}{"exit_price": price, "source": source, "trade_id": t.ID}
	r.observer.Observe(e)
}

// resolveExitPrice - котировка, затем mark, затем цена входа
func (r *Reconciler) resolveExitPrice(ctx context.Context, t models.Trade) (float64, string) {
	if r.quotes != nil {
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		if p, err := r.quotes.LastPrice(qctx, t.Symbol); err == nil && p > 0 && utils.IsFinite(p) {
			return p, ExitSourceQuote
		}
		if p, err := r.quotes.MarkPrice(qctx, t.Symbol); err == nil && p > 0 && utils.IsFinite(p) {
			return p, ExitSourceMark
		}
	}
	return t.EntryPrice, ExitSourceEntry
}
