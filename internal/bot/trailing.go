package bot

import (
	"context"
	"math"
	"sync"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// TrailingDeps - коллабораторы ROI trailing монитора
type TrailingDeps struct {
	Ledger     Ledger
	Positions  exchange.PositionSource
	Limits     *LimitsCache
	Executor   *GuardedExecutor
	Store      *TpStateStore
	Reconciler *Reconciler
	Observer   *Observer
	Timeout    time.Duration
}

// TrailingMonitor - ROI trailing монитор
//
// Каждый цикл: сделки журнала -> позиции биржи -> сверка -> оценка.
// Порядок оценки: стоп-лосс, TP1 (частичное закрытие и взвод трейлинга),
// трейлинг от пика ROI, иначе удержание.
// Ошибки сети и данных пропускают символ до следующего цикла.
type TrailingMonitor struct {
	cfg  config.TrailingConfig
	deps TrailingDeps
	log  *utils.Logger

	scheduler *Scheduler
}

// NewTrailingMonitor создаёт монитор
func NewTrailingMonitor(cfg config.TrailingConfig, deps TrailingDeps, log *utils.Logger) *TrailingMonitor {
	if log == nil {
		log = utils.NopLogger()
	}
	if deps.Ledger == nil {
		deps.Ledger = NoopLedger{}
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 10 * time.Second
	}
	if deps.Store == nil {
		deps.Store = NewTpStateStore(nil, deps.Timeout, log)
	}
	if deps.Executor == nil {
		deps.Executor = NewGuardedExecutor(nil, nil, deps.Timeout, log)
	}
	if deps.Reconciler == nil {
		deps.Reconciler = NewReconciler(deps.Ledger, nil, deps.Store, deps.Observer, deps.Timeout, log)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	m := &TrailingMonitor{cfg: cfg, deps: deps, log: log.WithComponent(models.EngineTrailing)}
	m.scheduler = NewScheduler(cfg.Interval, m.RunCycle)
	return m
}

// Start запускает таймер монитора; false - уже запущен
func (m *TrailingMonitor) Start(ctx context.Context) bool {
	started := m.scheduler.Start(ctx)
	if started {
		m.log.Info("trailing monitor started", utils.Dur("interval", m.cfg.Interval))
	}
	return started
}

// Stop останавливает таймер
func (m *TrailingMonitor) Stop() {
	m.scheduler.Stop()
}

// Running - таймер активен
func (m *TrailingMonitor) Running() bool {
	return m.scheduler.Running()
}

// RunCycle выполняет один цикл оценки
func (m *TrailingMonitor) RunCycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		CycleDuration.WithLabelValues(models.EngineTrailing).Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	lctx, cancel := context.WithTimeout(ctx, m.deps.Timeout)
	trades, err := m.deps.Ledger.OpenTrades(lctx)
	cancel()
	if err != nil {
		DataUnavailable.WithLabelValues(models.EngineTrailing).Inc()
		m.log.Warn("ledger read failed", utils.Err(err))
		return
	}
	if len(trades) == 0 {
		UpdateTrackedPositions(models.EngineTrailing, 0)
		return
	}

	if m.deps.Positions == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.deps.Timeout)
	live, err := m.deps.Positions.FetchOpenPositions(pctx)
	cancel()
	if err != nil {
		// без списка позиций нельзя ни сверять, ни закрывать
		DataUnavailable.WithLabelValues(models.EngineTrailing).Inc()
		m.log.Warn("fetch positions failed", utils.Err(err))
		return
	}

	remaining := m.deps.Reconciler.Reconcile(ctx, trades, live)

	byKey := make(map[string]models.PositionSnapshot, len(live))
	for _, p := range live {
		byKey[p.Key()] = p
	}

	seen := make(map[string]struct{}, len(remaining))
	sem := make(chan struct{}, m.cfg.MaxParallel)
	var wg sync.WaitGroup
	tracked := 0

	for _, t := range remaining {
		if !t.HasTargets() {
			continue
		}
		key := t.Key()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		snap, ok := byKey[key]
		if !ok {
			continue
		}
		tracked++

		wg.Add(1)
		sem <- struct{}{}
		go func(t models.Trade, snap models.PositionSnapshot) {
			defer wg.Done()
			defer func() { <-sem }()
			m.evaluate(ctx, t, snap)
		}(t, snap)
	}
	wg.Wait()

	UpdateTrackedPositions(models.EngineTrailing, tracked)
}

// evaluate оценивает одну сделку
func (m *TrailingMonitor) evaluate(ctx context.Context, t models.Trade, snap models.PositionSnapshot) {
	EvaluationsTotal.WithLabelValues(models.EngineTrailing).Inc()
	key := t.Key()
	log := m.log.WithContract(key)

	roi, err := ComputeROI(snap)
	if err != nil {
		ROIIndeterminate.WithLabelValues(models.EngineTrailing).Inc()
		log.Warn("roi indeterminate, skipping", utils.Err(err))
		return
	}

	st, err := m.deps.Store.Get(ctx, key)
	if err != nil {
		DataUnavailable.WithLabelValues(models.EngineTrailing).Inc()
		log.Warn("tp state read failed, skipping", utils.Err(err))
		return
	}
	changed := false
	if st == nil {
		st = models.NewTpState(key, snap.Size)
		changed = true
	}
	if math.Abs(st.LastSeenQty-snap.Size) > 1e-12 {
		if !changed {
			log.Info("position size changed externally",
				utils.Float64("last_seen_qty", st.LastSeenQty), utils.Qty(snap.Size))
		}
		st.LastSeenQty = snap.Size
		changed = true
	}

	// 1. Стоп-лосс
	if t.SLPercent > 0 && roi <= -t.SLPercent {
		if _, err := m.deps.Executor.CloseAll(ctx, models.EngineTrailing, snap.Symbol, snap.Side); err != nil {
			m.persistIf(ctx, st, changed)
			return
		}
		StopLossTriggered.WithLabelValues(snap.Symbol).Inc()
		m.deps.Store.Delete(ctx, key)

		e := newEvent(models.EngineTrailing, key, models.EventStateStopLoss, "stop loss hit, position closed")
		e.Severity = models.SeverityWarn
		e.ROI = models.Float(roi)
		e.Meta = map[string]interface{}{"sl_percent": t.SLPercent}
		m.deps.Observer.Observe(e)
		return
	}

	// 2. TP1: порог из конфигурации; TP% сделки только включает наблюдение
	tp1 := m.cfg.TP1ROI
	if !st.TP1Done && roi >= tp1 {
		lim := m.deps.Limits.Get(ctx, snap.Symbol)
		qty := utils.RoundQty(snap.Size*m.cfg.TP1Fraction, lim.QtyStep, lim.MinOrderQty)
		if qty > 0 {
			if _, err := m.deps.Executor.PartialClose(ctx, models.EngineTrailing, snap.Symbol, snap.Side, qty); err != nil {
				m.persistIf(ctx, st, changed)
				return
			}
		} else {
			log.Info("tp1 qty below exchange minimum, arming without close", utils.Qty(snap.Size))
		}

		st.TP1Done = true
		st.TrailArmed = true
		st.PeakROI = roi
		st.LastSeenQty = utils.SubQty(snap.Size, qty)
		m.deps.Store.Put(ctx, st)

		e := newEvent(models.EngineTrailing, key, models.EventStateTP1, "tp1 taken, trailing armed")
		e.ROI = models.Float(roi)
		e.Peak = models.Float(roi)
		e.Meta = map[string]interface{}{"qty": qty, "tp1_roi": tp1}
		m.deps.Observer.Observe(e)
		return
	}

	// 3. Трейлинг от пика
	if st.TrailArmed {
		if roi > st.PeakROI {
			st.PeakROI = roi
			changed = true
		}
		trigger := st.PeakROI * (1 - m.cfg.GiveBack)
		if roi <= trigger {
			if _, err := m.deps.Executor.CloseAll(ctx, models.EngineTrailing, snap.Symbol, snap.Side); err != nil {
				m.persistIf(ctx, st, changed)
				return
			}
			m.deps.Store.Delete(ctx, key)

			e := newEvent(models.EngineTrailing, key, models.EventStateTrailExit, "trailing stop hit, remainder closed")
			e.ROI = models.Float(roi)
			e.Peak = models.Float(st.PeakROI)
			e.Meta = map[string]interface{}{"trigger": trigger}
			m.deps.Observer.Observe(e)
			return
		}
	}

	// 4. Удержание
	m.persistIf(ctx, st, changed)

	e := newEvent(models.EngineTrailing, key, models.EventStateProgress, "holding")
	e.ROI = models.Float(roi)
	if st.TrailArmed {
		e.Peak = models.Float(st.PeakROI)
	}
	m.deps.Observer.Observe(e)
}

func (m *TrailingMonitor) persistIf(ctx context.Context, st *models.TpState, changed bool) {
	if changed {
		m.deps.Store.Put(ctx, st)
	}
}
