package bot

import (
	"context"
	"sort"
	"sync"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/marketctx"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// StateBroadcaster - получатель периодической сводки состояния
//
// Реализуется пакетом internal/websocket/Hub.
type StateBroadcaster interface {
	BroadcastState(state *models.EngineState)
}

// contextForgetter - провайдер контекста с кэшем по символу
type contextForgetter interface {
	Forget(symbol string)
}

// EngineDeps - движки и источники, которыми управляет Engine
type EngineDeps struct {
	Positions   exchange.PositionSource
	Limits      *LimitsCache
	Context     marketctx.Provider
	Trailing    *TrailingMonitor
	Planner     *MilestonePlanner
	Rescue      *RescueManager
	TpStore     *TpStateStore
	Observer    *Observer
	Broadcaster StateBroadcaster
}

// Engine - хост движков выхода и риска
//
// Архитектура:
// - TrailingMonitor работает на собственном таймере
// - цикл обновления опрашивает позиции и раскладывает снимки по шардам
// - воркер шарда продвигает milestone планировщик и rescue менеджер
// - периодически рассылает сводку состояния
//
// Поток данных:
// FetchOpenPositions → Router (hash by symbol) → Worker[N] → Planner.Tick → Rescue.OnTick
//
// Один символ всегда попадает в один шард, поэтому тики символа строго упорядочены.
type Engine struct {
	cfg  config.EngineConfig
	deps EngineDeps
	log  *utils.Logger

	refresh *Scheduler
	shards  []chan models.PositionSnapshot

	mu    sync.RWMutex
	known map[string]models.PositionSnapshot

	wg sync.WaitGroup
}

// NewEngine создаёт движок; отсутствующие компоненты просто не участвуют
func NewEngine(cfg config.EngineConfig, deps EngineDeps, log *utils.Logger) *Engine {
	if log == nil {
		log = utils.NopLogger()
	}
	if cfg.NumShards < 1 {
		cfg.NumShards = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if deps.Context == nil {
		deps.Context = marketctx.NoopProvider{}
	}

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		log:    log.WithComponent("engine"),
		shards: make([]chan models.PositionSnapshot, cfg.NumShards),
		known:  make(map[string]models.PositionSnapshot),
	}
	for i := range e.shards {
		e.shards[i] = make(chan models.PositionSnapshot, 256)
	}
	e.refresh = NewScheduler(cfg.RefreshInterval, e.Refresh)
	return e
}

// Run запускает воркеры и таймеры, блокируется до отмены ctx
func (e *Engine) Run(ctx context.Context) error {
	if e.deps.Observer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.deps.Observer.Run(ctx)
		}()
	}

	for i := range e.shards {
		e.wg.Add(1)
		go e.shardWorker(ctx, i)
	}

	if e.deps.Trailing != nil {
		e.deps.Trailing.Start(ctx)
	}
	if e.deps.Planner != nil || e.deps.Rescue != nil {
		e.refresh.Start(ctx)
	}
	if e.deps.Broadcaster != nil && e.cfg.StateBroadcastInterval > 0 {
		e.wg.Add(1)
		go e.broadcastLoop(ctx)
	}

	e.log.Info("engine started",
		utils.Int("shards", len(e.shards)),
		utils.Dur("refresh_interval", e.cfg.RefreshInterval),
		utils.Bool("trailing", e.deps.Trailing != nil),
		utils.Bool("milestone", e.deps.Planner != nil),
		utils.Bool("rescue", e.deps.Rescue != nil))

	<-ctx.Done()

	e.refresh.Stop()
	if e.deps.Trailing != nil {
		e.deps.Trailing.Stop()
	}
	e.wg.Wait()
	e.log.Info("engine stopped")
	return ctx.Err()
}

// Refresh - один цикл опроса позиций и раскладки по шардам
func (e *Engine) Refresh(ctx context.Context) {
	if e.deps.Positions == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	live, err := e.deps.Positions.FetchOpenPositions(fctx)
	cancel()
	if err != nil {
		DataUnavailable.WithLabelValues("engine").Inc()
		e.log.Warn("fetch positions failed", utils.Err(err))
		return
	}

	current := make(map[string]models.PositionSnapshot, len(live))
	symbols := make(map[string]struct{}, len(live))
	for _, p := range live {
		p.Symbol = models.NormalizeSymbol(p.Symbol)
		current[p.Key()] = p
		symbols[p.Symbol] = struct{}{}
	}

	e.mu.Lock()
	prev := e.known
	e.known = current
	e.mu.Unlock()

	for key, p := range prev {
		if _, ok := current[key]; ok {
			continue
		}
		e.forget(ctx, p, symbols)
	}

	for _, p := range current {
		idx := shardIndex(p.Symbol, len(e.shards))
		tryEnqueueSnapshot(e.shards[idx], p, idx)
	}
	UpdateTrackedPositions("engine", len(current))
}

// forget освобождает состояние исчезнувшей позиции
func (e *Engine) forget(ctx context.Context, p models.PositionSnapshot, liveSymbols map[string]struct{}) {
	e.log.Info("position gone", utils.Contract(p.Key()))
	if e.deps.Rescue != nil {
		e.deps.Rescue.Forget(p.Key())
	}
	if _, still := liveSymbols[p.Symbol]; still {
		return
	}
	if e.deps.Planner != nil {
		e.deps.Planner.Close(ctx, p.Symbol)
	}
	if f, ok := e.deps.Context.(contextForgetter); ok {
		f.Forget(p.Symbol)
	}
}

// shardWorker - последовательная обработка снимков одного шарда
func (e *Engine) shardWorker(ctx context.Context, idx int) {
	defer e.wg.Done()
	ch := e.shards[idx]
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			e.handleSnapshot(ctx, snap)
		}
	}
}

// handleSnapshot продвигает planner и rescue по снимку
func (e *Engine) handleSnapshot(ctx context.Context, snap models.PositionSnapshot) {
	if snap.MarkPrice <= 0 {
		DataUnavailable.WithLabelValues("engine").Inc()
		return
	}

	if e.deps.Planner != nil {
		lim := e.deps.Limits.Get(ctx, snap.Symbol)
		e.deps.Planner.Open(ctx, MilestoneParams{
			Symbol:     snap.Symbol,
			Side:       snap.Side,
			Entry:      snap.EntryPrice,
			Size:       snap.Size,
			Leverage:   snap.Leverage,
			Multiplier: snap.ContractMultiplier(),
			LotSize:    lim.QtyStep,
			MinQty:     lim.MinOrderQty,
		})

		phase, confidence := e.phase(ctx, snap.Symbol)
		res := e.deps.Planner.Tick(ctx, snap.Symbol, snap.MarkPrice, phase, confidence)
		if res.Action == TickExit {
			return
		}
	}

	if e.deps.Rescue != nil {
		e.deps.Rescue.OnTick(ctx, snap)
	}
}

func (e *Engine) phase(ctx context.Context, symbol string) (models.TrendPhase, float64) {
	tctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	ta, err := e.deps.Context.GetTA(tctx, symbol)
	if err != nil || ta == nil {
		// без TA выход по фазе не срабатывает
		return models.PhaseUnknown, 100
	}
	if ta.Phase != models.PhaseUnknown {
		return ta.Phase, ta.Confidence
	}
	return marketctx.Phase(ta)
}

// State собирает сводку состояния движков
func (e *Engine) State() *models.EngineState {
	st := &models.EngineState{Timestamp: time.Now()}

	e.mu.RLock()
	st.Positions = make([]models.PositionSnapshot, 0, len(e.known))
	for _, p := range e.known {
		st.Positions = append(st.Positions, p)
	}
	e.mu.RUnlock()
	sort.Slice(st.Positions, func(i, j int) bool { return st.Positions[i].Key() < st.Positions[j].Key() })

	if e.deps.TpStore != nil {
		st.Trailing = e.deps.TpStore.Snapshot()
	}
	if e.deps.Planner != nil {
		st.Milestones = e.deps.Planner.Snapshots()
	}
	if e.deps.Rescue != nil {
		st.Rescue = e.deps.Rescue.States()
	}
	return st
}

// broadcastLoop - периодическая рассылка состояния (не влияет на торговлю)
func (e *Engine) broadcastLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.StateBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.deps.Broadcaster.BroadcastState(e.State())
		}
	}
}
