package bot

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"riskguard/internal/config"
	"riskguard/internal/marketctx"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// MilestoneStore - постоянное хранилище снимков milestone
type MilestoneStore interface {
	Save(ctx context.Context, snap *models.MilestoneSnapshot) error
	Load(ctx context.Context, symbol string) (*models.MilestoneSnapshot, error)
	Delete(ctx context.Context, symbol string) error
}

// NoopMilestoneStore - хранилище по умолчанию: ничего не сохраняет
type NoopMilestoneStore struct{}

func (NoopMilestoneStore) Save(context.Context, *models.MilestoneSnapshot) error { return nil }
func (NoopMilestoneStore) Load(context.Context, string) (*models.MilestoneSnapshot, error) {
	return nil, nil
}
func (NoopMilestoneStore) Delete(context.Context, string) error { return nil }

// Результаты тика
const (
	TickNone           = "none"
	TickMilestone      = "milestone"
	TickExit           = "exit"
	TickReentryArmed   = "reentry_armed"
	TickReentryFired   = "reentry_fired"
	TickReentryExpired = "reentry_expired"
)

// TickResult - что произошло за тик
type TickResult struct {
	Action string
	Step   int
	Qty    float64
	ROI    float64
}

// MilestoneParams - параметры позиции при открытии
type MilestoneParams struct {
	Symbol     string
	Side       models.Side
	Entry      float64
	Size       float64
	Leverage   float64
	Multiplier float64
	LotSize    float64
	MinQty     float64
}

// MilestoneDeps - коллабораторы планировщика
type MilestoneDeps struct {
	Executor *GuardedExecutor
	Context  marketctx.Provider
	Store    MilestoneStore
	Observer *Observer
	Timeout  time.Duration
	Now      func() time.Time
}

// MilestonePlanner - частичная фиксация по ступеням ROI и reentry
//
// Не имеет своего таймера: продвигается внешними тиками по символу.
// Тики одного символа сериализуются мьютексом состояния.
// Снимок сохраняется после каждого изменения и восстанавливается в Open,
// чтобы рестарт не повторял уже взятые ступени.
type MilestonePlanner struct {
	cfg  config.MilestoneConfig
	deps MilestoneDeps
	log  *utils.Logger

	mu     sync.RWMutex
	states map[string]*milestoneState
}

type milestoneState struct {
	mu   sync.Mutex
	snap models.MilestoneSnapshot
}

// NewMilestonePlanner создаёт планировщик
func NewMilestonePlanner(cfg config.MilestoneConfig, deps MilestoneDeps, log *utils.Logger) *MilestonePlanner {
	if log == nil {
		log = utils.NopLogger()
	}
	if deps.Timeout <= 0 {
		deps.Timeout = 10 * time.Second
	}
	if deps.Executor == nil {
		deps.Executor = NewGuardedExecutor(nil, nil, deps.Timeout, log)
	}
	if deps.Context == nil {
		deps.Context = marketctx.NoopProvider{}
	}
	if deps.Store == nil {
		deps.Store = NoopMilestoneStore{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &MilestonePlanner{
		cfg:    cfg,
		deps:   deps,
		log:    log.WithComponent(models.EngineMilestone),
		states: make(map[string]*milestoneState),
	}
}

// Open начинает сопровождение позиции.
// Повторный Open для уже открытого символа той же стороны ничего не меняет.
func (p *MilestonePlanner) Open(ctx context.Context, params MilestoneParams) models.MilestoneSnapshot {
	symbol := models.NormalizeSymbol(params.Symbol)

	p.mu.Lock()
	if cur, ok := p.states[symbol]; ok {
		p.mu.Unlock()
		cur.mu.Lock()
		snap := cloneSnapshot(cur.snap)
		cur.mu.Unlock()
		if snap.Side == params.Side {
			return snap
		}

		// сторона сменилась: старое состояние больше не относится к позиции
		p.mu.Lock()
		if p.states[symbol] == cur {
			delete(p.states, symbol)
		}
		if again, ok := p.states[symbol]; ok {
			p.mu.Unlock()
			again.mu.Lock()
			defer again.mu.Unlock()
			return cloneSnapshot(again.snap)
		}
	}
	st := &milestoneState{}
	st.mu.Lock()
	p.states[symbol] = st
	p.mu.Unlock()
	defer st.mu.Unlock()

	now := p.deps.Now()
	if restored := p.restore(ctx, symbol, params); restored != nil {
		st.snap = *restored
		st.snap.Leverage = params.Leverage
		st.snap.Multiplier = params.Multiplier
		st.snap.LotSize = params.LotSize
		st.snap.MinQty = params.MinQty
		p.log.Info("milestone state restored",
			utils.Symbol(symbol),
			utils.Any("milestones_hit", st.snap.MilestonesHit),
			utils.Float64("size_live", st.snap.SizeLive))
		return cloneSnapshot(st.snap)
	}

	st.snap = models.MilestoneSnapshot{
		Symbol:     symbol,
		Side:       params.Side,
		Entry:      params.Entry,
		SizeOrig:   params.Size,
		SizeLive:   params.Size,
		Leverage:   params.Leverage,
		Multiplier: params.Multiplier,
		LotSize:    params.LotSize,
		MinQty:     params.MinQty,
		PeakPrice:  params.Entry,
		OpenedAt:   now,
		UpdatedAt:  now,
	}
	p.persist(ctx, &st.snap)
	return cloneSnapshot(st.snap)
}

// restore загружает снимок, если он относится к той же позиции.
// После собственного reentry цена входа усреднена, тогда достаточно стороны.
func (p *MilestonePlanner) restore(ctx context.Context, symbol string, params MilestoneParams) *models.MilestoneSnapshot {
	lctx, cancel := context.WithTimeout(ctx, p.deps.Timeout)
	defer cancel()

	snap, err := p.deps.Store.Load(lctx, symbol)
	if err != nil {
		p.log.Warn("milestone state load failed", utils.Symbol(symbol), utils.Err(err))
		return nil
	}
	if snap == nil || snap.Side != params.Side || snap.SizeLive <= 0 {
		return nil
	}
	if snap.ReentrySpentUSD == 0 && !sameEntry(snap.Entry, params.Entry) {
		return nil
	}
	return snap
}

func sameEntry(a, b float64) bool {
	if b == 0 {
		return a == 0
	}
	return math.Abs(a-b)/math.Abs(b) < 1e-6
}

// Tick продвигает планировщик по новой цене
func (p *MilestonePlanner) Tick(ctx context.Context, symbol string, price float64, phase models.TrendPhase, confidence float64) TickResult {
	symbol = models.NormalizeSymbol(symbol)

	p.mu.RLock()
	st, ok := p.states[symbol]
	p.mu.RUnlock()
	if !ok {
		return TickResult{Action: TickNone}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	s := &st.snap
	if s.SizeLive <= 0 {
		return TickResult{Action: TickNone}
	}

	EvaluationsTotal.WithLabelValues(models.EngineMilestone).Inc()
	if price <= 0 || !utils.IsFinite(price) {
		DataUnavailable.WithLabelValues(models.EngineMilestone).Inc()
		return TickResult{Action: TickNone}
	}

	// 1. ROI
	roi, ok := DerivedROI(s.Side, s.Entry, price, s.SizeLive, s.Leverage, s.Multiplier)
	if !ok {
		ROIIndeterminate.WithLabelValues(models.EngineMilestone).Inc()
		p.log.Warn("roi indeterminate, skipping",
			utils.Symbol(symbol), utils.Price(price), utils.Float64("entry", s.Entry), utils.Float64("leverage", s.Leverage))
		return TickResult{Action: TickNone}
	}
	contract := models.ContractKey(symbol, s.Side)
	changed := false

	// 2. Пик
	if favorable(s.Side, price, s.PeakPrice) {
		s.PeakPrice = price
		s.PeakROI = models.Float(roi)
		if s.Armed {
			s.TrailStop = models.Float(p.trailStop(s.Side, price))
		}
		changed = true

		e := newEvent(models.EngineMilestone, contract, models.EventStateNewPeak, "new peak")
		e.ROI = models.Float(roi)
		e.Peak = models.Float(roi)
		e.Meta = map[string]interface{}{"price": price}
		if s.TrailStop != nil {
			e.Meta["trail_stop"] = *s.TrailStop
		}
		p.deps.Observer.Observe(e)
	}

	// 3. Ступени; неудачная отправка завершает тик без изменения состояния.
	// Взятая ступень тоже завершает тик: контракт заблокирован частичным
	// закрытием, проверка выхода идёт на следующем тике.
	if res, done := p.scanMilestones(ctx, s, contract, price, roi); done {
		if res.Action != TickNone || changed {
			p.persist(ctx, s)
		}
		return res
	}

	// 4. Выход
	if s.Armed {
		if res, done := p.checkExit(ctx, s, contract, price, roi, phase, confidence); done {
			if res.Action != TickNone || changed {
				p.persist(ctx, s)
			}
			return res
		}
	}

	// 5-6. Reentry
	res, reChanged := p.advanceReentry(ctx, s, contract, price, roi)
	if changed || reChanged {
		p.persist(ctx, s)
	}
	return res
}

// scanMilestones срабатывает не более одной ступени за тик, по возрастанию.
// done = тик завершён (ступень взята или отправка не удалась).
func (p *MilestonePlanner) scanMilestones(ctx context.Context, s *models.MilestoneSnapshot, contract string, price, roi float64) (TickResult, bool) {
	k := nextStep(s.MilestonesHit, p.cfg.MaxSteps)
	if k == 0 || roi < float64(k)*p.cfg.StepROI {
		return TickResult{}, false
	}

	take := utils.RoundQty(s.SizeOrig*p.cfg.TakeFraction, s.LotSize, s.MinQty)
	qty := math.Min(take, s.SizeLive)

	fill := price
	if qty > 0 {
		res, err := p.deps.Executor.PartialClose(ctx, models.EngineMilestone, s.Symbol, s.Side, qty)
		if err != nil {
			return TickResult{Action: TickNone, ROI: roi}, true
		}
		if res.AvgPrice > 0 {
			fill = res.AvgPrice
		}
	} else {
		p.log.Info("milestone qty below exchange minimum, marking step", utils.Symbol(s.Symbol), utils.Int("step", k))
	}

	s.MilestonesHit = append(s.MilestonesHit, k)
	if qty > 0 {
		s.SizeLive = utils.SubQty(s.SizeLive, qty)
		s.Partials = append(s.Partials, qty)
		if pnl := UnrealizedPNL(s.Side, s.Entry, fill, qty, s.Multiplier); pnl > 0 {
			s.RealizedUSD += pnl
			RealizedUSD.Add(pnl)
		}
	}
	if !s.Armed {
		s.Armed = true
		s.TrailStop = models.Float(p.trailStop(s.Side, price))
	}

	e := newEvent(models.EngineMilestone, contract, models.EventStateMilestone, "milestone partial take")
	e.ROI = models.Float(roi)
	e.Peak = s.PeakROI
	e.Meta = map[string]interface{}{
		"step":         k,
		"qty":          qty,
		"size_live":    s.SizeLive,
		"realized_usd": s.RealizedUSD,
		"trail_stop":   *s.TrailStop,
	}
	p.deps.Observer.Observe(e)

	return TickResult{Action: TickMilestone, Step: k, Qty: qty, ROI: roi}, true
}

// checkExit - пересечение trailStop против позиции или слабая фаза разворота
func (p *MilestonePlanner) checkExit(
	ctx context.Context,
	s *models.MilestoneSnapshot,
	contract string,
	price, roi float64,
	phase models.TrendPhase,
	confidence float64,
) (TickResult, bool) {
	reason := ""
	switch {
	case s.TrailStop != nil && crossedAdverse(s.Side, price, *s.TrailStop):
		reason = "trail_stop"
	case phase.IsExhaustion() && confidence < p.cfg.MinExitConfidence:
		reason = "phase_" + string(phase)
	default:
		return TickResult{}, false
	}

	if _, err := p.deps.Executor.CloseAll(ctx, models.EngineMilestone, s.Symbol, s.Side); err != nil {
		return TickResult{Action: TickNone, ROI: roi}, true
	}

	qty := s.SizeLive
	s.Partials = append(s.Partials, qty)
	s.SizeLive = 0
	s.Reentry = models.ReentryPlan{}

	e := newEvent(models.EngineMilestone, contract, models.EventStateExit, "milestone exit, remainder closed")
	e.ROI = models.Float(roi)
	e.Peak = s.PeakROI
	e.Meta = map[string]interface{}{"reason": reason, "qty": qty, "phase": string(phase), "confidence": confidence}
	p.deps.Observer.Observe(e)

	return TickResult{Action: TickExit, Qty: qty, ROI: roi}, true
}

// Close завершает сопровождение (позиция закрыта на бирже)
func (p *MilestonePlanner) Close(ctx context.Context, symbol string) {
	symbol = models.NormalizeSymbol(symbol)

	p.mu.Lock()
	_, ok := p.states[symbol]
	delete(p.states, symbol)
	p.mu.Unlock()
	if !ok {
		return
	}

	dctx, cancel := context.WithTimeout(ctx, p.deps.Timeout)
	defer cancel()
	if err := p.deps.Store.Delete(dctx, symbol); err != nil {
		RecordPersistenceError("milestone")
		p.log.Warn("milestone state delete failed", utils.Symbol(symbol), utils.Err(err))
	}
}

// Snapshot возвращает копию состояния символа
func (p *MilestonePlanner) Snapshot(symbol string) (models.MilestoneSnapshot, bool) {
	p.mu.RLock()
	st, ok := p.states[models.NormalizeSymbol(symbol)]
	p.mu.RUnlock()
	if !ok {
		return models.MilestoneSnapshot{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return cloneSnapshot(st.snap), true
}

// Snapshots возвращает копии всех состояний, по символу
func (p *MilestonePlanner) Snapshots() []models.MilestoneSnapshot {
	p.mu.RLock()
	states := make([]*milestoneState, 0, len(p.states))
	for _, st := range p.states {
		states = append(states, st)
	}
	p.mu.RUnlock()

	out := make([]models.MilestoneSnapshot, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, cloneSnapshot(st.snap))
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Tracked - символы под сопровождением
func (p *MilestonePlanner) Tracked() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.states)
}

func (p *MilestonePlanner) persist(ctx context.Context, s *models.MilestoneSnapshot) {
	s.UpdatedAt = p.deps.Now()
	c := cloneSnapshot(*s)

	wctx, cancel := context.WithTimeout(ctx, p.deps.Timeout)
	defer cancel()
	if err := p.deps.Store.Save(wctx, &c); err != nil {
		RecordPersistenceError("milestone")
		p.log.Warn("milestone state write failed", utils.Symbol(s.Symbol), utils.Err(err))
	}
}

func (p *MilestonePlanner) trailStop(side models.Side, price float64) float64 {
	if side == models.SideShort {
		return price * (1 + p.cfg.TrailDropPct)
	}
	return price * (1 - p.cfg.TrailDropPct)
}

// nextStep - наименьшая невзятая ступень (1..max), 0 если все взяты
func nextStep(hit []int, max int) int {
	taken := make(map[int]bool, len(hit))
	for _, k := range hit {
		taken[k] = true
	}
	for k := 1; k <= max; k++ {
		if !taken[k] {
			return k
		}
	}
	return 0
}

// favorable - цена обновила экстремум в сторону позиции
func favorable(side models.Side, price, peak float64) bool {
	if side == models.SideShort {
		return price < peak
	}
	return price > peak
}

// crossedAdverse - цена пересекла уровень против позиции
func crossedAdverse(side models.Side, price, level float64) bool {
	if side == models.SideShort {
		return price >= level
	}
	return price <= level
}

func cloneSnapshot(s models.MilestoneSnapshot) models.MilestoneSnapshot {
	c := s
	c.MilestonesHit = append([]int(nil), s.MilestonesHit...)
	c.Partials = append([]float64(nil), s.Partials...)
	if s.TrailStop != nil {
		c.TrailStop = models.Float(*s.TrailStop)
	}
	if s.PeakROI != nil {
		c.PeakROI = models.Float(*s.PeakROI)
	}
	return c
}
