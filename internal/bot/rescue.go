package bot

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/marketctx"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Решения rescue менеджера
const (
	RescueHold     = "hold"
	RescueHardCut  = "hard_cut"
	RescueEscape   = "escape"
	RescueDCA      = "dca"
	RescueTimeTrim = "time_trim"
)

// DecisionInput - всё, что нужно для решения, кроме оценок
type DecisionInput struct {
	Now           time.Time
	LastImproveAt time.Time
	OrigNotional  float64 // исходная стоимость позиции по цене входа, USD
	CurNotional   float64 // текущая стоимость по средней цене входа, USD
}

// Decision - результат решения
type Decision struct {
	Action   string  `json:"action"`
	Fraction float64 `json:"fraction,omitempty"` // доля текущего объёма для escape/time_trim
	AddUSD   float64 `json:"add_usd,omitempty"`  // notional докупки для dca
	Reason   string  `json:"reason,omitempty"`
}

// Decide выбирает действие. Первое совпадение побеждает:
// hard_cut, escape, dca, time_trim, иначе hold.
func Decide(cfg config.RescueConfig, s Scores, in DecisionInput) Decision {
	if s.Danger >= cfg.HardCutDanger {
		return Decision{Action: RescueHardCut, Reason: "danger"}
	}

	if s.Danger >= cfg.EscapeDanger && s.Momentum < cfg.EscapeMaxMomentum && s.Structure < cfg.EscapeMaxStructure {
		over := utils.Clamp((s.Danger-cfg.EscapeDanger)/(cfg.HardCutDanger-cfg.EscapeDanger), 0, 1)
		return Decision{
			Action:   RescueEscape,
			Fraction: cfg.EscapeTrimMin + over*(cfg.EscapeTrimMax-cfg.EscapeTrimMin),
			Reason:   "danger_without_support",
		}
	}

	if s.Momentum >= cfg.DCAMinMomentum && s.Structure >= cfg.DCAMinStructure && in.OrigNotional > 0 {
		room := cfg.DCAMaxMultiple*in.OrigNotional - in.CurNotional
		add := math.Min(cfg.DCAFraction*in.OrigNotional, room)
		if add >= cfg.DCAMinUSD {
			return Decision{Action: RescueDCA, AddUSD: add, Reason: "momentum_and_structure"}
		}
	}

	if cfg.TimeTrimAfter > 0 && !in.LastImproveAt.IsZero() && in.Now.Sub(in.LastImproveAt) >= cfg.TimeTrimAfter {
		return Decision{Action: RescueTimeTrim, Fraction: cfg.TimeTrimFraction, Reason: "no_improvement"}
	}

	return Decision{Action: RescueHold}
}

// RescueResult - итог тика rescue
type RescueResult struct {
	Decision
	Scores    Scores  `json:"scores"`
	ROI       float64 `json:"roi"`
	Submitted bool    `json:"submitted"`
}

// RescueDeps - коллабораторы rescue менеджера
type RescueDeps struct {
	Executor *GuardedExecutor
	Context  marketctx.Provider
	Limits   *LimitsCache
	Observer *Observer
	Timeout  time.Duration
	Now      func() time.Time
}

// RescueManager - управление просадкой
//
// Частота тиков задаётся вызывающим. Действует только при ROI < 0;
// в прибыли лишь обновляет лучший ROI. Между действиями (кроме hard_cut)
// выдерживается пауза. Неудачную отправку сам не повторяет.
type RescueManager struct {
	cfg  config.RescueConfig
	deps RescueDeps
	log  *utils.Logger

	mu     sync.Mutex
	states map[string]*rescueState
}

type rescueState struct {
	side          models.Side
	openedAt      time.Time
	bestROI       float64
	lastImproveAt time.Time
	lastAct       string
	lastActAt     time.Time
	origNotional  float64
	addedUSD      float64
}

// NewRescueManager создаёт менеджер
func NewRescueManager(cfg config.RescueConfig, deps RescueDeps, log *utils.Logger) *RescueManager {
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
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &RescueManager{
		cfg:    cfg,
		deps:   deps,
		log:    log.WithComponent(models.EngineRescue),
		states: make(map[string]*rescueState),
	}
}

// OnTick оценивает позицию и выполняет не более одного действия
func (m *RescueManager) OnTick(ctx context.Context, snap models.PositionSnapshot) RescueResult {
	EvaluationsTotal.WithLabelValues(models.EngineRescue).Inc()
	key := snap.Key()
	hold := RescueResult{Decision: Decision{Action: RescueHold}}

	roi, err := ComputeROI(snap)
	if err != nil {
		ROIIndeterminate.WithLabelValues(models.EngineRescue).Inc()
		m.log.Warn("roi indeterminate, skipping", utils.Contract(key), utils.Err(err))
		return hold
	}
	hold.ROI = roi

	now := m.deps.Now()
	st := m.track(key, snap, roi, now)

	if roi >= 0 {
		return hold
	}

	rails, ta := m.marketContext(ctx, snap.Symbol)
	scores := ComputeScores(m.cfg, ScoreInput{
		Side:        snap.Side,
		ROI:         roi,
		Mark:        snap.MarkPrice,
		Liquidation: snap.LiquidationPrice,
		Rails:       rails,
		TA:          ta,
	})
	RecordRescueScores(scores)

	m.mu.Lock()
	in := DecisionInput{
		Now:           now,
		LastImproveAt: st.lastImproveAt,
		OrigNotional:  st.origNotional,
		CurNotional:   snap.EntryPrice * snap.Size * snap.ContractMultiplier(),
	}
	lastActAt := st.lastActAt
	m.mu.Unlock()

	d := Decide(m.cfg, scores, in)
	res := RescueResult{Decision: d, Scores: scores, ROI: roi}
	if d.Action == RescueHold {
		return res
	}
	if d.Action != RescueHardCut && !lastActAt.IsZero() && now.Sub(lastActAt) < m.cfg.ActionCooldown {
		res.Decision = Decision{Action: RescueHold, Reason: "cooldown"}
		return res
	}

	if !m.execute(ctx, snap, &res) {
		return res
	}
	res.Submitted = true

	m.mu.Lock()
	switch d.Action {
	case RescueHardCut:
		delete(m.states, key)
	case RescueDCA:
		st.addedUSD += d.AddUSD
		fallthrough
	default:
		st.lastAct = d.Action
		st.lastActAt = now
		if d.Action == RescueTimeTrim {
			st.lastImproveAt = now
		}
	}
	m.mu.Unlock()

	m.emit(key, res)
	return res
}

// track обновляет лучший ROI; новая сторона начинает состояние заново
func (m *RescueManager) track(key string, snap models.PositionSnapshot, roi float64, now time.Time) *rescueState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[key]
	if !ok || st.side != snap.Side {
		st = &rescueState{
			side:          snap.Side,
			openedAt:      now,
			bestROI:       roi,
			lastImproveAt: now,
			origNotional:  snap.EntryPrice * snap.Size * snap.ContractMultiplier(),
		}
		m.states[key] = st
		return st
	}
	if roi > st.bestROI {
		st.bestROI = roi
		st.lastImproveAt = now
	}
	return st
}

func (m *RescueManager) marketContext(ctx context.Context, symbol string) (models.Rails, *models.TA) {
	rctx, cancel := context.WithTimeout(ctx, m.deps.Timeout)
	rails, err := m.deps.Context.GetRails(rctx, symbol)
	cancel()
	if err != nil {
		DataUnavailable.WithLabelValues(models.EngineRescue).Inc()
		m.log.Debug("rails unavailable", utils.Symbol(symbol), utils.Err(err))
		rails = nil
	}

	tctx, cancel := context.WithTimeout(ctx, m.deps.Timeout)
	ta, err := m.deps.Context.GetTA(tctx, symbol)
	cancel()
	if err != nil {
		DataUnavailable.WithLabelValues(models.EngineRescue).Inc()
		m.log.Debug("ta unavailable", utils.Symbol(symbol), utils.Err(err))
		ta = nil
	}
	return rails, ta
}

// execute отправляет ордер решения; false - отправки не было или она не удалась
func (m *RescueManager) execute(ctx context.Context, snap models.PositionSnapshot, res *RescueResult) bool {
	switch res.Action {
	case RescueHardCut:
		_, err := m.deps.Executor.CloseAll(ctx, models.EngineRescue, snap.Symbol, snap.Side)
		return err == nil

	case RescueEscape, RescueTimeTrim:
		lim := m.deps.Limits.Get(ctx, snap.Symbol)
		qty := utils.RoundQty(snap.Size*res.Fraction, lim.QtyStep, lim.MinOrderQty)
		if qty <= 0 {
			m.log.Info("trim qty below exchange minimum, holding",
				utils.Contract(snap.Key()), utils.Action(res.Action), utils.Qty(snap.Size))
			res.Decision = Decision{Action: RescueHold, Reason: "below_min_qty"}
			return false
		}
		_, err := m.deps.Executor.PartialClose(ctx, models.EngineRescue, snap.Symbol, snap.Side, qty)
		return err == nil

	case RescueDCA:
		_, err := m.deps.Executor.OpenAdd(ctx, models.EngineRescue, exchange.AddRequest{
			Symbol:      snap.Symbol,
			Side:        snap.Side,
			NotionalUSD: res.AddUSD,
			Leverage:    snap.Leverage,
			Tag:         "dca-" + strings.ToLower(models.NormalizeSymbol(snap.Symbol)) + "-" + uuid.NewString()[:8],
		})
		return err == nil
	}
	return false
}

func (m *RescueManager) emit(key string, res RescueResult) {
	e := newEvent(models.EngineRescue, key, models.EventStateRescue, "rescue "+res.Action)
	if res.Action == RescueHardCut || res.Action == RescueEscape {
		e.Severity = models.SeverityWarn
	}
	e.ROI = models.Float(res.ROI)
	e.Meta = map[string]interface{}{
		"action":    res.Action,
		"reason":    res.Reason,
		"danger":    res.Scores.Danger,
		"structure": res.Scores.Structure,
		"momentum":  res.Scores.Momentum,
		"context":   res.Scores.Context,
		"composite": res.Scores.Composite,
	}
	if res.Fraction > 0 {
		e.Meta["fraction"] = res.Fraction
	}
	if res.AddUSD > 0 {
		e.Meta["add_usd"] = res.AddUSD
	}
	m.deps.Observer.Observe(e)
}

// Forget удаляет состояние закрытой позиции
func (m *RescueManager) Forget(key string) {
	m.mu.Lock()
	delete(m.states, key)
	m.mu.Unlock()
}

// Keys - контракты под наблюдением
func (m *RescueManager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.states))
	for k := range m.states {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// States возвращает копии состояний, по контракту
func (m *RescueManager) States() []models.RescueStateView {
	m.mu.Lock()
	out := make([]models.RescueStateView, 0, len(m.states))
	for k, st := range m.states {
		out = append(out, models.RescueStateView{
			Contract:      k,
			OpenedAt:      st.openedAt,
			BestROI:       st.bestROI,
			LastImproveAt: st.lastImproveAt,
			LastAct:       st.lastAct,
			LastActAt:     st.lastActAt,
			OrigNotional:  st.origNotional,
			AddedUSD:      st.addedUSD,
		})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}
