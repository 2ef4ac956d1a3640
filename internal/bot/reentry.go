package bot

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Уровни reentry
const (
	levelRails12h = "rails_12h"
	levelFibPref  = "fib_"
)

// advanceReentry - истечение, срабатывание или взвод плана reentry.
// Вызывается, только если в этом тике не было ступени и выхода.
func (p *MilestonePlanner) advanceReentry(ctx context.Context, s *models.MilestoneSnapshot, contract string, price, roi float64) (TickResult, bool) {
	hold := TickResult{Action: TickNone, ROI: roi}
	if !p.cfg.ReentryEnabled {
		return hold, false
	}

	plan := &s.Reentry
	if plan.Armed {
		now := p.deps.Now()
		if !now.Before(plan.ExpiresAt) {
			budget := plan.BudgetUSD
			s.ReentrySpentUSD += budget
			*plan = models.ReentryPlan{}

			e := newEvent(models.EngineMilestone, contract, models.EventStateReentryExpire, "reentry plan expired")
			e.ROI = models.Float(roi)
			e.Meta = map[string]interface{}{"budget_usd": budget}
			p.deps.Observer.Observe(e)
			return TickResult{Action: TickReentryExpired, ROI: roi}, true
		}

		if crossedAdverse(s.Side, price, plan.TriggerPrice) && !onTrigger(price, plan.TriggerPrice) {
			if !plan.Dipped {
				plan.Dipped = true
				return hold, true
			}
			return hold, false
		}
		if plan.Dipped {
			return p.fireReentry(ctx, s, contract, price, roi), true
		}
		return hold, false
	}

	if len(s.Partials) == 0 || s.SizeLive <= 0 {
		return hold, false
	}
	budget := s.RealizedUSD*p.cfg.BudgetFraction - s.ReentrySpentUSD
	if budget <= p.cfg.DustUSD {
		return hold, false
	}

	trigger, level := p.reentryLevel(ctx, s.Symbol, s.Side)
	if trigger <= 0 {
		return hold, false
	}

	*plan = models.ReentryPlan{
		Armed:        true,
		TriggerPrice: trigger,
		ExpiresAt:    p.deps.Now().Add(p.cfg.ReentryTTL),
		BudgetUSD:    budget,
		Tag:          reentryTag(s.Symbol),
		Level:        level,
		Dipped:       crossedAdverse(s.Side, price, trigger) && !onTrigger(price, trigger),
	}

	e := newEvent(models.EngineMilestone, contract, models.EventStateReentryArmed, "reentry armed")
	e.ROI = models.Float(roi)
	e.Meta = map[string]interface{}{
		"trigger":    trigger,
		"level":      level,
		"budget_usd": budget,
		"expires_at": plan.ExpiresAt,
		"tag":        plan.Tag,
	}
	p.deps.Observer.Observe(e)
	return TickResult{Action: TickReentryArmed, ROI: roi}, true
}

// fireReentry отправляет добавление и очищает план при любом исходе
func (p *MilestonePlanner) fireReentry(ctx context.Context, s *models.MilestoneSnapshot, contract string, price, roi float64) TickResult {
	plan := s.Reentry
	s.Reentry = models.ReentryPlan{}
	s.ReentrySpentUSD += plan.BudgetUSD

	_, err := p.deps.Executor.OpenAdd(ctx, models.EngineMilestone, exchange.AddRequest{
		Symbol:      s.Symbol,
		Side:        s.Side,
		NotionalUSD: plan.BudgetUSD,
		Leverage:    s.Leverage,
		Tag:         plan.Tag,
	})

	e := newEvent(models.EngineMilestone, contract, models.EventStateReentryFired, "reentry fired")
	e.ROI = models.Float(roi)
	e.Meta = map[string]interface{}{
		"price":      price,
		"trigger":    plan.TriggerPrice,
		"budget_usd": plan.BudgetUSD,
		"tag":        plan.Tag,
	}
	if err != nil {
		e.Text = "reentry submission failed, plan cleared"
		e.Severity = models.SeverityWarn
		e.Meta["error"] = err.Error()
	}
	p.deps.Observer.Observe(e)

	return TickResult{Action: TickReentryFired, ROI: roi}
}

// reentryLevel - триггер reentry: rails 12h, иначе уровни Фибоначчи
func (p *MilestonePlanner) reentryLevel(ctx context.Context, symbol string, side models.Side) (float64, string) {
	bps := p.cfg.ReclaimBps / 10000

	rctx, cancel := context.WithTimeout(ctx, p.deps.Timeout)
	rails, err := p.deps.Context.GetRails(rctx, symbol)
	cancel()
	if err != nil {
		p.log.Debug("rails unavailable", utils.Symbol(symbol), utils.Err(err))
	}
	if band, ok := rails.Band(models.Horizon12h); ok {
		if side == models.SideShort {
			return band.ATH * (1 - bps), levelRails12h
		}
		return band.ATL * (1 + bps), levelRails12h
	}

	tctx, cancel := context.WithTimeout(ctx, p.deps.Timeout)
	ta, err := p.deps.Context.GetTA(tctx, symbol)
	cancel()
	if err != nil {
		p.log.Debug("ta unavailable", utils.Symbol(symbol), utils.Err(err))
	}
	if ta == nil || len(ta.Fib) == 0 {
		return 0, ""
	}

	keys := []string{models.Fib0382, models.Fib05}
	if side == models.SideShort {
		keys = []string{models.Fib0618, models.Fib05}
	}
	for _, k := range keys {
		lvl, ok := ta.Fib[k]
		if !ok || lvl <= 0 {
			continue
		}
		if side == models.SideShort {
			return lvl * (1 - bps), levelFibPref + k
		}
		return lvl * (1 + bps), levelFibPref + k
	}
	return 0, ""
}

// onTrigger - цена ровно на уровне триггера
func onTrigger(price, trigger float64) bool {
	return price == trigger
}

// reentryTag - клиентский идентификатор добавления
func reentryTag(symbol string) string {
	return "reentry-" + strings.ToLower(symbol) + "-" + uuid.NewString()[:8]
}
