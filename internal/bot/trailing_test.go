package bot

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/config"
	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

type trailingEnv struct {
	paper    *exchange.Paper
	ledger   *memLedger
	backend  *memTpBackend
	store    *TpStateStore
	clock    *fakeClock
	observer *Observer
	monitor  *TrailingMonitor
}

func newTrailingEnv(t *testing.T, trade models.Trade, pos models.PositionSnapshot) *trailingEnv {
	t.Helper()
	env := &trailingEnv{
		paper:    paperWith(pos),
		ledger:   newMemLedger(trade),
		backend:  newMemTpBackend(),
		clock:    newFakeClock(),
		observer: testObserver(),
	}
	env.store = NewTpStateStore(env.backend, time.Second, nil)
	env.monitor = env.newMonitor(env.store)
	return env
}

// newMonitor - монитор поверх заданного store (имитация рестарта)
func (e *trailingEnv) newMonitor(store *TpStateStore) *TrailingMonitor {
	return NewTrailingMonitor(config.DefaultTrailingConfig(), TrailingDeps{
		Ledger:     e.ledger,
		Positions:  e.paper,
		Limits:     NewLimitsCache(e.paper, time.Second),
		Executor:   testExecutor(e.paper, e.clock),
		Store:      store,
		Reconciler: NewReconciler(e.ledger, e.paper, store, e.observer, time.Second, nil),
		Observer:   e.observer,
		Timeout:    time.Second,
	}, nil)
}

// setROI задаёт ROI биржи в процентах и продвигает часы за окно блокировки
func (e *trailingEnv) setROI(roi float64) {
	e.paper.SetPositionROI("BTCUSDT", models.SideLong, roi, models.ROIUnitPercent)
	e.clock.Advance(3 * time.Second)
}

func btcTrade() models.Trade {
	return models.Trade{ID: 1, Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100, TPPercent: 100}
}

const btcKey = "BTCUSDT:long"

func TestTrailing_PeakGiveBack(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))

	env.store.Put(ctx, &models.TpState{Contract: btcKey, TP1Done: true, TrailArmed: true, PeakROI: 80, LastSeenQty: 1})

	// 61 > 80×0.75 - удержание
	env.setROI(61)
	env.monitor.RunCycle(ctx)
	assert.Empty(t, env.paper.Orders())
	st, err := env.store.Get(ctx, btcKey)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 80.0, st.PeakROI)

	// 60 = 80×0.75 - закрытие остатка
	env.setROI(60)
	env.monitor.RunCycle(ctx)

	orders := env.paper.Orders()
	require.Len(t, orders, 1)
	assert.Equal(t, 1.0, orders[0].Qty)
	_, open := env.paper.Position("BTCUSDT", models.SideLong)
	assert.False(t, open)

	st, err = env.store.Get(ctx, btcKey)
	require.NoError(t, err)
	assert.Nil(t, st, "state is dropped after trailing exit")
	assert.Equal(t, 1, countState(env.observer, models.EventStateTrailExit))
}

func TestTrailing_TP1ThenTrail(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))

	env.setROI(50)
	env.monitor.RunCycle(ctx)
	assert.Empty(t, env.paper.Orders())

	// TP1: 40% текущего объёма
	env.setROI(100)
	env.monitor.RunCycle(ctx)
	orders := env.paper.Orders()
	require.Len(t, orders, 1)
	assert.InDelta(t, 0.4, orders[0].Qty, 1e-12)

	st, err := env.store.Get(ctx, btcKey)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.TP1Done)
	assert.True(t, st.TrailArmed)
	assert.Equal(t, 100.0, st.PeakROI)
	assert.InDelta(t, 0.6, st.LastSeenQty, 1e-12)

	// TP1 не повторяется, пик растёт
	env.setROI(120)
	env.monitor.RunCycle(ctx)
	assert.Len(t, env.paper.Orders(), 1)
	st, _ = env.store.Get(ctx, btcKey)
	assert.Equal(t, 120.0, st.PeakROI)

	// 91 > 90 - держим; 90 - закрываем
	env.setROI(91)
	env.monitor.RunCycle(ctx)
	assert.Len(t, env.paper.Orders(), 1)

	env.setROI(90)
	env.monitor.RunCycle(ctx)
	orders = env.paper.Orders()
	require.Len(t, orders, 2)
	assert.InDelta(t, 0.6, orders[1].Qty, 1e-12)
}

func TestTrailing_TradeTPDoesNotMoveTP1(t *testing.T) {
	ctx := context.Background()
	trade := btcTrade()
	trade.TPPercent = 20
	trade.SLPercent = 50
	env := newTrailingEnv(t, trade, longPos("BTCUSDT", 100, 1, 10))

	for _, roi := range []float64{25, 31, 99} {
		env.setROI(roi)
		env.monitor.RunCycle(ctx)
		assert.Empty(t, env.paper.Orders(), "roi %v is below tp1", roi)
	}
	st, err := env.store.Get(ctx, btcKey)
	require.NoError(t, err)
	if st != nil {
		assert.False(t, st.TP1Done)
		assert.False(t, st.TrailArmed)
	}

	env.setROI(100)
	env.monitor.RunCycle(ctx)
	orders := env.paper.Orders()
	require.Len(t, orders, 1)
	assert.InDelta(t, 0.4, orders[0].Qty, 1e-12)
	assert.Equal(t, 1, countState(env.observer, models.EventStateTP1))
}

func TestTrailing_StopLoss(t *testing.T) {
	ctx := context.Background()
	trade := btcTrade()
	trade.SLPercent = 50
	env := newTrailingEnv(t, trade, longPos("BTCUSDT", 100, 1, 10))

	env.setROI(-49)
	env.monitor.RunCycle(ctx)
	assert.Empty(t, env.paper.Orders())

	env.setROI(-50)
	env.monitor.RunCycle(ctx)
	require.Len(t, env.paper.Orders(), 1)
	_, open := env.paper.Position("BTCUSDT", models.SideLong)
	assert.False(t, open)
	assert.Equal(t, 1, countState(env.observer, models.EventStateStopLoss))
}

func TestTrailing_SubmissionFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))
	env.paper.FailSubmit(errors.New("exchange down"))

	env.setROI(100)
	env.monitor.RunCycle(ctx)

	st, err := env.store.Get(ctx, btcKey)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.False(t, st.TP1Done, "failed tp1 must not mark state")
	assert.False(t, st.TrailArmed)

	// следующий цикл повторяет решение
	env.paper.FailSubmit(nil)
	env.setROI(100)
	env.monitor.RunCycle(ctx)
	assert.Len(t, env.paper.Orders(), 1)
}

func TestTrailing_TP1BelowMinimumArmsWithoutClose(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 0.002, 10))
	env.paper.SetLimits(exchange.Limits{Symbol: "BTCUSDT", MinOrderQty: 0.01, QtyStep: 0.001})

	env.setROI(100)
	env.monitor.RunCycle(ctx)
	assert.Empty(t, env.paper.Orders())

	st, _ := env.store.Get(ctx, btcKey)
	require.NotNil(t, st)
	assert.True(t, st.TrailArmed)
}

func TestTrailing_IndeterminateROISkips(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 0))

	env.monitor.RunCycle(ctx)
	assert.Empty(t, env.paper.Orders())
	st, err := env.store.Get(ctx, btcKey)
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestTrailing_FetchFailureSkipsCycle(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))
	env.paper.FailFetch(errors.New("timeout"))

	env.monitor.RunCycle(ctx)
	assert.Empty(t, env.ledger.Exits(), "no reconciliation without a position list")
}

func TestTrailing_StateReadFailureSkipsSymbol(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))
	env.backend.getErr = errors.New("db down")

	env.setROI(150)
	env.monitor.RunCycle(ctx)
	assert.Empty(t, env.paper.Orders(), "tp1 must not fire without known state")
}

func TestTrailing_TpStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))

	env.setROI(100)
	env.monitor.RunCycle(ctx)
	require.Len(t, env.paper.Orders(), 1)

	// рестарт: новый кэш над тем же хранилищем
	restarted := NewTpStateStore(env.backend, time.Second, nil)
	st, err := restarted.Get(ctx, btcKey)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.TP1Done)
	assert.True(t, st.TrailArmed)
	assert.Equal(t, 100.0, st.PeakROI)

	monitor := env.newMonitor(restarted)
	env.setROI(110)
	monitor.RunCycle(ctx)
	assert.Len(t, env.paper.Orders(), 1, "tp1 is not repeated after restart")

	st, _ = restarted.Get(ctx, btcKey)
	assert.Equal(t, 110.0, st.PeakROI)
}

func TestTrailing_LastSeenQtyTracksExternalFills(t *testing.T) {
	ctx := context.Background()
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))

	env.setROI(10)
	env.monitor.RunCycle(ctx)
	st, _ := env.store.Get(ctx, btcKey)
	require.NotNil(t, st)
	assert.Equal(t, 1.0, st.LastSeenQty)
	assert.True(t, math.IsInf(st.PeakROI, -1))

	env.paper.SetPosition(longPos("BTCUSDT", 100, 0.7, 10))
	env.setROI(10)
	env.monitor.RunCycle(ctx)
	st, _ = env.store.Get(ctx, btcKey)
	assert.Equal(t, 0.7, st.LastSeenQty)
}

func TestTrailing_SchedulerSingleton(t *testing.T) {
	env := newTrailingEnv(t, btcTrade(), longPos("BTCUSDT", 100, 1, 10))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.True(t, env.monitor.Start(ctx))
	assert.False(t, env.monitor.Start(ctx), "second start must not create another timer")
	assert.True(t, env.monitor.Running())

	env.monitor.Stop()
	assert.False(t, env.monitor.Running())
}
