package bot

import (
	"context"
	"sync"
	"time"

	"riskguard/internal/exchange"
	"riskguard/internal/models"
)

// ============================================================
// Тестовые двойники
// ============================================================

// fakeClock - управляемые часы
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memLedger - журнал сделок в памяти
type memLedger struct {
	mu      sync.Mutex
	trades  []models.Trade
	exits   []models.TradeExit
	readErr error
}

func newMemLedger(trades ...models.Trade) *memLedger {
	l := &memLedger{}
	for _, t := range trades {
		if t.Status == "" {
			t.Status = models.TradeStatusOpen
		}
		l.trades = append(l.trades, t)
	}
	return l
}

func (l *memLedger) OpenTrades(context.Context) ([]models.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readErr != nil {
		return nil, l.readErr
	}
	var out []models.Trade
	for _, t := range l.trades {
		if t.Status == models.TradeStatusOpen {
			out = append(out, t)
		}
	}
	return out, nil
}

func (l *memLedger) RecordExit(_ context.Context, exit models.TradeExit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.trades {
		if l.trades[i].ID != exit.TradeID {
			continue
		}
		if l.trades[i].Status != models.TradeStatusOpen {
			return models.ErrTradeNotOpen
		}
		l.trades[i].Status = models.TradeStatusClosed
		l.exits = append(l.exits, exit)
		return nil
	}
	return models.ErrTradeNotOpen
}

func (l *memLedger) Exits() []models.TradeExit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.TradeExit(nil), l.exits...)
}

// memTpBackend - хранилище TpState в памяти (переживает "рестарт" store)
type memTpBackend struct {
	mu      sync.Mutex
	m       map[string]*models.TpState
	getErr  error
	putErr  error
	upserts int
}

func newMemTpBackend() *memTpBackend {
	return &memTpBackend{m: make(map[string]*models.TpState)}
}

func (b *memTpBackend) Get(_ context.Context, contract string) (*models.TpState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.getErr != nil {
		return nil, b.getErr
	}
	return b.m[contract].Clone(), nil
}

func (b *memTpBackend) Upsert(_ context.Context, st *models.TpState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.putErr != nil {
		return b.putErr
	}
	b.upserts++
	b.m[st.Contract] = st.Clone()
	return nil
}

func (b *memTpBackend) Delete(_ context.Context, contract string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.m, contract)
	return nil
}

func (b *memTpBackend) List(context.Context) ([]*models.TpState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.TpState, 0, len(b.m))
	for _, st := range b.m {
		out = append(out, st.Clone())
	}
	return out, nil
}

// memMilestoneStore - хранилище снимков milestone в памяти
type memMilestoneStore struct {
	mu sync.Mutex
	m  map[string]models.MilestoneSnapshot
}

func newMemMilestoneStore() *memMilestoneStore {
	return &memMilestoneStore{m: make(map[string]models.MilestoneSnapshot)}
}

func (s *memMilestoneStore) Save(_ context.Context, snap *models.MilestoneSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[snap.Symbol] = cloneSnapshot(*snap)
	return nil
}

func (s *memMilestoneStore) Load(_ context.Context, symbol string) (*models.MilestoneSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.m[symbol]
	if !ok {
		return nil, nil
	}
	c := cloneSnapshot(snap)
	return &c, nil
}

func (s *memMilestoneStore) Delete(_ context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, symbol)
	return nil
}

// ============================================================
// Сборка окружения
// ============================================================

// testLock - close lock на управляемых часах
func testLock(clk *fakeClock) *CloseLock {
	l := NewCloseLock(2500*time.Millisecond, 4)
	l.now = clk.Now
	return l
}

func testExecutor(ex exchange.Executor, clk *fakeClock) *GuardedExecutor {
	return NewGuardedExecutor(ex, testLock(clk), time.Second, nil)
}

// testObserver - без throttle, события доступны через Recent
func testObserver() *Observer {
	return NewObserver(1024, 0, nil)
}

func paperWith(positions ...models.PositionSnapshot) *exchange.Paper {
	p := exchange.NewPaper()
	for _, pos := range positions {
		p.SetPosition(pos)
	}
	return p
}

func longPos(symbol string, entry, size, leverage float64) models.PositionSnapshot {
	return models.PositionSnapshot{
		Symbol:     symbol,
		Side:       models.SideLong,
		EntryPrice: entry,
		Size:       size,
		Leverage:   leverage,
		Multiplier: 1,
	}
}

// eventStates - состояния событий в порядке возникновения
func eventStates(o *Observer) []string {
	recent := o.Recent(0)
	out := make([]string, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		out = append(out, recent[i].State)
	}
	return out
}

func countState(o *Observer, state string) int {
	n := 0
	for _, s := range eventStates(o) {
		if s == state {
			n++
		}
	}
	return n
}

// roiPrice - цена long позиции с заданным ROI (%) при плече leverage
func roiPrice(entry, leverage, roi float64) float64 {
	return entry * (1 + roi/(100*leverage))
}
