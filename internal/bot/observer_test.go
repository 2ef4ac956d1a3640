package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskguard/internal/models"
)

type collectSink struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (s *collectSink) Emit(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestObserver_FillsDefaults(t *testing.T) {
	o := testObserver()
	o.Observe(newEvent(models.EngineTrailing, btcKey, models.EventStateTP1, "tp1"))

	recent := o.Recent(1)
	require.Len(t, recent, 1)
	assert.NotEmpty(t, recent[0].ID)
	assert.False(t, recent[0].Timestamp.IsZero())
	assert.Equal(t, models.SeverityInfo, recent[0].Severity)
}

func TestObserver_Throttle(t *testing.T) {
	clk := newFakeClock()
	o := NewObserver(16, 5*time.Second, nil)
	o.now = clk.Now

	for i := 0; i < 3; i++ {
		o.Observe(newEvent(models.EngineRescue, btcKey, models.EventStateRescue, "rescue"))
	}
	o.Observe(newEvent(models.EngineRescue, "ETHUSDT:long", models.EventStateRescue, "rescue"))
	assert.Len(t, o.Recent(0), 2, "duplicates inside the window are dropped")

	clk.Advance(5 * time.Second)
	o.Observe(newEvent(models.EngineRescue, btcKey, models.EventStateRescue, "rescue"))
	assert.Len(t, o.Recent(0), 3)
}

func TestObserver_RecentOrderAndWrap(t *testing.T) {
	o := testObserver()
	for i := 0; i < 300; i++ {
		e := newEvent(models.EngineMilestone, btcKey, models.EventStateMilestone, "step")
		e.Meta = map[string]interface{}{"i": i}
		o.Observe(e)
	}

	all := o.Recent(0)
	require.Len(t, all, 256)
	assert.Equal(t, 299, all[0].Meta["i"])
	assert.Equal(t, 44, all[255].Meta["i"])

	assert.Len(t, o.Recent(5), 5)
}

func TestObserver_DeliversToSinksAndDrains(t *testing.T) {
	good := &collectSink{}
	bad := &collectSink{err: errors.New("sink down")}
	o := NewObserver(16, 0, nil, bad, good)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	for i := 0; i < 5; i++ {
		o.Observe(newEvent(models.EngineTrailing, btcKey, models.EventStateTrailExit, "exit"))
	}

	assert.Eventually(t, func() bool { return good.count() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, bad.count(), "a failing sink does not block the others")

	cancel()
	<-done
}

func TestObserver_FullBufferDoesNotBlock(t *testing.T) {
	o := NewObserver(2, 0, nil)

	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			o.Observe(newEvent(models.EngineRescue, btcKey, models.EventStateRescue, "rescue"))
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("observe blocked on a full buffer")
	}
}

func TestObserver_NilSafe(t *testing.T) {
	var o *Observer
	assert.NotPanics(t, func() {
		o.Observe(newEvent(models.EngineRescue, btcKey, models.EventStateRescue, "rescue"))
		o.AddSink(&collectSink{})
		o.Run(context.Background())
		assert.Nil(t, o.Recent(10))
	})
}
