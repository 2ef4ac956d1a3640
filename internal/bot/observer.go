package bot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// EventSink - получатель событий (WebSocket hub, журнал событий в БД)
type EventSink interface {
	Emit(ctx context.Context, e *models.Event) error
}

// SinkFunc - адаптер функции к EventSink
type SinkFunc func(ctx context.Context, e *models.Event) error

// Emit вызывает функцию
func (f SinkFunc) Emit(ctx context.Context, e *models.Event) error {
	return f(ctx, e)
}

// Observer - неблокирующая доставка событий движков
//
// Observe никогда не блокирует и не возвращает ошибку:
// - каждое событие пишется в лог (durable строка, без throttle)
// - одинаковые события (engine|contract|state) чаще throttle отбрасываются
// - при полном буфере событие отбрасывается с метрикой
// - ошибки sink только логируются
//
// Методы безопасны для nil получателя.
type Observer struct {
	ch          chan *models.Event
	sinks       []EventSink
	throttle    time.Duration
	sinkTimeout time.Duration
	now         func() time.Time
	log         *utils.Logger

	mu   sync.Mutex
	last map[string]time.Time

	recentMu   sync.RWMutex
	recent     []models.Event
	recentNext int
	recentFull bool
}

// NewObserver создаёт наблюдатель с буфером buffer событий
func NewObserver(buffer int, throttle time.Duration, log *utils.Logger, sinks ...EventSink) *Observer {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = utils.NopLogger()
	}
	return &Observer{
		ch:          make(chan *models.Event, buffer),
		sinks:       sinks,
		throttle:    throttle,
		sinkTimeout: 5 * time.Second,
		now:         time.Now,
		log:         log.WithComponent("observer"),
		last:        make(map[string]time.Time),
		recent:      make([]models.Event, 256),
	}
}

// AddSink добавляет получателя (до Run)
func (o *Observer) AddSink(s EventSink) {
	if o == nil || s == nil {
		return
	}
	o.sinks = append(o.sinks, s)
}

// Observe принимает событие движка
func (o *Observer) Observe(e *models.Event) {
	if o == nil || e == nil {
		return
	}

	now := o.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if e.Severity == "" {
		e.Severity = models.SeverityInfo
	}

	o.durable(e)

	if !o.pass(e.Engine+"|"+e.Contract+"|"+e.State, now) {
		return
	}

	o.remember(*e)

	if !tryEnqueueEvent(o.ch, e) {
		o.log.Debug("event dropped", utils.Contract(e.Contract), utils.State(e.State))
	}
}

// Run доставляет события в sink до отмены ctx
func (o *Observer) Run(ctx context.Context) {
	if o == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			o.drain()
			return
		case e := <-o.ch:
			o.dispatch(ctx, e)
		}
	}
}

// Recent возвращает до n последних событий, новые первыми
func (o *Observer) Recent(n int) []models.Event {
	if o == nil {
		return nil
	}
	o.recentMu.RLock()
	defer o.recentMu.RUnlock()

	size := o.recentNext
	if o.recentFull {
		size = len(o.recent)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]models.Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (o.recentNext - i + len(o.recent)) % len(o.recent)
		out = append(out, o.recent[idx])
	}
	return out
}

// pass - прошло ли throttle окно для ключа
func (o *Observer) pass(key string, now time.Time) bool {
	if o.throttle <= 0 {
		return true
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	if last, ok := o.last[key]; ok && now.Sub(last) < o.throttle {
		return false
	}
	o.last[key] = now

	// не даём карте расти бесконечно
	if len(o.last) > 4096 {
		for k, t := range o.last {
			if now.Sub(t) >= o.throttle {
				delete(o.last, k)
			}
		}
	}
	return true
}

func (o *Observer) remember(e models.Event) {
	o.recentMu.Lock()
	o.recent[o.recentNext] = e
	o.recentNext = (o.recentNext + 1) % len(o.recent)
	if o.recentNext == 0 {
		o.recentFull = true
	}
	o.recentMu.Unlock()
}

func (o *Observer) durable(e *models.Event) {
	fields := []utils.Field{
		utils.String("engine", e.Engine),
		utils.Contract(e.Contract),
		utils.State(e.State),
		utils.String("event_id", e.ID),
	}
	if e.ROI != nil {
		fields = append(fields, utils.ROI(*e.ROI))
	}
	if e.Peak != nil {
		fields = append(fields, utils.Float64("peak", *e.Peak))
	}
	if len(e.Meta) > 0 {
		fields = append(fields, utils.Any("meta", e.Meta))
	}

	switch e.Severity {
	case models.SeverityError:
		o.log.Error(e.Text, fields...)
	case models.SeverityWarn:
		o.log.Warn(e.Text, fields...)
	default:
		o.log.Info(e.Text, fields...)
	}
}

func (o *Observer) dispatch(ctx context.Context, e *models.Event) {
	for _, s := range o.sinks {
		sctx, cancel := context.WithTimeout(ctx, o.sinkTimeout)
		err := s.Emit(sctx, e)
		cancel()
		if err != nil {
			o.log.Warn("event sink failed", utils.Contract(e.Contract), utils.State(e.State), utils.Err(err))
		}
	}
}

// drain доставляет то, что осталось в буфере при остановке
func (o *Observer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), o.sinkTimeout)
	defer cancel()
	for {
		select {
		case e := <-o.ch:
			o.dispatch(ctx, e)
		default:
			return
		}
	}
}

// newEvent - событие движка с опциональными ROI и пиком
func newEvent(engine, contract, state, text string) *models.Event {
	return &models.Event{
		Engine:   engine,
		Contract: contract,
		State:    state,
		Text:     text,
	}
}
