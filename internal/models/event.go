package models

import "time"

// Event - событие движка для наблюдаемости
//
// Отправляется в sink (WebSocket, журнал событий) через Observer.
// Отправка никогда не блокирует движок и не возвращает ошибку вызывающему.
type Event struct {
	ID        string                 `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Engine    string                 `json:"engine" db:"engine"`     // trailing, milestone, rescue, reconcile
	Contract  string                 `json:"contract" db:"contract"` // SYMBOL:side
	State     string                 `json:"state" db:"state"`       // см. константы EventState*
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error
	Text      string                 `json:"text" db:"text"`
	ROI       *float64               `json:"roi,omitempty" db:"roi"`
	Peak      *float64               `json:"peak,omitempty" db:"peak"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"`
}

// Движки
const (
	EngineTrailing  = "trailing"
	EngineMilestone = "milestone"
	EngineRescue    = "rescue"
	EngineReconcile = "reconcile"
)

// Состояния событий
const (
	EventStateProgress      = "progress"
	EventStateStopLoss      = "stop_loss"
	EventStateTP1           = "tp1"
	EventStateTrailExit     = "trail_exit"
	EventStateReconciled    = "reconciled"
	EventStateNewPeak       = "new_peak"
	EventStateMilestone     = "milestone"
	EventStateExit          = "exit"
	EventStateReentryArmed  = "reentry_armed"
	EventStateReentryFired  = "reentry_fired"
	EventStateReentryExpire = "reentry_expired"
	EventStateRescue        = "rescue"
	EventStateError         = "error"
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Float возвращает указатель на значение (для опциональных полей события)
func Float(v float64) *float64 {
	return &v
}
