package websocket

import (
	"time"

	"riskguard/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeEvent - событие движка (TP1, трейлинг-выход, ступень, rescue)
	// Отправляется сразу, без агрегации
	MessageTypeEvent MessageType = "event"

	// MessageTypeState - сводка состояния движков
	// Отправляется периодически (STATE_BROADCAST_INTERVAL)
	MessageTypeState MessageType = "state"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventMessage - событие движка
type EventMessage struct {
	BaseMessage
	Data *models.Event `json:"data"`
}

// StateMessage - сводка состояния
//
// TpState передаётся через ToJSON: пик -Inf не сериализуется и уходит как null.
type StateMessage struct {
	BaseMessage
	Data *StateData `json:"data"`
}

// StateData - данные сводки
type StateData struct {
	Positions  []models.PositionSnapshot  `json:"positions"`
	Trailing   []interface{}              `json:"trailing"`
	Milestones []models.MilestoneSnapshot `json:"milestones"`
	Rescue     []models.RescueStateView   `json:"rescue"`
	UpdatedAt  time.Time                  `json:"updated_at"`
}

// ============ Фабричные функции для создания сообщений ============

// NewEventMessage создает сообщение события
func NewEventMessage(e *models.Event) *EventMessage {
	return &EventMessage{
		BaseMessage: BaseMessage{Type: MessageTypeEvent, Timestamp: time.Now()},
		Data:        e,
	}
}

// NewStateMessage создает сообщение сводки
func NewStateMessage(st *models.EngineState) *StateMessage {
	data := &StateData{
		Positions:  st.Positions,
		Trailing:   make([]interface{}, 0, len(st.Trailing)),
		Milestones: st.Milestones,
		Rescue:     st.Rescue,
		UpdatedAt:  st.Timestamp,
	}
	for _, tp := range st.Trailing {
		if tp != nil {
			data.Trailing = append(data.Trailing, tp.ToJSON())
		}
	}
	return &StateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeState, Timestamp: time.Now()},
		Data:        data,
	}
}
