package bot

import (
	"strconv"

	"riskguard/internal/models"
)

// tryEnqueueEvent отправляет событие в канал с метриками переполнения.
// Возвращает true, если событие поставлено в очередь.
func tryEnqueueEvent(ch chan *models.Event, e *models.Event) bool {
	if ch == nil || e == nil {
		return false
	}

	select {
	case ch <- e:
		return true
	default:
		RecordBufferOverflow("events")
		RecordBufferBacklog("events", cap(ch), len(ch))
		return false
	}
}

// tryEnqueueSnapshot отправляет снимок позиции в очередь шарда.
// Переполнение не блокирует опрос: снимок придёт в следующем цикле.
func tryEnqueueSnapshot(ch chan models.PositionSnapshot, snap models.PositionSnapshot, shard int) bool {
	select {
	case ch <- snap:
		ShardQueueSize.WithLabelValues(strconv.Itoa(shard)).Set(float64(len(ch)))
		return true
	default:
		RecordBufferOverflow("shard")
		RecordBufferBacklog("shard", cap(ch), len(ch))
		return false
	}
}
