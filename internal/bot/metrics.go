package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики ядра выхода и риска
// ============================================================
//
// Экспортируются на /metrics.
// Метки engine: trailing, milestone, rescue, reconcile.

// ============ Метрики латентности ============

// SubmissionLatency - время отправки ордера до подтверждения биржи
var SubmissionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "execution",
		Name:      "submission_latency_ms",
		Help:      "Time from order submission to exchange confirmation in milliseconds",
		Buckets:   []float64{25, 50, 100, 200, 300, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"action"}, // partial_close, close_all, open_add
)

// CycleDuration - длительность одного цикла движка
var CycleDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "cycle_duration_ms",
		Help:      "Duration of one engine evaluation cycle in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
	},
	[]string{"engine"},
)

// ============ Счётчики событий ============

// EvaluationsTotal - количество оценок позиций
var EvaluationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "evaluations_total",
		Help:      "Total number of position evaluations",
	},
	[]string{"engine"},
)

// ActionsTotal - решения движков, дошедшие до биржи
var ActionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "actions_total",
		Help:      "Total number of engine actions submitted to the exchange",
	},
	[]string{"engine", "action", "result"}, // result: success, failed, locked
)

// ROIIndeterminate - ROI не удалось вычислить
var ROIIndeterminate = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "roi_indeterminate_total",
		Help:      "Number of evaluations skipped because ROI could not be determined",
	},
	[]string{"engine"},
)

// DataUnavailable - пропуски символа из-за отсутствия данных
var DataUnavailable = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "data_unavailable_total",
		Help:      "Number of symbol skips caused by unavailable market or position data",
	},
	[]string{"engine"},
)

// CloseLockContention - попытки отправки, отклонённые close lock
var CloseLockContention = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "execution",
		Name:      "close_lock_contention_total",
		Help:      "Number of submissions rejected because the contract lock was held",
	},
	[]string{"action"},
)

// RealizedUSD - зафиксированная прибыль milestone
var RealizedUSD = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "milestone",
		Name:      "realized_usd_total",
		Help:      "Total profit banked by milestone partial takes in USD",
	},
)

// StopLossTriggered - срабатывания стоп-лосса
var StopLossTriggered = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "stop_loss_triggered_total",
		Help:      "Number of stop loss triggers",
	},
	[]string{"symbol"},
)

// PersistenceErrors - ошибки записи состояния
var PersistenceErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "store",
		Name:      "persistence_errors_total",
		Help:      "Number of failed state writes (cache stays authoritative)",
	},
	[]string{"store"}, // tp_state, milestone, ledger, events
)

// ============ Метрики состояния ============

// TrackedPositions - позиции под управлением движка
var TrackedPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "tracked_positions",
		Help:      "Current number of positions tracked by engine",
	},
	[]string{"engine"},
)

// RescueScore - распределение оценок rescue
var RescueScore = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "rescue",
		Name:      "score",
		Help:      "Distribution of rescue scores",
		Buckets:   []float64{10, 20, 30, 40, 50, 55, 60, 65, 70, 85, 100},
	},
	[]string{"score"}, // danger, structure, momentum, context, composite
)

// ============ Метрики производительности ============

// BufferOverflows - переполнения буферов каналов
var BufferOverflows = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "buffer_overflows_total",
		Help:      "Number of channel buffer overflows (items dropped)",
	},
	[]string{"buffer"}, // events, shard
)

// BufferBacklog - заполненность буфера в момент переполнения
var BufferBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "buffer_backlog_ratio",
		Help:      "Channel fill ratio observed at the last overflow",
	},
	[]string{"buffer"},
)

// ShardQueueSize - размер очереди в шардах
var ShardQueueSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "shard_queue_size",
		Help:      "Current size of shard snapshot queue",
	},
	[]string{"shard"},
)

// ============ Вспомогательные функции ============

// RecordAction записывает результат отправки
func RecordAction(engine, action, result string) {
	ActionsTotal.WithLabelValues(engine, action, result).Inc()
}

// RecordSubmission записывает латентность подтверждённой отправки
func RecordSubmission(action string, latencyMs float64) {
	SubmissionLatency.WithLabelValues(action).Observe(latencyMs)
}

// RecordBufferOverflow записывает переполнение буфера
func RecordBufferOverflow(bufferName string) {
	BufferOverflows.WithLabelValues(bufferName).Inc()
}

// RecordBufferBacklog записывает заполненность буфера
func RecordBufferBacklog(bufferName string, capacity, length int) {
	if capacity <= 0 {
		return
	}
	BufferBacklog.WithLabelValues(bufferName).Set(float64(length) / float64(capacity))
}

// RecordPersistenceError записывает неудачную запись состояния
func RecordPersistenceError(store string) {
	PersistenceErrors.WithLabelValues(store).Inc()
}

// RecordRescueScores записывает оценки rescue
func RecordRescueScores(s Scores) {
	RescueScore.WithLabelValues("danger").Observe(s.Danger)
	RescueScore.WithLabelValues("structure").Observe(s.Structure)
	RescueScore.WithLabelValues("momentum").Observe(s.Momentum)
	RescueScore.WithLabelValues("context").Observe(s.Context)
	RescueScore.WithLabelValues("composite").Observe(s.Composite)
}

// UpdateTrackedPositions обновляет число позиций движка
func UpdateTrackedPositions(engine string, count int) {
	TrackedPositions.WithLabelValues(engine).Set(float64(count))
}
