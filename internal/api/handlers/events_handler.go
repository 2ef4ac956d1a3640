package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"riskguard/internal/models"
)

// EventStore - журнал событий в БД (repository.EventRepository)
type EventStore interface {
	Recent(ctx context.Context, limit int) ([]*models.Event, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// RecentEvents - кольцевой буфер наблюдателя (bot.Observer)
type RecentEvents interface {
	Recent(n int) []models.Event
}

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

// EventsHandler отвечает за журнал событий движков
//
// Endpoints:
// - GET /api/v1/events - последние события (limit, engine)
// - DELETE /api/v1/events?older_than=72h - очистка старых записей
//
// Если БД не подключена, события берутся из буфера наблюдателя.
type EventsHandler struct {
	store  EventStore
	recent RecentEvents
	now    func() time.Time
}

// NewEventsHandler создает новый EventsHandler
func NewEventsHandler(store EventStore, recent RecentEvents) *EventsHandler {
	return &EventsHandler{store: store, recent: recent, now: time.Now}
}

// GetEventsResponse представляет ответ списка событий
type GetEventsResponse struct {
	Events []*models.Event `json:"events"`
	Total  int             `json:"total"`
	Source string          `json:"source"` // store, memory
}

// GetEvents возвращает последние события, новые первыми
//
// GET /api/v1/events
//
// Query параметры:
// - limit (int): количество записей (по умолчанию 100, максимум 500)
// - engine (string): фильтр по движкам через запятую (trailing,milestone,rescue,reconcile)
//
// HTTP коды:
// - 200 OK
// - 500 Internal Server Error: ошибка чтения журнала
// - 503 Service Unavailable: нет ни БД, ни буфера
func (h *EventsHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxEventsLimit {
		limit = maxEventsLimit
	}

	engines := parseEngines(r.URL.Query().Get("engine"))

	var (
		events []*models.Event
		source string
	)
	switch {
	case h.store != nil:
		// с фильтром читаем с запасом, отбор после
		fetch := limit
		if len(engines) > 0 {
			fetch = maxEventsLimit
		}
		stored, err := h.store.Recent(r.Context(), fetch)
		if err != nil {
			respondWithError(w, http.StatusInternalServerError, CodeStorageError, "Failed to get events: "+err.Error())
			return
		}
		events, source = stored, "store"

	case h.recent != nil:
		buffered := h.recent.Recent(0)
		events = make([]*models.Event, 0, len(buffered))
		for i := range buffered {
			events = append(events, &buffered[i])
		}
		source = "memory"

	default:
		respondWithError(w, http.StatusServiceUnavailable, CodeUnavailable, "event journal is not configured")
		return
	}

	out := make([]*models.Event, 0, limit)
	for _, e := range events {
		if len(out) == limit {
			break
		}
		if len(engines) > 0 {
			if _, ok := engines[e.Engine]; !ok {
				continue
			}
		}
		out = append(out, e)
	}

	respondWithJSON(w, http.StatusOK, GetEventsResponse{Events: out, Total: len(out), Source: source})
}

// PruneEventsResponse представляет ответ очистки журнала
type PruneEventsResponse struct {
	Deleted int64     `json:"deleted"`
	Before  time.Time `json:"before"`
}

// PruneEvents удаляет события старше older_than (по умолчанию 72h)
//
// DELETE /api/v1/events?older_than=72h
//
// HTTP коды:
// - 200 OK
// - 400 Bad Request: некорректная длительность
// - 500 Internal Server Error: ошибка БД
// - 503 Service Unavailable: БД не подключена
func (h *EventsHandler) PruneEvents(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondWithError(w, http.StatusServiceUnavailable, CodeUnavailable, "event store is not configured")
		return
	}

	age := 72 * time.Hour
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondWithError(w, http.StatusBadRequest, CodeBadRequest, "older_than must be a positive duration")
			return
		}
		age = d
	}

	before := h.now().Add(-age)
	n, err := h.store.DeleteOlderThan(r.Context(), before)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeStorageError, "Failed to prune events: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, PruneEventsResponse{Deleted: n, Before: before})
}

func parseEngines(param string) map[string]struct{} {
	if param == "" {
		return nil
	}
	out := make(map[string]struct{})
	for _, part := range strings.Split(param, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out[p] = struct{}{}
		}
	}
	return out
}
