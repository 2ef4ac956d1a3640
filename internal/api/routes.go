package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riskguard/internal/api/handlers"
	"riskguard/internal/api/middleware"
	"riskguard/internal/websocket"
	"riskguard/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers
//
// Любое поле может быть nil: соответствующие маршруты отвечают 503
// или не регистрируются (Hub).
type Dependencies struct {
	State        handlers.StateProvider // bot.Engine
	EventStore   handlers.EventStore    // repository.EventRepository
	RecentEvents handlers.RecentEvents  // bot.Observer
	Hub          *websocket.Hub
	TokenHash    string // bcrypt-хеш bearer-токена для /api/v1
	Log          *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	/health             - GET, проверка живости
//	/metrics            - GET, prometheus
//	/ws/stream          - WebSocket событий и сводки
//	/api/v1/
//	├── GET /state           - сводка движков
//	├── GET /state/{symbol}  - сводка по символу
//	├── GET /events          - журнал событий (limit, engine)
//	└── DELETE /events       - очистка старых событий (older_than)
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов, кроме websocket upgrade)
// 3. CORS (для всех маршрутов)
// 4. Auth (только /api/v1 и /ws/stream)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}
	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Log))
	router.Use(middleware.Logging(deps.Log))
	router.Use(middleware.CORS)

	auth := middleware.Auth(deps.TokenHash)

	stateHandler := handlers.NewStateHandler(deps.State)
	eventsHandler := handlers.NewEventsHandler(deps.EventStore, deps.RecentEvents)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth)

	api.HandleFunc("/state", stateHandler.GetState).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/state/{symbol}", stateHandler.GetSymbolState).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/events", eventsHandler.GetEvents).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/events", eventsHandler.PruneEvents).Methods(http.MethodDelete)

	if deps.Hub != nil {
		router.Handle("/ws/stream", auth(http.HandlerFunc(deps.Hub.ServeWS))).Methods(http.MethodGet)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}).Methods(http.MethodGet)

	return router
}
