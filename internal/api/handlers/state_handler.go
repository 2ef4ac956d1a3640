package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"riskguard/internal/models"
)

// StateProvider - источник сводки движков (bot.Engine)
type StateProvider interface {
	State() *models.EngineState
}

// StateHandler отдаёт текущее состояние движков
//
// Endpoints:
// - GET /api/v1/state - все позиции, TpState, ступени milestone, rescue
// - GET /api/v1/state/{symbol} - то же, только по одному символу
type StateHandler struct {
	provider StateProvider
}

// NewStateHandler создает новый StateHandler
func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{provider: provider}
}

// StateResponse - сводка в API
//
// TpState отдаётся через ToJSON: неустановленный пик уходит как null.
type StateResponse struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Positions  []models.PositionSnapshot  `json:"positions"`
	Trailing   []interface{}              `json:"trailing"`
	Milestones []models.MilestoneSnapshot `json:"milestones"`
	Rescue     []models.RescueStateView   `json:"rescue"`
}

// GetState возвращает полную сводку
//
// HTTP коды:
// - 200 OK
// - 503 Service Unavailable: движок не подключен
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	st, ok := h.state(w)
	if !ok {
		return
	}
	respondWithJSON(w, http.StatusOK, newStateResponse(st, ""))
}

// GetSymbolState возвращает сводку по символу
//
// HTTP коды:
// - 200 OK
// - 404 Not Found: по символу нет ни позиции, ни состояния
// - 503 Service Unavailable: движок не подключен
func (h *StateHandler) GetSymbolState(w http.ResponseWriter, r *http.Request) {
	symbol := models.NormalizeSymbol(mux.Vars(r)["symbol"])
	if symbol == "" {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "symbol is required")
		return
	}

	st, ok := h.state(w)
	if !ok {
		return
	}

	resp := newStateResponse(st, symbol)
	if len(resp.Positions) == 0 && len(resp.Trailing) == 0 &&
		len(resp.Milestones) == 0 && len(resp.Rescue) == 0 {
		respondWithError(w, http.StatusNotFound, CodeNotFound, "no state for "+symbol)
		return
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *StateHandler) state(w http.ResponseWriter) (*models.EngineState, bool) {
	if h == nil || h.provider == nil {
		respondWithError(w, http.StatusServiceUnavailable, CodeUnavailable, "engine is not running")
		return nil, false
	}
	st := h.provider.State()
	if st == nil {
		st = &models.EngineState{Timestamp: time.Now()}
	}
	return st, true
}

// newStateResponse собирает ответ; symbol != "" фильтрует по символу
func newStateResponse(st *models.EngineState, symbol string) *StateResponse {
	resp := &StateResponse{
		Timestamp:  st.Timestamp,
		Positions:  make([]models.PositionSnapshot, 0, len(st.Positions)),
		Trailing:   make([]interface{}, 0, len(st.Trailing)),
		Milestones: make([]models.MilestoneSnapshot, 0, len(st.Milestones)),
		Rescue:     make([]models.RescueStateView, 0, len(st.Rescue)),
	}

	for _, p := range st.Positions {
		if symbol == "" || models.NormalizeSymbol(p.Symbol) == symbol {
			resp.Positions = append(resp.Positions, p)
		}
	}
	for _, tp := range st.Trailing {
		if tp != nil && (symbol == "" || models.NormalizeSymbol(tp.Contract) == symbol) {
			resp.Trailing = append(resp.Trailing, tp.ToJSON())
		}
	}
	for _, m := range st.Milestones {
		if symbol == "" || models.NormalizeSymbol(m.Symbol) == symbol {
			resp.Milestones = append(resp.Milestones, m)
		}
	}
	for _, rs := range st.Rescue {
		if symbol == "" || models.NormalizeSymbol(rs.Contract) == symbol {
			resp.Rescue = append(resp.Rescue, rs)
		}
	}
	return resp
}
