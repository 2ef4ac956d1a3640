package models

import "time"

// RescueStateView - состояние rescue менеджера по позиции (в памяти)
type RescueStateView struct {
	Contract      string    `json:"contract"`
	OpenedAt      time.Time `json:"opened_at"`
	BestROI       float64   `json:"best_roi"`
	LastImproveAt time.Time `json:"last_improve_at"`
	LastAct       string    `json:"last_act,omitempty"`
	LastActAt     time.Time `json:"last_act_at,omitempty"`
	OrigNotional  float64   `json:"orig_notional"`
	AddedUSD      float64   `json:"added_usd"`
}

// EngineState - сводка состояния движков для API и WebSocket
type EngineState struct {
	Timestamp  time.Time           `json:"timestamp"`
	Positions  []PositionSnapshot  `json:"positions"`
	Trailing   []*TpState          `json:"trailing"`
	Milestones []MilestoneSnapshot `json:"milestones"`
	Rescue     []RescueStateView   `json:"rescue"`
}
