package models

import "time"

type TurnRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	Query          string `json:"query" binding:"required"`
	Mode           Mode   `json:"mode,omitempty"`
}

type TurnResponse struct {
	TurnID         string     `json:"turn_id"`
	ConversationID string     `json:"conversation_id"`
	Status         TurnStatus `json:"status"`
	Message        string     `json:"message"`
	RequestID      string     `json:"request_id"`
	Timestamp      time.Time  `json:"timestamp"`
}

// TurnView is what callers see of a turn: an answer, a refusal, or an unavailable notice.
type TurnView struct {
	TurnID         string        `json:"turn_id"`
	ConversationID string        `json:"conversation_id"`
	Status         TurnStatus    `json:"status"`
	Intent         Intent        `json:"intent,omitempty"`
	Answer         string        `json:"answer,omitempty"`
	Citations      []Citation    `json:"citations,omitempty"`
	ToolsUsed      []string      `json:"tools_used,omitempty"`
	QualityScore   float64       `json:"quality_score"`
	Notices        []string      `json:"notices,omitempty"`
	Error          string        `json:"error,omitempty"`
	Cost           CostBreakdown `json:"cost"`
	Stages         []StageName   `json:"completed_stages,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func NewTurnView(state *ConversationTurnState) TurnView {
	return TurnView{
		TurnID:         state.TurnID,
		ConversationID: state.ConversationID,
		Status:         state.Status,
		Intent:         state.Intent,
		Answer:         state.GeneratedAnswer,
		Citations:      state.Citations,
		ToolsUsed:      state.ToolsUsed(),
		QualityScore:   state.QualityScore,
		Notices:        state.Notices,
		Error:          state.Error,
		Cost:           state.CostBreakdown,
		Stages:         state.CompletedStages,
		CreatedAt:      state.CreatedAt,
		UpdatedAt:      state.UpdatedAt,
	}
}

type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func GenerateRequestID() string {
	return GenerateTurnID()
}
