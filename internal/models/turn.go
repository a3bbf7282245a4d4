package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type TurnStatus string

const (
	TurnStatusPending      TurnStatus = "pending"
	TurnStatusRunning      TurnStatus = "running"
	TurnStatusAwaitingTool TurnStatus = "awaiting_tool"
	TurnStatusBlocked      TurnStatus = "blocked"
	TurnStatusCompleted    TurnStatus = "completed"
	TurnStatusFailed       TurnStatus = "failed"
	TurnStatusCancelled    TurnStatus = "cancelled"
)

var turnTransitions = map[TurnStatus][]TurnStatus{
	TurnStatusPending:      {TurnStatusRunning, TurnStatusCancelled, TurnStatusFailed},
	TurnStatusRunning:      {TurnStatusAwaitingTool, TurnStatusBlocked, TurnStatusCompleted, TurnStatusFailed, TurnStatusCancelled},
	TurnStatusAwaitingTool: {TurnStatusRunning, TurnStatusFailed, TurnStatusCancelled},
}

func (s TurnStatus) IsTerminal() bool {
	switch s {
	case TurnStatusBlocked, TurnStatusCompleted, TurnStatusFailed, TurnStatusCancelled:
		return true
	}
	return false
}

func (s TurnStatus) CanTransitionTo(next TurnStatus) bool {
	for _, allowed := range turnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type StageName string

const (
	StageInputPolicy     StageName = "input_policy"
	StageClassify        StageName = "classify"
	StageRecallMemory    StageName = "recall_memory"
	StageRefineQuery     StageName = "refine_query"
	StageRoute           StageName = "route"
	StageExecute         StageName = "execute"
	StageGenerate        StageName = "generate"
	StageOutputPolicy    StageName = "output_policy"
	StageCitations       StageName = "citation_extraction"
	StageHallucination   StageName = "hallucination_scoring"
	StageMemoryWrite     StageName = "memory_write"
	StageCheckpointFinal StageName = "checkpoint"
)

// Stages lists the pipeline in execution order.
func Stages() []StageName {
	return []StageName{
		StageInputPolicy,
		StageClassify,
		StageRecallMemory,
		StageRefineQuery,
		StageRoute,
		StageExecute,
		StageGenerate,
		StageOutputPolicy,
		StageCitations,
		StageHallucination,
		StageMemoryWrite,
		StageCheckpointFinal,
	}
}

type PassageRef struct {
	DocID   string  `json:"doc_id"`
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"score"`
}

// Passage is a retrieved chunk with its text, used while answering.
type Passage struct {
	PassageRef
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Rank     int               `json:"rank"`
}

func (p Passage) Ref() PassageRef {
	return p.PassageRef
}

type Citation struct {
	Marker  string `json:"marker"`
	DocID   string `json:"doc_id,omitempty"`
	ChunkID string `json:"chunk_id,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Source  string `json:"source,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Hop is one decompose-retrieve-answer cycle. History entries are never mutated.
type Hop struct {
	Index       int          `json:"index"`
	SubQuestion string       `json:"sub_question"`
	SubAnswer   string       `json:"sub_answer"`
	Sources     []PassageRef `json:"sources,omitempty"`
}

type StageCost struct {
	Stage            StageName     `json:"stage"`
	Tier             CostTier      `json:"tier,omitempty"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	Latency          time.Duration `json:"latency"`
	Currency         float64       `json:"currency"`
	CacheHits        int           `json:"cache_hits"`
	Status           string        `json:"status"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
}

type CostBreakdown struct {
	Stages        map[StageName]StageCost `json:"stages"`
	TotalTokens   int                     `json:"total_tokens"`
	TotalCurrency float64                 `json:"total_currency"`
	TotalLatency  time.Duration           `json:"total_latency"`
}

// ConversationTurnState is the unit of work flowing through the engine. Only the
// turn's executor mutates it; readers get a Clone.
type ConversationTurnState struct {
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Query          string `json:"query"`
	RefinedQuery   string `json:"refined_query,omitempty"`
	Mode           Mode   `json:"mode,omitempty"`

	Intent           Intent  `json:"intent,omitempty"`
	IntentConfidence float64 `json:"intent_confidence"`

	RecalledFacts     []string       `json:"recalled_facts,omitempty"`
	ExecutionPlan     *ExecutionPlan `json:"execution_plan,omitempty"`
	RetrievedPassages []PassageRef   `json:"retrieved_passages,omitempty"`
	Passages          []Passage      `json:"passages,omitempty"`
	ToolResults       []ToolResult   `json:"tool_results,omitempty"`
	HopHistory        []Hop          `json:"hop_history,omitempty"`
	ReasonerOutcome   string         `json:"reasoner_outcome,omitempty"`
	Draft             string         `json:"draft,omitempty"`

	PolicyVerdictIn  *PolicyVerdict `json:"policy_verdict_in,omitempty"`
	PolicyVerdictOut *PolicyVerdict `json:"policy_verdict_out,omitempty"`

	GeneratedAnswer string     `json:"generated_answer,omitempty"`
	Citations       []Citation `json:"citations,omitempty"`
	QualityScore    float64    `json:"quality_score"`
	Notices         []string   `json:"notices,omitempty"`

	CostBreakdown   CostBreakdown `json:"cost_breakdown"`
	CompletedStages []StageName   `json:"completed_stages,omitempty"`

	Status      TurnStatus `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewTurnState(conversationID, userID, query string, mode Mode) *ConversationTurnState {
	now := time.Now()
	return &ConversationTurnState{
		TurnID:         GenerateTurnID(),
		ConversationID: conversationID,
		UserID:         userID,
		Query:          query,
		Mode:           mode,
		Status:         TurnStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		CostBreakdown: CostBreakdown{
			Stages: make(map[StageName]StageCost),
		},
	}
}

func GenerateTurnID() string {
	return uuid.New().String()
}

// Transition moves the turn to next, rejecting changes to terminal turns and moves
// outside the allowed table.
func (ts *ConversationTurnState) Transition(next TurnStatus) error {
	if ts.Status.IsTerminal() {
		return ErrTurnTerminal.WithMetadata("status", string(ts.Status))
	}
	if !ts.Status.CanTransitionTo(next) {
		return ErrInvalidTransition.WithMetadata("transition", fmt.Sprintf("%s->%s", ts.Status, next))
	}
	ts.Status = next
	ts.UpdatedAt = time.Now()
	if next.IsTerminal() {
		now := ts.UpdatedAt
		ts.CompletedAt = &now
		ts.CostBreakdown.TotalLatency = now.Sub(ts.CreatedAt)
	}
	return nil
}

func (ts *ConversationTurnState) MarkCompleted() error {
	return ts.Transition(TurnStatusCompleted)
}

// MarkFailed records an opaque user-facing message; the cause stays in the logs.
func (ts *ConversationTurnState) MarkFailed(message string) error {
	if err := ts.Transition(TurnStatusFailed); err != nil {
		return err
	}
	ts.Error = message
	return nil
}

func (ts *ConversationTurnState) MarkBlocked(refusal string) error {
	if err := ts.Transition(TurnStatusBlocked); err != nil {
		return err
	}
	ts.GeneratedAnswer = refusal
	ts.Citations = nil
	return nil
}

// MarkCancelled discards partial results.
func (ts *ConversationTurnState) MarkCancelled() error {
	if err := ts.Transition(TurnStatusCancelled); err != nil {
		return err
	}
	ts.RetrievedPassages = nil
	ts.Passages = nil
	ts.ToolResults = nil
	ts.HopHistory = nil
	ts.Draft = ""
	return nil
}

func (ts *ConversationTurnState) IsTerminal() bool {
	return ts.Status.IsTerminal()
}

func (ts *ConversationTurnState) HasCompleted(stage StageName) bool {
	for _, done := range ts.CompletedStages {
		if done == stage {
			return true
		}
	}
	return false
}

func (ts *ConversationTurnState) MarkStageCompleted(stage StageName) {
	if ts.HasCompleted(stage) {
		return
	}
	ts.CompletedStages = append(ts.CompletedStages, stage)
	ts.UpdatedAt = time.Now()
}

// RecordStageCost merges cost into the breakdown, summing repeated stage entries.
func (ts *ConversationTurnState) RecordStageCost(cost StageCost) {
	if ts.CostBreakdown.Stages == nil {
		ts.CostBreakdown.Stages = make(map[StageName]StageCost)
	}
	if existing, ok := ts.CostBreakdown.Stages[cost.Stage]; ok {
		cost.PromptTokens += existing.PromptTokens
		cost.CompletionTokens += existing.CompletionTokens
		cost.Currency += existing.Currency
		cost.CacheHits += existing.CacheHits
		cost.Latency += existing.Latency
		if !existing.StartTime.IsZero() {
			cost.StartTime = existing.StartTime
		}
	}
	ts.CostBreakdown.Stages[cost.Stage] = cost

	total, currency := 0, 0.0
	for _, stage := range ts.CostBreakdown.Stages {
		total += stage.PromptTokens + stage.CompletionTokens
		currency += stage.Currency
	}
	ts.CostBreakdown.TotalTokens = total
	ts.CostBreakdown.TotalCurrency = currency
}

func (ts *ConversationTurnState) ToolsUsed() []string {
	names := make([]string, 0, len(ts.ToolResults))
	for _, result := range ts.ToolResults {
		names = append(names, result.ToolName)
	}
	return names
}

func (ts *ConversationTurnState) GetDuration() time.Duration {
	if ts.CompletedAt != nil {
		return ts.CompletedAt.Sub(ts.CreatedAt)
	}
	return time.Since(ts.CreatedAt)
}

// Clone returns a deep copy through the JSON form, which is also the checkpoint form.
func (ts *ConversationTurnState) Clone() (*ConversationTurnState, error) {
	raw, err := json.Marshal(ts)
	if err != nil {
		return nil, NewInternalError("STATE_ENCODE", "failed to serialize turn state").WithCause(err)
	}
	var clone ConversationTurnState
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, NewInternalError("STATE_DECODE", "failed to deserialize turn state").WithCause(err)
	}
	if clone.CostBreakdown.Stages == nil {
		clone.CostBreakdown.Stages = make(map[StageName]StageCost)
	}
	return &clone, nil
}

func (ts *ConversationTurnState) Marshal() ([]byte, error) {
	raw, err := json.Marshal(ts)
	if err != nil {
		return nil, NewInternalError("STATE_ENCODE", "failed to serialize turn state").WithCause(err)
	}
	return raw, nil
}

func UnmarshalTurnState(raw []byte) (*ConversationTurnState, error) {
	var state ConversationTurnState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, NewInternalError("STATE_DECODE", "failed to deserialize turn state").WithCause(err)
	}
	if state.CostBreakdown.Stages == nil {
		state.CostBreakdown.Stages = make(map[StageName]StageCost)
	}
	return &state, nil
}

// TurnUpdate is a progress event published while a turn runs.
type TurnUpdate struct {
	TurnID         string         `json:"turn_id"`
	ConversationID string         `json:"conversation_id"`
	Stage          StageName      `json:"stage,omitempty"`
	Status         TurnStatus     `json:"status"`
	Message        string         `json:"message"`
	Progress       float64        `json:"progress"`
	Data           map[string]any `json:"data,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}
