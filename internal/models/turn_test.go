package models_test

import (
	"errors"
	"testing"

	"mizan-engine/internal/models"
)

func TestNewTurnState(t *testing.T) {
	state := models.NewTurnState("conv-1", "user-1", "what is zakat?", models.ModeFast)

	if state.TurnID == "" {
		t.Error("Expected a generated turn id")
	}
	if state.Status != models.TurnStatusPending {
		t.Errorf("Expected status %s, got %s", models.TurnStatusPending, state.Status)
	}
	if state.CostBreakdown.Stages == nil {
		t.Error("Expected cost breakdown stages to be initialized")
	}
}

func TestTurnTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []models.TurnStatus
		wantErr bool
	}{
		{"pending to running to completed", []models.TurnStatus{models.TurnStatusRunning, models.TurnStatusCompleted}, false},
		{"running to awaiting tool and back", []models.TurnStatus{models.TurnStatusRunning, models.TurnStatusAwaitingTool, models.TurnStatusRunning}, false},
		{"running to blocked", []models.TurnStatus{models.TurnStatusRunning, models.TurnStatusBlocked}, false},
		{"pending cannot complete", []models.TurnStatus{models.TurnStatusCompleted}, true},
		{"awaiting tool cannot complete", []models.TurnStatus{models.TurnStatusRunning, models.TurnStatusAwaitingTool, models.TurnStatusCompleted}, true},
		{"running cannot go back to pending", []models.TurnStatus{models.TurnStatusRunning, models.TurnStatusPending}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := models.NewTurnState("c", "u", "q", models.ModeDefault)
			var err error
			for _, next := range tt.path {
				if err = state.Transition(next); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Transition error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTerminalTurnRejectsTransitions(t *testing.T) {
	state := models.NewTurnState("c", "u", "q", models.ModeDefault)
	_ = state.Transition(models.TurnStatusRunning)
	if err := state.MarkBlocked("refused"); err != nil {
		t.Fatal(err)
	}

	err := state.Transition(models.TurnStatusRunning)
	if !errors.Is(err, models.ErrTurnTerminal) {
		t.Errorf("Expected ErrTurnTerminal, got %v", err)
	}
	if state.CompletedAt == nil {
		t.Error("CompletedAt should be set for terminal turns")
	}
	if state.GeneratedAnswer != "refused" {
		t.Errorf("Expected refusal as answer, got %q", state.GeneratedAnswer)
	}
}

func TestMarkCancelledDiscardsPartialResults(t *testing.T) {
	state := models.NewTurnState("c", "u", "q", models.ModeDefault)
	_ = state.Transition(models.TurnStatusRunning)
	state.ToolResults = []models.ToolResult{{ToolName: "time_calc"}}
	state.RetrievedPassages = []models.PassageRef{{DocID: "d"}}
	state.Draft = "partial"

	if err := state.MarkCancelled(); err != nil {
		t.Fatal(err)
	}
	if len(state.ToolResults) != 0 || len(state.RetrievedPassages) != 0 || state.Draft != "" {
		t.Error("Expected partial results to be discarded on cancel")
	}
}

func TestCompletedStagesAreIdempotent(t *testing.T) {
	state := models.NewTurnState("c", "u", "q", models.ModeDefault)
	state.MarkStageCompleted(models.StageClassify)
	state.MarkStageCompleted(models.StageClassify)

	if len(state.CompletedStages) != 1 {
		t.Errorf("Expected 1 completed stage, got %d", len(state.CompletedStages))
	}
	if !state.HasCompleted(models.StageClassify) {
		t.Error("Expected classify to be completed")
	}
}

func TestRecordStageCostAccumulates(t *testing.T) {
	state := models.NewTurnState("c", "u", "q", models.ModeDefault)
	state.RecordStageCost(models.StageCost{Stage: models.StageExecute, PromptTokens: 100, CompletionTokens: 20, Currency: 0.01})
	state.RecordStageCost(models.StageCost{Stage: models.StageExecute, PromptTokens: 50, CompletionTokens: 10, Currency: 0.02})
	state.RecordStageCost(models.StageCost{Stage: models.StageGenerate, PromptTokens: 10, CompletionTokens: 10})

	execute := state.CostBreakdown.Stages[models.StageExecute]
	if execute.PromptTokens != 150 || execute.CompletionTokens != 30 {
		t.Errorf("Unexpected execute cost: %+v", execute)
	}
	if state.CostBreakdown.TotalTokens != 200 {
		t.Errorf("Expected 200 total tokens, got %d", state.CostBreakdown.TotalTokens)
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := models.NewTurnState("c", "u", "q", models.ModeDefault)
	state.ToolResults = []models.ToolResult{{ToolName: "ruling_fetch", Status: models.ToolStatusSuccess, NoAnswer: true}}

	clone, err := state.Clone()
	if err != nil {
		t.Fatal(err)
	}
	clone.ToolResults[0].ToolName = "changed"

	if state.ToolResults[0].ToolName != "ruling_fetch" {
		t.Error("Mutating the clone changed the original")
	}
}
