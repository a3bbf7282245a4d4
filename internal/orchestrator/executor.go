package orchestrator

import (
	"context"
	"fmt"
	"time"

	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

const (
	checkpointTimeout = 5 * time.Second
	publishTimeout    = 2 * time.Second
)

// turnExecutor drives one turn through the stage pipeline. It is the only writer of
// state for as long as it runs.
type turnExecutor struct {
	orchestrator *Orchestrator
	state        *models.ConversationTurnState
	turn         *activeTurn
	logger       *logger.Logger
}

type stageFunc func(executor *turnExecutor, ctx context.Context) error

var stageFuncs = map[models.StageName]stageFunc{
	models.StageInputPolicy:     (*turnExecutor).inputPolicy,
	models.StageClassify:        (*turnExecutor).classify,
	models.StageRecallMemory:    (*turnExecutor).recallMemory,
	models.StageRefineQuery:     (*turnExecutor).refineQuery,
	models.StageRoute:           (*turnExecutor).route,
	models.StageExecute:         (*turnExecutor).execute,
	models.StageGenerate:        (*turnExecutor).generate,
	models.StageOutputPolicy:    (*turnExecutor).outputPolicy,
	models.StageCitations:       (*turnExecutor).extractCitations,
	models.StageHallucination:   (*turnExecutor).scoreHallucination,
	models.StageMemoryWrite:     (*turnExecutor).writeMemory,
	models.StageCheckpointFinal: (*turnExecutor).finish,
}

func (executor *turnExecutor) run(ctx context.Context) {
	startTime := time.Now()
	state := executor.state

	if state.Status == models.TurnStatusPending || state.Status == models.TurnStatusAwaitingTool {
		if err := state.Transition(models.TurnStatusRunning); err != nil {
			executor.fail(ctx, "start", err)
			return
		}
		if err := executor.checkpoint(ctx); err != nil {
			executor.fail(ctx, "start", err)
			return
		}
	}
	executor.logger.LogTurn(state.TurnID, state.ConversationID, "turn_started", 0, nil)

	stages := models.Stages()
	for i, stage := range stages {
		if state.IsTerminal() {
			break
		}
		if state.HasCompleted(stage) {
			continue
		}
		if stage == models.StageGenerate && !executor.turn.enterGeneration() {
			executor.cancelled(ctx)
			return
		}
		if ctx.Err() != nil {
			executor.interrupted(ctx, stage)
			return
		}

		executor.publishUpdate(stage, fmt.Sprintf("Running %s", stage), float64(i)/float64(len(stages)))

		stageStart := time.Now()
		stageCtx, cancel := context.WithTimeout(ctx, executor.stageTimeout(stage))
		err := stageFuncs[stage](executor, stageCtx)
		cancel()
		duration := time.Since(stageStart)

		if err != nil {
			executor.logger.LogStage(state.TurnID, string(stage), "run", duration, nil, err)
			if ctx.Err() != nil {
				executor.interrupted(ctx, stage)
				return
			}
			executor.fail(ctx, string(stage), err)
			return
		}

		executor.recordStage(stage, stageStart, duration)
		state.MarkStageCompleted(stage)
		if state.IsTerminal() {
			executor.persistFinal(ctx)
		} else if err := executor.checkpoint(ctx); err != nil {
			executor.fail(ctx, string(stage), err)
			return
		}
		executor.logger.LogStage(state.TurnID, string(stage), "run", duration, map[string]interface{}{
			"status": state.Status,
		}, nil)
		executor.publishUpdate(stage, fmt.Sprintf("Completed %s", stage), float64(i+1)/float64(len(stages)))
	}

	executor.logger.WithFields(logger.Fields{
		"turn_id":       state.TurnID,
		"status":        state.Status,
		"intent":        state.Intent,
		"total_tokens":  state.CostBreakdown.TotalTokens,
		"total_cost":    state.CostBreakdown.TotalCurrency,
		"quality_score": state.QualityScore,
	}).Info("Turn finished")
	executor.logger.LogTurn(state.TurnID, state.ConversationID, "turn_"+string(state.Status), time.Since(startTime), nil)
}

// stageTimeout bounds one stage. Multi-hop execution gets a budget per hop.
func (executor *turnExecutor) stageTimeout(stage models.StageName) time.Duration {
	timeout := executor.orchestrator.config.StageTimeout
	plan := executor.state.ExecutionPlan
	if stage == models.StageExecute && plan != nil && plan.Path == models.PathMultiHop {
		hops := executor.orchestrator.config.MaxHops
		if hops < 1 {
			hops = 1
		}
		timeout *= time.Duration(hops + 1)
	}
	return timeout
}

// interrupted handles a cancelled turn context. A user cancel finalizes the turn;
// shutdown leaves the checkpoint for resume.
func (executor *turnExecutor) interrupted(ctx context.Context, stage models.StageName) {
	if executor.turn.wasCancelled() {
		executor.cancelled(ctx)
		return
	}
	executor.logger.LogTurn(executor.state.TurnID, executor.state.ConversationID, "turn_interrupted", 0, ctx.Err())
	executor.logger.Warn("Turn interrupted, resumable from checkpoint", "turn_id", executor.state.TurnID, "stage", stage)
}

func (executor *turnExecutor) cancelled(ctx context.Context) {
	if err := executor.state.MarkCancelled(); err != nil {
		executor.logger.WithError(err).Error("Failed to mark turn cancelled")
		return
	}
	executor.persistFinal(ctx)
	executor.publishUpdate("", "Turn cancelled", 1)
	executor.logger.LogTurn(executor.state.TurnID, executor.state.ConversationID, "turn_cancelled", 0, nil)
}

// fail finalizes the turn with an opaque message; the cause only reaches the logs.
func (executor *turnExecutor) fail(ctx context.Context, stage string, cause error) {
	message := UnavailableMessage
	if models.IsFatal(cause) {
		message = internalFailureMessage
	}
	executor.logger.WithFields(logger.Fields{
		"turn_id":    executor.state.TurnID,
		"stage":      stage,
		"error_type": models.ErrorTypeOf(cause),
	}).WithError(cause).Error("Turn failed")

	if err := executor.state.MarkFailed(message); err != nil {
		executor.logger.WithError(err).Error("Failed to mark turn failed")
		return
	}
	executor.persistFinal(ctx)
	executor.publishUpdate(models.StageName(stage), message, 1)
}

// recordStage adds wall-clock latency to whatever the stage recorded for its model
// calls.
func (executor *turnExecutor) recordStage(stage models.StageName, start time.Time, duration time.Duration) {
	existing := executor.state.CostBreakdown.Stages[stage]
	executor.state.RecordStageCost(models.StageCost{
		Stage:     stage,
		Tier:      existing.Tier,
		Latency:   duration,
		Status:    "completed",
		StartTime: start,
		EndTime:   start.Add(duration),
	})
}

func (executor *turnExecutor) recordCompletion(stage models.StageName, completion *llm.Completion) {
	if completion == nil {
		return
	}
	cost := executor.orchestrator.deps.Pricing.StageCost(stage, completion)
	cost.Latency = 0
	cost.Status = ""
	executor.state.RecordStageCost(cost)
}

func (executor *turnExecutor) recordCacheHits(stage models.StageName, hits int) {
	if hits <= 0 {
		return
	}
	existing := executor.state.CostBreakdown.Stages[stage]
	executor.state.RecordStageCost(models.StageCost{Stage: stage, Tier: existing.Tier, CacheHits: hits})
}

func (executor *turnExecutor) notice(message string) {
	for _, existing := range executor.state.Notices {
		if existing == message {
			return
		}
	}
	executor.state.Notices = append(executor.state.Notices, message)
}

// checkpoint persists the state and refreshes the poll snapshot. It outlives a
// cancelled turn context so the final state is always attempted. A turn must not
// continue past a checkpoint it could not store.
func (executor *turnExecutor) checkpoint(ctx context.Context) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()

	err := executor.orchestrator.deps.Checkpoints.Save(saveCtx, executor.state)
	executor.turn.publish(executor.state)
	if err != nil {
		return checkpointFailed(err)
	}
	return nil
}

// persistFinal stores a terminal state. When the store refuses it, the state is kept
// in memory so polls still report how the turn ended.
func (executor *turnExecutor) persistFinal(ctx context.Context) {
	if err := executor.checkpoint(ctx); err != nil {
		executor.logger.WithField("turn_id", executor.state.TurnID).WithError(err).Error("Final turn state kept in memory only")
		if snapshot := executor.turn.snapshot.Load(); snapshot != nil {
			executor.orchestrator.unsaved.Store(executor.state.TurnID, snapshot)
		}
	}
}

func checkpointFailed(cause error) error {
	return models.NewInternalError("CHECKPOINT_FAILED", "turn checkpoint could not be stored").WithCause(cause)
}

func (executor *turnExecutor) publishUpdate(stage models.StageName, message string, progress float64) {
	publisher := executor.orchestrator.deps.Publisher
	if publisher == nil {
		return
	}

	update := &models.TurnUpdate{
		TurnID:         executor.state.TurnID,
		ConversationID: executor.state.ConversationID,
		Stage:          stage,
		Status:         executor.state.Status,
		Message:        message,
		Progress:       progress,
		Data:           map[string]any{"intent": executor.state.Intent, "completed_stages": len(executor.state.CompletedStages)},
		Timestamp:      time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := publisher.PublishTurnUpdate(ctx, update); err != nil {
		executor.logger.WithError(err).Warn("Failed to publish turn update")
	}
}
