package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/config"
	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/policy"
	"mizan-engine/internal/reasoner"
	"mizan-engine/internal/router"
	"mizan-engine/internal/tools"
)

// UnavailableMessage is the only failure text callers ever see for transient problems.
const UnavailableMessage = "The service is temporarily unavailable. Please try again shortly."

const internalFailureMessage = "We could not complete this request."

// Dependencies are the collaborators a turn runs against. Memory, Checkpoints and
// Publisher are optional.
type Dependencies struct {
	Provider    llm.Provider
	Pricing     llm.Pricing
	Classifier  *router.Classifier
	Router      *router.Router
	Planner     *tools.Planner
	Dispatcher  *tools.Dispatcher
	Retriever   reasoner.Retriever
	Reasoner    *reasoner.Reasoner
	Policy      *policy.Checker
	Cache       *cache.Manager
	Memory      Memory
	Checkpoints CheckpointStore
	Publisher   Publisher
	Health      map[string]HealthChecker

	// BreakerState reports the model circuit for stats; may be nil.
	BreakerState func() string
}

// Orchestrator owns the lifecycle of conversation turns: it accepts them, runs each on
// its own goroutine through the stage pipeline, and answers polls and cancellations.
type Orchestrator struct {
	deps   Dependencies
	config config.EngineConfig
	logger *logger.Logger

	activeTurns sync.Map // turn_id -> *activeTurn
	unsaved     sync.Map // turn_id -> *models.ConversationTurnState the store refused
	slots       chan struct{}
	wg          sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
	closed  atomic.Bool

	submitted atomic.Int64
	finished  sync.Map // models.TurnStatus -> *atomic.Int64

	startTime time.Time
}

// activeTurn is the registry entry of a running turn. The executor goroutine owns the
// state; everyone else reads the published snapshot.
type activeTurn struct {
	ctx               context.Context
	mu                sync.Mutex
	cancel            context.CancelFunc
	cancelRequested   bool
	generationStarted bool

	snapshot atomic.Pointer[models.ConversationTurnState]
}

func NewOrchestrator(deps Dependencies, cfg config.EngineConfig, log *logger.Logger) (*Orchestrator, error) {
	var missing []string
	if deps.Provider == nil {
		missing = append(missing, "provider")
	}
	if deps.Classifier == nil {
		missing = append(missing, "classifier")
	}
	if deps.Router == nil {
		missing = append(missing, "router")
	}
	if deps.Planner == nil || deps.Dispatcher == nil {
		missing = append(missing, "tools")
	}
	if deps.Retriever == nil {
		missing = append(missing, "retriever")
	}
	if deps.Reasoner == nil {
		missing = append(missing, "reasoner")
	}
	if deps.Policy == nil {
		missing = append(missing, "policy")
	}
	if deps.Cache == nil {
		missing = append(missing, "cache")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator is missing dependencies: %s", strings.Join(missing, ", "))
	}

	if deps.Memory == nil {
		deps.Memory = NoMemory{}
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = NewMemoryCheckpointStore()
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 64
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 45 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	baseCtx, stop := context.WithCancel(context.Background())
	orchestrator := &Orchestrator{
		deps:      deps,
		config:    cfg,
		logger:    log,
		slots:     make(chan struct{}, cfg.MaxConcurrentTurns),
		baseCtx:   baseCtx,
		stop:      stop,
		startTime: time.Now(),
	}

	log.Info("Orchestrator initialized",
		"max_concurrent_turns", cfg.MaxConcurrentTurns,
		"stage_timeout", cfg.StageTimeout.String(),
		"stages", len(models.Stages()))

	return orchestrator, nil
}

// SubmitTurn validates and accepts a turn, returning its id immediately. The turn runs
// detached from ctx; only CancelTurn or Close stop it.
func (orchestrator *Orchestrator) SubmitTurn(ctx context.Context, conversationID, userID, query string, mode models.Mode) (string, error) {
	if orchestrator.closed.Load() {
		return "", models.NewExternalError("ENGINE_CLOSED", "engine is shutting down")
	}

	conversationID = strings.TrimSpace(conversationID)
	userID = strings.TrimSpace(userID)
	query = strings.TrimSpace(query)
	if conversationID == "" || userID == "" || query == "" {
		return "", models.NewValidationError("INVALID_TURN", "conversation_id, user_id and query are required")
	}
	switch mode {
	case models.ModeDefault, models.ModeFast, models.ModeThorough:
	default:
		return "", models.NewValidationError("INVALID_MODE", fmt.Sprintf("unknown mode %q", mode))
	}

	select {
	case orchestrator.slots <- struct{}{}:
	default:
		return "", models.NewExternalError("ENGINE_BUSY", "too many turns in flight")
	}

	state := models.NewTurnState(conversationID, userID, query, mode)
	if err := orchestrator.deps.Checkpoints.Save(ctx, state); err != nil {
		<-orchestrator.slots
		orchestrator.logger.WithError(err).Error("Failed to store initial turn checkpoint")
		return "", checkpointFailed(err)
	}

	orchestrator.submitted.Add(1)
	orchestrator.logger.LogTurn(state.TurnID, conversationID, "turn_submitted", 0, nil)
	turn := orchestrator.newActiveTurn()
	orchestrator.activeTurns.Store(state.TurnID, turn)
	orchestrator.start(state, turn)
	return state.TurnID, nil
}

func (orchestrator *Orchestrator) newActiveTurn() *activeTurn {
	ctx, cancel := context.WithCancel(orchestrator.baseCtx)
	return &activeTurn{ctx: ctx, cancel: cancel}
}

// start runs a turn already registered in activeTurns. The caller must hold a slot.
func (orchestrator *Orchestrator) start(state *models.ConversationTurnState, turn *activeTurn) {
	turn.mu.Lock()
	turn.generationStarted = state.HasCompleted(models.StageGenerate)
	turn.mu.Unlock()
	turn.publish(state)

	orchestrator.wg.Add(1)
	go func() {
		defer orchestrator.wg.Done()
		defer func() { <-orchestrator.slots }()
		defer orchestrator.activeTurns.Delete(state.TurnID)
		defer turn.cancel()

		executor := &turnExecutor{
			orchestrator: orchestrator,
			state:        state,
			turn:         turn,
			logger:       orchestrator.logger,
		}
		executor.run(turn.ctx)

		if state.IsTerminal() {
			orchestrator.countFinished(state.Status)
		}
	}()
}

// PollTurn returns the latest view of a turn: the live snapshot while it runs, the
// checkpoint afterwards.
func (orchestrator *Orchestrator) PollTurn(ctx context.Context, turnID string) (*models.ConversationTurnState, error) {
	if value, ok := orchestrator.activeTurns.Load(turnID); ok {
		if snapshot := value.(*activeTurn).snapshot.Load(); snapshot != nil {
			return snapshot.Clone()
		}
	}
	if value, ok := orchestrator.unsaved.Load(turnID); ok {
		return value.(*models.ConversationTurnState).Clone()
	}

	state, err := orchestrator.deps.Checkpoints.LoadByTurnID(ctx, turnID)
	if err != nil {
		if errors.Is(err, models.ErrCheckpointMissing) {
			return nil, models.ErrTurnNotFound.WithMetadata("turn_id", turnID)
		}
		return nil, err
	}
	return state, nil
}

// CancelTurn stops a turn that has not started generating. Cancelling a terminal turn
// or one already generating is an error.
func (orchestrator *Orchestrator) CancelTurn(ctx context.Context, turnID string) error {
	if value, ok := orchestrator.activeTurns.Load(turnID); ok {
		turn := value.(*activeTurn)
		turn.mu.Lock()
		defer turn.mu.Unlock()

		if snapshot := turn.snapshot.Load(); snapshot != nil && snapshot.IsTerminal() {
			return models.ErrTurnTerminal.WithMetadata("status", string(snapshot.Status))
		}
		if turn.generationStarted {
			return models.ErrCancelTooLate
		}
		turn.cancelRequested = true
		turn.cancel()
		orchestrator.logger.LogTurn(turnID, "", "turn_cancel_requested", 0, nil)
		return nil
	}

	// Not running here: an interrupted turn that was never resumed.
	state, err := orchestrator.PollTurn(ctx, turnID)
	if err != nil {
		return err
	}
	if state.IsTerminal() {
		return models.ErrTurnTerminal.WithMetadata("status", string(state.Status))
	}
	if state.HasCompleted(models.StageGenerate) {
		return models.ErrCancelTooLate
	}
	if err := state.MarkCancelled(); err != nil {
		return err
	}
	if err := orchestrator.deps.Checkpoints.Save(ctx, state); err != nil {
		return err
	}
	orchestrator.countFinished(models.TurnStatusCancelled)
	orchestrator.logger.LogTurn(turnID, state.ConversationID, "turn_cancelled", 0, nil)
	return nil
}

// ResumeTurn restarts an interrupted turn from its checkpoint. Completed stages are
// not re-run.
func (orchestrator *Orchestrator) ResumeTurn(ctx context.Context, conversationID, turnID string) error {
	if orchestrator.closed.Load() {
		return models.NewExternalError("ENGINE_CLOSED", "engine is shutting down")
	}

	// The registry entry is claimed before the checkpoint is read so that two
	// concurrent resumes cannot both start the turn.
	turn := orchestrator.newActiveTurn()
	if value, loaded := orchestrator.activeTurns.LoadOrStore(turnID, turn); loaded {
		turn.cancel()
		if snapshot := value.(*activeTurn).snapshot.Load(); snapshot != nil && snapshot.IsTerminal() {
			return models.ErrTurnTerminal.WithMetadata("status", string(snapshot.Status))
		}
		return models.NewConflictError("TURN_ACTIVE", "turn is already running").WithMetadata("turn_id", turnID)
	}
	release := func() {
		orchestrator.activeTurns.Delete(turnID)
		turn.cancel()
	}
	if value, ok := orchestrator.unsaved.Load(turnID); ok {
		release()
		return models.ErrTurnTerminal.WithMetadata("status", string(value.(*models.ConversationTurnState).Status))
	}

	state, err := orchestrator.deps.Checkpoints.Load(ctx, conversationID, turnID)
	if err != nil {
		release()
		if errors.Is(err, models.ErrCheckpointMissing) {
			return models.ErrTurnNotFound.WithMetadata("turn_id", turnID)
		}
		return err
	}
	if state.IsTerminal() {
		release()
		return models.ErrTurnTerminal.WithMetadata("status", string(state.Status))
	}

	select {
	case orchestrator.slots <- struct{}{}:
	default:
		release()
		return models.NewExternalError("ENGINE_BUSY", "too many turns in flight")
	}

	orchestrator.logger.LogTurn(turnID, conversationID, "turn_resumed", 0, nil)
	orchestrator.start(state, turn)
	return nil
}

func (orchestrator *Orchestrator) GetActiveTurnsCount() int {
	count := 0
	orchestrator.activeTurns.Range(func(key, value interface{}) bool {
		count++
		return true
	})
	return count
}

func (orchestrator *Orchestrator) HealthCheck(ctx context.Context) error {
	for name, checker := range orchestrator.deps.Health {
		if checker == nil {
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s health check failed: %w", name, err)
		}
	}
	return nil
}

func (orchestrator *Orchestrator) GetStats() map[string]interface{} {
	finished := map[string]int64{}
	orchestrator.finished.Range(func(key, value interface{}) bool {
		finished[string(key.(models.TurnStatus))] = value.(*atomic.Int64).Load()
		return true
	})

	stats := map[string]interface{}{
		"service":          "orchestrator",
		"uptime_seconds":   time.Since(orchestrator.startTime).Seconds(),
		"active_turns":     orchestrator.GetActiveTurnsCount(),
		"submitted_turns":  orchestrator.submitted.Load(),
		"finished_turns":   finished,
		"max_concurrent":   cap(orchestrator.slots),
		"cache":            orchestrator.deps.Cache.Stats(),
		"pipeline_stages":  models.Stages(),
		"health_endpoints": len(orchestrator.deps.Health),
	}
	if orchestrator.deps.BreakerState != nil {
		stats["model_circuit"] = orchestrator.deps.BreakerState()
	}
	return stats
}

// Close stops accepting turns and waits for running ones. Turns still running at the
// deadline are interrupted and stay resumable from their checkpoints.
func (orchestrator *Orchestrator) Close() error {
	if !orchestrator.closed.CompareAndSwap(false, true) {
		return nil
	}
	orchestrator.logger.Info("Orchestrator shutting down", "active_turns", orchestrator.GetActiveTurnsCount())

	done := make(chan struct{})
	go func() {
		orchestrator.wg.Wait()
		close(done)
	}()

	timeout := time.After(orchestrator.config.ShutdownTimeout)
	select {
	case <-done:
		orchestrator.logger.Info("All turns completed, orchestrator closed")
	case <-timeout:
		orchestrator.logger.Warn("Timeout waiting for turns to complete, interrupting", "active_turns", orchestrator.GetActiveTurnsCount())
		orchestrator.stop()
		<-done
	}
	orchestrator.stop()
	return nil
}

func (orchestrator *Orchestrator) countFinished(status models.TurnStatus) {
	value, _ := orchestrator.finished.LoadOrStore(status, new(atomic.Int64))
	value.(*atomic.Int64).Add(1)
}

func (turn *activeTurn) publish(state *models.ConversationTurnState) {
	snapshot, err := state.Clone()
	if err != nil {
		return
	}
	turn.snapshot.Store(snapshot)
}

// enterGeneration is the last cancellation point. It reports false when a cancel
// arrived first.
func (turn *activeTurn) enterGeneration() bool {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	if turn.cancelRequested {
		return false
	}
	turn.generationStarted = true
	return true
}

func (turn *activeTurn) wasCancelled() bool {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	return turn.cancelRequested
}
