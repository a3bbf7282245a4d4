package orchestrator

import (
	"context"
	"sync"

	"mizan-engine/internal/models"
)

// CheckpointStore persists the latest state of each turn, keyed by
// (conversation_id, turn_id). Records are opaque JSON.
type CheckpointStore interface {
	Save(ctx context.Context, state *models.ConversationTurnState) error
	Load(ctx context.Context, conversationID, turnID string) (*models.ConversationTurnState, error)
	LoadByTurnID(ctx context.Context, turnID string) (*models.ConversationTurnState, error)
}

// Memory is the per-user fact store consulted before query refinement.
type Memory interface {
	Recall(ctx context.Context, userID, query string) ([]string, error)
	Remember(ctx context.Context, userID string, facts []string) error
}

// Publisher receives per-stage progress updates.
type Publisher interface {
	PublishTurnUpdate(ctx context.Context, update *models.TurnUpdate) error
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// MemoryCheckpointStore keeps checkpoints in process. Stored records are serialized
// copies so later mutation of a turn never leaks into a saved checkpoint.
type MemoryCheckpointStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	byTurn  map[string]string
}

func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		records: make(map[string][]byte),
		byTurn:  make(map[string]string),
	}
}

func memoryKey(conversationID, turnID string) string {
	return conversationID + "/" + turnID
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, state *models.ConversationTurnState) error {
	raw, err := state.Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[memoryKey(state.ConversationID, state.TurnID)] = raw
	s.byTurn[state.TurnID] = state.ConversationID
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, conversationID, turnID string) (*models.ConversationTurnState, error) {
	s.mu.RLock()
	raw, ok := s.records[memoryKey(conversationID, turnID)]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrCheckpointMissing.WithMetadata("turn_id", turnID)
	}
	return models.UnmarshalTurnState(raw)
}

func (s *MemoryCheckpointStore) LoadByTurnID(ctx context.Context, turnID string) (*models.ConversationTurnState, error) {
	s.mu.RLock()
	conversationID, ok := s.byTurn[turnID]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrCheckpointMissing.WithMetadata("turn_id", turnID)
	}
	return s.Load(ctx, conversationID, turnID)
}

// NoMemory is used when no memory backend is configured.
type NoMemory struct{}

func (NoMemory) Recall(ctx context.Context, userID, query string) ([]string, error) { return nil, nil }

func (NoMemory) Remember(ctx context.Context, userID string, facts []string) error { return nil }
