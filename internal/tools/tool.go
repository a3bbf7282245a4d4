package tools

import (
	"context"
	"sort"
	"sync"
	"time"

	"mizan-engine/internal/models"
)

// ToolContext carries turn-level context into an invocation.
type ToolContext struct {
	TurnID         string
	ConversationID string
	UserID         string
	Query          string
	Now            time.Time

	// Upstream holds the results of the tools this step depends on, by tool name.
	Upstream map[string]*models.ToolResult
}

// Tool is the capability set every tool implements.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error)
	CacheKey(params map[string]any, tctx ToolContext) string
	DeclaredDependencies() []string
	TTL() time.Duration
}

// ParameterExtractor derives invocation parameters from the query clause that selected
// the tool.
type ParameterExtractor interface {
	ExtractParameters(clause string) map[string]any
}

// TTLResolver lets a tool pick a TTL per invocation.
type TTLResolver interface {
	TTLFor(params map[string]any) time.Duration
}

// CacheClassifier overrides the default tool-result cache class.
type CacheClassifier interface {
	CacheClass() models.CacheClass
}

// Degrader turns a final failure into a structured result instead of a failed one.
type Degrader interface {
	Degrade(params map[string]any, tctx ToolContext, err error) *models.ToolResult
}

// Registry maps tool names to implementations. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	registry := &Registry{tools: make(map[string]Tool)}
	for _, tool := range tools {
		registry.Register(tool)
	}
	return registry
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, models.ErrToolNotFound.WithMetadata("tool", name)
	}
	return tool, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch v := params[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return ""
	}
}

func floatParam(params map[string]any, key string) (float64, bool) {
	if params == nil {
		return 0, false
	}
	switch v := params[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringsParam(params map[string]any, key string) []string {
	if params == nil {
		return nil
	}
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
