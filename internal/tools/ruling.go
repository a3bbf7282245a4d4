package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

const RulingFetchTool = "ruling_fetch"

type Ruling struct {
	AuthorityID   string    `json:"authority_id"`
	AuthorityName string    `json:"authority_name"`
	Question      string    `json:"question"`
	Title         string    `json:"title,omitempty"`
	Answer        string    `json:"answer"`
	URL           string    `json:"url,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// AuthorityFetcher calls an authority's endpoint or scrapes its site.
type AuthorityFetcher interface {
	FetchRuling(ctx context.Context, authority config.Authority, question string) (*Ruling, error)
}

// RulingTool fetches rulings straight from a configured authority. It never falls back
// to retrieved passages: a failed fetch yields an explicit no-answer result.
type RulingTool struct {
	registry *config.AuthorityRegistry
	fetcher  AuthorityFetcher
	logger   *logger.Logger
}

func NewRulingTool(registry *config.AuthorityRegistry, fetcher AuthorityFetcher, log *logger.Logger) *RulingTool {
	return &RulingTool{registry: registry, fetcher: fetcher, logger: log}
}

func (t *RulingTool) Name() string { return RulingFetchTool }

func (t *RulingTool) DeclaredDependencies() []string { return nil }

func (t *RulingTool) TTL() time.Duration { return 24 * time.Hour }

func (t *RulingTool) TTLFor(params map[string]any) time.Duration {
	if authority, ok := t.registry.Get(stringParam(params, "authority")); ok && authority.CacheTTL > 0 {
		return authority.CacheTTL
	}
	return t.TTL()
}

// CacheKey is (question hash, authority id).
func (t *RulingTool) CacheKey(params map[string]any, tctx ToolContext) string {
	authority, _ := t.registry.Get(stringParam(params, "authority"))
	return models.HashKey(RulingFetchTool, models.HashKey(models.NormalizeText(t.question(params, tctx))), authority.ID)
}

func (t *RulingTool) ExtractParameters(clause string) map[string]any {
	params := map[string]any{"question": clause}
	lowered := strings.ToLower(clause)
	for _, authority := range t.registry.Authorities {
		if strings.Contains(lowered, strings.ToLower(authority.Name)) || strings.Contains(lowered, authority.ID) {
			params["authority"] = authority.ID
			break
		}
	}
	return params
}

func (t *RulingTool) Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error) {
	authority, ok := t.registry.Get(stringParam(params, "authority"))
	if !ok {
		return nil, models.ErrInvalidParameters.WithMetadata("authority", stringParam(params, "authority"))
	}
	question := t.question(params, tctx)
	if question == "" {
		return nil, models.ErrInvalidParameters.WithMetadata("question", "empty")
	}

	start := time.Now()
	ruling, err := t.fetcher.FetchRuling(ctx, authority, question)
	if err != nil {
		return nil, err
	}
	if ruling == nil || strings.TrimSpace(ruling.Answer) == "" {
		return t.notFound(authority), nil
	}
	ruling.AuthorityID = authority.ID
	ruling.AuthorityName = authority.Name
	ruling.Question = question
	if ruling.FetchedAt.IsZero() {
		ruling.FetchedAt = time.Now()
	}

	t.logger.WithFields(logger.Fields{
		"turn_id":     tctx.TurnID,
		"authority":   authority.ID,
		"kind":        authority.Kind,
		"duration_ms": time.Since(start).Milliseconds(),
		"url":         ruling.URL,
	}).Info("Ruling fetched from authority")

	result, err := models.NewSuccessResult(RulingFetchTool, ruling, sourceConfidence(authority))
	if err != nil {
		return nil, err
	}
	result.Source = authority.Name
	result.SourceURL = ruling.URL
	return result, nil
}

// Degrade reports a structured no-answer after retries are exhausted.
func (t *RulingTool) Degrade(params map[string]any, tctx ToolContext, err error) *models.ToolResult {
	authority, ok := t.registry.Get(stringParam(params, "authority"))
	if !ok {
		return models.NewFailedResult(RulingFetchTool, err)
	}
	result := t.notFound(authority)
	result.Error = err.Error()
	result.ErrorType = models.ErrorTypeOf(err)
	return result
}

func (t *RulingTool) notFound(authority config.Authority) *models.ToolResult {
	result := models.NewNoAnswerResult(RulingFetchTool, fmt.Sprintf("not found, consult %s directly", authority.Name))
	result.Source = authority.Name
	return result
}

func (t *RulingTool) question(params map[string]any, tctx ToolContext) string {
	if q := strings.TrimSpace(stringParam(params, "question")); q != "" {
		return q
	}
	return strings.TrimSpace(tctx.Query)
}

func sourceConfidence(authority config.Authority) float64 {
	if authority.Kind == "api" {
		return 0.95
	}
	return 0.7
}
