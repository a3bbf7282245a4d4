package tools

import (
	"context"
	"strings"
	"time"

	"mizan-engine/internal/models"
)

const WebSearchTool = "web_search"

type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Content string `json:"content,omitempty"`
}

// WebSearcher finds current information on the open web.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchHit, error)
}

type WebSearchResult struct {
	Query     string      `json:"query"`
	Hits      []SearchHit `json:"hits"`
	FetchedAt time.Time   `json:"fetched_at"`
}

type SearchTool struct {
	searcher WebSearcher
	limit    int
	ttl      time.Duration
}

func NewSearchTool(searcher WebSearcher, limit int, ttl time.Duration) *SearchTool {
	if limit <= 0 {
		limit = 5
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &SearchTool{searcher: searcher, limit: limit, ttl: ttl}
}

func (t *SearchTool) Name() string { return WebSearchTool }

func (t *SearchTool) DeclaredDependencies() []string { return nil }

func (t *SearchTool) TTL() time.Duration { return t.ttl }

func (t *SearchTool) CacheClass() models.CacheClass { return models.CacheWebSearch }

func (t *SearchTool) CacheKey(params map[string]any, tctx ToolContext) string {
	return models.HashKey(WebSearchTool, models.NormalizeText(t.query(params, tctx)))
}

func (t *SearchTool) ExtractParameters(clause string) map[string]any {
	return map[string]any{"query": clause}
}

func (t *SearchTool) Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error) {
	query := t.query(params, tctx)
	if query == "" {
		return nil, models.ErrInvalidParameters.WithMetadata("query", "empty")
	}

	hits, err := t.searcher.Search(ctx, query, t.limit)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return models.NewNoAnswerResult(WebSearchTool, "no current information found"), nil
	}

	result, err := models.NewSuccessResult(WebSearchTool, WebSearchResult{Query: query, Hits: hits, FetchedAt: time.Now()}, 0.5)
	if err != nil {
		return nil, err
	}
	result.Source = hits[0].Title
	result.SourceURL = hits[0].URL
	return result, nil
}

func (t *SearchTool) query(params map[string]any, tctx ToolContext) string {
	if q := strings.TrimSpace(stringParam(params, "query")); q != "" {
		return q
	}
	return strings.TrimSpace(tctx.Query)
}
