package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

const ComparisonTool = "comparison"

type ComparisonEntry struct {
	AuthorityID   string `json:"authority_id"`
	AuthorityName string `json:"authority_name"`
	Found         bool   `json:"found"`
	Answer        string `json:"answer,omitempty"`
	URL           string `json:"url,omitempty"`
	Message       string `json:"message,omitempty"`
}

type ComparisonResult struct {
	Question string            `json:"question"`
	Entries  []ComparisonEntry `json:"entries"`
}

// CompareTool asks several authorities the same question concurrently and lays the
// answers side by side in registry order.
type CompareTool struct {
	registry *config.AuthorityRegistry
	fetcher  AuthorityFetcher
	logger   *logger.Logger
}

func NewCompareTool(registry *config.AuthorityRegistry, fetcher AuthorityFetcher, log *logger.Logger) *CompareTool {
	return &CompareTool{registry: registry, fetcher: fetcher, logger: log}
}

func (t *CompareTool) Name() string { return ComparisonTool }

func (t *CompareTool) DeclaredDependencies() []string { return nil }

func (t *CompareTool) TTL() time.Duration { return 24 * time.Hour }

func (t *CompareTool) CacheKey(params map[string]any, tctx ToolContext) string {
	ids := make([]string, 0)
	for _, authority := range t.authorities(params) {
		ids = append(ids, authority.ID)
	}
	question := stringParam(params, "question")
	if question == "" {
		question = tctx.Query
	}
	return models.HashKey(ComparisonTool, models.NormalizeText(question), ids)
}

func (t *CompareTool) ExtractParameters(clause string) map[string]any {
	params := map[string]any{"question": clause}
	lowered := strings.ToLower(clause)
	var named []string
	for _, authority := range t.registry.Authorities {
		if strings.Contains(lowered, strings.ToLower(authority.Name)) || strings.Contains(lowered, authority.ID) {
			named = append(named, authority.ID)
		}
	}
	if len(named) > 1 {
		params["authorities"] = named
	}
	return params
}

func (t *CompareTool) Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error) {
	authorities := t.authorities(params)
	if len(authorities) == 0 {
		return nil, models.ErrInvalidParameters.WithMetadata("authorities", "none configured")
	}
	question := strings.TrimSpace(stringParam(params, "question"))
	if question == "" {
		question = strings.TrimSpace(tctx.Query)
	}

	entries := make([]ComparisonEntry, len(authorities))
	g, gctx := errgroup.WithContext(ctx)
	for i, authority := range authorities {
		g.Go(func() error {
			entries[i] = t.fetchOne(gctx, authority, question)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	found := 0
	confidence := 1.0
	for _, entry := range entries {
		if entry.Found {
			found++
			authority, _ := t.registry.Get(entry.AuthorityID)
			confidence = min(confidence, sourceConfidence(authority))
		}
	}
	if found == 0 {
		return models.NewNoAnswerResult(ComparisonTool, "no authority returned a ruling; consult them directly"), nil
	}

	result, err := models.NewSuccessResult(ComparisonTool, ComparisonResult{Question: question, Entries: entries}, confidence)
	if err != nil {
		return nil, err
	}
	result.Source = fmt.Sprintf("%d of %d authorities", found, len(entries))
	return result, nil
}

func (t *CompareTool) fetchOne(ctx context.Context, authority config.Authority, question string) ComparisonEntry {
	entry := ComparisonEntry{AuthorityID: authority.ID, AuthorityName: authority.Name}
	ruling, err := t.fetcher.FetchRuling(ctx, authority, question)
	if err != nil || ruling == nil || strings.TrimSpace(ruling.Answer) == "" {
		if err != nil {
			t.logger.WithFields(logger.Fields{"authority": authority.ID}).WithError(err).Warn("Comparison fetch failed")
		}
		entry.Message = fmt.Sprintf("not found, consult %s directly", authority.Name)
		return entry
	}
	entry.Found = true
	entry.Answer = ruling.Answer
	entry.URL = ruling.URL
	return entry
}

func (t *CompareTool) authorities(params map[string]any) []config.Authority {
	ids := stringsParam(params, "authorities")
	if len(ids) == 0 {
		return t.registry.Authorities
	}
	var out []config.Authority
	for _, id := range ids {
		if authority, ok := t.registry.Get(id); ok {
			out = append(out, authority)
		}
	}
	return out
}
