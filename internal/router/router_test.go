package router_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mizan-engine/internal/config"
	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/router"
)

type scriptedProvider struct {
	reply string
	err   error
	delay time.Duration
	calls atomic.Int32
	tier  models.CostTier
}

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	p.calls.Add(1)
	p.tier = req.Tier
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Completion{Text: p.reply, Usage: llm.Usage{PromptTokens: 120, CompletionTokens: 4}}, nil
}

func testTable(t *testing.T) *config.RoutingTable {
	t.Helper()
	table, err := config.LoadRoutingTable("")
	if err != nil {
		t.Fatalf("Failed to load routing table: %v", err)
	}
	return table
}

func TestGreetingSkipsModel(t *testing.T) {
	provider := &scriptedProvider{reply: "direct_factual|0.9"}
	classifier := router.NewClassifier(provider, time.Second, logger.NewNop())

	for _, query := range []string{"Assalamu alaikum", "hi there!", "Thank you"} {
		result := classifier.Classify(context.Background(), query, nil)
		if result.Intent != models.IntentGreeting || !result.FastPath {
			t.Errorf("Expected greeting fast path for %q, got %+v", query, result)
		}
	}
	if provider.calls.Load() != 0 {
		t.Errorf("Expected no model calls, got %d", provider.calls.Load())
	}
	if router.IsGreeting("hi, is music halal?") {
		t.Error("A question with a greeting prefix is not a bare greeting")
	}
}

func TestClassifyParsesModelOutput(t *testing.T) {
	provider := &scriptedProvider{reply: "authoritative_ruling|0.87\n"}
	classifier := router.NewClassifier(provider, time.Second, logger.NewNop())

	result := classifier.Classify(context.Background(), "is it permissible to pray sitting?", nil)
	if result.Intent != models.IntentAuthoritative || result.Confidence != 0.87 {
		t.Errorf("Unexpected classification %+v", result)
	}
	if provider.tier != models.TierEconomy {
		t.Errorf("Expected economy tier, got %s", provider.tier)
	}
	if result.Completion == nil {
		t.Error("Expected the completion to be returned for cost tracking")
	}
}

func TestGarbageClassifierOutputRoutesToCheapestDirectAnswer(t *testing.T) {
	table := testTable(t)
	r := router.NewRouter(table)

	cases := map[string]*scriptedProvider{
		"garbage":   {reply: "I think this might be about fasting??"},
		"empty":     {reply: ""},
		"bad label": {reply: "astrology|0.99"},
		"bad score": {reply: "calculation|high"},
		"error":     {err: errors.New("upstream 500")},
		"timeout":   {reply: "calculation|0.9", delay: 200 * time.Millisecond},
	}

	for name, provider := range cases {
		t.Run(name, func(t *testing.T) {
			classifier := router.NewClassifier(provider, 20*time.Millisecond, logger.NewNop())
			result := classifier.Classify(context.Background(), "what about the thing from before", nil)
			if result.Intent != models.IntentUnclear || result.Confidence != 0 {
				t.Fatalf("Expected unclear/0, got %+v", result)
			}

			plan := r.Route(result.Intent, models.ModeDefault)
			if plan.Path != models.PathDirectQA || plan.Tier != models.TierEconomy {
				t.Errorf("Expected direct_qa on economy, got %s on %s", plan.Path, plan.Tier)
			}
		})
	}
}

func TestLowConfidenceIsUnclear(t *testing.T) {
	classifier := router.NewClassifier(&scriptedProvider{reply: "comparison|0.2"}, time.Second, logger.NewNop())
	result := classifier.Classify(context.Background(), "what do they say", nil)
	if result.Intent != models.IntentUnclear {
		t.Errorf("Expected unclear for low confidence, got %s", result.Intent)
	}
}

func TestRoute(t *testing.T) {
	r := router.NewRouter(testTable(t))

	tests := []struct {
		name   string
		intent models.Intent
		mode   models.Mode
		path   models.ExecutionPath
		tier   models.CostTier
		tools  []string
	}{
		{"ruling", models.IntentAuthoritative, models.ModeDefault, models.PathToolDispatch, models.TierStandard, []string{"ruling_fetch"}},
		{"research", models.IntentMultiStepResearch, models.ModeDefault, models.PathMultiHop, models.TierPremium, nil},
		{"fast mode pins economy", models.IntentMultiStepResearch, models.ModeFast, models.PathMultiHop, models.TierEconomy, nil},
		{"thorough mode pins premium", models.IntentDirectFactual, models.ModeThorough, models.PathRetrieval, models.TierPremium, nil},
		{"unknown intent", models.Intent("astrology"), models.ModeDefault, models.PathDirectQA, models.TierEconomy, nil},
		{"greeting", models.IntentGreeting, models.ModeDefault, models.PathGreeting, models.TierEconomy, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := r.Route(tt.intent, tt.mode)
			if plan.Path != tt.path || plan.Tier != tt.tier {
				t.Errorf("Expected %s/%s, got %s/%s", tt.path, tt.tier, plan.Path, plan.Tier)
			}
			if len(plan.Defaults) != len(tt.tools) {
				t.Errorf("Expected default tools %v, got %v", tt.tools, plan.Defaults)
			}
		})
	}
}

func TestRouteWithInvalidRowFallsBack(t *testing.T) {
	table, err := config.ParseRoutingTable([]byte(`
routes:
  calculation:
    path: teleport
    tier: economy
fallback:
  path: direct_qa
  tier: economy
`))
	if err != nil {
		t.Fatal(err)
	}
	plan := router.NewRouter(table).Route(models.IntentCalculation, models.ModeDefault)
	if plan.Path != models.PathDirectQA {
		t.Errorf("Expected fallback for invalid path, got %s", plan.Path)
	}
}
