package llm_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

type flakyProvider struct {
	failures int32
	calls    int32
	err      error
}

func (p *flakyProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	n := atomic.AddInt32(&p.calls, 1)
	if n <= p.failures {
		return nil, p.err
	}
	return &llm.Completion{Text: "ok", Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5}}, nil
}

type slowProvider struct{}

func (slowProvider) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

func (staticEmbedder) EmbeddingModel() string { return "test-embed" }

func newResilient(p llm.Provider, retries int, timeout time.Duration) *llm.ResilientProvider {
	return llm.NewResilientProvider(p, staticEmbedder{}, llm.ResilienceConfig{
		Timeout:    timeout,
		MaxRetries: retries,
		RetryDelay: time.Millisecond,
	}, logger.NewNop())
}

func TestResilientProviderRetriesTransientFailures(t *testing.T) {
	provider := &flakyProvider{failures: 2, err: errors.New("503 unavailable")}
	rp := newResilient(provider, 2, time.Second)

	completion, err := rp.Complete(context.Background(), llm.Request{Prompt: "hi", Tier: models.TierEconomy})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if completion.Text != "ok" || completion.Tier != models.TierEconomy {
		t.Errorf("Unexpected completion: %+v", completion)
	}
	if provider.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", provider.calls)
	}
}

func TestResilientProviderGivesUpAfterMaxRetries(t *testing.T) {
	provider := &flakyProvider{failures: 10, err: errors.New("503 unavailable")}
	rp := newResilient(provider, 2, time.Second)

	_, err := rp.Complete(context.Background(), llm.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("Expected error")
	}
	if provider.calls != 3 {
		t.Errorf("Expected 3 calls (1 + 2 retries), got %d", provider.calls)
	}
	if models.ErrorTypeOf(err) != models.ErrorTypeExternal {
		t.Errorf("Expected external error, got %v", err)
	}
}

func TestResilientProviderDoesNotRetryValidationErrors(t *testing.T) {
	provider := &flakyProvider{failures: 10, err: models.NewValidationError("BAD_PROMPT", "bad prompt")}
	rp := newResilient(provider, 2, time.Second)

	_, err := rp.Complete(context.Background(), llm.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("Expected error")
	}
	if provider.calls != 1 {
		t.Errorf("Expected a single call, got %d", provider.calls)
	}
}

func TestResilientProviderTimeout(t *testing.T) {
	rp := newResilient(slowProvider{}, 0, 10*time.Millisecond)

	_, err := rp.Complete(context.Background(), llm.Request{Prompt: "hi"})
	if models.ErrorTypeOf(err) != models.ErrorTypeTimeout {
		t.Errorf("Expected timeout error, got %v", err)
	}
}

func TestParseJSONResponse(t *testing.T) {
	var out struct {
		Answerable bool `json:"answerable"`
	}

	fenced := "```json\n{\"answerable\": true}\n```"
	if err := llm.ParseJSONResponse(fenced, &out); err != nil || !out.Answerable {
		t.Errorf("Failed to parse fenced JSON: %v", err)
	}

	out.Answerable = false
	prose := "Sure! Here it is: {\"answerable\": true} hope that helps"
	if err := llm.ParseJSONResponse(prose, &out); err != nil || !out.Answerable {
		t.Errorf("Failed to parse JSON inside prose: %v", err)
	}

	if err := llm.ParseJSONResponse("not json at all", &out); err == nil {
		t.Error("Expected error for garbage")
	}
	if err := llm.ParseJSONResponse("", &out); err == nil {
		t.Error("Expected error for empty output")
	}
}

func TestPricingCost(t *testing.T) {
	pricing := llm.Pricing{PerThousand: map[models.CostTier]float64{models.TierPremium: 2}}
	cost := pricing.Cost(models.TierPremium, llm.Usage{PromptTokens: 400, CompletionTokens: 100})
	if cost != 1 {
		t.Errorf("Expected cost 1, got %v", cost)
	}
}
