package llm

import (
	"context"
	"time"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
)

// Request is a single generation call. The engine picks the tier; the provider maps
// it to a concrete model.
type Request struct {
	Prompt       string
	SystemRole   string
	Tier         models.CostTier
	MaxTokens    int32
	Temperature  *float32
	JSONResponse bool
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

type Completion struct {
	Text         string
	Usage        Usage
	Model        string
	Tier         models.CostTier
	FinishReason string
	Duration     time.Duration
}

type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbeddingModel() string
}

// Pricing converts token usage to currency per tier.
type Pricing struct {
	PerThousand map[models.CostTier]float64
}

func NewPricing(cfg config.GeminiConfig) Pricing {
	return Pricing{PerThousand: map[models.CostTier]float64{
		models.TierEconomy:  cfg.EconomyPrice,
		models.TierStandard: cfg.StandardPrice,
		models.TierPremium:  cfg.PremiumPrice,
	}}
}

func (p Pricing) Cost(tier models.CostTier, usage Usage) float64 {
	return float64(usage.Total()) / 1000 * p.PerThousand[tier]
}

// StageCost builds a cost record for a completed call.
func (p Pricing) StageCost(stage models.StageName, completion *Completion) models.StageCost {
	if completion == nil {
		return models.StageCost{Stage: stage}
	}
	return models.StageCost{
		Stage:            stage,
		Tier:             completion.Tier,
		PromptTokens:     completion.Usage.PromptTokens,
		CompletionTokens: completion.Usage.CompletionTokens,
		Latency:          completion.Duration,
		Currency:         p.Cost(completion.Tier, completion.Usage),
		Status:           "completed",
	}
}

func Float32(v float32) *float32 {
	return &v
}

// Disabled stands in for a provider when MODEL_PROVIDER=none. Every call fails
// without retry, so turns degrade to their unavailable path.
type Disabled struct{}

func (Disabled) Complete(ctx context.Context, req Request) (*Completion, error) {
	return nil, disabledError()
}

func (Disabled) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, disabledError()
}

func (Disabled) EmbeddingModel() string { return "none" }

func disabledError() error {
	err := models.NewExternalError("MODEL_DISABLED", "no model provider configured")
	err.Retryable = false
	return err
}
