package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"mizan-engine/internal/config"
	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

// GeminiService is the model provider and embedder. It makes one attempt per call;
// retries and the circuit breaker live in llm.ResilientProvider.
type GeminiService struct {
	client *genai.Client
	config config.GeminiConfig
	logger *logger.Logger
}

func NewGeminiService(cfg config.GeminiConfig, log *logger.Logger) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	service := &GeminiService{
		client: client,
		config: cfg,
		logger: log,
	}

	if err := service.testConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini API: %w", err)
	}

	log.Info("AI service initialized successfully - Gemini API",
		"economy_model", cfg.EconomyModel,
		"standard_model", cfg.StandardModel,
		"premium_model", cfg.PremiumModel,
		"embedding_model", cfg.EmbeddingModel,
		"max_tokens", cfg.MaxTokens)

	return service, nil
}

func (service *GeminiService) testConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), service.config.Timeout)
	defer cancel()
	return service.HealthCheck(ctx)
}

// Model maps a cost tier to the configured model name.
func (service *GeminiService) Model(tier models.CostTier) string {
	switch tier {
	case models.TierPremium:
		return service.config.PremiumModel
	case models.TierStandard:
		return service.config.StandardModel
	default:
		return service.config.EconomyModel
	}
}

func (service *GeminiService) Complete(ctx context.Context, req llm.Request) (*llm.Completion, error) {
	startTime := time.Now()
	model := service.Model(req.Tier)

	genConfig := &genai.GenerateContentConfig{}
	if req.SystemRole != "" {
		genConfig.SystemInstruction = genai.NewContentFromText(req.SystemRole, genai.RoleUser)
	}
	if req.Temperature != nil {
		genConfig.Temperature = req.Temperature
	} else {
		temp := float32(service.config.Temperature)
		genConfig.Temperature = &temp
	}
	if req.MaxTokens != 0 {
		genConfig.MaxOutputTokens = req.MaxTokens
	} else {
		genConfig.MaxOutputTokens = int32(service.config.MaxTokens)
	}
	if req.JSONResponse {
		genConfig.ResponseMIMEType = "application/json"
	}
	if req.Tier == models.TierEconomy {
		var budget int32
		genConfig.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}

	result, err := service.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), genConfig)
	if err != nil {
		service.logger.LogService("gemini", "generate_content", time.Since(startTime), map[string]interface{}{
			"model":         model,
			"prompt_length": len(req.Prompt),
		}, err)
		return nil, models.WrapExternalError("GEMINI", err)
	}
	if len(result.Candidates) == 0 {
		return nil, models.NewExternalError("GEMINI_EMPTY", "no response candidates generated")
	}

	candidate := result.Candidates[0]
	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			text.WriteString(part.Text)
		}
	}

	completion := &llm.Completion{
		Text:         text.String(),
		Model:        model,
		Tier:         req.Tier,
		FinishReason: string(candidate.FinishReason),
		Duration:     time.Since(startTime),
	}
	if usage := result.UsageMetadata; usage != nil {
		completion.Usage = llm.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
		}
	} else {
		completion.Usage = llm.Usage{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(completion.Text) / 4,
		}
	}

	service.logger.LogService("gemini", "generate_content", completion.Duration, map[string]interface{}{
		"model":             model,
		"tier":              req.Tier,
		"prompt_tokens":     completion.Usage.PromptTokens,
		"completion_tokens": completion.Usage.CompletionTokens,
		"finish_reason":     completion.FinishReason,
	}, nil)

	return completion, nil
}

func (service *GeminiService) Embed(ctx context.Context, text string) ([]float32, error) {
	startTime := time.Now()

	result, err := service.client.Models.EmbedContent(ctx, service.config.EmbeddingModel, genai.Text(text), nil)
	if err != nil {
		service.logger.LogService("gemini", "embed_content", time.Since(startTime), nil, err)
		return nil, models.WrapExternalError("GEMINI", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, models.NewExternalError("GEMINI_EMPTY", "no embedding returned")
	}

	service.logger.LogService("gemini", "embed_content", time.Since(startTime), map[string]interface{}{
		"dimensions": len(result.Embeddings[0].Values),
	}, nil)
	return result.Embeddings[0].Values, nil
}

func (service *GeminiService) EmbeddingModel() string {
	return service.config.EmbeddingModel
}

func (service *GeminiService) HealthCheck(ctx context.Context) error {
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := service.Complete(testCtx, llm.Request{
		Prompt:      "Respond with 'OK' if you can process this request",
		Tier:        models.TierEconomy,
		Temperature: llm.Float32(0),
		MaxTokens:   10,
	})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.Text == "" {
		return fmt.Errorf("empty response received")
	}
	return nil
}

func (service *GeminiService) Close() error {
	service.logger.Info("Gemini client closed")
	return nil
}
