package llm

import (
	"context"
	"time"

	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/pkg/resilience"
)

// ResilientProvider adds a per-call timeout, bounded retries and a circuit breaker to a
// Provider and an Embedder.
type ResilientProvider struct {
	provider Provider
	embedder Embedder
	timeout  time.Duration
	policy   resilience.RetryPolicy
	breaker  *resilience.Breaker
	logger   *logger.Logger
}

type ResilienceConfig struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func NewResilientProvider(provider Provider, embedder Embedder, cfg ResilienceConfig, log *logger.Logger) *ResilientProvider {
	return &ResilientProvider{
		provider: provider,
		embedder: embedder,
		timeout:  cfg.Timeout,
		policy: resilience.RetryPolicy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.RetryDelay,
			MaxDelay:     8 * cfg.RetryDelay,
		},
		breaker: resilience.NewBreaker(resilience.BreakerSettings{Name: "model-provider"}, log),
		logger:  log,
	}
}

func (rp *ResilientProvider) Complete(ctx context.Context, req Request) (*Completion, error) {
	start := time.Now()
	completion, attempts, err := resilience.Retry(ctx, rp.policy, rp.onRetry("complete"), func(ctx context.Context) (*Completion, error) {
		return resilience.Execute(rp.breaker, func() (*Completion, error) {
			callCtx, cancel := rp.withTimeout(ctx)
			defer cancel()
			completion, err := rp.provider.Complete(callCtx, req)
			if err != nil {
				return nil, models.WrapExternalError("MODEL", err)
			}
			return completion, nil
		})
	})
	if err != nil {
		rp.logger.LogService("model", "complete", time.Since(start), map[string]interface{}{
			"tier":     req.Tier,
			"attempts": attempts,
		}, err)
		return nil, err
	}
	if completion.Duration == 0 {
		completion.Duration = time.Since(start)
	}
	if completion.Tier == "" {
		completion.Tier = req.Tier
	}
	return completion, nil
}

func (rp *ResilientProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vector, attempts, err := resilience.Retry(ctx, rp.policy, rp.onRetry("embed"), func(ctx context.Context) ([]float32, error) {
		return resilience.Execute(rp.breaker, func() ([]float32, error) {
			callCtx, cancel := rp.withTimeout(ctx)
			defer cancel()
			vector, err := rp.embedder.Embed(callCtx, text)
			if err != nil {
				return nil, models.WrapExternalError("EMBEDDING", err)
			}
			return vector, nil
		})
	})
	if err != nil {
		rp.logger.LogService("model", "embed", time.Since(start), map[string]interface{}{"attempts": attempts}, err)
		return nil, err
	}
	return vector, nil
}

func (rp *ResilientProvider) EmbeddingModel() string {
	return rp.embedder.EmbeddingModel()
}

func (rp *ResilientProvider) BreakerState() string {
	return rp.breaker.State()
}

func (rp *ResilientProvider) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if rp.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, rp.timeout)
}

func (rp *ResilientProvider) onRetry(operation string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		rp.logger.WithFields(logger.Fields{
			"operation": operation,
			"wait_ms":   wait.Milliseconds(),
		}).WithError(err).Warn("Model call failed, retrying")
	}
}
