package tools

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/pkg/resilience"
)

// Dispatcher executes a plan group by group. Steps in a group run concurrently; results
// are aggregated in plan order regardless of completion order.
type Dispatcher struct {
	registry *Registry
	cache    *cache.Manager
	logger   *logger.Logger
	timeout  time.Duration
	policy   resilience.RetryPolicy
}

func NewDispatcher(registry *Registry, cacheManager *cache.Manager, timeout time.Duration, policy resilience.RetryPolicy, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		cache:    cacheManager,
		logger:   log,
		timeout:  timeout,
		policy:   policy,
	}
}

// Execute runs every step of steps. Tool failures never fail the call; only
// cancellation of ctx does, in which case partial results are discarded. When ctx
// reaches its deadline instead, unfinished tools degrade and the results are kept.
func (d *Dispatcher) Execute(ctx context.Context, steps []models.PlanStep, tctx ToolContext) ([]models.ToolResult, error) {
	plan := models.ExecutionPlan{Steps: steps}
	completed := make(map[string]*models.ToolResult, len(steps))
	var results []models.ToolResult

	for _, group := range plan.Groups() {
		groupResults := make([]*models.ToolResult, len(group))

		g, gctx := errgroup.WithContext(ctx)
		for i, step := range group {
			stepCtx := tctx
			stepCtx.Upstream = upstreamFor(step, completed)
			g.Go(func() error {
				groupResults[i] = d.invoke(gctx, step, stepCtx)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return nil, err
		}

		for i, result := range groupResults {
			completed[group[i].Tool] = result
			results = append(results, *result)
		}
	}
	return results, nil
}

func upstreamFor(step models.PlanStep, completed map[string]*models.ToolResult) map[string]*models.ToolResult {
	if len(step.DependsOn) == 0 {
		return nil
	}
	upstream := make(map[string]*models.ToolResult, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		if result, ok := completed[dep]; ok {
			upstream[dep] = result
		}
	}
	return upstream
}

func (d *Dispatcher) invoke(ctx context.Context, step models.PlanStep, tctx ToolContext) *models.ToolResult {
	start := time.Now()

	tool, err := d.registry.Get(step.Tool)
	if err != nil {
		d.logger.LogTool(tctx.TurnID, step.Tool, 0, nil, err)
		return d.finish(models.NewFailedResult(step.Tool, err), step, start)
	}

	key := tool.CacheKey(step.Parameters, tctx)
	class := models.CacheToolResult
	if classifier, ok := tool.(CacheClassifier); ok {
		class = classifier.CacheClass()
	}
	ttl := tool.TTL()
	if resolver, ok := tool.(TTLResolver); ok {
		ttl = resolver.TTLFor(step.Parameters)
	}

	if key != "" && d.cache != nil {
		var cached models.ToolResult
		if d.cache.Get(ctx, class, key, &cached) {
			cached.FromCache = true
			cached.Duration = time.Since(start)
			d.logger.LogTool(tctx.TurnID, step.Tool, cached.Duration, map[string]interface{}{"cache_hit": true}, nil)
			return &cached
		}
	}

	attemptTimeout := d.attemptTimeout(ctx)
	result, attempts, err := resilience.Retry(ctx, d.policy, func(err error, wait time.Duration) {
		d.logger.WithFields(logger.Fields{
			"turn_id": tctx.TurnID,
			"tool":    step.Tool,
			"wait_ms": wait.Milliseconds(),
		}).WithError(err).Warn("Tool invocation failed, retrying")
	}, func(ctx context.Context) (*models.ToolResult, error) {
		callCtx, cancel := withTimeout(ctx, attemptTimeout)
		defer cancel()
		result, err := tool.Invoke(callCtx, step.Parameters, tctx)
		if err != nil {
			return nil, classify(step.Tool, err)
		}
		return result, nil
	})

	if err != nil {
		d.logger.LogTool(tctx.TurnID, step.Tool, time.Since(start), map[string]interface{}{"attempts": attempts}, err)
		if degrader, ok := tool.(Degrader); ok && !errors.Is(err, context.Canceled) {
			result = degrader.Degrade(step.Parameters, tctx, err)
		} else {
			result = models.NewFailedResult(step.Tool, err)
		}
		result.Attempts = attempts
		return d.finish(result, step, start)
	}

	result.Attempts = attempts
	if verr := result.Validate(); verr != nil {
		d.logger.LogTool(tctx.TurnID, step.Tool, time.Since(start), nil, verr)
		return d.finish(models.NewFailedResult(step.Tool, verr), step, start)
	}

	result = d.finish(result, step, start)
	result.CacheKey = key
	if key != "" && d.cache != nil && result.HasAnswer() {
		if err := d.cache.Set(ctx, class, key, result, ttl); err != nil {
			d.logger.WithError(err).Debug("Tool result not cached")
		}
	}

	d.logger.LogTool(tctx.TurnID, step.Tool, result.Duration, map[string]interface{}{
		"attempts":  attempts,
		"no_answer": result.NoAnswer,
	}, nil)
	return result
}

func (d *Dispatcher) finish(result *models.ToolResult, step models.PlanStep, start time.Time) *models.ToolResult {
	result.ToolName = step.Tool
	result.Parameters = step.Parameters
	result.Duration = time.Since(start)
	return result
}

// attemptTimeout shares what is left of ctx's deadline between all attempts, so the
// last retry still ends in time for the tool to degrade.
func (d *Dispatcher) attemptTimeout(ctx context.Context) time.Duration {
	timeout := d.timeout
	deadline, ok := ctx.Deadline()
	if !ok {
		return timeout
	}
	share := time.Until(deadline) * 9 / 10 / time.Duration(d.policy.MaxRetries+1)
	if share <= 0 {
		share = time.Millisecond
	}
	if timeout <= 0 || share < timeout {
		timeout = share
	}
	return timeout
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classify maps raw tool errors onto the error taxonomy so that only transient
// failures are retried.
func classify(tool string, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return models.WrapExternalError("TOOL_"+tool, err)
}
