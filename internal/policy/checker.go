package policy

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

const RefusalMessage = "I'm sorry, but I can't help with that request. If you have a question about rulings, references or calculations, feel free to ask."

const (
	StageInput  = "input"
	StageOutput = "output"
)

// Evidence is what the output checks know about how an answer was produced.
type Evidence struct {
	Query     string
	Passages  int
	Tools     int
	Citations int
}

// Check is one independent policy evaluation.
type Check interface {
	Name() string
	Evaluate(ctx context.Context, content string, evidence Evidence) (models.CheckResult, error)
}

// Rewriter lets a check transform content when it returns a rewrite action. Checks
// without it supply replacement text in CheckResult.Rewrite.
type Rewriter interface {
	Rewrite(content string, result models.CheckResult) string
}

type Checker struct {
	input  []Check
	output []Check
	cache  *cache.Manager
	logger *logger.Logger
}

func NewChecker(input, output []Check, cacheManager *cache.Manager, log *logger.Logger) *Checker {
	return &Checker{input: input, output: output, cache: cacheManager, logger: log}
}

func (c *Checker) CheckInput(ctx context.Context, query string) *models.PolicyVerdict {
	return c.run(ctx, StageInput, c.input, query, Evidence{Query: query})
}

func (c *Checker) CheckOutput(ctx context.Context, answer string, evidence Evidence) *models.PolicyVerdict {
	return c.run(ctx, StageOutput, c.output, answer, evidence)
}

// run evaluates the checks concurrently and aggregates in declaration order: any block
// wins, rewrites apply in order, flags only log.
func (c *Checker) run(ctx context.Context, stage string, checks []Check, content string, evidence Evidence) *models.PolicyVerdict {
	start := time.Now()
	results := make([]models.CheckResult, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			results[i] = c.evaluate(gctx, stage, check, content, evidence)
			return nil
		})
	}
	_ = g.Wait()

	verdict := &models.PolicyVerdict{
		Stage:   stage,
		Action:  models.ActionAllow,
		Checks:  results,
		Content: content,
	}

	for i, result := range results {
		switch result.Action {
		case models.ActionBlock:
			verdict.Action = models.ActionBlock
		case models.ActionFlag:
			verdict.Flags = append(verdict.Flags, result.Check)
			c.logger.WithFields(logger.Fields{
				"stage":      stage,
				"check":      result.Check,
				"confidence": result.Confidence,
				"reason":     result.Reason,
			}).Warn("Policy check flagged content")
		case models.ActionRewrite:
			if verdict.Action == models.ActionBlock {
				continue
			}
			if rewriter, ok := checks[i].(Rewriter); ok {
				verdict.Content = rewriter.Rewrite(verdict.Content, result)
			} else if result.Rewrite != "" {
				verdict.Content = result.Rewrite
			}
			verdict.Action = models.ActionRewrite
		}
	}

	if verdict.Action == models.ActionBlock {
		verdict.Content = RefusalMessage
	}

	c.logger.LogService("policy", stage+"_check", time.Since(start), map[string]interface{}{
		"checks": len(checks),
		"action": verdict.Action,
		"flags":  len(verdict.Flags),
	}, nil)

	return verdict
}

// evaluate runs one check through the policy-check cache. Errors degrade to flag.
func (c *Checker) evaluate(ctx context.Context, stage string, check Check, content string, evidence Evidence) models.CheckResult {
	// model checks see the question too, so a verdict is only reusable for the same one
	key := cache.Key(stage, check.Name(), content, models.HashKey(models.NormalizeText(evidence.Query)),
		evidence.Passages > 0, evidence.Tools > 0, evidence.Citations > 0)

	var cached models.CheckResult
	if c.cache != nil && c.cache.Get(ctx, models.CachePolicyCheck, key, &cached) {
		cached.FromCache = true
		return cached
	}

	result, err := check.Evaluate(ctx, content, evidence)
	if err != nil {
		c.logger.WithFields(logger.Fields{"stage": stage, "check": check.Name()}).WithError(err).Warn("Policy check failed, flagging")
		return models.CheckResult{
			Check:  check.Name(),
			Passed: true,
			Action: models.ActionFlag,
			Reason: "check unavailable",
		}
	}
	result.Check = check.Name()
	if result.Action == "" {
		result.Action = models.ActionAllow
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, models.CachePolicyCheck, key, result, 0); err != nil {
			c.logger.WithError(err).Debug("Policy verdict not cached")
		}
	}
	return result
}
