package router

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

var greetingPattern = regexp.MustCompile(`(?i)^\s*(?:hi|hello|hey|salam|salaam|as-?salamu?\s+alaikum|assalamu\s+alaikum|as-salamu\s+alaykum|good\s+(?:morning|afternoon|evening)|thanks|thank\s+you|jazak\s*allah(?:u)?(?:\s+khair(?:an)?)?)(?:\s+(?:there|everyone|all|friend|brother|sister))?[\s!.,?]*$`)

// minConfidence is the lowest self-reported confidence accepted before a query is
// treated as ambiguous.
const minConfidence = 0.4

type Classification struct {
	Intent     models.Intent
	Confidence float64
	FastPath   bool
	Completion *llm.Completion
}

// Classifier labels a query with one intent. Greetings are recognised without a model
// call; everything else costs one economy-tier completion.
type Classifier struct {
	provider llm.Provider
	timeout  time.Duration
	logger   *logger.Logger
}

func NewClassifier(provider llm.Provider, timeout time.Duration, log *logger.Logger) *Classifier {
	return &Classifier{provider: provider, timeout: timeout, logger: log}
}

// IsGreeting reports whether query is a bare greeting.
func IsGreeting(query string) bool {
	return greetingPattern.MatchString(query)
}

// Classify never fails: provider errors, timeouts and unparseable output all yield
// unclear with zero confidence.
func (c *Classifier) Classify(ctx context.Context, query string, recalled []string) Classification {
	if IsGreeting(query) {
		return Classification{Intent: models.IntentGreeting, Confidence: 1, FastPath: true}
	}

	start := time.Now()
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	completion, err := c.provider.Complete(callCtx, llm.Request{
		Prompt:      buildClassificationPrompt(query, recalled),
		SystemRole:  "You are an intent classifier for a question answering assistant on Islamic jurisprudence, scripture and practice.",
		Tier:        models.TierEconomy,
		MaxTokens:   20,
		Temperature: llm.Float32(0),
	})
	if err != nil {
		c.logger.LogService("classifier", "classify_intent", time.Since(start), nil, err)
		return Classification{Intent: models.IntentUnclear}
	}

	intent, confidence, ok := ParseIntentResponse(completion.Text)
	if !ok {
		c.logger.WithFields(logger.Fields{
			"response": truncate(completion.Text, 80),
		}).Warn("Unparseable classifier output")
		return Classification{Intent: models.IntentUnclear, Completion: completion}
	}
	if confidence < minConfidence {
		intent = models.IntentUnclear
	}

	c.logger.LogService("classifier", "classify_intent", time.Since(start), map[string]interface{}{
		"intent":     intent,
		"confidence": confidence,
		"tokens":     completion.Usage.Total(),
	}, nil)
	return Classification{Intent: intent, Confidence: confidence, Completion: completion}
}

// ParseIntentResponse reads "intent|confidence" from the first non-empty line.
func ParseIntentResponse(response string) (models.Intent, float64, bool) {
	text := strings.TrimSpace(llm.StripCodeFences(response))
	if text == "" {
		return models.IntentUnclear, 0, false
	}
	line := strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])

	parts := strings.Split(line, "|")
	if len(parts) != 2 {
		return models.IntentUnclear, 0, false
	}
	intent := models.Intent(strings.ToLower(strings.Trim(strings.TrimSpace(parts[0]), `"'`)))
	if !intent.IsValid() {
		return models.IntentUnclear, 0, false
	}
	confidence, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil || confidence < 0 || confidence > 1 {
		return models.IntentUnclear, 0, false
	}
	return intent, confidence, true
}

func buildClassificationPrompt(query string, recalled []string) string {
	var b strings.Builder
	b.WriteString("Classify the user query into exactly one intent.\n\nIntents:\n")
	b.WriteString("- greeting: salutations or small talk\n")
	b.WriteString("- direct_factual: a factual question answerable from reference texts\n")
	b.WriteString("- authoritative_ruling: asks for a ruling (halal, haram, permissible, obligatory)\n")
	b.WriteString("- reference_lookup: asks for a specific verse or hadith by reference\n")
	b.WriteString("- calculation: prayer times, hijri dates, zakat or installment arithmetic\n")
	b.WriteString("- comparison: compares positions of schools or authorities\n")
	b.WriteString("- narrator_lookup: asks about narrators or the chain of a hadith\n")
	b.WriteString("- multi_step_research: needs several research steps to answer\n")
	b.WriteString("- time_sensitive: depends on current events or announcements\n")
	b.WriteString("- unclear: none of the above\n\n")
	if len(recalled) > 0 {
		b.WriteString("Known about the user:\n")
		for _, fact := range recalled {
			fmt.Fprintf(&b, "- %s\n", fact)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Query:\n%q\n\n", query)
	b.WriteString("Respond with a single line in the format intent|confidence, for example authoritative_ruling|0.87. No explanation.")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
