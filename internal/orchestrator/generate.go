package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"mizan-engine/internal/cache"
	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
)

const (
	groundedRole = "You are a careful assistant for questions on Islamic jurisprudence, scripture and practice. Answer only from the numbered sources and cite each claim with its marker, such as [1]. Never invent references."
	directRole   = "You are a careful assistant for questions on Islamic jurisprudence, scripture and practice. Answer briefly, say when you are unsure, and never invent references or rulings."

	maxSourceChars = 1500
)

// source is one numbered piece of evidence offered to the model. Marker n refers to
// sources[n-1].
type source struct {
	text     string
	citation models.Citation
}

// buildSources numbers passages first, then tool results that carry an answer. The
// order is deterministic so the post-processing stages can rebuild it after a resume.
func buildSources(state *models.ConversationTurnState) []source {
	var sources []source
	for _, passage := range state.Passages {
		label := passage.Metadata["source"]
		if label == "" {
			label = passage.DocID
		}
		sources = append(sources, source{
			text: passage.Text,
			citation: models.Citation{
				DocID:   passage.DocID,
				ChunkID: passage.ChunkID,
				Source:  label,
				URL:     passage.Metadata["url"],
			},
		})
	}
	for i := range state.ToolResults {
		result := &state.ToolResults[i]
		if !result.HasAnswer() {
			continue
		}
		label := result.Source
		if label == "" {
			label = displayTool(result.ToolName)
		}
		sources = append(sources, source{
			text: truncateText(string(result.Payload), maxSourceChars),
			citation: models.Citation{
				Tool:   result.ToolName,
				Source: label,
				URL:    result.SourceURL,
			},
		})
	}
	return sources
}

func (executor *turnExecutor) generate(ctx context.Context) error {
	state := executor.state
	plan := state.ExecutionPlan

	switch {
	case plan.Path == models.PathGreeting:
		state.GeneratedAnswer = greetingReply(state.Query)
		return nil
	case plan.Path == models.PathMultiHop && state.Draft != "":
		state.GeneratedAnswer = state.Draft
		state.Draft = ""
		return nil
	}

	deps := executor.orchestrator.deps
	sources := buildSources(state)
	request := llm.Request{
		Prompt:     buildAnswerPrompt(executor.query(), state, sources),
		SystemRole: directRole,
		Tier:       plan.Tier,
		MaxTokens:  maxTokensFor(plan.Tier),
	}
	if len(sources) > 0 {
		request.SystemRole = groundedRole
	}

	// the evidence part of the prompt, without the question's spelling
	evidence := buildAnswerPrompt("", state, sources)
	key := cache.Key("answer", plan.Path, plan.Tier, models.NormalizeText(executor.query()), evidence)
	completion, hit, err := cache.Fetch(ctx, deps.Cache, models.CacheResponse, key, 0, func(ctx context.Context) (llm.Completion, error) {
		completion, err := deps.Provider.Complete(ctx, request)
		if err != nil {
			return llm.Completion{}, err
		}
		if strings.TrimSpace(completion.Text) == "" {
			return llm.Completion{}, models.NewExternalError("EMPTY_ANSWER", "model returned an empty answer")
		}
		if completion.Tier == "" {
			completion.Tier = request.Tier
		}
		return *completion, nil
	})
	if err != nil {
		return err
	}

	if hit {
		executor.recordCacheHits(models.StageGenerate, 1)
	} else {
		executor.recordCompletion(models.StageGenerate, &completion)
	}
	state.GeneratedAnswer = strings.TrimSpace(completion.Text)
	return nil
}

func buildAnswerPrompt(query string, state *models.ConversationTurnState, sources []source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", query)

	if len(state.RecalledFacts) > 0 {
		b.WriteString("\nKnown about the user:\n")
		for _, fact := range state.RecalledFacts {
			fmt.Fprintf(&b, "- %s\n", fact)
		}
	}

	if len(sources) > 0 {
		b.WriteString("\nSources:\n")
		for i, src := range sources {
			label := src.citation.Source
			if src.citation.Tool != "" {
				label = src.citation.Tool + ", " + label
			}
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, label, src.text)
		}
	}

	var unanswered []string
	for _, result := range state.ToolResults {
		if result.NoAnswer && result.Message != "" {
			unanswered = append(unanswered, result.Message)
		}
	}
	if len(unanswered) > 0 {
		b.WriteString("\nLookups without an answer (repeat these to the user as written):\n")
		for _, message := range unanswered {
			fmt.Fprintf(&b, "- %s\n", message)
		}
	}

	if len(sources) > 0 {
		b.WriteString("\nAnswer using only the sources above and cite every claim with its marker.")
	} else {
		b.WriteString("\nAnswer directly and concisely. Do not cite references you cannot name precisely.")
	}
	return b.String()
}

func maxTokensFor(tier models.CostTier) int32 {
	switch tier {
	case models.TierPremium:
		return 1200
	case models.TierStandard:
		return 800
	default:
		return 400
	}
}

func truncateText(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
