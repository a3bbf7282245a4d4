package reasoner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/retrieval"
)

type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeFailed   Outcome = "failed"
)

// maxEmptyHops consecutive hops without passages stop the loop.
const maxEmptyHops = 2

const (
	decomposeRole = "You break a research question into the next single sub-question that still needs answering."
	answerRole    = "You answer a sub-question strictly from the numbered passages. Say NOT FOUND when they do not contain the answer."
	checkRole     = "You judge whether research notes fully answer a question."
	synthesisRole = "You write the final answer to a research question from research notes, citing passages as [n]."
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, filters map[string]string) (*retrieval.Result, error)
}

type Result struct {
	Outcome     Outcome
	Answer      string
	Hops        []models.Hop
	Passages    []models.Passage
	BestEffort  bool
	Completions []*llm.Completion
	CacheHits   int
}

// Reasoner answers questions that need several retrieve-and-answer rounds. Each hop
// runs on at most the standard tier; only the final synthesis may use premium.
type Reasoner struct {
	provider  llm.Provider
	retriever Retriever
	maxHops   int
	logger    *logger.Logger
}

func NewReasoner(provider llm.Provider, retriever Retriever, maxHops int, log *logger.Logger) *Reasoner {
	if maxHops <= 0 {
		maxHops = 5
	}
	return &Reasoner{provider: provider, retriever: retriever, maxHops: maxHops, logger: log}
}

type decomposition struct {
	SubQuestion string `json:"sub_question"`
}

type completeness struct {
	Complete bool   `json:"complete"`
	Missing  string `json:"missing"`
}

// Run executes the hop loop. A provider error aborts the run; the caller decides how
// to degrade.
func (r *Reasoner) Run(ctx context.Context, turnID, question string, tier models.CostTier) (*Result, error) {
	start := time.Now()
	hopTier := tier.Cap(models.TierStandard)
	result := &Result{}
	passageIndex := make(map[models.PassageRef]int)
	empty := 0
	done := false

	for i := 0; i < r.maxHops; i++ {
		subQuestion, err := r.decompose(ctx, question, result, hopTier)
		if err != nil {
			return nil, err
		}

		retrieved, err := r.retriever.Retrieve(ctx, subQuestion, nil)
		if err != nil {
			return nil, err
		}
		result.CacheHits += retrieved.CacheHits

		hop := models.Hop{Index: i, SubQuestion: subQuestion}
		if len(retrieved.Passages) == 0 {
			result.Hops = append(result.Hops, hop)
			empty++
			r.logger.LogStage(turnID, "multi_hop", "hop_empty", time.Since(start), map[string]interface{}{"hop": i, "consecutive_empty": empty}, nil)
			if empty >= maxEmptyHops {
				result.Outcome = OutcomeFailed
				return result, nil
			}
			continue
		}
		empty = 0

		for _, passage := range retrieved.Passages {
			if _, seen := passageIndex[passage.Ref()]; !seen {
				passageIndex[passage.Ref()] = len(result.Passages)
				result.Passages = append(result.Passages, passage)
			}
		}

		answer, err := r.answer(ctx, subQuestion, retrieved.Passages, hopTier, result)
		if err != nil {
			return nil, err
		}
		hop.SubAnswer = answer
		hop.Sources = retrieval.Refs(retrieved.Passages)
		result.Hops = append(result.Hops, hop)

		r.logger.LogStage(turnID, "multi_hop", "hop_completed", time.Since(start), map[string]interface{}{
			"hop":      i,
			"passages": len(retrieved.Passages),
		}, nil)

		done, err = r.complete(ctx, question, result, hopTier)
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	result.BestEffort = !done

	answer, err := r.synthesize(ctx, question, result, tier)
	if err != nil {
		return nil, err
	}
	result.Answer = answer
	result.Outcome = OutcomeComplete

	r.logger.LogStage(turnID, "multi_hop", "synthesized", time.Since(start), map[string]interface{}{
		"hops":        len(result.Hops),
		"best_effort": result.BestEffort,
	}, nil)
	return result, nil
}

func (r *Reasoner) decompose(ctx context.Context, question string, result *Result, tier models.CostTier) (string, error) {
	prompt := fmt.Sprintf("Question: %s\n\nReturn JSON {\"sub_question\": string} with the first thing to look up.", question)
	if len(result.Hops) > 0 {
		prompt = fmt.Sprintf("Question: %s\n\nResearch so far:\n%s\nReturn JSON {\"sub_question\": string} with the next thing to look up.", question, notes(result.Hops))
	}

	completion, err := r.call(ctx, result, llm.Request{
		Prompt:       prompt,
		SystemRole:   decomposeRole,
		Tier:         tier,
		MaxTokens:    200,
		JSONResponse: true,
	})
	if err != nil {
		return "", err
	}

	// Unusable output falls back to asking the question itself.
	var d decomposition
	if llm.ParseJSONResponse(completion.Text, &d) != nil || strings.TrimSpace(d.SubQuestion) == "" {
		return question, nil
	}
	return strings.TrimSpace(d.SubQuestion), nil
}

func (r *Reasoner) answer(ctx context.Context, subQuestion string, passages []models.Passage, tier models.CostTier, result *Result) (string, error) {
	var b strings.Builder
	for i, passage := range passages {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, passage.Text)
	}
	completion, err := r.call(ctx, result, llm.Request{
		Prompt:     fmt.Sprintf("Passages:\n%s\nSub-question: %s\nAnswer in at most three sentences.", b.String(), subQuestion),
		SystemRole: answerRole,
		Tier:       tier,
		MaxTokens:  400,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(completion.Text), nil
}

func (r *Reasoner) complete(ctx context.Context, question string, result *Result, tier models.CostTier) (bool, error) {
	completion, err := r.call(ctx, result, llm.Request{
		Prompt:       fmt.Sprintf("Question: %s\n\nResearch notes:\n%s\nReturn JSON {\"complete\": bool, \"missing\": string}.", question, notes(result.Hops)),
		SystemRole:   checkRole,
		Tier:         tier.Cap(models.TierEconomy),
		MaxTokens:    150,
		JSONResponse: true,
	})
	if err != nil {
		return false, err
	}
	var c completeness
	if err := llm.ParseJSONResponse(completion.Text, &c); err != nil {
		return false, nil
	}
	return c.Complete, nil
}

func (r *Reasoner) synthesize(ctx context.Context, question string, result *Result, tier models.CostTier) (string, error) {
	var b strings.Builder
	for i, passage := range result.Passages {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, passage.Text)
	}
	prompt := fmt.Sprintf("Question: %s\n\nResearch notes:\n%s\nPassages:\n%s", question, notes(result.Hops), b.String())
	if result.BestEffort {
		prompt += "\nThe research budget ran out. Answer with what is supported and say what remains open."
	}
	completion, err := r.call(ctx, result, llm.Request{
		Prompt:     prompt,
		SystemRole: synthesisRole,
		Tier:       tier,
		MaxTokens:  1200,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(completion.Text), nil
}

func (r *Reasoner) call(ctx context.Context, result *Result, req llm.Request) (*llm.Completion, error) {
	completion, err := r.provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if completion.Tier == "" {
		completion.Tier = req.Tier
	}
	result.Completions = append(result.Completions, completion)
	return completion, nil
}

func notes(hops []models.Hop) string {
	var b strings.Builder
	for _, hop := range hops {
		answer := hop.SubAnswer
		if answer == "" {
			answer = "(no passages found)"
		}
		fmt.Fprintf(&b, "%d. %s -> %s\n", hop.Index+1, hop.SubQuestion, answer)
	}
	return b.String()
}
