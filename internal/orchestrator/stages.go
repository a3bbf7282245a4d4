package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
	"mizan-engine/internal/policy"
	"mizan-engine/internal/reasoner"
	"mizan-engine/internal/retrieval"
	"mizan-engine/internal/tools"
)

const (
	refineRole = "You rewrite a follow-up question into a standalone question using what is known about the user. Return only the question."

	retrievalUnavailableNotice = "Passage search is temporarily unavailable, so this answer is not grounded in retrieved sources."
	researchUnavailableNotice  = "In-depth research is temporarily unavailable, so this is a direct answer."
	bestEffortNotice           = "This answer is a best-effort synthesis; the research did not fully converge."

	memoryWriteTimeout = 3 * time.Second
	maxTopicRunes      = 120
)

var followUpPattern = regexp.MustCompile(`(?i)\b(it|that|this|they|them|he|she|him|her|those|these|same|there|then)\b`)

// query is the text later stages work on: the refined query once there is one.
func (executor *turnExecutor) query() string {
	if executor.state.RefinedQuery != "" {
		return executor.state.RefinedQuery
	}
	return executor.state.Query
}

func (executor *turnExecutor) inputPolicy(ctx context.Context) error {
	verdict := executor.orchestrator.deps.Policy.CheckInput(ctx, executor.state.Query)
	executor.state.PolicyVerdictIn = verdict

	if verdict.Blocked() {
		executor.logger.LogStage(executor.state.TurnID, string(models.StageInputPolicy), "blocked", 0, map[string]interface{}{
			"flags": verdict.Flags,
		}, nil)
		return executor.state.MarkBlocked(policy.RefusalMessage)
	}
	if verdict.Action == models.ActionRewrite && verdict.Content != "" {
		executor.state.RefinedQuery = verdict.Content
	}
	return nil
}

func (executor *turnExecutor) classify(ctx context.Context) error {
	classification := executor.orchestrator.deps.Classifier.Classify(ctx, executor.query(), executor.state.RecalledFacts)
	executor.state.Intent = classification.Intent
	executor.state.IntentConfidence = classification.Confidence
	executor.recordCompletion(models.StageClassify, classification.Completion)
	return nil
}

// recallMemory is skipped for greetings. A memory outage degrades to no facts.
func (executor *turnExecutor) recallMemory(ctx context.Context) error {
	if executor.state.Intent == models.IntentGreeting {
		return nil
	}

	facts, err := executor.orchestrator.deps.Memory.Recall(ctx, executor.state.UserID, executor.query())
	if err != nil {
		executor.logger.WithError(err).Warn("Memory recall failed, continuing without facts")
		return nil
	}
	executor.state.RecalledFacts = facts
	return nil
}

// refineQuery resolves follow-ups against recalled facts, then gives an unclear
// classification a second chance with the facts in hand.
func (executor *turnExecutor) refineQuery(ctx context.Context) error {
	state := executor.state
	if state.Intent == models.IntentGreeting || len(state.RecalledFacts) == 0 {
		return nil
	}

	original := executor.query()
	if isFollowUp(original) {
		completion, err := executor.orchestrator.deps.Provider.Complete(ctx, llm.Request{
			Prompt:      buildRefinePrompt(original, state.RecalledFacts),
			SystemRole:  refineRole,
			Tier:        models.TierEconomy,
			MaxTokens:   120,
			Temperature: llm.Float32(0),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			executor.logger.WithError(err).Warn("Query refinement failed, using the original query")
		} else {
			executor.recordCompletion(models.StageRefineQuery, completion)
			if refined := strings.TrimSpace(llm.StripCodeFences(completion.Text)); refined != "" {
				state.RefinedQuery = refined
			}
		}
	}

	if state.Intent == models.IntentUnclear {
		classification := executor.orchestrator.deps.Classifier.Classify(ctx, executor.query(), state.RecalledFacts)
		executor.recordCompletion(models.StageRefineQuery, classification.Completion)
		if classification.Intent != models.IntentUnclear {
			state.Intent = classification.Intent
			state.IntentConfidence = classification.Confidence
		}
	}
	return nil
}

func isFollowUp(query string) bool {
	return len(strings.Fields(query)) <= 4 || followUpPattern.MatchString(query)
}

func buildRefinePrompt(query string, facts []string) string {
	var b strings.Builder
	b.WriteString("Known about the user:\n")
	for _, fact := range facts {
		fmt.Fprintf(&b, "- %s\n", fact)
	}
	fmt.Fprintf(&b, "\nFollow-up question: %s\n\nStandalone question:", query)
	return b.String()
}

func (executor *turnExecutor) route(ctx context.Context) error {
	deps := executor.orchestrator.deps
	plan := deps.Router.Route(executor.state.Intent, executor.state.Mode)

	if plan.Path == models.PathToolDispatch {
		plan.Steps = deps.Planner.Plan(executor.query(), plan.Defaults)
		if len(plan.Steps) == 0 {
			executor.logger.Warn("No tools selected, answering directly", "turn_id", executor.state.TurnID, "intent", plan.Intent)
			plan.Path = models.PathDirectQA
		}
	}

	executor.state.ExecutionPlan = &plan
	executor.logger.LogStage(executor.state.TurnID, string(models.StageRoute), "plan", 0, map[string]interface{}{
		"intent": plan.Intent,
		"path":   plan.Path,
		"tier":   plan.Tier,
		"tools":  plan.ToolNames(),
	}, nil)
	return nil
}

func (executor *turnExecutor) execute(ctx context.Context) error {
	switch executor.state.ExecutionPlan.Path {
	case models.PathToolDispatch:
		return executor.executeTools(ctx)
	case models.PathRetrieval:
		return executor.executeRetrieval(ctx)
	case models.PathMultiHop:
		return executor.executeResearch(ctx)
	default:
		return nil
	}
}

func (executor *turnExecutor) executeTools(ctx context.Context) error {
	state := executor.state
	if err := state.Transition(models.TurnStatusAwaitingTool); err != nil {
		return err
	}
	if err := executor.checkpoint(ctx); err != nil {
		return err
	}

	results, err := executor.orchestrator.deps.Dispatcher.Execute(ctx, state.ExecutionPlan.Steps, tools.ToolContext{
		TurnID:         state.TurnID,
		ConversationID: state.ConversationID,
		UserID:         state.UserID,
		Query:          executor.query(),
		Now:            time.Now(),
	})
	if err != nil {
		return err
	}

	state.ToolResults = results
	hits := 0
	for _, result := range results {
		if result.FromCache {
			hits++
		}
		switch {
		case result.Status == models.ToolStatusFailed:
			if result.ErrorType == models.ErrorTypeExternal || result.ErrorType == models.ErrorTypeTimeout {
				executor.notice(fmt.Sprintf("The %s source is temporarily unavailable.", displayTool(result.ToolName)))
			}
		case result.NoAnswer && result.Message != "":
			executor.notice(result.Message)
		}
	}
	executor.recordCacheHits(models.StageExecute, hits)

	return state.Transition(models.TurnStatusRunning)
}

func (executor *turnExecutor) executeRetrieval(ctx context.Context) error {
	result, err := executor.orchestrator.deps.Retriever.Retrieve(ctx, executor.query(), nil)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		executor.logger.WithError(err).Warn("Retrieval failed, answering without passages")
		executor.notice(retrievalUnavailableNotice)
		return nil
	}

	executor.state.Passages = result.Passages
	executor.state.RetrievedPassages = retrieval.Refs(result.Passages)
	executor.recordCacheHits(models.StageExecute, result.CacheHits)
	return nil
}

// executeResearch runs the multi-hop loop. A failed run degrades to a direct answer.
func (executor *turnExecutor) executeResearch(ctx context.Context) error {
	state := executor.state
	result, err := executor.orchestrator.deps.Reasoner.Run(ctx, state.TurnID, executor.query(), state.ExecutionPlan.Tier)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		executor.logger.WithError(err).Warn("Multi-hop research failed, answering directly")
		state.ReasonerOutcome = string(reasoner.OutcomeFailed)
		executor.notice(researchUnavailableNotice)
		return nil
	}

	for _, completion := range result.Completions {
		executor.recordCompletion(models.StageExecute, completion)
	}
	executor.recordCacheHits(models.StageExecute, result.CacheHits)
	state.ReasonerOutcome = string(result.Outcome)
	state.HopHistory = result.Hops

	if result.Outcome != reasoner.OutcomeComplete {
		executor.notice(researchUnavailableNotice)
		return nil
	}
	state.Passages = result.Passages
	state.RetrievedPassages = retrieval.Refs(result.Passages)
	state.Draft = result.Answer
	if result.BestEffort {
		executor.notice(bestEffortNotice)
	}
	return nil
}

func (executor *turnExecutor) outputPolicy(ctx context.Context) error {
	state := executor.state
	if state.ExecutionPlan != nil && state.ExecutionPlan.Path == models.PathGreeting {
		return nil
	}

	answered := 0
	for i := range state.ToolResults {
		if state.ToolResults[i].HasAnswer() {
			answered++
		}
	}
	verdict := executor.orchestrator.deps.Policy.CheckOutput(ctx, state.GeneratedAnswer, policy.Evidence{
		Query:     executor.query(),
		Passages:  len(state.Passages),
		Tools:     answered,
		Citations: len(citationMarkers(state.GeneratedAnswer)),
	})
	state.PolicyVerdictOut = verdict

	if verdict.Blocked() {
		executor.logger.LogStage(state.TurnID, string(models.StageOutputPolicy), "blocked", 0, map[string]interface{}{
			"flags": verdict.Flags,
		}, nil)
		return state.MarkBlocked(policy.RefusalMessage)
	}
	state.GeneratedAnswer = verdict.Content
	return nil
}

// writeMemory stores what the turn taught about the user. It runs detached from the
// turn's cancellation and never fails the turn.
func (executor *turnExecutor) writeMemory(ctx context.Context) error {
	state := executor.state
	if state.Intent == models.IntentGreeting {
		return nil
	}
	facts := memoryFacts(state)
	if len(facts) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), memoryWriteTimeout)
	defer cancel()
	if err := executor.orchestrator.deps.Memory.Remember(writeCtx, state.UserID, facts); err != nil {
		executor.logger.WithError(err).Warn("Failed to update user memory")
	}
	return nil
}

func memoryFacts(state *models.ConversationTurnState) []string {
	var facts []string
	topic := strings.TrimSpace(state.Query)
	if runes := []rune(topic); len(runes) > maxTopicRunes {
		topic = string(runes[:maxTopicRunes])
	}
	facts = append(facts, fmt.Sprintf("asked about %s: %s", strings.ReplaceAll(string(state.Intent), "_", " "), topic))

	for _, result := range state.ToolResults {
		if city, ok := result.Parameters["city"].(string); ok && city != "" {
			facts = append(facts, "interested in prayer times for "+city)
		}
		if school, ok := result.Parameters["school"].(string); ok && school != "" {
			facts = append(facts, "follows the "+school+" school")
		}
	}
	return facts
}

func (executor *turnExecutor) finish(ctx context.Context) error {
	return executor.state.MarkCompleted()
}

func displayTool(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// greetingReply answers a greeting without a model call.
func greetingReply(query string) string {
	lower := strings.ToLower(query)
	if strings.Contains(lower, "thank") || strings.Contains(lower, "jazak") {
		return "You're welcome! Feel free to ask anything else."
	}
	if strings.Contains(lower, "salam") || strings.Contains(lower, "salaam") {
		return "Wa alaykum as-salam! Ask me about rulings, hadith and Quran references, prayer times or zakat."
	}
	return "Hello! Ask me about rulings, hadith and Quran references, prayer times or zakat."
}
