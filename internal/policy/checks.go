package policy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mizan-engine/internal/llm"
	"mizan-engine/internal/models"
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(the\s+)?(previous|prior|above)\s+(instructions|prompts?|rules)\b`),
	regexp.MustCompile(`(?i)\bdisregard\s+(your|the|all)\s+(instructions|rules|guidelines)\b`),
	regexp.MustCompile(`(?i)\b(reveal|print|show|repeat)\s+(your|the)\s+(system\s+prompt|hidden\s+instructions)\b`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak)\s*mode\b`),
	regexp.MustCompile(`(?i)</?\s*(system|assistant)\s*>`),
}

// InjectionCheck detects prompt-injection attempts with patterns; no model call.
type InjectionCheck struct{}

func (InjectionCheck) Name() string { return "injection" }

func (InjectionCheck) Evaluate(ctx context.Context, content string, evidence Evidence) (models.CheckResult, error) {
	for _, pattern := range injectionPatterns {
		if pattern.MatchString(content) {
			return models.CheckResult{
				Passed:     false,
				Confidence: 0.9,
				Action:     models.ActionBlock,
				Reason:     "prompt injection pattern",
			}, nil
		}
	}
	return models.CheckResult{Passed: true, Confidence: 0.7, Action: models.ActionAllow}, nil
}

var citationMarker = regexp.MustCompile(`\[\d+\]`)

const unsupportedNotice = "\n\nNote: parts of this answer could not be linked to a cited source."

// CitationCheck requires answers built on evidence to cite it. Answers without any
// evidence are flagged as unsupported.
type CitationCheck struct {
	MinLength int
}

func (CitationCheck) Name() string { return "citation_presence" }

func (c CitationCheck) Evaluate(ctx context.Context, content string, evidence Evidence) (models.CheckResult, error) {
	minLength := c.MinLength
	if minLength == 0 {
		minLength = 120
	}
	if len(content) < minLength {
		return models.CheckResult{Passed: true, Confidence: 0.6, Action: models.ActionAllow}, nil
	}

	hasMarkers := citationMarker.MatchString(content) || evidence.Citations > 0
	switch {
	case evidence.Passages+evidence.Tools == 0:
		return models.CheckResult{Passed: false, Confidence: 0.6, Action: models.ActionFlag, Reason: "answer has no supporting evidence"}, nil
	case !hasMarkers:
		return models.CheckResult{Passed: false, Confidence: 0.8, Action: models.ActionRewrite, Reason: "evidence available but not cited"}, nil
	default:
		return models.CheckResult{Passed: true, Confidence: 0.8, Action: models.ActionAllow}, nil
	}
}

func (CitationCheck) Rewrite(content string, result models.CheckResult) string {
	if strings.HasSuffix(content, unsupportedNotice) {
		return content
	}
	return content + unsupportedNotice
}

// ModelCheck asks an economy-tier model for a verdict in JSON.
type ModelCheck struct {
	name        string
	instruction string
	onFail      models.PolicyAction
	provider    llm.Provider
	appendNote  string
}

type modelVerdict struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Severe     bool    `json:"severe"`
}

func NewToxicityCheck(provider llm.Provider) *ModelCheck {
	return &ModelCheck{
		name:        "toxicity",
		instruction: "Does the text contain hate speech, harassment, threats or explicit abuse? Questions that merely mention sensitive topics respectfully pass.",
		onFail:      models.ActionBlock,
		provider:    provider,
	}
}

func NewDomainCheck(provider llm.Provider) *ModelCheck {
	return &ModelCheck{
		name:        "domain",
		instruction: "Is the text clearly outside the scope of an assistant about religious rulings, scripture and tradition references, narrator chains, prayer times, dates and religious finance? Greetings and small talk are in scope. Requests such as writing malware or medical dosing are out of scope.",
		onFail:      models.ActionFlag,
		provider:    provider,
	}
}

func NewHarmfulContentCheck(provider llm.Provider) *ModelCheck {
	return &ModelCheck{
		name:        "harmful_content",
		instruction: "Does the answer encourage violence, self-harm, illegal activity, or contain dangerous instructions?",
		onFail:      models.ActionBlock,
		provider:    provider,
	}
}

func NewOneSidednessCheck(provider llm.Provider) *ModelCheck {
	return &ModelCheck{
		name:        "one_sidedness",
		instruction: "Does the answer present a disputed question as settled, ignoring well-known differences of scholarly opinion? Answers to undisputed or purely factual questions pass.",
		onFail:      models.ActionRewrite,
		provider:    provider,
		appendNote:  "\n\nNote: scholars hold differing views on this question; consult a qualified authority for guidance specific to your situation.",
	}
}

func (mc *ModelCheck) Name() string { return mc.name }

func (mc *ModelCheck) Evaluate(ctx context.Context, content string, evidence Evidence) (models.CheckResult, error) {
	completion, err := mc.provider.Complete(ctx, llm.Request{
		Prompt:       mc.buildPrompt(content, evidence),
		SystemRole:   "You are a careful content policy reviewer. Reply with JSON only.",
		Tier:         models.TierEconomy,
		MaxTokens:    200,
		Temperature:  llm.Float32(0),
		JSONResponse: true,
	})
	if err != nil {
		return models.CheckResult{}, err
	}

	var verdict modelVerdict
	if err := llm.ParseJSONResponse(completion.Text, &verdict); err != nil {
		return models.CheckResult{}, err
	}

	result := models.CheckResult{
		Passed:     verdict.Passed,
		Confidence: verdict.Confidence,
		Reason:     verdict.Reason,
		Action:     models.ActionAllow,
	}
	if !verdict.Passed {
		result.Action = mc.onFail
		// Low-confidence blocks are downgraded so a noisy reviewer cannot refuse good turns.
		if mc.onFail == models.ActionBlock && verdict.Confidence < 0.5 && !verdict.Severe {
			result.Action = models.ActionFlag
		}
	}
	return result, nil
}

func (mc *ModelCheck) Rewrite(content string, result models.CheckResult) string {
	if mc.appendNote == "" || strings.HasSuffix(content, mc.appendNote) {
		return content
	}
	return content + mc.appendNote
}

func (mc *ModelCheck) buildPrompt(content string, evidence Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", mc.instruction)
	if evidence.Query != "" && evidence.Query != content {
		fmt.Fprintf(&b, "Original user question:\n%s\n\n", evidence.Query)
	}
	fmt.Fprintf(&b, "Text to review:\n\"\"\"\n%s\n\"\"\"\n\n", content)
	b.WriteString(`Respond with a single JSON object:
{"passed": true|false, "confidence": 0.0-1.0, "severe": true|false, "reason": "<short reason>"}
"passed" is false only when the answer to the question above is yes.`)
	return b.String()
}

// DefaultInputChecks returns toxicity, domain and injection checks in that order.
func DefaultInputChecks(provider llm.Provider) []Check {
	return []Check{NewToxicityCheck(provider), NewDomainCheck(provider), InjectionCheck{}}
}

// DefaultOutputChecks returns harmful-content, citation and one-sidedness checks.
func DefaultOutputChecks(provider llm.Provider) []Check {
	return []Check{NewHarmfulContentCheck(provider), CitationCheck{}, NewOneSidednessCheck(provider)}
}
