package tools

import (
	"context"
	"regexp"
	"strings"
	"time"

	"mizan-engine/internal/config"
	"mizan-engine/internal/models"
)

const NarratorChainTool = "narrator_chain"

var chainSeparator = regexp.MustCompile(`(?i)\s*(?:\bfrom\b|\bon the authority of\b|\bnarrated by\b|->|<-|,)\s*`)

type NarratorResult struct {
	Chains []models.NarrationChainAssessment `json:"chains"`
}

// NarratorTool grades the transmitter chains of the traditions resolved by
// reference_lookup, or of a chain given inline.
type NarratorTool struct {
	directory *config.NarratorDirectory
	index     map[string]config.Narrator
}

func NewNarratorTool(directory *config.NarratorDirectory) *NarratorTool {
	index := make(map[string]config.Narrator)
	for _, narrator := range directory.Narrators {
		index[normalizeName(narrator.ID)] = narrator
		index[normalizeName(narrator.Name)] = narrator
		for _, alias := range narrator.Aliases {
			index[normalizeName(alias)] = narrator
		}
	}
	return &NarratorTool{directory: directory, index: index}
}

func (t *NarratorTool) Name() string { return NarratorChainTool }

func (t *NarratorTool) DeclaredDependencies() []string { return []string{ReferenceLookupTool} }

func (t *NarratorTool) TTL() time.Duration { return 7 * 24 * time.Hour }

func (t *NarratorTool) CacheKey(params map[string]any, tctx ToolContext) string {
	upstream := ""
	if ref := tctx.Upstream[ReferenceLookupTool]; ref != nil {
		upstream = ref.CacheKey
		if upstream == "" {
			upstream = string(ref.Payload)
		}
	}
	return models.HashKey(NarratorChainTool, stringsParam(params, "narrators"), upstream)
}

func (t *NarratorTool) ExtractParameters(clause string) map[string]any {
	params := map[string]any{}
	idx := strings.Index(clause, ":")
	if idx < 0 || quranRef.MatchString(clause) {
		return params
	}
	var names []string
	for _, part := range chainSeparator.Split(clause[idx+1:], -1) {
		if part = strings.TrimSpace(part); part != "" {
			names = append(names, part)
		}
	}
	if len(names) >= 2 {
		params["narrators"] = names
	}
	return params
}

func (t *NarratorTool) Invoke(ctx context.Context, params map[string]any, tctx ToolContext) (*models.ToolResult, error) {
	var chains []models.NarrationChainAssessment

	if names := stringsParam(params, "narrators"); len(names) > 0 {
		chains = append(chains, *t.Assess("inline", "", names))
	}

	if upstream := tctx.Upstream[ReferenceLookupTool]; upstream != nil && upstream.HasAnswer() {
		var lookup ReferenceLookupResult
		if err := upstream.DecodePayload(&lookup); err != nil {
			return nil, models.NewInternalError("UPSTREAM_DECODE", "failed to decode reference lookup result").WithCause(err)
		}
		for _, ref := range lookup.References {
			if len(ref.Narrators) == 0 {
				continue
			}
			chains = append(chains, *t.Assess(ref.Reference.String(), ref.Citation, ref.Narrators))
		}
	}

	if len(chains) == 0 {
		return models.NewNoAnswerResult(NarratorChainTool, "no narration chain found for this reference"), nil
	}
	return models.NewSuccessResult(NarratorChainTool, NarratorResult{Chains: chains}, 0.85)
}

// Assess grades an ordered chain. Unknown transmitters get the directory's
// unknown reliability.
func (t *NarratorTool) Assess(chainID, reference string, names []string) *models.NarrationChainAssessment {
	links := make([]models.NarratorLink, len(names))
	for i, name := range names {
		if narrator, ok := t.index[normalizeName(name)]; ok {
			links[i] = models.NarratorLink{
				PersonID:    narrator.ID,
				Name:        narrator.Name,
				Reliability: narrator.Reliability,
				Grade:       narrator.Grade,
				Known:       true,
			}
			continue
		}
		links[i] = models.NarratorLink{
			PersonID:    "unknown:" + normalizeName(name),
			Name:        name,
			Reliability: t.directory.UnknownReliability,
			Grade:       "unknown",
		}
	}
	assessment := models.NewNarrationChainAssessment(chainID, links)
	assessment.Reference = reference
	return assessment
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "’", "'")
	return strings.Join(strings.Fields(name), " ")
}
