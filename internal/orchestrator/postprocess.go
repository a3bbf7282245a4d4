package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"mizan-engine/internal/models"
	"mizan-engine/internal/retrieval"
)

const (
	// scores below this add a notice to the answer
	lowGroundingThreshold = 0.5
	unverifiedScore       = 0.5
	supportedOverlap      = 0.5
	citedOverlap          = 0.3
	minJudgedTerms        = 3

	lowGroundingNotice = "Parts of this answer may not be supported by the cited sources."
)

var (
	markerPattern   = regexp.MustCompile(`\[(\d+)\]`)
	sentencePattern = regexp.MustCompile(`[^.!?\n]+[.!?]*`)
)

// citationMarkers returns the distinct marker numbers of answer in order of first use.
func citationMarkers(answer string) []int {
	var markers []int
	seen := make(map[int]bool)
	for _, match := range markerPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		markers = append(markers, n)
	}
	return markers
}

func (executor *turnExecutor) extractCitations(ctx context.Context) error {
	state := executor.state
	if state.ExecutionPlan != nil && state.ExecutionPlan.Path == models.PathGreeting {
		return nil
	}

	sources := buildSources(state)
	var citations []models.Citation
	dropped := 0
	for _, n := range citationMarkers(state.GeneratedAnswer) {
		if n < 1 || n > len(sources) {
			dropped++
			continue
		}
		citation := sources[n-1].citation
		citation.Marker = fmt.Sprintf("[%d]", n)
		citations = append(citations, citation)
	}
	state.Citations = citations

	if dropped > 0 {
		executor.logger.Debug("Dropped citation markers without a source", "turn_id", state.TurnID, "dropped", dropped)
	}
	return nil
}

func (executor *turnExecutor) scoreHallucination(ctx context.Context) error {
	state := executor.state
	if state.ExecutionPlan != nil && state.ExecutionPlan.Path == models.PathGreeting {
		state.QualityScore = 1
		return nil
	}

	sources := buildSources(state)
	state.QualityScore = groundedness(state.GeneratedAnswer, sources)
	if len(sources) > 0 && state.QualityScore < lowGroundingThreshold {
		executor.notice(lowGroundingNotice)
	}
	return nil
}

// groundedness is the fraction of judged sentences supported by the evidence. A
// sentence is supported when most of its content words appear in the sources, or when
// it cites a valid source and shares a fair part of its vocabulary. Answers without
// evidence get a neutral score.
func groundedness(answer string, sources []source) float64 {
	if len(sources) == 0 {
		return unverifiedScore
	}

	vocabulary := make(map[string]bool)
	for _, src := range sources {
		for _, term := range retrieval.Terms(src.text) {
			vocabulary[term] = true
		}
	}

	judged, supported := 0, 0
	for _, sentence := range sentencePattern.FindAllString(answer, -1) {
		terms := retrieval.Terms(markerPattern.ReplaceAllString(sentence, " "))
		if len(terms) < minJudgedTerms {
			continue
		}
		judged++

		present := 0
		for _, term := range terms {
			if vocabulary[term] {
				present++
			}
		}
		overlap := float64(present) / float64(len(terms))

		cited := false
		for _, n := range citationMarkers(sentence) {
			if n >= 1 && n <= len(sources) {
				cited = true
				break
			}
		}
		if overlap >= supportedOverlap || (cited && overlap >= citedOverlap) {
			supported++
		}
	}

	if judged == 0 {
		return 1
	}
	return float64(supported) / float64(judged)
}
