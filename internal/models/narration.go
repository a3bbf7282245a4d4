package models

import "math"

const (
	weakestLinkWeight = 0.7
	meanWeight        = 0.3
)

type NarratorLink struct {
	PersonID    string  `json:"person_id"`
	Name        string  `json:"name,omitempty"`
	Reliability float64 `json:"reliability_score"`
	Grade       string  `json:"grade,omitempty"`
	Known       bool    `json:"known"`
}

type NarrationChainAssessment struct {
	ChainID      string         `json:"chain_id"`
	Reference    string         `json:"reference,omitempty"`
	Links        []NarratorLink `json:"links"`
	OverallScore float64        `json:"overall_score"`
	WeakestLink  string         `json:"weakest_link,omitempty"`
}

// NewNarrationChainAssessment clamps every score into [0,1] and derives the overall score.
func NewNarrationChainAssessment(chainID string, links []NarratorLink) *NarrationChainAssessment {
	clamped := make([]NarratorLink, len(links))
	for i, link := range links {
		link.Reliability = clamp01(link.Reliability)
		clamped[i] = link
	}
	assessment := &NarrationChainAssessment{ChainID: chainID, Links: clamped}
	assessment.OverallScore = ChainScore(scoresOf(clamped))
	if weakest := weakestIndex(clamped); weakest >= 0 {
		assessment.WeakestLink = clamped[weakest].PersonID
	}
	return assessment
}

// ChainScore is 0.7*min + 0.3*mean, so a chain is dominated by its weakest narrator.
// An empty chain scores 0.
func ChainScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	lowest, sum := math.Inf(1), 0.0
	for _, s := range scores {
		s = clamp01(s)
		if s < lowest {
			lowest = s
		}
		sum += s
	}
	mean := sum / float64(len(scores))
	return clamp01(weakestLinkWeight*lowest + meanWeight*mean)
}

func scoresOf(links []NarratorLink) []float64 {
	scores := make([]float64, len(links))
	for i, link := range links {
		scores[i] = link.Reliability
	}
	return scores
}

func weakestIndex(links []NarratorLink) int {
	idx := -1
	for i, link := range links {
		if idx < 0 || link.Reliability < links[idx].Reliability {
			idx = i
		}
	}
	return idx
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
