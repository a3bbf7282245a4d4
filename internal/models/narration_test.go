package models_test

import (
	"math"
	"testing"

	"mizan-engine/internal/models"
)

const epsilon = 1e-9

func TestChainScoreFormula(t *testing.T) {
	got := models.ChainScore([]float64{0.9, 0.5, 1.0})
	want := 0.7*0.5 + 0.3*(2.4/3)
	if math.Abs(got-want) > epsilon {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestChainScoreIsMonotonic(t *testing.T) {
	scores := []float64{0.9, 0.8, 0.95, 0.7}
	prev := models.ChainScore(scores)

	for i := range scores {
		lowered := append([]float64(nil), scores...)
		for lowered[i] > 0 {
			lowered[i] -= 0.1
			score := models.ChainScore(lowered)
			if score > prev+epsilon && lowered[i] >= 0 {
				t.Errorf("Score increased from %v to %v after lowering narrator %d", prev, score, i)
			}
		}
	}
}

func TestChainScoreWeakestLinkDominance(t *testing.T) {
	base := []float64{0.9, 0.8, 0.6}
	before := models.ChainScore(base)

	worse := []float64{0.9, 0.8, 0.4}
	after := models.ChainScore(worse)

	delta := before - after
	if delta < 0.7*0.2-epsilon {
		t.Errorf("Lowering the weakest link by 0.2 moved the score by only %v", delta)
	}
}

func TestChainScoreClampsAndEmpty(t *testing.T) {
	if got := models.ChainScore(nil); got != 0 {
		t.Errorf("Expected 0 for an empty chain, got %v", got)
	}
	if got := models.ChainScore([]float64{1.5, 2}); got != 1 {
		t.Errorf("Expected clamped score 1, got %v", got)
	}
	if got := models.ChainScore([]float64{-1, 0.5}); math.Abs(got-0.075) > epsilon {
		t.Errorf("Expected 0.075 with negative score clamped to 0, got %v", got)
	}
}

func TestNewNarrationChainAssessment(t *testing.T) {
	assessment := models.NewNarrationChainAssessment("chain-1", []models.NarratorLink{
		{PersonID: "malik", Reliability: 0.98},
		{PersonID: "ibn-lahiah", Reliability: 0.45},
		{PersonID: "nafi", Reliability: 1.2},
	})

	if assessment.WeakestLink != "ibn-lahiah" {
		t.Errorf("Expected weakest link ibn-lahiah, got %s", assessment.WeakestLink)
	}
	if assessment.Links[2].Reliability != 1 {
		t.Errorf("Expected clamped reliability, got %v", assessment.Links[2].Reliability)
	}
	if assessment.OverallScore > 0.45+0.3 {
		t.Errorf("Overall score %v not dominated by weakest link", assessment.OverallScore)
	}
}
