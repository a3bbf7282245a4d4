package models_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mizan-engine/internal/models"
)

func TestWrapExternalError(t *testing.T) {
	err := models.WrapExternalError("CHROMA", context.DeadlineExceeded)
	if models.ErrorTypeOf(err) != models.ErrorTypeTimeout {
		t.Errorf("Expected timeout type, got %s", models.ErrorTypeOf(err))
	}
	if !models.IsRetryable(err) {
		t.Error("Timeouts should be retryable")
	}

	err = models.WrapExternalError("CHROMA", errors.New("503"))
	if models.ErrorTypeOf(err) != models.ErrorTypeExternal {
		t.Errorf("Expected external type, got %s", models.ErrorTypeOf(err))
	}

	if models.WrapExternalError("CHROMA", context.Canceled) != context.Canceled {
		t.Error("Cancellation should pass through untouched")
	}
	if models.IsRetryable(context.Canceled) {
		t.Error("Cancellation must not be retried")
	}
}

func TestSentinelMatchesThroughCopies(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", models.ErrToolNotFound.WithMetadata("tool", "astrology"))
	if !errors.Is(err, models.ErrToolNotFound) {
		t.Error("Expected sentinel to match after WithMetadata and wrapping")
	}
	if errors.Is(err, models.ErrInvalidParameters) {
		t.Error("Different codes must not match")
	}
}

func TestToolResultValidate(t *testing.T) {
	missing := &models.ToolResult{ToolName: "ruling_fetch", Status: models.ToolStatusSuccess}
	if missing.Validate() == nil {
		t.Error("Expected success without payload or marker to be invalid")
	}

	noAnswer := models.NewNoAnswerResult("ruling_fetch", "not found, consult Dar al-Ifta directly")
	if err := noAnswer.Validate(); err != nil {
		t.Errorf("No-answer result should be valid: %v", err)
	}

	ok, err := models.NewSuccessResult("time_calc", map[string]string{"maghrib": "18:02"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("Expected valid result: %v", err)
	}
}

func TestHashKeyIsOrderIndependentForMaps(t *testing.T) {
	a := models.HashKey("time_calc", map[string]any{"city": "Cairo", "date": "2026-03-01"})
	b := models.HashKey("time_calc", map[string]any{"date": "2026-03-01", "city": "Cairo"})
	if a != b {
		t.Error("Expected identical keys for identical parameter maps")
	}
	if a == models.HashKey("time_calc", map[string]any{"city": "Mecca"}) {
		t.Error("Expected different keys for different parameters")
	}
}
