package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/pkg/resilience"
)

var fastPolicy = resilience.RetryPolicy{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func TestRetryTransientFailure(t *testing.T) {
	calls := 0
	result, attempts, err := resilience.Retry(context.Background(), fastPolicy, nil, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", models.NewExternalError("AUTHORITY_FAILED", "endpoint down")
		}
		return "ruling", nil
	})

	if err != nil {
		t.Fatalf("Expected success on the third attempt, got %v", err)
	}
	if result != "ruling" {
		t.Errorf("Expected result ruling, got %q", result)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	retries := 0
	_, attempts, err := resilience.Retry(context.Background(), fastPolicy, func(error, time.Duration) { retries++ }, func(ctx context.Context) (int, error) {
		return 0, models.NewTimeoutError("MODEL_TIMEOUT", "model call timed out")
	})

	if err == nil {
		t.Fatal("Expected an error after exhausting retries")
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	if retries != 2 {
		t.Errorf("Expected 2 retry notifications, got %d", retries)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	_, attempts, err := resilience.Retry(context.Background(), fastPolicy, nil, func(ctx context.Context) (int, error) {
		return 0, models.ErrInvalidParameters
	})

	if !errors.Is(err, models.ErrInvalidParameters) {
		t.Errorf("Expected ErrInvalidParameters, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", attempts)
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerSettings{
		Name:             "authority",
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
	}, logger.NewNop())

	failing := func() (string, error) {
		return "", models.NewExternalError("AUTHORITY_FAILED", "endpoint down")
	}
	for i := 0; i < 2; i++ {
		resilience.Execute(breaker, failing)
	}

	if breaker.State() != "open" {
		t.Fatalf("Expected an open circuit, got %s", breaker.State())
	}

	_, err := resilience.Execute(breaker, func() (string, error) { return "ok", nil })
	if models.IsRetryable(err) {
		t.Error("Expected an open circuit error to be non-retryable")
	}
	var appErr *models.AppError
	if !errors.As(err, &appErr) || appErr.Code != "CIRCUIT_OPEN" {
		t.Errorf("Expected CIRCUIT_OPEN, got %v", err)
	}
}

func TestBreakerIgnoresPermanentFailures(t *testing.T) {
	breaker := resilience.NewBreaker(resilience.BreakerSettings{Name: "tool", FailureThreshold: 1}, nil)

	resilience.Execute(breaker, func() (int, error) { return 0, models.ErrInvalidParameters })

	if breaker.State() != "closed" {
		t.Errorf("Expected a closed circuit, got %s", breaker.State())
	}
}
