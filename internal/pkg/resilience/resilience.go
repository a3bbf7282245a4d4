package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
)

type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Retry runs op with exponential backoff. Only retryable errors are retried; the
// attempt count is returned alongside the result.
func Retry[T any](ctx context.Context, policy RetryPolicy, onRetry func(err error, wait time.Duration), op func(ctx context.Context) (T, error)) (T, int, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialDelay > 0 {
		b.InitialInterval = policy.InitialDelay
	}
	if policy.MaxDelay > 0 {
		b.MaxInterval = policy.MaxDelay
	}

	attempts := 0
	operation := func() (T, error) {
		attempts++
		result, err := op(ctx)
		if err != nil && !models.IsRetryable(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxRetries + 1)),
	}
	if onRetry != nil {
		opts = append(opts, backoff.WithNotify(onRetry))
	}

	result, err := backoff.Retry(ctx, operation, opts...)
	return result, attempts, err
}

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// Breaker is a circuit breaker that only counts transient failures against the circuit.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewBreaker(settings BreakerSettings, log *logger.Logger) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.OpenTimeout == 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !models.IsRetryable(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			if log != nil {
				log.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
	})}
}

// Execute runs fn through the breaker. An open circuit surfaces as a non-retryable
// external error so callers fall through to their degraded path immediately.
func Execute[T any](b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn()
	}
	result, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			appErr := models.NewExternalError("CIRCUIT_OPEN", b.cb.Name()+" circuit is open").WithCause(err)
			appErr.Retryable = false
			return zero, appErr
		}
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, nil
	}
	return typed, nil
}

func (b *Breaker) State() string {
	if b == nil {
		return "disabled"
	}
	return b.cb.State().String()
}
