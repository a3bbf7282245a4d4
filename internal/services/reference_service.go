package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mizan-engine/internal/models"
	"mizan-engine/internal/pkg/logger"
	"mizan-engine/internal/pkg/resilience"
	"mizan-engine/internal/tools"
)

// ReferenceService resolves hadith and Quran references against the text API.
type ReferenceService struct {
	client  *http.Client
	baseURL string
	breaker *resilience.Breaker
	logger  *logger.Logger
}

func NewReferenceService(baseURL string, timeout time.Duration, log *logger.Logger) *ReferenceService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReferenceService{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		breaker: resilience.NewBreaker(resilience.BreakerSettings{Name: "reference-api"}, log),
		logger:  log,
	}
}

func referencePath(ref tools.Reference) string {
	if ref.Collection == "quran" {
		return fmt.Sprintf("/v1/quran/%d/%d", ref.Chapter, ref.Verse)
	}
	return fmt.Sprintf("/v1/hadith/%s/%d", ref.Collection, ref.Number)
}

func (service *ReferenceService) Lookup(ctx context.Context, ref tools.Reference) (*tools.ReferenceText, error) {
	startTime := time.Now()

	text, err := resilience.Execute(service.breaker, func() (*tools.ReferenceText, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.baseURL+referencePath(ref), nil)
		if err != nil {
			return nil, models.NewValidationError("REFERENCE_REQUEST", "failed to build request").WithCause(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := service.client.Do(req)
		if err != nil {
			return nil, models.WrapExternalError("REFERENCE", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, models.NewNotFoundError("REFERENCE_NOT_FOUND", "reference not found").
				WithMetadata("reference", ref.String())
		}
		if err := statusError("reference api", resp.StatusCode); err != nil {
			return nil, err
		}

		var text tools.ReferenceText
		if err := json.NewDecoder(resp.Body).Decode(&text); err != nil {
			return nil, models.NewValidationError("REFERENCE_BAD_RESPONSE", "malformed reference response").WithCause(err)
		}
		if text.Reference.Collection == "" {
			text.Reference = ref
		}
		if text.Citation == "" {
			text.Citation = ref.String()
		}
		return &text, nil
	})

	service.logger.LogService("reference", "lookup", time.Since(startTime), map[string]interface{}{
		"reference": ref.String(),
	}, err)
	return text, err
}
