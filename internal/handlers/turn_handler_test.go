package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"mizan-engine/internal/handlers"
	"mizan-engine/internal/models"
	"mizan-engine/internal/orchestrator"
	"mizan-engine/internal/pkg/logger"
)

type MockEngine struct {
	submitErr error
	pollErr   error
	cancelErr error
	resumeErr error
	healthErr error

	lastMode    models.Mode
	resumedConv string
}

func (m *MockEngine) SubmitTurn(ctx context.Context, conversationID, userID, query string, mode models.Mode) (string, error) {
	m.lastMode = mode
	if m.submitErr != nil {
		return "", m.submitErr
	}
	return "turn-123", nil
}

func (m *MockEngine) PollTurn(ctx context.Context, turnID string) (*models.ConversationTurnState, error) {
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	state := models.NewTurnState("conv-1", "user-1", "when is maghrib in Cairo?", models.ModeDefault)
	state.TurnID = turnID
	state.Status = models.TurnStatusCompleted
	state.GeneratedAnswer = "Maghrib in Cairo is at 17:42 [1]."
	state.Citations = []models.Citation{{Marker: "[1]", Tool: "time_calc", Source: "Time calculator"}}
	state.QualityScore = 1
	state.UpdatedAt = time.Now()
	return state, nil
}

func (m *MockEngine) CancelTurn(ctx context.Context, turnID string) error {
	return m.cancelErr
}

func (m *MockEngine) ResumeTurn(ctx context.Context, conversationID, turnID string) error {
	m.resumedConv = conversationID
	return m.resumeErr
}

func (m *MockEngine) GetActiveTurnsCount() int {
	return 2
}

func (m *MockEngine) HealthCheck(ctx context.Context) error {
	return m.healthErr
}

func (m *MockEngine) GetStats() map[string]interface{} {
	return map[string]interface{}{"active_turns": 2}
}

func setupTestRouter(engine *MockEngine) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(handlers.RequestID())
	handlers.NewTurnHandler(engine, logger.NewNop()).Register(router)
	return router
}

func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	return resp
}

func TestSubmitTurn(t *testing.T) {
	engine := &MockEngine{}
	router := setupTestRouter(engine)

	w := doRequest(router, "POST", "/v1/turns", models.TurnRequest{
		ConversationID: "conv-1",
		UserID:         "user-1",
		Query:          "Is fasting valid if I eat by mistake?",
		Mode:           models.ModeThorough,
	})

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}

	var resp models.TurnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.TurnID != "turn-123" {
		t.Errorf("Expected turn id turn-123, got %s", resp.TurnID)
	}
	if resp.RequestID == "" {
		t.Error("Expected a request id")
	}
	if engine.lastMode != models.ModeThorough {
		t.Errorf("Expected mode thorough to reach the engine, got %q", engine.lastMode)
	}
}

func TestSubmitTurnMissingFields(t *testing.T) {
	router := setupTestRouter(&MockEngine{})

	w := doRequest(router, "POST", "/v1/turns", map[string]string{"query": "hello"})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "INVALID_REQUEST" {
		t.Errorf("Expected code INVALID_REQUEST, got %s", resp.Code)
	}
}

func TestSubmitTurnEngineBusy(t *testing.T) {
	router := setupTestRouter(&MockEngine{
		submitErr: models.NewExternalError("ENGINE_BUSY", "too many turns in flight"),
	})

	w := doRequest(router, "POST", "/v1/turns", models.TurnRequest{ConversationID: "c", UserID: "u", Query: "q"})

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header for a retryable failure")
	}
	resp := decodeError(t, w)
	if resp.Message != orchestrator.UnavailableMessage {
		t.Errorf("Expected the unavailable message, got %q", resp.Message)
	}
}

func TestGetTurn(t *testing.T) {
	router := setupTestRouter(&MockEngine{})

	w := doRequest(router, "GET", "/v1/turns/turn-9", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var view models.TurnView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("Failed to decode view: %v", err)
	}
	if view.TurnID != "turn-9" || view.Status != models.TurnStatusCompleted {
		t.Errorf("Unexpected view: %+v", view)
	}
	if len(view.Citations) != 1 {
		t.Errorf("Expected 1 citation, got %d", len(view.Citations))
	}
}

func TestGetTurnNotFound(t *testing.T) {
	router := setupTestRouter(&MockEngine{pollErr: models.ErrTurnNotFound})

	w := doRequest(router, "GET", "/v1/turns/missing", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if resp := decodeError(t, w); resp.Code != "TURN_NOT_FOUND" {
		t.Errorf("Expected code TURN_NOT_FOUND, got %s", resp.Code)
	}
}

func TestCancelTurn(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"accepted", nil, http.StatusAccepted},
		{"too late", models.ErrCancelTooLate, http.StatusConflict},
		{"terminal", models.ErrTurnTerminal, http.StatusConflict},
		{"unknown", models.ErrTurnNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupTestRouter(&MockEngine{cancelErr: tt.err})
			w := doRequest(router, "POST", "/v1/turns/turn-1/cancel", nil)
			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestResumeTurn(t *testing.T) {
	engine := &MockEngine{}
	router := setupTestRouter(engine)

	w := doRequest(router, "POST", "/v1/turns/turn-1/resume", map[string]string{"conversation_id": "conv-7"})

	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", w.Code)
	}
	if engine.resumedConv != "conv-7" {
		t.Errorf("Expected conversation conv-7, got %q", engine.resumedConv)
	}

	w = doRequest(router, "POST", "/v1/turns/turn-1/resume", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 without a conversation id, got %d", w.Code)
	}
}

func TestUnexpectedErrorIsOpaque(t *testing.T) {
	router := setupTestRouter(&MockEngine{pollErr: errors.New("redis: connection refused")})

	w := doRequest(router, "GET", "/v1/turns/turn-1", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	resp := decodeError(t, w)
	if resp.Code != "UNAVAILABLE" {
		t.Errorf("Expected code UNAVAILABLE, got %s", resp.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("redis")) {
		t.Error("Expected the cause to stay out of the response")
	}
}

func TestHealth(t *testing.T) {
	router := setupTestRouter(&MockEngine{})
	w := doRequest(router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	router = setupTestRouter(&MockEngine{healthErr: errors.New("redis down")})
	w = doRequest(router, "GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
}

func TestActiveTurns(t *testing.T) {
	router := setupTestRouter(&MockEngine{})

	w := doRequest(router, "GET", "/v1/active", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var body map[string]int
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["active_turns"] != 2 {
		t.Errorf("Expected 2 active turns, got %d", body["active_turns"])
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	router := setupTestRouter(&MockEngine{})

	req, _ := http.NewRequest("GET", "/v1/turns/turn-1", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-42" {
		t.Errorf("Expected request id req-42, got %q", got)
	}
}
