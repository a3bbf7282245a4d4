package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mizan-engine/internal/models"
	"mizan-engine/internal/orchestrator"
	"mizan-engine/internal/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

// Engine is the part of the orchestrator the HTTP adapter needs.
type Engine interface {
	SubmitTurn(ctx context.Context, conversationID, userID, query string, mode models.Mode) (string, error)
	PollTurn(ctx context.Context, turnID string) (*models.ConversationTurnState, error)
	CancelTurn(ctx context.Context, turnID string) error
	ResumeTurn(ctx context.Context, conversationID, turnID string) error
	GetActiveTurnsCount() int
	HealthCheck(ctx context.Context) error
	GetStats() map[string]interface{}
}

type TurnHandler struct {
	engine Engine
	logger *logger.Logger
}

type resumeRequest struct {
	ConversationID string `json:"conversation_id" binding:"required"`
}

func NewTurnHandler(engine Engine, log *logger.Logger) *TurnHandler {
	return &TurnHandler{engine: engine, logger: log}
}

// Register mounts the turn routes and the health endpoint on router.
func (h *TurnHandler) Register(router gin.IRouter) {
	router.GET("/health", h.Health)

	v1 := router.Group("/v1")
	v1.POST("/turns", h.SubmitTurn)
	v1.GET("/turns/:id", h.GetTurn)
	v1.POST("/turns/:id/cancel", h.CancelTurn)
	v1.POST("/turns/:id/resume", h.ResumeTurn)
	v1.GET("/active", h.GetActiveTurns)
}

// RequestID tags every request with an id, reusing the caller's when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = models.GenerateRequestID()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (h *TurnHandler) SubmitTurn(c *gin.Context) {
	var req models.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, models.NewValidationError("INVALID_REQUEST", "conversation_id, user_id and query are required").WithCause(err))
		return
	}

	turnID, err := h.engine.SubmitTurn(c.Request.Context(), req.ConversationID, req.UserID, req.Query, req.Mode)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("Turn accepted",
		"turn_id", turnID,
		"conversation_id", req.ConversationID,
		"request_id", requestID(c))

	c.JSON(http.StatusAccepted, models.TurnResponse{
		TurnID:         turnID,
		ConversationID: req.ConversationID,
		Status:         models.TurnStatusPending,
		Message:        "Turn accepted",
		RequestID:      requestID(c),
		Timestamp:      time.Now(),
	})
}

func (h *TurnHandler) GetTurn(c *gin.Context) {
	state, err := h.engine.PollTurn(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.NewTurnView(state))
}

func (h *TurnHandler) CancelTurn(c *gin.Context) {
	turnID := c.Param("id")
	if err := h.engine.CancelTurn(c.Request.Context(), turnID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"turn_id":    turnID,
		"message":    "Cancellation requested",
		"request_id": requestID(c),
	})
}

func (h *TurnHandler) ResumeTurn(c *gin.Context) {
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, models.NewValidationError("INVALID_REQUEST", "conversation_id is required").WithCause(err))
		return
	}

	turnID := c.Param("id")
	if err := h.engine.ResumeTurn(c.Request.Context(), req.ConversationID, turnID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, models.TurnResponse{
		TurnID:         turnID,
		ConversationID: req.ConversationID,
		Status:         models.TurnStatusRunning,
		Message:        "Turn resumed",
		RequestID:      requestID(c),
		Timestamp:      time.Now(),
	})
}

func (h *TurnHandler) GetActiveTurns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active_turns": h.engine.GetActiveTurnsCount()})
}

func (h *TurnHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	body := gin.H{"stats": h.engine.GetStats(), "timestamp": time.Now()}
	if err := h.engine.HealthCheck(ctx); err != nil {
		h.logger.WithError(err).Warn("Health check failed")
		status, code = "degraded", http.StatusServiceUnavailable
		body["error"] = err.Error()
	}
	body["status"] = status
	c.JSON(code, body)
}

// respondError maps engine errors to HTTP statuses. Anything unexpected is reported
// as a generic unavailable message and only logged in full.
func (h *TurnHandler) respondError(c *gin.Context, err error) {
	code := "UNAVAILABLE"
	message := orchestrator.UnavailableMessage
	status := http.StatusServiceUnavailable

	var appErr *models.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		switch appErr.Type {
		case models.ErrorTypeValidation:
			status, message = http.StatusBadRequest, appErr.Message
		case models.ErrorTypeNotFound:
			status, message = http.StatusNotFound, appErr.Message
		case models.ErrorTypeConflict:
			status, message = http.StatusConflict, appErr.Message
		case models.ErrorTypeExternal, models.ErrorTypeTimeout:
			if appErr.Retryable {
				c.Header("Retry-After", "5")
			}
		default:
			code = "UNAVAILABLE"
		}
	}

	if status >= http.StatusInternalServerError {
		h.logger.WithFields(logger.Fields{
			"path":       c.FullPath(),
			"request_id": requestID(c),
		}).WithError(err).Error("Request failed")
	}

	c.JSON(status, models.ErrorResponse{
		Error:     http.StatusText(status),
		Code:      code,
		Message:   message,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

func requestID(c *gin.Context) string {
	if id := c.GetString("request_id"); id != "" {
		return id
	}
	return c.GetHeader(requestIDHeader)
}
