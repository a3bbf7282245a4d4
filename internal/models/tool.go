package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

type ToolStatus string

const (
	ToolStatusSuccess ToolStatus = "success"
	ToolStatusFailed  ToolStatus = "failed"
	ToolStatusSkipped ToolStatus = "skipped"
)

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	ToolName         string          `json:"tool_name"`
	Parameters       map[string]any  `json:"parameters,omitempty"`
	CacheKey         string          `json:"cache_key,omitempty"`
	Status           ToolStatus      `json:"status"`
	Payload          json.RawMessage `json:"result_payload,omitempty"`
	NoAnswer         bool            `json:"no_answer,omitempty"`
	Message          string          `json:"message,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorType        ErrorType       `json:"error_type,omitempty"`
	Duration         time.Duration   `json:"duration"`
	SourceConfidence float64         `json:"source_confidence"`
	Source           string          `json:"source,omitempty"`
	SourceURL        string          `json:"source_url,omitempty"`
	FromCache        bool            `json:"from_cache,omitempty"`
	Attempts         int             `json:"attempts,omitempty"`
}

// Validate enforces that a successful result carries a payload or an explicit
// no-answer marker.
func (r *ToolResult) Validate() error {
	if r.ToolName == "" {
		return NewValidationError("TOOL_RESULT_INVALID", "tool result has no tool name")
	}
	if r.SourceConfidence < 0 || r.SourceConfidence > 1 {
		return NewValidationError("TOOL_RESULT_INVALID", fmt.Sprintf("source confidence %v outside [0,1]", r.SourceConfidence))
	}
	if r.Status == ToolStatusSuccess && len(r.Payload) == 0 && !r.NoAnswer {
		return NewValidationError("TOOL_RESULT_INVALID", "successful tool result has neither payload nor no-answer marker")
	}
	return nil
}

func (r *ToolResult) HasAnswer() bool {
	return r.Status == ToolStatusSuccess && !r.NoAnswer && len(r.Payload) > 0
}

// DecodePayload unmarshals the payload into v.
func (r *ToolResult) DecodePayload(v any) error {
	if len(r.Payload) == 0 {
		return NewValidationError("TOOL_RESULT_EMPTY", "tool result has no payload")
	}
	return json.Unmarshal(r.Payload, v)
}

func NewSuccessResult(toolName string, payload any, confidence float64) (*ToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, NewInternalError("TOOL_PAYLOAD_ENCODE", "failed to encode tool payload").WithCause(err)
	}
	return &ToolResult{
		ToolName:         toolName,
		Status:           ToolStatusSuccess,
		Payload:          raw,
		SourceConfidence: confidence,
	}, nil
}

func NewNoAnswerResult(toolName, message string) *ToolResult {
	return &ToolResult{
		ToolName: toolName,
		Status:   ToolStatusSuccess,
		NoAnswer: true,
		Message:  message,
	}
}

func NewFailedResult(toolName string, err error) *ToolResult {
	return &ToolResult{
		ToolName:  toolName,
		Status:    ToolStatusFailed,
		Error:     err.Error(),
		ErrorType: ErrorTypeOf(err),
		Message:   "temporarily unavailable",
	}
}

// HashKey builds a deterministic sha256 key from its parts. Maps are hashed with
// sorted keys.
func HashKey(parts ...any) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(canonical(part)))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonical(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case map[string]any:
		keys := make([]string, 0, len(value))
		for k := range value {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(canonical(value[k]))
			b.WriteByte(';')
		}
		return b.String()
	case map[string]string:
		converted := make(map[string]any, len(value))
		for k, v := range value {
			converted[k] = v
		}
		return canonical(converted)
	case []string:
		return strings.Join(value, ",")
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprintf("%v", value)
		}
		return string(raw)
	}
}

// NormalizeText lowercases and collapses whitespace so equivalent questions share keys.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
