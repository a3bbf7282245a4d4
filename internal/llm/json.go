package llm

import (
	"encoding/json"
	"strings"

	"mizan-engine/internal/models"
)

// StripCodeFences removes a surrounding markdown code block, if any.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	endIdx := len(lines)
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			endIdx = i
			break
		}
	}
	if endIdx <= 1 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines[1:endIdx], "\n"))
}

// ParseJSONResponse decodes a model reply into v, tolerating code fences and leading prose.
func ParseJSONResponse(text string, v any) error {
	text = StripCodeFences(text)
	if text == "" {
		return models.NewValidationError("EMPTY_MODEL_OUTPUT", "model returned no content")
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	start := strings.IndexAny(text, "{[")
	end := strings.LastIndexAny(text, "}]")
	if start < 0 || end <= start {
		return models.NewValidationError("MALFORMED_MODEL_OUTPUT", "model output is not JSON")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return models.NewValidationError("MALFORMED_MODEL_OUTPUT", "model output is not JSON").WithCause(err)
	}
	return nil
}
