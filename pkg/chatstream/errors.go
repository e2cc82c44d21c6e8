package chatstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectionError reports a failure of the shared connection. It is a
// correlated failure: every channel in flight on that connection receives the
// same error.
type ConnectionError struct {
	ConnectionID string
	Err          error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection %s failed", e.ConnectionID)
	}
	return fmt.Sprintf("connection %s failed: %v", e.ConnectionID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError reports a server-side failure of a single generation stream.
// It is isolated to the one channel it names.
type StreamError struct {
	StreamID  string
	MessageID string
	Message   string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stream %s failed", e.StreamID)
	}
	return fmt.Sprintf("stream %s failed: %s", e.StreamID, e.Message)
}

// describeStreamFailure recognizes provider safety-filter rejections inside
// an error payload and returns a more specific message than the raw text.
func describeStreamFailure(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "generation failed"
	}
	var payload struct {
		FinishReason string `json:"finishReason"`
		Code         string `json:"code"`
		Message      string `json:"message"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		reason := strings.ToUpper(payload.FinishReason)
		code := strings.ToLower(payload.Code)
		if reason == "SAFETY" || reason == "PROHIBITED_CONTENT" || code == "content_filter" {
			if payload.Message != "" {
				return "blocked by the provider's safety filter: " + payload.Message
			}
			return "blocked by the provider's safety filter"
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if strings.Contains(strings.ToLower(trimmed), "content_filter") {
		return "blocked by the provider's safety filter"
	}
	return trimmed
}
