package chatstream

import "encoding/json"

// FrameKind discriminates the three kinds of frames carried on the shared
// connection: incremental content, normal completion, and stream-level error.
type FrameKind string

const (
	FrameKindDelta FrameKind = "delta"
	FrameKindDone  FrameKind = "done"
	FrameKindError FrameKind = "error"
)

// Content is the payload of a delta frame. Text carries the incremental
// completion text; Meta carries provider-specific values that are forwarded
// to subscribers untouched.
type Content struct {
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Usage reports token accounting as a side channel alongside delta frames.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CachedTokens int `json:"cached_tokens,omitempty"`
}

// Frame is one demultiplexable unit on the shared connection. Frames are
// encoded as single JSON objects terminated by a newline.
type Frame struct {
	StreamID string    `json:"streamId"`
	Kind     FrameKind `json:"type"`
	Content  *Content  `json:"content,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	// Message carries the error text on error frames.
	Message string `json:"message,omitempty"`
}

// Encode serializes the frame followed by the frame terminator.
func (f Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
