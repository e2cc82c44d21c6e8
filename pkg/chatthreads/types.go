package chatthreads

import (
	"fmt"
	"strings"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
)

// ModelConfig describes one model backend a thread replays the conversation
// against.
type ModelConfig struct {
	Name     string  `json:"name" yaml:"name"`
	Provider string  `json:"provider" yaml:"provider"`
	// InputTokenCeiling is the model's declared prompt-size limit; zero means
	// unlimited (no pre-send check).
	InputTokenCeiling int     `json:"inputTokenCeiling" yaml:"inputTokenCeiling"`
	Temperature       float64 `json:"temperature" yaml:"temperature"`
}

// geminiFamily reports whether the model belongs to the provider family whose
// API rejects temperatures above 1.
func (m ModelConfig) geminiFamily() bool {
	return strings.HasPrefix(strings.ToLower(m.Provider), "gemini") ||
		strings.HasPrefix(strings.ToLower(m.Name), "gemini")
}

// Thread pairs a project with one model configuration and replays the shared
// conversation against it.
type Thread struct {
	ID        chatgraph.ThreadID `json:"id"`
	ProjectID string             `json:"projectId"`
	Model     ModelConfig        `json:"model"`
}

// ThreadGroup bundles the threads that stay in lockstep for one user-visible
// conversation: every user turn goes to all of them.
type ThreadGroup struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Threads []*Thread `json:"threads"`
}

// ValidationError reports a pre-dispatch guardrail violation. It is fatal to
// the whole turn: nothing is sent to any thread.
type ValidationError struct {
	ThreadID chatgraph.ThreadID
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("turn validation failed for thread %s: %s", e.ThreadID, e.Reason)
}
