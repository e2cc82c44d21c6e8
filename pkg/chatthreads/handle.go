package chatthreads

import (
	"context"
	"sync"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatstream"
)

// TurnEntry is one thread's share of a dispatched turn.
type TurnEntry struct {
	ThreadID       chatgraph.ThreadID
	UserGroup      *chatgraph.MessageGroup
	AssistantGroup *chatgraph.MessageGroup
	MessageID      chatgraph.MessageID
	Channel        *chatstream.StreamChannel

	mu  sync.Mutex
	err error
}

func (e *TurnEntry) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
}

// Err returns the entry's stream error, nil on clean completion.
func (e *TurnEntry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// TurnHandle tracks one user turn fanned out across a thread group.
type TurnHandle struct {
	GroupID string

	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	entries []*TurnEntry
}

func newTurnHandle(groupID string) *TurnHandle {
	return &TurnHandle{
		GroupID: groupID,
		done:    make(chan struct{}),
	}
}

func (h *TurnHandle) finish() {
	h.once.Do(func() { close(h.done) })
}

// Done is closed once every thread's stream has terminated and the turn's
// post-processing (linearization refresh, titling) has run.
func (h *TurnHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the turn finishes or ctx is cancelled.
func (h *TurnHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	}
}

func (h *TurnHandle) Entries() []*TurnEntry {
	return h.entries
}

// Err reports the turn's failure, deduplicating correlated connection
// failures to a single error so the user sees one notification per turn.
func (h *TurnHandle) Err() error {
	var firstStream error
	seenConn := map[string]*chatstream.ConnectionError{}
	for _, entry := range h.entries {
		err := entry.Err()
		if err == nil {
			continue
		}
		if connErr, ok := err.(*chatstream.ConnectionError); ok {
			seenConn[connErr.ConnectionID] = connErr
			continue
		}
		if firstStream == nil {
			firstStream = err
		}
	}
	for _, connErr := range seenConn {
		return connErr
	}
	return firstStream
}
