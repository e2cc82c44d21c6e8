package chatstream

import (
	"context"
	"strings"
	"sync"
	"time"
)

// StreamEvent is what subscribers of a StreamChannel observe: one delta,
// or exactly one terminal signal (completion or error, never both).
type StreamEvent struct {
	Kind    FrameKind
	Content *Content
	Err     error
}

// StreamChannel is the client-side handle for one in-flight generation
// request's incremental output. It is addressable by streamID before the
// persisted message exists and additionally by messageID afterwards; both
// addresses resolve to the same object.
//
// Channels are driven by a transport (normally the owning TransportSession):
// Append for deltas, then exactly one of Complete or Fail.
type StreamChannel struct {
	streamID string

	mu        sync.Mutex
	messageID string
	text      strings.Builder
	active    bool
	lastErr   error
	subs      []chan StreamEvent
	done      chan struct{}
	started   time.Time
}

func NewStreamChannel(streamID string) *StreamChannel {
	return &StreamChannel{
		streamID: streamID,
		active:   true,
		done:     make(chan struct{}),
		started:  time.Now(),
	}
}

func (c *StreamChannel) StreamID() string { return c.streamID }

func (c *StreamChannel) MessageID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageID
}

func (c *StreamChannel) setMessageID(id string) {
	c.mu.Lock()
	c.messageID = id
	c.mu.Unlock()
}

// Text returns the accumulated completion text so far.
func (c *StreamChannel) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

func (c *StreamChannel) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *StreamChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Subscribe returns a channel delivering future events. Events delivered
// before subscription are not replayed; use Text for the accumulated state.
// The returned channel is closed after the terminal signal.
func (c *StreamChannel) Subscribe() <-chan StreamEvent {
	ch := make(chan StreamEvent, 64)
	c.mu.Lock()
	if !c.active {
		// Terminal already delivered; surface it immediately.
		if c.lastErr != nil {
			ch <- StreamEvent{Kind: FrameKindError, Err: c.lastErr}
		} else {
			ch <- StreamEvent{Kind: FrameKindDone}
		}
		close(ch)
		c.mu.Unlock()
		return ch
	}
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch
}

// Done is closed once the channel reaches its terminal state.
func (c *StreamChannel) Done() <-chan struct{} { return c.done }

// Wait blocks until the channel terminates or the context is cancelled and
// returns the accumulated text.
func (c *StreamChannel) Wait(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return c.Text(), ctx.Err()
	case <-c.done:
	}
	if err := c.Err(); err != nil {
		return c.Text(), err
	}
	return c.Text(), nil
}

// Append applies a delta frame's content.
func (c *StreamChannel) Append(content *Content) {
	if content == nil {
		return
	}
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.text.WriteString(content.Text)
	subs := append([]chan StreamEvent(nil), c.subs...)
	c.mu.Unlock()

	ev := StreamEvent{Kind: FrameKindDelta, Content: content}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; drop rather than stall the shared read loop.
		}
	}
}

// Complete signals normal termination. It is a no-op after a terminal signal.
func (c *StreamChannel) Complete() {
	c.terminate(nil)
}

// Fail signals error termination. It is a no-op after a terminal signal.
func (c *StreamChannel) Fail(err error) {
	if err == nil {
		return
	}
	c.terminate(err)
}

func (c *StreamChannel) terminate(err error) {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.lastErr = err
	subs := c.subs
	c.subs = nil
	close(c.done)
	c.mu.Unlock()

	ev := StreamEvent{Kind: FrameKindDone}
	if err != nil {
		ev = StreamEvent{Kind: FrameKindError, Err: err}
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Buffer full; the closed channel plus Err() still expose the outcome.
		}
		close(ch)
	}
}
