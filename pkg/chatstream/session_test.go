package chatstream

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type stubTransport struct {
	mu       sync.Mutex
	connects int
	dialWait time.Duration
	dialErr  error
	pw       *io.PipeWriter
}

func (t *stubTransport) Connect(ctx context.Context, connectionID string) (io.ReadCloser, error) {
	t.mu.Lock()
	t.connects++
	t.mu.Unlock()
	if t.dialWait > 0 {
		select {
		case <-time.After(t.dialWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	pr, pw := io.Pipe()
	t.mu.Lock()
	t.pw = pw
	t.mu.Unlock()
	return pr, nil
}

func (t *stubTransport) connectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *stubTransport) writeFrame(tb testing.TB, f Frame) {
	tb.Helper()
	b, err := f.Encode()
	require.NoError(tb, err)
	t.mu.Lock()
	pw := t.pw
	t.mu.Unlock()
	require.NotNil(tb, pw)
	_, err = pw.Write(b)
	require.NoError(tb, err)
}

func (t *stubTransport) breakConnection(cause error) {
	t.mu.Lock()
	pw := t.pw
	t.mu.Unlock()
	if pw != nil {
		_ = pw.CloseWithError(cause)
	}
}

type stubDispatcher struct {
	mu         sync.Mutex
	requests   []DispatchRequest
	onDispatch func(req DispatchRequest)
	err        error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*MessageRef, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	if d.onDispatch != nil {
		d.onDispatch(req)
	}
	if d.err != nil {
		return nil, d.err
	}
	return &MessageRef{MessageID: "msg-" + req.StreamID, GroupID: "grp-" + req.StreamID, Role: "assistant"}, nil
}

func newTestSession(t *testing.T, tr *stubTransport, d *stubDispatcher) *TransportSession {
	t.Helper()
	s, err := NewSession(SessionConfig{Transport: tr, Dispatcher: d})
	require.NoError(t, err)
	t.Cleanup(s.Dispose)
	return s
}

func TestSessionConcurrentOpenSharesConnection(t *testing.T) {
	tr := &stubTransport{dialWait: 50 * time.Millisecond}
	s := newTestSession(t, tr, &stubDispatcher{})

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Open(context.Background(), false)
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	require.Equal(t, ids[0], ids[1])
	require.Equal(t, 1, tr.connectCount())
	require.True(t, s.IsOpen())
}

func TestSessionDemultiplexesInterleavedStreams(t *testing.T) {
	tr := &stubTransport{}
	s := newTestSession(t, tr, &stubDispatcher{})
	ctx := context.Background()

	ch1, ref1, err := s.Send(ctx, "model-a", nil, "s1")
	require.NoError(t, err)
	require.Equal(t, "msg-s1", ref1.MessageID)
	ch2, _, err := s.Send(ctx, "model-b", nil, "s2")
	require.NoError(t, err)
	require.Equal(t, 1, tr.connectCount())

	tr.writeFrame(t, Frame{StreamID: "s1", Kind: FrameKindDelta, Content: &Content{Text: "alpha "}})
	tr.writeFrame(t, Frame{StreamID: "s2", Kind: FrameKindDelta, Content: &Content{Text: "beta "}})
	tr.writeFrame(t, Frame{StreamID: "s1", Kind: FrameKindDelta, Content: &Content{Text: "one"}})
	tr.writeFrame(t, Frame{StreamID: "s2", Kind: FrameKindDelta, Content: &Content{Text: "two"}})
	tr.writeFrame(t, Frame{StreamID: "s1", Kind: FrameKindDone})

	ctxWait, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	text, err := ch1.Wait(ctxWait)
	require.NoError(t, err)
	require.Equal(t, "alpha one", text)

	// The sibling stream is untouched by s1's completion.
	require.True(t, ch2.IsActive())
	require.Eventually(t, func() bool { return ch2.Text() == "beta two" }, time.Second, 5*time.Millisecond)

	tr.writeFrame(t, Frame{StreamID: "s2", Kind: FrameKindDone})
	_, err = ch2.Wait(ctxWait)
	require.NoError(t, err)
}

func TestSessionFramesBeforeDispatchResponse(t *testing.T) {
	tr := &stubTransport{}
	d := &stubDispatcher{}
	// The server may start streaming before the dispatch response lands;
	// the channel is registered first so nothing is lost.
	d.onDispatch = func(req DispatchRequest) {
		tr.writeFrame(t, Frame{StreamID: req.StreamID, Kind: FrameKindDelta, Content: &Content{Text: "early"}})
	}
	s := newTestSession(t, tr, d)

	ch, _, err := s.Send(context.Background(), "model-a", nil, "s1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ch.Text() == "early" }, time.Second, 5*time.Millisecond)
}

func TestSessionLastStreamDoneTearsDownConnection(t *testing.T) {
	tr := &stubTransport{}
	s := newTestSession(t, tr, &stubDispatcher{})

	before := s.ConnectionID()
	ch, _, err := s.Send(context.Background(), "model-a", nil, "s1")
	require.NoError(t, err)
	tr.writeFrame(t, Frame{StreamID: "s1", Kind: FrameKindDone})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = ch.Wait(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !s.IsOpen() }, time.Second, 5*time.Millisecond)
	require.NotEqual(t, before, s.ConnectionID())
}

func TestSessionStreamErrorIsolated(t *testing.T) {
	tr := &stubTransport{}
	s := newTestSession(t, tr, &stubDispatcher{})
	ctx := context.Background()

	ch1, _, err := s.Send(ctx, "model-a", nil, "s1")
	require.NoError(t, err)
	ch2, _, err := s.Send(ctx, "model-b", nil, "s2")
	require.NoError(t, err)

	tr.writeFrame(t, Frame{StreamID: "s1", Kind: FrameKindError, Message: `{"finishReason":"SAFETY"}`})

	require.Eventually(t, func() bool { return !ch1.IsActive() }, time.Second, 5*time.Millisecond)
	var streamErr *StreamError
	require.ErrorAs(t, ch1.Err(), &streamErr)
	require.Contains(t, streamErr.Message, "safety filter")
	require.True(t, ch2.IsActive())
}

func TestSessionConnectionLossFailsAllStreams(t *testing.T) {
	tr := &stubTransport{}
	s := newTestSession(t, tr, &stubDispatcher{})
	ctx := context.Background()

	connID := ""
	chans := make([]*StreamChannel, 3)
	for i, sid := range []string{"s1", "s2", "s3"} {
		ch, _, err := s.Send(ctx, "model-a", nil, sid)
		require.NoError(t, err)
		chans[i] = ch
	}
	connID = s.ConnectionID()

	tr.breakConnection(errors.New("network down"))

	for _, ch := range chans {
		require.Eventually(t, func() bool { return !ch.IsActive() }, time.Second, 5*time.Millisecond)
		var connErr *ConnectionError
		require.ErrorAs(t, ch.Err(), &connErr)
		require.Equal(t, connID, connErr.ConnectionID)
	}
	require.False(t, s.IsOpen())
	require.NotEqual(t, connID, s.ConnectionID())
}

func TestSessionDialFailure(t *testing.T) {
	tr := &stubTransport{dialErr: errors.New("refused")}
	s := newTestSession(t, tr, &stubDispatcher{})

	ch := make(chan error, 1)
	go func() {
		_, _, err := s.Send(context.Background(), "model-a", nil, "s1")
		ch <- err
	}()

	select {
	case err := <-ch:
		var connErr *ConnectionError
		require.ErrorAs(t, err, &connErr)
	case <-time.After(time.Second):
		t.Fatal("send did not return")
	}
	require.False(t, s.IsOpen())
}

func TestSessionDispatchFailureCleansUp(t *testing.T) {
	tr := &stubTransport{}
	d := &stubDispatcher{err: errors.New("bad request")}
	s := newTestSession(t, tr, d)

	ch, ref, err := s.Send(context.Background(), "model-a", nil, "s1")
	require.Error(t, err)
	require.Nil(t, ch)
	require.Nil(t, ref)
	// The orphaned channel was the only one; the connection is released.
	require.Eventually(t, func() bool { return !s.IsOpen() }, time.Second, 5*time.Millisecond)
}

func TestSessionAttachExisting(t *testing.T) {
	tr := &stubTransport{}
	s := newTestSession(t, tr, &stubDispatcher{})

	ch, ref, err := s.Send(context.Background(), "model-a", nil, "s1")
	require.NoError(t, err)
	tr.writeFrame(t, Frame{StreamID: "s1", Kind: FrameKindDelta, Content: &Content{Text: "partial text"}})
	require.Eventually(t, func() bool { return ch.Text() == "partial text" }, time.Second, 5*time.Millisecond)

	text, attached := s.AttachExisting(ref.MessageID)
	require.Same(t, ch, attached)
	require.Equal(t, "partial text", text)

	tr.writeFrame(t, Frame{StreamID: "s1", Kind: FrameKindDone})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = ch.Wait(ctx)
	require.NoError(t, err)

	// After the terminal frame the stream is no longer attachable.
	text, attached = s.AttachExisting(ref.MessageID)
	require.Nil(t, attached)
	require.Empty(t, text)
}

func TestSessionCancelCompletesChannel(t *testing.T) {
	tr := &stubTransport{}
	s := newTestSession(t, tr, &stubDispatcher{})

	ch, ref, err := s.Send(context.Background(), "model-a", nil, "s1")
	require.NoError(t, err)

	s.Cancel(ref.MessageID)
	require.False(t, ch.IsActive())
	require.NoError(t, ch.Err())
	require.False(t, s.IsOpen())
}

func TestSessionUsageSideChannel(t *testing.T) {
	tr := &stubTransport{}
	var mu sync.Mutex
	var got []Usage
	s, err := NewSession(SessionConfig{
		Transport:  tr,
		Dispatcher: &stubDispatcher{},
		OnUsage: func(streamID string, u Usage) {
			mu.Lock()
			got = append(got, u)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Dispose)

	ch, _, err := s.Send(context.Background(), "model-a", nil, "s1")
	require.NoError(t, err)
	tr.writeFrame(t, Frame{
		StreamID: "s1",
		Kind:     FrameKindDelta,
		Content:  &Content{Text: "x"},
		Usage:    &Usage{InputTokens: 100, OutputTokens: 7},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	require.Equal(t, 100, got[0].InputTokens)
	mu.Unlock()

	// Usage never leaks into the completion text.
	require.Equal(t, "x", ch.Text())
}
