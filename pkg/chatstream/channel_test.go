package chatstream

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestStreamChannelAccumulatesInOrder(t *testing.T) {
	ch := NewStreamChannel("s1")
	ch.Append(&Content{Text: "one "})
	ch.Append(&Content{Text: "two "})
	ch.Append(&Content{Text: "three"})
	require.Equal(t, "one two three", ch.Text())
	require.True(t, ch.IsActive())
}

func TestStreamChannelTerminalExclusive(t *testing.T) {
	ch := NewStreamChannel("s1")
	ch.Complete()
	require.False(t, ch.IsActive())
	require.NoError(t, ch.Err())

	// A late error must not overwrite the completion.
	ch.Fail(errors.New("too late"))
	require.NoError(t, ch.Err())

	// And the other way around.
	ch2 := NewStreamChannel("s2")
	boom := errors.New("boom")
	ch2.Fail(boom)
	ch2.Complete()
	require.Equal(t, boom, ch2.Err())
}

func TestStreamChannelIgnoresAppendAfterTerminal(t *testing.T) {
	ch := NewStreamChannel("s1")
	ch.Append(&Content{Text: "kept"})
	ch.Complete()
	ch.Append(&Content{Text: " dropped"})
	require.Equal(t, "kept", ch.Text())
}

func TestStreamChannelSubscribe(t *testing.T) {
	ch := NewStreamChannel("s1")
	events := ch.Subscribe()

	ch.Append(&Content{Text: "a"})
	ch.Append(&Content{Text: "b"})
	ch.Complete()

	var got []StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	require.Equal(t, FrameKindDelta, got[0].Kind)
	require.Equal(t, "a", got[0].Content.Text)
	require.Equal(t, FrameKindDone, got[2].Kind)
}

func TestStreamChannelSubscribeAfterTerminal(t *testing.T) {
	ch := NewStreamChannel("s1")
	boom := errors.New("boom")
	ch.Fail(boom)

	events := ch.Subscribe()
	ev, ok := <-events
	require.True(t, ok)
	require.Equal(t, FrameKindError, ev.Kind)
	require.Equal(t, boom, ev.Err)
	_, ok = <-events
	require.False(t, ok)
}

func TestStreamChannelWait(t *testing.T) {
	ch := NewStreamChannel("s1")
	go func() {
		ch.Append(&Content{Text: "done deal"})
		ch.Complete()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	text, err := ch.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "done deal", text)
}

func TestStreamChannelWaitContextCancelled(t *testing.T) {
	ch := NewStreamChannel("s1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ch.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
