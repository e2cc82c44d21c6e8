package chatthreads

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatstream"
	"github.com/blkd13/ribbon-core/pkg/tokens"
)

type sendCall struct {
	targetID string
	args     map[string]any
	streamID string
}

type fakeSender struct {
	mu        sync.Mutex
	sends     []sendCall
	channels  map[string]*chatstream.StreamChannel
	cancelled []string

	// onSend runs against the fresh channel before Send returns, so a test
	// can push frames into the window between dispatch and consumption.
	onSend func(ch *chatstream.StreamChannel)
	// failOn makes the n-th Send (1-based) fail.
	failOn int
}

func newFakeSender() *fakeSender {
	return &fakeSender{channels: map[string]*chatstream.StreamChannel{}}
}

func (f *fakeSender) Send(ctx context.Context, targetID string, args map[string]any, streamID string) (*chatstream.StreamChannel, *chatstream.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if streamID == "" {
		streamID = fmt.Sprintf("stream-%d", len(f.sends))
	}
	f.sends = append(f.sends, sendCall{targetID: targetID, args: args, streamID: streamID})
	if f.failOn != 0 && len(f.sends) == f.failOn {
		return nil, nil, errors.New("dispatch refused")
	}
	ch := chatstream.NewStreamChannel(streamID)
	messageID := "am-" + streamID
	f.channels[messageID] = ch
	if f.onSend != nil {
		f.onSend(ch)
	}
	return ch, &chatstream.MessageRef{MessageID: messageID, GroupID: "ag-" + streamID, Role: "assistant"}, nil
}

func (f *fakeSender) Cancel(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, messageID)
	if ch := f.channels[messageID]; ch != nil {
		ch.Complete()
	}
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func twoThreadGroup() *ThreadGroup {
	return &ThreadGroup{
		ID: "tg1",
		Threads: []*Thread{
			{ID: "t1", Model: ModelConfig{Name: "gpt-4", Provider: "openai"}},
			{ID: "t2", Model: ModelConfig{Name: "claude-3", Provider: "anthropic"}},
		},
	}
}

func userParts(text string) []*chatgraph.ContentPart {
	return []*chatgraph.ContentPart{{Kind: chatgraph.PartText, Text: text}}
}

func TestSendTurnFansOutAcrossThreads(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	o, err := New(Config{Store: store, Sender: sender, Estimator: tokens.NewEstimator()})
	require.NoError(t, err)

	group := twoThreadGroup()
	h, err := o.SendTurn(context.Background(), group, userParts("compare yourselves"))
	require.NoError(t, err)
	require.Len(t, h.Entries(), 2)
	require.Equal(t, 2, sender.sendCount())

	for _, entry := range h.Entries() {
		ch := entry.Channel
		ch.Append(&chatstream.Content{Text: "I am "})
		ch.Append(&chatstream.Content{Text: string(entry.ThreadID)})
		ch.Complete()
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
	require.NoError(t, h.Err())

	for _, entry := range h.Entries() {
		m := store.MessageByID(entry.MessageID)
		require.NotNil(t, m)
		require.Equal(t, chatgraph.StatusLoaded, m.Status)
		require.Equal(t, "I am "+string(entry.ThreadID), m.FirstTextPart().Text)
		require.Nil(t, m.Channel)

		order, err := store.RebuildThread(entry.ThreadID)
		require.NoError(t, err)
		require.Equal(t, []chatgraph.GroupID{entry.UserGroup.ID, entry.AssistantGroup.ID}, order)
	}
}

func TestSendTurnKeepsDeltasSentDuringDispatch(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	// The server may start streaming before the dispatch response lands, so
	// deltas can precede the consumer's subscription.
	sender.onSend = func(ch *chatstream.StreamChannel) {
		ch.Append(&chatstream.Content{Text: "EARLY "})
	}
	o, err := New(Config{Store: store, Sender: sender})
	require.NoError(t, err)

	group := twoThreadGroup()
	group.Threads = group.Threads[:1]
	h, err := o.SendTurn(context.Background(), group, userParts("hi"))
	require.NoError(t, err)
	require.Len(t, h.Entries(), 1)

	entry := h.Entries()[0]
	entry.Channel.Append(&chatstream.Content{Text: "late"})
	entry.Channel.Complete()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	m := store.MessageByID(entry.MessageID)
	require.NotNil(t, m)
	require.Equal(t, chatgraph.StatusLoaded, m.Status)
	require.Equal(t, "EARLY late", m.FirstTextPart().Text)
}

func TestSendTurnDispatchFailureSettlesSiblings(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	sender.failOn = 2
	o, err := New(Config{Store: store, Sender: sender})
	require.NoError(t, err)

	_, err = o.SendTurn(context.Background(), twoThreadGroup(), userParts("hi"))
	require.Error(t, err)
	require.Equal(t, 2, sender.sendCount())

	// The thread whose dispatch went through was cancelled and its skeleton
	// settled: no message is left loading with a live channel.
	sender.mu.Lock()
	cancelled := append([]string(nil), sender.cancelled...)
	sender.mu.Unlock()
	require.Len(t, cancelled, 1)

	m := store.MessageByID(chatgraph.MessageID(cancelled[0]))
	require.NotNil(t, m)
	require.Equal(t, chatgraph.StatusLoaded, m.Status)
	require.Nil(t, m.Channel)
}

func TestSendTurnMissingModelAbortsEverything(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	o, err := New(Config{Store: store, Sender: sender})
	require.NoError(t, err)

	group := twoThreadGroup()
	group.Threads[1].Model.Name = ""

	_, err = o.SendTurn(context.Background(), group, userParts("hi"))
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, chatgraph.ThreadID("t2"), valErr.ThreadID)
	// All-or-nothing: nothing was dispatched to the valid thread either.
	require.Zero(t, sender.sendCount())
	require.Empty(t, store.Groups("t1"))
}

func TestSendTurnTokenCeilingIsFatal(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	o, err := New(Config{Store: store, Sender: sender, Estimator: tokens.NewEstimator()})
	require.NoError(t, err)

	group := twoThreadGroup()
	group.Threads[0].Model.InputTokenCeiling = 1

	_, err = o.SendTurn(context.Background(), group, userParts("this prompt is certainly longer than one token"))
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	require.Zero(t, sender.sendCount())
}

func TestSendTurnClampsGeminiTemperature(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	var warnings []string
	o, err := New(Config{
		Store:  store,
		Sender: sender,
		OnWarning: func(threadID chatgraph.ThreadID, msg string) {
			warnings = append(warnings, string(threadID)+": "+msg)
		},
	})
	require.NoError(t, err)

	group := &ThreadGroup{
		ID:      "tg1",
		Threads: []*Thread{{ID: "t1", Model: ModelConfig{Name: "gemini-pro", Provider: "gemini", Temperature: 1.8}}},
	}
	h, err := o.SendTurn(context.Background(), group, userParts("hi"))
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Equal(t, float64(1), group.Threads[0].Model.Temperature)
	// The clamp is a warning, not an abort.
	require.Equal(t, 1, sender.sendCount())

	h.Entries()[0].Channel.Complete()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

func TestSendTurnStreamErrorIsolatedToOneThread(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	o, err := New(Config{Store: store, Sender: sender})
	require.NoError(t, err)

	group := twoThreadGroup()
	h, err := o.SendTurn(context.Background(), group, userParts("hi"))
	require.NoError(t, err)

	bad, good := h.Entries()[0], h.Entries()[1]
	bad.Channel.Fail(&chatstream.StreamError{StreamID: bad.Channel.StreamID(), Message: "model overloaded"})
	good.Channel.Append(&chatstream.Content{Text: "fine"})
	good.Channel.Complete()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	require.Error(t, h.Err())
	require.NoError(t, good.Err())

	badMsg := store.MessageByID(bad.MessageID)
	require.Equal(t, chatgraph.StatusLoaded, badMsg.Status)
	last := badMsg.Contents[len(badMsg.Contents)-1]
	require.Equal(t, chatgraph.PartError, last.Kind)
	require.Contains(t, last.Text, "model overloaded")

	goodMsg := store.MessageByID(good.MessageID)
	require.Equal(t, "fine", goodMsg.FirstTextPart().Text)
}

func TestSendTurnGeneratesTitleBestEffort(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	o, err := New(Config{Store: store, Sender: sender, TitleModel: "gpt-4"})
	require.NoError(t, err)

	group := &ThreadGroup{
		ID:      "tg1",
		Threads: []*Thread{{ID: "t1", Model: ModelConfig{Name: "gpt-4"}}},
	}
	h, err := o.SendTurn(context.Background(), group, userParts("hi"))
	require.NoError(t, err)

	h.Entries()[0].Channel.Complete()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	// The titling request runs on its own stream after the turn.
	require.Eventually(t, func() bool { return sender.sendCount() == 2 }, time.Second, 5*time.Millisecond)
	sender.mu.Lock()
	titleStream := sender.sends[1].streamID
	titleCh := sender.channels["am-"+titleStream]
	sender.mu.Unlock()

	titleCh.Append(&chatstream.Content{Text: "Greetings and salutations"})
	titleCh.Complete()
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return group.Title == "Greetings and salutations"
	}, time.Second, 5*time.Millisecond)
}

func TestCancelTurnCancelsEveryThread(t *testing.T) {
	store := chatgraph.NewStore()
	sender := newFakeSender()
	o, err := New(Config{Store: store, Sender: sender})
	require.NoError(t, err)

	group := twoThreadGroup()
	h, err := o.SendTurn(context.Background(), group, userParts("hi"))
	require.NoError(t, err)

	for _, entry := range h.Entries() {
		entry.Channel.Append(&chatstream.Content{Text: "partial"})
	}
	o.CancelTurn(group.ID)

	sender.mu.Lock()
	cancelled := len(sender.cancelled)
	sender.mu.Unlock()
	require.Equal(t, 2, cancelled)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	// Partial output is kept, not rolled back.
	for _, entry := range h.Entries() {
		m := store.MessageByID(entry.MessageID)
		require.NotNil(t, m)
		require.Equal(t, "partial", m.FirstTextPart().Text)
	}
}
