package chatthreads

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatstream"
	"github.com/blkd13/ribbon-core/pkg/tokens"
)

// Sender is the transport surface the orchestrator needs: dispatch one
// generation request, cancel one message's stream. Satisfied by
// *chatstream.TransportSession.
type Sender interface {
	Send(ctx context.Context, targetID string, args map[string]any, streamID string) (*chatstream.StreamChannel, *chatstream.MessageRef, error)
	Cancel(messageID string)
}

// CacheRefresher renews a server-side context cache before it expires.
// Refresh failures are recoverable: the turn proceeds without the cache.
type CacheRefresher interface {
	Refresh(ctx context.Context, cacheID string) error
}

type Config struct {
	Store     *chatgraph.Store
	Sender    Sender
	Estimator *tokens.Estimator
	// OnWarning surfaces non-fatal guardrail adjustments (e.g. a clamped
	// temperature) to the user.
	OnWarning func(threadID chatgraph.ThreadID, msg string)
	// OnUsage receives token accounting as streams report it.
	OnUsage func(threadID chatgraph.ThreadID, u chatstream.Usage)
	// Refresher optionally renews context caches referenced by the history.
	Refresher CacheRefresher
	// TitleModel names the model used for best-effort conversation titling.
	// Empty disables titling.
	TitleModel string
}

// Orchestrator drives one user turn across every thread of a ThreadGroup in
// lockstep and fans the resulting streams back into the conversation graph.
type Orchestrator struct {
	cfg Config

	mu    sync.Mutex
	turns map[string]*TurnHandle
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator store is nil")
	}
	if cfg.Sender == nil {
		return nil, errors.New("orchestrator sender is nil")
	}
	return &Orchestrator{
		cfg:   cfg,
		turns: map[string]*TurnHandle{},
	}, nil
}

// threadPrompt is everything SendTurn derives per thread before dispatch:
// the linearized history, the tail message the new turn chains from, and any
// cache ids the history references.
type threadPrompt struct {
	thread   *Thread
	history  []*chatgraph.ContentPart
	tail     chatgraph.MessageID
	cacheIDs []string
	estimate int
}

// SendTurn validates the turn against every thread's constraints, and only
// when all of them pass materializes the user's message and dispatches one
// generation per thread. Validation is all-or-nothing: a token-ceiling
// violation on any thread aborts the whole turn with nothing sent.
func (o *Orchestrator) SendTurn(ctx context.Context, group *ThreadGroup, parts []*chatgraph.ContentPart) (*TurnHandle, error) {
	if group == nil || len(group.Threads) == 0 {
		return nil, &ValidationError{Reason: "thread group has no threads"}
	}

	prompts := make([]*threadPrompt, 0, len(group.Threads))
	for _, th := range group.Threads {
		if th.Model.Name == "" {
			return nil, &ValidationError{ThreadID: th.ID, Reason: "no model configured"}
		}
		if th.Model.geminiFamily() && th.Model.Temperature > 1 {
			th.Model.Temperature = 1
			o.warn(th.ID, "temperature clamped to 1 for this model family")
		}

		p, err := o.buildPrompt(th, parts)
		if err != nil {
			return nil, err
		}
		if ceil := th.Model.InputTokenCeiling; ceil > 0 && p.estimate > ceil {
			return nil, &ValidationError{
				ThreadID: th.ID,
				Reason:   fmt.Sprintf("estimated %d input tokens exceeds the model's limit of %d", p.estimate, ceil),
			}
		}
		prompts = append(prompts, p)
	}

	o.refreshCaches(ctx, prompts)

	h := newTurnHandle(group.ID)
	eg, egCtx := errgroup.WithContext(ctx)
	var entryMu sync.Mutex
	for _, p := range prompts {
		p := p
		eg.Go(func() error {
			entry, err := o.dispatchThread(egCtx, p, parts)
			if err != nil {
				return err
			}
			entryMu.Lock()
			h.entries = append(h.entries, entry)
			entryMu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		// Siblings that made it through dispatch before the failure have live
		// streams and loading skeletons. Cancel them and settle their
		// messages so nothing stays loading forever.
		for _, entry := range h.entries {
			o.cfg.Sender.Cancel(string(entry.MessageID))
			_ = o.cfg.Store.UpdateMessage(entry.MessageID, func(m *chatgraph.Message) {
				m.Status = chatgraph.StatusLoaded
				m.Channel = nil
				m.FirstTextPart().Text = entry.Channel.Text()
			})
		}
		h.finish()
		return nil, err
	}

	for _, entry := range h.entries {
		h.wg.Add(1)
		go o.consume(entry, h)
	}
	go o.afterTurn(group, h)

	o.mu.Lock()
	o.turns[group.ID] = h
	o.mu.Unlock()
	return h, nil
}

// CancelTurn cancels the most recent turn's streams for every thread in the
// group. Already-materialized groups stay: partial output is kept.
func (o *Orchestrator) CancelTurn(threadGroupID string) {
	o.mu.Lock()
	h := o.turns[threadGroupID]
	o.mu.Unlock()
	if h == nil {
		return
	}
	for _, entry := range h.Entries() {
		o.cfg.Sender.Cancel(string(entry.MessageID))
	}
}

func (o *Orchestrator) buildPrompt(th *Thread, parts []*chatgraph.ContentPart) (*threadPrompt, error) {
	order, err := o.cfg.Store.RebuildThread(th.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "linearize thread %s", th.ID)
	}
	p := &threadPrompt{thread: th}
	for _, gid := range order {
		g := o.cfg.Store.Group(gid)
		if g == nil {
			continue
		}
		m := g.SelectedMessage()
		if m == nil {
			continue
		}
		p.history = append(p.history, m.Contents...)
		p.tail = m.ID
		if m.CacheID != "" {
			p.cacheIDs = append(p.cacheIDs, m.CacheID)
		}
	}

	if o.cfg.Estimator != nil {
		all := append(append([]*chatgraph.ContentPart{}, p.history...), parts...)
		n, err := o.cfg.Estimator.CountParts(th.Model.Name, all)
		if err != nil {
			return nil, errors.Wrapf(err, "estimate tokens for thread %s", th.ID)
		}
		p.estimate = n
	}
	return p, nil
}

func (o *Orchestrator) refreshCaches(ctx context.Context, prompts []*threadPrompt) {
	if o.cfg.Refresher == nil {
		return
	}
	seen := map[string]bool{}
	for _, p := range prompts {
		for _, id := range p.cacheIDs {
			if seen[id] {
				continue
			}
			seen[id] = true
			if err := o.cfg.Refresher.Refresh(ctx, id); err != nil {
				log.Warn().Err(err).Str("component", "chatthreads").Str("cache_id", id).Msg("context cache refresh failed, proceeding without it")
			}
		}
	}
}

// dispatchThread materializes the user's turn in the graph, dispatches the
// generation request, and registers the assistant skeleton the server
// returns, wiring the live channel to its first text part.
func (o *Orchestrator) dispatchThread(ctx context.Context, p *threadPrompt, parts []*chatgraph.ContentPart) (*TurnEntry, error) {
	th := p.thread
	userGroup, err := o.cfg.Store.AppendTurn(ctx, th.ID, chatgraph.RoleUser, parts, p.tail)
	if err != nil {
		return nil, errors.Wrapf(err, "append user turn for thread %s", th.ID)
	}

	args := map[string]any{
		"model":       th.Model.Name,
		"provider":    th.Model.Provider,
		"temperature": th.Model.Temperature,
	}
	ch, ref, err := o.cfg.Sender.Send(ctx, string(userGroup.ID), args, "")
	if err != nil {
		return nil, errors.Wrapf(err, "dispatch thread %s", th.ID)
	}

	userMsg := userGroup.Messages[0]
	assistant := &chatgraph.MessageGroup{
		ID:                chatgraph.GroupID(ref.GroupID),
		ThreadID:          th.ID,
		Role:              chatgraph.RoleAssistant,
		PreviousMessageID: userMsg.ID,
		Messages: []*chatgraph.Message{{
			ID:       chatgraph.MessageID(ref.MessageID),
			Contents: []*chatgraph.ContentPart{{Kind: chatgraph.PartText}},
			Status:   chatgraph.StatusLoading,
			Channel:  ch,
		}},
	}
	if err := o.cfg.Store.AddGroup(assistant); err != nil {
		return nil, err
	}

	return &TurnEntry{
		ThreadID:       th.ID,
		UserGroup:      userGroup,
		AssistantGroup: assistant,
		MessageID:      chatgraph.MessageID(ref.MessageID),
		Channel:        ch,
	}, nil
}

// consume drains one thread's stream into its assistant message, flipping
// the message status as data arrives, completes, or errors.
//
// Subscribe does not replay deltas that arrived before the subscription, and
// a slow consumer can have delta events dropped. The channel's accumulated
// text always has everything, so the message text is re-synced from that
// snapshot on every event rather than appended delta by delta.
func (o *Orchestrator) consume(entry *TurnEntry, h *TurnHandle) {
	defer h.wg.Done()
	ch := entry.Channel
	sub := ch.Subscribe()
	if ch.Text() != "" {
		_ = o.cfg.Store.UpdateMessage(entry.MessageID, func(m *chatgraph.Message) {
			m.Status = chatgraph.StatusEditing
			m.FirstTextPart().Text = ch.Text()
		})
	}
	for ev := range sub {
		switch ev.Kind {
		case chatstream.FrameKindDelta:
			_ = o.cfg.Store.UpdateMessage(entry.MessageID, func(m *chatgraph.Message) {
				m.Status = chatgraph.StatusEditing
				m.FirstTextPart().Text = ch.Text()
			})
		case chatstream.FrameKindDone:
			_ = o.cfg.Store.UpdateMessage(entry.MessageID, func(m *chatgraph.Message) {
				m.Status = chatgraph.StatusLoaded
				m.Channel = nil
				m.FirstTextPart().Text = ch.Text()
			})
		case chatstream.FrameKindError:
			entry.setErr(ev.Err)
			_ = o.cfg.Store.UpdateMessage(entry.MessageID, func(m *chatgraph.Message) {
				m.Status = chatgraph.StatusLoaded
				m.Channel = nil
				m.FirstTextPart().Text = ch.Text()
				m.Contents = append(m.Contents, &chatgraph.ContentPart{
					Kind: chatgraph.PartError,
					Text: ev.Err.Error(),
				})
			})
		}
	}

	// The terminal event itself can be dropped for a slow subscriber; the
	// closed subscription still proves termination, so settle from the
	// channel's final state if the event never made it through.
	if err := ch.Err(); err != nil {
		entry.setErr(err)
	}
	_ = o.cfg.Store.UpdateMessage(entry.MessageID, func(m *chatgraph.Message) {
		if m.Status == chatgraph.StatusLoaded {
			return
		}
		m.Status = chatgraph.StatusLoaded
		m.Channel = nil
		m.FirstTextPart().Text = ch.Text()
		if err := ch.Err(); err != nil {
			m.Contents = append(m.Contents, &chatgraph.ContentPart{
				Kind: chatgraph.PartError,
				Text: err.Error(),
			})
		}
	})
}

// afterTurn waits for every thread's stream to finish, refreshes the linear
// views, and fires best-effort titling for untitled groups.
func (o *Orchestrator) afterTurn(group *ThreadGroup, h *TurnHandle) {
	h.wg.Wait()
	for _, entry := range h.Entries() {
		if _, err := o.cfg.Store.RebuildThread(entry.ThreadID); err != nil {
			log.Warn().Err(err).Str("component", "chatthreads").Str("thread_id", string(entry.ThreadID)).Msg("linearization refresh failed")
		}
	}
	if group.Title == "" && o.cfg.TitleModel != "" {
		o.generateTitle(group, h)
	}
	h.finish()
}

// generateTitle runs a secondary generation on its own stream. Its failure
// never affects the main turn.
func (o *Orchestrator) generateTitle(group *ThreadGroup, h *TurnHandle) {
	entries := h.Entries()
	if len(entries) == 0 {
		return
	}
	args := map[string]any{
		"model": o.cfg.TitleModel,
		"task":  "title",
	}
	ch, _, err := o.cfg.Sender.Send(context.Background(), string(entries[0].UserGroup.ID), args, "")
	if err != nil {
		log.Debug().Err(err).Str("component", "chatthreads").Msg("title generation dispatch failed")
		return
	}
	go func() {
		title, err := ch.Wait(context.Background())
		if err != nil || strings.TrimSpace(title) == "" {
			return
		}
		o.mu.Lock()
		if group.Title == "" {
			group.Title = strings.TrimSpace(title)
		}
		o.mu.Unlock()
	}()
}

// UsageHandler adapts the transport's usage side channel to per-thread
// accounting. Wire it into chatstream.SessionConfig.OnUsage.
func (o *Orchestrator) UsageHandler() func(streamID string, u chatstream.Usage) {
	return func(streamID string, u chatstream.Usage) {
		if o.cfg.OnUsage == nil {
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		for _, h := range o.turns {
			for _, entry := range h.Entries() {
				if entry.Channel != nil && entry.Channel.StreamID() == streamID {
					o.cfg.OnUsage(entry.ThreadID, u)
					return
				}
			}
		}
	}
}

func (o *Orchestrator) warn(threadID chatgraph.ThreadID, msg string) {
	log.Warn().Str("component", "chatthreads").Str("thread_id", string(threadID)).Msg(msg)
	if o.cfg.OnWarning != nil {
		o.cfg.OnWarning(threadID, msg)
	}
}
