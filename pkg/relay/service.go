package relay

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatstore"
	"github.com/blkd13/ribbon-core/pkg/chatstream"
	"github.com/blkd13/ribbon-core/pkg/eventbus"
	"github.com/blkd13/ribbon-core/pkg/redisstream"
)

// debugTopic receives a copy of every published frame when the dump handler
// is enabled.
const debugTopic = "frames.raw"

// Service implements the relay side of the chat protocol: it accepts
// dispatches, runs generations, and publishes their frames to the per
// connection topic the shared-connection endpoint drains.
type Service struct {
	store     chatstore.Store
	engine    Engine
	bus       *eventbus.EventRouter
	observers *ObserverHub
	redis     redisstream.Settings
	dumpRaw   bool
}

// UseRedis switches shared-connection endpoints to per-connection Redis
// Streams subscribers, each with its own consumer-group cursor, instead of
// the bus's shared subscriber.
func (s *Service) UseRedis(settings redisstream.Settings) {
	s.redis = settings
}

// EnableFrameDump mirrors every published frame onto a debug topic and
// registers the bus's raw-event printer on it. Must be called before the bus
// starts running.
func (s *Service) EnableFrameDump() {
	s.dumpRaw = true
	s.bus.AddHandler("dump-raw-frames", debugTopic, s.bus.DumpRawEvents)
}

func NewService(store chatstore.Store, engine Engine, bus *eventbus.EventRouter) (*Service, error) {
	if store == nil {
		return nil, errors.New("relay store is nil")
	}
	if engine == nil {
		return nil, errors.New("relay engine is nil")
	}
	if bus == nil {
		return nil, errors.New("relay event bus is nil")
	}
	return &Service{
		store:     store,
		engine:    engine,
		bus:       bus,
		observers: NewObserverHub(defaultObserverIdle),
	}, nil
}

func connTopic(connectionID string) string {
	return "conn:" + connectionID
}

// Dispatch persists the assistant skeleton for a generation request and
// starts the run in the background. The skeleton is returned synchronously;
// deltas arrive later on the connection's topic.
func (s *Service) Dispatch(ctx context.Context, req chatstream.DispatchRequest) (*chatstream.MessageRef, error) {
	if req.ConnectionID == "" {
		return nil, errors.New("dispatch requires a connectionId")
	}
	if req.StreamID == "" {
		return nil, errors.New("dispatch requires a streamId")
	}

	threadID := chatgraph.ThreadID("")
	prev := chatgraph.MessageID("")
	prompt := ""
	if target, err := s.store.GetGroup(ctx, chatgraph.GroupID(req.TargetID)); err == nil {
		threadID = target.ThreadID
		if len(target.Messages) > 0 {
			prev = target.Messages[0].ID
			if parts, err := s.store.GetParts(ctx, prev); err == nil {
				var b strings.Builder
				for _, p := range parts {
					if p.Kind == chatgraph.PartText {
						b.WriteString(p.Text)
					}
				}
				prompt = b.String()
			}
		}
	}

	skeleton := &chatgraph.MessageGroup{
		ThreadID:          threadID,
		Role:              chatgraph.RoleAssistant,
		PreviousMessageID: prev,
		Messages: []*chatgraph.Message{{
			Status:   chatgraph.StatusLoading,
			Contents: []*chatgraph.ContentPart{{Kind: chatgraph.PartText}},
		}},
	}
	persisted, err := s.store.SaveTurn(ctx, skeleton)
	if err != nil {
		return nil, errors.Wrap(err, "persist assistant skeleton")
	}

	ref := &chatstream.MessageRef{
		MessageID: string(persisted.MessageIDs[0]),
		GroupID:   string(persisted.GroupID),
		Role:      string(chatgraph.RoleAssistant),
	}
	model, _ := req.Args["model"].(string)
	greq := GenerateRequest{Model: model, Prompt: prompt, Args: req.Args}
	go s.runGeneration(context.WithoutCancel(ctx), req.ConnectionID, req.StreamID, ref, greq)

	log.Debug().Str("component", "relay").
		Str("connection_id", req.ConnectionID).
		Str("stream_id", req.StreamID).
		Str("message_id", ref.MessageID).
		Msg("generation dispatched")
	return ref, nil
}

func (s *Service) runGeneration(ctx context.Context, connID, streamID string, ref *chatstream.MessageRef, greq GenerateRequest) {
	topic := connTopic(connID)
	var acc strings.Builder
	emit := func(delta string) error {
		acc.WriteString(delta)
		return s.publishFrame(connID, topic, chatstream.Frame{
			StreamID: streamID,
			Kind:     chatstream.FrameKindDelta,
			Content:  &chatstream.Content{Text: delta},
		})
	}

	err := s.engine.Generate(ctx, greq, emit)
	if err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("stream_id", streamID).Msg("generation failed")
		_ = s.publishFrame(connID, topic, chatstream.Frame{
			StreamID: streamID,
			Kind:     chatstream.FrameKindError,
			Message:  err.Error(),
		})
		return
	}

	// Rough token accounting as a side channel on a trailing empty delta.
	_ = s.publishFrame(connID, topic, chatstream.Frame{
		StreamID: streamID,
		Kind:     chatstream.FrameKindDelta,
		Content:  &chatstream.Content{},
		Usage: &chatstream.Usage{
			InputTokens:  approxTokens(greq.Prompt),
			OutputTokens: approxTokens(acc.String()),
		},
	})

	if err := s.store.SaveParts(ctx, chatgraph.MessageID(ref.MessageID),
		[]*chatgraph.ContentPart{{Kind: chatgraph.PartText, Text: acc.String()}}); err != nil {
		log.Warn().Err(err).Str("component", "relay").Str("message_id", ref.MessageID).Msg("persisting completion failed")
	}

	_ = s.publishFrame(connID, topic, chatstream.Frame{
		StreamID: streamID,
		Kind:     chatstream.FrameKindDone,
	})
}

func (s *Service) publishFrame(connID, topic string, f chatstream.Frame) error {
	b, err := f.Encode()
	if err != nil {
		return errors.Wrap(err, "encode frame")
	}
	s.observers.Broadcast(connID, b)
	msg := message.NewMessage(uuid.NewString(), b)
	if err := s.bus.Publisher.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish frame to %s", topic)
	}
	if s.dumpRaw {
		mirror := message.NewMessage(uuid.NewString(), b)
		if err := s.bus.Publisher.Publish(debugTopic, mirror); err != nil {
			log.Warn().Err(err).Str("component", "relay").Msg("frame dump publish failed")
		}
	}
	return nil
}

func approxTokens(text string) int {
	// ~4 chars per token; good enough for the reference relay.
	return (len(text) + 3) / 4
}
