package chatstream

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultConnectTimeout = 30 * time.Second

// SessionConfig wires a TransportSession to its collaborators.
type SessionConfig struct {
	Transport  Transport
	Dispatcher Dispatcher
	// ConnectTimeout bounds connection establishment (headers received).
	// Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// EventSink optionally mirrors every stream event to a watermill topic.
	EventSink  message.Publisher
	EventTopic string
	// OnUsage receives token accounting reported alongside delta frames.
	// It is a side channel: usage never appears in the text stream.
	OnUsage func(streamID string, u Usage)
}

// TransportSession multiplexes many concurrent generation streams over one
// shared inbound connection. Requests go out over independent request/response
// calls tagged with the session's connectionId and a per-request streamId;
// the shared connection delivers frames for all of them interleaved, and the
// session demultiplexes frames to per-request StreamChannels.
//
// Sessions have an explicit lifecycle: constructed, lazily connected on first
// Send, torn down when the last active stream terminates (minting a fresh
// connectionId for the next use), and retired with Dispose.
type TransportSession struct {
	cfg SessionConfig

	// openMu serializes connection attempts so concurrent Sends share one
	// underlying connection instead of racing to dial.
	openMu sync.Mutex

	mu           sync.Mutex
	connectionID string
	open         bool
	disposed     bool
	lastActivity time.Time
	byStream     map[string]*StreamChannel
	byMessage    map[string]*StreamChannel
	readCancel   context.CancelFunc
}

func NewSession(cfg SessionConfig) (*TransportSession, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session transport is nil")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &TransportSession{
		cfg:          cfg,
		connectionID: uuid.NewString(),
		byStream:     map[string]*StreamChannel{},
		byMessage:    map[string]*StreamChannel{},
	}, nil
}

// ConnectionID returns the current connection token. A fresh token is minted
// on construction and immediately after every teardown.
func (s *TransportSession) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

func (s *TransportSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *TransportSession) LastActivityTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Open establishes the shared connection if needed and returns the
// connectionId. When a connection is already open and forceReconnect is
// false, the existing id is returned without any new connection attempt;
// this is what keeps concurrent chat requests from exhausting the
// browser-style per-host connection budget.
func (s *TransportSession) Open(ctx context.Context, forceReconnect bool) (string, error) {
	s.openMu.Lock()
	defer s.openMu.Unlock()

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return "", errors.New("session is disposed")
	}
	if s.open {
		if !forceReconnect {
			id := s.connectionID
			s.mu.Unlock()
			return id, nil
		}
		s.teardownLocked()
	}
	connID := s.connectionID
	s.mu.Unlock()

	// The connection context outlives the dial: cancelling it later is how
	// teardown stops the read loop. The connect timeout only applies until
	// headers are received.
	connCtx, connCancel := context.WithCancel(context.Background())
	dialTimer := time.AfterFunc(s.cfg.ConnectTimeout, connCancel)
	dialDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			connCancel()
		case <-dialDone:
		}
	}()

	rc, err := s.cfg.Transport.Connect(connCtx, connID)
	close(dialDone)
	if err != nil {
		dialTimer.Stop()
		connCancel()
		connErr := &ConnectionError{ConnectionID: connID, Err: err}
		s.failAll(connErr)
		return "", connErr
	}
	dialTimer.Stop()

	s.mu.Lock()
	s.open = true
	s.readCancel = connCancel
	s.lastActivity = time.Now()
	s.mu.Unlock()

	log.Debug().Str("component", "chatstream").Str("connection_id", connID).Msg("shared connection established")
	go s.readLoop(connCtx, rc, connID)
	return connID, nil
}

// Send registers a channel for streamID, lazily opens the shared connection,
// and dispatches the request. The channel is registered before the request is
// issued so frames racing ahead of the dispatch response are never lost.
// An empty streamID mints a fresh one.
func (s *TransportSession) Send(ctx context.Context, targetID string, args map[string]any, streamID string) (*StreamChannel, *MessageRef, error) {
	if s.cfg.Dispatcher == nil {
		return nil, nil, errors.New("session dispatcher is nil")
	}
	if streamID == "" {
		streamID = uuid.NewString()
	}

	ch := NewStreamChannel(streamID)
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, nil, errors.New("session is disposed")
	}
	s.byStream[streamID] = ch
	s.mu.Unlock()

	connID, err := s.Open(ctx, false)
	if err != nil {
		// failAll already terminated and unregistered the channel.
		return nil, nil, err
	}

	ref, err := s.cfg.Dispatcher.Dispatch(ctx, DispatchRequest{
		ConnectionID: connID,
		StreamID:     streamID,
		TargetID:     targetID,
		Args:         args,
	})
	if err != nil {
		err = errors.Wrap(err, "dispatch")
		s.removeChannel(streamID)
		ch.Fail(err)
		return nil, nil, err
	}

	ch.setMessageID(ref.MessageID)
	s.mu.Lock()
	// Most recent channel for a messageId is authoritative.
	s.byMessage[ref.MessageID] = ch
	s.mu.Unlock()
	return ch, ref, nil
}

// AttachExisting resumes observation of a still-active stream for messageID,
// returning the text accumulated so far plus the live channel. A nil channel
// with empty text is a normal outcome: the stream already finished.
func (s *TransportSession) AttachExisting(messageID string) (string, *StreamChannel) {
	s.mu.Lock()
	ch := s.byMessage[messageID]
	s.mu.Unlock()
	if ch == nil || !ch.IsActive() {
		return "", nil
	}
	return ch.Text(), ch
}

// Cancel completes and removes every channel associated with messageID. This
// is a cooperative client-side disconnect; the server-side generation is not
// cancelled.
func (s *TransportSession) Cancel(messageID string) {
	s.mu.Lock()
	ch := s.byMessage[messageID]
	if ch != nil {
		delete(s.byMessage, messageID)
		delete(s.byStream, ch.StreamID())
	}
	last := len(s.byStream) == 0
	if last && s.open {
		s.teardownLocked()
	}
	s.mu.Unlock()
	if ch != nil {
		ch.Complete()
	}
}

// Dispose tears the session down permanently, failing any in-flight channels.
func (s *TransportSession) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	connID := s.connectionID
	chans := s.drainChannelsLocked()
	if s.open {
		s.teardownLocked()
	}
	s.mu.Unlock()

	if len(chans) > 0 {
		connErr := &ConnectionError{ConnectionID: connID, Err: errors.New("session disposed")}
		for _, ch := range chans {
			ch.Fail(connErr)
		}
	}
}

func (s *TransportSession) readLoop(ctx context.Context, rc io.ReadCloser, connID string) {
	defer func() { _ = rc.Close() }()
	parser := NewFrameParser()
	buf := make([]byte, 32*1024)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			for _, f := range parser.Feed(buf[:n]) {
				s.handleFrame(f)
			}
		}
		if err != nil {
			s.handleDisconnect(connID, err)
			return
		}
		if ctx.Err() != nil {
			s.handleDisconnect(connID, ctx.Err())
			return
		}
	}
}

func (s *TransportSession) handleFrame(f Frame) {
	s.mu.Lock()
	ch := s.byStream[f.StreamID]
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if ch == nil {
		log.Debug().Str("component", "chatstream").Str("stream_id", f.StreamID).Str("kind", string(f.Kind)).Msg("frame for unknown stream dropped")
		return
	}

	switch f.Kind {
	case FrameKindDelta:
		ch.Append(f.Content)
		if f.Usage != nil && s.cfg.OnUsage != nil {
			s.cfg.OnUsage(f.StreamID, *f.Usage)
		}
		if f.Content != nil {
			s.emit(map[string]any{
				"type":       "partial",
				"stream_id":  f.StreamID,
				"message_id": ch.MessageID(),
				"delta":      f.Content.Text,
				"completion": ch.Text(),
			})
		}
	case FrameKindDone:
		s.removeChannel(f.StreamID)
		ch.Complete()
		s.emit(map[string]any{
			"type":       "final",
			"stream_id":  f.StreamID,
			"message_id": ch.MessageID(),
			"text":       ch.Text(),
		})
	case FrameKindError:
		s.removeChannel(f.StreamID)
		streamErr := &StreamError{
			StreamID:  f.StreamID,
			MessageID: ch.MessageID(),
			Message:   describeStreamFailure(f.Message),
		}
		ch.Fail(streamErr)
		s.emit(map[string]any{
			"type":         "error",
			"stream_id":    f.StreamID,
			"message_id":   ch.MessageID(),
			"error_string": streamErr.Message,
		})
	}
}

// removeChannel unregisters a channel and tears the shared connection down
// when it was the last one, minting a fresh connectionId for the next send.
func (s *TransportSession) removeChannel(streamID string) {
	s.mu.Lock()
	ch := s.byStream[streamID]
	delete(s.byStream, streamID)
	if ch != nil {
		if id := ch.MessageID(); id != "" && s.byMessage[id] == ch {
			delete(s.byMessage, id)
		}
	}
	if len(s.byStream) == 0 && s.open {
		s.teardownLocked()
	}
	s.mu.Unlock()
}

func (s *TransportSession) handleDisconnect(connID string, cause error) {
	s.mu.Lock()
	if s.connectionID != connID {
		// A teardown already minted a fresh id; this loop is stale.
		s.mu.Unlock()
		return
	}
	chans := s.drainChannelsLocked()
	if s.open {
		s.teardownLocked()
	}
	s.mu.Unlock()

	if len(chans) == 0 {
		return
	}
	// The shared connection carried every in-flight stream: one transport
	// fault is a correlated failure across all of them.
	connErr := &ConnectionError{ConnectionID: connID, Err: cause}
	log.Warn().Err(cause).Str("component", "chatstream").Str("connection_id", connID).Int("channels", len(chans)).Msg("shared connection lost")
	for _, ch := range chans {
		ch.Fail(connErr)
	}
}

func (s *TransportSession) failAll(connErr *ConnectionError) {
	s.mu.Lock()
	chans := s.drainChannelsLocked()
	if s.open {
		s.teardownLocked()
	}
	s.mu.Unlock()
	for _, ch := range chans {
		ch.Fail(connErr)
	}
}

func (s *TransportSession) drainChannelsLocked() []*StreamChannel {
	chans := make([]*StreamChannel, 0, len(s.byStream))
	for _, ch := range s.byStream {
		chans = append(chans, ch)
	}
	s.byStream = map[string]*StreamChannel{}
	s.byMessage = map[string]*StreamChannel{}
	return chans
}

// teardownLocked closes the current connection and mints a fresh
// connectionId so a subsequent send opens cleanly. Callers hold s.mu.
func (s *TransportSession) teardownLocked() {
	if s.readCancel != nil {
		s.readCancel()
		s.readCancel = nil
	}
	s.open = false
	s.connectionID = uuid.NewString()
	log.Debug().Str("component", "chatstream").Str("connection_id", s.connectionID).Msg("connection torn down, fresh id minted")
}

func (s *TransportSession) emit(payload map[string]any) {
	if s.cfg.EventSink == nil || s.cfg.EventTopic == "" {
		return
	}
	publishJSON(s.cfg.EventSink, s.cfg.EventTopic, payload)
}
