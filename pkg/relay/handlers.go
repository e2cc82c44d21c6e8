package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatstream"
	"github.com/blkd13/ribbon-core/pkg/chatthreads"
	"github.com/blkd13/ribbon-core/pkg/redisstream"
)

const defaultStreamIdle = 5 * time.Minute

var (
	errMissingConnectionID = errors.New("connectionId is required")
	errNoFlusher           = errors.New("streaming unsupported by this server")
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler mounts the relay's HTTP surface on a fresh mux.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/observe", s.handleObserve)
	mux.HandleFunc("GET /api/messages/{id}/parts", s.handleGetParts)
	mux.HandleFunc("POST /api/turns", s.handleSaveTurn)
	mux.HandleFunc("GET /api/threads/{id}/groups", s.handleListGroups)
	mux.HandleFunc("DELETE /api/groups/{id}", s.handleDeleteGroup)
	mux.HandleFunc("POST /api/thread-groups", s.handleSaveThreadGroup)
	mux.HandleFunc("GET /api/thread-groups", s.handleListThreadGroups)
	mux.HandleFunc("GET /api/thread-groups/{id}", s.handleGetThreadGroup)
	mux.HandleFunc("DELETE /api/thread-groups/{id}", s.handleDeleteThreadGroup)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "relay").Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatstream.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ref, err := s.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

// handleStream is the shared connection endpoint: it subscribes to the
// connection's topic and relays newline-terminated frames until the client
// disconnects or the stream idles out. Headers are flushed immediately so the
// client's "connection established" signal fires before any data exists.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connectionId")
	if connID == "" {
		writeError(w, http.StatusBadRequest, errMissingConnectionID)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errNoFlusher)
		return
	}

	// With Redis enabled every connection gets its own subscriber and
	// consumer-group cursor, so one slow client never stalls another. The
	// group is created at the stream tail to avoid historical replay.
	sub := s.bus.Subscriber
	if s.redis.Enabled {
		if err := redisstream.EnsureGroupAtTail(r.Context(), s.redis.Addr, connTopic(connID), s.redis.Group); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		rsub, err := redisstream.BuildGroupSubscriber(s.redis.Addr, s.redis.Group, s.redis.Consumer+"-"+connID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		defer func() { _ = rsub.Close() }()
		sub = rsub
	}

	msgs, err := sub.Subscribe(r.Context(), connTopic(connID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	log.Debug().Str("component", "relay").Str("connection_id", connID).Msg("shared connection attached")

	idle := time.NewTimer(defaultStreamIdle)
	defer idle.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-idle.C:
			log.Debug().Str("component", "relay").Str("connection_id", connID).Msg("shared connection idle timeout")
			return
		case msg, open := <-msgs:
			if !open {
				return
			}
			if _, err := w.Write(msg.Payload); err != nil {
				msg.Nack()
				return
			}
			flusher.Flush()
			msg.Ack()
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(defaultStreamIdle)
		}
	}
}

func (s *Service) handleObserve(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("connectionId")
	if connID == "" {
		writeError(w, http.StatusBadRequest, errMissingConnectionID)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.observers.Attach(connID, conn)
	go func() {
		defer s.observers.Detach(connID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Service) handleGetParts(w http.ResponseWriter, r *http.Request) {
	id := chatgraph.MessageID(r.PathValue("id"))
	parts, err := s.store.GetParts(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, parts)
}

func (s *Service) handleSaveTurn(w http.ResponseWriter, r *http.Request) {
	var g chatgraph.MessageGroup
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	persisted, err := s.store.SaveTurn(r.Context(), &g)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, persisted)
}

func (s *Service) handleListGroups(w http.ResponseWriter, r *http.Request) {
	threadID := chatgraph.ThreadID(r.PathValue("id"))
	groups, err := s.store.ListGroups(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Service) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := chatgraph.GroupID(r.PathValue("id"))
	if err := s.store.DeleteGroup(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleSaveThreadGroup(w http.ResponseWriter, r *http.Request) {
	var tg chatthreads.ThreadGroup
	if err := json.NewDecoder(r.Body).Decode(&tg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveThreadGroup(r.Context(), &tg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, &tg)
}

func (s *Service) handleListThreadGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.ListThreadGroups(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Service) handleGetThreadGroup(w http.ResponseWriter, r *http.Request) {
	tg, err := s.store.GetThreadGroup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, tg)
}

func (s *Service) handleDeleteThreadGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteThreadGroup(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
