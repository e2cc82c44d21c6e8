package chatgraph

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ContentLoader fetches a message's content parts on demand. Most history is
// kept unfetched until a branch switch makes a message visible.
type ContentLoader interface {
	LoadParts(ctx context.Context, id MessageID) ([]*ContentPart, error)
}

// PersistedTurn carries the server-issued ids that replace a turn's dummy ids
// once persistence resolves. MessageIDs align with the group's Messages slice.
type PersistedTurn struct {
	GroupID    GroupID
	MessageIDs []MessageID
}

// Persister writes a freshly appended turn to the backing store and returns
// its real ids.
type Persister interface {
	PersistTurn(ctx context.Context, g *MessageGroup) (*PersistedTurn, error)
}

// Store owns the branching conversation forest for every active thread.
// Groups live in a flat per-thread arena keyed by id; the forward relation
// (which groups continue from a given message) is derived on demand from the
// stored back-references, never kept as state.
//
// All mutation goes through the blessed operations below. Each one leaves the
// graph consistent before releasing the lock: one root per thread, every
// back-reference resolving.
type Store struct {
	mu        sync.Mutex
	groups    map[ThreadID]map[GroupID]*MessageGroup
	byGroup   map[GroupID]*MessageGroup
	byMessage map[MessageID]*Message
	persister Persister
	loader    ContentLoader
	now       func() time.Time
}

type StoreOption func(*Store)

func WithPersister(p Persister) StoreOption {
	return func(s *Store) { s.persister = p }
}

func WithContentLoader(l ContentLoader) StoreOption {
	return func(s *Store) { s.loader = l }
}

func withClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		groups:    map[ThreadID]map[GroupID]*MessageGroup{},
		byGroup:   map[GroupID]*MessageGroup{},
		byMessage: map[MessageID]*Message{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddGroup registers an externally materialized group, typically the
// assistant skeleton returned by the dispatch endpoint.
func (s *Store) AddGroup(g *MessageGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addGroupLocked(g)
}

func (s *Store) addGroupLocked(g *MessageGroup) error {
	if g == nil || g.ID == "" {
		return &GraphInvariantError{Op: "addGroup", Reason: "group has no id"}
	}
	if _, exists := s.byGroup[g.ID]; exists {
		return &GraphInvariantError{Op: "addGroup", Reason: "duplicate group id " + string(g.ID)}
	}
	arena := s.groups[g.ThreadID]
	if arena == nil {
		arena = map[GroupID]*MessageGroup{}
		s.groups[g.ThreadID] = arena
	}
	if g.PreviousMessageID == "" {
		for _, other := range arena {
			if other.PreviousMessageID == "" {
				return &GraphInvariantError{Op: "addGroup", Reason: "thread " + string(g.ThreadID) + " already has a root"}
			}
		}
	} else {
		parent, ok := s.byMessage[g.PreviousMessageID]
		if !ok {
			return &GraphInvariantError{Op: "addGroup", Reason: "previous message " + string(g.PreviousMessageID) + " does not resolve"}
		}
		if pg := s.byGroup[parent.GroupID]; pg == nil || pg.ThreadID != g.ThreadID {
			return &GraphInvariantError{Op: "addGroup", Reason: "previous message belongs to a different thread"}
		}
	}
	arena[g.ID] = g
	s.byGroup[g.ID] = g
	for _, m := range g.Messages {
		m.GroupID = g.ID
		s.byMessage[m.ID] = m
	}
	return nil
}

// Group returns the group registered under id, or nil.
func (s *Store) Group(id GroupID) *MessageGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byGroup[id]
}

// MessageByID returns the message registered under id, or nil.
func (s *Store) MessageByID(id MessageID) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byMessage[id]
}

// UpdateMessage runs fn on the message under the store lock. This is how
// streaming callers append deltas and flip statuses without racing graph
// mutations.
func (s *Store) UpdateMessage(id MessageID, fn func(m *Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byMessage[id]
	if !ok {
		return errors.Errorf("unknown message %s", id)
	}
	fn(m)
	m.UpdatedAt = s.now()
	return nil
}

// childIndexLocked derives the forward relation for one thread: parent
// message id to the groups continuing from it, most recently updated first.
func (s *Store) childIndexLocked(threadID ThreadID) map[MessageID][]*MessageGroup {
	idx := map[MessageID][]*MessageGroup{}
	for _, g := range s.groups[threadID] {
		if g.PreviousMessageID == "" {
			continue
		}
		idx[g.PreviousMessageID] = append(idx[g.PreviousMessageID], g)
	}
	for _, siblings := range idx {
		sort.SliceStable(siblings, func(i, j int) bool {
			return siblings[i].UpdatedAt.After(siblings[j].UpdatedAt)
		})
	}
	return idx
}

// RebuildThread recomputes the linear view for a thread: starting from the
// root, follow each group's selected message to the group continuing from it
// until the chain ends. The walk stops at a group whose selection is out of
// bounds (the pending-input slot) and is bounded by the arena size, so it
// terminates even on a corrupted graph.
func (s *Store) RebuildThread(threadID ThreadID) ([]GroupID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildThreadLocked(threadID)
}

func (s *Store) rebuildThreadLocked(threadID ThreadID) ([]GroupID, error) {
	arena := s.groups[threadID]
	if len(arena) == 0 {
		return nil, nil
	}
	var root *MessageGroup
	for _, g := range arena {
		if g.PreviousMessageID == "" {
			root = g
			break
		}
	}
	if root == nil {
		return nil, &GraphInvariantError{Op: "rebuildThread", Reason: "thread " + string(threadID) + " has no root"}
	}

	children := s.childIndexLocked(threadID)
	out := make([]GroupID, 0, len(arena))
	visited := make(map[GroupID]bool, len(arena))
	cur := root
	for cur != nil && !visited[cur.ID] {
		visited[cur.ID] = true
		out = append(out, cur.ID)
		msg := cur.SelectedMessage()
		if msg == nil {
			break
		}
		next := children[msg.ID]
		if len(next) == 0 {
			break
		}
		cur = next[0]
	}
	return out, nil
}

// SetSelect adjusts a group's selected sibling by delta (wrapping), walks
// forward to the tail of the newly chosen chain, lazily fetches content for
// any message revealed along it, and returns the refreshed linear view.
func (s *Store) SetSelect(ctx context.Context, groupID GroupID, delta int) ([]GroupID, error) {
	s.mu.Lock()
	g, ok := s.byGroup[groupID]
	if !ok {
		s.mu.Unlock()
		return nil, errors.Errorf("unknown group %s", groupID)
	}
	if n := len(g.Messages); n > 0 {
		g.SelectedIndex = ((g.SelectedIndex+delta)%n + n) % n
	}
	g.UpdatedAt = s.now()

	// Walk to the tail: siblings may have been extended independently, and
	// the newly revealed path may contain messages never fetched.
	children := s.childIndexLocked(g.ThreadID)
	visited := map[GroupID]bool{g.ID: true}
	var toLoad []*Message
	cur := g
	for {
		msg := cur.SelectedMessage()
		if msg == nil {
			break
		}
		if s.loader != nil && msg.Status != StatusLoaded && len(msg.Contents) == 0 {
			msg.Status = StatusLoading
			toLoad = append(toLoad, msg)
		}
		next := children[msg.ID]
		if len(next) == 0 || visited[next[0].ID] {
			break
		}
		cur = next[0]
		visited[cur.ID] = true
	}
	order, err := s.rebuildThreadLocked(g.ThreadID)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, m := range toLoad {
		parts, loadErr := s.loader.LoadParts(ctx, m.ID)
		s.mu.Lock()
		if loadErr != nil {
			m.Status = StatusInitial
			log.Warn().Err(loadErr).Str("component", "chatgraph").Str("message_id", string(m.ID)).Msg("lazy content fetch failed")
		} else {
			m.Contents = parts
			m.Status = StatusLoaded
		}
		s.mu.Unlock()
	}
	return order, nil
}

// RegenerateRequest asks the orchestrator to produce a new sibling variant
// continuing from PreviousMessageID.
type RegenerateRequest struct {
	ThreadID          ThreadID
	PreviousMessageID MessageID
}

// RemoveMessageGroup applies the role-specific removal rules. System turns
// are never unlinked. Removing an assistant turn means regenerate: the group
// stays, its timestamp moves to the top of its sibling set, and the caller
// gets a RegenerateRequest to dispatch a new sibling. Removing a user turn
// unlinks it, re-pointing anything chained to it at the turn before.
func (s *Store) RemoveMessageGroup(groupID GroupID) (*RegenerateRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.byGroup[groupID]
	if !ok {
		return nil, errors.Errorf("unknown group %s", groupID)
	}
	switch g.Role {
	case RoleSystem:
		return nil, &GraphInvariantError{Op: "removeMessageGroup", Reason: "system prompt turn is edited in place, never removed"}

	case RoleAssistant:
		g.UpdatedAt = s.now()
		return &RegenerateRequest{ThreadID: g.ThreadID, PreviousMessageID: g.PreviousMessageID}, nil

	case RoleUser:
		children := s.childIndexLocked(g.ThreadID)
		var dependents []*MessageGroup
		for _, m := range g.Messages {
			dependents = append(dependents, children[m.ID]...)
		}
		if g.PreviousMessageID == "" && len(dependents) > 1 {
			return nil, &GraphInvariantError{Op: "removeMessageGroup", Reason: "removing root would leave multiple roots"}
		}
		for _, dep := range dependents {
			dep.PreviousMessageID = g.PreviousMessageID
		}
		delete(s.groups[g.ThreadID], g.ID)
		delete(s.byGroup, g.ID)
		for _, m := range g.Messages {
			delete(s.byMessage, m.ID)
		}
		return nil, nil

	default:
		return nil, &GraphInvariantError{Op: "removeMessageGroup", Reason: "unknown role " + string(g.Role)}
	}
}

// AppendTurn materializes a new turn synchronously under dummy ids so callers
// can render immediately, then persists it and swaps in the server ids. The
// swap preserves object identity: the same *MessageGroup and *Message objects
// stay live, only their id fields and the store's keys change, so references
// held across the persistence await remain valid.
func (s *Store) AppendTurn(ctx context.Context, threadID ThreadID, role Role, parts []*ContentPart, previousMessageID MessageID) (*MessageGroup, error) {
	now := s.now()
	msg := &Message{
		ID:        NewDummyMessageID(),
		Contents:  parts,
		Status:    StatusInitial,
		UpdatedAt: now,
	}
	g := &MessageGroup{
		ID:                NewDummyGroupID(),
		ThreadID:          threadID,
		Role:              role,
		PreviousMessageID: previousMessageID,
		Messages:          []*Message{msg},
		UpdatedAt:         now,
	}

	s.mu.Lock()
	if err := s.addGroupLocked(g); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if s.persister == nil {
		return g, nil
	}
	// Suspension point: no locks held, the graph stays externally consistent
	// under the dummy ids until the swap below.
	persisted, err := s.persister.PersistTurn(ctx, g)
	if err != nil {
		return g, errors.Wrap(err, "persist turn")
	}

	s.mu.Lock()
	s.swapIDsLocked(g, persisted)
	s.mu.Unlock()
	return g, nil
}

// swapIDsLocked re-keys a turn from its dummy ids to the persisted ones. Any
// group chained to a dummy message id is re-pointed on the same pass, so no
// back-reference ever dangles.
func (s *Store) swapIDsLocked(g *MessageGroup, persisted *PersistedTurn) {
	if persisted == nil || persisted.GroupID == "" {
		return
	}
	arena := s.groups[g.ThreadID]
	delete(arena, g.ID)
	delete(s.byGroup, g.ID)
	g.ID = persisted.GroupID
	arena[g.ID] = g
	s.byGroup[g.ID] = g

	for i, m := range g.Messages {
		if i >= len(persisted.MessageIDs) || persisted.MessageIDs[i] == "" {
			m.GroupID = g.ID
			continue
		}
		oldID := m.ID
		delete(s.byMessage, oldID)
		m.ID = persisted.MessageIDs[i]
		m.GroupID = g.ID
		s.byMessage[m.ID] = m
		for _, other := range arena {
			if other.PreviousMessageID == oldID {
				other.PreviousMessageID = m.ID
			}
		}
	}
}

// Groups returns a snapshot of every group in a thread, most recently
// updated first.
func (s *Store) Groups(threadID ThreadID) []*MessageGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	arena := s.groups[threadID]
	out := make([]*MessageGroup, 0, len(arena))
	for _, g := range arena {
		out = append(out, g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}
