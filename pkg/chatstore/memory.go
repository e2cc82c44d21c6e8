package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatthreads"
)

// MemoryStore keeps everything in process. Used by tests and by relays that
// do not need durability.
type MemoryStore struct {
	mu           sync.Mutex
	groups       map[chatgraph.GroupID]*chatgraph.MessageGroup
	parts        map[chatgraph.MessageID][]*chatgraph.ContentPart
	threadGroups map[string]*chatthreads.ThreadGroup
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:       map[chatgraph.GroupID]*chatgraph.MessageGroup{},
		parts:        map[chatgraph.MessageID][]*chatgraph.ContentPart{},
		threadGroups: map[string]*chatthreads.ThreadGroup{},
	}
}

// cloneParts copies parts down to their Meta maps, so neither side can
// mutate the other's content.
func cloneParts(parts []*chatgraph.ContentPart) []*chatgraph.ContentPart {
	if parts == nil {
		return nil
	}
	out := make([]*chatgraph.ContentPart, len(parts))
	for i, p := range parts {
		pc := *p
		if p.Meta != nil {
			pc.Meta = make(map[string]any, len(p.Meta))
			for k, v := range p.Meta {
				pc.Meta[k] = v
			}
		}
		out[i] = &pc
	}
	return out
}

// cloneGroup copies the group deeply enough that the store's copy is not
// aliased with the caller's live graph objects, content parts included.
func cloneGroup(g *chatgraph.MessageGroup) *chatgraph.MessageGroup {
	cp := *g
	cp.Messages = make([]*chatgraph.Message, len(g.Messages))
	for i, m := range g.Messages {
		mc := *m
		mc.Channel = nil
		mc.Contents = cloneParts(m.Contents)
		cp.Messages[i] = &mc
	}
	return &cp
}

func (s *MemoryStore) SaveTurn(ctx context.Context, g *chatgraph.MessageGroup) (*chatgraph.PersistedTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persisted := &chatgraph.PersistedTurn{GroupID: chatgraph.GroupID("grp_" + uuid.NewString())}
	stored := cloneGroup(g)
	stored.ID = persisted.GroupID
	stored.UpdatedAt = time.Now()
	for _, m := range stored.Messages {
		m.ID = chatgraph.MessageID("msg_" + uuid.NewString())
		m.GroupID = stored.ID
		persisted.MessageIDs = append(persisted.MessageIDs, m.ID)
		s.parts[m.ID] = m.Contents
	}
	s.groups[stored.ID] = stored
	return persisted, nil
}

func (s *MemoryStore) SaveGroup(ctx context.Context, g *chatgraph.MessageGroup) error {
	if g.ID == "" {
		return errors.New("group has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneGroup(g)
	s.groups[stored.ID] = stored
	for _, m := range stored.Messages {
		s.parts[m.ID] = m.Contents
	}
	return nil
}

func (s *MemoryStore) GetGroup(ctx context.Context, id chatgraph.GroupID) (*chatgraph.MessageGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, errors.Errorf("group %s not found", id)
	}
	return cloneGroup(g), nil
}

func (s *MemoryStore) ListGroups(ctx context.Context, threadID chatgraph.ThreadID) ([]*chatgraph.MessageGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*chatgraph.MessageGroup
	for _, g := range s.groups {
		if g.ThreadID == threadID {
			out = append(out, cloneGroup(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteGroup(ctx context.Context, id chatgraph.GroupID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return errors.Errorf("group %s not found", id)
	}
	for _, m := range g.Messages {
		delete(s.parts, m.ID)
	}
	delete(s.groups, id)
	return nil
}

func (s *MemoryStore) GetParts(ctx context.Context, messageID chatgraph.MessageID) ([]*chatgraph.ContentPart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.parts[messageID]
	if !ok {
		return nil, errors.Errorf("message %s not found", messageID)
	}
	return cloneParts(parts), nil
}

func (s *MemoryStore) SaveParts(ctx context.Context, messageID chatgraph.MessageID, parts []*chatgraph.ContentPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parts[messageID] = cloneParts(parts)
	return nil
}

func (s *MemoryStore) SaveThreadGroup(ctx context.Context, tg *chatthreads.ThreadGroup) error {
	if tg.ID == "" {
		return errors.New("thread group has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *tg
	cp.Threads = append([]*chatthreads.Thread{}, tg.Threads...)
	s.threadGroups[tg.ID] = &cp
	return nil
}

func (s *MemoryStore) GetThreadGroup(ctx context.Context, id string) (*chatthreads.ThreadGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tg, ok := s.threadGroups[id]
	if !ok {
		return nil, errors.Errorf("thread group %s not found", id)
	}
	cp := *tg
	return &cp, nil
}

func (s *MemoryStore) ListThreadGroups(ctx context.Context) ([]*chatthreads.ThreadGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chatthreads.ThreadGroup, 0, len(s.threadGroups))
	for _, tg := range s.threadGroups {
		cp := *tg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteThreadGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threadGroups[id]; !ok {
		return errors.Errorf("thread group %s not found", id)
	}
	delete(s.threadGroups, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
