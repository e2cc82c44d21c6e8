package chatgraph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// testClock returns a deterministic, strictly increasing clock so sibling
// recency ordering is stable in tests.
func testClock() func() time.Time {
	var mu sync.Mutex
	t0 := time.Unix(1700000000, 0)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t0 = t0.Add(time.Second)
		return t0
	}
}

func newGroup(now func() time.Time, id GroupID, threadID ThreadID, role Role, prev MessageID, msgIDs ...MessageID) *MessageGroup {
	g := &MessageGroup{
		ID:                id,
		ThreadID:          threadID,
		Role:              role,
		PreviousMessageID: prev,
		UpdatedAt:         now(),
	}
	for _, mid := range msgIDs {
		g.Messages = append(g.Messages, &Message{ID: mid, GroupID: id, Status: StatusLoaded})
	}
	return g
}

func TestRebuildThreadLinearChain(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	root := newGroup(now, "root", "t1", RoleSystem, "", "m-root")
	turn1 := newGroup(now, "turn1", "t1", RoleUser, "m-root", "m-turn1")
	require.NoError(t, s.AddGroup(root))
	require.NoError(t, s.AddGroup(turn1))

	order, err := s.RebuildThread("t1")
	require.NoError(t, err)
	require.Equal(t, []GroupID{"root", "turn1"}, order)
}

func TestRebuildThreadBranchSelection(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	root := newGroup(now, "root", "t1", RoleSystem, "", "m-root")
	// Two user-message variants, each continued by its own assistant reply.
	turn1 := newGroup(now, "turn1", "t1", RoleUser, "m-root", "u1a", "u1b")
	turn2a := newGroup(now, "turn2a", "t1", RoleAssistant, "u1a", "a1")
	turn2b := newGroup(now, "turn2b", "t1", RoleAssistant, "u1b", "b1")
	for _, g := range []*MessageGroup{root, turn1, turn2a, turn2b} {
		require.NoError(t, s.AddGroup(g))
	}

	turn1.SelectedIndex = 1
	order, err := s.RebuildThread("t1")
	require.NoError(t, err)
	require.Equal(t, []GroupID{"root", "turn1", "turn2b"}, order)

	// Flipping the branch swaps the tail without deleting the other subtree.
	order, err = s.SetSelect(context.Background(), "turn1", 1)
	require.NoError(t, err)
	require.Equal(t, []GroupID{"root", "turn1", "turn2a"}, order)
	require.NotNil(t, s.Group("turn2b"))
}

func TestRebuildThreadSiblingRecency(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	root := newGroup(now, "root", "t1", RoleUser, "", "m-root")
	older := newGroup(now, "older", "t1", RoleAssistant, "m-root", "a1")
	newer := newGroup(now, "newer", "t1", RoleAssistant, "m-root", "a2")
	for _, g := range []*MessageGroup{root, older, newer} {
		require.NoError(t, s.AddGroup(g))
	}

	order, err := s.RebuildThread("t1")
	require.NoError(t, err)
	require.Equal(t, []GroupID{"root", "newer"}, order)
}

func TestRebuildThreadStopsAtPendingInputSlot(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	root := newGroup(now, "root", "t1", RoleSystem, "", "m-root")
	pending := newGroup(now, "pending", "t1", RoleUser, "m-root")
	require.NoError(t, s.AddGroup(root))
	require.NoError(t, s.AddGroup(pending))

	order, err := s.RebuildThread("t1")
	require.NoError(t, err)
	// The empty pending-input group ends the walk but is part of the view.
	require.Equal(t, []GroupID{"root", "pending"}, order)
}

func TestRebuildThreadTerminatesOnCycle(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	root := newGroup(now, "root", "t1", RoleUser, "", "m-root")
	child := newGroup(now, "child", "t1", RoleAssistant, "m-root", "m-child")
	require.NoError(t, s.AddGroup(root))
	require.NoError(t, s.AddGroup(child))

	// Corrupt the graph behind the store's back to force a cycle; the walk
	// must still terminate and stay bounded by the arena size.
	root.PreviousMessageID = "m-child"
	child.PreviousMessageID = ""

	order, err := s.RebuildThread("t1")
	require.NoError(t, err)
	require.LessOrEqual(t, len(order), 2)
}

func TestAddGroupInvariants(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	require.NoError(t, s.AddGroup(newGroup(now, "root", "t1", RoleSystem, "", "m-root")))

	var invErr *GraphInvariantError
	err := s.AddGroup(newGroup(now, "root2", "t1", RoleSystem, "", "m-root2"))
	require.ErrorAs(t, err, &invErr)

	err = s.AddGroup(newGroup(now, "orphan", "t1", RoleUser, "no-such-message", "m-x"))
	require.ErrorAs(t, err, &invErr)
}

type stubPersister struct {
	mu    sync.Mutex
	calls int
	ids   func(g *MessageGroup) *PersistedTurn
	hook  func(g *MessageGroup)
	err   error
}

func (p *stubPersister) PersistTurn(ctx context.Context, g *MessageGroup) (*PersistedTurn, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.hook != nil {
		p.hook(g)
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.ids != nil {
		return p.ids(g), nil
	}
	return &PersistedTurn{GroupID: "srv-" + g.ID, MessageIDs: []MessageID{"srv-" + g.Messages[0].ID}}, nil
}

func TestAppendTurnDummySwapPreservesIdentity(t *testing.T) {
	now := testClock()
	p := &stubPersister{ids: func(g *MessageGroup) *PersistedTurn {
		return &PersistedTurn{GroupID: "g-real", MessageIDs: []MessageID{"m-real"}}
	}}
	s := NewStore(withClock(now), WithPersister(p))

	g, err := s.AppendTurn(context.Background(), "t1", RoleUser, []*ContentPart{{Kind: PartText, Text: "hi"}}, "")
	require.NoError(t, err)

	require.Equal(t, GroupID("g-real"), g.ID)
	require.Equal(t, MessageID("m-real"), g.Messages[0].ID)
	require.Same(t, g, s.Group("g-real"))
	require.Same(t, g.Messages[0], s.MessageByID("m-real"))

	// The dummy addresses are gone.
	require.Nil(t, s.Group(GroupID(dummyPrefix+"anything")))
	found := false
	for _, grp := range s.Groups("t1") {
		if IsDummyGroupID(grp.ID) {
			found = true
		}
	}
	require.False(t, found)
}

func TestAppendTurnRepointsDanglingReferences(t *testing.T) {
	now := testClock()
	var s *Store
	p := &stubPersister{
		ids: func(g *MessageGroup) *PersistedTurn {
			return &PersistedTurn{GroupID: "g-real", MessageIDs: []MessageID{"m-real"}}
		},
		// A group chained to the dummy message while persistence is in
		// flight must be re-pointed on the same pass as the swap.
		hook: func(g *MessageGroup) {
			child := &MessageGroup{
				ID:                "child",
				ThreadID:          g.ThreadID,
				Role:              RoleAssistant,
				PreviousMessageID: g.Messages[0].ID,
				Messages:          []*Message{{ID: "m-child", Status: StatusLoaded}},
				UpdatedAt:         now(),
			}
			require.NoError(t, s.AddGroup(child))
		},
	}
	s = NewStore(withClock(now), WithPersister(p))

	_, err := s.AppendTurn(context.Background(), "t1", RoleUser, nil, "")
	require.NoError(t, err)
	require.Equal(t, MessageID("m-real"), s.Group("child").PreviousMessageID)

	order, err := s.RebuildThread("t1")
	require.NoError(t, err)
	require.Equal(t, []GroupID{"g-real", "child"}, order)
}

func TestAppendTurnPersistFailureKeepsDummy(t *testing.T) {
	now := testClock()
	p := &stubPersister{err: errors.New("backend down")}
	s := NewStore(withClock(now), WithPersister(p))

	g, err := s.AppendTurn(context.Background(), "t1", RoleUser, nil, "")
	require.Error(t, err)
	require.NotNil(t, g)
	require.True(t, IsDummyGroupID(g.ID))
	require.Same(t, g, s.Group(g.ID))
}

func TestRemoveMessageGroupRules(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	root := newGroup(now, "root", "t1", RoleSystem, "", "m-root")
	turn1 := newGroup(now, "turn1", "t1", RoleUser, "m-root", "m-user")
	reply := newGroup(now, "reply", "t1", RoleAssistant, "m-user", "m-reply")
	pending := newGroup(now, "pending", "t1", RoleUser, "m-reply")
	for _, g := range []*MessageGroup{root, turn1, reply, pending} {
		require.NoError(t, s.AddGroup(g))
	}

	// System turns are edited in place, never unlinked.
	var invErr *GraphInvariantError
	_, err := s.RemoveMessageGroup("root")
	require.ErrorAs(t, err, &invErr)

	// Assistant removal is regenerate: the group stays, bumped to the top of
	// its sibling set, and the caller gets the parent to regenerate from.
	before := reply.UpdatedAt
	req, err := s.RemoveMessageGroup("reply")
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, MessageID("m-user"), req.PreviousMessageID)
	require.Equal(t, ThreadID("t1"), req.ThreadID)
	require.True(t, reply.UpdatedAt.After(before))
	require.NotNil(t, s.Group("reply"))

	// User removal unlinks the group and re-points its dependents.
	_, err = s.RemoveMessageGroup("turn1")
	require.NoError(t, err)
	require.Nil(t, s.Group("turn1"))
	require.Equal(t, MessageID("m-root"), s.Group("reply").PreviousMessageID)
}

type stubLoader struct {
	mu    sync.Mutex
	calls []MessageID
	parts []*ContentPart
	err   error
}

func (l *stubLoader) LoadParts(ctx context.Context, id MessageID) ([]*ContentPart, error) {
	l.mu.Lock()
	l.calls = append(l.calls, id)
	l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	return l.parts, nil
}

func TestSetSelectLazyLoadsRevealedMessages(t *testing.T) {
	now := testClock()
	loader := &stubLoader{parts: []*ContentPart{{Kind: PartText, Text: "restored"}}}
	s := NewStore(withClock(now), WithContentLoader(loader))

	root := newGroup(now, "root", "t1", RoleUser, "", "m-root")
	branchA := newGroup(now, "branchA", "t1", RoleAssistant, "m-root", "a1")
	branchB := newGroup(now, "branchB", "t1", RoleAssistant, "m-root", "b1")
	require.NoError(t, s.AddGroup(root))
	require.NoError(t, s.AddGroup(branchA))
	require.NoError(t, s.AddGroup(branchB))

	// The hidden branch's message was never fetched.
	hidden := branchA.Messages[0]
	hidden.Status = StatusInitial
	hidden.Contents = nil

	_, err := s.SetSelect(context.Background(), "branchA", 0)
	require.NoError(t, err)

	require.Equal(t, StatusLoaded, hidden.Status)
	require.Len(t, hidden.Contents, 1)
	require.Equal(t, "restored", hidden.Contents[0].Text)
	require.Equal(t, []MessageID{"a1"}, loader.calls)
}

func TestSetSelectWraps(t *testing.T) {
	now := testClock()
	s := NewStore(withClock(now))

	g := newGroup(now, "g", "t1", RoleUser, "", "m0", "m1", "m2")
	require.NoError(t, s.AddGroup(g))

	_, err := s.SetSelect(context.Background(), "g", -1)
	require.NoError(t, err)
	require.Equal(t, 2, g.SelectedIndex)

	_, err = s.SetSelect(context.Background(), "g", 1)
	require.NoError(t, err)
	require.Equal(t, 0, g.SelectedIndex)
}
