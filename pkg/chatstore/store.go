package chatstore

import (
	"context"

	"github.com/blkd13/ribbon-core/pkg/chatgraph"
	"github.com/blkd13/ribbon-core/pkg/chatthreads"
)

// Store persists the conversation graph and its surrounding thread-group
// structure. The graph store calls it through the adapters below; the relay
// exposes it over HTTP CRUD.
type Store interface {
	// SaveTurn persists a freshly appended turn, minting server ids for the
	// group and its messages. The input's dummy ids are not written.
	SaveTurn(ctx context.Context, g *chatgraph.MessageGroup) (*chatgraph.PersistedTurn, error)
	// SaveGroup upserts a group that already carries server ids.
	SaveGroup(ctx context.Context, g *chatgraph.MessageGroup) error
	GetGroup(ctx context.Context, id chatgraph.GroupID) (*chatgraph.MessageGroup, error)
	ListGroups(ctx context.Context, threadID chatgraph.ThreadID) ([]*chatgraph.MessageGroup, error)
	DeleteGroup(ctx context.Context, id chatgraph.GroupID) error

	// GetParts returns a message's content parts in order. Groups loaded via
	// ListGroups carry no parts; callers fetch them lazily through this.
	GetParts(ctx context.Context, messageID chatgraph.MessageID) ([]*chatgraph.ContentPart, error)
	SaveParts(ctx context.Context, messageID chatgraph.MessageID, parts []*chatgraph.ContentPart) error

	SaveThreadGroup(ctx context.Context, tg *chatthreads.ThreadGroup) error
	GetThreadGroup(ctx context.Context, id string) (*chatthreads.ThreadGroup, error)
	ListThreadGroups(ctx context.Context) ([]*chatthreads.ThreadGroup, error)
	DeleteThreadGroup(ctx context.Context, id string) error

	Close() error
}

// GraphPersister adapts a Store to the graph store's Persister contract.
type GraphPersister struct {
	Store Store
}

var _ chatgraph.Persister = &GraphPersister{}

func (p *GraphPersister) PersistTurn(ctx context.Context, g *chatgraph.MessageGroup) (*chatgraph.PersistedTurn, error) {
	return p.Store.SaveTurn(ctx, g)
}

// PartLoader adapts a Store to the graph store's lazy content loading.
type PartLoader struct {
	Store Store
}

var _ chatgraph.ContentLoader = &PartLoader{}

func (l *PartLoader) LoadParts(ctx context.Context, id chatgraph.MessageID) ([]*chatgraph.ContentPart, error) {
	return l.Store.GetParts(ctx, id)
}
