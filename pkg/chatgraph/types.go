package chatgraph

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blkd13/ribbon-core/pkg/chatstream"
)

type (
	ThreadID  string
	GroupID   string
	MessageID string
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks a message variant through its lifecycle: created,
// receiving streamed text, fully loaded.
type MessageStatus string

const (
	StatusInitial MessageStatus = "initial"
	StatusEditing MessageStatus = "editing"
	StatusLoading MessageStatus = "loading"
	StatusLoaded  MessageStatus = "loaded"
)

type PartKind string

const (
	PartText  PartKind = "text"
	PartFile  PartKind = "file"
	PartTool  PartKind = "tool"
	PartError PartKind = "error"
)

// ContentPart is one ordered, typed fragment of a message's payload. Text
// parts are appended to in place while a stream is live; everything else is
// immutable once persisted.
type ContentPart struct {
	Kind   PartKind       `json:"kind"`
	Text   string         `json:"text,omitempty"`
	FileID string         `json:"fileId,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Message is one variant within a MessageGroup: the plain turn, or one
// regeneration / parallel sample among siblings.
type Message struct {
	ID       MessageID      `json:"id"`
	GroupID  GroupID        `json:"groupId"`
	Contents []*ContentPart `json:"contents"`
	Status   MessageStatus  `json:"status"`
	CacheID  string         `json:"cacheId,omitempty"`
	// Channel is a non-owning reference to the live stream feeding this
	// message, nil outside of streaming.
	Channel   *chatstream.StreamChannel `json:"-"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}

// FirstTextPart returns the message's first text part, creating one when the
// message has none. Streamed deltas always land here.
func (m *Message) FirstTextPart() *ContentPart {
	for _, p := range m.Contents {
		if p.Kind == PartText {
			return p
		}
	}
	p := &ContentPart{Kind: PartText}
	m.Contents = append(m.Contents, p)
	return p
}

// MessageGroup is one conversational-turn node. PreviousMessageID is a weak
// back-reference to the parent variant message it continues from; the forward
// relation is always derived through an index, never stored, so the graph
// cannot form pointer cycles. The root turn of a thread has an empty
// PreviousMessageID.
type MessageGroup struct {
	ID                GroupID    `json:"id"`
	ThreadID          ThreadID   `json:"threadId"`
	Role              Role       `json:"role"`
	PreviousMessageID MessageID  `json:"previousMessageId,omitempty"`
	Messages          []*Message `json:"messages"`
	// SelectedIndex picks which sibling variant is currently shown.
	SelectedIndex int       `json:"selectedIndex"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// SelectedMessage returns the variant at SelectedIndex, or nil when the index
// is out of bounds (the pending-input slot).
func (g *MessageGroup) SelectedMessage() *Message {
	if g.SelectedIndex < 0 || g.SelectedIndex >= len(g.Messages) {
		return nil
	}
	return g.Messages[g.SelectedIndex]
}

const dummyPrefix = "dummy-"

// NewDummyGroupID mints a client-side placeholder id used until persistence
// assigns the real one.
func NewDummyGroupID() GroupID { return GroupID(dummyPrefix + uuid.NewString()) }

func NewDummyMessageID() MessageID { return MessageID(dummyPrefix + uuid.NewString()) }

func IsDummyGroupID(id GroupID) bool { return strings.HasPrefix(string(id), dummyPrefix) }

func IsDummyMessageID(id MessageID) bool { return strings.HasPrefix(string(id), dummyPrefix) }
