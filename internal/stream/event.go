package stream

import (
	"context"
	"errors"

	"github.com/matheus3301/yarsha/internal/session"
	ysync "github.com/matheus3301/yarsha/internal/sync"
)

// ErrClosed is returned by operations on a closed Session.
var ErrClosed = errors.New("stream: session closed")

// Kind is the concern a subscription covers.
type Kind string

const (
	ChatList Kind = "chat-list"
	Messages Kind = "messages"
)

// Params scope a subscription. ChatID is required for Messages.
type Params struct {
	ChatID string
}

// Key identifies one subscription; at most one session exists per key.
func Key(kind Kind, params Params) string {
	if kind == Messages {
		return string(kind) + ":" + params.ChatID
	}
	return string(kind)
}

// EventType classifies one inbound stream frame.
type EventType string

const (
	EventMessage           EventType = "message"
	EventPinned            EventType = "pinned"
	EventUnpinned          EventType = "unpinned"
	EventReaction          EventType = "reaction"
	EventSeen              EventType = "seen-update"
	EventParticipantJoined EventType = "participant-joined"
	EventGroupCreated      EventType = "group-created"
	EventChatList          EventType = "chat-list"
	EventMessageStatus     EventType = "message-status"
	EventChatUpdated       EventType = "chat-updated"
)

// Event is a typed stream frame already normalized into the batch shape
// the reconciler consumes. The batch covers only the entities the frame
// affects.
type Event struct {
	Type  EventType
	Batch ysync.Batch
}

// Receiver yields the events of one open subscription in arrival order.
// Recv blocks until an event arrives, the stream ends (io.EOF), or the
// transport fails.
type Receiver interface {
	Recv() (Event, error)
	Close() error
}

// Source opens subscriptions. It is implemented by the transport.
type Source interface {
	Open(ctx context.Context, sc session.Context, kind Kind, params Params) (Receiver, error)
}
