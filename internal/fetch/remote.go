package fetch

import (
	"context"

	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/store"
)

// Direction of a message backfill relative to the query timestamp.
type Direction string

const (
	Before Direction = "before"
	After  Direction = "after"
)

// MessageQuery bounds one message backfill request.
type MessageQuery struct {
	ChatID    string
	Timestamp int64
	Direction Direction
	Limit     int
}

// ChatPage is one normalized page of the chat list.
type ChatPage struct {
	Chats       []store.Chat
	Seen        []store.SeenDetail
	CurrentPage int
	TotalPages  int
}

// MessagePage is one normalized message backfill response.
type MessagePage struct {
	Messages []store.Message
	Seen     []store.SeenDetail
}

// ChatDetail is a chat with its full participant list.
type ChatDetail struct {
	Chat         store.Chat
	Participants []store.Participant
	Seen         []store.SeenDetail
}

// Remote is the paginated read side of the transport. Implementations
// inject the session credential and return records already normalized.
type Remote interface {
	ListChats(ctx context.Context, sc session.Context, page, limit int) (*ChatPage, error)
	ListMessages(ctx context.Context, sc session.Context, q MessageQuery) (*MessagePage, error)
	GetChat(ctx context.Context, sc session.Context, chatID string) (*ChatDetail, error)
}
