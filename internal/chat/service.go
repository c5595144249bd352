// Package chat is the read and command surface the UI layers talk to. Reads
// come straight from the local store; commands go through the fetch
// orchestrator, the mutation gateway and the stream manager.
package chat

import (
	"context"
	"fmt"

	"github.com/matheus3301/yarsha/internal/bus"
	"github.com/matheus3301/yarsha/internal/fetch"
	"github.com/matheus3301/yarsha/internal/mutation"
	"github.com/matheus3301/yarsha/internal/store"
	"github.com/matheus3301/yarsha/internal/stream"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"go.uber.org/zap"
)

const (
	defaultChatLimit    = 50
	defaultMessageLimit = 50
)

// View is one chat with its membership and read markers.
type View struct {
	Chat         store.Chat
	Participants []store.Participant
	Seen         []store.SeenDetail
}

// Service is the upward facade over the sync core.
type Service struct {
	db      *store.DB
	fetcher *fetch.Orchestrator
	gateway *mutation.Gateway
	streams *stream.Manager
	bus     *bus.Bus
	logger  *zap.Logger

	messageLimit int
}

// New creates a chat service.
func New(db *store.DB, fetcher *fetch.Orchestrator, gateway *mutation.Gateway, streams *stream.Manager, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:           db,
		fetcher:      fetcher,
		gateway:      gateway,
		streams:      streams,
		bus:          b,
		logger:       logger,
		messageLimit: defaultMessageLimit,
	}
}

// GetChatList returns stored chats, pinned first, then most recent.
func (s *Service) GetChatList(limit, offset int) ([]store.Chat, error) {
	if limit <= 0 {
		limit = defaultChatLimit
	}
	return s.db.ListChats(limit, offset)
}

// GetChat returns one stored chat with participants and seen markers.
func (s *Service) GetChat(chatID string) (*View, error) {
	c, err := s.db.GetChat(chatID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("chat %s: %w", chatID, store.ErrNotFound)
	}
	participants, err := s.db.Participants(chatID)
	if err != nil {
		return nil, err
	}
	seen, err := s.db.SeenDetails(chatID)
	if err != nil {
		return nil, err
	}
	return &View{Chat: *c, Participants: participants, Seen: seen}, nil
}

// GetMessages returns one page of stored messages of chatID, page 1 being
// the newest.
func (s *Service) GetMessages(chatID string, page int) ([]store.Message, error) {
	if page < 1 {
		page = 1
	}
	return s.db.ListMessages(chatID, page, s.messageLimit)
}

// Search finds stored messages containing query. An empty chatID searches
// every chat.
func (s *Service) Search(query, chatID string, limit int) ([]store.SearchResult, error) {
	return s.db.SearchMessages(query, chatID, limit)
}

// PinChat pins or unpins a chat.
func (s *Service) PinChat(ctx context.Context, chatID string, pinned bool) error {
	if pinned {
		return s.gateway.PinChat(ctx, chatID)
	}
	return s.gateway.UnpinChat(ctx, chatID)
}

// MuteChat mutes or unmutes a chat.
func (s *Service) MuteChat(ctx context.Context, chatID string, muted bool) error {
	if muted {
		return s.gateway.MuteChat(ctx, chatID)
	}
	return s.gateway.UnmuteChat(ctx, chatID)
}

// DeleteChat deletes a chat and stops its message stream.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	if err := s.CloseChatStream(chatID); err != nil {
		s.logger.Warn("closing stream of deleted chat", zap.String("chat", chatID), zap.Error(err))
	}
	return s.gateway.DeleteChat(ctx, chatID)
}

// SendMessage sends a text message. The returned message is the stored row.
func (s *Service) SendMessage(ctx context.Context, chatID, content string, opts mutation.SendOptions) (*store.Message, error) {
	return s.gateway.SendMessage(ctx, chatID, content, opts)
}

// FetchNextPage loads the next chat list page from the backend.
func (s *Service) FetchNextPage(ctx context.Context) (*ysync.Result, error) {
	return s.fetcher.FetchNextPage(ctx)
}

// OpenChatStream subscribes to live events of chatID and backfills its
// newest messages.
func (s *Service) OpenChatStream(ctx context.Context, chatID string) error {
	if _, err := s.streams.Open(ctx, stream.Messages, stream.Params{ChatID: chatID}); err != nil {
		return err
	}
	if _, err := s.fetcher.FetchMessages(ctx, fetch.MessageQuery{ChatID: chatID, Direction: fetch.Before}); err != nil {
		return fmt.Errorf("backfill %s: %w", chatID, err)
	}
	return nil
}

// CloseChatStream stops the live stream of chatID. Closing a stream that is
// not open is a no-op.
func (s *Service) CloseChatStream(chatID string) error {
	return s.streams.Close(stream.Messages, stream.Params{ChatID: chatID})
}

// Watch delivers store change events until ctx is done.
func (s *Service) Watch(ctx context.Context) <-chan bus.Event {
	in, unsub := s.bus.Subscribe("store.", 256)
	out := make(chan bus.Event)
	go func() {
		defer close(out)
		defer unsub()
		for {
			select {
			case evt := <-in:
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops every open stream.
func (s *Service) Close() {
	s.streams.CloseAll()
}
