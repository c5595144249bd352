// Package control is the daemon's local control surface. yarshactl talks
// to it over the session's unix socket.
package control

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/yarsha/internal/auth"
	"github.com/matheus3301/yarsha/internal/chat"
	"github.com/matheus3301/yarsha/internal/fetch"
	"github.com/matheus3301/yarsha/internal/mutation"
	"github.com/matheus3301/yarsha/internal/rpc"
	"github.com/matheus3301/yarsha/internal/store"
	"github.com/matheus3301/yarsha/internal/stream"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// ServiceName is the fully qualified name of the control service.
const ServiceName = "yarsha.control.v1.Control"

// Chat actions accepted by the Act method.
const (
	ActPin     = "pin"
	ActUnpin   = "unpin"
	ActMute    = "mute"
	ActUnmute  = "unmute"
	ActDelete  = "delete"
	ActOpen    = "open"
	ActClose   = "close"
	ActRefresh = "refresh"
)

// Report is the daemon status snapshot.
type Report struct {
	Session         string
	PID             int
	UptimeMs        int64
	Chats           int64
	Messages        int64
	FailedMutations int
	Cursor          *store.PaginationCursor
	Streams         []stream.Info
}

// SyncResult is the outcome of one chat list page fetch.
type SyncResult struct {
	Done   bool
	Result *ysync.Result
	Cursor *store.PaginationCursor
}

// Server implements the control service.
type Server struct {
	session string
	pid     int
	started time.Time

	db      *store.DB
	chats   *chat.Service
	fetcher *fetch.Orchestrator
	gateway *mutation.Gateway
	streams *stream.Manager
	logger  *zap.Logger
}

// NewServer creates the control service of one session daemon.
func NewServer(session string, pid int, db *store.DB, chats *chat.Service, fetcher *fetch.Orchestrator, gateway *mutation.Gateway, streams *stream.Manager, logger *zap.Logger) *Server {
	return &Server{
		session: session,
		pid:     pid,
		started: time.Now(),
		db:      db,
		chats:   chats,
		fetcher: fetcher,
		gateway: gateway,
		streams: streams,
		logger:  logger,
	}
}

// Register adds the control service to srv.
func (s *Server) Register(srv *grpc.Server) {
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			rpc.Unary("Status", s.status),
			rpc.Unary("ListChats", s.listChats),
			rpc.Unary("ListMessages", s.listMessages),
			rpc.Unary("Search", s.search),
			rpc.Unary("Sync", s.sync),
			rpc.Unary("Mutations", s.mutations),
			rpc.Unary("Revert", s.revert),
			rpc.Unary("Act", s.act),
			rpc.Unary("Send", s.send),
		},
	}, s)
}

func (s *Server) status(context.Context, gjson.Result) (any, error) {
	chats, err := s.db.ChatCount()
	if err != nil {
		return nil, toStatus(err)
	}
	messages, err := s.db.MessageCount()
	if err != nil {
		return nil, toStatus(err)
	}
	failed, err := s.gateway.Failed(0)
	if err != nil {
		return nil, toStatus(err)
	}
	cursor, err := s.db.GetCursor(store.ChatListKind)
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{"report": Report{
		Session:         s.session,
		PID:             s.pid,
		UptimeMs:        time.Since(s.started).Milliseconds(),
		Chats:           chats,
		Messages:        messages,
		FailedMutations: len(failed),
		Cursor:          cursor,
		Streams:         s.streams.Sessions(),
	}}, nil
}

func (s *Server) listChats(_ context.Context, req gjson.Result) (any, error) {
	chats, err := s.chats.GetChatList(int(req.Get("limit").Int()), int(req.Get("offset").Int()))
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{"chats": chats}, nil
}

func (s *Server) listMessages(_ context.Context, req gjson.Result) (any, error) {
	chatID := req.Get("chatId").String()
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chatId is required")
	}
	msgs, err := s.chats.GetMessages(chatID, int(req.Get("page").Int()))
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{"messages": msgs}, nil
}

func (s *Server) search(_ context.Context, req gjson.Result) (any, error) {
	query := req.Get("query").String()
	if query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	results, err := s.chats.Search(query, req.Get("chatId").String(), int(req.Get("limit").Int()))
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{"results": results}, nil
}

// sync fetches the requested chat list page, or the next one when page is
// absent.
func (s *Server) sync(ctx context.Context, req gjson.Result) (any, error) {
	var (
		res *ysync.Result
		err error
	)
	if page := int(req.Get("page").Int()); page > 0 {
		res, err = s.fetcher.FetchChatPage(ctx, page, 0)
	} else {
		res, err = s.chats.FetchNextPage(ctx)
	}
	out := SyncResult{Result: res}
	if errors.Is(err, fetch.ErrNoMorePages) {
		out.Done = true
	} else if err != nil {
		return nil, toStatus(err)
	}
	if out.Cursor, err = s.db.GetCursor(store.ChatListKind); err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{"sync": out}, nil
}

func (s *Server) mutations(_ context.Context, req gjson.Result) (any, error) {
	ms, err := s.gateway.Failed(int(req.Get("limit").Int()))
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{"mutations": ms}, nil
}

func (s *Server) revert(ctx context.Context, req gjson.Result) (any, error) {
	if err := s.gateway.Revert(ctx, req.Get("id").String()); err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{}, nil
}

func (s *Server) act(ctx context.Context, req gjson.Result) (any, error) {
	chatID := req.Get("chatId").String()
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chatId is required")
	}
	var err error
	switch action := req.Get("action").String(); action {
	case ActPin, ActUnpin:
		err = s.chats.PinChat(ctx, chatID, action == ActPin)
	case ActMute, ActUnmute:
		err = s.chats.MuteChat(ctx, chatID, action == ActMute)
	case ActDelete:
		err = s.chats.DeleteChat(ctx, chatID)
	case ActOpen:
		err = s.chats.OpenChatStream(ctx, chatID)
	case ActClose:
		err = s.chats.CloseChatStream(chatID)
	case ActRefresh:
		_, err = s.fetcher.FetchChatDetail(ctx, chatID)
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown action %q", action)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return map[string]any{}, nil
}

func (s *Server) send(ctx context.Context, req gjson.Result) (any, error) {
	chatID := req.Get("chatId").String()
	if chatID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "chatId is required")
	}
	msg, err := s.chats.SendMessage(ctx, chatID, req.Get("content").String(), mutation.SendOptions{
		ReplyTo: req.Get("replyTo").String(),
	})
	if err != nil {
		var nc *mutation.NotConfirmedError
		if errors.As(err, &nc) {
			s.logger.Warn("send not confirmed", zap.String("chat", chatID), zap.String("mutation", nc.MutationID), zap.Error(nc.Err))
		}
		return nil, toStatus(err)
	}
	return map[string]any{"message": msg}, nil
}

// toStatus maps core errors onto gRPC codes.
func toStatus(err error) error {
	var nc *mutation.NotConfirmedError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, mutation.ErrNotRevertible):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, fetch.ErrNoMorePages):
		return grpcstatus.Error(codes.OutOfRange, err.Error())
	case errors.As(err, &nc):
		return grpcstatus.Error(codes.Aborted, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
