package backend

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/matheus3301/yarsha/internal/config"
	"github.com/matheus3301/yarsha/internal/fetch"
	"github.com/matheus3301/yarsha/internal/mutation"
	"github.com/matheus3301/yarsha/internal/rpc"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// ServiceName is the fully qualified name of the chat service. Calls use
// rpc envelopes.
const ServiceName = "yarsha.chat.v1.ChatService"

const (
	methodListChats    = "/" + ServiceName + "/ListChats"
	methodListMessages = "/" + ServiceName + "/ListMessages"
	methodGetChat      = "/" + ServiceName + "/GetChat"
	methodAction       = "/" + ServiceName + "/Action"
	methodSubscribe    = "/" + ServiceName + "/Subscribe"
)

// Client talks to the chat service over gRPC. It implements fetch.Remote,
// mutation.Remote and stream.Source.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

// Dial creates a client for the configured backend address.
func Dial(cfg config.Backend, logger *zap.Logger) (*Client, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}
	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial backend: %w", err)
	}
	return NewClient(conn, cfg.RequestTimeout.Duration, logger), nil
}

// NewClient wraps an existing connection. A zero timeout leaves unary
// calls bounded only by the caller's context.
func NewClient(conn *grpc.ClientConn, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, timeout: timeout, logger: logger}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// withSession attaches the bearer token and device identity to ctx.
func withSession(ctx context.Context, sc session.Context) context.Context {
	md := metadata.Pairs("authorization", "Bearer "+sc.Token)
	if sc.Device.ID != "" {
		md.Append("x-device-id", sc.Device.ID)
	}
	if sc.Device.Platform != "" {
		md.Append("x-device-platform", sc.Device.Platform)
	}
	if sc.Device.AppVersion != "" {
		md.Append("x-app-version", sc.Device.AppVersion)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *Client) invoke(ctx context.Context, sc session.Context, op, method string, req any) (gjson.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	resp, err := rpc.Invoke(withSession(ctx, sc), c.conn, method, req)
	if err != nil {
		c.logger.Debug("backend call failed", zap.String("op", op), zap.Duration("took", time.Since(start)), zap.Error(err))
		return gjson.Result{}, wrap(op, err)
	}
	return resp, nil
}

// ListChats fetches one page of the chat list.
func (c *Client) ListChats(ctx context.Context, sc session.Context, page, limit int) (*fetch.ChatPage, error) {
	resp, err := c.invoke(ctx, sc, "list chats", methodListChats, map[string]any{"page": page, "limit": limit})
	if err != nil {
		return nil, err
	}
	list := first(resp, "groups", "chats", "data.groups", "data.chats")
	if !list.Exists() && resp.Get("data").IsArray() {
		list = resp.Get("data")
	}
	return &fetch.ChatPage{
		Chats:       parseChats(list),
		Seen:        parseSeen("", first(resp, "seenDetails", "data.seenDetails")),
		CurrentPage: int(first(resp, "currentPage", "pagination.currentPage", "page").Int()),
		TotalPages:  int(first(resp, "totalPages", "pagination.totalPages").Int()),
	}, nil
}

// ListMessages fetches messages of one chat around a timestamp.
func (c *Client) ListMessages(ctx context.Context, sc session.Context, q fetch.MessageQuery) (*fetch.MessagePage, error) {
	req := map[string]any{
		"chatId":    q.ChatID,
		"direction": string(q.Direction),
		"limit":     q.Limit,
	}
	if q.Timestamp > 0 {
		req["timestamp"] = q.Timestamp
	}
	resp, err := c.invoke(ctx, sc, "list messages", methodListMessages, req)
	if err != nil {
		return nil, err
	}
	list := first(resp, "messages", "data.messages")
	if !list.Exists() && resp.Get("data").IsArray() {
		list = resp.Get("data")
	}
	return &fetch.MessagePage{
		Messages: parseMessages(q.ChatID, list),
		Seen:     parseSeen(q.ChatID, first(resp, "seenDetails", "data.seenDetails")),
	}, nil
}

// GetChat fetches one chat with its participants.
func (c *Client) GetChat(ctx context.Context, sc session.Context, chatID string) (*fetch.ChatDetail, error) {
	resp, err := c.invoke(ctx, sc, "get chat", methodGetChat, map[string]any{"chatId": chatID})
	if err != nil {
		return nil, err
	}
	raw := first(resp, "group", "chat", "data")
	chat, ok := ParseChat(raw)
	if !ok {
		chat.GroupID = chatID
	}
	participants := first(resp, "participants")
	if !participants.Exists() {
		participants = first(raw, "participants", "members")
	}
	return &fetch.ChatDetail{
		Chat:         chat,
		Participants: parseParticipants(chat.GroupID, participants),
		Seen:         parseSeen(chat.GroupID, first(resp, "seenDetails", "group.seenDetails")),
	}, nil
}

// Do performs a user action.
func (c *Client) Do(ctx context.Context, sc session.Context, a mutation.Action) (*mutation.Result, error) {
	req := map[string]any{
		"action":  string(a.Kind),
		"chatId":  a.ChatID,
		"target":  a.Target,
		"payload": a.Payload,
	}
	if a.Payload == nil {
		req["payload"] = map[string]any{}
	}
	resp, err := c.invoke(ctx, sc, string(a.Kind), methodAction, req)
	if err != nil {
		return nil, err
	}
	res := &mutation.Result{}
	if raw := first(resp, "group", "chat"); raw.IsObject() {
		if chat, ok := ParseChat(raw); ok {
			res.Chat = &chat
		}
	}
	if raw := first(resp, "message"); raw.IsObject() {
		if m, ok := ParseMessage(raw); ok {
			res.Message = &m
		}
	}
	if raw := first(resp, "participants"); raw.IsArray() {
		res.Participants = parseParticipants(a.ChatID, raw)
	}
	res.Seen = parseSeen(a.ChatID, first(resp, "seenDetails"))
	res.Reactions = ParseReactions(first(resp, "reactions"))
	return res, nil
}
