package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/matheus3301/yarsha/internal/rpc"
	"github.com/matheus3301/yarsha/internal/store"
	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a running daemon.
type Client struct {
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn
}

// Dial connects to the daemon's unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, field string, out any) error {
	resp, err := rpc.Invoke(ctx, c.conn, "/"+ServiceName+"/"+method, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp, field, out)
}

func decode(resp gjson.Result, field string, out any) error {
	v := resp.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	if err := json.Unmarshal([]byte(v.Raw), out); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	return nil
}

// Status returns the daemon report.
func (c *Client) Status(ctx context.Context) (*Report, error) {
	var r Report
	if err := c.call(ctx, "Status", map[string]any{}, "report", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListChats returns stored chats.
func (c *Client) ListChats(ctx context.Context, limit, offset int) ([]store.Chat, error) {
	var chats []store.Chat
	err := c.call(ctx, "ListChats", map[string]any{"limit": limit, "offset": offset}, "chats", &chats)
	return chats, err
}

// ListMessages returns one page of stored messages.
func (c *Client) ListMessages(ctx context.Context, chatID string, page int) ([]store.Message, error) {
	var msgs []store.Message
	err := c.call(ctx, "ListMessages", map[string]any{"chatId": chatID, "page": page}, "messages", &msgs)
	return msgs, err
}

// Search finds stored messages.
func (c *Client) Search(ctx context.Context, query, chatID string, limit int) ([]store.SearchResult, error) {
	var results []store.SearchResult
	err := c.call(ctx, "Search", map[string]any{"query": query, "chatId": chatID, "limit": limit}, "results", &results)
	return results, err
}

// Sync fetches chat list page, or the next page when page is 0.
func (c *Client) Sync(ctx context.Context, page int) (*SyncResult, error) {
	var r SyncResult
	if err := c.call(ctx, "Sync", map[string]any{"page": page}, "sync", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Mutations lists failed journal entries.
func (c *Client) Mutations(ctx context.Context, limit int) ([]store.Mutation, error) {
	var ms []store.Mutation
	err := c.call(ctx, "Mutations", map[string]any{"limit": limit}, "mutations", &ms)
	return ms, err
}

// Revert undoes a failed mutation.
func (c *Client) Revert(ctx context.Context, id string) error {
	return c.call(ctx, "Revert", map[string]any{"id": id}, "", nil)
}

// Act runs one of the Act* chat actions.
func (c *Client) Act(ctx context.Context, action, chatID string) error {
	return c.call(ctx, "Act", map[string]any{"action": action, "chatId": chatID}, "", nil)
}

// Send sends a text message and returns the stored row.
func (c *Client) Send(ctx context.Context, chatID, content, replyTo string) (*store.Message, error) {
	var m store.Message
	req := map[string]any{"chatId": chatID, "content": content, "replyTo": replyTo}
	if err := c.call(ctx, "Send", req, "message", &m); err != nil {
		return nil, err
	}
	return &m, nil
}
