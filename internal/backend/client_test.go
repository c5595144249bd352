package backend

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/matheus3301/yarsha/internal/auth"
	"github.com/matheus3301/yarsha/internal/fetch"
	"github.com/matheus3301/yarsha/internal/mutation"
	"github.com/matheus3301/yarsha/internal/rpc"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/store"
	"github.com/matheus3301/yarsha/internal/stream"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

var testSession = session.Context{
	Token:  "tok",
	UserID: "me",
	Device: session.DeviceInfo{ID: "dev-1", Platform: "linux"},
}

type handlerFunc func(ctx context.Context, req gjson.Result) (any, error)

// fakeChatServer serves the chat service from plain handler funcs.
type fakeChatServer struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	frames   []any
	requests map[string]gjson.Result
	devices  []string
}

func (f *fakeChatServer) authorize(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	if v := md.Get("authorization"); len(v) == 0 || v[0] != "Bearer tok" {
		return status.Error(codes.Unauthenticated, "bad token")
	}
	f.mu.Lock()
	f.devices = append(f.devices, md.Get("x-device-id")...)
	f.mu.Unlock()
	return nil
}

func (f *fakeChatServer) unary(name string) grpc.MethodDesc {
	return rpc.Unary(name, func(ctx context.Context, req gjson.Result) (any, error) {
		if err := f.authorize(ctx); err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.requests[name] = req
		h := f.handlers[name]
		f.mu.Unlock()
		if h == nil {
			return nil, status.Error(codes.Unimplemented, name)
		}
		return h(ctx, req)
	})
}

func (f *fakeChatServer) subscribe(_ any, ss grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := ss.RecvMsg(in); err != nil {
		return err
	}
	if err := f.authorize(ss.Context()); err != nil {
		return err
	}
	req, _ := rpc.Decode(in)
	f.mu.Lock()
	f.requests["Subscribe"] = req
	frames := f.frames
	f.mu.Unlock()
	for _, fr := range frames {
		out, err := rpc.Encode(fr)
		if err != nil {
			return err
		}
		if err := ss.SendMsg(out); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeChatServer) request(name string) gjson.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[name]
}

func startServer(t *testing.T, f *fakeChatServer) *Client {
	t.Helper()
	if f.handlers == nil {
		f.handlers = map[string]handlerFunc{}
	}
	f.requests = map[string]gjson.Result{}

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			f.unary("ListChats"),
			f.unary("ListMessages"),
			f.unary("GetChat"),
			f.unary("Action"),
		},
		Streams: []grpc.StreamDesc{{
			StreamName:    "Subscribe",
			Handler:       f.subscribe,
			ServerStreams: true,
		}},
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&desc, f)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	c := NewClient(conn, 0, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestListChats(t *testing.T) {
	f := &fakeChatServer{handlers: map[string]handlerFunc{
		"ListChats": func(_ context.Context, req gjson.Result) (any, error) {
			return map[string]any{
				"groups": []any{
					map[string]any{"_id": "g1", "name": "One", "type": "group", "updatedAt": 1700000000},
					map[string]any{"name": "dropped"},
				},
				"seenDetails": []any{map[string]any{"groupId": "g1", "userId": "me", "seenCount": 3}},
				"pagination":  map[string]any{"currentPage": req.Get("page").Int(), "totalPages": 4},
			}, nil
		},
	}}
	c := startServer(t, f)

	page, err := c.ListChats(context.Background(), testSession, 2, 20)
	if err != nil {
		t.Fatal(err)
	}
	if page.CurrentPage != 2 || page.TotalPages != 4 {
		t.Errorf("page = %d/%d", page.CurrentPage, page.TotalPages)
	}
	if len(page.Chats) != 1 || page.Chats[0].GroupID != "g1" || page.Chats[0].UpdatedAt != 1700000000000 {
		t.Errorf("chats = %+v", page.Chats)
	}
	if len(page.Seen) != 1 || page.Seen[0].Key() != "g1_me" {
		t.Errorf("seen = %+v", page.Seen)
	}
	if got := f.request("ListChats").Get("limit").Int(); got != 20 {
		t.Errorf("limit sent = %d", got)
	}
	f.mu.Lock()
	devices := f.devices
	f.mu.Unlock()
	if len(devices) == 0 || devices[0] != "dev-1" {
		t.Errorf("device metadata = %v", devices)
	}
}

func TestListMessagesFillsChat(t *testing.T) {
	f := &fakeChatServer{handlers: map[string]handlerFunc{
		"ListMessages": func(context.Context, gjson.Result) (any, error) {
			return map[string]any{"data": []any{
				map[string]any{"_id": "s1", "messageId": "m1", "content": "a"},
				map[string]any{"_id": "s2", "messageId": "m2", "content": "b"},
			}}, nil
		},
	}}
	c := startServer(t, f)

	page, err := c.ListMessages(context.Background(), testSession, fetch.MessageQuery{
		ChatID: "g1", Timestamp: 1700000000000, Direction: fetch.Before, Limit: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 2 || page.Messages[1].ChatID != "g1" {
		t.Errorf("messages = %+v", page.Messages)
	}
	req := f.request("ListMessages")
	if req.Get("direction").String() != string(fetch.Before) || req.Get("timestamp").Int() != 1700000000000 {
		t.Errorf("request = %s", req.Raw)
	}
}

func TestGetChat(t *testing.T) {
	f := &fakeChatServer{handlers: map[string]handlerFunc{
		"GetChat": func(context.Context, gjson.Result) (any, error) {
			return map[string]any{"group": map[string]any{
				"_id":          "g1",
				"name":         "One",
				"participants": []any{map[string]any{"_id": "u1", "role": "admin"}, "u2"},
			}}, nil
		},
	}}
	c := startServer(t, f)

	d, err := c.GetChat(context.Background(), testSession, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Chat.GroupName != "One" || len(d.Participants) != 2 || d.Participants[0].Role != store.RoleAdmin {
		t.Errorf("detail = %+v", d)
	}
}

func TestDoSendsActionAndParsesResult(t *testing.T) {
	f := &fakeChatServer{handlers: map[string]handlerFunc{
		"Action": func(context.Context, gjson.Result) (any, error) {
			return map[string]any{
				"message":   map[string]any{"_id": "s1", "messageId": "m1", "isPinned": true},
				"reactions": []any{map[string]any{"userId": "me", "emoji": "👍"}},
			}, nil
		},
	}}
	c := startServer(t, f)

	res, err := c.Do(context.Background(), testSession, mutation.Action{
		Kind:    mutation.PinMessage,
		ChatID:  "g1",
		Target:  "m1",
		Payload: map[string]any{"note": "x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Message == nil || !res.Message.IsPinned || res.Chat != nil {
		t.Errorf("result = %+v", res)
	}
	if len(res.Reactions) != 1 {
		t.Errorf("reactions = %+v", res.Reactions)
	}
	req := f.request("Action")
	if req.Get("action").String() != string(mutation.PinMessage) || req.Get("target").String() != "m1" || req.Get("payload.note").String() != "x" {
		t.Errorf("request = %s", req.Raw)
	}
}

func TestUnauthenticatedIsAuthError(t *testing.T) {
	c := startServer(t, &fakeChatServer{})

	_, err := c.ListChats(context.Background(), session.Context{Token: "stale"}, 1, 20)
	if !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Code() != codes.Unauthenticated {
		t.Fatalf("err = %#v", err)
	}
	if te.Temporary() {
		t.Error("auth failure reported as temporary")
	}
}

func TestUnavailableIsTemporary(t *testing.T) {
	f := &fakeChatServer{handlers: map[string]handlerFunc{
		"GetChat": func(context.Context, gjson.Result) (any, error) {
			return nil, status.Error(codes.Unavailable, "down")
		},
	}}
	c := startServer(t, f)

	_, err := c.GetChat(context.Background(), testSession, "g1")
	var te *TransportError
	if !errors.As(err, &te) || !te.Temporary() {
		t.Fatalf("err = %v, want temporary transport error", err)
	}
	if errors.Is(err, auth.ErrUnauthenticated) {
		t.Error("unavailable mapped to auth error")
	}
}

func TestSubscribeDeliversKnownFrames(t *testing.T) {
	f := &fakeChatServer{frames: []any{
		map[string]any{"type": "typing", "data": map[string]any{"userId": "u1"}},
		map[string]any{"type": "message", "data": map[string]any{"messageId": "m1", "content": "hi"}},
		map[string]any{"type": "pinned", "data": map[string]any{"messageId": "m1"}},
	}}
	c := startServer(t, f)

	recv, err := c.Open(context.Background(), testSession, stream.Messages, stream.Params{ChatID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = recv.Close() }()

	ev, err := recv.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != stream.EventMessage || len(ev.Batch.Messages) != 1 || ev.Batch.Messages[0].ChatID != "g1" {
		t.Errorf("first event = %+v", ev)
	}
	ev, err = recv.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != stream.EventPinned {
		t.Errorf("second event = %s", ev.Type)
	}
	if _, err := recv.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("end of stream = %v, want io.EOF", err)
	}

	req := f.request("Subscribe")
	if req.Get("kind").String() != string(stream.Messages) || req.Get("chatId").String() != "g1" {
		t.Errorf("subscribe request = %s", req.Raw)
	}
}

func TestSubscribeRejectsBadToken(t *testing.T) {
	c := startServer(t, &fakeChatServer{})

	recv, err := c.Open(context.Background(), session.Context{Token: "stale"}, stream.ChatList, stream.Params{})
	if err != nil {
		// The status may surface on open or on the first Recv.
		if !errors.Is(err, auth.ErrUnauthenticated) {
			t.Fatalf("open err = %v", err)
		}
		return
	}
	defer func() { _ = recv.Close() }()
	if _, err := recv.Recv(); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("recv err = %v, want ErrUnauthenticated", err)
	}
}
