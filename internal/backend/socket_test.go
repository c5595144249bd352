package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/matheus3301/yarsha/internal/stream"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

type socketHit struct {
	auth  string
	query string
	sub   gjson.Result
}

func socketServer(t *testing.T, frames []string) (string, <-chan socketHit) {
	t.Helper()
	hits := make(chan socketHit, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		ctx := r.Context()

		_, sub, err := conn.Read(ctx)
		if err != nil {
			return
		}
		hits <- socketHit{auth: r.Header.Get("Authorization"), query: r.URL.RawQuery, sub: gjson.ParseBytes(sub)}

		_ = conn.Write(ctx, websocket.MessageBinary, []byte{0x01})
		for _, f := range frames {
			if err := conn.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		_ = conn.Close(websocket.StatusNormalClosure, "done")
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hits
}

func TestSocketSourceDeliversEvents(t *testing.T) {
	url, hits := socketServer(t, []string{
		`not json`,
		`{"type":"typing"}`,
		`{"type":"reaction","data":{"messageId":"m1","reactions":[{"userId":"u1","emoji":"🎉"}]}}`,
		`{"type":"seen","data":{"userId":"u1","seenCount":2}}`,
	})
	src := NewSocketSource(url, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recv, err := src.Open(ctx, testSession, stream.Messages, stream.Params{ChatID: "g1"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = recv.Close() }()

	hit := <-hits
	if hit.auth != "Bearer tok" {
		t.Errorf("authorization = %q", hit.auth)
	}
	if !strings.Contains(hit.query, "chatId=g1") || !strings.Contains(hit.query, "kind=messages") {
		t.Errorf("query = %q", hit.query)
	}
	if hit.sub.Get("op").String() != "subscribe" || hit.sub.Get("chatId").String() != "g1" {
		t.Errorf("subscribe frame = %s", hit.sub.Raw)
	}

	ev, err := recv.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != stream.EventReaction {
		t.Errorf("first event = %s", ev.Type)
	}
	ev, err = recv.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != stream.EventSeen || ev.Batch.Seen[0].ChatID != "g1" {
		t.Errorf("second event = %+v", ev)
	}
	if _, err := recv.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("after normal closure = %v, want io.EOF", err)
	}
}

func TestSocketSourceDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	src := NewSocketSource("ws"+strings.TrimPrefix(srv.URL, "http"), nil)

	_, err := src.Open(context.Background(), testSession, stream.ChatList, stream.Params{})
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}
