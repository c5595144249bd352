package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/stream"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const socketReadLimit = 4 << 20

// SocketSource opens stream subscriptions over a websocket instead of
// gRPC. Frames are JSON objects of the same shape the gRPC stream carries.
type SocketSource struct {
	url    string
	logger *zap.Logger
}

// NewSocketSource creates a websocket stream source for the given ws:// or
// wss:// URL.
func NewSocketSource(rawURL string, logger *zap.Logger) *SocketSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketSource{url: rawURL, logger: logger}
}

type subscribeFrame struct {
	Op     string `json:"op"`
	Kind   string `json:"kind"`
	ChatID string `json:"chatId,omitempty"`
}

// Open dials the socket and subscribes to kind.
func (s *SocketSource) Open(ctx context.Context, sc session.Context, kind stream.Kind, params stream.Params) (stream.Receiver, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, &TransportError{Op: "socket", Err: fmt.Errorf("parse socket url: %w", err)}
	}
	q := u.Query()
	q.Set("kind", string(kind))
	if params.ChatID != "" {
		q.Set("chatId", params.ChatID)
	}
	u.RawQuery = q.Encode()

	header := http.Header{"Authorization": []string{"Bearer " + sc.Token}}
	if sc.Device.ID != "" {
		header.Set("X-Device-Id", sc.Device.ID)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, &TransportError{Op: "socket", Err: fmt.Errorf("dialing websocket: %w", err)}
	}
	conn.SetReadLimit(socketReadLimit)

	sub, _ := json.Marshal(subscribeFrame{Op: "subscribe", Kind: string(kind), ChatID: params.ChatID})
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return nil, &TransportError{Op: "socket", Err: fmt.Errorf("sending subscribe: %w", err)}
	}

	rctx, cancel := context.WithCancel(ctx)
	return &socketReceiver{
		ctx:    rctx,
		cancel: cancel,
		conn:   conn,
		chatID: params.ChatID,
		logger: s.logger.With(zap.String("stream", stream.Key(kind, params))),
	}, nil
}

type socketReceiver struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
	chatID string
	logger *zap.Logger
}

func (r *socketReceiver) Recv() (stream.Event, error) {
	for {
		typ, data, err := r.conn.Read(r.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return stream.Event{}, io.EOF
			}
			return stream.Event{}, &TransportError{Op: "socket", Err: err}
		}
		if typ != websocket.MessageText || !gjson.ValidBytes(data) {
			continue
		}
		frame := gjson.ParseBytes(data)
		ev, ok := ParseEvent(frame, r.chatID)
		if !ok {
			r.logger.Debug("skipping socket frame", zap.String("type", str(frame, "type", "event", "op")))
			continue
		}
		return ev, nil
	}
}

func (r *socketReceiver) Close() error {
	r.cancel()
	return r.conn.Close(websocket.StatusNormalClosure, "bye")
}
