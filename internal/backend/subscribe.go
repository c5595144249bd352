package backend

import (
	"context"
	"errors"
	"io"

	"github.com/matheus3301/yarsha/internal/rpc"
	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/stream"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Open subscribes to a server-streaming feed of the given kind.
func (c *Client) Open(ctx context.Context, sc session.Context, kind stream.Kind, params stream.Params) (stream.Receiver, error) {
	ctx, cancel := context.WithCancel(ctx)
	cs, err := c.conn.NewStream(withSession(ctx, sc), subscribeDesc, methodSubscribe)
	if err != nil {
		cancel()
		return nil, wrap("subscribe", err)
	}
	req, err := rpc.Encode(map[string]any{"kind": string(kind), "chatId": params.ChatID})
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "subscribe", Err: err}
	}
	if err := cs.SendMsg(req); err != nil {
		cancel()
		return nil, wrap("subscribe", err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, wrap("subscribe", err)
	}
	return &grpcReceiver{
		cs:     cs,
		cancel: cancel,
		chatID: params.ChatID,
		logger: c.logger.With(zap.String("stream", stream.Key(kind, params))),
	}, nil
}

type grpcReceiver struct {
	cs     grpc.ClientStream
	cancel context.CancelFunc
	chatID string
	logger *zap.Logger
}

// Recv returns the next typed event. Frames of unknown type are skipped.
func (r *grpcReceiver) Recv() (stream.Event, error) {
	for {
		frame := &structpb.Struct{}
		if err := r.cs.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return stream.Event{}, io.EOF
			}
			return stream.Event{}, wrap("stream", err)
		}
		data, err := rpc.Decode(frame)
		if err != nil {
			return stream.Event{}, &TransportError{Op: "stream", Err: err}
		}
		ev, ok := ParseEvent(data, r.chatID)
		if !ok {
			r.logger.Debug("skipping stream frame", zap.String("type", str(data, "type", "event", "op")))
			continue
		}
		return ev, nil
	}
}

func (r *grpcReceiver) Close() error {
	r.cancel()
	return nil
}
