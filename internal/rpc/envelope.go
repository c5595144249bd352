// Package rpc carries schemaless gRPC calls. Requests and responses are
// google.protobuf.Struct envelopes built from any JSON encodable value and
// read back through gjson, so neither side needs generated stubs.
package rpc

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode turns v into a Struct. v must encode as a JSON object.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Decode exposes a Struct for gjson probing.
func Decode(s *structpb.Struct) (gjson.Result, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(data), nil
}

// Invoke performs one unary call with Struct envelopes.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, method string, req any) (gjson.Result, error) {
	in, err := Encode(req)
	if err != nil {
		return gjson.Result{}, err
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, method, in, out); err != nil {
		return gjson.Result{}, err
	}
	return Decode(out)
}

// Handler serves one unary method. The returned value is encoded as the
// response envelope.
type Handler func(ctx context.Context, req gjson.Result) (any, error)

// Unary adapts h into a method of a hand-written grpc.ServiceDesc.
func Unary(name string, h Handler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				r, err := Decode(req.(*structpb.Struct))
				if err != nil {
					return nil, err
				}
				out, err := h(ctx, r)
				if err != nil {
					return nil, err
				}
				return Encode(out)
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{FullMethod: name}, call)
		},
	}
}
