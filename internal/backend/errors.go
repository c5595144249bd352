package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/yarsha/internal/auth"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TransportError is any failure talking to the backend: the service was
// unreachable, rejected the call, or answered with something unusable.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Code returns the gRPC status code of the failure, or codes.Unknown.
func (e *TransportError) Code() codes.Code {
	if s, ok := status.FromError(e.Err); ok {
		return s.Code()
	}
	return codes.Unknown
}

// Temporary reports whether retrying the call may succeed.
func (e *TransportError) Temporary() bool {
	switch e.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// wrap classifies err. Unauthenticated responses carry
// auth.ErrUnauthenticated in their chain so callers can trigger a login.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.Unauthenticated {
		err = fmt.Errorf("%w: %w", auth.ErrUnauthenticated, err)
	}
	return &TransportError{Op: op, Err: err}
}
