package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/yarsha/internal/session"
)

var (
	// ErrUnauthenticated means no usable credential is available.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrTokenExpired is returned for a token whose exp claim has passed.
	ErrTokenExpired = fmt.Errorf("token expired: %w", ErrUnauthenticated)
)

// FileProvider reads the bearer token from a file on every call, so an
// external login flow can rotate it without restarting the daemon.
type FileProvider struct {
	path   string
	device session.DeviceInfo
	now    func() time.Time
}

// NewFileProvider creates a provider for the token stored at path.
func NewFileProvider(path string, device session.DeviceInfo) *FileProvider {
	return &FileProvider{path: path, device: device, now: time.Now}
}

// Current returns the session context for the stored token.
func (p *FileProvider) Current(ctx context.Context) (session.Context, error) {
	if err := ctx.Err(); err != nil {
		return session.Context{}, err
	}
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return session.Context{}, fmt.Errorf("token file %s: %w", p.path, ErrUnauthenticated)
	}
	if err != nil {
		return session.Context{}, fmt.Errorf("read token file: %w", err)
	}
	return p.contextFor(strings.TrimSpace(string(data)))
}

func (p *FileProvider) contextFor(token string) (session.Context, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return session.Context{}, ErrUnauthenticated
	}
	claims, ok := Inspect(token)
	if ok {
		if claims.Expiry != nil && !claims.Expiry.After(p.now()) {
			return session.Context{}, ErrTokenExpired
		}
	}
	return session.Context{Token: token, UserID: claims.Subject, Device: p.device}, nil
}

// Claims are the fields of a JWT bearer token the client cares about.
type Claims struct {
	Subject string
	Expiry  *time.Time
}

// Inspect decodes a JWT without verifying its signature; the backend is
// the one that verifies. ok is false for tokens that are not JWTs, which
// are then treated as opaque.
func Inspect(token string) (Claims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Claims{}, false
	}
	var out Claims
	out.Subject, _ = claims.GetSubject()
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		t := exp.Time
		out.Expiry = &t
	}
	return out, true
}

// StaticProvider always returns the same context. Used by tests and by
// yarshactl when a token is passed on the command line.
type StaticProvider struct {
	Context session.Context
}

func (p StaticProvider) Current(ctx context.Context) (session.Context, error) {
	if !p.Context.Valid() {
		return session.Context{}, ErrUnauthenticated
	}
	return p.Context, nil
}
