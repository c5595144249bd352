package session

import "context"

// DeviceInfo identifies the client installation to the backend.
type DeviceInfo struct {
	ID         string
	Platform   string
	AppVersion string
}

// Context carries the credentials of the signed-in user into every remote
// call. It is passed explicitly instead of living in a global.
type Context struct {
	Token  string
	UserID string
	Device DeviceInfo
}

// Valid reports whether the context carries a bearer token.
func (c Context) Valid() bool {
	return c.Token != ""
}

// Provider supplies the current session context on demand.
type Provider interface {
	Current(ctx context.Context) (Context, error)
}
