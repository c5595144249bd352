package mutation

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/yarsha/internal/session"
	"github.com/matheus3301/yarsha/internal/store"
)

// Kind names a user-initiated remote action.
type Kind string

const (
	PinChat            Kind = "pin-chat"
	UnpinChat          Kind = "unpin-chat"
	MuteChat           Kind = "mute-chat"
	UnmuteChat         Kind = "unmute-chat"
	DeleteChat         Kind = "delete-chat"
	PinMessage         Kind = "pin-message"
	UnpinMessage       Kind = "unpin-message"
	ReactToMessage     Kind = "react"
	SendMessage        Kind = "send-message"
	AddParticipants    Kind = "add-participants"
	RemoveParticipants Kind = "remove-participants"
	MarkSeen           Kind = "mark-seen"
)

// Action is one remote call. Payload must be JSON encodable.
type Action struct {
	Kind    Kind
	ChatID  string
	Target  string
	Payload map[string]any
}

// Result is the authoritative response of an action. Every field is
// optional; whatever the server returns is reconciled over the optimistic
// write.
type Result struct {
	Chat         *store.Chat
	Message      *store.Message
	Participants []store.Participant
	Seen         []store.SeenDetail
	Reactions    []store.Reaction
}

// Remote performs actions against the backend.
type Remote interface {
	Do(ctx context.Context, sc session.Context, a Action) (*Result, error)
}

// File is a local attachment handed to an Uploader.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
}

// Uploader stores an attachment and returns where it can be read from.
type Uploader interface {
	Upload(ctx context.Context, f File) (store.Media, error)
}

// Payer signs a payment and returns its signature.
type Payer interface {
	Pay(ctx context.Context, sc session.Context, recipient, amount, token string) (string, error)
}

var (
	ErrUploadsDisabled  = errors.New("mutation: no uploader configured")
	ErrPaymentsDisabled = errors.New("mutation: no payer configured")
	ErrNotRevertible    = errors.New("mutation: action cannot be reverted")
)

// NotConfirmedError is returned when the remote call of an action failed
// after its optimistic write was applied. Local is the local state the
// write left behind; the caller decides whether to Revert or retry.
type NotConfirmedError struct {
	Action     Kind
	MutationID string
	Local      any
	Err        error
}

func (e *NotConfirmedError) Error() string {
	return fmt.Sprintf("%s %s not confirmed: %v", e.Action, e.MutationID, e.Err)
}

func (e *NotConfirmedError) Unwrap() error { return e.Err }
