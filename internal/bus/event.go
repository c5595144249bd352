package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "store." receives every store change.
const (
	ChatsChanged        = "store.chats_changed"
	MessagesChanged     = "store.messages_changed"
	SeenChanged         = "store.seen_changed"
	ParticipantsChanged = "store.participants_changed"
	CursorChanged       = "store.cursor_changed"

	StreamStatusChanged = "stream.status_changed"
	StreamDisconnected  = "stream.disconnected"

	MutationConfirmed = "mutation.confirmed"
	MutationFailed    = "mutation.failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ChatChange is the payload of ChatsChanged.
type ChatChange struct {
	Upserted []string
	Deleted  []string
}

// MessageChange is the payload of MessagesChanged. IDs are local ids.
type MessageChange struct {
	ChatID   string
	Inserted []string
	Updated  []string
}

// StreamChange is the payload of the stream.* kinds.
type StreamChange struct {
	Key   string
	State string
	Err   error
}

// MutationResult is the payload of the mutation.* kinds.
type MutationResult struct {
	MutationID string
	Action     string
	ChatID     string
	Err        error
}
