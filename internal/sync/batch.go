package sync

import "github.com/matheus3301/yarsha/internal/store"

// Mode selects how absence in a batch is interpreted.
type Mode int

const (
	// Incremental upserts only; nothing is deleted because it is missing.
	Incremental Mode = iota
	// FullSync treats the batch's chats as the complete list and deletes
	// every stored chat it does not name.
	FullSync
)

func (m Mode) String() string {
	if m == FullSync {
		return "full-sync"
	}
	return "incremental"
}

// Source names the producer of a batch, for logs and metrics.
type Source string

const (
	SourceFetch    Source = "fetch"
	SourceStream   Source = "stream"
	SourceMutation Source = "mutation"
)

// Batch is a normalized set of remote records plus field-level patches.
// Every write to the store goes through Reconciler.Apply with a Batch.
type Batch struct {
	Source Source
	Mode   Mode

	Chats        []store.Chat
	DeleteChats  []string
	Messages     []store.Message
	Acks         []AckPatch
	Statuses     []StatusPatch
	Pins         []PinPatch
	Reactions    []ReactionPatch
	ChatFlags    []ChatFlagPatch
	Participants []ParticipantsPatch
	Seen         []store.SeenDetail
	Cursor       *store.PaginationCursor
}

// Empty reports whether the batch carries nothing to apply.
func (b *Batch) Empty() bool {
	return len(b.Chats) == 0 && len(b.DeleteChats) == 0 && len(b.Messages) == 0 &&
		len(b.Acks) == 0 && len(b.Statuses) == 0 && len(b.Pins) == 0 &&
		len(b.Reactions) == 0 && len(b.ChatFlags) == 0 && len(b.Participants) == 0 &&
		len(b.Seen) == 0 && b.Cursor == nil && b.Mode != FullSync
}

// PinPatch flips is_pinned on one message. MessageRef may be the logical,
// server, or local id.
type PinPatch struct {
	MessageRef string
	Pinned     bool
}

// ReactionPatch replaces the reaction list of one message.
type ReactionPatch struct {
	MessageRef string
	Reactions  []store.Reaction
}

// AckPatch confirms an optimistic message: the server id is recorded and
// the status becomes sent. Content is never touched.
type AckPatch struct {
	LocalID   string
	ServerID  string
	MessageID string
}

// StatusPatch moves a message to a new delivery status.
type StatusPatch struct {
	MessageRef string
	Status     store.MessageStatus
}

// ChatFlagPatch changes pin or mute flags of a chat. Nil fields are left
// untouched.
type ChatFlagPatch struct {
	ChatID   string
	Pinned   *bool
	PinnedAt int64
	Muted    *bool
}

// ParticipantsPatch changes the participant list of one chat. With Replace
// set the stored list becomes exactly Upsert; otherwise Upsert is merged in
// and Remove is dropped.
type ParticipantsPatch struct {
	ChatID  string
	Replace bool
	Upsert  []store.Participant
	Remove  []string
}

// Result reports what an Apply wrote.
type Result struct {
	ChatsUpserted    []string
	ChatsDeleted     []string
	ChatsUnchanged   int
	MessagesInserted []string
	MessagesUpdated  []string
	MessagesMerged   []string
	MessagesSkipped  int
	PatchesApplied   int
	PatchesMissed    int
	SeenWritten      int
	ParticipantsSet  int
	CursorReplaced   bool

	messageChats map[string]map[string]struct{}
}

func (r *Result) touchMessage(chatID, localID string) {
	if r.messageChats == nil {
		r.messageChats = make(map[string]map[string]struct{})
	}
	if r.messageChats[chatID] == nil {
		r.messageChats[chatID] = make(map[string]struct{})
	}
	r.messageChats[chatID][localID] = struct{}{}
}
