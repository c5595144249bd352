package store

// ChatType distinguishes conversation kinds.
type ChatType string

const (
	ChatIndividual ChatType = "individual"
	ChatGroup      ChatType = "group"
	ChatCommunity  ChatType = "community"
)

// MessageType is the render classification of a message.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeVideo       MessageType = "video"
	TypeFile        MessageType = "file"
	TypeGIF         MessageType = "gif"
	TypeTransaction MessageType = "transaction"
)

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Role of a participant inside a chat.
type Role string

const (
	RoleMember  Role = "member"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// Presence of a participant.
type Presence string

const (
	Online  Presence = "online"
	Offline Presence = "offline"
)

// LastMessage is the summary embedded in a chat row.
type LastMessage struct {
	MessageID string      `json:"messageId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt int64       `json:"createdAt"`
}

// Chat represents one conversation.
type Chat struct {
	GroupID             string
	GroupName           string
	GroupIcon           string
	Type                ChatType
	ParticipantIDs      []string
	BackgroundColor     string
	IsPinned            bool
	PinnedAt            int64
	IsMuted             bool
	IsIndividualBotChat bool
	LastMessage         *LastMessage
	MessageCount        int64
	UpdatedAt           int64
}

// Media describes one attachment of a message.
type Media struct {
	FilePath string `json:"filePath"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size,omitempty"`
}

// Transaction is the payment payload carried by a transaction message.
type Transaction struct {
	Signature string `json:"signature"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Token     string `json:"token,omitempty"`
}

// Reaction is one user's reaction to a message.
type Reaction struct {
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// Message is one chat message. LocalID is the row key; MessageID is the
// logical id shared by every delivery path.
type Message struct {
	LocalID     string
	ServerID    string
	MessageID   string
	ChatID      string
	SenderID    string
	Content     string
	CreatedAt   int64
	UpdatedAt   int64
	Type        MessageType
	Multimedia  []Media
	Transaction *Transaction
	ReplyTo     string
	Reactions   []Reaction
	IsPinned    bool
	Status      MessageStatus
	Automated   bool
}

// Identity returns the logical identity used for de-duplication.
func (m *Message) Identity() string {
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.LocalID
}

// Participant is the per-chat snapshot of a user.
type Participant struct {
	ChatID          string
	ID              string
	Username        string
	FullName        string
	ProfilePicture  string
	Role            Role
	BackgroundColor string
	LastActive      int64
	Address         string
	Status          Presence
}

// SeenDetail is the last seen marker of one participant in one chat.
type SeenDetail struct {
	ChatID        string
	ParticipantID string
	SeenCount     int64
	Timestamp     int64
}

// Key returns the composite key chatId_participantId.
func (s SeenDetail) Key() string {
	return SeenKey(s.ChatID, s.ParticipantID)
}

// SeenKey builds the composite seen_details key.
func SeenKey(chatID, participantID string) string {
	return chatID + "_" + participantID
}

// PaginationCursor is the singleton cursor of one paginated list.
type PaginationCursor struct {
	ListKind    string
	CurrentPage int
	TotalPages  int
}

// HasMore reports whether another page can be requested.
func (c PaginationCursor) HasMore() bool {
	return c.CurrentPage < c.TotalPages
}

// ChatListKind is the cursor key of the top-level chat list.
const ChatListKind = "chat-list"

// MutationStatus is the journal state of a user-initiated action.
type MutationStatus string

const (
	MutationPending   MutationStatus = "pending"
	MutationConfirmed MutationStatus = "confirmed"
	MutationFailed    MutationStatus = "failed"
	MutationReverted  MutationStatus = "reverted"
)

// Mutation is a journal entry for an optimistic write.
type Mutation struct {
	ID           string
	Action       string
	ChatID       string
	Target       string
	Payload      string // JSON
	Undo         string // JSON, empty when not revertible
	Status       MutationStatus
	ErrorMessage string
	CreatedAt    int64
	UpdatedAt    int64
}

// SearchResult holds a message matched by content search.
type SearchResult struct {
	Message  Message
	ChatName string
}
