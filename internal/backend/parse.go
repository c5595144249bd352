package backend

import (
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/yarsha/internal/store"
	"github.com/tidwall/gjson"
)

// first returns the first of paths that exists in r.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func str(r gjson.Result, paths ...string) string {
	v := first(r, paths...)
	if v.Type == gjson.JSON {
		return ""
	}
	return v.String()
}

func boolean(r gjson.Result, paths ...string) bool {
	return first(r, paths...).Bool()
}

// millis normalizes a timestamp to unix milliseconds. Numbers below 1e12
// are taken as seconds; strings may be numeric or RFC 3339.
func millis(r gjson.Result, paths ...string) int64 {
	v := first(r, paths...)
	switch v.Type {
	case gjson.Number:
		return numberMillis(v.Float())
	case gjson.String:
		if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
			return numberMillis(f)
		}
		if t, err := time.Parse(time.RFC3339Nano, v.Str); err == nil {
			return t.UnixMilli()
		}
	}
	return 0
}

func numberMillis(f float64) int64 {
	if f <= 0 {
		return 0
	}
	if f < 1e12 {
		return int64(f * 1000)
	}
	return int64(f)
}

// ParseChat normalizes one chat record. ok is false when the record has no
// id.
func ParseChat(r gjson.Result) (store.Chat, bool) {
	c := store.Chat{
		GroupID:             str(r, "groupId", "_id", "id", "chatId"),
		GroupName:           str(r, "groupName", "name", "title"),
		GroupIcon:           str(r, "groupIcon", "icon", "avatar"),
		Type:                chatType(r),
		BackgroundColor:     str(r, "backgroundColor", "color"),
		IsPinned:            boolean(r, "isPinned", "pinned"),
		PinnedAt:            millis(r, "pinnedAt"),
		IsMuted:             boolean(r, "isMuted", "muted"),
		IsIndividualBotChat: boolean(r, "isIndividualBotChat", "isBotChat"),
		MessageCount:        first(r, "messageCount", "totalMessages").Int(),
		UpdatedAt:           millis(r, "updatedAt", "lastActivityAt"),
		ParticipantIDs:      participantIDs(first(r, "participantIds", "participants", "members")),
	}
	if lm := first(r, "lastMessage", "latestMessage"); lm.IsObject() {
		c.LastMessage = &store.LastMessage{
			MessageID: str(lm, "messageId", "_id", "id"),
			SenderID:  senderID(lm),
			Content:   str(lm, "content", "text", "message"),
			Type:      messageType(str(lm, "type")),
			CreatedAt: millis(lm, "createdAt", "timestamp"),
		}
	}
	return c, c.GroupID != ""
}

func chatType(r gjson.Result) store.ChatType {
	switch strings.ToLower(str(r, "type", "chatType", "groupType")) {
	case "group":
		return store.ChatGroup
	case "community":
		return store.ChatCommunity
	case "individual", "direct", "dm":
		return store.ChatIndividual
	}
	if boolean(r, "isGroup") {
		return store.ChatGroup
	}
	return store.ChatIndividual
}

func participantIDs(r gjson.Result) []string {
	ids := []string{}
	r.ForEach(func(_, v gjson.Result) bool {
		id := v.String()
		if v.IsObject() {
			id = str(v, "id", "_id", "userId")
		}
		if id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

func senderID(r gjson.Result) string {
	s := first(r, "senderId", "sender", "from", "userId")
	if s.IsObject() {
		return str(s, "id", "_id", "userId")
	}
	return s.String()
}

func messageType(s string) store.MessageType {
	switch t := store.MessageType(strings.ToLower(s)); t {
	case store.TypeText, store.TypeImage, store.TypeVideo, store.TypeFile, store.TypeGIF, store.TypeTransaction:
		return t
	}
	return ""
}

// ParseMessage normalizes one message record. ok is false when the record
// carries no id at all.
func ParseMessage(r gjson.Result) (store.Message, bool) {
	m := store.Message{
		LocalID:   str(r, "localId", "clientId", "tempId"),
		ServerID:  str(r, "serverId", "_id"),
		MessageID: str(r, "messageId", "id"),
		ChatID:    str(r, "chatId", "groupId", "group._id", "group.id"),
		SenderID:  senderID(r),
		Content:   str(r, "content", "text", "message", "body"),
		CreatedAt: millis(r, "createdAt", "timestamp", "sentAt"),
		UpdatedAt: millis(r, "updatedAt", "editedAt"),
		Type:      messageType(str(r, "type", "messageType")),
		ReplyTo:   replyTo(r),
		IsPinned:  boolean(r, "isPinned", "pinned"),
		Status:    messageStatus(str(r, "status")),
		Automated: boolean(r, "automated", "isAutomated"),
	}
	first(r, "multimedia", "media", "attachments").ForEach(func(_, v gjson.Result) bool {
		m.Multimedia = append(m.Multimedia, store.Media{
			FilePath: str(v, "filePath", "key", "path"),
			URL:      str(v, "url", "readUrl", "fileUrl"),
			MimeType: str(v, "mimeType", "mimetype", "contentType"),
			Size:     first(v, "size", "fileSize").Int(),
		})
		return true
	})
	if tx := first(r, "transaction", "payment"); tx.IsObject() {
		m.Transaction = &store.Transaction{
			Signature: str(tx, "signature", "txHash"),
			Recipient: str(tx, "recipient", "to", "recipientAddress"),
			Amount:    str(tx, "amount"),
			Token:     str(tx, "token", "currency"),
		}
	}
	m.Reactions = ParseReactions(first(r, "reactions"))
	return m, m.LocalID != "" || m.ServerID != "" || m.MessageID != ""
}

func replyTo(r gjson.Result) string {
	v := first(r, "replyTo", "replyToId", "parentId")
	if v.IsObject() {
		return str(v, "messageId", "_id", "id")
	}
	return v.String()
}

func messageStatus(s string) store.MessageStatus {
	switch strings.ToLower(s) {
	case "pending", "sending", "queued":
		return store.StatusPending
	case "sent", "delivered", "read", "seen":
		return store.StatusSent
	case "failed", "error":
		return store.StatusFailed
	}
	return ""
}

// ParseReactions normalizes a reaction array. A nil result means the field
// was absent.
func ParseReactions(r gjson.Result) []store.Reaction {
	if !r.IsArray() {
		return nil
	}
	out := []store.Reaction{}
	r.ForEach(func(_, v gjson.Result) bool {
		userID := str(v, "userId", "user._id", "user.id", "user")
		emoji := str(v, "emoji", "reaction", "value")
		if userID != "" && emoji != "" {
			out = append(out, store.Reaction{UserID: userID, Emoji: emoji, CreatedAt: millis(v, "createdAt")})
		}
		return true
	})
	return out
}

// ParseParticipant normalizes one participant of chatID.
func ParseParticipant(chatID string, r gjson.Result) (store.Participant, bool) {
	if r.Type == gjson.String {
		return store.Participant{ChatID: chatID, ID: r.Str, Role: store.RoleMember, Status: store.Offline}, r.Str != ""
	}
	p := store.Participant{
		ChatID:          chatID,
		ID:              str(r, "id", "_id", "userId"),
		Username:        str(r, "username", "userName", "handle"),
		FullName:        str(r, "fullName", "name", "displayName"),
		ProfilePicture:  str(r, "profilePicture", "avatar", "picture"),
		Role:            role(str(r, "role")),
		BackgroundColor: str(r, "backgroundColor", "color"),
		LastActive:      millis(r, "lastActive", "lastSeen"),
		Address:         str(r, "address", "walletAddress"),
		Status:          store.Offline,
	}
	if strings.EqualFold(str(r, "status"), string(store.Online)) || boolean(r, "isOnline") {
		p.Status = store.Online
	}
	return p, p.ID != ""
}

func role(s string) store.Role {
	switch store.Role(strings.ToLower(s)) {
	case store.RoleCreator, "owner":
		return store.RoleCreator
	case store.RoleAdmin:
		return store.RoleAdmin
	}
	return store.RoleMember
}

// ParseSeen normalizes one seen marker. chatID fills records that omit it.
func ParseSeen(chatID string, r gjson.Result) (store.SeenDetail, bool) {
	s := store.SeenDetail{
		ChatID:        str(r, "chatId", "groupId"),
		ParticipantID: str(r, "participantId", "userId", "user"),
		SeenCount:     first(r, "seenCount", "count").Int(),
		Timestamp:     millis(r, "timestamp", "seenAt", "updatedAt"),
	}
	if s.ChatID == "" {
		s.ChatID = chatID
	}
	return s, s.ChatID != "" && s.ParticipantID != ""
}

func parseChats(r gjson.Result) []store.Chat {
	var out []store.Chat
	r.ForEach(func(_, v gjson.Result) bool {
		if c, ok := ParseChat(v); ok {
			out = append(out, c)
		}
		return true
	})
	return out
}

func parseMessages(chatID string, r gjson.Result) []store.Message {
	var out []store.Message
	r.ForEach(func(_, v gjson.Result) bool {
		if m, ok := ParseMessage(v); ok {
			if m.ChatID == "" {
				m.ChatID = chatID
			}
			out = append(out, m)
		}
		return true
	})
	return out
}

func parseParticipants(chatID string, r gjson.Result) []store.Participant {
	out := []store.Participant{}
	r.ForEach(func(_, v gjson.Result) bool {
		if p, ok := ParseParticipant(chatID, v); ok {
			out = append(out, p)
		}
		return true
	})
	return out
}

func parseSeen(chatID string, r gjson.Result) []store.SeenDetail {
	var out []store.SeenDetail
	r.ForEach(func(_, v gjson.Result) bool {
		if s, ok := ParseSeen(chatID, v); ok {
			out = append(out, s)
		}
		return true
	})
	return out
}
