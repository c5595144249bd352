package backend

import (
	"strings"

	"github.com/matheus3301/yarsha/internal/store"
	"github.com/matheus3301/yarsha/internal/stream"
	ysync "github.com/matheus3301/yarsha/internal/sync"
	"github.com/tidwall/gjson"
)

var eventAliases = map[string]stream.EventType{
	"message":            stream.EventMessage,
	"new-message":        stream.EventMessage,
	"message-created":    stream.EventMessage,
	"pinned":             stream.EventPinned,
	"message-pinned":     stream.EventPinned,
	"unpinned":           stream.EventUnpinned,
	"message-unpinned":   stream.EventUnpinned,
	"reaction":           stream.EventReaction,
	"reactions":          stream.EventReaction,
	"seen-update":        stream.EventSeen,
	"seen":               stream.EventSeen,
	"participant-joined": stream.EventParticipantJoined,
	"participants-added": stream.EventParticipantJoined,
	"group-created":      stream.EventGroupCreated,
	"chat-created":       stream.EventGroupCreated,
	"chat-list":          stream.EventChatList,
	"group-list":         stream.EventChatList,
	"groups":             stream.EventChatList,
	"message-status":     stream.EventMessageStatus,
	"ack":                stream.EventMessageStatus,
	"chat-updated":       stream.EventChatUpdated,
	"group-updated":      stream.EventChatUpdated,
}

// ParseEvent turns one raw stream frame into a typed event carrying the
// minimal batch it implies. chatID scopes frames of a per-chat stream that
// omit it. ok is false for frames of unknown type or without usable data.
func ParseEvent(frame gjson.Result, chatID string) (stream.Event, bool) {
	name := strings.ToLower(str(frame, "type", "event", "op"))
	typ, known := eventAliases[name]
	if !known {
		return stream.Event{}, false
	}
	data := first(frame, "data", "payload")
	if !data.Exists() {
		data = frame
	}
	if id := str(data, "chatId", "groupId"); id != "" && typ != stream.EventChatList {
		chatID = id
	}

	ev := stream.Event{Type: typ}
	b := &ev.Batch
	switch typ {
	case stream.EventMessage:
		msgs := first(data, "messages")
		if !msgs.Exists() {
			raw := first(data, "message")
			if !raw.Exists() {
				raw = data
			}
			msgs = gjson.Parse("[" + raw.Raw + "]")
		}
		b.Messages = parseMessages(chatID, msgs)
	case stream.EventPinned, stream.EventUnpinned:
		ref := messageRef(data)
		if ref == "" {
			return stream.Event{}, false
		}
		b.Pins = []ysync.PinPatch{{MessageRef: ref, Pinned: typ == stream.EventPinned}}
	case stream.EventReaction:
		ref := messageRef(data)
		reactions := ParseReactions(first(data, "reactions"))
		if ref == "" || reactions == nil {
			return stream.Event{}, false
		}
		b.Reactions = []ysync.ReactionPatch{{MessageRef: ref, Reactions: reactions}}
	case stream.EventSeen:
		if list := first(data, "seenDetails", "seen"); list.IsArray() {
			b.Seen = parseSeen(chatID, list)
		} else if s, ok := ParseSeen(chatID, data); ok {
			b.Seen = []store.SeenDetail{s}
		}
	case stream.EventParticipantJoined:
		list := first(data, "participants", "members")
		if !list.Exists() {
			if p := first(data, "participant", "user"); p.Exists() {
				list = gjson.Parse("[" + p.Raw + "]")
			}
		}
		ps := parseParticipants(chatID, list)
		if chatID == "" || len(ps) == 0 {
			return stream.Event{}, false
		}
		b.Participants = []ysync.ParticipantsPatch{{ChatID: chatID, Upsert: ps}}
	case stream.EventGroupCreated:
		raw := first(data, "group", "chat")
		if !raw.Exists() {
			raw = data
		}
		c, ok := ParseChat(raw)
		if !ok {
			return stream.Event{}, false
		}
		b.Chats = []store.Chat{c}
		if list := first(raw, "participants", "members"); list.IsArray() {
			b.Participants = []ysync.ParticipantsPatch{{ChatID: c.GroupID, Replace: true, Upsert: parseParticipants(c.GroupID, list)}}
		}
	case stream.EventChatList:
		list := first(data, "groups", "chats")
		if !list.Exists() && data.IsArray() {
			list = data
		}
		// A snapshot deletes every chat it omits, so only a real list counts.
		if !list.IsArray() {
			return stream.Event{}, false
		}
		b.Chats = parseChats(list)
		if len(b.Chats) == 0 && len(list.Array()) > 0 {
			return stream.Event{}, false
		}
		b.Seen = parseSeen("", first(data, "seenDetails"))
	case stream.EventMessageStatus:
		localID := str(data, "localId", "clientId", "tempId")
		status := messageStatus(str(data, "status"))
		if status == "" {
			status = store.StatusSent
		}
		if localID != "" && status == store.StatusSent {
			b.Acks = []ysync.AckPatch{{
				LocalID:   localID,
				ServerID:  str(data, "serverId", "_id"),
				MessageID: str(data, "messageId", "id"),
			}}
			break
		}
		ref := localID
		if ref == "" {
			ref = messageRef(data)
		}
		if ref == "" {
			return stream.Event{}, false
		}
		b.Statuses = []ysync.StatusPatch{{MessageRef: ref, Status: status}}
	case stream.EventChatUpdated:
		if chatID == "" {
			return stream.Event{}, false
		}
		p := ysync.ChatFlagPatch{ChatID: chatID}
		if v := first(data, "isPinned", "pinned"); v.Exists() {
			pinned := v.Bool()
			p.Pinned = &pinned
			p.PinnedAt = millis(data, "pinnedAt")
		}
		if v := first(data, "isMuted", "muted"); v.Exists() {
			muted := v.Bool()
			p.Muted = &muted
		}
		if p.Pinned == nil && p.Muted == nil {
			return stream.Event{}, false
		}
		b.ChatFlags = []ysync.ChatFlagPatch{p}
	}
	return ev, !ev.Batch.Empty() || typ == stream.EventChatList
}

func messageRef(r gjson.Result) string {
	return str(r, "messageId", "serverId", "_id", "id", "localId")
}
