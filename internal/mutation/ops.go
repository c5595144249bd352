package mutation

import (
	"context"
	"slices"

	"github.com/matheus3301/yarsha/internal/store"
	ysync "github.com/matheus3301/yarsha/internal/sync"
)

// PinChat pins a chat. The server's pin timestamp replaces the local one.
func (g *Gateway) PinChat(ctx context.Context, chatID string) error {
	return g.setChatPinned(ctx, chatID, true)
}

// UnpinChat unpins a chat.
func (g *Gateway) UnpinChat(ctx context.Context, chatID string) error {
	return g.setChatPinned(ctx, chatID, false)
}

func (g *Gateway) setChatPinned(ctx context.Context, chatID string, pinned bool) error {
	prev, err := g.chat(chatID)
	if err != nil {
		return err
	}
	kind := UnpinChat
	var pinnedAt int64
	if pinned {
		kind = PinChat
		pinnedAt = g.now().UnixMilli()
	}
	return g.run(ctx, op{
		action: Action{Kind: kind, ChatID: chatID, Target: chatID},
		optimistic: ysync.Batch{ChatFlags: []ysync.ChatFlagPatch{
			{ChatID: chatID, Pinned: &pinned, PinnedAt: pinnedAt},
		}},
		undo: &ysync.Batch{ChatFlags: []ysync.ChatFlagPatch{
			{ChatID: chatID, Pinned: &prev.IsPinned, PinnedAt: prev.PinnedAt},
		}},
		confirm: confirmChat,
		local:   pinned,
	})
}

// MuteChat mutes a chat.
func (g *Gateway) MuteChat(ctx context.Context, chatID string) error {
	return g.setChatMuted(ctx, chatID, true)
}

// UnmuteChat unmutes a chat.
func (g *Gateway) UnmuteChat(ctx context.Context, chatID string) error {
	return g.setChatMuted(ctx, chatID, false)
}

func (g *Gateway) setChatMuted(ctx context.Context, chatID string, muted bool) error {
	prev, err := g.chat(chatID)
	if err != nil {
		return err
	}
	kind := UnmuteChat
	if muted {
		kind = MuteChat
	}
	return g.run(ctx, op{
		action: Action{Kind: kind, ChatID: chatID, Target: chatID},
		optimistic: ysync.Batch{ChatFlags: []ysync.ChatFlagPatch{
			{ChatID: chatID, Muted: &muted},
		}},
		undo: &ysync.Batch{ChatFlags: []ysync.ChatFlagPatch{
			{ChatID: chatID, Muted: &prev.IsMuted},
		}},
		confirm: confirmChat,
		local:   muted,
	})
}

// DeleteChat removes a chat and everything it owns. The delete cannot be
// reverted locally; the next chat list fetch restores a chat the server
// kept.
func (g *Gateway) DeleteChat(ctx context.Context, chatID string) error {
	if _, err := g.chat(chatID); err != nil {
		return err
	}
	return g.run(ctx, op{
		action:     Action{Kind: DeleteChat, ChatID: chatID, Target: chatID},
		optimistic: ysync.Batch{DeleteChats: []string{chatID}},
	})
}

// PinMessage pins one message. ref may be any of the message's ids.
func (g *Gateway) PinMessage(ctx context.Context, ref string) error {
	return g.setMessagePinned(ctx, ref, true)
}

// UnpinMessage unpins one message.
func (g *Gateway) UnpinMessage(ctx context.Context, ref string) error {
	return g.setMessagePinned(ctx, ref, false)
}

func (g *Gateway) setMessagePinned(ctx context.Context, ref string, pinned bool) error {
	prev, err := g.message(ctx, ref)
	if err != nil {
		return err
	}
	kind := UnpinMessage
	if pinned {
		kind = PinMessage
	}
	return g.run(ctx, op{
		action: Action{
			Kind:    kind,
			ChatID:  prev.ChatID,
			Target:  remoteID(prev),
			Payload: map[string]any{"messageId": remoteID(prev)},
		},
		optimistic: ysync.Batch{Pins: []ysync.PinPatch{{MessageRef: prev.LocalID, Pinned: pinned}}},
		undo:       &ysync.Batch{Pins: []ysync.PinPatch{{MessageRef: prev.LocalID, Pinned: prev.IsPinned}}},
		confirm:    confirmMessage(prev.LocalID, prev.ChatID),
		local:      pinned,
	})
}

// ReactToMessage sets the current user's reaction on a message. An empty
// emoji removes it.
func (g *Gateway) ReactToMessage(ctx context.Context, ref, emoji string) error {
	prev, err := g.message(ctx, ref)
	if err != nil {
		return err
	}
	sc, err := g.creds.Current(ctx)
	if err != nil {
		return err
	}
	reactions := make([]store.Reaction, 0, len(prev.Reactions)+1)
	for _, r := range prev.Reactions {
		if r.UserID != sc.UserID {
			reactions = append(reactions, r)
		}
	}
	if emoji != "" {
		reactions = append(reactions, store.Reaction{UserID: sc.UserID, Emoji: emoji, CreatedAt: g.now().UnixMilli()})
	}
	return g.run(ctx, op{
		action: Action{
			Kind:    ReactToMessage,
			ChatID:  prev.ChatID,
			Target:  remoteID(prev),
			Payload: map[string]any{"messageId": remoteID(prev), "emoji": emoji},
		},
		optimistic: ysync.Batch{Reactions: []ysync.ReactionPatch{{MessageRef: prev.LocalID, Reactions: reactions}}},
		undo:       &ysync.Batch{Reactions: []ysync.ReactionPatch{{MessageRef: prev.LocalID, Reactions: prev.Reactions}}},
		confirm: func(res *Result) ysync.Batch {
			b := confirmMessage(prev.LocalID, prev.ChatID)(res)
			if res.Reactions != nil {
				b.Reactions = []ysync.ReactionPatch{{MessageRef: prev.LocalID, Reactions: res.Reactions}}
			}
			return b
		},
		local: reactions,
	})
}

// AddParticipants adds members to a group chat.
func (g *Gateway) AddParticipants(ctx context.Context, chatID string, userIDs []string) error {
	prev, err := g.db.Participants(chatID)
	if err != nil {
		return err
	}
	if _, err := g.chat(chatID); err != nil {
		return err
	}
	added := make([]store.Participant, 0, len(userIDs))
	for _, id := range userIDs {
		added = append(added, store.Participant{ChatID: chatID, ID: id, Role: store.RoleMember, Status: store.Offline})
	}
	return g.run(ctx, op{
		action: Action{
			Kind:    AddParticipants,
			ChatID:  chatID,
			Target:  chatID,
			Payload: map[string]any{"participantIds": userIDs},
		},
		optimistic: ysync.Batch{Participants: []ysync.ParticipantsPatch{{ChatID: chatID, Upsert: added}}},
		undo:       &ysync.Batch{Participants: []ysync.ParticipantsPatch{{ChatID: chatID, Replace: true, Upsert: prev}}},
		confirm:    confirmParticipants(chatID),
		local:      added,
	})
}

// RemoveParticipants removes members from a group chat.
func (g *Gateway) RemoveParticipants(ctx context.Context, chatID string, userIDs []string) error {
	prev, err := g.db.Participants(chatID)
	if err != nil {
		return err
	}
	if _, err := g.chat(chatID); err != nil {
		return err
	}
	return g.run(ctx, op{
		action: Action{
			Kind:    RemoveParticipants,
			ChatID:  chatID,
			Target:  chatID,
			Payload: map[string]any{"participantIds": userIDs},
		},
		optimistic: ysync.Batch{Participants: []ysync.ParticipantsPatch{{ChatID: chatID, Remove: slices.Clone(userIDs)}}},
		undo:       &ysync.Batch{Participants: []ysync.ParticipantsPatch{{ChatID: chatID, Replace: true, Upsert: prev}}},
		confirm:    confirmParticipants(chatID),
		local:      userIDs,
	})
}

// MarkSeen records that the current user has seen seenCount messages of a
// chat.
func (g *Gateway) MarkSeen(ctx context.Context, chatID string, seenCount int64) error {
	sc, err := g.creds.Current(ctx)
	if err != nil {
		return err
	}
	if _, err := g.chat(chatID); err != nil {
		return err
	}
	seen := store.SeenDetail{ChatID: chatID, ParticipantID: sc.UserID, SeenCount: seenCount, Timestamp: g.now().UnixMilli()}

	var undo *ysync.Batch
	details, err := g.db.SeenDetails(chatID)
	if err != nil {
		return err
	}
	for _, d := range details {
		if d.ParticipantID == sc.UserID {
			undo = &ysync.Batch{Seen: []store.SeenDetail{d}}
		}
	}
	return g.run(ctx, op{
		action: Action{
			Kind:    MarkSeen,
			ChatID:  chatID,
			Target:  chatID,
			Payload: map[string]any{"seenCount": seenCount},
		},
		optimistic: ysync.Batch{Seen: []store.SeenDetail{seen}},
		undo:       undo,
		confirm: func(res *Result) ysync.Batch {
			return ysync.Batch{Seen: res.Seen}
		},
		local: seen,
	})
}

// remoteID is the id the backend knows a message by.
func remoteID(m *store.Message) string {
	if m.ServerID != "" {
		return m.ServerID
	}
	if m.MessageID != "" {
		return m.MessageID
	}
	return m.LocalID
}

func confirmChat(res *Result) ysync.Batch {
	if res.Chat == nil {
		return ysync.Batch{}
	}
	return ysync.Batch{Chats: []store.Chat{*res.Chat}}
}

func confirmMessage(localID, chatID string) func(res *Result) ysync.Batch {
	return func(res *Result) ysync.Batch {
		if res.Message == nil {
			return ysync.Batch{}
		}
		m := *res.Message
		m.LocalID = localID
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		return ysync.Batch{Messages: []store.Message{m}}
	}
}

func confirmParticipants(chatID string) func(res *Result) ysync.Batch {
	return func(res *Result) ysync.Batch {
		b := confirmChat(res)
		if res.Participants != nil {
			b.Participants = []ysync.ParticipantsPatch{{ChatID: chatID, Replace: true, Upsert: res.Participants}}
		}
		return b
	}
}
