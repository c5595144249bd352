package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const chatColumns = `group_id, group_name, group_icon, type, participant_ids, background_color,
	is_pinned, pinned_at, is_muted, is_individual_bot_chat, last_message, message_count, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (*Chat, error) {
	var (
		c            Chat
		participants string
		lastMessage  string
	)
	if err := row.Scan(&c.GroupID, &c.GroupName, &c.GroupIcon, &c.Type, &participants, &c.BackgroundColor,
		&c.IsPinned, &c.PinnedAt, &c.IsMuted, &c.IsIndividualBotChat, &lastMessage, &c.MessageCount, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeJSON(participants, &c.ParticipantIDs); err != nil {
		return nil, fmt.Errorf("chat %q participant_ids: %w", c.GroupID, err)
	}
	if lastMessage != "" {
		c.LastMessage = &LastMessage{}
		if err := json.Unmarshal([]byte(lastMessage), c.LastMessage); err != nil {
			return nil, fmt.Errorf("chat %q last_message: %w", c.GroupID, err)
		}
	}
	return &c, nil
}

func upsertChat(ctx context.Context, q querier, c *Chat) error {
	participants, err := encodeJSON(nonNil(c.ParticipantIDs))
	if err != nil {
		return err
	}
	var lastMessage string
	var lastMessageAt int64
	if c.LastMessage != nil {
		if lastMessage, err = encodeJSON(c.LastMessage); err != nil {
			return err
		}
		lastMessageAt = c.LastMessage.CreatedAt
	}
	chatType := c.Type
	if chatType == "" {
		chatType = ChatIndividual
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO chats (group_id, group_name, group_icon, type, participant_ids, background_color,
			is_pinned, pinned_at, is_muted, is_individual_bot_chat, last_message, last_message_at, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET
			group_name = excluded.group_name,
			group_icon = excluded.group_icon,
			type = excluded.type,
			participant_ids = excluded.participant_ids,
			background_color = excluded.background_color,
			is_pinned = excluded.is_pinned,
			pinned_at = excluded.pinned_at,
			is_muted = excluded.is_muted,
			is_individual_bot_chat = excluded.is_individual_bot_chat,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		c.GroupID, c.GroupName, c.GroupIcon, chatType, participants, c.BackgroundColor,
		c.IsPinned, c.PinnedAt, c.IsMuted, c.IsIndividualBotChat, lastMessage, lastMessageAt, c.MessageCount, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert chat %q: %w", c.GroupID, err)
	}
	return nil
}

func getChat(ctx context.Context, q querier, groupID string) (*Chat, error) {
	c, err := scanChat(q.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE group_id = ?`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// loadChats returns the chats with the given keys, or every chat when ids is nil.
func loadChats(ctx context.Context, q querier, ids []string) (map[string]Chat, error) {
	query := `SELECT ` + chatColumns + ` FROM chats`
	var args []any
	if ids != nil {
		if len(ids) == 0 {
			return map[string]Chat{}, nil
		}
		query += ` WHERE group_id IN (` + placeholders(len(ids)) + `)`
		args = stringArgs(ids)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]Chat)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out[c.GroupID] = *c
	}
	return out, rows.Err()
}

// UpsertChat inserts or replaces a chat row.
func (tx *Tx) UpsertChat(c *Chat) error {
	return upsertChat(tx.ctx, tx.tx, c)
}

// GetChat returns a chat by key, or nil when absent.
func (tx *Tx) GetChat(groupID string) (*Chat, error) {
	return getChat(tx.ctx, tx.tx, groupID)
}

// Chats loads a snapshot keyed by group id. A nil slice loads every chat.
func (tx *Tx) Chats(ids []string) (map[string]Chat, error) {
	return loadChats(tx.ctx, tx.tx, ids)
}

// EnsureChat inserts a placeholder chat row if none exists, so that rows
// referencing the chat can be written before its summary arrives.
func (tx *Tx) EnsureChat(groupID string) error {
	_, err := tx.tx.ExecContext(tx.ctx, `INSERT INTO chats (group_id) VALUES (?) ON CONFLICT(group_id) DO NOTHING`, groupID)
	if err != nil {
		return fmt.Errorf("ensure chat %q: %w", groupID, err)
	}
	return nil
}

// DeleteChat removes a chat. Messages, participants and seen details
// cascade. Reports whether a row was deleted.
func (tx *Tx) DeleteChat(groupID string) (bool, error) {
	res, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM chats WHERE group_id = ?`, groupID)
	if err != nil {
		return false, fmt.Errorf("delete chat %q: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetChatPinned flips only the pin columns of a chat.
func (tx *Tx) SetChatPinned(groupID string, pinned bool, pinnedAt int64) (bool, error) {
	res, err := tx.tx.ExecContext(tx.ctx, `UPDATE chats SET is_pinned = ?, pinned_at = ? WHERE group_id = ?`, pinned, pinnedAt, groupID)
	if err != nil {
		return false, fmt.Errorf("pin chat %q: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetChatMuted flips only the mute column of a chat.
func (tx *Tx) SetChatMuted(groupID string, muted bool) (bool, error) {
	res, err := tx.tx.ExecContext(tx.ctx, `UPDATE chats SET is_muted = ? WHERE group_id = ?`, muted, groupID)
	if err != nil {
		return false, fmt.Errorf("mute chat %q: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListChats returns chats with pinned chats first, then by most recent
// message.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT `+chatColumns+`
		FROM chats
		ORDER BY is_pinned DESC, pinned_at DESC, last_message_at DESC, updated_at DESC, group_id
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by group id, or nil when absent.
func (db *DB) GetChat(groupID string) (*Chat, error) {
	return getChat(context.Background(), db.DB, groupID)
}

// ChatCount returns the total number of chats.
func (db *DB) ChatCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&count)
	return count, err
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}
