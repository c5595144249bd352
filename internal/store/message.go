package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `local_id, server_id, message_id, chat_id, sender_id, content, created_at, updated_at,
	type, multimedia, tx, reply_to, reactions, is_pinned, status, automated`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m          Message
		multimedia string
		txPayload  string
		reactions  string
	)
	if err := row.Scan(&m.LocalID, &m.ServerID, &m.MessageID, &m.ChatID, &m.SenderID, &m.Content, &m.CreatedAt, &m.UpdatedAt,
		&m.Type, &multimedia, &txPayload, &m.ReplyTo, &reactions, &m.IsPinned, &m.Status, &m.Automated); err != nil {
		return nil, err
	}
	if err := decodeJSON(multimedia, &m.Multimedia); err != nil {
		return nil, fmt.Errorf("message %q multimedia: %w", m.LocalID, err)
	}
	if err := decodeJSON(reactions, &m.Reactions); err != nil {
		return nil, fmt.Errorf("message %q reactions: %w", m.LocalID, err)
	}
	if txPayload != "" {
		m.Transaction = &Transaction{}
		if err := decodeJSON(txPayload, m.Transaction); err != nil {
			return nil, fmt.Errorf("message %q transaction: %w", m.LocalID, err)
		}
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()
	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// upsertMessage writes the full row keyed by local id.
func upsertMessage(ctx context.Context, q querier, m *Message) error {
	multimedia, err := encodeJSON(nonNil(m.Multimedia))
	if err != nil {
		return err
	}
	reactions, err := encodeJSON(nonNil(m.Reactions))
	if err != nil {
		return err
	}
	var txPayload string
	if m.Transaction != nil {
		if txPayload, err = encodeJSON(m.Transaction); err != nil {
			return err
		}
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id,
			message_id = excluded.message_id,
			sender_id = excluded.sender_id,
			content = excluded.content,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			type = excluded.type,
			multimedia = excluded.multimedia,
			tx = excluded.tx,
			reply_to = excluded.reply_to,
			reactions = excluded.reactions,
			is_pinned = excluded.is_pinned,
			status = excluded.status,
			automated = excluded.automated`,
		m.LocalID, m.ServerID, m.MessageID, m.ChatID, m.SenderID, m.Content, m.CreatedAt, m.UpdatedAt,
		m.Type, multimedia, txPayload, m.ReplyTo, reactions, m.IsPinned, m.Status, m.Automated)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", m.LocalID, err)
	}
	return nil
}

func findMessage(ctx context.Context, q querier, column, value string) (*Message, error) {
	if value == "" {
		return nil, nil
	}
	m, err := scanMessage(q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+column+` = ? LIMIT 1`, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// UpsertMessage writes a message row keyed by its local id.
func (tx *Tx) UpsertMessage(m *Message) error {
	return upsertMessage(tx.ctx, tx.tx, m)
}

// MessageByLocalID returns the row with the given local id, or nil.
func (tx *Tx) MessageByLocalID(localID string) (*Message, error) {
	return findMessage(tx.ctx, tx.tx, "local_id", localID)
}

// MessageByMessageID returns the row carrying the logical id, or nil.
func (tx *Tx) MessageByMessageID(messageID string) (*Message, error) {
	return findMessage(tx.ctx, tx.tx, "message_id", messageID)
}

// MessageByServerID returns the row carrying the server id, or nil.
func (tx *Tx) MessageByServerID(serverID string) (*Message, error) {
	return findMessage(tx.ctx, tx.tx, "server_id", serverID)
}

// ResolveMessage finds a message by any of its ids, trying the logical id
// first, then the server id, then the local id.
func (tx *Tx) ResolveMessage(ref string) (*Message, error) {
	for _, col := range []string{"message_id", "server_id", "local_id"} {
		m, err := findMessage(tx.ctx, tx.tx, col, ref)
		if err != nil || m != nil {
			return m, err
		}
	}
	return nil, nil
}

// LookupMessages loads every row matching any of the given logical, local,
// or server ids.
func (tx *Tx) LookupMessages(messageIDs, localIDs, serverIDs []string) ([]Message, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(column string, ids []string) {
		if len(ids) == 0 {
			return
		}
		clauses = append(clauses, column+` IN (`+placeholders(len(ids))+`)`)
		args = append(args, stringArgs(ids)...)
	}
	add("message_id", messageIDs)
	add("local_id", localIDs)
	add("server_id", serverIDs)
	if len(clauses) == 0 {
		return nil, nil
	}
	where := clauses[0]
	for _, c := range clauses[1:] {
		where += " OR " + c
	}
	rows, err := tx.tx.QueryContext(tx.ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup messages: %w", err)
	}
	return scanMessages(rows)
}

// DeleteMessage removes one message row. Used only to collapse a duplicate
// into its canonical row.
func (tx *Tx) DeleteMessage(localID string) error {
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM messages WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("delete message %q: %w", localID, err)
	}
	return nil
}

// PatchMessagePin updates only the is_pinned column.
func (tx *Tx) PatchMessagePin(localID string, pinned bool) error {
	_, err := tx.tx.ExecContext(tx.ctx, `UPDATE messages SET is_pinned = ? WHERE local_id = ?`, pinned, localID)
	if err != nil {
		return fmt.Errorf("pin message %q: %w", localID, err)
	}
	return nil
}

// PatchMessageReactions replaces only the reactions column.
func (tx *Tx) PatchMessageReactions(localID string, reactions []Reaction) error {
	encoded, err := encodeJSON(nonNil(reactions))
	if err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(tx.ctx, `UPDATE messages SET reactions = ? WHERE local_id = ?`, encoded, localID); err != nil {
		return fmt.Errorf("react message %q: %w", localID, err)
	}
	return nil
}

// PatchMessageStatus updates only the status column.
func (tx *Tx) PatchMessageStatus(localID string, status MessageStatus) error {
	if _, err := tx.tx.ExecContext(tx.ctx, `UPDATE messages SET status = ? WHERE local_id = ?`, status, localID); err != nil {
		return fmt.Errorf("status message %q: %w", localID, err)
	}
	return nil
}

// LatestMessage returns the newest stored message of a chat, or nil.
func (tx *Tx) LatestMessage(chatID string) (*Message, error) {
	m, err := scanMessage(tx.tx.QueryRowContext(tx.ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? ORDER BY created_at DESC, local_id DESC LIMIT 1`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// KnownIdentities reports which of the given identities already exist
// locally, matched against the logical id or the local id column. The value
// is true when the stored row already carries a server id.
func (db *DB) KnownIdentities(ids []string) (map[string]bool, error) {
	known := make(map[string]bool)
	if len(ids) == 0 {
		return known, nil
	}
	args := stringArgs(ids)
	rows, err := db.Query(`
		SELECT message_id, local_id, server_id FROM messages
		WHERE message_id IN (`+placeholders(len(ids))+`) OR local_id IN (`+placeholders(len(ids))+`)`,
		append(args, args...)...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var messageID, localID, serverID string
		if err := rows.Scan(&messageID, &localID, &serverID); err != nil {
			return nil, err
		}
		if messageID != "" {
			known[messageID] = serverID != ""
		}
		known[localID] = serverID != ""
	}
	return known, rows.Err()
}

// ListMessages returns one page of a chat's messages, newest first.
// Pages are 1-based.
func (db *DB) ListMessages(chatID string, page, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, local_id DESC
		LIMIT ? OFFSET ?`, chatID, limit, (page-1)*limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListMessagesBefore returns messages older than beforeTs using keyset
// pagination by creation time.
func (db *DB) ListMessagesBefore(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// GetMessage returns a message by local id, or nil.
func (db *DB) GetMessage(localID string) (*Message, error) {
	return findMessage(context.Background(), db.DB, "local_id", localID)
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// ConflictError reports two live rows claiming the same logical identity.
// The reconciler's identity rule makes this unreachable; seeing one is a bug.
type ConflictError struct {
	Column   string
	Identity string
	Rows     int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("identity conflict: %d rows share %s %q", e.Rows, e.Column, e.Identity)
}

// CheckMessageIdentity verifies that no logical or server id is held by
// more than one row.
func (db *DB) CheckMessageIdentity() error {
	for _, column := range []string{"message_id", "server_id"} {
		var (
			identity string
			rows     int
		)
		err := db.QueryRow(`
			SELECT ` + column + `, COUNT(*) FROM messages
			WHERE ` + column + ` != ''
			GROUP BY ` + column + ` HAVING COUNT(*) > 1 LIMIT 1`).Scan(&identity, &rows)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		return &ConflictError{Column: column, Identity: identity, Rows: rows}
	}
	return nil
}

// SearchMessages performs a case-insensitive substring search on message
// content, optionally scoped to one chat.
func (db *DB) SearchMessages(query, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT ` + prefixed("m.", messageColumns) + `, c.group_name
		FROM messages m
		JOIN chats c ON c.group_id = m.chat_id
		WHERE instr(lower(m.content), lower(?)) > 0`
	args := []any{query}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY m.created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var chatName string
		m, err := scanMessage(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &chatName)...)
		}))
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: *m, ChatName: chatName})
	}
	return results, rows.Err()
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
