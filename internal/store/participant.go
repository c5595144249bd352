package store

import (
	"context"
	"fmt"
)

func insertParticipant(ctx context.Context, q querier, p *Participant) error {
	role := p.Role
	if role == "" {
		role = RoleMember
	}
	presence := p.Status
	if presence == "" {
		presence = Offline
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO participants (chat_id, id, username, full_name, profile_picture, role, background_color, last_active, address, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE participants.username END,
			full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE participants.full_name END,
			profile_picture = CASE WHEN excluded.profile_picture != '' THEN excluded.profile_picture ELSE participants.profile_picture END,
			role = excluded.role,
			background_color = CASE WHEN excluded.background_color != '' THEN excluded.background_color ELSE participants.background_color END,
			last_active = MAX(participants.last_active, excluded.last_active),
			address = CASE WHEN excluded.address != '' THEN excluded.address ELSE participants.address END,
			status = excluded.status`,
		p.ChatID, p.ID, p.Username, p.FullName, p.ProfilePicture, role, p.BackgroundColor, p.LastActive, p.Address, presence)
	if err != nil {
		return fmt.Errorf("upsert participant %q in %q: %w", p.ID, p.ChatID, err)
	}
	return nil
}

// ReplaceParticipants swaps the participant list of a chat wholesale.
func (tx *Tx) ReplaceParticipants(chatID string, participants []Participant) error {
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM participants WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("clear participants of %q: %w", chatID, err)
	}
	for i := range participants {
		p := participants[i]
		p.ChatID = chatID
		if err := insertParticipant(tx.ctx, tx.tx, &p); err != nil {
			return err
		}
	}
	return nil
}

// UpsertParticipant adds or refreshes one participant, keeping known
// profile fields when the incoming snapshot leaves them blank.
func (tx *Tx) UpsertParticipant(p *Participant) error {
	return insertParticipant(tx.ctx, tx.tx, p)
}

// RemoveParticipant deletes one participant row of a chat.
func (tx *Tx) RemoveParticipant(chatID, id string) error {
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM participants WHERE chat_id = ? AND id = ?`, chatID, id); err != nil {
		return fmt.Errorf("remove participant %q from %q: %w", id, chatID, err)
	}
	return nil
}

// Participants returns the participants of a chat ordered by role then name.
func (db *DB) Participants(chatID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT chat_id, id, username, full_name, profile_picture, role, background_color, last_active, address, status
		FROM participants WHERE chat_id = ?
		ORDER BY CASE role WHEN 'creator' THEN 0 WHEN 'admin' THEN 1 ELSE 2 END, full_name, id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.ChatID, &p.ID, &p.Username, &p.FullName, &p.ProfilePicture, &p.Role,
			&p.BackgroundColor, &p.LastActive, &p.Address, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
