package store

import "fmt"

// ReplaceSeen deletes and re-inserts the seen row of one participant.
// Seen counters are server snapshots, so rows are never merged.
func (tx *Tx) ReplaceSeen(s *SeenDetail) error {
	key := s.Key()
	if _, err := tx.tx.ExecContext(tx.ctx, `DELETE FROM seen_details WHERE key = ?`, key); err != nil {
		return fmt.Errorf("clear seen %q: %w", key, err)
	}
	if _, err := tx.tx.ExecContext(tx.ctx, `
		INSERT INTO seen_details (key, chat_id, participant_id, seen_count, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		key, s.ChatID, s.ParticipantID, s.SeenCount, s.Timestamp); err != nil {
		return fmt.Errorf("insert seen %q: %w", key, err)
	}
	return nil
}

// SeenDetails returns every seen row of a chat.
func (db *DB) SeenDetails(chatID string) ([]SeenDetail, error) {
	rows, err := db.Query(`
		SELECT chat_id, participant_id, seen_count, timestamp
		FROM seen_details WHERE chat_id = ? ORDER BY participant_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SeenDetail
	for rows.Next() {
		var s SeenDetail
		if err := rows.Scan(&s.ChatID, &s.ParticipantID, &s.SeenCount, &s.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
