package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mutationColumns = `id, action, chat_id, target, payload, undo, status, error_message, created_at, updated_at`

// RecordMutation journals a user action as pending before its optimistic
// write is applied.
func (db *DB) RecordMutation(m *Mutation) error {
	now := time.Now().UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Status = MutationPending
	_, err := db.Exec(`
		INSERT INTO mutations (`+mutationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		m.ID, m.Action, m.ChatID, m.Target, m.Payload, m.Undo, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record mutation %q: %w", m.ID, err)
	}
	return nil
}

// MarkMutationConfirmed records that the server acknowledged the action.
func (db *DB) MarkMutationConfirmed(id string) error {
	return db.setMutationStatus(id, MutationConfirmed, "")
}

// MarkMutationFailed records the remote failure of an action.
func (db *DB) MarkMutationFailed(id, errMsg string) error {
	return db.setMutationStatus(id, MutationFailed, errMsg)
}

// MarkMutationReverted records that the optimistic write was undone.
func (db *DB) MarkMutationReverted(id string) error {
	return db.setMutationStatus(id, MutationReverted, "")
}

func (db *DB) setMutationStatus(id string, status MutationStatus, errMsg string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE mutations SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`, status, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("mark mutation %q %s: %w", id, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark mutation %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetMutation returns one journal entry or ErrNotFound.
func (db *DB) GetMutation(id string) (*Mutation, error) {
	m, err := scanMutation(db.QueryRow(`SELECT `+mutationColumns+` FROM mutations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mutation %q: %w", id, ErrNotFound)
	}
	return m, err
}

// MutationsByStatus returns journal entries in a given state, oldest first.
func (db *DB) MutationsByStatus(status MutationStatus, limit int) ([]Mutation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT `+mutationColumns+`
		FROM mutations WHERE status = ? ORDER BY created_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMutation(row rowScanner) (*Mutation, error) {
	var m Mutation
	if err := row.Scan(&m.ID, &m.Action, &m.ChatID, &m.Target, &m.Payload, &m.Undo, &m.Status,
		&m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}
