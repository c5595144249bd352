package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReplaceCursor overwrites the cursor of a list. Cursors are never merged.
func (tx *Tx) ReplaceCursor(c *PaginationCursor) error {
	_, err := tx.tx.ExecContext(tx.ctx, `
		INSERT INTO pagination_cursors (list_kind, current_page, total_pages, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(list_kind) DO UPDATE SET
			current_page = excluded.current_page,
			total_pages = excluded.total_pages,
			updated_at = excluded.updated_at`,
		c.ListKind, c.CurrentPage, c.TotalPages, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("replace cursor %q: %w", c.ListKind, err)
	}
	return nil
}

// GetCursor returns the cursor of a list, or nil if no page was fetched yet.
func (db *DB) GetCursor(listKind string) (*PaginationCursor, error) {
	c := PaginationCursor{ListKind: listKind}
	err := db.QueryRow(`SELECT current_page, total_pages FROM pagination_cursors WHERE list_kind = ?`, listKind).
		Scan(&c.CurrentPage, &c.TotalPages)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CursorCount returns the number of cursor rows.
func (db *DB) CursorCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM pagination_cursors`).Scan(&count)
	return count, err
}
