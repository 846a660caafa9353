package silver

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// writeChanges appends one feed row per applied change inside the merge
// transaction, so the feed and the canonical table commit together.
func writeChanges(ctx context.Context, tx *sql.Tx, table, batchID string, changes []Change, changedAt time.Time) error {
	if len(changes) == 0 {
		return nil
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (batch_id, post_id, change_type, old_row, new_row, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, table)
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare change feed insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range changes {
		var oldRow any
		if c.Old != nil {
			encoded, err := json.Marshal(c.Old)
			if err != nil {
				return fmt.Errorf("failed to encode old row %s: %w", c.PostID, err)
			}
			oldRow = string(encoded)
		}
		newRow, err := json.Marshal(c.New)
		if err != nil {
			return fmt.Errorf("failed to encode new row %s: %w", c.PostID, err)
		}
		if _, err := stmt.ExecContext(ctx, batchID, c.PostID, string(c.Type), oldRow, string(newRow), changedAt); err != nil {
			return fmt.Errorf("failed to write change feed row %s: %w", c.PostID, err)
		}
	}
	return nil
}

// Changes retrieves the change set one batch applied, in the shape the
// Gold stage and external CDC consumers read it.
func (m *Merger) Changes(ctx context.Context, batchID string) ([]Change, error) {
	query := fmt.Sprintf(`
		SELECT post_id, change_type, old_row::VARCHAR, new_row::VARCHAR
		FROM %s
		WHERE batch_id = ?
		ORDER BY changed_at, post_id
	`, m.store.ChangeFeedTable())

	rows, err := m.store.DB().QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to read change feed: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var (
			c      Change
			ctype  string
			oldRow *string
			newRow string
		)
		if err := rows.Scan(&c.PostID, &ctype, &oldRow, &newRow); err != nil {
			return nil, fmt.Errorf("failed to scan change feed row: %w", err)
		}
		c.Type = ChangeType(ctype)
		if oldRow != nil {
			var old Post
			if err := json.Unmarshal([]byte(*oldRow), &old); err != nil {
				return nil, fmt.Errorf("failed to decode old row %s: %w", c.PostID, err)
			}
			c.Old = &old
		}
		var newer Post
		if err := json.Unmarshal([]byte(newRow), &newer); err != nil {
			return nil, fmt.Errorf("failed to decode new row %s: %w", c.PostID, err)
		}
		c.New = &newer
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan change feed: %w", err)
	}
	return changes, nil
}
