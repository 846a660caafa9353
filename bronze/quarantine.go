package bronze

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/store"
)

// Entry is one quarantined row: the original payload plus the full list
// of violated rules. Entries are append-only and never mutated.
type Entry struct {
	SourceTable   string
	ViolatedRules []string
	Payload       json.RawMessage
}

// Quarantine durably stores rejected rows. It is a required capability:
// a failed quarantine write fails the batch, since silently dropping
// invalid data would break auditability.
type Quarantine struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewQuarantine creates the quarantine sink.
func NewQuarantine(st *store.Store, logger *zap.Logger) *Quarantine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Quarantine{store: st, logger: logger, now: time.Now}
}

// Add appends one batch's quarantine entries in a single transaction.
func (q *Quarantine) Add(ctx context.Context, batchID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := q.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`
		INSERT INTO %s (batch_id, source_table, violated_rules, payload, quarantined_at)
		VALUES (?, ?, ?, ?, ?)
	`, q.store.QuarantineTable())

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare quarantine insert: %w", err)
	}
	defer stmt.Close()

	quarantinedAt := q.now().UTC()
	for _, e := range entries {
		rules, err := json.Marshal(e.ViolatedRules)
		if err != nil {
			return fmt.Errorf("failed to encode violated rules: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, batchID, e.SourceTable, string(rules), string(e.Payload), quarantinedAt); err != nil {
			return fmt.Errorf("failed to quarantine row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit quarantine write: %w", err)
	}

	q.logger.Info("quarantined rows",
		zap.String("batch_id", batchID),
		zap.Int("rows", len(entries)))
	return nil
}

// Count reports how many rows a batch quarantined.
func (q *Quarantine) Count(ctx context.Context, batchID string) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE batch_id = ?", q.store.QuarantineTable())
	var n int
	if err := q.store.DB().QueryRowContext(ctx, query, batchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quarantine rows: %w", err)
	}
	return n, nil
}
