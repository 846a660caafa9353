package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lakeshed/reddit-medallion/store"
)

// Pipeline stages, in execution order.
const (
	StageQuarantine = "quarantine"
	StageBronze     = "bronze"
	StageSilver     = "silver"
	StageGold       = "gold"
)

// RunLedger records per-batch stage completion in the table store, so a
// batch that failed partway resumes without repeating completed stages.
type RunLedger struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// NewRunLedger creates the ledger over the store's pipeline_runs table.
func NewRunLedger(st *store.Store) *RunLedger {
	return &RunLedger{db: st.DB(), table: st.RunsTable(), now: time.Now}
}

// StageDone reports whether a batch has completed the given stage.
func (r *RunLedger) StageDone(ctx context.Context, batchID, stage string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE batch_id = ? AND stage = ? AND status = 'done'",
		r.table,
	)
	var n int
	if err := r.db.QueryRowContext(ctx, query, batchID, stage).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to read run ledger: %w", err)
	}
	return n > 0, nil
}

// MarkDone records completion of a stage for a batch.
func (r *RunLedger) MarkDone(ctx context.Context, batchID, stage string) error {
	insert := fmt.Sprintf(
		"INSERT INTO %s (batch_id, stage, status, updated_at) VALUES (?, ?, 'done', ?)",
		r.table,
	)
	if _, err := r.db.ExecContext(ctx, insert, batchID, stage, r.now().UTC()); err != nil {
		return fmt.Errorf("failed to update run ledger: %w", err)
	}
	return nil
}
