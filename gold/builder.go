// Package gold derives the analytics-shaped star schema: one fact row
// per post plus conformed author, flair, and domain dimensions.
package gold

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/silver"
	"github.com/lakeshed/reddit-medallion/store"
)

// Format values derived from the post's boolean flags.
const (
	FormatText   = "text"
	FormatVideo  = "video"
	FormatOthers = "Others"
)

// DeriveFormat computes the fact row's categorical format. The
// self-post flag takes precedence when both flags are set.
func DeriveFormat(p *silver.Post) string {
	switch {
	case p.IsSelf:
		return FormatText
	case p.IsVideo:
		return FormatVideo
	default:
		return FormatOthers
	}
}

// Result summarizes one batch's Gold upserts.
type Result struct {
	FactInserted int
	FactUpdated  int
	DimInserted  int
	DimRefreshed int
}

// Builder consumes the Silver change set, never the full canonical
// table, and upserts the fact and dimension tables. Fact updates always
// overwrite the full row; dimension rows carry no mutable payload
// beyond their last-seen timestamp.
type Builder struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewBuilder creates the dimensional builder.
func NewBuilder(st *store.Store, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{store: st, logger: logger, now: time.Now}
}

// Apply upserts fact and dimension rows for one batch's change set in a
// single transaction. Re-applying the same change set is idempotent.
func (b *Builder) Apply(ctx context.Context, batchID string, changes []silver.Change) (*Result, error) {
	result := &Result{}
	if len(changes) == 0 {
		return result, nil
	}

	tx, err := b.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	applyTime := b.now().UTC()
	if err := b.upsertFacts(ctx, tx, changes, applyTime, result); err != nil {
		return nil, err
	}
	if err := b.upsertDimensions(ctx, tx, changes, applyTime, result); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit gold upserts: %w", err)
	}

	b.logger.Info("gold applied",
		zap.String("batch_id", batchID),
		zap.Int("fact_inserted", result.FactInserted),
		zap.Int("fact_updated", result.FactUpdated),
		zap.Int("dim_inserted", result.DimInserted),
		zap.Int("dim_refreshed", result.DimRefreshed))
	return result, nil
}

func (b *Builder) upsertFacts(ctx context.Context, tx *sql.Tx, changes []silver.Change, applyTime time.Time, result *Result) error {
	upsert := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (
			post_id, title, subreddit, author, link_flair_text, domain,
			format, score, num_comments, upvote_ratio, created_utc, update_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.store.FactTable())
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("failed to prepare fact upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range changes {
		p := c.New
		_, err := stmt.ExecContext(ctx,
			p.PostID, p.Title, p.Subreddit, p.Author, p.LinkFlairText, p.Domain,
			DeriveFormat(p), p.Score, p.NumComments, p.UpvoteRatio, p.CreatedUTC, applyTime)
		if err != nil {
			return fmt.Errorf("failed to upsert fact row %s: %w", p.PostID, err)
		}
		if c.Type == silver.ChangeInsert {
			result.FactInserted++
		} else {
			result.FactUpdated++
		}
	}
	return nil
}

// upsertDimensions inserts newly observed values and refreshes the
// timestamp of known ones. Null attributes are skipped. The three
// dimension writes are order-independent; referential integrity against
// the fact table is advisory, resolved at query time.
func (b *Builder) upsertDimensions(ctx context.Context, tx *sql.Tx, changes []silver.Change, applyTime time.Time, result *Result) error {
	dims := []struct {
		table  string
		column string
		value  func(*silver.Post) *string
	}{
		{b.store.DimTable("author"), "author", func(p *silver.Post) *string { return p.Author }},
		{b.store.DimTable("flair"), "flair", func(p *silver.Post) *string { return p.LinkFlairText }},
		{b.store.DimTable("domain"), "domain", func(p *silver.Post) *string { return p.Domain }},
	}

	for _, dim := range dims {
		// One pass per dimension: dedupe this change set's values,
		// then split into new and re-observed.
		values := make(map[string]bool)
		for _, c := range changes {
			if v := dim.value(c.New); v != nil {
				values[*v] = true
			}
		}
		if len(values) == 0 {
			continue
		}

		existsSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", dim.table, dim.column)
		insertSQL := fmt.Sprintf("INSERT INTO %s (%s, update_time) VALUES (?, ?)", dim.table, dim.column)
		refreshSQL := fmt.Sprintf("UPDATE %s SET update_time = ? WHERE %s = ?", dim.table, dim.column)

		for value := range values {
			var n int
			if err := tx.QueryRowContext(ctx, existsSQL, value).Scan(&n); err != nil {
				return fmt.Errorf("failed to probe %s: %w", dim.table, err)
			}
			if n == 0 {
				if _, err := tx.ExecContext(ctx, insertSQL, value, applyTime); err != nil {
					return fmt.Errorf("failed to insert into %s: %w", dim.table, err)
				}
				result.DimInserted++
			} else {
				if _, err := tx.ExecContext(ctx, refreshSQL, applyTime, value); err != nil {
					return fmt.Errorf("failed to refresh %s: %w", dim.table, err)
				}
				result.DimRefreshed++
			}
		}
	}
	return nil
}
