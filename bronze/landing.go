// Package bronze implements the landing tier: an append-only table of
// validated raw rows plus the quarantine sink for rejected ones.
package bronze

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/schema"
	"github.com/lakeshed/reddit-medallion/store"
)

// Landing appends accepted raw records to the Bronze table.
//
// The append is atomic per batch: a partially landed batch would later
// merge incorrectly, so any insert failure rolls the whole batch back.
// Re-running a batch re-appends (at-least-once); the Silver merge
// collapses duplicate keys.
type Landing struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewLanding creates the landing writer.
func NewLanding(st *store.Store, logger *zap.Logger) *Landing {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Landing{store: st, logger: logger, now: time.Now}
}

// Append lands one batch's accepted records, stamped with the batch id
// and load_time. Returns the number of rows appended.
func (l *Landing) Append(ctx context.Context, batchID string, records []schema.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := l.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(`
		INSERT INTO %s (
			post_id, title, selftext, author, subreddit,
			score, num_comments, upvote_ratio, is_self, is_video,
			domain, link_flair_text, permalink, created_utc, extracted_time,
			batch_id, load_seq, load_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.store.BronzeTable())

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare bronze insert: %w", err)
	}
	defer stmt.Close()

	// Every row in the append shares one load_time; load_seq keeps the
	// input order recoverable for the merge's duplicate-key tie-break.
	loadTime := l.now().UTC()
	for seq, rec := range records {
		score, err := schema.CoerceInt(rec.Field(schema.FieldScore))
		if err != nil {
			return 0, fmt.Errorf("bronze append %s: %w", rec.Field(schema.FieldPostID).Encoded(), err)
		}
		comments, err := schema.CoerceInt(rec.Field(schema.FieldNumComments))
		if err != nil {
			return 0, fmt.Errorf("bronze append %s: %w", rec.Field(schema.FieldPostID).Encoded(), err)
		}
		ratio, err := schema.CoerceFloat(rec.Field(schema.FieldUpvoteRatio))
		if err != nil {
			return 0, fmt.Errorf("bronze append %s: %w", rec.Field(schema.FieldPostID).Encoded(), err)
		}

		_, err = stmt.ExecContext(ctx,
			rec.Field(schema.FieldPostID).Encoded(),
			rawText(rec, schema.FieldTitle),
			rawText(rec, schema.FieldSelftext),
			rawText(rec, schema.FieldAuthor),
			rec.Field(schema.FieldSubreddit).Encoded(),
			score,
			comments,
			ratio,
			rec.Field(schema.FieldIsSelf).Encoded(),
			rec.Field(schema.FieldIsVideo).Encoded(),
			rawText(rec, schema.FieldDomain),
			rawText(rec, schema.FieldLinkFlairText),
			rawText(rec, schema.FieldPermalink),
			rec.Field(schema.FieldCreatedUTC).Encoded(),
			rec.Field(schema.FieldExtractedTime).Encoded(),
			batchID,
			seq,
			loadTime,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to land row %s: %w", rec.Field(schema.FieldPostID).Encoded(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit bronze append: %w", err)
	}

	l.logger.Info("landed batch",
		zap.String("batch_id", batchID),
		zap.Int("rows", len(records)))
	return len(records), nil
}

// rawText returns the loose string encoding for nullable text fields,
// or nil so the column lands as NULL.
func rawText(rec schema.Record, field string) any {
	v := rec.Field(field)
	if v.IsNull() {
		return nil
	}
	return v.Encoded()
}
