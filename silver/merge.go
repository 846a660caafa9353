package silver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/schema"
	"github.com/lakeshed/reddit-medallion/store"
)

// inChunkSize bounds placeholder counts when loading existing canonical
// rows for a batch's key set.
const inChunkSize = 512

// ChangeType classifies one applied merge effect.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
)

// Change is one discrete change event: the key, the prior canonical
// state (nil for inserts), and the new state.
type Change struct {
	PostID string
	Type   ChangeType
	Old    *Post
	New    *Post
}

// MergeResult summarizes one batch's merge.
type MergeResult struct {
	Inserted         int
	Updated          int
	Unchanged        int
	CoercionFailures int
	Changes          []Change
}

// Merger reconciles newly landed Bronze rows against the canonical
// table with a conditional upsert:
//
//   - key absent            → INSERT
//   - key present, metrics  → full-row UPDATE, update_time bumped
//     differ
//   - key present, metrics  → no-op, row untouched
//     unchanged
//
// The whole batch is resolved as one set-based reconciliation and
// applied in a single transaction, together with the change feed rows
// describing what was applied.
type Merger struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewMerger creates the Silver merger.
func NewMerger(st *store.Store, logger *zap.Logger) *Merger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Merger{store: st, logger: logger, now: time.Now}
}

// MergeBatch merges one batch's Bronze rows into the canonical table
// and records the applied changes in the feed. Rows whose coercion
// fails are excluded and counted, never fatal.
func (m *Merger) MergeBatch(ctx context.Context, batchID string) (*MergeResult, error) {
	incoming, failures, err := m.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	result := &MergeResult{CoercionFailures: failures}
	if len(incoming) == 0 {
		return result, nil
	}

	existing, err := m.loadExisting(ctx, keysOf(incoming))
	if err != nil {
		return nil, err
	}

	mergeTime := m.now().UTC()
	var inserts, updates []*Post
	for _, post := range incoming {
		old, found := existing[post.PostID]
		switch {
		case !found:
			post.UpdateTime = mergeTime
			inserts = append(inserts, post)
			result.Changes = append(result.Changes, Change{PostID: post.PostID, Type: ChangeInsert, New: post})
		case !post.SameMetrics(old):
			post.UpdateTime = mergeTime
			updates = append(updates, post)
			result.Changes = append(result.Changes, Change{PostID: post.PostID, Type: ChangeUpdate, Old: old, New: post})
		default:
			result.Unchanged++
		}
	}
	result.Inserted = len(inserts)
	result.Updated = len(updates)

	if len(inserts) == 0 && len(updates) == 0 {
		m.logger.Info("merge applied no changes",
			zap.String("batch_id", batchID),
			zap.Int("unchanged", result.Unchanged),
			zap.Int("coercion_failures", failures))
		return result, nil
	}

	if err := m.apply(ctx, batchID, inserts, updates, result.Changes, mergeTime); err != nil {
		return nil, err
	}

	m.logger.Info("merge applied",
		zap.String("batch_id", batchID),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("coercion_failures", failures))
	return result, nil
}

// loadBatch reads the batch's Bronze rows, canonicalizes them, and
// resolves in-batch duplicate keys: the record with the latest
// extracted_time wins. Rows are read in landing order (load_time, then
// load_seq), so on exact extracted_time ties the later-landed row wins.
func (m *Merger) loadBatch(ctx context.Context, batchID string) (map[string]*Post, int, error) {
	query := fmt.Sprintf(`
		SELECT post_id, title, selftext, author, subreddit,
		       score, num_comments, upvote_ratio, is_self, is_video,
		       domain, link_flair_text, permalink, created_utc, extracted_time
		FROM %s
		WHERE batch_id = ?
		ORDER BY load_time, load_seq
	`, m.store.BronzeTable())

	rows, err := m.store.DB().QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read bronze batch: %w", err)
	}
	defer rows.Close()

	incoming := make(map[string]*Post)
	failures := 0
	for rows.Next() {
		rec, err := scanRawRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		post, err := Canonicalize(rec)
		if err != nil {
			failures++
			var cerr *CoercionError
			if errors.As(err, &cerr) {
				m.logger.Warn("excluding row from merge",
					zap.String("batch_id", batchID),
					zap.String("post_id", cerr.PostID),
					zap.String("field", cerr.Field),
					zap.Error(cerr.Err))
			} else {
				m.logger.Warn("excluding row from merge", zap.String("batch_id", batchID), zap.Error(err))
			}
			continue
		}
		prev, ok := incoming[post.PostID]
		if !ok || !post.ExtractedTime.Before(prev.ExtractedTime) {
			incoming[post.PostID] = post
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to scan bronze batch: %w", err)
	}
	return incoming, failures, nil
}

func scanRawRecord(rows *sql.Rows) (schema.Record, error) {
	var (
		postID, subreddit, isSelf, isVideo, createdUTC, extracted string
		title, selftext, author, domain, flair, permalink         *string
		score, comments                                           int64
		ratio                                                     float64
	)
	err := rows.Scan(&postID, &title, &selftext, &author, &subreddit,
		&score, &comments, &ratio, &isSelf, &isVideo,
		&domain, &flair, &permalink, &createdUTC, &extracted)
	if err != nil {
		return nil, fmt.Errorf("failed to scan bronze row: %w", err)
	}

	rec := schema.Record{
		schema.FieldPostID:        schema.String(postID),
		schema.FieldSubreddit:     schema.String(subreddit),
		schema.FieldScore:         schema.IntValue(score),
		schema.FieldNumComments:   schema.IntValue(comments),
		schema.FieldUpvoteRatio:   schema.FloatValue(ratio),
		schema.FieldIsSelf:        schema.String(isSelf),
		schema.FieldIsVideo:       schema.String(isVideo),
		schema.FieldCreatedUTC:    schema.String(createdUTC),
		schema.FieldExtractedTime: schema.String(extracted),
	}
	setOptional := func(field string, v *string) {
		if v == nil {
			rec[field] = schema.Null()
		} else {
			rec[field] = schema.String(*v)
		}
	}
	setOptional(schema.FieldTitle, title)
	setOptional(schema.FieldSelftext, selftext)
	setOptional(schema.FieldAuthor, author)
	setOptional(schema.FieldDomain, domain)
	setOptional(schema.FieldLinkFlairText, flair)
	setOptional(schema.FieldPermalink, permalink)
	return rec, nil
}

// loadExisting fetches current canonical rows for the batch's key set,
// chunked to keep placeholder counts bounded.
func (m *Merger) loadExisting(ctx context.Context, keys []string) (map[string]*Post, error) {
	existing := make(map[string]*Post, len(keys))
	for start := 0; start < len(keys); start += inChunkSize {
		end := start + inChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf(`
			SELECT post_id, title, selftext, author, subreddit,
			       score, num_comments, upvote_ratio, is_self, is_video,
			       domain, link_flair_text, permalink, created_utc, extracted_time, update_time
			FROM %s
			WHERE post_id IN (%s)
		`, m.store.SilverTable(), placeholders)

		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		rows, err := m.store.DB().QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to read canonical rows: %w", err)
		}
		for rows.Next() {
			post, err := scanPost(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			existing[post.PostID] = post
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan canonical rows: %w", err)
		}
		rows.Close()
	}
	return existing, nil
}

func scanPost(rows *sql.Rows) (*Post, error) {
	var p Post
	err := rows.Scan(&p.PostID, &p.Title, &p.Selftext, &p.Author, &p.Subreddit,
		&p.Score, &p.NumComments, &p.UpvoteRatio, &p.IsSelf, &p.IsVideo,
		&p.Domain, &p.LinkFlairText, &p.Permalink, &p.CreatedUTC, &p.ExtractedTime, &p.UpdateTime)
	if err != nil {
		return nil, fmt.Errorf("failed to scan canonical row: %w", err)
	}
	p.CreatedUTC = p.CreatedUTC.UTC()
	p.ExtractedTime = p.ExtractedTime.UTC()
	p.UpdateTime = p.UpdateTime.UTC()
	return &p, nil
}

// apply writes inserts, full-row updates, and the change feed in one
// transaction, so readers see pre-batch or post-batch state only.
func (m *Merger) apply(ctx context.Context, batchID string, inserts, updates []*Post, changes []Change, mergeTime time.Time) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if len(inserts) > 0 {
		insertSQL := fmt.Sprintf(`
			INSERT INTO %s (
				post_id, title, selftext, author, subreddit,
				score, num_comments, upvote_ratio, is_self, is_video,
				domain, link_flair_text, permalink, created_utc, extracted_time, update_time
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.store.SilverTable())
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare canonical insert: %w", err)
		}
		for _, p := range inserts {
			if _, err := stmt.ExecContext(ctx, postArgs(p)...); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to insert canonical row %s: %w", p.PostID, err)
			}
		}
		stmt.Close()
	}

	if len(updates) > 0 {
		// Full-row overwrite: any Silver change must fully propagate.
		updateSQL := fmt.Sprintf(`
			UPDATE %s SET
				title = ?, selftext = ?, author = ?, subreddit = ?,
				score = ?, num_comments = ?, upvote_ratio = ?, is_self = ?, is_video = ?,
				domain = ?, link_flair_text = ?, permalink = ?, created_utc = ?,
				extracted_time = ?, update_time = ?
			WHERE post_id = ?
		`, m.store.SilverTable())
		stmt, err := tx.PrepareContext(ctx, updateSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare canonical update: %w", err)
		}
		for _, p := range updates {
			args := append(postArgs(p)[1:], p.PostID)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to update canonical row %s: %w", p.PostID, err)
			}
		}
		stmt.Close()
	}

	if err := writeChanges(ctx, tx, m.store.ChangeFeedTable(), batchID, changes, mergeTime); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

func postArgs(p *Post) []any {
	return []any{
		p.PostID, p.Title, p.Selftext, p.Author, p.Subreddit,
		p.Score, p.NumComments, p.UpvoteRatio, p.IsSelf, p.IsVideo,
		p.Domain, p.LinkFlairText, p.Permalink, p.CreatedUTC, p.ExtractedTime, p.UpdateTime,
	}
}

func keysOf(posts map[string]*Post) []string {
	keys := make([]string, 0, len(posts))
	for k := range posts {
		keys = append(keys, k)
	}
	return keys
}
