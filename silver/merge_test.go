package silver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/lakeshed/reddit-medallion/bronze"
	"github.com/lakeshed/reddit-medallion/schema"
	"github.com/lakeshed/reddit-medallion/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Options{}, nil)
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func rawPost(postID string, score int64, extracted string) schema.Record {
	return schema.Record{
		schema.FieldPostID:        schema.String(postID),
		schema.FieldTitle:         schema.String("title of " + postID),
		schema.FieldSelftext:      schema.String("body"),
		schema.FieldAuthor:        schema.String("alice"),
		schema.FieldSubreddit:     schema.String("golang"),
		schema.FieldScore:         schema.IntValue(score),
		schema.FieldNumComments:   schema.IntValue(2),
		schema.FieldUpvoteRatio:   schema.FloatValue(0.9),
		schema.FieldIsSelf:        schema.String("True"),
		schema.FieldIsVideo:       schema.String("False"),
		schema.FieldDomain:        schema.String("self.golang"),
		schema.FieldLinkFlairText: schema.String("discussion"),
		schema.FieldPermalink:     schema.String("/r/golang/" + postID),
		schema.FieldCreatedUTC:    schema.String("1700000000"),
		schema.FieldExtractedTime: schema.String(extracted),
	}
}

func land(t *testing.T, st *store.Store, batchID string, records ...schema.Record) {
	t.Helper()
	landing := bronze.NewLanding(st, nil)
	if _, err := landing.Append(context.Background(), batchID, records); err != nil {
		t.Fatalf("failed to land batch %s: %v", batchID, err)
	}
}

func silverCount(t *testing.T, st *store.Store) int {
	t.Helper()
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", st.SilverTable())
	if err := st.DB().QueryRow(query).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func silverRow(t *testing.T, st *store.Store, postID string) *Post {
	t.Helper()
	m := NewMerger(st, nil)
	posts, err := m.loadExisting(context.Background(), []string{postID})
	if err != nil {
		t.Fatal(err)
	}
	p, ok := posts[postID]
	if !ok {
		t.Fatalf("post %s not found in silver", postID)
	}
	return p
}

func TestMergeInsert(t *testing.T) {
	st := newTestStore(t)
	land(t, st, "b1", rawPost("abc123", 10, "2023-11-15T01:00:00Z"))

	m := NewMerger(st, nil)
	result, err := m.MergeBatch(context.Background(), "b1")
	if err != nil {
		t.Fatalf("MergeBatch failed: %v", err)
	}
	if result.Inserted != 1 || result.Updated != 0 || result.Unchanged != 0 {
		t.Errorf("got inserted=%d updated=%d unchanged=%d, want 1/0/0",
			result.Inserted, result.Updated, result.Unchanged)
	}

	p := silverRow(t, st, "abc123")
	if !p.IsSelf || p.IsVideo {
		t.Errorf("flags not coerced: is_self=%v is_video=%v", p.IsSelf, p.IsVideo)
	}
	if !p.CreatedUTC.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("created_utc = %v, want epoch 1700000000", p.CreatedUTC)
	}
}

// Re-running the identical batch yields exactly one canonical row per
// key and applies no further changes.
func TestMergeIdempotent(t *testing.T) {
	st := newTestStore(t)
	land(t, st, "b1", rawPost("abc123", 10, "2023-11-15T01:00:00Z"))

	m := NewMerger(st, nil)
	if _, err := m.MergeBatch(context.Background(), "b1"); err != nil {
		t.Fatal(err)
	}
	first := silverRow(t, st, "abc123")

	// Simulate a retry: the batch lands again (at-least-once) and
	// merges again.
	land(t, st, "b1", rawPost("abc123", 10, "2023-11-15T01:00:00Z"))
	result, err := m.MergeBatch(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Inserted != 0 || result.Updated != 0 || result.Unchanged != 1 {
		t.Errorf("retry applied changes: %+v", result)
	}
	if n := silverCount(t, st); n != 1 {
		t.Errorf("silver has %d rows, want 1", n)
	}
	second := silverRow(t, st, "abc123")
	if !second.UpdateTime.Equal(first.UpdateTime) {
		t.Errorf("update_time bumped on no-op: %v -> %v", first.UpdateTime, second.UpdateTime)
	}
}

func TestMergeMetricChangeUpdates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	t1 := time.Date(2023, 11, 15, 2, 0, 0, 0, time.UTC)
	t2 := time.Date(2023, 11, 16, 2, 0, 0, 0, time.UTC)

	land(t, st, "b1", rawPost("abc123", 10, "2023-11-15T01:00:00Z"))
	m := NewMerger(st, nil)
	m.now = func() time.Time { return t1 }
	if _, err := m.MergeBatch(ctx, "b1"); err != nil {
		t.Fatal(err)
	}

	land(t, st, "b2", rawPost("abc123", 15, "2023-11-16T01:00:00Z"))
	m.now = func() time.Time { return t2 }
	result, err := m.MergeBatch(ctx, "b2")
	if err != nil {
		t.Fatal(err)
	}
	if result.Updated != 1 {
		t.Fatalf("expected 1 update, got %+v", result)
	}

	p := silverRow(t, st, "abc123")
	if p.Score != 15 {
		t.Errorf("score = %d, want 15", p.Score)
	}
	if !p.UpdateTime.Equal(t2) {
		t.Errorf("update_time = %v, want %v", p.UpdateTime, t2)
	}
	// Full-row overwrite: extracted_time from the second batch wins.
	if !p.ExtractedTime.Equal(time.Date(2023, 11, 16, 1, 0, 0, 0, time.UTC)) {
		t.Errorf("extracted_time not overwritten: %v", p.ExtractedTime)
	}

	if len(result.Changes) != 1 {
		t.Fatalf("expected 1 change event, got %d", len(result.Changes))
	}
	c := result.Changes[0]
	if c.Type != ChangeUpdate || c.Old == nil || c.Old.Score != 10 || c.New.Score != 15 {
		t.Errorf("change event malformed: %+v", c)
	}
}

// Jitter on fields outside the mutable set must not register as a
// change.
func TestMergeIgnoresNonMetricJitter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	land(t, st, "b1", rawPost("abc123", 10, "2023-11-15T01:00:00Z"))
	m := NewMerger(st, nil)
	if _, err := m.MergeBatch(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	before := silverRow(t, st, "abc123")

	jitter := rawPost("abc123", 10, "2023-11-16T01:00:00Z")
	jitter[schema.FieldSelftext] = schema.String("re-extracted body, slightly different")
	land(t, st, "b2", jitter)
	result, err := m.MergeBatch(ctx, "b2")
	if err != nil {
		t.Fatal(err)
	}
	if result.Unchanged != 1 || result.Updated != 0 {
		t.Errorf("jitter registered as change: %+v", result)
	}
	after := silverRow(t, st, "abc123")
	if !after.UpdateTime.Equal(before.UpdateTime) {
		t.Error("update_time bumped for non-metric jitter")
	}
	if *after.Selftext != "body" {
		t.Errorf("row rewritten on no-op: selftext = %q", *after.Selftext)
	}
}

// Duplicate keys within one batch: the record with the latest
// extracted_time wins.
func TestMergeInBatchDuplicateLastWins(t *testing.T) {
	st := newTestStore(t)
	land(t, st, "b1",
		rawPost("abc123", 10, "2023-11-15T01:00:00Z"),
		rawPost("abc123", 99, "2023-11-15T03:00:00Z"),
		rawPost("abc123", 50, "2023-11-15T02:00:00Z"),
	)

	m := NewMerger(st, nil)
	result, err := m.MergeBatch(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Inserted != 1 {
		t.Fatalf("expected 1 insert, got %+v", result)
	}
	if p := silverRow(t, st, "abc123"); p.Score != 99 {
		t.Errorf("score = %d, want 99 (latest extraction wins)", p.Score)
	}
}

// Duplicate keys sharing an identical extracted_time: landing order
// breaks the tie, so the later-landed record wins deterministically.
func TestMergeInBatchDuplicateExactTie(t *testing.T) {
	st := newTestStore(t)
	land(t, st, "b1",
		rawPost("abc123", 10, "2023-11-15T01:00:00Z"),
		rawPost("abc123", 42, "2023-11-15T01:00:00Z"),
	)

	m := NewMerger(st, nil)
	result, err := m.MergeBatch(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Inserted != 1 {
		t.Fatalf("expected 1 insert, got %+v", result)
	}
	if p := silverRow(t, st, "abc123"); p.Score != 42 {
		t.Errorf("score = %d, want 42 (later-landed row wins exact ties)", p.Score)
	}
}

// Unparsable created_utc passes landing validation but fails coercion;
// the row is excluded from the merge, not fatal and not quarantined.
func TestMergeCoercionFailureExcluded(t *testing.T) {
	st := newTestStore(t)
	bad := rawPost("bad1", 5, "2023-11-15T01:00:00Z")
	bad[schema.FieldCreatedUTC] = schema.String("yesterday-ish")
	land(t, st, "b1", bad, rawPost("good1", 7, "2023-11-15T01:00:00Z"))

	m := NewMerger(st, nil)
	result, err := m.MergeBatch(context.Background(), "b1")
	if err != nil {
		t.Fatalf("coercion failure must not fail the batch: %v", err)
	}
	if result.CoercionFailures != 1 {
		t.Errorf("coercion failures = %d, want 1", result.CoercionFailures)
	}
	if result.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", result.Inserted)
	}
	if n := silverCount(t, st); n != 1 {
		t.Errorf("silver has %d rows, want 1", n)
	}
}

func TestChangesRetrievableByBatch(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	land(t, st, "b1", rawPost("abc123", 10, "2023-11-15T01:00:00Z"))
	m := NewMerger(st, nil)
	if _, err := m.MergeBatch(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	land(t, st, "b2", rawPost("abc123", 15, "2023-11-16T01:00:00Z"))
	if _, err := m.MergeBatch(ctx, "b2"); err != nil {
		t.Fatal(err)
	}

	changes, err := m.Changes(ctx, "b2")
	if err != nil {
		t.Fatalf("Changes failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("got %d changes for b2, want 1", len(changes))
	}
	c := changes[0]
	if c.Type != ChangeUpdate || c.PostID != "abc123" {
		t.Errorf("unexpected change: %+v", c)
	}
	if c.Old == nil || c.Old.Score != 10 || c.New.Score != 15 {
		t.Errorf("old/new state lost in feed: old=%+v new=%+v", c.Old, c.New)
	}

	// Feed rows must round-trip as JSON for external CDC consumers.
	encoded, err := json.Marshal(c.New)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Post
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.PostID != "abc123" {
		t.Errorf("feed row did not round-trip: %+v", decoded)
	}
}
