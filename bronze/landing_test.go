package bronze

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

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

func rawRecord(postID string) schema.Record {
	return schema.Record{
		schema.FieldPostID:        schema.String(postID),
		schema.FieldTitle:         schema.String("a title"),
		schema.FieldSelftext:      schema.Null(),
		schema.FieldAuthor:        schema.String("alice"),
		schema.FieldSubreddit:     schema.String("golang"),
		schema.FieldScore:         schema.IntValue(10),
		schema.FieldNumComments:   schema.IntValue(2),
		schema.FieldUpvoteRatio:   schema.FloatValue(0.9),
		schema.FieldIsSelf:        schema.String("True"),
		schema.FieldIsVideo:       schema.String("False"),
		schema.FieldDomain:        schema.String("self.golang"),
		schema.FieldLinkFlairText: schema.Null(),
		schema.FieldPermalink:     schema.String("/r/golang/x"),
		schema.FieldCreatedUTC:    schema.IntValue(1700000000),
		schema.FieldExtractedTime: schema.String("2023-11-15T01:00:00Z"),
	}
}

func TestAppendStampsProvenance(t *testing.T) {
	st := newTestStore(t)
	landing := NewLanding(st, nil)
	fixed := time.Date(2023, 11, 15, 2, 0, 0, 0, time.UTC)
	landing.now = func() time.Time { return fixed }

	n, err := landing.Append(context.Background(), "daily", []schema.Record{rawRecord("p1")})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("appended %d rows, want 1", n)
	}

	var (
		batchID       string
		loadTime      time.Time
		selftext      *string
		flair         *string
		isSelf        string
		createdString string
	)
	query := fmt.Sprintf(`
		SELECT batch_id, load_time, selftext, link_flair_text, is_self, created_utc
		FROM %s WHERE post_id = 'p1'
	`, st.BronzeTable())
	err = st.DB().QueryRow(query).Scan(&batchID, &loadTime, &selftext, &flair, &isSelf, &createdString)
	if err != nil {
		t.Fatal(err)
	}
	if batchID != "daily" {
		t.Errorf("batch_id = %q, want daily", batchID)
	}
	if !loadTime.Equal(fixed) {
		t.Errorf("load_time = %v, want %v", loadTime, fixed)
	}
	if selftext != nil || flair != nil {
		t.Error("null fields did not land as NULL")
	}
	// Loose columns keep the source encoding untouched.
	if isSelf != "True" {
		t.Errorf("is_self = %q, want original encoding", isSelf)
	}
	if createdString != "1700000000" {
		t.Errorf("created_utc = %q, want original encoding", createdString)
	}
}

// Re-landing the same batch appends again; dedup is the merge's job.
func TestAppendIsAppendOnly(t *testing.T) {
	st := newTestStore(t)
	landing := NewLanding(st, nil)
	ctx := context.Background()

	recs := []schema.Record{rawRecord("p1")}
	if _, err := landing.Append(ctx, "daily", recs); err != nil {
		t.Fatal(err)
	}
	if _, err := landing.Append(ctx, "daily", recs); err != nil {
		t.Fatal(err)
	}

	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE batch_id = 'daily'", st.BronzeTable())
	if err := st.DB().QueryRow(query).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("bronze has %d rows, want 2", n)
	}
}

func TestQuarantineRoundTrip(t *testing.T) {
	st := newTestStore(t)
	q := NewQuarantine(st, nil)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"post_id": "bad1", "upvote_ratio": 1.5})
	err := q.Add(ctx, "daily", []Entry{{
		SourceTable:   "posts",
		ViolatedRules: []string{"upvote_ratio:out_of_range[0,1]"},
		Payload:       payload,
	}})
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	n, err := q.Count(ctx, "daily")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	var rules, stored string
	query := fmt.Sprintf("SELECT violated_rules::VARCHAR, payload::VARCHAR FROM %s WHERE batch_id = 'daily'", st.QuarantineTable())
	if err := st.DB().QueryRow(query).Scan(&rules, &stored); err != nil {
		t.Fatal(err)
	}

	var decoded []string
	if err := json.Unmarshal([]byte(rules), &decoded); err != nil {
		t.Fatalf("violated_rules not a JSON array: %v", err)
	}
	if len(decoded) != 1 || decoded[0] != "upvote_ratio:out_of_range[0,1]" {
		t.Errorf("violated_rules = %v", decoded)
	}

	var row map[string]any
	if err := json.Unmarshal([]byte(stored), &row); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if row["post_id"] != "bad1" {
		t.Errorf("payload post_id = %v, want bad1", row["post_id"])
	}
}

func TestQuarantineEmptyBatchNoRows(t *testing.T) {
	st := newTestStore(t)
	q := NewQuarantine(st, nil)

	if err := q.Add(context.Background(), "daily", nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	n, err := q.Count(context.Background(), "daily")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}
