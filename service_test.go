package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/pipeline"
	"github.com/lakeshed/reddit-medallion/store"
)

func batchLine(postID string, score int) string {
	return fmt.Sprintf(`{"post_id":%q,"title":"t","selftext":"body","author":"alice",`+
		`"subreddit":"golang","score":%d,"num_comments":2,"upvote_ratio":0.9,`+
		`"is_self":"True","is_video":"False","domain":"self.golang",`+
		`"link_flair_text":"discussion","permalink":"/r/golang/x",`+
		`"created_utc":1700000000,"extracted_time":"2023-11-15T01:00:00Z"}`, postID, score)
}

// Stop must wait for the poll loop to finish before closing the store,
// so a batch in flight at shutdown completes against a live handle.
func TestStopDrainsBeforeClosingStore(t *testing.T) {
	inputDir := t.TempDir()
	archiveDir := filepath.Join(t.TempDir(), "archive")
	config := &Config{
		Service: ServiceConfig{Name: "test", PollIntervalSeconds: 5},
		Input:   InputConfig{Dir: inputDir, Pattern: "*.ndjson", ArchiveDir: archiveDir},
	}

	st, err := store.Open(store.Options{}, nil)
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	s := &Service{
		config:      config,
		store:       st,
		coordinator: pipeline.New(st, nil),
		logger:      zap.NewNop(),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}

	file := filepath.Join(inputDir, "b1.ndjson")
	if err := os.WriteFile(file, []byte(batchLine("abc123", 10)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	go s.Start()

	deadline := time.Now().Add(10 * time.Second)
	for s.Stats().BatchesProcessed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := st.DB().Ping(); err != nil {
		t.Fatalf("store closed while service running: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after loop drain")
	}

	if err := st.DB().Ping(); err == nil {
		t.Error("store still open after Stop")
	}
	if _, err := os.Stat(filepath.Join(archiveDir, "b1.ndjson")); err != nil {
		t.Errorf("processed batch not archived: %v", err)
	}
}
