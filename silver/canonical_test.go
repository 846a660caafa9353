package silver

import (
	"errors"
	"testing"

	"github.com/lakeshed/reddit-medallion/schema"
)

func TestCanonicalizeEmptyOptionalIsNull(t *testing.T) {
	rec := rawPost("abc123", 10, "2023-11-15T01:00:00Z")
	rec[schema.FieldAuthor] = schema.String("")
	rec[schema.FieldLinkFlairText] = schema.Null()

	p, err := Canonicalize(rec)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	if p.Author != nil {
		t.Errorf("empty author = %q, want nil", *p.Author)
	}
	if p.LinkFlairText != nil {
		t.Errorf("null flair = %q, want nil", *p.LinkFlairText)
	}
	if p.Domain == nil || *p.Domain != "self.golang" {
		t.Error("populated optional lost")
	}
}

func TestCanonicalizeCoercionErrorNamesField(t *testing.T) {
	rec := rawPost("abc123", 10, "2023-11-15T01:00:00Z")
	rec[schema.FieldCreatedUTC] = schema.String("yesterday-ish")

	_, err := Canonicalize(rec)
	var cerr *CoercionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CoercionError, got %v", err)
	}
	if cerr.PostID != "abc123" || cerr.Field != schema.FieldCreatedUTC {
		t.Errorf("error misattributed: %+v", cerr)
	}
}
