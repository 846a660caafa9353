// Package silver implements the canonical tier: typed coercion of raw
// rows and the change-aware conditional merge that maintains exactly
// one canonical row per post.
package silver

import (
	"fmt"
	"time"

	"github.com/lakeshed/reddit-medallion/schema"
)

// Post is the canonical typed projection of one raw record. Nullable
// attributes are pointers so NULL survives storage and the change feed
// unambiguously.
type Post struct {
	PostID        string    `json:"post_id"`
	Title         string    `json:"title"`
	Selftext      *string   `json:"selftext"`
	Author        *string   `json:"author"`
	Subreddit     string    `json:"subreddit"`
	Score         int64     `json:"score"`
	NumComments   int64     `json:"num_comments"`
	UpvoteRatio   float64   `json:"upvote_ratio"`
	IsSelf        bool      `json:"is_self"`
	IsVideo       bool      `json:"is_video"`
	Domain        *string   `json:"domain"`
	LinkFlairText *string   `json:"link_flair_text"`
	Permalink     *string   `json:"permalink"`
	CreatedUTC    time.Time `json:"created_utc"`
	ExtractedTime time.Time `json:"extracted_time"`
	UpdateTime    time.Time `json:"update_time"`
}

// SameMetrics reports whether the mutable comparison set is unchanged.
// Only score, comment count, and upvote ratio are expected to evolve
// over a post's lifetime; comparing just these keeps re-extraction
// jitter on immutable fields from registering as a change.
func (p *Post) SameMetrics(other *Post) bool {
	return p.Score == other.Score &&
		p.NumComments == other.NumComments &&
		p.UpvoteRatio == other.UpvoteRatio
}

// CoercionError is a row-scoped failure to coerce one field. These rows
// are excluded from the merge and logged; they are distinct from
// validation rejections and never reach the quarantine table.
type CoercionError struct {
	PostID string
	Field  string
	Err    error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("coercion failed for %s.%s: %v", e.PostID, e.Field, e.Err)
}

func (e *CoercionError) Unwrap() error { return e.Err }

// Canonicalize coerces one validated raw record into its canonical
// typed form. It is a pure function of the record's values.
func Canonicalize(rec schema.Record) (*Post, error) {
	postID := rec.Field(schema.FieldPostID).Encoded()
	fail := func(field string, err error) (*Post, error) {
		return nil, &CoercionError{PostID: postID, Field: field, Err: err}
	}

	title, err := schema.CoerceString(rec.Field(schema.FieldTitle))
	if err != nil {
		return fail(schema.FieldTitle, err)
	}
	subreddit, err := schema.CoerceString(rec.Field(schema.FieldSubreddit))
	if err != nil {
		return fail(schema.FieldSubreddit, err)
	}
	score, err := schema.CoerceInt(rec.Field(schema.FieldScore))
	if err != nil {
		return fail(schema.FieldScore, err)
	}
	comments, err := schema.CoerceInt(rec.Field(schema.FieldNumComments))
	if err != nil {
		return fail(schema.FieldNumComments, err)
	}
	ratio, err := schema.CoerceFloat(rec.Field(schema.FieldUpvoteRatio))
	if err != nil {
		return fail(schema.FieldUpvoteRatio, err)
	}
	isSelf, err := schema.CoerceBool(rec.Field(schema.FieldIsSelf))
	if err != nil {
		return fail(schema.FieldIsSelf, err)
	}
	isVideo, err := schema.CoerceBool(rec.Field(schema.FieldIsVideo))
	if err != nil {
		return fail(schema.FieldIsVideo, err)
	}
	createdUTC, err := schema.CoerceTimestamp(rec.Field(schema.FieldCreatedUTC))
	if err != nil {
		return fail(schema.FieldCreatedUTC, err)
	}
	extracted, err := schema.CoerceTimestamp(rec.Field(schema.FieldExtractedTime))
	if err != nil {
		return fail(schema.FieldExtractedTime, err)
	}

	return &Post{
		PostID:        postID,
		Title:         title,
		Selftext:      optionalText(rec, schema.FieldSelftext),
		Author:        optionalText(rec, schema.FieldAuthor),
		Subreddit:     subreddit,
		Score:         score,
		NumComments:   comments,
		UpvoteRatio:   ratio,
		IsSelf:        isSelf,
		IsVideo:       isVideo,
		Domain:        optionalText(rec, schema.FieldDomain),
		LinkFlairText: optionalText(rec, schema.FieldLinkFlairText),
		Permalink:     optionalText(rec, schema.FieldPermalink),
		CreatedUTC:    createdUTC,
		ExtractedTime: extracted,
	}, nil
}

// optionalText normalizes an absent, null, or empty-string attribute to
// nil, so facts and dimensions agree on which values exist.
func optionalText(rec schema.Record, field string) *string {
	v := rec.Field(field)
	if v.IsNull() {
		return nil
	}
	s := v.Encoded()
	if s == "" {
		return nil
	}
	return &s
}
