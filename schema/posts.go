package schema

// Field names of the Reddit posts record as delivered by the collector.
const (
	FieldPostID        = "post_id"
	FieldTitle         = "title"
	FieldSelftext      = "selftext"
	FieldAuthor        = "author"
	FieldSubreddit     = "subreddit"
	FieldScore         = "score"
	FieldNumComments   = "num_comments"
	FieldUpvoteRatio   = "upvote_ratio"
	FieldIsSelf        = "is_self"
	FieldIsVideo       = "is_video"
	FieldDomain        = "domain"
	FieldLinkFlairText = "link_flair_text"
	FieldPermalink     = "permalink"
	FieldCreatedUTC    = "created_utc"
	FieldExtractedTime = "extracted_time"
)

// PostsContract is the landing-tier contract for Reddit posts.
//
// created_utc is deliberately declared as a string here: its parse
// happens during canonicalization, where a failure is a row-scoped
// coercion failure rather than a validation rejection. extracted_time
// must parse at landing because the merge tie-break depends on it.
func PostsContract() *Contract {
	return NewContract("posts_raw", []FieldSpec{
		{Name: FieldPostID, Type: TypeString, Checks: []Check{NonEmptyCheck{}}},
		{Name: FieldTitle, Type: TypeString},
		{Name: FieldSelftext, Type: TypeString, Nullable: true},
		{Name: FieldAuthor, Type: TypeString, Nullable: true},
		{Name: FieldSubreddit, Type: TypeString, Checks: []Check{NonEmptyCheck{}}},
		{Name: FieldScore, Type: TypeInt},
		{Name: FieldNumComments, Type: TypeInt},
		{Name: FieldUpvoteRatio, Type: TypeFloat, Checks: []Check{RangeCheck{Min: 0, Max: 1}}},
		{Name: FieldIsSelf, Type: TypeBool},
		{Name: FieldIsVideo, Type: TypeBool},
		{Name: FieldDomain, Type: TypeString, Nullable: true},
		{Name: FieldLinkFlairText, Type: TypeString, Nullable: true},
		{Name: FieldPermalink, Type: TypeString, Nullable: true},
		{Name: FieldCreatedUTC, Type: TypeString},
		{Name: FieldExtractedTime, Type: TypeTimestamp},
	})
}
