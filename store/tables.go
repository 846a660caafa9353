package store

// DDL for every table the pipeline owns. Each statement takes the fully
// qualified table location as its first fmt argument.
const (
	// Bronze keeps the collector's loose encodings: the boolean flags
	// and created_utc stay VARCHAR until canonicalization. Append-only;
	// re-running a batch re-appends, so post_id is not unique here.
	createPostsRawSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			post_id VARCHAR NOT NULL,
			title VARCHAR,
			selftext VARCHAR,
			author VARCHAR,
			subreddit VARCHAR,
			score BIGINT,
			num_comments BIGINT,
			upvote_ratio DOUBLE,
			is_self VARCHAR,
			is_video VARCHAR,
			domain VARCHAR,
			link_flair_text VARCHAR,
			permalink VARCHAR,
			created_utc VARCHAR,
			extracted_time VARCHAR,
			batch_id VARCHAR NOT NULL,
			load_seq BIGINT NOT NULL,
			load_time TIMESTAMP NOT NULL
		)
	`

	// Silver holds exactly one canonical row per post, mutated only by
	// the conditional merge.
	createPostsSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			post_id VARCHAR NOT NULL PRIMARY KEY,
			title VARCHAR NOT NULL,
			selftext VARCHAR,
			author VARCHAR,
			subreddit VARCHAR NOT NULL,
			score BIGINT NOT NULL,
			num_comments BIGINT NOT NULL,
			upvote_ratio DOUBLE NOT NULL,
			is_self BOOLEAN NOT NULL,
			is_video BOOLEAN NOT NULL,
			domain VARCHAR,
			link_flair_text VARCHAR,
			permalink VARCHAR,
			created_utc TIMESTAMP NOT NULL,
			extracted_time TIMESTAMP NOT NULL,
			update_time TIMESTAMP NOT NULL
		)
	`

	// Change feed: one row per applied insert or update, scoped by
	// batch id so the Gold stage and external CDC consumers can
	// retrieve exactly what a batch changed.
	createPostChangesSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			batch_id VARCHAR NOT NULL,
			post_id VARCHAR NOT NULL,
			change_type VARCHAR NOT NULL,
			old_row JSON,
			new_row JSON NOT NULL,
			changed_at TIMESTAMP NOT NULL
		)
	`

	createFactPostsSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			post_id VARCHAR NOT NULL PRIMARY KEY,
			title VARCHAR NOT NULL,
			subreddit VARCHAR NOT NULL,
			author VARCHAR,
			link_flair_text VARCHAR,
			domain VARCHAR,
			format VARCHAR NOT NULL,
			score BIGINT NOT NULL,
			num_comments BIGINT NOT NULL,
			upvote_ratio DOUBLE NOT NULL,
			created_utc TIMESTAMP NOT NULL,
			update_time TIMESTAMP NOT NULL
		)
	`

	// Dimensions carry only their natural value and a last-seen
	// timestamp; second fmt argument is the value column name.
	createDimSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			%s VARCHAR NOT NULL PRIMARY KEY,
			update_time TIMESTAMP NOT NULL
		)
	`

	createRejectedRowsSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			batch_id VARCHAR NOT NULL,
			source_table VARCHAR NOT NULL,
			violated_rules JSON NOT NULL,
			payload JSON NOT NULL,
			quarantined_at TIMESTAMP NOT NULL
		)
	`

	// Per-batch, per-stage completion ledger; lets a partially
	// completed batch resume without double-counting.
	createPipelineRunsSQL = `
		CREATE TABLE IF NOT EXISTS %s (
			batch_id VARCHAR NOT NULL,
			stage VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`
)
