// Package store wraps the DuckDB table store backing all medallion
// tiers. The store provides schemas, DDL, and transaction boundaries;
// merge semantics live with the tier packages.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"
)

// Options addresses the table store. Path may be empty for an
// in-memory database (used by tests).
type Options struct {
	Path             string
	BronzeSchema     string
	SilverSchema     string
	GoldSchema       string
	QuarantineSchema string
}

func (o *Options) applyDefaults() {
	if o.BronzeSchema == "" {
		o.BronzeSchema = "bronze"
	}
	if o.SilverSchema == "" {
		o.SilverSchema = "silver"
	}
	if o.GoldSchema == "" {
		o.GoldSchema = "gold"
	}
	if o.QuarantineSchema == "" {
		o.QuarantineSchema = "quarantine"
	}
}

// Store manages the DuckDB connection and the tier schemas.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger
}

// Open opens the database, enforces single-writer connection limits,
// and creates every schema and table the pipeline writes to.
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("duckdb", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	// One batch run is the only writer; a second connection would
	// only ever observe a tier mid-transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, opts: opts, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	ctx := context.Background()

	for _, schema := range []string{
		s.opts.BronzeSchema,
		s.opts.SilverSchema,
		s.opts.GoldSchema,
		s.opts.QuarantineSchema,
	} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}

	ddl := []struct {
		name string
		sql  string
	}{
		{"posts_raw", fmt.Sprintf(createPostsRawSQL, s.BronzeTable())},
		{"posts", fmt.Sprintf(createPostsSQL, s.SilverTable())},
		{"post_changes", fmt.Sprintf(createPostChangesSQL, s.ChangeFeedTable())},
		{"fact_posts", fmt.Sprintf(createFactPostsSQL, s.FactTable())},
		{"dim_author", fmt.Sprintf(createDimSQL, s.DimTable("author"), "author")},
		{"dim_flair", fmt.Sprintf(createDimSQL, s.DimTable("flair"), "flair")},
		{"dim_domain", fmt.Sprintf(createDimSQL, s.DimTable("domain"), "domain")},
		{"rejected_rows", fmt.Sprintf(createRejectedRowsSQL, s.QuarantineTable())},
		{"pipeline_runs", fmt.Sprintf(createPipelineRunsSQL, s.RunsTable())},
	}
	for _, t := range ddl {
		if _, err := s.db.ExecContext(ctx, t.sql); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.name, err)
		}
	}

	s.logger.Info("table store ready",
		zap.String("path", s.opts.Path),
		zap.String("bronze", s.opts.BronzeSchema),
		zap.String("silver", s.opts.SilverSchema),
		zap.String("gold", s.opts.GoldSchema))
	return nil
}

// DB exposes the underlying handle for tier readers and writers.
func (s *Store) DB() *sql.DB { return s.db }

// Begin opens the transaction that bounds one stage's writes.
func (s *Store) Begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Logical table locations, "<schema>.<table>".

func (s *Store) BronzeTable() string     { return s.opts.BronzeSchema + ".posts_raw" }
func (s *Store) SilverTable() string     { return s.opts.SilverSchema + ".posts" }
func (s *Store) ChangeFeedTable() string { return s.opts.SilverSchema + ".post_changes" }
func (s *Store) FactTable() string       { return s.opts.GoldSchema + ".fact_posts" }
func (s *Store) DimTable(name string) string {
	return s.opts.GoldSchema + ".dim_" + name
}
func (s *Store) QuarantineTable() string { return s.opts.QuarantineSchema + ".rejected_rows" }
func (s *Store) RunsTable() string       { return s.opts.BronzeSchema + ".pipeline_runs" }

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
