// Package pipeline sequences one batch through the medallion tiers:
// validate, quarantine, land, merge, build. The coordinator owns batch
// identity propagation and the per-stage outcome report.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lakeshed/reddit-medallion/bronze"
	"github.com/lakeshed/reddit-medallion/gold"
	"github.com/lakeshed/reddit-medallion/schema"
	"github.com/lakeshed/reddit-medallion/silver"
	"github.com/lakeshed/reddit-medallion/source"
	"github.com/lakeshed/reddit-medallion/store"
)

// Summary is the sole error-visibility surface for one batch run.
type Summary struct {
	BatchID          string        `json:"batch_id"`
	RunID            string        `json:"run_id"`
	Accepted         int           `json:"accepted"`
	Quarantined      int           `json:"quarantined"`
	CoercionFailures int           `json:"coercion_failures"`
	BronzeAppended   int           `json:"bronze_appended"`
	SilverInserted   int           `json:"silver_inserted"`
	SilverUpdated    int           `json:"silver_updated"`
	SilverUnchanged  int           `json:"silver_unchanged"`
	FactInserted     int           `json:"fact_inserted"`
	FactUpdated      int           `json:"fact_updated"`
	DimInserted      int           `json:"dim_inserted"`
	DimRefreshed     int           `json:"dim_refreshed"`
	Resumed          bool          `json:"resumed"`
	Duration         time.Duration `json:"duration_ns"`
}

// Coordinator wires the tier components for one table store.
type Coordinator struct {
	contract   *schema.Contract
	landing    *bronze.Landing
	quarantine *bronze.Quarantine
	merger     *silver.Merger
	builder    *gold.Builder
	ledger     *RunLedger
	logger     *zap.Logger
	workers    int
}

// New builds a coordinator over an open store.
func New(st *store.Store, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		contract:   schema.PostsContract(),
		landing:    bronze.NewLanding(st, logger),
		quarantine: bronze.NewQuarantine(st, logger),
		merger:     silver.NewMerger(st, logger),
		builder:    gold.NewBuilder(st, logger),
		ledger:     NewRunLedger(st),
		logger:     logger,
		workers:    runtime.NumCPU(),
	}
}

// Run processes one batch to completion. Row-scoped problems are
// recovered locally; any returned error is batch-scoped and leaves the
// tiers retriable from scratch. Completed stages of a previously failed
// run of the same batch are skipped.
func (c *Coordinator) Run(ctx context.Context, batch *source.Batch) (*Summary, error) {
	start := time.Now()
	logger := c.logger.With(
		zap.String("batch_id", batch.ID),
		zap.String("run_id", batch.RunID))
	logger.Info("batch started",
		zap.String("source", batch.Source),
		zap.Int("records", len(batch.Records)),
		zap.Int("malformed", len(batch.Malformed)))

	// Schema drift is fatal before any row is touched.
	if err := c.contract.CheckDrift(batch.Records); err != nil {
		return nil, err
	}

	summary := &Summary{BatchID: batch.ID, RunID: batch.RunID}

	accepted, rejected, err := c.classify(batch)
	if err != nil {
		return nil, err
	}
	summary.Accepted = len(accepted)
	summary.Quarantined = len(rejected)

	if err := c.runQuarantine(ctx, batch.ID, rejected, summary); err != nil {
		return nil, err
	}
	if err := c.runBronze(ctx, batch.ID, accepted, summary); err != nil {
		return nil, err
	}
	changes, err := c.runSilver(ctx, batch.ID, summary)
	if err != nil {
		return nil, err
	}
	if err := c.runGold(ctx, batch.ID, changes, summary); err != nil {
		return nil, err
	}

	summary.Duration = time.Since(start)
	logger.Info("batch complete",
		zap.Int("accepted", summary.Accepted),
		zap.Int("quarantined", summary.Quarantined),
		zap.Int("coercion_failures", summary.CoercionFailures),
		zap.Int("silver_inserted", summary.SilverInserted),
		zap.Int("silver_updated", summary.SilverUpdated),
		zap.Bool("resumed", summary.Resumed),
		zap.Duration("duration", summary.Duration))
	return summary, nil
}

// classify validates every record; records have no ordering dependency,
// so validation fans out across workers and results are reassembled in
// input order. Undecodable lines join the reject set with a framing
// rule so they stay auditable.
func (c *Coordinator) classify(batch *source.Batch) ([]schema.Record, []bronze.Entry, error) {
	results := make([]schema.Result, len(batch.Records))
	indexes := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < c.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = c.contract.Validate(batch.Records[i])
			}
		}()
	}
	for i := range batch.Records {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	var accepted []schema.Record
	var rejected []bronze.Entry
	for i, rec := range batch.Records {
		if results[i].OK() {
			accepted = append(accepted, rec)
			continue
		}
		payload, err := rec.Payload()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to serialize rejected record: %w", err)
		}
		rejected = append(rejected, bronze.Entry{
			SourceTable:   c.contract.Table,
			ViolatedRules: results[i].Violations,
			Payload:       payload,
		})
	}

	for _, m := range batch.Malformed {
		payload, err := json.Marshal(map[string]any{"line_no": m.LineNo, "raw": m.Raw})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to serialize malformed line: %w", err)
		}
		rejected = append(rejected, bronze.Entry{
			SourceTable:   c.contract.Table,
			ViolatedRules: []string{"record:malformed_json"},
			Payload:       payload,
		})
	}
	return accepted, rejected, nil
}

func (c *Coordinator) runQuarantine(ctx context.Context, batchID string, rejected []bronze.Entry, summary *Summary) error {
	done, err := c.ledger.StageDone(ctx, batchID, StageQuarantine)
	if err != nil {
		return err
	}
	if done {
		summary.Resumed = true
		return nil
	}
	if err := c.quarantine.Add(ctx, batchID, rejected); err != nil {
		return fmt.Errorf("quarantine stage: %w", err)
	}
	return c.ledger.MarkDone(ctx, batchID, StageQuarantine)
}

func (c *Coordinator) runBronze(ctx context.Context, batchID string, accepted []schema.Record, summary *Summary) error {
	done, err := c.ledger.StageDone(ctx, batchID, StageBronze)
	if err != nil {
		return err
	}
	if done {
		summary.Resumed = true
		return nil
	}
	n, err := c.landing.Append(ctx, batchID, accepted)
	if err != nil {
		return fmt.Errorf("bronze stage: %w", err)
	}
	summary.BronzeAppended = n
	return c.ledger.MarkDone(ctx, batchID, StageBronze)
}

// runSilver merges the batch unless a previous run already committed
// it. Replaying a completed merge against canonical state that later
// batches have since advanced would regress rows, so a done marker
// skips the merge entirely; the persisted change feed still tells the
// Gold stage what this batch changed.
func (c *Coordinator) runSilver(ctx context.Context, batchID string, summary *Summary) ([]silver.Change, error) {
	done, err := c.ledger.StageDone(ctx, batchID, StageSilver)
	if err != nil {
		return nil, err
	}
	if done {
		summary.Resumed = true
		return nil, nil
	}
	result, err := c.merger.MergeBatch(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("silver stage: %w", err)
	}
	summary.SilverInserted = result.Inserted
	summary.SilverUpdated = result.Updated
	summary.SilverUnchanged = result.Unchanged
	summary.CoercionFailures = result.CoercionFailures
	if err := c.ledger.MarkDone(ctx, batchID, StageSilver); err != nil {
		return nil, err
	}
	return result.Changes, nil
}

// runGold feeds the dimensional builder. On a fresh run the in-memory
// change set is used; on resume, where the merge committed in a
// previous run and was skipped this time, the persisted change feed
// supplies what the batch originally changed. A batch whose gold stage
// completed is not re-applied, so dimension timestamps stay put.
func (c *Coordinator) runGold(ctx context.Context, batchID string, changes []silver.Change, summary *Summary) error {
	done, err := c.ledger.StageDone(ctx, batchID, StageGold)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		if done {
			summary.Resumed = true
			return nil
		}
		changes, err = c.merger.Changes(ctx, batchID)
		if err != nil {
			return fmt.Errorf("gold stage: %w", err)
		}
	}

	result, err := c.builder.Apply(ctx, batchID, changes)
	if err != nil {
		return fmt.Errorf("gold stage: %w", err)
	}
	summary.FactInserted = result.FactInserted
	summary.FactUpdated = result.FactUpdated
	summary.DimInserted = result.DimInserted
	summary.DimRefreshed = result.DimRefreshed
	return c.ledger.MarkDone(ctx, batchID, StageGold)
}
