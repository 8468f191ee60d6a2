// Package batch sequences one warehouse run: snapshot reads, SCD2 merges,
// dimension rebuild, fact rebuild — all inside a single storage transaction
// keyed by an externally supplied batch id. The caller (an external
// scheduler) owns when to run and what to do with failures; this package
// only guarantees that a batch either fully applies or leaves no trace.
package batch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"coursedw/internal/metrics"
	"coursedw/internal/scd2"
	"coursedw/internal/source"
	"coursedw/internal/star"
	"coursedw/internal/warehouse"
)

// Mode selects between a from-scratch load and an incremental one.
type Mode string

const (
	// ModeFull truncates every warehouse and star-schema table first and
	// always runs as batch 1.
	ModeFull Mode = "full"

	// ModeIncremental applies the snapshot on top of existing history under
	// the supplied batch id.
	ModeIncremental Mode = "incremental"
)

// Logger is the minimal logging interface used by the orchestrator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

var _ Logger = (*log.Logger)(nil)

// Orchestrator wires the components of one warehouse together.
type Orchestrator struct {
	Repo    warehouse.Repository
	Model   warehouse.Model
	Sources []source.Source

	Merge *scd2.Engine
	Star  *star.Builder

	Logger Logger

	// Now is a test seam; production uses time.Now.
	Now func() time.Time
}

func (o *Orchestrator) logf(format string, v ...any) {
	if o.Logger == nil {
		return
	}
	o.Logger.Printf(format, v...)
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Run executes one batch. On any failure the whole transaction is rolled
// back and a single error naming the failing stage and entity is returned;
// re-running the same batch afterwards is safe and produces the same result.
func (o *Orchestrator) Run(ctx context.Context, batchID int64, mode Mode) (Result, error) {
	start := time.Now()
	res, err := o.run(ctx, batchID, mode)

	status := "ok"
	if err != nil {
		status = "failed"
	}
	metrics.IncCounter("etl_batch_runs", 1, map[string]string{"mode": string(mode), "status": status})
	metrics.ObserveDuration("etl_batch_duration", time.Since(start), map[string]string{"mode": string(mode), "status": status})
	return res, err
}

func (o *Orchestrator) run(ctx context.Context, batchID int64, mode Mode) (Result, error) {
	start := time.Now()
	res := Result{Mode: mode}

	switch mode {
	case ModeFull:
		// Full loads always run as batch 1, mirroring the truncated state.
		batchID = 1
	case ModeIncremental:
		if batchID <= 0 {
			return res, fmt.Errorf("batch: incremental run needs a positive batch id, got %d", batchID)
		}
	default:
		return res, fmt.Errorf("batch: unknown mode %q", mode)
	}
	res.BatchID = batchID

	effective := o.now()

	tx, err := o.Repo.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("batch %d: begin: %w", batchID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Only one batch may be in flight against a warehouse. The advisory
	// lock backs up the scheduler's mutual-exclusion guarantee.
	if err := tx.AcquireBatchLock(ctx); err != nil {
		return res, fmt.Errorf("batch %d: acquire lock: %w", batchID, err)
	}

	if mode == ModeFull {
		if err := tx.TruncateAll(ctx, o.Model); err != nil {
			return res, fmt.Errorf("batch %d: truncate: %w", batchID, err)
		}
		o.logf("stage=truncate ok")
	} else {
		// Batches apply in non-decreasing order. Equal ids are allowed so a
		// rolled-back batch can be retried.
		max, err := tx.MaxBatchID(ctx, o.Model.Entities)
		if err != nil {
			return res, fmt.Errorf("batch %d: read max batch id: %w", batchID, err)
		}
		if batchID < max {
			return res, fmt.Errorf("batch %d: out of order: warehouse already at batch %d", batchID, max)
		}
	}

	if err := o.mergeAll(ctx, tx, &res, batchID, effective); err != nil {
		return res, err
	}

	if err := o.Star.RebuildDimensions(ctx, tx, o.Model); err != nil {
		return res, fmt.Errorf("batch %d: dimensions: %w", batchID, err)
	}

	factRows, err := o.Star.RebuildFacts(ctx, tx, o.Model)
	if err != nil {
		return res, fmt.Errorf("batch %d: facts: %w", batchID, err)
	}
	res.FactRows = factRows

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("batch %d: commit: %w", batchID, err)
	}
	committed = true

	res.Elapsed = time.Since(start)
	o.logf("stage=done batch=%d mode=%s fact_rows=%d duration=%s",
		batchID, mode, res.FactRows, res.Elapsed.Truncate(time.Millisecond))
	return res, nil
}

// mergeAll runs every feed's snapshots through the merge engine. Feeds are
// ordered by audit tag and entities within a feed keep their declared order,
// so runs are deterministic.
func (o *Orchestrator) mergeAll(ctx context.Context, tx warehouse.Tx, res *Result, batchID int64, effective time.Time) error {
	feeds := append([]source.Source(nil), o.Sources...)
	sort.SliceStable(feeds, func(i, j int) bool {
		return feeds[i].SourceIDAudit() < feeds[j].SourceIDAudit()
	})

	for _, feed := range feeds {
		for _, name := range feed.Entities() {
			spec, ok := o.Model.Entity(name)
			if !ok {
				return fmt.Errorf("batch %d: source %s feeds unknown entity %q", batchID, feed.Name(), name)
			}

			rows, err := feed.Fetch(ctx, spec)
			if err != nil {
				return fmt.Errorf("batch %d: %w", batchID, err)
			}

			stats, err := o.Merge.Merge(ctx, tx, spec, rows, feed.SourceIDAudit(), batchID, effective)
			if err != nil {
				return fmt.Errorf("batch %d: merge %s (source %d): %w", batchID, name, feed.SourceIDAudit(), err)
			}

			res.Entities = append(res.Entities, stats)
			tags := map[string]string{"entity": name, "source": fmt.Sprint(feed.SourceIDAudit())}
			metrics.IncCounter("etl_versions_inserted", float64(stats.Inserted), tags)
			metrics.IncCounter("etl_versions_closed", float64(stats.Closed), tags)
		}
	}
	return nil
}
