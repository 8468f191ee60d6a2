// Package scd2 implements the Slowly Changing Dimension Type-2 merge: each
// snapshot is diffed against the current warehouse state per (natural key,
// source tag), closing superseded versions and opening new ones under the
// batch id. Warehouse rows are append-only; the only mutation ever applied
// is setting end_date/update_id on a closed version.
package scd2

import (
	"context"
	"log"
	"time"

	"coursedw/internal/warehouse"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Stats reports what one merge did.
type Stats struct {
	Entity      string
	SourceAudit int
	Seen        int // snapshot rows considered
	Inserted    int // new versions opened (first sightings + changes)
	Closed      int // versions closed (changes + on_missing=close)
	Unchanged   int // rows with no attribute change
}

// Engine merges snapshots into the warehouse. It holds no state of its own;
// all writes go through the batch transaction it is handed.
type Engine struct {
	Logger Logger
}

func (e *Engine) logf(format string, v ...any) {
	if e.Logger == nil {
		return
	}
	e.Logger.Printf(format, v...)
}

// Merge applies one feed's complete snapshot of one entity.
//
// Per snapshot row:
//   - no current version with this (key, source tag) -> open a new version
//   - current version exists, attributes equal      -> no-op
//   - current version exists, attributes differ     -> close it, open a new one
//
// Natural keys present in the warehouse but absent from the snapshot are
// left open unless the entity opted into on_missing=close.
//
// Closes are issued before inserts so a backend enforcing the
// one-current-version constraint never observes two open rows for a key.
func (e *Engine) Merge(
	ctx context.Context,
	tx warehouse.Tx,
	spec warehouse.EntitySpec,
	rows []warehouse.SnapshotRow,
	sourceAudit int,
	batchID int64,
	effective time.Time,
) (Stats, error) {
	start := time.Now()
	stats := Stats{Entity: spec.Name, SourceAudit: sourceAudit}

	current, err := tx.CurrentVersions(ctx, spec, sourceAudit)
	if err != nil {
		return stats, err
	}

	var (
		toClose  []any
		toInsert []warehouse.SnapshotRow
		seen     = make(map[string]struct{}, len(rows))
	)

	// Later duplicates of a natural key within one snapshot supersede
	// earlier ones, mirroring "the snapshot is the current state".
	deduped := make(map[string]warehouse.SnapshotRow, len(rows))
	order := make([]string, 0, len(rows))
	for _, r := range rows {
		nk := warehouse.NormalizeKey(r.Key)
		if _, dup := deduped[nk]; !dup {
			order = append(order, nk)
		}
		deduped[nk] = r
	}

	for _, nk := range order {
		r := deduped[nk]
		stats.Seen++
		seen[nk] = struct{}{}

		cur, ok := current[nk]
		if !ok {
			toInsert = append(toInsert, r)
			continue
		}

		if attrsEqual(cur.Attrs, r.Attrs) {
			stats.Unchanged++
			continue
		}

		toClose = append(toClose, cur.RawKey)
		toInsert = append(toInsert, r)
	}

	if spec.OnMissing == "close" {
		for nk, cur := range current {
			if _, ok := seen[nk]; !ok {
				toClose = append(toClose, cur.RawKey)
			}
		}
	}

	if len(toClose) > 0 {
		if err := tx.CloseVersions(ctx, spec, sourceAudit, toClose, batchID, effective); err != nil {
			return stats, err
		}
		stats.Closed = len(toClose)
	}
	if len(toInsert) > 0 {
		if err := tx.InsertVersions(ctx, spec, toInsert, sourceAudit, batchID, effective); err != nil {
			return stats, err
		}
		stats.Inserted = len(toInsert)
	}

	e.logf("stage=merge entity=%s source=%d seen=%d inserted=%d closed=%d unchanged=%d duration=%s",
		spec.Name, sourceAudit, stats.Seen, stats.Inserted, stats.Closed, stats.Unchanged,
		time.Since(start).Truncate(time.Millisecond))

	return stats, nil
}

// attrsEqual is field-by-field equality over tracked attributes.
func attrsEqual(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !warehouse.EqualScalar(a[i], b[i]) {
			return false
		}
	}
	return true
}

var _ Logger = (*log.Logger)(nil)
