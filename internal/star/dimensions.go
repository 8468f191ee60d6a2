// Package star projects current warehouse versions into the denormalized
// star schema: conformed dimension tables with stable surrogate keys, a
// regenerated date spine, and a fully rebuilt fact table.
package star

import (
	"context"
	"log"
	"sort"
	"time"

	"coursedw/internal/etlerr"
	"coursedw/internal/warehouse"
)

// Logger is the minimal logging interface used by the builder.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Builder rebuilds the star schema from current warehouse state. Like the
// merge engine it is stateless; all reads and writes go through the batch
// transaction.
type Builder struct {
	Logger Logger

	// Strict turns a multi-source disagreement that the tie-break cannot
	// order (identical start_date, different attributes) into a
	// merge_conflict failure instead of picking a winner.
	Strict bool

	// BatchSize bounds fact insert statements. Defaults to 1024.
	BatchSize int
}

func (b *Builder) logf(format string, v ...any) {
	if b.Logger == nil {
		return
	}
	b.Logger.Printf(format, v...)
}

func (b *Builder) batchSize() int {
	if b.BatchSize <= 0 {
		return 1024
	}
	return b.BatchSize
}

// RebuildDimensions upserts every dimension from the current warehouse
// versions of its entity, then regenerates the date spine. Surrogate keys of
// already-known natural keys are never reassigned; re-running against
// unchanged warehouse state changes nothing.
func (b *Builder) RebuildDimensions(ctx context.Context, tx warehouse.Tx, m warehouse.Model) error {
	for _, d := range m.Dimensions {
		start := time.Now()

		e, ok := m.Entity(d.Entity)
		if !ok {
			return etlerr.Newf(etlerr.ReferentialGap, "dimensions", d.Name,
				"dimension references unknown entity %q", d.Entity)
		}

		versions, err := tx.AllCurrentVersions(ctx, e)
		if err != nil {
			return err
		}

		winners, err := reconcile(e, versions, b.Strict)
		if err != nil {
			return err
		}

		rows := make([]warehouse.DimensionRow, 0, len(winners))
		for _, v := range winners {
			vals := make([]any, len(d.Columns))
			for i, c := range d.Columns {
				vals[i] = attrValue(e, v, c.Attr)
			}
			rows = append(rows, warehouse.DimensionRow{Key: v.RawKey, Values: vals})
		}

		for _, seed := range d.Seed {
			if err := tx.SeedDimensionRow(ctx, d, seed); err != nil {
				return err
			}
		}
		if err := tx.UpsertDimensionRows(ctx, d, rows); err != nil {
			return err
		}

		b.logf("stage=dimensions table=%s rows=%d duration=%s",
			d.Name, len(rows), time.Since(start).Truncate(time.Millisecond))
	}

	return b.rebuildDateSpine(ctx, tx, m)
}

// reconcile collapses multi-source current versions to one winner per
// natural key: the most recent start_date wins; on an exact tie the lower
// source_id_audit wins (the relational feed outranks the file feed). In
// strict mode a tie whose attributes differ is a merge conflict.
func reconcile(e warehouse.EntitySpec, versions []warehouse.Version, strict bool) ([]warehouse.Version, error) {
	byKey := make(map[string]warehouse.Version, len(versions))
	for _, v := range versions {
		cur, ok := byKey[v.Key]
		if !ok {
			byKey[v.Key] = v
			continue
		}

		switch {
		case v.StartDate.After(cur.StartDate):
			byKey[v.Key] = v
		case v.StartDate.Equal(cur.StartDate):
			if strict && !sameAttrs(cur.Attrs, v.Attrs) {
				return nil, etlerr.Newf(etlerr.MergeConflict, "dimensions", e.Name,
					"sources %d and %d disagree on key=%s at identical start_date",
					cur.SourceAudit, v.SourceAudit, v.Key)
			}
			if v.SourceAudit < cur.SourceAudit {
				byKey[v.Key] = v
			}
		}
	}

	out := make([]warehouse.Version, 0, len(byKey))
	for _, v := range byKey {
		out = append(out, v)
	}
	// Deterministic write order keeps logs and backend statements stable.
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func sameAttrs(a, b []any) bool {
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

// attrValue reads one attribute off a version; the natural key is
// addressable by its column name like any tracked attribute.
func attrValue(e warehouse.EntitySpec, v warehouse.Version, attr string) any {
	if attr == e.NaturalKey.Name {
		return v.RawKey
	}
	if i := e.AttrIndex(attr); i >= 0 && i < len(v.Attrs) {
		return v.Attrs[i]
	}
	return nil
}

var _ Logger = (*log.Logger)(nil)
